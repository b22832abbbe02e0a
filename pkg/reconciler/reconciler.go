package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/giggle/lingo/pkg/broker"
	"github.com/giggle/lingo/pkg/events"
	"github.com/giggle/lingo/pkg/log"
	"github.com/giggle/lingo/pkg/metrics"
	"github.com/giggle/lingo/pkg/registry"
	"github.com/giggle/lingo/pkg/types"
)

// Config holds the reconciler tunables
type Config struct {
	// Interval is the tick between membership sweeps
	Interval time.Duration
}

// Reconciler periodically sweeps the active-node set and evicts members
// that are no longer backed by a live hash. A node whose hash TTL has
// expired, or that advertises itself as shutting down or offline, stays
// in the set until this sweep (or an opportunistic registry cleanup)
// removes it.
//
// Sweeps are idempotent and unlocked: two instances sweeping at once
// issue the same removals, and removing an already-removed node is a
// no-op on the broker.
type Reconciler struct {
	broker   broker.Broker
	registry *registry.Registry
	bus      *events.Bus
	cfg      Config
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// New creates a reconciler. bus may be nil when no event consumers
// exist.
func New(b broker.Broker, reg *registry.Registry, bus *events.Bus, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Reconciler{
		broker:   b,
		registry: reg,
		bus:      bus,
		cfg:      cfg,
		logger:   log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the sweep loop
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	r.Reconcile(context.Background())

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Reconcile(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile runs one sweep over the active-node set. Exported so tests
// and operational tooling can force a sweep without waiting a tick.
func (r *Reconciler) Reconcile(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

	ids, err := r.broker.SetMembers(ctx, broker.KeyActiveNodes)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list active nodes")
		return
	}

	removed := 0
	for _, id := range ids {
		reason, dead := r.examine(ctx, id)
		if !dead {
			continue
		}
		if err := r.registry.RemoveCompletely(ctx, id); err != nil {
			r.logger.Error().Err(err).Str("node_id", id).Msg("Failed to evict node")
			continue
		}
		removed++
		r.publish(events.EventNodeEvicted, reason, map[string]string{"node_id": id})
		r.logger.Info().Str("node_id", id).Str("reason", reason).Msg("Evicted node")
	}

	if removed > 0 {
		r.logger.Info().
			Int("checked", len(ids)).
			Int("removed", removed).
			Msg("Membership sweep removed nodes")
	}
}

// examine decides whether an active-set member should be evicted.
// Liveness-window checks stay with the registry's dispatch-time
// eligibility; the sweep only acts on definitive signals so a node
// with a slow heartbeat is not churned out of membership.
func (r *Reconciler) examine(ctx context.Context, nodeID string) (string, bool) {
	fields, err := r.broker.HashGetAll(ctx, broker.NodeKey(nodeID))
	if err != nil {
		r.logger.Error().Err(err).Str("node_id", nodeID).Msg("Failed to read node hash")
		return "", false
	}
	if len(fields) == 0 {
		return "node hash expired", true
	}
	if types.NodeFromHash(nodeID, fields).Status == types.NodeStatusOffline {
		return "node reported offline", true
	}
	return "", false
}

func (r *Reconciler) publish(eventType events.EventType, message string, metadata map[string]string) {
	if r.bus != nil {
		r.bus.Publish(events.NewEvent(eventType, message, metadata))
	}
}
