package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/giggle/lingo/pkg/broker"
	"github.com/giggle/lingo/pkg/lock"
	"github.com/giggle/lingo/pkg/log"
	"github.com/giggle/lingo/pkg/metrics"
	"github.com/giggle/lingo/pkg/storage"
	"github.com/giggle/lingo/pkg/types"
)

// Config holds the registry tunables
type Config struct {
	// LivenessWindow is how recent a heartbeat must be for a node to
	// count as alive
	LivenessWindow time.Duration
	// NodeCapacity is the dispatch ceiling on concurrent PROCESSING
	// tasks per node
	NodeCapacity int
	// SelectionShards spreads selection locking across this many slots
	SelectionShards int
}

// Selection lock parameters: a handful of concurrent selections may
// proceed across the fleet, each holding its shard briefly.
const (
	selectionLockTTL  = 3 * time.Second
	selectionLockWait = 1 * time.Second
)

// Registry translates the broker's view of workers into dispatch
// candidates. The broker contents are worker-maintained hints; the
// registry prunes what no longer holds and re-derives load from the
// task repository before trusting it.
type Registry struct {
	broker broker.Broker
	store  storage.Store
	locks  *lock.Service
	cfg    Config
	logger zerolog.Logger
}

// New creates a registry. Zero Config fields get the platform defaults.
func New(b broker.Broker, store storage.Store, locks *lock.Service, cfg Config) *Registry {
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = 5 * time.Minute
	}
	if cfg.NodeCapacity <= 0 {
		cfg.NodeCapacity = 10
	}
	if cfg.SelectionShards <= 0 {
		cfg.SelectionShards = 5
	}
	return &Registry{
		broker: b,
		store:  store,
		locks:  locks,
		cfg:    cfg,
		logger: log.WithComponent("registry"),
	}
}

// ListAll returns every node currently advertised, regardless of
// status. Broker errors degrade to an empty list.
func (r *Registry) ListAll(ctx context.Context) []*types.Node {
	ids, err := r.broker.SetMembers(ctx, broker.KeyActiveNodes)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list active nodes")
		return nil
	}

	var nodes []*types.Node
	for _, id := range ids {
		fields, err := r.broker.HashGetAll(ctx, broker.NodeKey(id))
		if err != nil {
			r.logger.Error().Err(err).Str("node_id", id).Msg("Failed to read node hash")
			continue
		}
		if len(fields) == 0 {
			continue
		}
		nodes = append(nodes, types.NodeFromHash(id, fields))
	}
	return nodes
}

// ListAvailable returns eligible nodes only, ordered by ranking (best
// rank first, unranked nodes last). It opportunistically cleans up:
// ranked nodes missing from the active set, active nodes that fail the
// health predicate, and nodes whose hash has expired are all evicted.
func (r *Registry) ListAvailable(ctx context.Context) []*types.Node {
	active, err := r.broker.SetMembers(ctx, broker.KeyActiveNodes)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list active nodes")
		return nil
	}
	ranking, err := r.broker.SortedSetRange(ctx, broker.KeyNodeRankings)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to read node rankings")
		return nil
	}

	activeSet := make(map[string]struct{}, len(active))
	for _, id := range active {
		activeSet[id] = struct{}{}
	}

	// Ranked but no longer claiming liveness: purge.
	for _, ranked := range ranking {
		if _, ok := activeSet[ranked.Member]; !ok {
			r.logger.Info().Str("node_id", ranked.Member).Msg("Evicting ranked node missing from active set")
			r.evict(ctx, ranked.Member)
		}
	}

	available := make(map[string]*types.Node, len(active))
	for _, id := range active {
		node, healthy := r.inspect(ctx, id)
		if !healthy {
			r.evict(ctx, id)
			continue
		}
		available[id] = node
	}

	// Ranking order first, then unranked survivors in set order.
	nodes := make([]*types.Node, 0, len(available))
	for _, ranked := range ranking {
		if node, ok := available[ranked.Member]; ok {
			nodes = append(nodes, node)
			delete(available, ranked.Member)
		}
	}
	for _, id := range active {
		if node, ok := available[id]; ok {
			nodes = append(nodes, node)
		}
	}

	metrics.NodesEligible.Set(float64(len(nodes)))
	return nodes
}

// inspect reads a node's hash and applies the liveness predicate
func (r *Registry) inspect(ctx context.Context, nodeID string) (*types.Node, bool) {
	fields, err := r.broker.HashGetAll(ctx, broker.NodeKey(nodeID))
	if err != nil {
		r.logger.Error().Err(err).Str("node_id", nodeID).Msg("Failed to read node hash")
		return nil, false
	}
	if len(fields) == 0 {
		return nil, false
	}
	node := types.NodeFromHash(nodeID, fields)
	if node.Status != types.NodeStatusOnline {
		return node, false
	}
	if time.Since(node.LastHeartbeat) > r.cfg.LivenessWindow {
		return node, false
	}
	return node, true
}

// IsHealthy reports whether the node is ONLINE, a member of the active
// set, and heartbeating within the liveness window.
func (r *Registry) IsHealthy(ctx context.Context, nodeID string) bool {
	active, err := r.broker.SetMembers(ctx, broker.KeyActiveNodes)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list active nodes")
		return false
	}
	member := false
	for _, id := range active {
		if id == nodeID {
			member = true
			break
		}
	}
	if !member {
		return false
	}
	_, healthy := r.inspect(ctx, nodeID)
	return healthy
}

// SelectOptimal returns the eligible node with the lowest load score,
// or nil when none qualifies. Selection runs under a sharded lock so
// concurrent dispatchers don't herd onto the same node; a contended
// shard returns nil, which callers treat as backpressure.
func (r *Registry) SelectOptimal(ctx context.Context, task *types.Task) *types.Node {
	shard := time.Now().UnixMilli() % int64(r.cfg.SelectionShards)
	key := fmt.Sprintf("node_selection:%d", shard)

	var selected *types.Node
	err := r.locks.WithLock(ctx, key, selectionLockTTL, selectionLockWait, func(ctx context.Context) error {
		selected = r.selectLocked(ctx, task)
		return nil
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		r.logger.Debug().Int64("shard", shard).Msg("Selection shard contended")
		return nil
	}
	if err != nil {
		r.logger.Error().Err(err).Msg("Node selection failed")
		return nil
	}
	return selected
}

// selectLocked applies the selection policy. Candidates arrive in
// ranking order, so on score ties the lower-ranked node wins and
// repeated runs over the same state are deterministic.
func (r *Registry) selectLocked(ctx context.Context, _ *types.Task) *types.Node {
	candidates := r.ListAvailable(ctx)

	var best *types.Node
	bestScore := 0.0
	for _, node := range candidates {
		// The node's self-reported count is stale by up to a heartbeat;
		// the repository count is what capacity decisions are made on.
		count, err := r.store.CountProcessingTasks(ctx, node.ID)
		if err != nil {
			r.logger.Error().Err(err).Str("node_id", node.ID).Msg("Failed to count node tasks")
			continue
		}
		node.ActiveTaskCount = count
		if count >= r.cfg.NodeCapacity {
			continue
		}

		score := node.CPUUsage + node.MemoryPercent() + float64(count)*10
		if best == nil || score < bestScore {
			best = node
			bestScore = score
		}
	}

	if best != nil {
		r.logger.Debug().
			Str("node_id", best.ID).
			Float64("score", bestScore).
			Int("active_tasks", best.ActiveTaskCount).
			Msg("Selected node for dispatch")
	}
	return best
}

// RemoveFromRanking evicts a node from the ranking only
func (r *Registry) RemoveFromRanking(ctx context.Context, nodeID string) error {
	if err := r.broker.SortedSetRemove(ctx, broker.KeyNodeRankings, nodeID); err != nil {
		return fmt.Errorf("failed to remove node %s from ranking: %w", nodeID, err)
	}
	return nil
}

// RemoveCompletely evicts a node from the active set, the ranking, and
// deletes its hash.
func (r *Registry) RemoveCompletely(ctx context.Context, nodeID string) error {
	var firstErr error
	if err := r.broker.SetRemove(ctx, broker.KeyActiveNodes, nodeID); err != nil {
		firstErr = err
	}
	if err := r.broker.SortedSetRemove(ctx, broker.KeyNodeRankings, nodeID); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.broker.Delete(ctx, broker.NodeKey(nodeID)); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return fmt.Errorf("failed to remove node %s: %w", nodeID, firstErr)
	}
	metrics.NodesEvicted.Inc()
	return nil
}

// evict is the best-effort cleanup used inside ListAvailable
func (r *Registry) evict(ctx context.Context, nodeID string) {
	if err := r.RemoveCompletely(ctx, nodeID); err != nil {
		r.logger.Error().Err(err).Str("node_id", nodeID).Msg("Failed to evict node")
	}
}
