package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/giggle/lingo/pkg/broker"
	"github.com/giggle/lingo/pkg/events"
	"github.com/giggle/lingo/pkg/lock"
	"github.com/giggle/lingo/pkg/log"
	"github.com/giggle/lingo/pkg/metrics"
	"github.com/giggle/lingo/pkg/registry"
	"github.com/giggle/lingo/pkg/storage"
	"github.com/giggle/lingo/pkg/types"
)

// Lock parameters for the dispatch paths. TTLs are chosen generously
// longer than the critical sections they guard; see pkg/lock for why.
const (
	dispatchLockTTL  = 10 * time.Second
	dispatchLockWait = 2 * time.Second
	handoffLockTTL   = 5 * time.Second
	handoffLockWait  = 1 * time.Second
	pendingLockTTL   = 10 * time.Second
	pendingLockWait  = 5 * time.Second
	reclaimLockTTL   = 60 * time.Second
	recoverLockTTL   = 10 * time.Second
	recoverLockWait  = 1 * time.Second

	reclaimSweepLock = "recover_stuck_tasks_lock"
)

// Config holds the dispatcher tunables
type Config struct {
	// PendingDrainInterval is the tick between pending-queue pops
	PendingDrainInterval time.Duration
	// ReclaimInterval is the tick between stuck-task sweeps (also the
	// initial delay before the first sweep)
	ReclaimInterval time.Duration
	// StuckThreshold is how long a PROCESSING task may go without an
	// update before the reclaimer takes it back
	StuckThreshold time.Duration
	// NodeCapacity is the dispatch ceiling per node
	NodeCapacity int
	// MaxRetryAttempts bounds pending requeues and stuck recoveries
	MaxRetryAttempts int
}

func (c *Config) applyDefaults() {
	if c.PendingDrainInterval <= 0 {
		c.PendingDrainInterval = 30 * time.Second
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 300 * time.Second
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 30 * time.Minute
	}
	if c.NodeCapacity <= 0 {
		c.NodeCapacity = 10
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 10
	}
}

// Dispatcher is the scheduler and task state-machine driver. It accepts
// newly created tasks, hands them to nodes through per-node broker
// queues, parks unplaceable tasks on the global pending queue, and runs
// two background sweepers: the pending drain and the stuck-task
// reclaimer.
//
// Any number of dispatcher instances may run concurrently; all
// coordination goes through the broker locks and the repository's
// guarded transitions.
type Dispatcher struct {
	store    storage.Store
	broker   broker.Broker
	registry *registry.Registry
	locks    *lock.Service
	bus      *events.Bus
	cfg      Config
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// New creates a dispatcher. bus may be nil when no event consumers
// exist. Zero Config fields get the platform defaults.
func New(store storage.Store, b broker.Broker, reg *registry.Registry, locks *lock.Service, bus *events.Bus, cfg Config) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		store:    store,
		broker:   b,
		registry: reg,
		locks:    locks,
		bus:      bus,
		cfg:      cfg,
		logger:   log.WithComponent("dispatcher"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background sweepers
func (d *Dispatcher) Start() {
	go d.drainLoop()
	go d.reclaimLoop()
}

// Stop stops the background sweepers. In-flight Dispatch calls are
// unaffected.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
}

// Dispatch is the synchronous fast-path called from the task creation
// flow. It returns nil both when the task was handed to a node and when
// it was parked on the pending queue; the distinction is visible through
// the task's status only. Lock contention also returns nil: another
// dispatcher owns this task and the sweeper backstops everything else.
func (d *Dispatcher) Dispatch(ctx context.Context, task *types.Task) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchDuration)

	err := d.locks.WithLock(ctx, "task_dispatch:"+task.ID, dispatchLockTTL, dispatchLockWait,
		func(ctx context.Context) error {
			return d.dispatchLocked(ctx, task.ID)
		})
	if errors.Is(err, lock.ErrNotAcquired) {
		metrics.DispatchTotal.WithLabelValues("skipped").Inc()
		d.logger.Debug().Str("task_id", task.ID).Msg("Dispatch lock contended, skipping")
		return nil
	}
	if err != nil {
		metrics.DispatchTotal.WithLabelValues("error").Inc()
	}
	return err
}

func (d *Dispatcher) dispatchLocked(ctx context.Context, taskID string) error {
	// Re-read under the lock: another dispatcher may have progressed
	// the task between creation and lock acquisition.
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if task.Status != types.TaskStatusPending {
		metrics.DispatchTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	moved, err := d.store.MarkDispatching(ctx, taskID)
	if err != nil {
		return err
	}
	if !moved {
		metrics.DispatchTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	task.Status = types.TaskStatusDispatching

	if node := d.registry.SelectOptimal(ctx, task); node != nil {
		ok, err := d.handoff(ctx, task, node)
		if err != nil {
			d.logger.Error().Err(err).
				Str("task_id", task.ID).
				Str("node_id", node.ID).
				Msg("Handoff failed")
		}
		if ok {
			metrics.DispatchTotal.WithLabelValues("dispatched").Inc()
			return nil
		}
	}

	return d.park(ctx, task.ID, task.RetryCount)
}

// handoff re-checks the node's capacity under its per-node lock, pushes
// the work message, and marks the task PROCESSING. The broker push
// deliberately precedes the status update: if the update fails the
// message is already in flight and the worker idempotently transitions
// the task on its first progress report.
//
// Returns false when the node could not take the task (capacity reached
// or its lock was contended); the caller parks the task.
func (d *Dispatcher) handoff(ctx context.Context, task *types.Task, node *types.Node) (bool, error) {
	dispatched := false
	err := d.locks.WithLock(ctx, "node_dispatch:"+node.ID, handoffLockTTL, handoffLockWait,
		func(ctx context.Context) error {
			// Selection is only sharded, so another dispatcher may have
			// loaded this node since it was scored. The recount under
			// the node lock is the overbooking defense.
			count, err := d.store.CountProcessingTasks(ctx, node.ID)
			if err != nil {
				return err
			}
			if count >= d.cfg.NodeCapacity {
				metrics.HandoffRejected.Inc()
				d.logger.Debug().
					Str("node_id", node.ID).
					Int("active_tasks", count).
					Msg("Node at capacity, rejecting handoff")
				return nil
			}

			body, err := types.EncodeMessage(types.WorkMessageForTask(task))
			if err != nil {
				return err
			}
			if err := d.broker.ListPushHead(ctx, broker.TaskQueueKey(node.ID), body); err != nil {
				return fmt.Errorf("failed to enqueue work for node %s: %w", node.ID, err)
			}
			dispatched = true

			if moved, err := d.store.MarkProcessing(ctx, task.ID, node.ID); err != nil {
				// Message already in flight; the worker will transition
				// the task itself.
				d.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to mark task processing")
			} else if !moved {
				d.logger.Warn().Str("task_id", task.ID).Msg("Task progressed elsewhere during handoff")
			}
			return nil
		})
	if errors.Is(err, lock.ErrNotAcquired) {
		return false, nil
	}
	if err != nil {
		return dispatched, err
	}
	if dispatched {
		d.publish(events.EventTaskDispatched, "task dispatched", map[string]string{
			"task_id": task.ID,
			"node_id": node.ID,
		})
		d.logger.Info().
			Str("task_id", task.ID).
			Str("node_id", node.ID).
			Msg("Task dispatched")
	}
	return dispatched, nil
}

// park returns a task to PENDING and appends its envelope to the global
// pending queue for the drain sweeper.
func (d *Dispatcher) park(ctx context.Context, taskID string, retryCount int) error {
	if _, err := d.store.ReleaseDispatching(ctx, taskID); err != nil {
		d.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to release task back to pending")
	}

	body, err := types.EncodeMessage(types.NewPendingTask(taskID, retryCount))
	if err != nil {
		return err
	}
	if err := d.broker.ListPushHead(ctx, broker.KeyPendingTasks, body); err != nil {
		return fmt.Errorf("failed to park task %s: %w", taskID, err)
	}

	metrics.DispatchTotal.WithLabelValues("parked").Inc()
	d.updateQueueDepth(ctx)
	d.publish(events.EventTaskParked, "no node available, task parked", map[string]string{
		"task_id": taskID,
	})
	d.logger.Info().Str("task_id", taskID).Int("retry_count", retryCount).Msg("Task parked on pending queue")
	return nil
}

// Cancel pushes a CANCEL_TASK control message onto the node's control
// queue. The task's status is the caller's responsibility: callers mark
// CANCELLED in the repository first, then send the control message.
func (d *Dispatcher) Cancel(ctx context.Context, taskID, nodeID string) error {
	body, err := types.EncodeMessage(types.NewCancelMessage(taskID))
	if err != nil {
		return err
	}
	if err := d.broker.ListPushHead(ctx, broker.ControlQueueKey(nodeID), body); err != nil {
		return fmt.Errorf("failed to send cancel for task %s to node %s: %w", taskID, nodeID, err)
	}
	d.publish(events.EventTaskCancelled, "cancel requested", map[string]string{
		"task_id": taskID,
		"node_id": nodeID,
	})
	d.logger.Info().Str("task_id", taskID).Str("node_id", nodeID).Msg("Cancel message sent")
	return nil
}

func (d *Dispatcher) publish(eventType events.EventType, message string, metadata map[string]string) {
	if d.bus != nil {
		d.bus.Publish(events.NewEvent(eventType, message, metadata))
	}
}

func (d *Dispatcher) updateQueueDepth(ctx context.Context) {
	if depth, err := d.broker.ListLen(ctx, broker.KeyPendingTasks); err == nil {
		metrics.PendingQueueDepth.Set(float64(depth))
	}
}
