package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giggle/lingo/pkg/broker"
	"github.com/giggle/lingo/pkg/events"
	"github.com/giggle/lingo/pkg/lock"
	"github.com/giggle/lingo/pkg/metrics"
	"github.com/giggle/lingo/pkg/storage"
	"github.com/giggle/lingo/pkg/types"
)

// drainLoop pops one pending envelope per tick. The first tick runs
// immediately so a restart does not add a full interval of latency to
// already-parked tasks.
func (d *Dispatcher) drainLoop() {
	d.drainOnce(context.Background())

	ticker := time.NewTicker(d.cfg.PendingDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.drainOnce(context.Background())
		case <-d.stopCh:
			return
		}
	}
}

// drainOnce pops exactly one envelope from the tail of the pending
// queue and tries to place it. Errors are logged and the tick ends; the
// next tick continues the drain.
func (d *Dispatcher) drainOnce(ctx context.Context) {
	body, popped, err := d.broker.ListPopTail(ctx, broker.KeyPendingTasks)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to pop pending queue")
		return
	}
	if !popped {
		return
	}
	d.updateQueueDepth(ctx)

	env, err := types.DecodePendingTask(body)
	if err != nil {
		// Malformed envelopes are dropped, not retried: requeueing one
		// would wedge the drain forever.
		d.logger.Error().Err(err).Str("body", body).Msg("Dropping malformed pending envelope")
		return
	}

	err = d.locks.WithLock(ctx, "pending_task_process:"+env.TaskID, pendingLockTTL, pendingLockWait,
		func(ctx context.Context) error {
			return d.processPending(ctx, env)
		})
	if errors.Is(err, lock.ErrNotAcquired) {
		// Someone else owns this task right now. Put the envelope back
		// untouched and let a later tick retry.
		d.requeue(ctx, env)
		return
	}
	if err != nil {
		d.logger.Error().Err(err).Str("task_id", env.TaskID).Msg("Pending drain failed, requeueing")
		d.requeue(ctx, env)
	}
}

func (d *Dispatcher) processPending(ctx context.Context, env *types.PendingTask) error {
	task, err := d.store.GetTask(ctx, env.TaskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			d.logger.Warn().Str("task_id", env.TaskID).Msg("Dropping envelope for unknown task")
			return nil
		}
		return err
	}
	if task.Status != types.TaskStatusPending {
		d.logger.Debug().
			Str("task_id", env.TaskID).
			Str("status", string(task.Status)).
			Msg("Dropping envelope, task no longer pending")
		return nil
	}

	if node := d.registry.SelectOptimal(ctx, task); node != nil {
		ok, err := d.handoff(ctx, task, node)
		if err != nil {
			d.logger.Error().Err(err).
				Str("task_id", task.ID).
				Str("node_id", node.ID).
				Msg("Handoff from pending queue failed")
		}
		if ok {
			return nil
		}
	}

	if env.RetryCount < d.cfg.MaxRetryAttempts {
		d.requeue(ctx, types.NewPendingTask(env.TaskID, env.RetryCount+1))
		metrics.PendingRequeues.Inc()
		return nil
	}

	message := fmt.Sprintf("No available nodes after %d retry attempts", d.cfg.MaxRetryAttempts)
	if _, err := d.store.MarkFailed(ctx, env.TaskID, message); err != nil {
		return err
	}
	metrics.PendingExhausted.Inc()
	d.publish(events.EventTaskFailed, message, map[string]string{"task_id": env.TaskID})
	d.logger.Warn().Str("task_id", env.TaskID).Msg("Task failed after exhausting pending retries")
	return nil
}

// requeue pushes an envelope back at the head of the pending queue.
// Head placement means a failing envelope is retried before older ones;
// that keeps quickly retriable tasks moving at the cost of FIFO
// fairness under sustained pressure.
func (d *Dispatcher) requeue(ctx context.Context, env *types.PendingTask) {
	body, err := types.EncodeMessage(env)
	if err != nil {
		d.logger.Error().Err(err).Str("task_id", env.TaskID).Msg("Failed to encode pending envelope")
		return
	}
	if err := d.broker.ListPushHead(ctx, broker.KeyPendingTasks, body); err != nil {
		d.logger.Error().Err(err).Str("task_id", env.TaskID).Msg("Failed to requeue pending envelope")
		return
	}
	d.updateQueueDepth(ctx)
}
