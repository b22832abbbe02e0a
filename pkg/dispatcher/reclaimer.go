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
	"github.com/giggle/lingo/pkg/types"
)

// reclaimLoop sweeps for stuck tasks at the reclaim interval. Unlike
// the pending drain there is no immediate first run: a freshly started
// instance has no reason to believe anything is stuck yet.
func (d *Dispatcher) reclaimLoop() {
	ticker := time.NewTicker(d.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.reclaimOnce(context.Background())
		case <-d.stopCh:
			return
		}
	}
}

// reclaimOnce runs one stuck-task sweep under the global sweep lock.
// Wait is zero: when another instance is already sweeping this tick is
// simply skipped.
func (d *Dispatcher) reclaimOnce(ctx context.Context) {
	err := d.locks.WithLock(ctx, reclaimSweepLock, reclaimLockTTL, 0, func(ctx context.Context) error {
		d.sweepStuck(ctx)
		return nil
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		d.logger.Debug().Msg("Another instance is sweeping stuck tasks, skipping tick")
		return
	}
	if err != nil {
		d.logger.Error().Err(err).Msg("Stuck-task sweep failed")
	}
}

func (d *Dispatcher) sweepStuck(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReclaimDuration)

	threshold := time.Now().Add(-d.cfg.StuckThreshold)
	stuck, err := d.store.ListStuckTasks(ctx, threshold)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to list stuck tasks")
		return
	}
	if len(stuck) == 0 {
		return
	}
	d.logger.Info().Int("count", len(stuck)).Msg("Reclaiming stuck tasks")

	for _, task := range stuck {
		if err := d.reclaimTask(ctx, task, threshold); err != nil {
			d.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to reclaim task")
		}
	}
}

// reclaimTask returns one stuck task to PENDING, or fails it once its
// recovery budget is spent. The guarded updates re-check that the task
// is still PROCESSING and still older than the threshold, so a task
// that made progress between the listing and the lock is left alone.
func (d *Dispatcher) reclaimTask(ctx context.Context, task *types.Task, threshold time.Time) error {
	err := d.locks.WithLock(ctx, "task_recover:"+task.ID, recoverLockTTL, recoverLockWait,
		func(ctx context.Context) error {
			newRetry := task.RetryCount + 1
			if newRetry > d.cfg.MaxRetryAttempts {
				message := fmt.Sprintf("Task failed after %d recovery attempts", d.cfg.MaxRetryAttempts)
				moved, err := d.store.FailStuckTask(ctx, task.ID, message, threshold)
				if err != nil {
					return err
				}
				if moved {
					metrics.ReclaimExhausted.Inc()
					d.publish(events.EventTaskFailed, message, map[string]string{"task_id": task.ID})
					d.logger.Warn().Str("task_id", task.ID).Msg("Task failed after exhausting recovery attempts")
				}
				return nil
			}

			moved, err := d.store.ReclaimTask(ctx, task.ID, newRetry, threshold)
			if err != nil {
				return err
			}
			if !moved {
				// Progressed since the listing; nothing to recover.
				return nil
			}

			body, err := types.EncodeMessage(types.NewPendingTask(task.ID, newRetry))
			if err != nil {
				return err
			}
			if err := d.broker.ListPushHead(ctx, broker.KeyPendingTasks, body); err != nil {
				return fmt.Errorf("failed to enqueue reclaimed task %s: %w", task.ID, err)
			}
			d.updateQueueDepth(ctx)

			metrics.TasksReclaimed.Inc()
			d.publish(events.EventTaskReclaimed, "stuck task returned to pending", map[string]string{
				"task_id": task.ID,
			})
			d.logger.Info().
				Str("task_id", task.ID).
				Str("node_id", task.AssignedNodeID).
				Int("retry_count", newRetry).
				Msg("Reclaimed stuck task")
			return nil
		})
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil
	}
	return err
}
