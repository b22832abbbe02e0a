package storage

import (
	"context"
	"errors"
	"time"

	"github.com/giggle/lingo/pkg/types"
)

// ErrNotFound is returned by point reads for unknown task IDs
var ErrNotFound = errors.New("task not found")

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Status         types.TaskStatus
	SourceLanguage string
	// TargetLanguage matches as a substring of the stored language list
	TargetLanguage string
	// TextContains matches as a substring of the inline text content
	TextContains string
}

// Store is the durable task repository. It is the single source of
// truth for task state; the broker carries hints only.
//
// Every lifecycle transition is a single guarded update: the WHERE
// clause carries the precondition, the write covers all affected fields,
// and the boolean result reports whether the row actually moved. Callers
// treat a false result as "someone else progressed the task first".
type Store interface {
	// InsertTask persists a new task in PENDING with retry_count 0,
	// assigning an ID when the caller supplied none. Returns the
	// persisted task.
	InsertTask(ctx context.Context, task *types.Task) (*types.Task, error)

	// GetTask is a point read; ErrNotFound for unknown IDs.
	GetTask(ctx context.Context, id string) (*types.Task, error)

	// ListTasks returns tasks matching the filter, newest first.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error)

	// ListStuckTasks returns PROCESSING tasks whose updated_at is older
	// than the threshold.
	ListStuckTasks(ctx context.Context, olderThan time.Time) ([]*types.Task, error)

	// CountProcessingTasks counts tasks assigned to a node in PROCESSING.
	CountProcessingTasks(ctx context.Context, nodeID string) (int, error)

	// MarkDispatching moves PENDING -> DISPATCHING.
	MarkDispatching(ctx context.Context, id string) (bool, error)

	// MarkProcessing moves PENDING/DISPATCHING -> PROCESSING and records
	// the assigned node.
	MarkProcessing(ctx context.Context, id, nodeID string) (bool, error)

	// ReleaseDispatching moves DISPATCHING -> PENDING when no node could
	// take the task and it is being parked for the drain sweeper.
	ReleaseDispatching(ctx context.Context, id string) (bool, error)

	// MarkFailed moves any non-terminal status -> FAILED with a message.
	MarkFailed(ctx context.Context, id, errorMessage string) (bool, error)

	// MarkCancelled moves any non-terminal status -> CANCELLED.
	MarkCancelled(ctx context.Context, id string) (bool, error)

	// CompleteTask moves PROCESSING -> COMPLETED with the worker's
	// results. transcribedText overwrites text_content when non-empty.
	CompleteTask(ctx context.Context, id, resultPath, transcribedText string, accuracy float64) (bool, error)

	// ReclaimTask moves a still-stuck PROCESSING task back to PENDING,
	// clearing the assigned node and setting retry_count.
	ReclaimTask(ctx context.Context, id string, retryCount int, olderThan time.Time) (bool, error)

	// FailStuckTask moves a still-stuck PROCESSING task to FAILED.
	FailStuckTask(ctx context.Context, id, errorMessage string, olderThan time.Time) (bool, error)

	Close() error
}
