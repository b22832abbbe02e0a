package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giggle/lingo/pkg/broker"
	"github.com/giggle/lingo/pkg/lock"
	"github.com/giggle/lingo/pkg/types"
)

func (f *fixture) park(t *testing.T, taskID string, retryCount int) {
	t.Helper()
	body, err := types.EncodeMessage(types.NewPendingTask(taskID, retryCount))
	require.NoError(t, err)
	require.NoError(t, f.broker.ListPushHead(context.Background(), broker.KeyPendingTasks, body))
}

func (f *fixture) pendingDepth(t *testing.T) int64 {
	t.Helper()
	depth, err := f.broker.ListLen(context.Background(), broker.KeyPendingTasks)
	require.NoError(t, err)
	return depth
}

func TestDrainDispatchesParkedTask(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	task := f.newTask(t)
	f.park(t, task.ID, 0)
	f.addNode(t, "node-1")

	f.dispatcher.drainOnce(ctx)

	fetched, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusProcessing, fetched.Status)
	assert.Equal(t, "node-1", fetched.AssignedNodeID)

	_, ok := f.popQueue(t, broker.TaskQueueKey("node-1"))
	assert.True(t, ok)
	assert.Zero(t, f.pendingDepth(t))
}

func TestDrainRequeuesWithIncrementedRetry(t *testing.T) {
	f := newFixture(t, Config{MaxRetryAttempts: 5})
	ctx := context.Background()

	task := f.newTask(t)
	f.park(t, task.ID, 2)

	// No nodes: the envelope goes back with one more retry on it.
	f.dispatcher.drainOnce(ctx)

	body, ok := f.popQueue(t, broker.KeyPendingTasks)
	require.True(t, ok)
	env, err := types.DecodePendingTask(body)
	require.NoError(t, err)
	assert.Equal(t, task.ID, env.TaskID)
	assert.Equal(t, 3, env.RetryCount)

	fetched, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, fetched.Status)
}

func TestDrainFailsTaskAfterRetryBudget(t *testing.T) {
	f := newFixture(t, Config{MaxRetryAttempts: 3})
	ctx := context.Background()

	task := f.newTask(t)
	f.park(t, task.ID, 3)

	f.dispatcher.drainOnce(ctx)

	fetched, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, fetched.Status)
	assert.Equal(t, "No available nodes after 3 retry attempts", fetched.ErrorMessage)
	assert.Zero(t, f.pendingDepth(t))
}

func TestDrainDropsEnvelopeForUnknownTask(t *testing.T) {
	f := newFixture(t, Config{})

	f.park(t, "ghost", 0)
	f.dispatcher.drainOnce(context.Background())

	assert.Zero(t, f.pendingDepth(t))
}

func TestDrainDropsEnvelopeForSettledTask(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	task := f.newTask(t)
	moved, err := f.store.MarkCancelled(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, moved)

	f.park(t, task.ID, 0)
	f.dispatcher.drainOnce(ctx)

	// Cancelled while parked: the stale envelope vanishes.
	assert.Zero(t, f.pendingDepth(t))
	fetched, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, fetched.Status)
}

func TestDrainDropsMalformedEnvelope(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.broker.ListPushHead(ctx, broker.KeyPendingTasks, "{not json"))
	f.dispatcher.drainOnce(ctx)

	assert.Zero(t, f.pendingDepth(t))
}

func TestDrainRequeuesUnchangedUnderContention(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	task := f.newTask(t)
	f.park(t, task.ID, 2)

	held, err := lock.NewService(f.broker).TryLock(ctx, "pending_task_process:"+task.ID, 30*time.Second, 0)
	require.NoError(t, err)
	require.True(t, held)

	f.dispatcher.drainOnce(ctx)

	// The envelope is back with its retry count untouched.
	body, ok := f.popQueue(t, broker.KeyPendingTasks)
	require.True(t, ok)
	env, err := types.DecodePendingTask(body)
	require.NoError(t, err)
	assert.Equal(t, 2, env.RetryCount)
}

func TestDrainPopsOneEnvelopePerTick(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	first := f.newTask(t)
	second := f.newTask(t)
	f.park(t, first.ID, 0)
	f.park(t, second.ID, 0)
	f.addNode(t, "node-1")

	f.dispatcher.drainOnce(ctx)
	assert.Equal(t, int64(1), f.pendingDepth(t))

	f.dispatcher.drainOnce(ctx)
	assert.Zero(t, f.pendingDepth(t))
}
