package dispatcher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giggle/lingo/pkg/broker"
	"github.com/giggle/lingo/pkg/lock"
	"github.com/giggle/lingo/pkg/registry"
	"github.com/giggle/lingo/pkg/storage"
	"github.com/giggle/lingo/pkg/types"
)

type fixture struct {
	broker     *broker.MemoryBroker
	store      *storage.BoltStore
	locks      *lock.Service
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	b := broker.NewMemoryBroker()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "lingo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	locks := lock.NewService(b)
	reg := registry.New(b, store, locks, registry.Config{NodeCapacity: cfg.NodeCapacity})
	return &fixture{
		broker:     b,
		store:      store,
		locks:      locks,
		dispatcher: New(store, b, reg, locks, nil, cfg),
	}
}

func (f *fixture) addNode(t *testing.T, nodeID string) {
	t.Helper()
	ctx := context.Background()
	node := &types.Node{
		ID:            nodeID,
		Host:          "worker.local",
		Port:          8001,
		Status:        types.NodeStatusOnline,
		LastHeartbeat: time.Now(),
	}
	require.NoError(t, f.broker.HashSet(ctx, broker.NodeKey(nodeID), node.ToHash()))
	require.NoError(t, f.broker.SetAdd(ctx, broker.KeyActiveNodes, nodeID))
	require.NoError(t, f.broker.SortedSetAdd(ctx, broker.KeyNodeRankings, nodeID, 0.1))
}

func (f *fixture) newTask(t *testing.T) *types.Task {
	t.Helper()
	task, err := f.store.InsertTask(context.Background(), &types.Task{
		SourceLanguage:  "zh",
		TargetLanguages: []string{"en"},
		TextContent:     "你好",
	})
	require.NoError(t, err)
	return task
}

func (f *fixture) fillNode(t *testing.T, nodeID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		task := f.newTask(t)
		moved, err := f.store.MarkProcessing(ctx, task.ID, nodeID)
		require.NoError(t, err)
		require.True(t, moved)
	}
}

func (f *fixture) popQueue(t *testing.T, key string) (string, bool) {
	t.Helper()
	body, ok, err := f.broker.ListPopTail(context.Background(), key)
	require.NoError(t, err)
	return body, ok
}

func TestDispatchToAvailableNode(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.addNode(t, "node-1")
	task := f.newTask(t)

	require.NoError(t, f.dispatcher.Dispatch(ctx, task))

	fetched, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusProcessing, fetched.Status)
	assert.Equal(t, "node-1", fetched.AssignedNodeID)

	body, ok := f.popQueue(t, broker.TaskQueueKey("node-1"))
	require.True(t, ok)
	msg, err := types.DecodeWorkMessage(body)
	require.NoError(t, err)
	assert.Equal(t, task.ID, msg.TaskID)
	assert.Equal(t, "zh", msg.SourceLanguage)

	// Nothing was parked.
	depth, err := f.broker.ListLen(ctx, broker.KeyPendingTasks)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestDispatchParksWhenNoNodes(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	task := f.newTask(t)
	require.NoError(t, f.dispatcher.Dispatch(ctx, task))

	// Parked tasks return to PENDING so the drain can pick them up.
	fetched, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, fetched.Status)
	assert.Empty(t, fetched.AssignedNodeID)

	body, ok := f.popQueue(t, broker.KeyPendingTasks)
	require.True(t, ok)
	env, err := types.DecodePendingTask(body)
	require.NoError(t, err)
	assert.Equal(t, task.ID, env.TaskID)
	assert.Zero(t, env.RetryCount)
}

func TestDispatchParksWhenNodeAtCapacity(t *testing.T) {
	f := newFixture(t, Config{NodeCapacity: 2})
	ctx := context.Background()

	f.addNode(t, "node-1")
	f.fillNode(t, "node-1", 2)

	task := f.newTask(t)
	require.NoError(t, f.dispatcher.Dispatch(ctx, task))

	fetched, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, fetched.Status)

	_, ok := f.popQueue(t, broker.TaskQueueKey("node-1"))
	assert.False(t, ok)

	_, ok = f.popQueue(t, broker.KeyPendingTasks)
	assert.True(t, ok)
}

func TestDispatchSkipsNonPendingTask(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.addNode(t, "node-1")
	task := f.newTask(t)
	moved, err := f.store.MarkProcessing(ctx, task.ID, "node-2")
	require.NoError(t, err)
	require.True(t, moved)

	require.NoError(t, f.dispatcher.Dispatch(ctx, task))

	// Untouched: no second assignment, nothing queued.
	fetched, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "node-2", fetched.AssignedNodeID)

	_, ok := f.popQueue(t, broker.TaskQueueKey("node-1"))
	assert.False(t, ok)
}

func TestDispatchSkipsUnknownTask(t *testing.T) {
	f := newFixture(t, Config{})
	assert.NoError(t, f.dispatcher.Dispatch(context.Background(), &types.Task{ID: "ghost"}))
}

func TestDispatchUnderContentionDoesNothing(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.addNode(t, "node-1")
	task := f.newTask(t)

	// Another dispatcher holds the per-task lock for longer than the
	// fast-path wait budget.
	held, err := lock.NewService(f.broker).TryLock(ctx, "task_dispatch:"+task.ID, 30*time.Second, 0)
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, f.dispatcher.Dispatch(ctx, task))

	fetched, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, fetched.Status)

	_, ok := f.popQueue(t, broker.TaskQueueKey("node-1"))
	assert.False(t, ok)
}

func TestDispatchSpreadsAcrossNodes(t *testing.T) {
	f := newFixture(t, Config{NodeCapacity: 1})
	ctx := context.Background()

	f.addNode(t, "node-1")
	f.addNode(t, "node-2")

	first := f.newTask(t)
	second := f.newTask(t)
	require.NoError(t, f.dispatcher.Dispatch(ctx, first))
	require.NoError(t, f.dispatcher.Dispatch(ctx, second))

	a, err := f.store.GetTask(ctx, first.ID)
	require.NoError(t, err)
	b, err := f.store.GetTask(ctx, second.ID)
	require.NoError(t, err)

	assert.Equal(t, types.TaskStatusProcessing, a.Status)
	assert.Equal(t, types.TaskStatusProcessing, b.Status)
	// Capacity one each: the two tasks cannot share a node.
	assert.NotEqual(t, a.AssignedNodeID, b.AssignedNodeID)
}

func TestCancelSendsControlMessage(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Cancel(ctx, "task-1", "node-1"))

	body, ok := f.popQueue(t, broker.ControlQueueKey("node-1"))
	require.True(t, ok)
	msg, err := types.DecodeControlMessage(body)
	require.NoError(t, err)
	assert.Equal(t, types.ActionCancelTask, msg.Action)
	assert.Equal(t, "task-1", msg.TaskID)
}
