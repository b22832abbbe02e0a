package agent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giggle/lingo/pkg/broker"
	"github.com/giggle/lingo/pkg/config"
	"github.com/giggle/lingo/pkg/storage"
	"github.com/giggle/lingo/pkg/types"
)

type fixture struct {
	broker *broker.MemoryBroker
	store  *storage.BoltStore
	agent  *Agent
}

func newFixture(t *testing.T, handler Handler) *fixture {
	t.Helper()
	b := broker.NewMemoryBroker()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "lingo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	a := New(b, store, handler, config.AgentConfig{
		NodeID:             "test-node",
		Host:               "worker.local",
		Port:               8001,
		MaxConcurrentTasks: 2,
		HeartbeatInterval:  config.Duration(30 * time.Second),
	})
	a.SetStatsFunc(func() (Stats, error) {
		return Stats{MemoryTotal: 1000, MemoryUsed: 250, CPUUsage: 40}, nil
	})
	return &fixture{broker: b, store: store, agent: a}
}

// queueWork creates a PROCESSING task assigned to the test node and
// pushes its work message, mirroring a dispatcher handoff.
func (f *fixture) queueWork(t *testing.T) *types.Task {
	t.Helper()
	ctx := context.Background()

	task, err := f.store.InsertTask(ctx, &types.Task{
		SourceLanguage:  "zh",
		TargetLanguages: []string{"en"},
		TextContent:     "你好",
	})
	require.NoError(t, err)
	moved, err := f.store.MarkProcessing(ctx, task.ID, "test-node")
	require.NoError(t, err)
	require.True(t, moved)

	body, err := types.EncodeMessage(types.WorkMessageForTask(task))
	require.NoError(t, err)
	require.NoError(t, f.broker.ListPushHead(ctx, broker.TaskQueueKey("test-node"), body))
	return task
}

func (f *fixture) taskStatus(t *testing.T, id string) types.TaskStatus {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

func TestRankingScore(t *testing.T) {
	tests := []struct {
		name     string
		node     *types.Node
		expected float64
	}{
		{"idle node", &types.Node{MemoryTotal: 100}, 0},
		{"half loaded", &types.Node{MemoryTotal: 100, MemoryUsed: 50, CPUUsage: 50, ActiveTaskCount: 5}, 0.4*0.5 + 0.3*0.5 + 0.3*0.5},
		{"saturated", &types.Node{MemoryTotal: 100, MemoryUsed: 100, CPUUsage: 100, ActiveTaskCount: 10}, 1},
		{"task load capped", &types.Node{MemoryTotal: 100, ActiveTaskCount: 50}, 0.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, rankingScore(tt.node), 0.0001)
		})
	}
}

func TestRegisterAdvertisesNode(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.agent.register(ctx))

	active, err := f.broker.SetMembers(ctx, broker.KeyActiveNodes)
	require.NoError(t, err)
	assert.Equal(t, []string{"test-node"}, active)

	fields, err := f.broker.HashGetAll(ctx, broker.NodeKey("test-node"))
	require.NoError(t, err)
	node := types.NodeFromHash("test-node", fields)
	assert.Equal(t, "worker.local", node.Host)
	assert.Equal(t, 8001, node.Port)
	assert.Equal(t, types.NodeStatusOnline, node.Status)
	assert.Equal(t, int64(1000), node.MemoryTotal)
	assert.InDelta(t, 40.0, node.CPUUsage, 0.001)
	assert.False(t, node.LastHeartbeat.IsZero())

	ranking, err := f.broker.SortedSetRange(ctx, broker.KeyNodeRankings)
	require.NoError(t, err)
	require.Len(t, ranking, 1)
	assert.Equal(t, "test-node", ranking[0].Member)
	assert.InDelta(t, 0.4*0.25+0.3*0.4, ranking[0].Score, 0.0001)
}

func TestHeartbeatRemovesRankingWhenNotOnline(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.agent.register(ctx))

	f.agent.mu.Lock()
	f.agent.status = types.NodeStatusOffline
	f.agent.mu.Unlock()
	require.NoError(t, f.agent.sendHeartbeat(ctx))

	ranking, err := f.broker.SortedSetRange(ctx, broker.KeyNodeRankings)
	require.NoError(t, err)
	assert.Empty(t, ranking)

	fields, err := f.broker.HashGetAll(ctx, broker.NodeKey("test-node"))
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOffline, types.ParseNodeStatus(fields["status"]))
}

func TestPollWorkCompletesTask(t *testing.T) {
	f := newFixture(t, HandlerFunc(func(ctx context.Context, msg *types.WorkMessage) (*Result, error) {
		return &Result{ResultPath: "/r/out.json", TranscribedText: "hello", Accuracy: 0.93}, nil
	}))
	ctx := context.Background()

	task := f.queueWork(t)
	f.agent.pollWork(ctx)

	require.Eventually(t, func() bool {
		return f.taskStatus(t, task.ID) == types.TaskStatusCompleted
	}, time.Second, 10*time.Millisecond)

	fetched, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "/r/out.json", fetched.ResultFilePath)
	assert.Equal(t, "hello", fetched.TextContent)
	assert.InDelta(t, 0.93, fetched.Accuracy, 0.0001)
}

func TestPollWorkFailsTaskOnHandlerError(t *testing.T) {
	f := newFixture(t, HandlerFunc(func(ctx context.Context, msg *types.WorkMessage) (*Result, error) {
		return nil, errors.New("model load failed")
	}))
	ctx := context.Background()

	task := f.queueWork(t)
	f.agent.pollWork(ctx)

	require.Eventually(t, func() bool {
		return f.taskStatus(t, task.ID) == types.TaskStatusFailed
	}, time.Second, 10*time.Millisecond)

	fetched, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "model load failed", fetched.ErrorMessage)
}

func TestPollWorkRespectsConcurrencyCeiling(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, HandlerFunc(func(ctx context.Context, msg *types.WorkMessage) (*Result, error) {
		<-release
		return &Result{}, nil
	}))
	ctx := context.Background()

	first := f.queueWork(t)
	second := f.queueWork(t)
	third := f.queueWork(t)

	f.agent.pollWork(ctx)
	f.agent.pollWork(ctx)
	// Both slots busy: the third poll must not touch the queue.
	f.agent.pollWork(ctx)

	body, ok, err := f.broker.ListPopTail(ctx, broker.TaskQueueKey("test-node"))
	require.NoError(t, err)
	require.True(t, ok)
	msg, err := types.DecodeWorkMessage(body)
	require.NoError(t, err)
	assert.Equal(t, third.ID, msg.TaskID)

	close(release)
	require.Eventually(t, func() bool {
		return f.taskStatus(t, first.ID) == types.TaskStatusCompleted &&
			f.taskStatus(t, second.ID) == types.TaskStatusCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestCancelRunningTask(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, HandlerFunc(func(ctx context.Context, msg *types.WorkMessage) (*Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	ctx := context.Background()

	task := f.queueWork(t)
	f.agent.pollWork(ctx)
	<-started

	f.agent.handleCancel(ctx, task.ID)

	require.Eventually(t, func() bool {
		return f.taskStatus(t, task.ID) == types.TaskStatusCancelled
	}, time.Second, 10*time.Millisecond)
}

func TestCancelQueuedTaskIsDroppedOnPickup(t *testing.T) {
	handlerRan := false
	f := newFixture(t, HandlerFunc(func(ctx context.Context, msg *types.WorkMessage) (*Result, error) {
		handlerRan = true
		return &Result{}, nil
	}))
	ctx := context.Background()

	task := f.queueWork(t)

	// Cancel arrives before the work message is picked up.
	f.agent.handleCancel(ctx, task.ID)
	assert.Equal(t, types.TaskStatusCancelled, f.taskStatus(t, task.ID))

	f.agent.pollWork(ctx)
	assert.False(t, handlerRan)
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	task := f.queueWork(t)
	f.agent.handleCancel(ctx, task.ID)
	f.agent.handleCancel(ctx, task.ID)

	assert.Equal(t, types.TaskStatusCancelled, f.taskStatus(t, task.ID))
}

func TestPollControlDispatchesCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	task := f.queueWork(t)

	body, err := types.EncodeMessage(types.NewCancelMessage(task.ID))
	require.NoError(t, err)
	require.NoError(t, f.broker.ListPushHead(ctx, broker.ControlQueueKey("test-node"), body))

	f.agent.pollControl(ctx)

	assert.Equal(t, types.TaskStatusCancelled, f.taskStatus(t, task.ID))
}

func TestStopAdvertisesShuttingDownWhileDraining(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, HandlerFunc(func(ctx context.Context, msg *types.WorkMessage) (*Result, error) {
		close(started)
		<-release
		return &Result{}, nil
	}))
	ctx := context.Background()

	require.NoError(t, f.agent.register(ctx))
	task := f.queueWork(t)
	f.agent.pollWork(ctx)
	<-started

	stopped := make(chan struct{})
	go func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		f.agent.Stop(stopCtx)
		close(stopped)
	}()

	// While the task drains, the hash carries SHUTTING_DOWN and the node
	// has left the ranking.
	require.Eventually(t, func() bool {
		fields, err := f.broker.HashGetAll(ctx, broker.NodeKey("test-node"))
		if err != nil || fields["status"] != string(types.NodeStatusShuttingDown) {
			return false
		}
		ranking, err := f.broker.SortedSetRange(ctx, broker.KeyNodeRankings)
		return err == nil && len(ranking) == 0
	}, time.Second, 10*time.Millisecond)

	close(release)
	<-stopped

	assert.Equal(t, types.TaskStatusCompleted, f.taskStatus(t, task.ID))
	fields, err := f.broker.HashGetAll(ctx, broker.NodeKey("test-node"))
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestStopUnregisters(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.agent.Start(ctx))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	f.agent.Stop(stopCtx)

	active, err := f.broker.SetMembers(ctx, broker.KeyActiveNodes)
	require.NoError(t, err)
	assert.Empty(t, active)

	fields, err := f.broker.HashGetAll(ctx, broker.NodeKey("test-node"))
	require.NoError(t, err)
	assert.Empty(t, fields)

	ranking, err := f.broker.SortedSetRange(ctx, broker.KeyNodeRankings)
	require.NoError(t, err)
	assert.Empty(t, ranking)
}
