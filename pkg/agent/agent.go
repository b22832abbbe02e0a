package agent

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/giggle/lingo/pkg/broker"
	"github.com/giggle/lingo/pkg/config"
	"github.com/giggle/lingo/pkg/log"
	"github.com/giggle/lingo/pkg/storage"
	"github.com/giggle/lingo/pkg/types"
)

// queuePollInterval is how often the work and control loops check their
// queues when the previous pop came back empty.
const queuePollInterval = time.Second

// Result is what a handler produced for a completed task
type Result struct {
	ResultPath      string
	TranscribedText string
	Accuracy        float64
}

// Handler executes one task. The context is cancelled when the task is
// cancelled or the agent shuts down; handlers should return promptly
// with ctx.Err() in that case.
type Handler interface {
	Handle(ctx context.Context, msg *types.WorkMessage) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, msg *types.WorkMessage) (*Result, error)

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, msg *types.WorkMessage) (*Result, error) {
	return f(ctx, msg)
}

// Agent is the worker-side node process. It registers the node in the
// broker, heartbeats host stats and a ranking score, consumes the
// node's work and control queues, and drives task status through the
// repository as work progresses.
type Agent struct {
	broker  broker.Broker
	store   storage.Store
	handler Handler
	cfg     config.AgentConfig
	stats   StatsFunc
	logger  zerolog.Logger

	mu        sync.Mutex
	status    types.NodeStatus
	running   map[string]context.CancelFunc
	cancelled map[string]struct{}

	stopCh chan struct{}
	loops  sync.WaitGroup
	tasks  sync.WaitGroup
}

// New creates an agent. The handler does the actual transcription and
// translation work; everything else here is queue and lifecycle
// plumbing around it.
func New(b broker.Broker, store storage.Store, handler Handler, cfg config.AgentConfig) *Agent {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 3
	}
	if cfg.HeartbeatInterval.Std() <= 0 {
		cfg.HeartbeatInterval = config.Duration(30 * time.Second)
	}
	return &Agent{
		broker:    b,
		store:     store,
		handler:   handler,
		cfg:       cfg,
		stats:     systemStats,
		logger:    log.WithComponent("agent").With().Str("node_id", cfg.NodeID).Logger(),
		status:    types.NodeStatusOnline,
		running:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]struct{}),
		stopCh:    make(chan struct{}),
	}
}

// SetStatsFunc overrides the host stats source
func (a *Agent) SetStatsFunc(fn StatsFunc) {
	a.stats = fn
}

// Start registers the node and launches the heartbeat, work, and
// control loops.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}

	a.loops.Add(3)
	go a.heartbeatLoop()
	go a.workLoop()
	go a.controlLoop()

	a.logger.Info().
		Str("host", a.cfg.Host).
		Int("port", a.cfg.Port).
		Int("max_concurrent_tasks", a.cfg.MaxConcurrentTasks).
		Msg("Agent started")
	return nil
}

// Stop drains the agent: the node stops taking work, advertises that it
// is going away, waits for in-flight tasks, then unregisters. ctx bounds
// the drain; tasks still running when it expires keep their contexts
// cancelled and are abandoned.
func (a *Agent) Stop(ctx context.Context) {
	a.mu.Lock()
	a.status = types.NodeStatusShuttingDown
	a.mu.Unlock()

	// Advertise the drain: SHUTTING_DOWN in the hash lets operators tell
	// a draining node from a dead one, and the heartbeat drops the node
	// from the ranking so dispatchers stop selecting it.
	a.sendHeartbeat(ctx)

	close(a.stopCh)
	a.loops.Wait()

	done := make(chan struct{})
	go func() {
		a.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn().Msg("Drain deadline reached, abandoning in-flight tasks")
		a.cancelAll()
	}

	a.mu.Lock()
	a.status = types.NodeStatusOffline
	a.mu.Unlock()
	a.sendHeartbeat(ctx)

	if err := a.unregister(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Failed to unregister node")
	}
	a.logger.Info().Msg("Agent stopped")
}

// register publishes the node hash, joins the active set, and arms the
// hash TTL. The TTL is three heartbeat intervals: a node that misses
// three beats in a row disappears from the broker on its own.
func (a *Agent) register(ctx context.Context) error {
	if err := a.sendHeartbeat(ctx); err != nil {
		return fmt.Errorf("failed to register node %s: %w", a.cfg.NodeID, err)
	}
	if err := a.broker.SetAdd(ctx, broker.KeyActiveNodes, a.cfg.NodeID); err != nil {
		return fmt.Errorf("failed to join active set: %w", err)
	}
	a.logger.Info().Msg("Node registered")
	return nil
}

func (a *Agent) unregister(ctx context.Context) error {
	var firstErr error
	if err := a.broker.SetRemove(ctx, broker.KeyActiveNodes, a.cfg.NodeID); err != nil {
		firstErr = err
	}
	if err := a.broker.SortedSetRemove(ctx, broker.KeyNodeRankings, a.cfg.NodeID); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.broker.Delete(ctx,
		broker.NodeKey(a.cfg.NodeID),
		broker.TaskQueueKey(a.cfg.NodeID),
	); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (a *Agent) heartbeatLoop() {
	defer a.loops.Done()

	ticker := time.NewTicker(a.cfg.HeartbeatInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.sendHeartbeat(context.Background()); err != nil {
				a.logger.Error().Err(err).Msg("Heartbeat failed")
			}
		case <-a.stopCh:
			return
		}
	}
}

// sendHeartbeat refreshes the node hash and its TTL, and keeps the
// ranking in step with the node's status: online nodes publish a load
// score, anything else is removed from the ranking.
func (a *Agent) sendHeartbeat(ctx context.Context) error {
	stats, err := a.stats()
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to sample host stats")
	}

	a.mu.Lock()
	status := a.status
	active := len(a.running)
	a.mu.Unlock()

	node := &types.Node{
		ID:              a.cfg.NodeID,
		Host:            a.cfg.Host,
		Port:            a.cfg.Port,
		MemoryTotal:     stats.MemoryTotal,
		MemoryUsed:      stats.MemoryUsed,
		CPUUsage:        stats.CPUUsage,
		GPUAvailable:    a.cfg.GPUAvailable,
		Status:          status,
		LastHeartbeat:   time.Now(),
		ActiveTaskCount: active,
	}

	key := broker.NodeKey(a.cfg.NodeID)
	if err := a.broker.HashSet(ctx, key, node.ToHash()); err != nil {
		return err
	}
	if err := a.broker.Expire(ctx, key, 3*a.cfg.HeartbeatInterval.Std()); err != nil {
		return err
	}

	if status == types.NodeStatusOnline {
		score := rankingScore(node)
		if err := a.broker.SortedSetAdd(ctx, broker.KeyNodeRankings, a.cfg.NodeID, score); err != nil {
			return err
		}
		a.logger.Debug().Float64("score", score).Int("active_tasks", active).Msg("Heartbeat sent")
		return nil
	}
	return a.broker.SortedSetRemove(ctx, broker.KeyNodeRankings, a.cfg.NodeID)
}

// rankingScore computes the node's position in the shared ranking.
// Lower is better: a weighted blend of memory pressure, CPU load, and
// task saturation, each normalized to [0, 1].
func rankingScore(n *types.Node) float64 {
	memScore := n.MemoryPercent() / 100
	cpuScore := n.CPUUsage / 100
	taskScore := math.Min(float64(n.ActiveTaskCount)/10, 1)
	return 0.4*memScore + 0.3*cpuScore + 0.3*taskScore
}

// workLoop pulls from the node's work queue whenever a task slot is
// free. An agent that is draining leaves its queue alone; the stuck-task
// reclaimer eventually recovers anything stranded there.
func (a *Agent) workLoop() {
	defer a.loops.Done()

	ticker := time.NewTicker(queuePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.pollWork(context.Background())
		case <-a.stopCh:
			return
		}
	}
}

func (a *Agent) pollWork(ctx context.Context) {
	a.mu.Lock()
	accepting := a.status == types.NodeStatusOnline && len(a.running) < a.cfg.MaxConcurrentTasks
	a.mu.Unlock()
	if !accepting {
		return
	}

	body, popped, err := a.broker.ListPopTail(ctx, broker.TaskQueueKey(a.cfg.NodeID))
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to pop work queue")
		return
	}
	if !popped {
		return
	}

	msg, err := types.DecodeWorkMessage(body)
	if err != nil {
		a.logger.Error().Err(err).Str("body", body).Msg("Dropping malformed work message")
		return
	}

	a.mu.Lock()
	if _, dropped := a.cancelled[msg.TaskID]; dropped {
		delete(a.cancelled, msg.TaskID)
		a.mu.Unlock()
		a.logger.Info().Str("task_id", msg.TaskID).Msg("Dropping cancelled task from queue")
		return
	}
	taskCtx, cancel := context.WithCancel(context.Background())
	a.running[msg.TaskID] = cancel
	a.mu.Unlock()

	a.tasks.Add(1)
	go a.runTask(taskCtx, msg)
}

// runTask drives one task from queue pickup through its terminal
// status. The PROCESSING mark is tolerant: the dispatcher usually got
// there first and the guarded transition simply reports no movement.
func (a *Agent) runTask(ctx context.Context, msg *types.WorkMessage) {
	defer a.tasks.Done()
	defer a.finishTask(msg.TaskID)

	logger := a.logger.With().Str("task_id", msg.TaskID).Logger()

	if _, err := a.store.MarkProcessing(ctx, msg.TaskID, a.cfg.NodeID); err != nil {
		logger.Error().Err(err).Msg("Failed to mark task processing")
	}
	logger.Info().Str("source_language", msg.SourceLanguage).Msg("Task started")

	result, err := a.handler.Handle(ctx, msg)

	if ctx.Err() != nil || a.wasCancelled(msg.TaskID) {
		if _, err := a.store.MarkCancelled(context.Background(), msg.TaskID); err != nil {
			logger.Error().Err(err).Msg("Failed to mark task cancelled")
		}
		logger.Info().Msg("Task cancelled")
		return
	}

	if err != nil {
		if _, markErr := a.store.MarkFailed(ctx, msg.TaskID, err.Error()); markErr != nil {
			logger.Error().Err(markErr).Msg("Failed to mark task failed")
		}
		logger.Error().Err(err).Msg("Task failed")
		return
	}

	if result == nil {
		result = &Result{}
	}
	moved, err := a.store.CompleteTask(ctx, msg.TaskID, result.ResultPath, result.TranscribedText, result.Accuracy)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to mark task completed")
		return
	}
	if !moved {
		logger.Warn().Msg("Task left processing before completion")
		return
	}
	logger.Info().Float64("accuracy", result.Accuracy).Msg("Task completed")
}

func (a *Agent) finishTask(taskID string) {
	a.mu.Lock()
	if cancel, ok := a.running[taskID]; ok {
		cancel()
		delete(a.running, taskID)
	}
	delete(a.cancelled, taskID)
	a.mu.Unlock()
}

func (a *Agent) wasCancelled(taskID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.cancelled[taskID]
	return ok
}

func (a *Agent) cancelAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, cancel := range a.running {
		cancel()
	}
}

// controlLoop consumes the node's control queue
func (a *Agent) controlLoop() {
	defer a.loops.Done()

	ticker := time.NewTicker(queuePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.pollControl(context.Background())
		case <-a.stopCh:
			return
		}
	}
}

func (a *Agent) pollControl(ctx context.Context) {
	for {
		body, popped, err := a.broker.ListPopTail(ctx, broker.ControlQueueKey(a.cfg.NodeID))
		if err != nil {
			a.logger.Error().Err(err).Msg("Failed to pop control queue")
			return
		}
		if !popped {
			return
		}

		msg, err := types.DecodeControlMessage(body)
		if err != nil {
			a.logger.Error().Err(err).Str("body", body).Msg("Dropping malformed control message")
			continue
		}

		switch msg.Action {
		case types.ActionCancelTask:
			a.handleCancel(ctx, msg.TaskID)
		default:
			a.logger.Warn().Str("action", msg.Action).Msg("Ignoring unknown control action")
		}
	}
}

// handleCancel is idempotent: cancelling a task that is running stops
// it, cancelling one still in the queue marks it for dropping on
// pickup, and a repeat cancel is a no-op via the guarded transition.
func (a *Agent) handleCancel(ctx context.Context, taskID string) {
	if taskID == "" {
		return
	}
	a.logger.Info().Str("task_id", taskID).Msg("Cancel requested")

	a.mu.Lock()
	a.cancelled[taskID] = struct{}{}
	cancel, runningNow := a.running[taskID]
	a.mu.Unlock()

	if runningNow {
		cancel()
		return
	}

	// Not running here: the task is either queued or never arrived.
	// Settle the repository side immediately.
	if _, err := a.store.MarkCancelled(ctx, taskID); err != nil {
		a.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to mark task cancelled")
	}
}
