// Package orchestrator is the agent orchestration core: it owns the agent
// pool, the per-monitor and per-window task processors, the background task
// dispatcher, the shared context tape, and the reload cache policy. The
// ContextPool facade is the single object the gateway calls into.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skylightos/skylight/internal/agent"
	"github.com/skylightos/skylight/internal/broadcast"
	"github.com/skylightos/skylight/internal/common/config"
	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/internal/common/tracing"
	"github.com/skylightos/skylight/internal/desktop"
	"github.com/skylightos/skylight/internal/events"
	"github.com/skylightos/skylight/internal/events/bus"
	"github.com/skylightos/skylight/internal/reloadcache"
	"github.com/skylightos/skylight/internal/sessionlog"
	"github.com/skylightos/skylight/internal/transcript"
	v1 "github.com/skylightos/skylight/pkg/api/v1"
	"github.com/skylightos/skylight/pkg/protocol"
)

// defaultResetTimeout bounds the wait for in-flight turns during a reset.
const defaultResetTimeout = 30 * time.Second

// ErrPoolResetting is returned while a reset is in progress. Tasks rejected
// with it can simply be resubmitted once the reset completes.
var ErrPoolResetting = errors.New("context pool is resetting")

// nopTurnLogger discards turn traffic when no session log is configured.
type nopTurnLogger struct{}

func (nopTurnLogger) LogUser(agentID, content string) error      { return nil }
func (nopTurnLogger) LogAssistant(agentID, content string) error { return nil }
func (nopTurnLogger) LogThinking(agentID, content string) error  { return nil }
func (nopTurnLogger) LogToolUse(agentID, toolName, toolInput, toolUseID string) error {
	return nil
}
func (nopTurnLogger) LogToolResult(agentID, toolName, toolUseID, content string) error {
	return nil
}

// ContextPool ties the orchestration core together and owns its lifecycle:
// the limiter-backed agent pool, the main and window processors, the task
// dispatcher, the context tape, the interaction timeline, and the monitor
// budget all live and die with it. The window registry is shared with the
// tool layer and the broadcast center is process-wide; both are borrowed.
type ContextPool struct {
	limiter    *agent.Limiter
	providers  *agent.Providers
	pool       *agent.Pool
	tape       *transcript.Tape
	timeline   *transcript.Timeline
	budget     *MonitorBudget
	registry   *desktop.Registry
	center     *broadcast.Center
	emitter    *Emitter
	cache      *reloadcache.Cache
	mainProc   *MainProcessor
	windowProc *WindowProcessor
	dispatcher *TaskDispatcher
	restorer   *sessionlog.Restorer
	eventBus   bus.EventBus
	metrics    *Metrics
	logger     *logger.Logger

	acquireTimeout time.Duration
	resetTimeout   time.Duration
	sessionDir     string

	resetting atomic.Bool

	mu          sync.Mutex
	monitors    map[string]bool
	sub         bus.Subscription
	initialized bool
	closed      bool
}

// ContextPoolConfig wires the facade. Registry, Center, Providers and
// EventBus come from the caller; everything the pool owns is built here.
type ContextPoolConfig struct {
	Orchestrator config.OrchestratorConfig

	Registry  *desktop.Registry
	Center    *broadcast.Center
	Providers *agent.Providers
	EventBus  bus.EventBus

	// Cache enables reload replay for main tasks; nil disables it.
	Cache *reloadcache.Cache

	// Profiles names the tool profiles available to dispatched tasks; nil
	// installs the built-ins.
	Profiles *ProfileRegistry

	// TurnLog records turn traffic in the session log; nil discards it.
	TurnLog agent.TurnLogger

	// Registrar records agent lineage in the session log; nil skips it.
	Registrar agent.AgentRegistrar

	// Restorer replays the newest previous session on Initialize; nil skips
	// boot restore.
	Restorer *sessionlog.Restorer

	// SessionDir is the live session's directory, reported in stats.
	SessionDir string

	// Metrics defaults to the process-wide collectors when nil.
	Metrics *Metrics

	Logger *logger.Logger
}

// NewContextPool builds the orchestration core. Call Initialize before
// submitting tasks and Cleanup on shutdown.
func NewContextPool(cfg ContextPoolConfig) *ContextPool {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = defaultMetrics()
	}
	profiles := cfg.Profiles
	if profiles == nil {
		profiles = NewProfileRegistry(cfg.Logger)
	}
	var turnLog agent.TurnLogger = cfg.TurnLog
	if turnLog == nil {
		turnLog = nopTurnLogger{}
	}

	limiter := agent.NewLimiter(cfg.Orchestrator.MaxAgents)
	tape := transcript.NewTape(cfg.Orchestrator.ContextCap)
	timeline := transcript.NewTimeline(cfg.Orchestrator.TimelineSize)
	budget := NewMonitorBudget(cfg.Orchestrator.MonitorBudget)
	emitter := NewEmitter(cfg.Registry, cfg.Center, timeline, cfg.EventBus, cfg.Logger)

	pool := agent.NewPool(agent.PoolConfig{
		Limiter:   limiter,
		Providers: cfg.Providers,
		Tape:      tape,
		Emitter:   emitter,
		Publisher: cfg.Center,
		TurnLog:   turnLog,
		Registrar: cfg.Registrar,
		EventBus:  cfg.EventBus,
		Logger:    cfg.Logger,
	})

	acquireTimeout := cfg.Orchestrator.AcquireTimeoutDuration()
	if acquireTimeout <= 0 {
		acquireTimeout = defaultAcquireTimeout
	}
	resetTimeout := cfg.Orchestrator.ResetTimeoutDuration()
	if resetTimeout <= 0 {
		resetTimeout = defaultResetTimeout
	}

	mainProc := NewMainProcessor(MainProcessorConfig{
		Pool:     pool,
		Tape:     tape,
		Timeline: timeline,
		Budget:   budget,
		Cache:    cfg.Cache,
		Registry: cfg.Registry,
		Emitter:  emitter,
		Center:   cfg.Center,
		Metrics:  metrics,
		QueueCap: cfg.Orchestrator.MainQueueSize,
		Logger:   cfg.Logger,
	})
	windowProc := NewWindowProcessor(WindowProcessorConfig{
		Pool:           pool,
		Tape:           tape,
		Registry:       cfg.Registry,
		Emitter:        emitter,
		Center:         cfg.Center,
		Metrics:        metrics,
		AcquireTimeout: acquireTimeout,
		PruneOnClose:   cfg.Orchestrator.PruneClosedWindows,
		Logger:         cfg.Logger,
	})
	dispatcher := NewTaskDispatcher(TaskDispatcherConfig{
		Pool:           pool,
		Tape:           tape,
		Budget:         budget,
		Profiles:       profiles,
		Metrics:        metrics,
		AcquireTimeout: acquireTimeout,
		Logger:         cfg.Logger,
	})

	return &ContextPool{
		limiter:        limiter,
		providers:      cfg.Providers,
		pool:           pool,
		tape:           tape,
		timeline:       timeline,
		budget:         budget,
		registry:       cfg.Registry,
		center:         cfg.Center,
		emitter:        emitter,
		cache:          cfg.Cache,
		mainProc:       mainProc,
		windowProc:     windowProc,
		dispatcher:     dispatcher,
		restorer:       cfg.Restorer,
		eventBus:       cfg.EventBus,
		metrics:        metrics,
		logger:         cfg.Logger.WithFields(zap.String("component", "context-pool")),
		acquireTimeout: acquireTimeout,
		resetTimeout:   resetTimeout,
		sessionDir:     cfg.SessionDir,
		monitors:       make(map[string]bool),
	}
}

// Initialize subscribes the pool to the action stream and, when a restorer
// is configured, replays the newest previous session: one window.create per
// surviving window plus the main conversation into the context tape. A
// corrupt or missing log never blocks boot.
func (p *ContextPool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.initialized = true
	p.mu.Unlock()

	if p.eventBus != nil {
		sub, err := p.eventBus.Subscribe(events.ActionEmitted, p.onActionBatch)
		if err != nil {
			return fmt.Errorf("failed to subscribe to action stream: %w", err)
		}
		p.mu.Lock()
		p.sub = sub
		p.mu.Unlock()
	}

	if p.restorer == nil {
		return nil
	}
	restored, err := p.restorer.Restore()
	if err != nil {
		p.logger.Warn("session restore failed", zap.Error(err))
		return nil
	}
	if restored == nil {
		return nil
	}

	if len(restored.Actions) > 0 {
		if err := p.emitter.EmitActions(ctx, "", restored.Actions); err != nil {
			p.logger.Warn("failed to replay restored windows", zap.Error(err))
		}
	}
	if len(restored.Messages) > 0 {
		p.tape.Restore(restored.Messages)
	}

	p.publish(ctx, events.DesktopRestored, map[string]interface{}{
		"sessionId": restored.SessionID,
		"windows":   len(restored.Actions),
		"messages":  len(restored.Messages),
	})
	p.logger.Info("desktop restored from previous session",
		zap.String("session_id", restored.SessionID),
		zap.Int("windows", len(restored.Actions)),
		zap.Int("messages", len(restored.Messages)))
	return nil
}

// onActionBatch watches the action stream for window.close and cascades the
// teardown of the closed window's agent and queue. Agent-driven closes and
// HandleWindowClose both land here; CloseWindow is idempotent, so seeing the
// same close twice is harmless.
func (p *ContextPool) onActionBatch(ctx context.Context, event *bus.Event) error {
	var payload struct {
		AgentID string            `json:"agentId"`
		Actions []protocol.Action `json:"actions"`
	}
	if err := decodeEventData(event.Data, &payload); err != nil {
		p.logger.Warn("failed to parse action event", zap.Error(err))
		return nil
	}
	for _, action := range payload.Actions {
		if action.Type != protocol.ActionWindowClose {
			continue
		}
		p.windowProc.CloseWindow(ctx, action.WindowID)
	}
	return nil
}

// CreateMonitorAgent spawns the persistent main agent for a monitor and
// records the monitor as active. Subscribing a monitor twice is a no-op.
func (p *ContextPool) CreateMonitorAgent(ctx context.Context, monitorID string) error {
	if p.resetting.Load() {
		return ErrPoolResetting
	}

	ctx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()
	if _, err := p.pool.CreateMainAgent(ctx, monitorID); err != nil {
		if !errors.Is(err, agent.ErrRoleExists) {
			return err
		}
	}

	p.mu.Lock()
	p.monitors[monitorID] = true
	p.mu.Unlock()
	return nil
}

// RemoveMonitorAgent disposes a monitor's main agent and forgets the monitor.
// Tasks already queued for it still run, on ephemeral sessions. Returns false
// when the monitor had no live agent.
func (p *ContextPool) RemoveMonitorAgent(monitorID string) bool {
	p.mu.Lock()
	delete(p.monitors, monitorID)
	p.mu.Unlock()
	return p.pool.Dispose(agent.RoleMainPrefix + monitorID)
}

// HandleTask routes one client task to its processor: main tasks to the
// monitor queues, window and component-action tasks to the window lanes.
func (p *ContextPool) HandleTask(task *v1.Task) error {
	if p.resetting.Load() {
		p.metrics.IncTask(string(task.Kind), "rejected")
		if task.ConnectionID != "" {
			p.center.PublishToConnection(
				protocol.NewErrorEvent("pool is resetting, try again shortly"), task.ConnectionID)
		}
		return ErrPoolResetting
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}

	switch task.Kind {
	case v1.TaskKindMain:
		return p.mainProc.Submit(task)
	case v1.TaskKindWindow, v1.TaskKindComponentAction:
		// Interactions describe desktop-level gestures; they inform the next
		// main turn no matter which processor carries the task.
		for _, interaction := range task.Interactions {
			p.timeline.PushUser(interaction)
		}
		return p.windowProc.Submit(task)
	default:
		return v1.ErrUnknownTaskKind
	}
}

// DispatchTask runs a one-off background objective on a short-lived task
// agent and reports how it went.
func (p *ContextPool) DispatchTask(ctx context.Context, req v1.DispatchRequest) v1.DispatchResult {
	if p.resetting.Load() {
		return v1.DispatchResult{Reason: DispatchReasonResetting}
	}
	return p.dispatcher.Dispatch(ctx, req)
}

// PushUserInteractions buffers user gestures for the next main turn and
// returns how many were accepted. Drawing interactions stay client-side.
func (p *ContextPool) PushUserInteractions(interactions []protocol.Interaction) int {
	accepted := 0
	for _, interaction := range interactions {
		if p.timeline.PushUser(interaction) {
			accepted++
		}
	}
	return accepted
}

// HandleWindowClose removes a window and tears down its agent lane. When the
// window is still registered the close is emitted through the normal action
// path, so clients, the session log, and the cascade all see it; the direct
// teardown after it covers buses that deliver asynchronously.
func (p *ContextPool) HandleWindowClose(ctx context.Context, windowID string) {
	if p.registry.HasWindow(windowID) {
		action := protocol.NewWindowClose(windowID)
		if err := p.emitter.EmitActions(ctx, "", []protocol.Action{action}); err != nil {
			p.logger.Warn("failed to emit window close",
				zap.String("window_id", windowID),
				zap.Error(err))
		}
	}
	p.windowProc.CloseWindow(ctx, windowID)
}

// InterruptAll cancels every in-flight turn. Sessions stay alive and idle.
func (p *ContextPool) InterruptAll() {
	p.pool.InterruptAll()
}

// InterruptAgent cancels one agent's in-flight turn by role. Returns false
// when no session has that role.
func (p *ContextPool) InterruptAgent(role string) bool {
	return p.pool.InterruptByRole(role)
}

// SetProvider swaps the provider used for subsequent agent spawns. Live
// sessions keep the handle they were created with.
func (p *ContextPool) SetProvider(name string) error {
	return p.providers.SetActive(name)
}

// GetStats snapshots the pool for the stats surface.
func (p *ContextPool) GetStats() v1.PoolStats {
	agents := p.pool.Stats()
	p.metrics.SetActiveAgents(agents.Total)

	p.mu.Lock()
	monitors := make([]string, 0, len(p.monitors))
	for id := range p.monitors {
		monitors = append(monitors, id)
	}
	p.mu.Unlock()
	sort.Strings(monitors)

	queueDepth := make(map[string]int, len(monitors))
	budgetInUse := make(map[string]int)
	for _, id := range monitors {
		queueDepth["main:"+id] = p.mainProc.QueueLen(id)
		if used := p.budget.InUse(id); used > 0 {
			budgetInUse[id] = used
		}
	}
	windowIDs := p.windowProc.WindowIDs()
	for _, id := range windowIDs {
		queueDepth["window:"+id] = p.windowProc.QueueLen(id)
	}

	stats := v1.PoolStats{
		Agents:       agents,
		Monitors:     monitors,
		QueueDepth:   queueDepth,
		Windows:      p.registry.Count(),
		WindowAgents: len(windowIDs),
		TapeMessages: p.tape.Len(),
		TimelineSize: p.timeline.Len(),
		Resetting:    p.resetting.Load(),
		Provider:     p.providers.Active(),
		SessionDir:   p.sessionDir,
		Connections:  p.center.ConnectionCount(),
	}
	if p.cache != nil {
		stats.CacheEntries = p.cache.Len()
	}
	if len(budgetInUse) > 0 {
		stats.BudgetCounted = budgetInUse
	}
	return stats
}

// Reset tears the whole pool down to a clean slate and brings back one main
// agent per active monitor. New tasks are rejected for the duration. The
// sequence: drop queued tasks, reject limiter and budget waiters, interrupt
// every turn, wait out in-flight handles, dispose all sessions, close every
// open window through the action path, clear tape, timeline, registry and
// budget, then respawn the monitor agents. Teardown errors are logged and
// swallowed so the reset always completes.
func (p *ContextPool) Reset(ctx context.Context) error {
	if !p.resetting.CompareAndSwap(false, true) {
		return ErrPoolResetting
	}
	defer p.resetting.Store(false)

	ctx, span := tracing.TraceReset(ctx)
	defer span.End()

	p.mu.Lock()
	monitors := make([]string, 0, len(p.monitors))
	for id := range p.monitors {
		monitors = append(monitors, id)
	}
	p.mu.Unlock()
	sort.Strings(monitors)

	p.logger.Info("pool reset started", zap.Int("monitors", len(monitors)))

	p.mainProc.Reset()
	p.windowProc.Reset()

	cleared := p.limiter.ClearWaiting(nil) + p.budget.ClearWaiting(nil)
	p.pool.InterruptAll()

	waitCtx, cancel := context.WithTimeout(ctx, p.resetTimeout)
	if err := p.pool.AwaitAllIdle(waitCtx); err != nil {
		p.logger.Warn("reset proceeding with busy sessions", zap.Error(err))
	}
	cancel()

	p.pool.Cleanup()

	windows := p.registry.ListWindows()
	if len(windows) > 0 {
		closes := make([]protocol.Action, 0, len(windows))
		for _, w := range windows {
			closes = append(closes, protocol.NewWindowClose(w.ID))
		}
		if err := p.emitter.EmitActions(ctx, "", closes); err != nil {
			p.logger.Warn("failed to close windows during reset", zap.Error(err))
		}
	}

	p.tape.Clear()
	p.timeline.Clear()
	p.registry.Clear()
	p.budget.Clear()

	for _, monitorID := range monitors {
		createCtx, cancelCreate := context.WithTimeout(ctx, p.acquireTimeout)
		_, err := p.pool.CreateMainAgent(createCtx, monitorID)
		cancelCreate()
		if err != nil {
			p.logger.Warn("failed to recreate monitor agent",
				zap.String("monitor_id", monitorID),
				zap.Error(err))
		}
	}
	p.metrics.SetActiveAgents(len(monitors))

	p.publish(ctx, events.PoolReset, map[string]interface{}{
		"monitors": len(monitors),
		"windows":  len(windows),
	})
	p.logger.Info("pool reset complete",
		zap.Int("monitors", len(monitors)),
		zap.Int("windows_closed", len(windows)),
		zap.Int("waiters_cleared", cleared))
	return nil
}

// Cleanup shuts the pool down for good: processors stop accepting tasks,
// waiters are rejected, and every session is disposed. The event bus, the
// session log, and the provider pool belong to the caller and stay open.
func (p *ContextPool) Cleanup() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sub := p.sub
	p.sub = nil
	p.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	p.mainProc.Close()
	p.windowProc.Close()
	p.limiter.ClearWaiting(nil)
	p.budget.ClearWaiting(nil)
	p.pool.InterruptAll()
	p.pool.Cleanup()
	p.logger.Info("context pool cleaned up")
}

// publish is fire-and-forget; bus failures must never fail an operation.
func (p *ContextPool) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if p.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "context-pool", data)
	if err := p.eventBus.Publish(ctx, eventType, event); err != nil {
		p.logger.Warn("failed to publish pool event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// decodeEventData converts bus event data (map or struct) to a typed struct.
func decodeEventData(data interface{}, target interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}
