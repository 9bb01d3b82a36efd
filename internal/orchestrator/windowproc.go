package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skylightos/skylight/internal/agent"
	"github.com/skylightos/skylight/internal/broadcast"
	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/internal/common/tracing"
	"github.com/skylightos/skylight/internal/desktop"
	"github.com/skylightos/skylight/internal/orchestrator/queue"
	"github.com/skylightos/skylight/internal/transcript"
	v1 "github.com/skylightos/skylight/pkg/api/v1"
	"github.com/skylightos/skylight/pkg/protocol"
)

// defaultAcquireTimeout bounds the limiter wait when spawning a window agent.
const defaultAcquireTimeout = 10 * time.Second

// WindowProcessor routes window tasks. Every open window gets a dedicated
// agent and its own FIFO; at most one task per window is in flight at any
// instant, while tasks for different windows run concurrently under the
// global agent limiter.
type WindowProcessor struct {
	pool     *agent.Pool
	tape     *transcript.Tape
	registry *desktop.Registry
	emitter  *Emitter
	center   *broadcast.Center
	metrics  *Metrics
	logger   *logger.Logger

	acquireTimeout time.Duration
	pruneOnClose   bool

	queues *queue.WindowQueues

	mu     sync.Mutex
	agents map[string]string // windowID -> session role
	closed bool
}

// WindowProcessorConfig wires a window processor.
type WindowProcessorConfig struct {
	Pool     *agent.Pool
	Tape     *transcript.Tape
	Registry *desktop.Registry
	Emitter  *Emitter
	Center   *broadcast.Center
	Metrics  *Metrics

	// AcquireTimeout bounds the limiter wait for a new window agent.
	AcquireTimeout time.Duration

	// PruneOnClose drops the window's tape entries when the window closes.
	PruneOnClose bool

	Logger *logger.Logger
}

// NewWindowProcessor creates the processor. Agents and queues appear lazily,
// one per window, on the first task that targets it.
func NewWindowProcessor(cfg WindowProcessorConfig) *WindowProcessor {
	timeout := cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = defaultAcquireTimeout
	}
	return &WindowProcessor{
		pool:           cfg.Pool,
		tape:           cfg.Tape,
		registry:       cfg.Registry,
		emitter:        cfg.Emitter,
		center:         cfg.Center,
		metrics:        cfg.Metrics,
		acquireTimeout: timeout,
		pruneOnClose:   cfg.PruneOnClose,
		queues:         queue.NewWindowQueues(),
		agents:         make(map[string]string),
		logger:         cfg.Logger.WithFields(zap.String("component", "window-processor")),
	}
}

// Submit enqueues a window task. The submitting connection gets
// MESSAGE_ACCEPTED when the task runs immediately and MESSAGE_QUEUED with the
// number of tasks ahead of it when the window is already busy. Tasks for
// unknown windows are rejected outright.
func (p *WindowProcessor) Submit(task *v1.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return queue.ErrQueueClosed
	}
	p.mu.Unlock()

	// A task can race the close of its window; catching it here keeps a dead
	// window from growing a fresh agent.
	if !p.registry.HasWindow(task.WindowID) {
		p.metrics.IncTask("window", "rejected")
		p.logger.Warn("window task rejected, window not registered",
			zap.String("window_id", task.WindowID),
			zap.String("task_id", task.ID))
		p.publishToTask(task, protocol.NewErrorEvent(
			fmt.Sprintf("window %s does not exist", task.WindowID)))
		return fmt.Errorf("task %s: %w", task.ID, desktop.ErrWindowNotFound)
	}

	role, err := p.ensureAgent(task)
	if err != nil {
		p.metrics.IncTask("window", "rejected")
		p.logger.Warn("no agent available for window task",
			zap.String("window_id", task.WindowID),
			zap.String("task_id", task.ID),
			zap.Error(err))
		p.publishToTask(task, protocol.NewErrorEvent("agent limit reached, try again shortly"))
		return err
	}

	pos, inFlight := p.queues.Enqueue(task.WindowID, task)
	p.metrics.SetQueueDepth("window:"+task.WindowID, pos)

	waiting := pos - 1
	if inFlight {
		waiting++
	}
	if waiting == 0 {
		p.publishToTask(task, protocol.NewMessageAccepted(task.MessageID, role))
	} else {
		p.publishToTask(task, protocol.NewMessageQueued(task.MessageID, role, waiting))
	}

	go p.drain(task.WindowID, role)
	return nil
}

// ensureAgent returns the window's dedicated agent role, spawning the session
// on first use. The spawn emits a window.lock so other agents cannot mutate
// the window while this one owns it.
func (p *WindowProcessor) ensureAgent(task *v1.Task) (string, error) {
	p.mu.Lock()
	if role, ok := p.agents[task.WindowID]; ok {
		p.mu.Unlock()
		return role, nil
	}
	p.mu.Unlock()

	parent := ""
	if task.MonitorID != "" {
		parent = agent.RoleMainPrefix + task.MonitorID
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.acquireTimeout)
	defer cancel()
	session, err := p.pool.CreateWindowAgent(ctx, task.WindowID, parent)
	if err != nil {
		if errors.Is(err, agent.ErrRoleExists) {
			// Lost a spawn race with a concurrent submit; adopt the winner.
			role := agent.RoleWindowPrefix + task.WindowID
			p.mu.Lock()
			p.agents[task.WindowID] = role
			p.mu.Unlock()
			return role, nil
		}
		return "", err
	}

	p.mu.Lock()
	p.agents[task.WindowID] = session.Role
	p.mu.Unlock()

	lock := protocol.NewWindowLock(task.WindowID, session.Role)
	if err := p.emitter.EmitActions(ctx, session.Role, []protocol.Action{lock}); err != nil {
		p.logger.Warn("failed to lock window for agent",
			zap.String("window_id", task.WindowID),
			zap.String("role", session.Role),
			zap.Error(err))
	}
	p.center.Broadcast(protocol.NewWindowAgentStatus(task.WindowID, session.Role, protocol.WindowAgentCreated))
	p.logger.Info("window agent spawned",
		zap.String("window_id", task.WindowID),
		zap.String("role", session.Role))
	return session.Role, nil
}

// drain claims the window and handles its tasks until the queue is empty.
// Concurrent submits race several of these; the in-flight flag picks one
// winner, and the length re-check after release covers a task slipping in
// between the empty dequeue and MarkDone.
func (p *WindowProcessor) drain(windowID, role string) {
	for {
		if !p.queues.MarkInFlight(windowID) {
			return
		}
		task, ok := p.queues.Dequeue(windowID)
		if !ok {
			p.queues.MarkDone(windowID)
			if p.queues.Len(windowID) == 0 {
				return
			}
			continue
		}
		p.metrics.SetQueueDepth("window:"+windowID, p.queues.Len(windowID))
		p.process(task, role)
		p.queues.MarkDone(windowID)
	}
}

// process runs one window task through the window's agent.
func (p *WindowProcessor) process(task *v1.Task, role string) {
	ctx, span := tracing.TraceTaskHandle(context.Background(), task.ID, string(task.Kind), task.MonitorID, task.WindowID)
	var procErr error
	defer func() {
		tracing.RecordResult(span, procErr)
		span.End()
	}()

	session := p.pool.GetByRole(role)
	if session == nil {
		// The window closed while this task waited its turn.
		p.metrics.IncTask("window", "cancelled")
		p.publishToTask(task, protocol.NewErrorEvent(
			fmt.Sprintf("window %s closed, task cancelled", task.WindowID)))
		procErr = desktop.ErrWindowNotFound
		return
	}

	// The running task owns the agent's frames for its duration.
	if task.ConnectionID != "" {
		p.center.RegisterAgent(role, task.ConnectionID)
	}
	p.center.Broadcast(protocol.NewWindowAgentStatus(task.WindowID, role, protocol.WindowAgentActive))

	turnCtx, turnSpan := tracing.TraceAgentTurn(ctx, role, task.ID)
	start := time.Now()
	_, err := session.Handle(turnCtx, agent.Turn{
		Prompt:   p.assemblePrompt(task),
		Content:  task.Content,
		WindowID: task.WindowID,
	})
	p.metrics.ObserveTurnDuration("window", time.Since(start))
	tracing.RecordResult(turnSpan, err)
	turnSpan.End()

	switch {
	case errors.Is(err, agent.ErrInterrupted):
		// The close path broadcasts the terminal status.
		p.metrics.IncTask("window", "interrupted")
		return
	case errors.Is(err, agent.ErrSessionDisposed):
		p.metrics.IncTask("window", "cancelled")
		return
	case err != nil:
		p.metrics.IncTask("window", "error")
		p.logger.Warn("window turn failed",
			zap.String("task_id", task.ID),
			zap.String("role", role),
			zap.Error(err))
		procErr = err
	default:
		p.metrics.IncTask("window", "completed")
	}
	p.center.Broadcast(protocol.NewWindowAgentStatus(task.WindowID, role, protocol.WindowAgentIdle))
}

// assemblePrompt scopes the conversation to the shared main context plus the
// window's own exchanges.
func (p *WindowProcessor) assemblePrompt(task *v1.Task) string {
	conversation := p.tape.FormatForPrompt(transcript.FormatOptions{
		IncludeWindows: true,
		WindowID:       task.WindowID,
	})
	if conversation == "" {
		return task.Content
	}
	return conversation + "\n\n" + task.Content
}

// CloseWindow tears down a closing window's lane: waiting tasks are dropped
// with a cancellation error, the in-flight turn is interrupted, the agent's
// lock is released, and the session is disposed so its limiter slot frees up.
func (p *WindowProcessor) CloseWindow(ctx context.Context, windowID string) {
	p.mu.Lock()
	role, hadAgent := p.agents[windowID]
	delete(p.agents, windowID)
	p.mu.Unlock()

	dropped := p.queues.Clear(windowID)
	for _, task := range dropped {
		p.metrics.IncTask("window", "cancelled")
		p.publishToTask(task, protocol.NewErrorEvent(
			fmt.Sprintf("window %s closed, task cancelled", windowID)))
	}
	p.metrics.SetQueueDepth("window:"+windowID, 0)

	if !hadAgent {
		return
	}

	p.pool.InterruptByRole(role)

	// The registry treats unlocking a missing window as a no-op, so this is
	// safe whether the close action or the teardown runs first.
	unlock := protocol.NewWindowUnlock(windowID, role)
	if err := p.emitter.EmitActions(ctx, role, []protocol.Action{unlock}); err != nil {
		p.logger.Warn("failed to release window lock",
			zap.String("window_id", windowID),
			zap.Error(err))
	}

	p.pool.Dispose(role)
	p.center.Broadcast(protocol.NewWindowAgentStatus(windowID, role, protocol.WindowAgentDestroyed))

	if p.pruneOnClose {
		if pruned := p.tape.PruneWindow(windowID); len(pruned) > 0 {
			p.logger.Debug("pruned window context",
				zap.String("window_id", windowID),
				zap.Int("messages", len(pruned)))
		}
	}
	p.logger.Info("window agent torn down",
		zap.String("window_id", windowID),
		zap.String("role", role),
		zap.Int("dropped_tasks", len(dropped)))
}

// AgentRole returns the role bound to a window, if any.
func (p *WindowProcessor) AgentRole(windowID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	role, ok := p.agents[windowID]
	return role, ok
}

// WindowIDs snapshots the windows that currently have an agent bound.
func (p *WindowProcessor) WindowIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.agents))
	for id := range p.agents {
		ids = append(ids, id)
	}
	return ids
}

// QueueLen reports the pending task count for one window.
func (p *WindowProcessor) QueueLen(windowID string) int {
	return p.queues.Len(windowID)
}

// Reset drops every queue and agent binding. Interrupting and disposing the
// sessions themselves is the pool owner's job during a reset.
func (p *WindowProcessor) Reset() {
	p.mu.Lock()
	p.agents = make(map[string]string)
	p.mu.Unlock()
	p.queues.Reset()
}

// Close rejects new submissions and drops pending tasks.
func (p *WindowProcessor) Close() {
	p.mu.Lock()
	p.closed = true
	p.agents = make(map[string]string)
	p.mu.Unlock()
	p.queues.Reset()
}

// publishToTask sends a frame back to the connection that submitted the task.
func (p *WindowProcessor) publishToTask(task *v1.Task, event *protocol.ServerEvent) {
	if task.ConnectionID == "" {
		return
	}
	p.center.PublishToConnection(event, task.ConnectionID)
}
