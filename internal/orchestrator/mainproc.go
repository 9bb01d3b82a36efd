package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skylightos/skylight/internal/agent"
	"github.com/skylightos/skylight/internal/broadcast"
	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/internal/common/tracing"
	"github.com/skylightos/skylight/internal/desktop"
	"github.com/skylightos/skylight/internal/orchestrator/queue"
	"github.com/skylightos/skylight/internal/reloadcache"
	"github.com/skylightos/skylight/internal/transcript"
	v1 "github.com/skylightos/skylight/pkg/api/v1"
	"github.com/skylightos/skylight/pkg/protocol"
)

// cacheLabelMax caps the human-readable label recorded with a cache entry.
const cacheLabelMax = 48

// triggerUserMessage tags fingerprints derived from main user messages.
const triggerUserMessage = "user_message"

// MainProcessor routes main tasks: one bounded FIFO per monitor, each
// drained by a dedicated loop that handles one task at a time. The drain
// reuses the monitor's main agent when it is idle and spawns an ephemeral
// session when it is not, so a turn still tearing down never stalls the
// next one.
type MainProcessor struct {
	pool     *agent.Pool
	tape     *transcript.Tape
	timeline *transcript.Timeline
	budget   *MonitorBudget
	cache    *reloadcache.Cache
	registry *desktop.Registry
	emitter  *Emitter
	center   *broadcast.Center
	metrics  *Metrics
	logger   *logger.Logger

	queueCap int

	mu     sync.Mutex
	queues map[string]*monitorQueue
	closed bool
}

// monitorQueue pairs one monitor's FIFO with its drain state. busy is true
// while the drain loop is inside process().
type monitorQueue struct {
	queue *queue.MainQueue
	busy  bool
}

// MainProcessorConfig wires a main processor.
type MainProcessorConfig struct {
	Pool     *agent.Pool
	Tape     *transcript.Tape
	Timeline *transcript.Timeline
	Budget   *MonitorBudget
	Cache    *reloadcache.Cache
	Registry *desktop.Registry
	Emitter  *Emitter
	Center   *broadcast.Center
	Metrics  *Metrics
	QueueCap int
	Logger   *logger.Logger
}

// NewMainProcessor creates the processor. Queues and their drain loops
// appear lazily, one per monitor.
func NewMainProcessor(cfg MainProcessorConfig) *MainProcessor {
	return &MainProcessor{
		pool:     cfg.Pool,
		tape:     cfg.Tape,
		timeline: cfg.Timeline,
		budget:   cfg.Budget,
		cache:    cfg.Cache,
		registry: cfg.Registry,
		emitter:  cfg.Emitter,
		center:   cfg.Center,
		metrics:  cfg.Metrics,
		queueCap: cfg.QueueCap,
		queues:   make(map[string]*monitorQueue),
		logger:   cfg.Logger.WithFields(zap.String("component", "main-processor")),
	}
}

// Submit enqueues a main task for its monitor. The submitting connection
// gets MESSAGE_ACCEPTED when the task will run immediately, MESSAGE_QUEUED
// with its position when it has to wait, and an ERROR frame when the
// monitor's queue is full.
func (p *MainProcessor) Submit(task *v1.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	for _, interaction := range task.Interactions {
		p.timeline.PushUser(interaction)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return queue.ErrQueueClosed
	}
	mq, ok := p.queues[task.MonitorID]
	if !ok {
		mq = &monitorQueue{queue: queue.NewMainQueue(p.queueCap)}
		p.queues[task.MonitorID] = mq
		go p.drain(task.MonitorID, mq)
	}
	busy := mq.busy
	pending := mq.queue.Len()

	if err := mq.queue.Enqueue(task); err != nil {
		p.mu.Unlock()
		p.metrics.IncTask("main", "rejected")
		p.logger.Warn("main queue full, rejecting task",
			zap.String("monitor_id", task.MonitorID),
			zap.String("task_id", task.ID))
		p.publishToTask(task, protocol.NewErrorEvent(
			fmt.Sprintf("queue full for monitor %s, try again shortly", task.MonitorID)))
		return err
	}
	p.mu.Unlock()

	p.metrics.SetQueueDepth("main:"+task.MonitorID, pending+1)

	role := agent.RoleMainPrefix + task.MonitorID
	if !busy && pending == 0 {
		p.publishToTask(task, protocol.NewMessageAccepted(task.MessageID, role))
	} else {
		p.publishToTask(task, protocol.NewMessageQueued(task.MessageID, role, pending+1))
	}
	return nil
}

// drain pulls the monitor's tasks one at a time until the queue closes.
// Sequential handling is what makes per-monitor FIFO hold.
func (p *MainProcessor) drain(monitorID string, mq *monitorQueue) {
	for {
		task, ok := mq.queue.Dequeue()
		if !ok {
			p.logger.Debug("main drain exiting", zap.String("monitor_id", monitorID))
			return
		}
		p.setBusy(mq, true)
		p.metrics.SetQueueDepth("main:"+monitorID, mq.queue.Len())
		p.process(task)
		p.setBusy(mq, false)
	}
}

func (p *MainProcessor) setBusy(mq *monitorQueue, busy bool) {
	p.mu.Lock()
	mq.busy = busy
	p.mu.Unlock()
}

// process runs one main task end to end: budget slot, cache consult, agent
// selection, turn, cache recording.
func (p *MainProcessor) process(task *v1.Task) {
	ctx, span := tracing.TraceTaskHandle(context.Background(), task.ID, string(task.Kind), task.MonitorID, "")
	var procErr error
	defer func() {
		tracing.RecordResult(span, procErr)
		span.End()
	}()

	if err := p.budget.Acquire(ctx, task.MonitorID); err != nil {
		// Waiters are only rejected during reset; the task dies with its queue.
		p.logger.Warn("budget acquire failed, dropping task",
			zap.String("monitor_id", task.MonitorID),
			zap.String("task_id", task.ID),
			zap.Error(err))
		procErr = err
		return
	}
	defer p.budget.Release(task.MonitorID)

	// The fingerprint captures the desktop as it looks before the turn runs.
	// Recording it unchanged after the turn is what lets an identical request
	// against the same desktop shape match exactly later.
	fp := p.cache.Fingerprint(triggerUserMessage, "", task.Content, p.registry.Renderers())
	hint, replayed := p.consultCache(ctx, task, fp)
	if replayed {
		p.budget.RecordAction(task.MonitorID)
		p.metrics.IncTask("main", "replayed")
		return
	}

	session, ephemeral, err := p.selectAgent(ctx, task.MonitorID)
	if err != nil {
		p.metrics.IncTask("main", "error")
		p.logger.Warn("no agent available for main task",
			zap.String("monitor_id", task.MonitorID),
			zap.String("task_id", task.ID),
			zap.Error(err))
		p.publishToTask(task, protocol.NewErrorEvent("agent limit reached, try again shortly"))
		procErr = err
		return
	}
	if ephemeral {
		defer p.pool.Dispose(session.Role)
	}

	// The running task owns the agent's frames for its duration. Without
	// this an ephemeral's output would have no connection to land on.
	if task.ConnectionID != "" {
		p.center.RegisterAgent(session.Role, task.ConnectionID)
	}

	turnCtx, turnSpan := tracing.TraceAgentTurn(ctx, session.Role, task.ID)
	start := time.Now()
	result, err := session.Handle(turnCtx, agent.Turn{
		Prompt:  p.assemblePrompt(hint, task.Content),
		Content: task.Content,
	})
	p.metrics.ObserveTurnDuration("main", time.Since(start))
	tracing.RecordResult(turnSpan, err)
	turnSpan.End()

	switch {
	case errors.Is(err, agent.ErrInterrupted):
		p.metrics.IncTask("main", "interrupted")
		return
	case err != nil:
		// The session already surfaced the error on the agent's connection.
		p.metrics.IncTask("main", "error")
		p.logger.Warn("main turn failed",
			zap.String("task_id", task.ID),
			zap.String("role", session.Role),
			zap.Error(err))
		procErr = err
		return
	}

	p.budget.RecordAction(task.MonitorID)
	p.metrics.IncTask("main", "completed")
	p.recordOutcome(ctx, task, fp, result.Actions)
}

// assemblePrompt joins conversation context, buffered interactions, the
// optional cache hint, and the user content. The timeline is drained here,
// so a replayed task leaves it buffered for the next real turn.
func (p *MainProcessor) assemblePrompt(hint, content string) string {
	parts := make([]string, 0, 4)
	if conversation := p.tape.FormatForPrompt(transcript.FormatOptions{}); conversation != "" {
		parts = append(parts, conversation)
	}
	if interactions := p.timeline.DrainForMainPrompt(); interactions != "" {
		parts = append(parts, interactions)
	}
	if hint != "" {
		parts = append(parts, hint)
	}
	parts = append(parts, content)
	return strings.Join(parts, "\n\n")
}

// consultCache matches the task against the reload cache. A validated exact
// hit is replayed in place and reported as replayed=true; fuzzy hits come
// back as a <reload_options> prompt block so the agent can pick one itself.
func (p *MainProcessor) consultCache(ctx context.Context, task *v1.Task, fp reloadcache.Fingerprint) (string, bool) {
	if p.cache == nil {
		return "", false
	}

	lookupCtx, span := tracing.TraceCacheLookup(ctx, triggerUserMessage)
	result := p.cache.Lookup(fp)
	span.End()

	if result.Exact != nil && p.replay(lookupCtx, task, result.Exact) {
		p.metrics.IncCacheLookup("exact")
		return "", true
	}

	var lines []string
	for _, candidate := range result.Candidates {
		if result.Exact != nil && candidate.Entry.ID == result.Exact.ID {
			// The exact entry just failed validation; offering it again is
			// pointless.
			continue
		}
		lines = append(lines, fmt.Sprintf("- id: %s label: %q similarity: %.2f",
			candidate.Entry.ID, candidate.Entry.Label, candidate.Similarity))
	}
	if len(lines) == 0 {
		p.metrics.IncCacheLookup("miss")
		return "", false
	}
	p.metrics.IncCacheLookup("fuzzy")
	hint := "<reload_options>\nCached action sequences match this request. Call the replay_actions tool with an id to reuse one instead of redoing the work.\n" +
		strings.Join(lines, "\n") + "\n</reload_options>"
	return hint, false
}

// replay re-emits a cached entry's actions, skipping the provider entirely.
// It refuses when any required window is gone: the entry is marked failed,
// the client gets a warning toast, and the caller proceeds with a normal
// turn.
func (p *MainProcessor) replay(ctx context.Context, task *v1.Task, entry *reloadcache.Entry) bool {
	replayCtx, span := tracing.TraceCacheReplay(ctx, entry.ID, len(entry.Actions))
	defer span.End()

	role := agent.RoleMainPrefix + task.MonitorID
	for _, windowID := range entry.RequiredWindowIDs {
		if p.registry.HasWindow(windowID) {
			continue
		}
		p.logger.Info("cache replay refused, required window missing",
			zap.String("entry_id", entry.ID),
			zap.String("window_id", windowID))
		if err := p.cache.MarkFailed(replayCtx, entry.ID); err != nil {
			p.logger.Warn("failed to mark cache entry", zap.Error(err))
		}
		toast := protocol.NewToast("reload-"+entry.ID,
			fmt.Sprintf("Could not replay %q, asking the agent instead", entry.Label),
			"warning")
		if err := p.emitter.EmitActions(replayCtx, role, []protocol.Action{toast}); err != nil {
			p.logger.Warn("failed to emit replay toast", zap.Error(err))
		}
		tracing.RecordResult(span, desktop.ErrWindowNotFound)
		return false
	}

	if err := p.emitter.EmitActions(replayCtx, role, entry.Actions); err != nil {
		p.logger.Warn("cache replay emit failed",
			zap.String("entry_id", entry.ID),
			zap.Error(err))
		if markErr := p.cache.MarkFailed(replayCtx, entry.ID); markErr != nil {
			p.logger.Warn("failed to mark cache entry", zap.Error(markErr))
		}
		tracing.RecordResult(span, err)
		return false
	}
	if err := p.cache.MarkUsed(replayCtx, entry.ID); err != nil {
		p.logger.Warn("failed to mark cache entry used", zap.Error(err))
	}

	response := protocol.NewAgentResponse(role, entry.Label, true)
	if !p.center.PublishToAgent(response, role) {
		p.publishToTask(task, response)
	}
	p.logger.Info("replayed cached actions",
		zap.String("entry_id", entry.ID),
		zap.String("task_id", task.ID),
		zap.Int("actions", len(entry.Actions)))
	tracing.RecordResult(span, nil)
	return true
}

// recordOutcome stores the turn's action sequence under the fingerprint
// captured before the turn ran.
func (p *MainProcessor) recordOutcome(ctx context.Context, task *v1.Task, fp reloadcache.Fingerprint, actions []protocol.Action) {
	if p.cache == nil || len(actions) == 0 {
		return
	}
	label := task.Content
	if len(label) > cacheLabelMax {
		label = label[:cacheLabelMax]
	}
	if _, err := p.cache.Record(ctx, fp, actions, label, requiredWindows(actions)); err != nil {
		p.logger.Warn("failed to record cache entry", zap.Error(err))
	}
}

// requiredWindows lists the distinct windows an action sequence touches,
// creations included. A replay applies the sequence to the current desktop,
// so every one of them must still exist.
func requiredWindows(actions []protocol.Action) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, action := range actions {
		if !action.Type.IsWindowAction() || action.WindowID == "" {
			continue
		}
		if !seen[action.WindowID] {
			seen[action.WindowID] = true
			ids = append(ids, action.WindowID)
		}
	}
	return ids
}

// selectAgent picks the monitor's main agent when it is idle, otherwise
// spawns an ephemeral session under the global limiter. The limiter wait
// happens inside the drain loop with the budget slot held, so arrival order
// is preserved.
func (p *MainProcessor) selectAgent(ctx context.Context, monitorID string) (*agent.Session, bool, error) {
	if main := p.pool.GetByRole(agent.RoleMainPrefix + monitorID); main != nil && !main.Busy() {
		return main, false, nil
	}
	session, err := p.pool.CreateEphemeral(ctx, monitorID)
	if err != nil {
		return nil, false, err
	}
	return session, true, nil
}

// QueueLen reports the pending task count for one monitor.
func (p *MainProcessor) QueueLen(monitorID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	mq, ok := p.queues[monitorID]
	if !ok {
		return 0
	}
	return mq.queue.Len()
}

// Reset clears and closes every monitor queue. Drain loops exit after their
// current task; new submissions recreate queues lazily.
func (p *MainProcessor) Reset() {
	p.mu.Lock()
	queues := p.queues
	p.queues = make(map[string]*monitorQueue)
	p.mu.Unlock()

	for monitorID, mq := range queues {
		dropped := mq.queue.Clear()
		mq.queue.Close()
		if len(dropped) > 0 {
			p.logger.Info("dropped queued main tasks",
				zap.String("monitor_id", monitorID),
				zap.Int("count", len(dropped)))
		}
		p.metrics.SetQueueDepth("main:"+monitorID, 0)
	}
}

// Close shuts the processor down for good: pending tasks are discarded and
// new submissions fail.
func (p *MainProcessor) Close() {
	p.mu.Lock()
	p.closed = true
	queues := p.queues
	p.queues = make(map[string]*monitorQueue)
	p.mu.Unlock()

	for _, mq := range queues {
		mq.queue.Clear()
		mq.queue.Close()
	}
}

// publishToTask sends a frame back to the connection that submitted the task.
func (p *MainProcessor) publishToTask(task *v1.Task, event *protocol.ServerEvent) {
	if task.ConnectionID == "" {
		return
	}
	p.center.PublishToConnection(event, task.ConnectionID)
}
