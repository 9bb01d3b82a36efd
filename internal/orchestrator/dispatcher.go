package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/skylightos/skylight/internal/agent"
	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/internal/common/tracing"
	"github.com/skylightos/skylight/internal/transcript"
	v1 "github.com/skylightos/skylight/pkg/api/v1"
)

// Dispatch failure reasons reported in DispatchResult.Reason.
const (
	DispatchReasonLimit       = "limit"
	DispatchReasonBudget      = "budget"
	DispatchReasonInterrupted = "interrupted"
	DispatchReasonNoObjective = "missing objective"
	DispatchReasonResetting   = "resetting"
)

// TaskDispatcher runs background objectives on short-lived task agents: a
// bounded limiter wait, one turn against the main conversation, disposal on
// return. Task turns skip the tape, so the shared conversation never sees
// them.
type TaskDispatcher struct {
	pool     *agent.Pool
	tape     *transcript.Tape
	budget   *MonitorBudget
	profiles *ProfileRegistry
	metrics  *Metrics
	logger   *logger.Logger

	acquireTimeout time.Duration
}

// TaskDispatcherConfig wires a dispatcher.
type TaskDispatcherConfig struct {
	Pool     *agent.Pool
	Tape     *transcript.Tape
	Budget   *MonitorBudget
	Profiles *ProfileRegistry
	Metrics  *Metrics

	// AcquireTimeout bounds the limiter and budget waits.
	AcquireTimeout time.Duration

	Logger *logger.Logger
}

// NewTaskDispatcher creates a dispatcher over the shared pool and budget.
func NewTaskDispatcher(cfg TaskDispatcherConfig) *TaskDispatcher {
	timeout := cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = defaultAcquireTimeout
	}
	return &TaskDispatcher{
		pool:           cfg.Pool,
		tape:           cfg.Tape,
		budget:         cfg.Budget,
		profiles:       cfg.Profiles,
		metrics:        cfg.Metrics,
		acquireTimeout: timeout,
		logger:         cfg.Logger.WithFields(zap.String("component", "task-dispatcher")),
	}
}

// Dispatch runs one objective to completion. Dispatched is true only when the
// turn produced a final message; otherwise Reason says what stopped it.
func (d *TaskDispatcher) Dispatch(ctx context.Context, req v1.DispatchRequest) v1.DispatchResult {
	if strings.TrimSpace(req.Objective) == "" {
		return v1.DispatchResult{Reason: DispatchReasonNoObjective}
	}

	profile := d.profiles.Get(req.Profile)
	ctx, span := tracing.TraceDispatch(ctx, profile.Name, req.MonitorID)
	defer span.End()

	acquireCtx, cancel := context.WithTimeout(ctx, d.acquireTimeout)
	defer cancel()

	// A dispatch tied to a monitor counts against that monitor's budget,
	// like any other action-producing operation.
	if req.MonitorID != "" {
		if err := d.budget.Acquire(acquireCtx, req.MonitorID); err != nil {
			d.metrics.IncTask("task", "rejected")
			d.logger.Warn("dispatch rejected, monitor budget exhausted",
				zap.String("monitor_id", req.MonitorID),
				zap.Error(err))
			tracing.RecordResult(span, err)
			return v1.DispatchResult{Reason: DispatchReasonBudget}
		}
		defer d.budget.Release(req.MonitorID)
	}

	session, err := d.pool.CreateTask(acquireCtx, profile.Name)
	if err != nil {
		d.metrics.IncTask("task", "rejected")
		d.logger.Warn("dispatch rejected, no agent slot",
			zap.String("profile", profile.Name),
			zap.Error(err))
		tracing.RecordResult(span, err)
		return v1.DispatchResult{Reason: DispatchReasonLimit}
	}
	defer d.pool.Dispose(session.Role)

	start := time.Now()
	result, err := session.Handle(ctx, agent.Turn{
		Prompt:   d.assemblePrompt(profile, req),
		Content:  req.Objective,
		SkipTape: true,
	})
	d.metrics.ObserveTurnDuration("task", time.Since(start))

	switch {
	case errors.Is(err, agent.ErrInterrupted):
		d.metrics.IncTask("task", "interrupted")
		tracing.RecordResult(span, err)
		return v1.DispatchResult{Reason: DispatchReasonInterrupted, AgentID: session.Role}
	case err != nil:
		d.metrics.IncTask("task", "error")
		d.logger.Warn("dispatched turn failed",
			zap.String("role", session.Role),
			zap.Error(err))
		tracing.RecordResult(span, err)
		return v1.DispatchResult{
			Reason:  fmt.Sprintf("turn failed: %v", err),
			AgentID: session.Role,
		}
	}

	if req.MonitorID != "" {
		d.budget.RecordAction(req.MonitorID)
	}
	d.metrics.IncTask("task", "completed")
	tracing.RecordResult(span, nil)
	d.logger.Info("dispatched objective completed",
		zap.String("role", session.Role),
		zap.String("profile", profile.Name))
	return v1.DispatchResult{
		Dispatched: true,
		Result:     result.Content,
		AgentID:    session.Role,
	}
}

// assemblePrompt renders the main conversation, the profile's working
// envelope, the objective, and the optional hint.
func (d *TaskDispatcher) assemblePrompt(profile TaskProfile, req v1.DispatchRequest) string {
	parts := make([]string, 0, 4)
	if conversation := d.tape.FormatForPrompt(transcript.FormatOptions{}); conversation != "" {
		parts = append(parts, conversation)
	}
	parts = append(parts, fmt.Sprintf("<task_profile>\nname: %s\ntools: %s\nmax turns: %d\n</task_profile>",
		profile.Name, strings.Join(profile.Tools, ", "), profile.MaxTurns))
	parts = append(parts, "<objective>\n"+req.Objective+"\n</objective>")
	if req.Hint != "" {
		parts = append(parts, "<hint>\n"+req.Hint+"\n</hint>")
	}
	return strings.Join(parts, "\n\n")
}
