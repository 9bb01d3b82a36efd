package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const orchestratorTracerName = "skylight-orchestrator"

func orchestratorTracer() trace.Tracer {
	return Tracer(orchestratorTracerName)
}

// TraceTaskHandle creates a span for one task entering the pool.
func TraceTaskHandle(ctx context.Context, taskID, kind, monitorID, windowID string) (context.Context, trace.Span) {
	ctx, span := orchestratorTracer().Start(ctx, "pool.handle_task",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("task_kind", kind),
		attribute.String("monitor_id", monitorID),
		attribute.String("window_id", windowID),
	)
	return ctx, span
}

// TraceAgentTurn creates a span for one agent turn.
func TraceAgentTurn(ctx context.Context, role, taskID string) (context.Context, trace.Span) {
	ctx, span := orchestratorTracer().Start(ctx, "agent.turn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("agent_role", role),
		attribute.String("task_id", taskID),
	)
	return ctx, span
}

// TraceCacheLookup creates a span for a reload cache lookup.
func TraceCacheLookup(ctx context.Context, triggerType string) (context.Context, trace.Span) {
	ctx, span := orchestratorTracer().Start(ctx, "reloadcache.lookup",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("trigger_type", triggerType))
	return ctx, span
}

// TraceCacheReplay creates a span for a reload cache replay attempt.
func TraceCacheReplay(ctx context.Context, entryID string, actionCount int) (context.Context, trace.Span) {
	ctx, span := orchestratorTracer().Start(ctx, "reloadcache.replay",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("entry_id", entryID),
		attribute.Int("action_count", actionCount),
	)
	return ctx, span
}

// TraceDispatch creates a span for a one-off task agent dispatch.
func TraceDispatch(ctx context.Context, profile, monitorID string) (context.Context, trace.Span) {
	ctx, span := orchestratorTracer().Start(ctx, "pool.dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("profile", profile),
		attribute.String("monitor_id", monitorID),
	)
	return ctx, span
}

// TraceReset creates a span covering a full pool reset.
func TraceReset(ctx context.Context) (context.Context, trace.Span) {
	return orchestratorTracer().Start(ctx, "pool.reset",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// RecordResult records the outcome of a traced operation on its span.
func RecordResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
