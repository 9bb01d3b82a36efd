package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/skylightos/skylight/internal/broadcast"
	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/internal/desktop"
	"github.com/skylightos/skylight/internal/events"
	"github.com/skylightos/skylight/internal/events/bus"
	"github.com/skylightos/skylight/internal/transcript"
	"github.com/skylightos/skylight/pkg/protocol"
)

// Emitter is the single path an action batch takes out of an agent: fold
// into the window registry, publish on the event bus for observers (session
// log), send the ACTIONS frame to the client, and note the batch in the
// interaction timeline for the next main turn. Rejected actions (lock
// violations, unknown windows) are dropped from the batch and announced on
// the bus.
type Emitter struct {
	registry *desktop.Registry
	center   *broadcast.Center
	timeline *transcript.Timeline
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewEmitter wires the emit path.
func NewEmitter(registry *desktop.Registry, center *broadcast.Center, timeline *transcript.Timeline, eventBus bus.EventBus, log *logger.Logger) *Emitter {
	return &Emitter{
		registry: registry,
		center:   center,
		timeline: timeline,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "action-emitter")),
	}
}

// EmitActions applies a batch in order. Actions the registry refuses are
// skipped; the rest are broadcast as one ACTIONS frame. An error is returned
// only when a non-empty batch was rejected in full, so the caller can
// surface the refusal to the agent.
func (e *Emitter) EmitActions(ctx context.Context, agentRole string, actions []protocol.Action) error {
	if len(actions) == 0 {
		return nil
	}

	applied := make([]protocol.Action, 0, len(actions))
	var firstErr error
	for _, action := range actions {
		if action.AgentID == "" {
			action.AgentID = agentRole
		}
		if err := e.registry.Apply(action); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			e.logger.Warn("action rejected",
				zap.String("agent", agentRole),
				zap.String("action", string(action.Type)),
				zap.String("window_id", action.WindowID),
				zap.Error(err))
			e.publish(ctx, events.ActionRejected, map[string]interface{}{
				"agentId":  agentRole,
				"action":   string(action.Type),
				"windowId": action.WindowID,
				"error":    err.Error(),
			})
			continue
		}
		applied = append(applied, action)
	}

	if len(applied) == 0 {
		return fmt.Errorf("action batch rejected: %w", firstErr)
	}

	e.publish(ctx, events.ActionEmitted, map[string]interface{}{
		"agentId": agentRole,
		"actions": applied,
	})

	frame := protocol.NewActions(applied)
	if agentRole == "" || !e.center.PublishToAgent(frame, agentRole) {
		// No connection owns this agent (restore replay, or the client
		// dropped mid-turn); let every connection mirror the state change.
		e.center.Broadcast(frame)
	}

	for _, action := range applied {
		e.timeline.PushAgentAction(action.Summary())
	}
	return nil
}

// publish is fire-and-forget; bus failures must never fail a turn.
func (e *Emitter) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if e.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "orchestrator", data)
	if err := e.eventBus.Publish(ctx, eventType, event); err != nil {
		e.logger.Warn("failed to publish event", zap.String("event", eventType), zap.Error(err))
	}
}
