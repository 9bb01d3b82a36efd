// Package v1 holds the types shared between the gateway and the
// orchestration core: the task envelope, dispatch requests, and pool
// statistics.
package v1

import (
	"errors"
	"time"

	"github.com/skylightos/skylight/pkg/protocol"
)

// TaskKind selects the processor a task is routed to.
type TaskKind string

const (
	// TaskKindMain is a user message handled by a monitor's main agent.
	TaskKindMain TaskKind = "main"

	// TaskKindWindow is a message handled by a window's persistent agent.
	TaskKindWindow TaskKind = "window"

	// TaskKindComponentAction is a UI component event synthesized into a
	// window task.
	TaskKindComponentAction TaskKind = "component_action"
)

var (
	// ErrMissingMonitorID is returned for a main task without a monitor.
	ErrMissingMonitorID = errors.New("main task requires a monitorId")

	// ErrMissingWindowID is returned for a window task without a window.
	ErrMissingWindowID = errors.New("window task requires a windowId")

	// ErrUnknownTaskKind is returned for a task with an unrecognized kind.
	ErrUnknownTaskKind = errors.New("unknown task kind")
)

// Task is one client-originated unit of work, consumed exactly once by a
// processor.
type Task struct {
	ID           string                 `json:"id"`
	Kind         TaskKind               `json:"kind"`
	MonitorID    string                 `json:"monitorId,omitempty"`
	WindowID     string                 `json:"windowId,omitempty"`
	Content      string                 `json:"content"`
	Interactions []protocol.Interaction `json:"interactions,omitempty"`

	// MessageID echoes the client message that created the task, so
	// MESSAGE_ACCEPTED / MESSAGE_QUEUED frames can be correlated.
	MessageID string `json:"messageId,omitempty"`

	// ConnectionID names the connection whose event created the task.
	// Acceptance, queue position, and error frames go back to it.
	ConnectionID string `json:"connectionId,omitempty"`

	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Validate enforces the envelope invariants: a window task carries a
// non-empty windowId, a main task a non-empty monitorId.
func (t *Task) Validate() error {
	switch t.Kind {
	case TaskKindMain:
		if t.MonitorID == "" {
			return ErrMissingMonitorID
		}
	case TaskKindWindow, TaskKindComponentAction:
		if t.WindowID == "" {
			return ErrMissingWindowID
		}
	default:
		return ErrUnknownTaskKind
	}
	return nil
}

// DispatchRequest asks for a one-off task agent run.
type DispatchRequest struct {
	Objective string `json:"objective"`
	Profile   string `json:"profile,omitempty"`
	Hint      string `json:"hint,omitempty"`
	MonitorID string `json:"monitorId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// DispatchResult reports the outcome of a one-off task agent run.
type DispatchResult struct {
	Dispatched bool   `json:"dispatched"`
	Reason     string `json:"reason,omitempty"`
	Result     string `json:"result,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
}
