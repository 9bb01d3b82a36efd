// Package agent runs the orchestrator's agent sessions: provider handles,
// the execution limiter, per-role sessions, and the pool that owns them.
package agent

import (
	"context"

	"github.com/skylightos/skylight/pkg/protocol"
)

// StreamEventType tags one provider stream event.
type StreamEventType string

const (
	// StreamThinking carries a reasoning chunk shown to the user but never
	// appended to the transcript.
	StreamThinking StreamEventType = "thinking"
	// StreamResponse carries an assistant text chunk.
	StreamResponse StreamEventType = "response"
	// StreamToolUse announces a tool invocation.
	StreamToolUse StreamEventType = "tool_use"
	// StreamToolResult closes a tool invocation.
	StreamToolResult StreamEventType = "tool_result"
	// StreamActions carries desktop actions produced by a tool call.
	StreamActions StreamEventType = "actions"
	// StreamError terminates the turn with a provider failure.
	StreamError StreamEventType = "error"
)

// StreamEvent is one event on a provider turn stream.
type StreamEvent struct {
	Type     StreamEventType
	Text     string
	ToolName string
	Actions  []protocol.Action
	Err      error
}

// Provider is one backend handle bound to a single agent session. A turn is
// started with Stream; the returned channel closes when the turn completes,
// fails, or the context is cancelled.
type Provider interface {
	// Name identifies the provider type, e.g. "scripted".
	Name() string
	// Stream runs one turn over the assembled prompt.
	Stream(ctx context.Context, prompt string) (<-chan StreamEvent, error)
	// Close releases the handle. Safe to call more than once.
	Close() error
}

// Factory builds provider handles of one type. Factories must be safe for
// concurrent use; the warm pool calls New from background goroutines.
type Factory interface {
	Type() string
	New(ctx context.Context) (Provider, error)
}
