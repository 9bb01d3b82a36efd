package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// InteractionKind tags one user interaction captured client-side.
type InteractionKind string

const (
	InteractionClick   InteractionKind = "click"
	InteractionDrag    InteractionKind = "drag"
	InteractionSelect  InteractionKind = "select"
	InteractionGesture InteractionKind = "gesture"
	// Drawing interactions are consumed by the drawing pipeline and never
	// enter the interaction timeline.
	InteractionDrawing InteractionKind = "drawing"
)

// Interaction is one user interaction event. Kind selects the populated
// fields.
type Interaction struct {
	Kind      InteractionKind `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`

	// click
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Target string  `json:"target,omitempty"`

	// drag
	FromX float64 `json:"fromX,omitempty"`
	FromY float64 `json:"fromY,omitempty"`
	ToX   float64 `json:"toX,omitempty"`
	ToY   float64 `json:"toY,omitempty"`

	// select
	Text string `json:"text,omitempty"`

	// gesture
	Name string `json:"name,omitempty"`

	// drawing payload, opaque to the server
	Data json.RawMessage `json:"data,omitempty"`

	// window the interaction happened in, when known
	WindowID string `json:"windowId,omitempty"`
}

// Describe renders the single line injected into main-agent prompts.
func (i Interaction) Describe() string {
	where := ""
	if i.WindowID != "" {
		where = " in window " + i.WindowID
	}
	switch i.Kind {
	case InteractionClick:
		if i.Target != "" {
			return fmt.Sprintf("clicked %s at (%.0f, %.0f)%s", i.Target, i.X, i.Y, where)
		}
		return fmt.Sprintf("clicked at (%.0f, %.0f)%s", i.X, i.Y, where)
	case InteractionDrag:
		return fmt.Sprintf("dragged from (%.0f, %.0f) to (%.0f, %.0f)%s", i.FromX, i.FromY, i.ToX, i.ToY, where)
	case InteractionSelect:
		return fmt.Sprintf("selected text %q%s", i.Text, where)
	case InteractionGesture:
		return fmt.Sprintf("gesture %s%s", i.Name, where)
	default:
		return string(i.Kind) + where
	}
}
