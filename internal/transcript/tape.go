// Package transcript holds the conversation context shared by all agents:
// the tape of completed turns and the timeline of raw user interactions.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// DefaultMainCap is the soft cap on main-transcript messages before the
// oldest half is pruned.
const DefaultMainCap = 200

// Role identifies the author of a tape message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one completed turn entry. A message with an empty WindowID
// belongs to the main transcript; otherwise it belongs to one window's
// side conversation.
type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time
	WindowID  string
}

// IsMain reports whether the message belongs to the main transcript.
func (m Message) IsMain() bool { return m.WindowID == "" }

// GetOptions filters GetMessages. Main messages are always included.
type GetOptions struct {
	// IncludeWindows adds window-tagged messages to the result.
	IncludeWindows bool
	// WindowIDs restricts included window messages to these windows.
	// Empty means all windows (when IncludeWindows is set).
	WindowIDs []string
	// ExcludeWindowIDs removes these windows from the result.
	ExcludeWindowIDs []string
}

// FormatOptions selects the slice of tape rendered into a prompt. Main
// agents use the zero value; a window agent sets IncludeWindows and its
// own WindowID.
type FormatOptions struct {
	IncludeWindows bool
	WindowID       string
}

// Tape is the append-only transcript shared across agents. Main messages
// accumulate under a soft cap; window messages persist until their window
// is pruned.
type Tape struct {
	mu       sync.RWMutex
	messages []Message
	mainCap  int
	lastTS   time.Time
}

// NewTape creates a tape with the given main-message cap.
func NewTape(mainCap int) *Tape {
	if mainCap <= 0 {
		mainCap = DefaultMainCap
	}
	return &Tape{mainCap: mainCap}
}

// Append records a completed turn message. Timestamps are forced
// monotone non-decreasing so ordering survives clock adjustments. When
// the main subset grows past the cap the oldest half is dropped; window
// messages are never touched by cap pruning.
func (t *Tape) Append(role Role, content, windowID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := time.Now()
	if ts.Before(t.lastTS) {
		ts = t.lastTS
	}
	t.lastTS = ts

	t.messages = append(t.messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: ts,
		WindowID:  windowID,
	})

	if windowID == "" {
		t.pruneMainLocked()
	}
}

// pruneMainLocked drops the oldest main messages once the main subset
// exceeds the cap, keeping the most recent half of the cap.
func (t *Tape) pruneMainLocked() {
	mainCount := 0
	for _, m := range t.messages {
		if m.IsMain() {
			mainCount++
		}
	}
	if mainCount <= t.mainCap {
		return
	}

	keep := (t.mainCap + 1) / 2
	drop := mainCount - keep
	kept := make([]Message, 0, len(t.messages)-drop)
	for _, m := range t.messages {
		if drop > 0 && m.IsMain() {
			drop--
			continue
		}
		kept = append(kept, m)
	}
	t.messages = kept
}

// GetMessages returns a filtered copy of the tape in append order.
func (t *Tape) GetMessages(opts GetOptions) []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	excluded := make(map[string]bool, len(opts.ExcludeWindowIDs))
	for _, id := range opts.ExcludeWindowIDs {
		excluded[id] = true
	}
	wanted := make(map[string]bool, len(opts.WindowIDs))
	for _, id := range opts.WindowIDs {
		wanted[id] = true
	}

	var out []Message
	for _, m := range t.messages {
		if m.IsMain() {
			out = append(out, m)
			continue
		}
		if !opts.IncludeWindows || excluded[m.WindowID] {
			continue
		}
		if len(wanted) > 0 && !wanted[m.WindowID] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// PruneWindow removes all messages belonging to the given window and
// returns them in their original order.
func (t *Tape) PruneWindow(windowID string) []Message {
	if windowID == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var pruned []Message
	kept := t.messages[:0]
	for _, m := range t.messages {
		if m.WindowID == windowID {
			pruned = append(pruned, m)
			continue
		}
		kept = append(kept, m)
	}
	t.messages = kept
	return pruned
}

// FormatForPrompt renders the visible slice of the tape as a
// <previous_conversation> block. An empty selection renders to "".
func (t *Tape) FormatForPrompt(opts FormatOptions) string {
	get := GetOptions{}
	if opts.IncludeWindows && opts.WindowID != "" {
		get.IncludeWindows = true
		get.WindowIDs = []string{opts.WindowID}
	}
	messages := t.GetMessages(get)
	if len(messages) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("<previous_conversation>\n")
	for _, m := range messages {
		b.WriteString(string(m.Role))
		if !m.IsMain() {
			b.WriteString(" [window:")
			b.WriteString(m.WindowID)
			b.WriteString("]")
		}
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("</previous_conversation>")
	return b.String()
}

// Restore prepends messages recovered from a previous session. Messages
// already on the tape keep their order; restored timestamps are clamped
// so the tape stays monotone.
func (t *Tape) Restore(messages []Message) {
	if len(messages) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	restored := make([]Message, len(messages))
	copy(restored, messages)
	if len(t.messages) > 0 {
		limit := t.messages[0].Timestamp
		for i := range restored {
			if restored[i].Timestamp.After(limit) {
				restored[i].Timestamp = limit
			}
		}
	} else if last := restored[len(restored)-1].Timestamp; last.After(t.lastTS) {
		t.lastTS = last
	}

	t.messages = append(restored, t.messages...)
	t.pruneMainLocked()
}

// Len reports the total number of messages on the tape.
func (t *Tape) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// MainLen reports the number of main-transcript messages.
func (t *Tape) MainLen() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, m := range t.messages {
		if m.IsMain() {
			n++
		}
	}
	return n
}

// Clear drops every message. Used on pool reset.
func (t *Tape) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = nil
}
