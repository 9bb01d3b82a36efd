package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/skylightos/skylight/pkg/protocol"
)

// DefaultTimelineSize bounds the interaction timeline.
const DefaultTimelineSize = 64

// timelineEntry is one line destined for the next main prompt.
type timelineEntry struct {
	text      string
	fromAgent bool
	at        time.Time
}

// Timeline is a bounded buffer of user interactions and agent-action
// summaries. It fills between main turns and is drained into the next
// main prompt, oldest first. On overflow the oldest entries are dropped.
type Timeline struct {
	mu       sync.Mutex
	entries  []timelineEntry
	capacity int
}

// NewTimeline creates a timeline with the given capacity.
func NewTimeline(capacity int) *Timeline {
	if capacity <= 0 {
		capacity = DefaultTimelineSize
	}
	return &Timeline{capacity: capacity}
}

// PushUser records one user interaction. Drawing interactions belong to
// the client-side drawing pipeline and are ignored here.
func (tl *Timeline) PushUser(interaction protocol.Interaction) bool {
	if interaction.Kind == protocol.InteractionDrawing {
		return false
	}
	at := interaction.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	tl.push(timelineEntry{text: interaction.Describe(), at: at})
	return true
}

// PushAgentAction records a one-line summary of an action an agent
// performed, so the next main turn knows what already happened.
func (tl *Timeline) PushAgentAction(summary string) {
	if summary == "" {
		return
	}
	tl.push(timelineEntry{text: summary, fromAgent: true, at: time.Now()})
}

func (tl *Timeline) push(e timelineEntry) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.entries = append(tl.entries, e)
	if over := len(tl.entries) - tl.capacity; over > 0 {
		tl.entries = append(tl.entries[:0], tl.entries[over:]...)
	}
}

// DrainForMainPrompt renders all buffered entries as a
// <previous_interactions> block and clears the buffer. Returns "" when
// nothing is buffered.
func (tl *Timeline) DrainForMainPrompt() string {
	tl.mu.Lock()
	entries := tl.entries
	tl.entries = nil
	tl.mu.Unlock()

	if len(entries) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("<previous_interactions>\n")
	for _, e := range entries {
		if e.fromAgent {
			b.WriteString("[agent] ")
		} else {
			b.WriteString("[user] ")
		}
		b.WriteString(e.text)
		b.WriteString("\n")
	}
	b.WriteString("</previous_interactions>")
	return b.String()
}

// Len reports how many entries are buffered.
func (tl *Timeline) Len() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return len(tl.entries)
}

// Clear drops all buffered entries without rendering them.
func (tl *Timeline) Clear() {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.entries = nil
}
