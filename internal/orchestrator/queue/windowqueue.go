package queue

import (
	"sync"

	v1 "github.com/skylightos/skylight/pkg/api/v1"
)

// WindowQueues holds one FIFO per window plus the in-flight flag that
// enforces the hard guarantee: at most one task per window is being handled
// at any instant.
type WindowQueues struct {
	mu       sync.Mutex
	pending  map[string][]*v1.Task
	inFlight map[string]bool
}

// NewWindowQueues creates an empty set of per-window queues.
func NewWindowQueues() *WindowQueues {
	return &WindowQueues{
		pending:  make(map[string][]*v1.Task),
		inFlight: make(map[string]bool),
	}
}

// Enqueue appends a task to a window's queue and returns its 1-based
// position (1 means it runs next) together with the window's in-flight state
// at that instant. Both are read under one lock so callers can tell the
// submitter how many tasks precede it without racing the drain loop.
func (w *WindowQueues) Enqueue(windowID string, task *v1.Task) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[windowID] = append(w.pending[windowID], task)
	return len(w.pending[windowID]), w.inFlight[windowID]
}

// Dequeue pops the next task for a window.
func (w *WindowQueues) Dequeue(windowID string) (*v1.Task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	q := w.pending[windowID]
	if len(q) == 0 {
		return nil, false
	}
	task := q[0]
	q[0] = nil
	w.pending[windowID] = q[1:]
	if len(w.pending[windowID]) == 0 {
		delete(w.pending, windowID)
	}
	return task, true
}

// MarkInFlight claims the window for one task. Returns false when a task is
// already being handled for it.
func (w *WindowQueues) MarkInFlight(windowID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.inFlight[windowID] {
		return false
	}
	w.inFlight[windowID] = true
	return true
}

// MarkDone releases the window after its in-flight task finishes.
func (w *WindowQueues) MarkDone(windowID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, windowID)
}

// InFlight reports whether a task is being handled for the window.
func (w *WindowQueues) InFlight(windowID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight[windowID]
}

// Clear drops a closing window's queue, returning the abandoned tasks, and
// releases its in-flight flag.
func (w *WindowQueues) Clear(windowID string) []*v1.Task {
	w.mu.Lock()
	defer w.mu.Unlock()

	dropped := w.pending[windowID]
	delete(w.pending, windowID)
	delete(w.inFlight, windowID)
	return dropped
}

// Reset drops every queue and flag.
func (w *WindowQueues) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = make(map[string][]*v1.Task)
	w.inFlight = make(map[string]bool)
}

// Len returns the number of pending tasks for one window.
func (w *WindowQueues) Len(windowID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending[windowID])
}

// TotalLen returns the number of pending tasks across all windows.
func (w *WindowQueues) TotalLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0
	for _, q := range w.pending {
		total += len(q)
	}
	return total
}
