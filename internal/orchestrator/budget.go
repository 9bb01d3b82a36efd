package orchestrator

import (
	"context"
	"errors"
	"sync"
)

// DefaultMonitorBudget bounds concurrent action-producing operations per
// monitor when the configured budget is missing or invalid.
const DefaultMonitorBudget = 4

// ErrBudgetCleared is returned to blocked Acquire calls when the budget's
// wait queues are flushed without a more specific reason.
var ErrBudgetCleared = errors.New("monitor budget waiters cleared")

// budgetWaiter is a single blocked Acquire call. The channel is buffered so
// a grant or rejection never blocks the caller of Release/ClearWaiting.
type budgetWaiter struct {
	ready chan error
}

// monitorState tracks one monitor's slot usage, its blocked acquirers, and
// how many actions it has produced so far.
type monitorState struct {
	inUse   int
	actions uint64
	waiters []*budgetWaiter
}

// MonitorBudget is a per-monitor counting semaphore over action-producing
// operations. Each monitor gets the same slot capacity, so a runaway monitor
// saturates its own budget without starving the others. Blocked acquirers
// are served in arrival order per monitor, and a released slot is handed
// directly to that monitor's oldest waiter.
type MonitorBudget struct {
	mu       sync.Mutex
	capacity int
	monitors map[string]*monitorState
}

// NewMonitorBudget creates a budget granting each monitor the given number
// of concurrent slots.
func NewMonitorBudget(capacity int) *MonitorBudget {
	if capacity <= 0 {
		capacity = DefaultMonitorBudget
	}
	return &MonitorBudget{
		capacity: capacity,
		monitors: make(map[string]*monitorState),
	}
}

// Acquire blocks until the monitor has a free slot, the context is done, or
// the wait queues are cleared. A nil return means the caller holds one of
// the monitor's slots and must Release it.
func (b *MonitorBudget) Acquire(ctx context.Context, monitorID string) error {
	b.mu.Lock()
	m := b.monitor(monitorID)
	if m.inUse < b.capacity && len(m.waiters) == 0 {
		m.inUse++
		b.mu.Unlock()
		return nil
	}
	w := &budgetWaiter{ready: make(chan error, 1)}
	m.waiters = append(m.waiters, w)
	b.mu.Unlock()

	select {
	case err := <-w.ready:
		return err
	case <-ctx.Done():
		b.mu.Lock()
		if m, ok := b.monitors[monitorID]; ok {
			for i, queued := range m.waiters {
				if queued == w {
					m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
					b.mu.Unlock()
					return ctx.Err()
				}
			}
		}
		b.mu.Unlock()
		// The waiter was already dequeued: a grant or rejection raced the
		// cancellation. A granted slot must go back, or it would leak.
		if err := <-w.ready; err == nil {
			b.Release(monitorID)
		}
		return ctx.Err()
	}
}

// Release returns one of the monitor's slots. If the monitor has waiters,
// the slot is transferred to the oldest one. Releases against a monitor
// whose state was cleared are ignored.
func (b *MonitorBudget) Release(monitorID string) {
	b.mu.Lock()
	m, ok := b.monitors[monitorID]
	if !ok {
		b.mu.Unlock()
		return
	}
	if len(m.waiters) > 0 {
		w := m.waiters[0]
		m.waiters[0] = nil
		m.waiters = m.waiters[1:]
		b.mu.Unlock()
		w.ready <- nil
		return
	}
	if m.inUse == 0 {
		b.mu.Unlock()
		panic("orchestrator: monitor budget released more slots than acquired")
	}
	m.inUse--
	b.mu.Unlock()
}

// RecordAction bumps the monitor's observation counter. Drain loops use the
// counters to tell which monitors are actually producing work.
func (b *MonitorBudget) RecordAction(monitorID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.monitor(monitorID).actions++
}

// Actions reports how many actions the monitor has produced since the last
// Clear.
func (b *MonitorBudget) Actions(monitorID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.monitors[monitorID]
	if !ok {
		return 0
	}
	return m.actions
}

// InUse reports how many of the monitor's slots are currently held.
func (b *MonitorBudget) InUse(monitorID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.monitors[monitorID]
	if !ok {
		return 0
	}
	return m.inUse
}

// Waiting reports how many Acquire calls are blocked across all monitors.
func (b *MonitorBudget) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, m := range b.monitors {
		total += len(m.waiters)
	}
	return total
}

// ClearWaiting rejects every blocked Acquire call on every monitor with the
// given error and returns how many waiters were flushed. Held slots are not
// touched.
func (b *MonitorBudget) ClearWaiting(err error) int {
	if err == nil {
		err = ErrBudgetCleared
	}
	b.mu.Lock()
	var flushed []*budgetWaiter
	for _, m := range b.monitors {
		flushed = append(flushed, m.waiters...)
		m.waiters = nil
	}
	b.mu.Unlock()

	for _, w := range flushed {
		w.ready <- err
	}
	return len(flushed)
}

// Clear rejects all waiters and drops every monitor's state, including held
// slot counts and action counters.
func (b *MonitorBudget) Clear() {
	b.mu.Lock()
	var flushed []*budgetWaiter
	for _, m := range b.monitors {
		flushed = append(flushed, m.waiters...)
		m.waiters = nil
	}
	b.monitors = make(map[string]*monitorState)
	b.mu.Unlock()

	for _, w := range flushed {
		w.ready <- ErrBudgetCleared
	}
}

// Capacity reports the per-monitor slot count.
func (b *MonitorBudget) Capacity() int {
	return b.capacity
}

// monitor returns the monitor's state, creating it on first touch. Callers
// must hold b.mu.
func (b *MonitorBudget) monitor(monitorID string) *monitorState {
	m, ok := b.monitors[monitorID]
	if !ok {
		m = &monitorState{}
		b.monitors[monitorID] = m
	}
	return m
}
