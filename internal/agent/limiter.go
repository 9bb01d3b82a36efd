package agent

import (
	"context"
	"errors"
	"sync"
)

// DefaultMaxAgents bounds concurrently executing agent turns when the
// configured capacity is missing or invalid.
const DefaultMaxAgents = 16

// ErrWaitersCleared is returned to blocked Acquire calls when the limiter's
// wait queue is flushed without a more specific reason.
var ErrWaitersCleared = errors.New("limiter waiters cleared")

// waiter is a single blocked Acquire call. The channel is buffered so a
// grant or rejection never blocks the caller of Release/ClearWaiting.
type waiter struct {
	ready chan error
}

// Limiter is a counting semaphore over agent execution slots. Blocked
// acquirers are served strictly in arrival order, and a released slot is
// handed directly to the oldest waiter instead of returning to the free
// count, so late TryAcquire calls cannot starve the queue.
type Limiter struct {
	mu       sync.Mutex
	capacity int
	free     int
	waiters  []*waiter
}

// NewLimiter creates a limiter with the given slot capacity.
func NewLimiter(capacity int) *Limiter {
	if capacity <= 0 {
		capacity = DefaultMaxAgents
	}
	return &Limiter{
		capacity: capacity,
		free:     capacity,
	}
}

// TryAcquire takes a slot without blocking. It returns false when all slots
// are in use or when earlier callers are already waiting.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.free == 0 || len(l.waiters) > 0 {
		return false
	}
	l.free--
	return true
}

// Acquire blocks until a slot is free, the context is done, or the wait
// queue is cleared. A nil return means the caller holds a slot and must
// Release it.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.free > 0 && len(l.waiters) == 0 {
		l.free--
		l.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan error, 1)}
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()

	select {
	case err := <-w.ready:
		return err
	case <-ctx.Done():
		l.mu.Lock()
		for i, queued := range l.waiters {
			if queued == w {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// The waiter was already dequeued: a grant or rejection raced the
		// cancellation. A granted slot must go back, or it would leak.
		if err := <-w.ready; err == nil {
			l.Release()
		}
		return ctx.Err()
	}
}

// Release returns a slot. If anyone is waiting, the slot is transferred to
// the oldest waiter and the free count stays unchanged.
func (l *Limiter) Release() {
	l.mu.Lock()
	if len(l.waiters) > 0 {
		w := l.waiters[0]
		l.waiters[0] = nil
		l.waiters = l.waiters[1:]
		l.mu.Unlock()
		w.ready <- nil
		return
	}
	if l.free == l.capacity {
		l.mu.Unlock()
		panic("agent: limiter released more slots than acquired")
	}
	l.free++
	l.mu.Unlock()
}

// ClearWaiting rejects every blocked Acquire call with the given error and
// returns how many waiters were flushed. In-flight slots are not touched.
func (l *Limiter) ClearWaiting(err error) int {
	if err == nil {
		err = ErrWaitersCleared
	}
	l.mu.Lock()
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()

	for _, w := range waiters {
		w.ready <- err
	}
	return len(waiters)
}

// InUse reports how many slots are currently held.
func (l *Limiter) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacity - l.free
}

// Waiting reports how many Acquire calls are blocked.
func (l *Limiter) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

// Capacity reports the configured slot count.
func (l *Limiter) Capacity() int {
	return l.capacity
}
