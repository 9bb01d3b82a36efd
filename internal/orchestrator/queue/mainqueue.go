// Package queue implements the orchestrator's task mailboxes: one bounded
// FIFO per monitor for main-context tasks, and per-window FIFOs that keep
// window work strictly sequential.
package queue

import (
	"errors"
	"sync"

	v1 "github.com/skylightos/skylight/pkg/api/v1"
)

// DefaultMainQueueCap bounds how many main tasks a monitor can have pending.
const DefaultMainQueueCap = 10

var (
	// ErrQueueFull is returned when the queue is at capacity.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueClosed is returned when enqueueing after Close.
	ErrQueueClosed = errors.New("queue is closed")
)

// MainQueue is one monitor's bounded FIFO of main tasks. Strictly FIFO, no
// priorities. Dequeue blocks until a task arrives or the queue is closed
// and drained.
type MainQueue struct {
	mu     sync.Mutex
	ch     chan *v1.Task
	closed bool
}

// NewMainQueue creates a queue with the given capacity (<= 0 selects the
// default of 10).
func NewMainQueue(capacity int) *MainQueue {
	if capacity <= 0 {
		capacity = DefaultMainQueueCap
	}
	return &MainQueue{ch: make(chan *v1.Task, capacity)}
}

// Enqueue appends a task. Returns ErrQueueFull when the queue is at
// capacity; the task is not retried server-side.
func (q *MainQueue) Enqueue(task *v1.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue blocks for the next task. ok is false once the queue is closed
// and fully drained.
func (q *MainQueue) Dequeue() (*v1.Task, bool) {
	task, ok := <-q.ch
	return task, ok
}

// Clear discards all pending tasks and returns them so the caller can
// notify their connections.
func (q *MainQueue) Clear() []*v1.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped []*v1.Task
	for {
		select {
		case task := <-q.ch:
			dropped = append(dropped, task)
		default:
			return dropped
		}
	}
}

// Close stops the queue. Pending tasks remain dequeueable; the drain loop
// exits once they are consumed.
func (q *MainQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Len returns the number of pending tasks.
func (q *MainQueue) Len() int {
	return len(q.ch)
}
