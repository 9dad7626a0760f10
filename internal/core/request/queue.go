package request

import (
	"sync"
)

// CommandQueue is the single-consumer execution point of a node. Application
// goroutines push closures; the node's receiver goroutine drains them in
// FIFO order between packet dispatches, so every mutation of node-owned
// state runs on one goroutine.
type CommandQueue struct {
	ch     chan func()
	mu     sync.Mutex
	closed bool
}

const defaultQueueCapacity = 256

func NewCommandQueue(capacity int) *CommandQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &CommandQueue{ch: make(chan func(), capacity)}
}

// Push enqueues fn for execution on the consumer goroutine. It blocks while
// the queue is full.
func (q *CommandQueue) Push(fn func()) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.mu.Unlock()

	q.ch <- fn
	return nil
}

// Commands exposes the queue for select-based consumers.
func (q *CommandQueue) Commands() <-chan func() {
	return q.ch
}

// Drain runs all currently queued commands without blocking for more.
func (q *CommandQueue) Drain() {
	for {
		select {
		case fn := <-q.ch:
			fn()
		default:
			return
		}
	}
}

// Close rejects further pushes. Queued commands stay consumable.
func (q *CommandQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
