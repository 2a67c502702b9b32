// Package queue defines the contract for enqueuing and consuming work items.
//
// Both the per-user reconciliation mailboxes and the fan-out worker queues
// are bounded in-memory channels with non-blocking enqueue.
package queue

import (
	"context"
	"sync"
)

// Default queue configuration constants.
const (
	defaultQueueCapacity = 1024
)

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue[T any] interface {
	// Enqueue adds an item to the queue.
	// Returns false if the queue is full, closed, or ctx is done.
	Enqueue(ctx context.Context, item T) bool

	// Dequeue returns the channel items are delivered on.
	// The channel is closed when the queue is closed and drained.
	Dequeue() <-chan T

	// Len returns the current number of queued items.
	Len() int

	// Close gracefully shuts down the queue.
	// After closing, no new items can be enqueued.
	Close() error

	// IsClosed returns true if the queue has been closed.
	IsClosed() bool
}

// InMemoryQueue implements Queue using a buffered channel.
type InMemoryQueue[T any] struct {
	items    chan T
	capacity int
	name     string

	mu       sync.RWMutex
	closed   bool
	closing  chan struct{}
	stopOnce sync.Once
}

// NewInMemoryQueue creates a new in-memory queue with configuration options.
func NewInMemoryQueue[T any](opts ...Option) *InMemoryQueue[T] {
	cfg := options{capacity: defaultQueueCapacity, name: "queue"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &InMemoryQueue[T]{
		items:    make(chan T, cfg.capacity),
		capacity: cfg.capacity,
		name:     cfg.name,
		closing:  make(chan struct{}),
	}
}

// Enqueue adds an item to the queue without blocking.
func (q *InMemoryQueue[T]) Enqueue(ctx context.Context, item T) bool { //nolint:gocritic // hugeParam: items are passed by value for channel semantics
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		recordRejection(q.name, "closed")
		return false
	}
	if ctx != nil && ctx.Err() != nil {
		recordRejection(q.name, "context_cancelled")
		return false
	}

	select {
	case q.items <- item:
		return true
	default:
		recordRejection(q.name, "queue_full")
		return false
	}
}

// EnqueueWait adds an item, waiting for room until ctx is done or the queue
// is closed. It reports whether the item was queued.
func (q *InMemoryQueue[T]) EnqueueWait(ctx context.Context, item T) bool { //nolint:gocritic // hugeParam: items are passed by value for channel semantics
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		recordRejection(q.name, "closed")
		return false
	}

	select {
	case q.items <- item:
		return true
	case <-q.closing:
		recordRejection(q.name, "closed")
		return false
	case <-ctx.Done():
		recordRejection(q.name, "context_cancelled")
		return false
	}
}

// Dequeue returns the receive side of the queue.
func (q *InMemoryQueue[T]) Dequeue() <-chan T {
	return q.items
}

// Len returns the current number of queued items.
func (q *InMemoryQueue[T]) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *InMemoryQueue[T]) Cap() int {
	return q.capacity
}

// Close gracefully shuts down the queue. Buffered items stay readable.
func (q *InMemoryQueue[T]) Close() error {
	// Release blocked EnqueueWait callers before taking the write lock.
	q.stopOnce.Do(func() { close(q.closing) })

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	close(q.items)
	q.closed = true
	return nil
}

// IsClosed returns true if the queue has been closed.
func (q *InMemoryQueue[T]) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
