// Package queue is the bounded hand-off between the watch loop and workers.
package queue

import (
	"errors"
	"sync"
)

var (
	// ErrFull is returned when the buffer has no room. Offer never blocks.
	ErrFull = errors.New("queue full")
	// ErrDuplicate is returned when the key is already queued or in flight.
	ErrDuplicate = errors.New("already queued or in flight")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue closed")
)

// Queue is a bounded FIFO that admits each key at most once until the
// consumer calls Release for it.
type Queue[T any] struct {
	mu       sync.Mutex
	items    chan T
	inflight map[string]struct{}
	key      func(T) string
	closed   bool
}

// New creates a queue holding up to size items. key identifies an item for
// deduplication.
func New[T any](size int, key func(T) string) *Queue[T] {
	if size < 1 {
		size = 1
	}
	return &Queue[T]{
		items:    make(chan T, size),
		inflight: make(map[string]struct{}),
		key:      key,
	}
}

// Offer enqueues item without blocking.
func (q *Queue[T]) Offer(item T) error {
	k := q.key(item)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if _, ok := q.inflight[k]; ok {
		return ErrDuplicate
	}

	select {
	case q.items <- item:
		q.inflight[k] = struct{}{}
		return nil
	default:
		return ErrFull
	}
}

// Items is drained by workers. It is closed by Close once emptied.
func (q *Queue[T]) Items() <-chan T {
	return q.items
}

// Release makes key offerable again. Call it once the item is terminal.
func (q *Queue[T]) Release(key string) {
	q.mu.Lock()
	delete(q.inflight, key)
	q.mu.Unlock()
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// InFlight returns the number of keys queued or being processed.
func (q *Queue[T]) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Close stops accepting items. Buffered items remain readable from Items.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.items)
}
