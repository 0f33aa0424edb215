// Package buffer provides a generic, thread-safe bounded FIFO queue with
// configurable overflow policies. It decouples bursty producers (network
// callbacks, ingest calls) from the single pipeline consumer without ever
// blocking the producer.
package buffer

import (
	"sync"

	"github.com/c360/energysense/errors"
)

// OverflowPolicy defines how the queue behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops the incoming item when the queue is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// Stats is a point-in-time copy of queue counters.
type Stats struct {
	Writes    uint64
	Reads     uint64
	Drops     uint64
	HighWater int
}

// Queue is a bounded FIFO ring. Writes never block; when full, the overflow
// policy decides which item is sacrificed.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	tail   int
	size   int
	closed bool

	policy OverflowPolicy
	onDrop func(T)

	writes    uint64
	reads     uint64
	drops     uint64
	highWater int
}

// Option configures a Queue.
type Option[T any] func(*Queue[T])

// WithPolicy sets the overflow policy. The default is DropOldest.
func WithPolicy[T any](p OverflowPolicy) Option[T] {
	return func(q *Queue[T]) { q.policy = p }
}

// WithDropCallback registers a callback invoked with each dropped item.
// The callback runs outside the queue lock.
func WithDropCallback[T any](fn func(T)) Option[T] {
	return func(q *Queue[T]) { q.onDrop = fn }
}

// NewQueue creates a bounded queue with the given capacity. A capacity
// below one is raised to one.
func NewQueue[T any](capacity int, opts ...Option[T]) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{
		items:  make([]T, capacity),
		policy: DropOldest,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Write adds an item. When the queue is full the overflow policy applies:
// DropOldest evicts the head to make room, DropNewest discards the incoming
// item. Both count as a drop. Writing to a closed queue returns
// ErrShuttingDown.
func (q *Queue[T]) Write(item T) error {
	var dropped T
	var didDrop bool

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Queue", "Write", "queue closed")
	}

	if q.size == len(q.items) {
		q.drops++
		if q.policy == DropNewest {
			q.mu.Unlock()
			if q.onDrop != nil {
				q.onDrop(item)
			}
			return nil
		}
		dropped = q.items[q.head]
		q.head = (q.head + 1) % len(q.items)
		q.size--
		didDrop = true
	}

	q.items[q.tail] = item
	q.tail = (q.tail + 1) % len(q.items)
	q.size++
	q.writes++
	if q.size > q.highWater {
		q.highWater = q.size
	}
	onDrop := q.onDrop
	q.mu.Unlock()

	if didDrop && onDrop != nil {
		onDrop(dropped)
	}
	return nil
}

// Read removes and returns the oldest item, or false when empty.
func (q *Queue[T]) Read() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.size == 0 {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	q.reads++
	return item, true
}

// ReadBatch removes and returns up to max items in FIFO order. A nil slice
// means the queue was empty.
func (q *Queue[T]) ReadBatch(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 || max <= 0 {
		return nil
	}
	n := max
	if n > q.size {
		n = q.size
	}

	var zero T
	batch := make([]T, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, q.items[q.head])
		q.items[q.head] = zero
		q.head = (q.head + 1) % len(q.items)
	}
	q.size -= n
	q.reads += uint64(n)
	return batch
}

// Len returns the current number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns a copy of the queue counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Writes:    q.writes,
		Reads:     q.reads,
		Drops:     q.drops,
		HighWater: q.highWater,
	}
}

// Close marks the queue closed. Queued items remain readable so consumers
// can drain during shutdown; further writes fail.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
