// Package queue implements a small single-consumer FIFO used to hand
// frames from a session's mux goroutine to the link goroutine that owns
// them, plus a Holder that signals a consumer via a channel instead of a
// condition variable (so it composes with select statements elsewhere in
// the engine).
package queue

// Queue is a plain FIFO of T. It is not safe for concurrent use; callers
// serialize access through a Holder.
type Queue[T any] struct {
	items []T
}

// New returns an empty Queue with capacity reserved for the given number
// of elements.
func New[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{items: make([]T, 0, capacity)}
}

// Enqueue appends v to the tail of the queue.
func (q *Queue[T]) Enqueue(v T) {
	q.items = append(q.items, v)
}

// Dequeue removes and returns the item at the head of the queue. It
// returns nil if the queue is empty.
func (q *Queue[T]) Dequeue() *T {
	if len(q.items) == 0 {
		return nil
	}
	v := q.items[0]
	q.items = q.items[1:]
	return &v
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Holder owns a Queue and hands it out to exactly one waiter at a time via
// a channel, so a consumer can `select` on Wait() alongside other channels
// (context cancellation, shutdown signals) without a dedicated goroutine
// per queue.
type Holder[T any] struct {
	q       *Queue[T]
	avail   chan *Queue[T]
	waiting bool
}

// NewHolder wraps q in a Holder.
func NewHolder[T any](q *Queue[T]) *Holder[T] {
	return &Holder[T]{
		q:     q,
		avail: make(chan *Queue[T], 1),
	}
}

// Enqueue adds v to the underlying queue and, if a waiter isn't already
// holding it, signals availability.
func (h *Holder[T]) Enqueue(v T) {
	h.q.Enqueue(v)
	select {
	case h.avail <- h.q:
	default:
		// a signal is already pending, or a waiter currently holds the queue
	}
}

// Wait returns a channel that yields the held Queue once it has at least
// one item. The caller must call Release once done dequeuing so the
// Holder can re-signal if more items remain.
func (h *Holder[T]) Wait() <-chan *Queue[T] {
	if h.q.Len() > 0 {
		select {
		case h.avail <- h.q:
		default:
		}
	}
	return h.avail
}

// Release returns the queue to the Holder, re-signaling immediately if
// items remain so the next Wait() call doesn't block needlessly.
func (h *Holder[T]) Release(q *Queue[T]) {
	if q.Len() > 0 {
		select {
		case h.avail <- q:
		default:
		}
	}
}
