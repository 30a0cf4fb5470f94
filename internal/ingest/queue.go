// Package ingest holds the hand-off buffer between telemetry producers and
// the single processing worker.
package ingest

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Enqueue once the queue has been closed.
var ErrClosed = errors.New("ingest queue closed")

// Queue is an unbounded FIFO safe for any number of producers and a single
// consumer. Enqueue never blocks on the consumer.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{}, 1)}
}

// Enqueue appends v. It fails with ErrClosed after Close.
func (q *Queue[T]) Enqueue(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// DrainAll removes and returns everything currently queued, in arrival
// order. Items enqueued concurrently land in this batch or the next one.
func (q *Queue[T]) DrainAll() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready is signalled (coalesced) after each successful Enqueue.
func (q *Queue[T]) Ready() <-chan struct{} { return q.notify }

// Close refuses further Enqueue calls. Items already queued stay drainable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
