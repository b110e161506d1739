// Package queue provides the blocking FIFO queues that connect the scheduler,
// the manual fetch path and the ingestor.
package queue

import (
	"context"
	"errors"
)

// ErrFull is returned by TryPut when the queue has no free capacity.
var ErrFull = errors.New("queue is full")

// Queue is a bounded FIFO safe for any number of producers and consumers.
type Queue[T any] struct {
	name  string
	items chan T
}

// New creates a queue holding up to size items.
func New[T any](name string, size int) *Queue[T] {
	if size <= 0 {
		size = 1
	}
	return &Queue[T]{name: name, items: make(chan T, size)}
}

// Name returns the queue name used in logs.
func (q *Queue[T]) Name() string {
	return q.name
}

// Put blocks until the item is queued or ctx is done.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPut queues the item only if there is room.
func (q *Queue[T]) TryPut(item T) error {
	select {
	case q.items <- item:
		return nil
	default:
		return ErrFull
	}
}

// Get blocks until an item is available or ctx is done.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	select {
	case item := <-q.items:
		return item, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.items)
}
