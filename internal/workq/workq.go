// Package workq is a bounded in-memory queue whose consumers can tell "empty
// for now" apart from "empty and no more input will arrive".
package workq

import (
	"context"
	"time"
)

// Queue is a bounded FIFO. Close marks input complete; buffered items remain
// readable afterwards.
type Queue[T any] struct {
	items chan T
}

// New returns a queue holding at most capacity items. A capacity below one
// is raised to one.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{items: make(chan T, capacity)}
}

// Put blocks while the queue is full. It fails if ctx ends first. Put after
// Close panics.
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	select {
	case q.items <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close sets the input-complete flag. Only the producer may call it, once.
func (q *Queue[T]) Close() { close(q.items) }

// Get waits up to timeout for an item. ok reports an item was returned. done
// reports that the queue is empty and closed, so no item will ever arrive; an
// empty open queue yields ok=false, done=false and the caller should retry.
func (q *Queue[T]) Get(timeout time.Duration) (v T, ok, done bool) {
	if timeout <= 0 {
		select {
		case v, open := <-q.items:
			return v, open, !open
		default:
			return v, false, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v, open := <-q.items:
		return v, open, !open
	case <-timer.C:
		return v, false, false
	}
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int { return len(q.items) }

// Drain discards buffered items without blocking and returns how many were
// dropped.
func (q *Queue[T]) Drain() int {
	n := 0
	for {
		select {
		case _, open := <-q.items:
			if !open {
				return n
			}
			n++
		default:
			return n
		}
	}
}
