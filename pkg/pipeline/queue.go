package pipeline

import (
	"context"
	"sync"
)

// Queue is a bounded FIFO connecting two stages. Push blocks while the queue
// is full; Pop blocks while it is empty. Only the producer closes a queue.
type Queue[T any] struct {
	ch        chan T
	closeOnce sync.Once
}

// NewQueue creates a queue holding at most depth items.
func NewQueue[T any](depth int) *Queue[T] {
	if depth < 1 {
		depth = 1
	}
	return &Queue[T]{ch: make(chan T, depth)}
}

// Push enqueues v. On error the caller still owns v.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	if err := ctx.Err(); err != nil {
		return Cancelled(err)
	}
	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return Cancelled(ctx.Err())
	}
}

// Pop dequeues the next item. ok is false once the queue is closed and empty.
func (q *Queue[T]) Pop(ctx context.Context) (v T, ok bool, err error) {
	select {
	case v, ok = <-q.ch:
		return v, ok, nil
	case <-ctx.Done():
		var zero T
		return zero, false, Cancelled(ctx.Err())
	}
}

// Close marks the end of input. It is safe to call more than once.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
}

// Drain consumes items until the producer closes the queue, passing each
// to release.
func (q *Queue[T]) Drain(release func(T)) {
	for v := range q.ch {
		if release != nil {
			release(v)
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the queue depth.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}
