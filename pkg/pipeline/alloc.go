package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/user/avflow/pkg/bufferpool"
)

// Backoff bounds while waiting on the pool's byte budget.
const (
	minAcquireBackoff = time.Millisecond
	maxAcquireBackoff = 50 * time.Millisecond
)

// Acquire checks out a buffer from alloc. ErrResourceExhausted is retried
// with backoff until the budget frees up or ctx ends; it is never returned.
func Acquire(ctx context.Context, alloc Allocator, size int, format string) (*bufferpool.Buffer, error) {
	backoff := minAcquireBackoff
	for {
		buf, err := alloc.Acquire(ctx, size, format)
		if err == nil {
			return buf, nil
		}
		if ctx.Err() != nil {
			return nil, Cancelled(ctx.Err())
		}
		if !errors.Is(err, ErrResourceExhausted) {
			return nil, err
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, Cancelled(ctx.Err())
		case <-t.C:
		}
		backoff = min(2*backoff, maxAcquireBackoff)
	}
}

// Retrying wraps alloc so that every checkout goes through Acquire. It is
// handed to capabilities that allocate frames themselves.
func Retrying(alloc Allocator) Allocator {
	if r, ok := alloc.(retrying); ok {
		return r
	}
	return retrying{alloc}
}

type retrying struct {
	Allocator
}

func (r retrying) Acquire(ctx context.Context, size int, format string) (*bufferpool.Buffer, error) {
	return Acquire(ctx, r.Allocator, size, format)
}
