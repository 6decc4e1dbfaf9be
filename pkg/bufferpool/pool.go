// Package bufferpool provides reference-counted byte buffers recycled
// through power-of-two size classes.
//
// A Pool is safe for concurrent use. Buffers are checked out with Acquire and
// returned when their last reference is released.
package bufferpool

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrResourceExhausted is returned when the outstanding byte budget could not
// be satisfied within the acquire timeout.
var ErrResourceExhausted = errors.New("resource exhausted")

// ErrTooLarge is returned for a request the byte budget can never hold.
var ErrTooLarge = errors.New("request exceeds byte budget")

// minClassShift is the smallest size class (4 KiB).
const minClassShift = 12

// Logger receives pool warnings. ports.Logger satisfies it.
type Logger interface {
	Warn(msg string, args ...interface{})
}

// Options configures a Pool.
type Options struct {
	// MaxPooled is the number of blocks the pool may own. Requests beyond it
	// are served by direct allocations that are dropped on release.
	MaxPooled int

	// MaxOutstandingBytes bounds the bytes checked out at once (0 = unlimited).
	MaxOutstandingBytes int64

	// AcquireTimeout bounds how long Acquire waits for the byte budget.
	AcquireTimeout time.Duration

	Logger Logger
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxPooled:      256,
		AcquireTimeout: 2 * time.Second,
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Outstanding int   // buffers currently checked out
	Owned       int   // pooled blocks in existence
	Free        int   // pooled blocks waiting for reuse
	Allocations int64 // pooled blocks allocated
	Reuses      int64 // acquisitions served from the free lists
	Unpooled    int64 // direct allocations beyond MaxPooled
}

type block struct {
	data   []byte
	format string
}

// Pool recycles fixed-capacity blocks.
type Pool struct {
	opts Options
	sem  *semaphore.Weighted

	mu          sync.Mutex
	free        map[int][]*block
	owned       int
	outstanding int
	stats       Stats

	warnOnce sync.Once
}

// New creates a Pool.
func New(opts Options) *Pool {
	if opts.MaxPooled < 0 {
		opts.MaxPooled = 0
	}
	p := &Pool{
		opts: opts,
		free: make(map[int][]*block),
	}
	if opts.MaxOutstandingBytes > 0 {
		p.sem = semaphore.NewWeighted(opts.MaxOutstandingBytes)
	}
	return p
}

// classSize returns the capacity of the size class serving n bytes.
func classSize(n int) int {
	if n <= 1<<minClassShift {
		return 1 << minClassShift
	}
	return 1 << bits.Len(uint(n-1))
}

// Acquire checks out a buffer of exactly size bytes tagged with format.
// Recycled blocks that carried a different format are zeroed first.
func (p *Pool) Acquire(ctx context.Context, size int, format string) (*Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("bufferpool: negative size %d", size)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	class := classSize(size)
	weight := int64(class)
	if p.sem != nil {
		if weight > p.opts.MaxOutstandingBytes {
			return nil, fmt.Errorf("%w: %d bytes, budget %d", ErrTooLarge, weight, p.opts.MaxOutstandingBytes)
		}
		if err := p.acquireBudget(ctx, weight); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	var blk *block
	pooled := true
	if list := p.free[class]; len(list) > 0 {
		blk = list[len(list)-1]
		p.free[class] = list[:len(list)-1]
		p.stats.Reuses++
		if blk.format != format {
			clear(blk.data)
			blk.format = format
		}
	} else if p.owned < p.opts.MaxPooled {
		blk = &block{data: make([]byte, class), format: format}
		p.owned++
		p.stats.Allocations++
	} else {
		blk = &block{data: make([]byte, class), format: format}
		pooled = false
		p.stats.Unpooled++
	}
	p.outstanding++
	p.mu.Unlock()

	if !pooled {
		p.warnOnce.Do(func() {
			if p.opts.Logger != nil {
				p.opts.Logger.Warn("Buffer pool ceiling of %d blocks reached, allocating unpooled buffers", p.opts.MaxPooled)
			}
		})
	}

	b := &Buffer{pool: p, blk: blk, n: size, pooled: pooled, weight: weight}
	b.refs.Store(1)
	return b, nil
}

func (p *Pool) acquireBudget(ctx context.Context, weight int64) error {
	wctx := ctx
	if p.opts.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, p.opts.AcquireTimeout)
		defer cancel()
	}
	if err := p.sem.Acquire(wctx, weight); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: waited %s for %d bytes", ErrResourceExhausted, p.opts.AcquireTimeout, weight)
	}
	return nil
}

// Copy acquires a buffer and fills it with src.
func (p *Pool) Copy(ctx context.Context, src []byte, format string) (*Buffer, error) {
	b, err := p.Acquire(ctx, len(src), format)
	if err != nil {
		return nil, err
	}
	copy(b.Bytes(), src)
	return b, nil
}

func (p *Pool) put(b *Buffer) {
	p.mu.Lock()
	p.outstanding--
	if b.pooled {
		class := len(b.blk.data)
		p.free[class] = append(p.free[class], b.blk)
	}
	p.mu.Unlock()
	if p.sem != nil {
		p.sem.Release(b.weight)
	}
}

// Outstanding returns the number of buffers currently checked out.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Outstanding = p.outstanding
	s.Owned = p.owned
	for _, list := range p.free {
		s.Free += len(list)
	}
	return s
}

// Buffer is a checked-out block. It is returned to its pool when the last
// reference is released.
type Buffer struct {
	pool   *Pool
	blk    *block
	n      int
	pooled bool
	weight int64
	refs   atomic.Int32
}

// Bytes returns the requested length of the block.
func (b *Buffer) Bytes() []byte {
	return b.blk.data[:b.n]
}

// Len returns the requested length.
func (b *Buffer) Len() int {
	return b.n
}

// Cap returns the size class of the underlying block.
func (b *Buffer) Cap() int {
	return len(b.blk.data)
}

// Format returns the format tag the buffer was acquired with.
func (b *Buffer) Format() string {
	return b.blk.format
}

// Pooled reports whether the block returns to the pool on release.
func (b *Buffer) Pooled() bool {
	return b.pooled
}

// Retain adds a reference and returns b.
func (b *Buffer) Retain() *Buffer {
	if b.refs.Add(1) <= 1 {
		panic("bufferpool: retain of released buffer")
	}
	return b
}

// Shared reports whether more than one reference is held.
func (b *Buffer) Shared() bool {
	return b.refs.Load() > 1
}

// Release drops one reference.
func (b *Buffer) Release() {
	n := b.refs.Add(-1)
	switch {
	case n < 0:
		panic("bufferpool: buffer released more times than acquired")
	case n == 0:
		b.pool.put(b)
	}
}
