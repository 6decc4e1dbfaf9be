package decode

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/user/avflow/pkg/adapters/logger"
	"github.com/user/avflow/pkg/bufferpool"
	"github.com/user/avflow/pkg/mocks"
	"github.com/user/avflow/pkg/pipeline"
)

var testDesc = pipeline.StreamDescriptor{
	Index:       0,
	Type:        pipeline.MediaVideo,
	Codec:       "mock",
	TimeBase:    pipeline.Rational{Num: 1, Den: 30},
	Width:       2,
	Height:      2,
	PixelFormat: pipeline.PixGray,
}

func packet(pts int64) *pipeline.Packet {
	p := pipeline.NewPacket([]byte{byte(pts), 0, 0, 0})
	p.PTS = pts
	p.DTS = pts
	return p
}

func collect(t *testing.T, d *Decoder, ctx context.Context) []int64 {
	t.Helper()
	var out []int64
	for {
		f, err := d.Receive(ctx)
		if errors.Is(err, pipeline.ErrNeedMoreInput) || errors.Is(err, pipeline.ErrEndOfStream) {
			return out
		}
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		out = append(out, f.PTS)
		f.Release()
	}
}

func TestDecoder_ReordersToPresentationOrder(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	ctx := context.Background()
	dec := &mocks.Decoder{Format: pipeline.PixGray, Width: 2, Height: 2, Depth: 1}
	d := New(dec, testDesc, pool, Options{MaxUnitErrors: 4}, logger.NewNoop())

	var got []int64
	for _, pts := range []int64{0, 2, 1, 3} {
		if err := d.Submit(ctx, packet(pts)); err != nil {
			t.Fatalf("Submit(%d) failed: %v", pts, err)
		}
		got = append(got, collect(t, d, ctx)...)
	}
	if err := d.Submit(ctx, nil); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	got = append(got, collect(t, d, ctx)...)

	want := []int64{0, 1, 2, 3}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if d.State() != StateFlushed {
		t.Errorf("expected flushed state, got %s", d.State())
	}
	d.Close()
	if pool.Outstanding() != 0 {
		t.Errorf("expected 0 outstanding buffers, got %d", pool.Outstanding())
	}
}

func TestDecoder_DropsLateFrames(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	ctx := context.Background()
	dec := &mocks.Decoder{Format: pipeline.PixGray}
	d := New(dec, testDesc, pool, Options{}, logger.NewNoop())

	var got []int64
	for _, pts := range []int64{0, 2, 1, 3} {
		d.Submit(ctx, packet(pts))
		got = append(got, collect(t, d, ctx)...)
	}
	d.Submit(ctx, nil)
	got = append(got, collect(t, d, ctx)...)

	want := []int64{0, 2, 3}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if d.Skipped() != 1 {
		t.Errorf("expected 1 skipped frame, got %d", d.Skipped())
	}
	d.Close()
	if pool.Outstanding() != 0 {
		t.Errorf("expected 0 outstanding buffers, got %d", pool.Outstanding())
	}
}

func TestDecoder_UnitErrorThreshold(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	ctx := context.Background()
	dec := &mocks.Decoder{
		Format: pipeline.PixGray,
		SendPacketFunc: func(ctx context.Context, pkt *pipeline.Packet) error {
			if pkt.PTS >= 1 {
				return fmt.Errorf("corrupt slice: %w", pipeline.ErrDecode)
			}
			return nil
		},
	}
	d := New(dec, testDesc, pool, Options{MaxUnitErrors: 2}, logger.NewNoop())
	defer d.Close()

	if err := d.Submit(ctx, packet(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for pts := int64(1); pts <= 2; pts++ {
		err := d.Submit(ctx, packet(pts))
		if !pipeline.IsUnitError(err) {
			t.Fatalf("packet %d: expected skippable error, got %v", pts, err)
		}
	}
	err := d.Submit(ctx, packet(3))
	if !errors.Is(err, pipeline.ErrFatalDecode) {
		t.Fatalf("expected fatal decode error after threshold, got %v", err)
	}
	if pipeline.IsUnitError(err) {
		t.Error("escalated error must not be classified as skippable")
	}
}

func TestDecoder_InvalidStateAfterFlush(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	ctx := context.Background()
	d := New(&mocks.Decoder{}, testDesc, pool, Options{}, logger.NewNoop())
	defer d.Close()

	if err := d.Submit(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if err := d.Submit(ctx, packet(0)); !errors.Is(err, pipeline.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if err := d.Submit(ctx, nil); !errors.Is(err, pipeline.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on second flush, got %v", err)
	}
	if pool.Outstanding() != 0 {
		t.Errorf("rejected packet was not released")
	}
}

func TestDecoder_Run(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	ctx := context.Background()
	dec := &mocks.Decoder{Format: pipeline.PixGray, Depth: 2}
	d := New(dec, testDesc, pool, Options{}, logger.NewNoop())

	in := pipeline.NewQueue[*pipeline.Packet](2)
	out := pipeline.NewQueue[*pipeline.Frame](2)

	go func() {
		for _, pts := range []int64{0, 3, 1, 2, 4} {
			in.Push(ctx, packet(pts))
		}
		in.Close()
	}()

	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx, in, out) }()

	var got []int64
	out.Drain(func(f *pipeline.Frame) {
		got = append(got, f.PTS)
		f.Release()
	})
	if err := <-errc; err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if fmt.Sprint(got) != fmt.Sprint([]int64{0, 1, 2, 3, 4}) {
		t.Errorf("unexpected order %v", got)
	}
	if !dec.Closed || !dec.FlushCalled {
		t.Error("expected capability flushed and closed")
	}
	if pool.Outstanding() != 0 {
		t.Errorf("expected 0 outstanding buffers, got %d", pool.Outstanding())
	}
}

func TestDecoder_RunFatalForwardsDecodedFrames(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	ctx := context.Background()
	dec := &mocks.Decoder{
		Format: pipeline.PixGray,
		SendPacketFunc: func(ctx context.Context, pkt *pipeline.Packet) error {
			if pkt.PTS == 5 {
				return fmt.Errorf("%w: bitstream desync", pipeline.ErrFatalDecode)
			}
			return nil
		},
	}
	d := New(dec, testDesc, pool, Options{}, logger.NewNoop())

	in := pipeline.NewQueue[*pipeline.Packet](16)
	for pts := int64(0); pts < 8; pts++ {
		in.Push(ctx, packet(pts))
	}
	in.Close()
	out := pipeline.NewQueue[*pipeline.Frame](16)

	err := d.Run(ctx, in, out)
	if !errors.Is(err, pipeline.ErrFatalDecode) {
		t.Fatalf("expected fatal decode error, got %v", err)
	}

	var got []int64
	out.Drain(func(f *pipeline.Frame) {
		got = append(got, f.PTS)
		f.Release()
	})
	in.Drain(func(p *pipeline.Packet) { p.Release() })

	if fmt.Sprint(got) != fmt.Sprint([]int64{0, 1, 2, 3, 4}) {
		t.Errorf("expected frames before the failure, got %v", got)
	}
	if pool.Outstanding() != 0 {
		t.Errorf("expected 0 outstanding buffers, got %d", pool.Outstanding())
	}
}

// An exhausted byte budget stalls Receive until a buffer comes back; the
// frame is not lost or counted as skipped.
func TestDecoder_WaitsOutExhaustedBudget(t *testing.T) {
	pool := bufferpool.New(bufferpool.Options{MaxPooled: 8, MaxOutstandingBytes: 4096, AcquireTimeout: time.Millisecond})
	ctx := context.Background()
	held, err := pool.Acquire(ctx, 16, "hold")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		held.Release()
	}()

	dec := &mocks.Decoder{Format: pipeline.PixGray, Width: 2, Height: 2}
	d := New(dec, testDesc, pool, Options{MaxUnitErrors: 4}, logger.NewNoop())
	if err := d.Submit(ctx, packet(0)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	got := collect(t, d, ctx)

	if fmt.Sprint(got) != "[0]" {
		t.Errorf("expected [0], got %v", got)
	}
	if d.Skipped() != 0 {
		t.Errorf("expected nothing skipped, got %d", d.Skipped())
	}
	d.Close()
	if pool.Outstanding() != 0 {
		t.Errorf("expected 0 outstanding buffers, got %d", pool.Outstanding())
	}
}

// Frames without a timestamp pass through the final drain and do not reset
// the late-frame watermark.
func TestDecoder_EmitHeldKeepsUntimedFrames(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	ctx := context.Background()
	d := New(&mocks.Decoder{Format: pipeline.PixGray, Width: 2, Height: 2}, testDesc, pool, Options{}, logger.NewNoop())
	d.lastPTS = 5
	for _, pts := range []int64{pipeline.NoPTS, 6, 3} {
		f, err := pipeline.NewVideoFrame(ctx, pool, pipeline.PixGray, 2, 2)
		if err != nil {
			t.Fatalf("NewVideoFrame failed: %v", err)
		}
		f.PTS, f.DTS = pts, pts
		heap.Push(&d.held, f)
	}

	out := pipeline.NewQueue[*pipeline.Frame](4)
	d.emitHeld(ctx, out)
	out.Close()

	var got []int64
	for {
		f, ok, err := out.Pop(ctx)
		if err != nil || !ok {
			break
		}
		got = append(got, f.PTS)
		f.Release()
	}
	want := []int64{pipeline.NoPTS, 6}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if d.Skipped() != 1 {
		t.Errorf("expected 1 late frame skipped, got %d", d.Skipped())
	}
	d.Close()
	if pool.Outstanding() != 0 {
		t.Errorf("expected 0 outstanding buffers, got %d", pool.Outstanding())
	}
}
