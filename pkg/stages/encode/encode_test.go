package encode

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/user/avflow/pkg/adapters/logger"
	"github.com/user/avflow/pkg/bufferpool"
	"github.com/user/avflow/pkg/mocks"
	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

var testDesc = pipeline.StreamDescriptor{
	Index:       1,
	Type:        pipeline.MediaVideo,
	Codec:       "mock",
	TimeBase:    pipeline.Rational{Num: 1, Den: 10},
	Width:       2,
	Height:      2,
	PixelFormat: pipeline.PixGray,
}

func frame(t *testing.T, pool *bufferpool.Pool, pts int64, size int) *pipeline.Frame {
	t.Helper()
	buf, err := pool.Acquire(context.Background(), size, "gray")
	if err != nil {
		t.Fatal(err)
	}
	return &pipeline.Frame{PTS: pts, DTS: pts, Format: pipeline.PixGray, Width: 2, Height: 2, Buf: buf}
}

func TestEncoder_LookaheadAndFlush(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	ctx := context.Background()
	enc := &mocks.Encoder{Lookahead: 2}
	e := New(enc, testDesc, Options{}, logger.NewNoop())
	defer e.Close()

	var got []int64
	for pts := int64(0); pts < 4; pts++ {
		if err := e.Submit(ctx, frame(t, pool, pts, 4)); err != nil {
			t.Fatal(err)
		}
		for {
			pkt, err := e.Receive(ctx)
			if errors.Is(err, pipeline.ErrNeedMoreInput) {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, pkt.PTS)
			pkt.Release()
		}
	}
	if len(got) != 2 {
		t.Errorf("expected 2 packets before flush with lookahead 2, got %v", got)
	}

	if err := e.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	for {
		pkt, err := e.Receive(ctx)
		if errors.Is(err, pipeline.ErrEndOfStream) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, pkt.PTS)
		if pkt.StreamIndex != 1 || pkt.TimeBase != testDesc.TimeBase {
			t.Errorf("packet not stamped with stream identity: %+v", pkt)
		}
		pkt.Release()
	}

	if fmt.Sprint(got) != fmt.Sprint([]int64{0, 1, 2, 3}) {
		t.Errorf("unexpected packets %v", got)
	}
	if pool.Outstanding() != 0 {
		t.Errorf("expected 0 outstanding buffers, got %d", pool.Outstanding())
	}
}

func TestEncoder_InvalidState(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	ctx := context.Background()
	enc := &mocks.Encoder{}
	e := New(enc, testDesc, Options{}, logger.NewNoop())
	defer e.Close()

	if err := e.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.Flush(ctx); !errors.Is(err, pipeline.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on second flush, got %v", err)
	}
	if err := e.Submit(ctx, frame(t, pool, 0, 4)); !errors.Is(err, pipeline.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState after flush, got %v", err)
	}
	if enc.FlushCalls != 1 {
		t.Errorf("capability flushed %d times", enc.FlushCalls)
	}
	if pool.Outstanding() != 0 {
		t.Error("rejected frame was not released")
	}
}

func TestEncoder_UnitErrorThreshold(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	ctx := context.Background()
	enc := &mocks.Encoder{
		SendFrameFunc: func(ctx context.Context, f *pipeline.Frame) error {
			return fmt.Errorf("rejected: %w", pipeline.ErrEncode)
		},
	}
	e := New(enc, testDesc, Options{MaxUnitErrors: 1}, logger.NewNoop())
	defer e.Close()

	if err := e.Submit(ctx, frame(t, pool, 0, 4)); !pipeline.IsUnitError(err) {
		t.Fatalf("expected skippable error, got %v", err)
	}
	if err := e.Submit(ctx, frame(t, pool, 1, 4)); !errors.Is(err, pipeline.ErrFatalEncode) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if e.Skipped() != 2 {
		t.Errorf("expected 2 skipped, got %d", e.Skipped())
	}
}

func TestEncoder_CBRWindowViolation(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	ctx := context.Background()
	log := mocks.NewLogger()
	e := New(&mocks.Encoder{}, testDesc, Options{
		BitrateMode:   ports.BitrateCBR,
		TargetBitrate: 800, // 100 bytes per second
		MaxUnitErrors: 10,
	}, log)

	in := pipeline.NewQueue[*pipeline.Frame](32)
	// 10 frames per second at 50 bytes each: 4000 bits per window.
	for pts := int64(0); pts < 25; pts++ {
		in.Push(ctx, frame(t, pool, pts, 50))
	}
	in.Close()
	out := pipeline.NewQueue[*pipeline.Packet](32)

	if err := e.Run(ctx, in, out); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	n := 0
	out.Drain(func(p *pipeline.Packet) {
		n++
		p.Release()
	})
	if n != 25 {
		t.Errorf("expected all 25 packets delivered, got %d", n)
	}
	if e.Skipped() != 2 {
		t.Errorf("expected 2 over-budget windows, got %d", e.Skipped())
	}
	if len(log.Entries(ports.LevelWarn)) != 2 {
		t.Errorf("expected 2 warnings, got %d", len(log.Entries(ports.LevelWarn)))
	}
}

func TestEncoder_VBRUnconstrained(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	ctx := context.Background()
	e := New(&mocks.Encoder{}, testDesc, Options{BitrateMode: ports.BitrateVBR, TargetBitrate: 8}, logger.NewNoop())

	in := pipeline.NewQueue[*pipeline.Frame](32)
	for pts := int64(0); pts < 25; pts++ {
		in.Push(ctx, frame(t, pool, pts, 50))
	}
	in.Close()
	out := pipeline.NewQueue[*pipeline.Packet](32)
	if err := e.Run(ctx, in, out); err != nil {
		t.Fatal(err)
	}
	out.Drain(func(p *pipeline.Packet) { p.Release() })
	if e.Skipped() != 0 {
		t.Errorf("VBR should not report rate violations, got %d", e.Skipped())
	}
}
