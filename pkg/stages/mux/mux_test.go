package mux

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/user/avflow/pkg/adapters/logger"
	"github.com/user/avflow/pkg/bufferpool"
	"github.com/user/avflow/pkg/mocks"
	"github.com/user/avflow/pkg/pipeline"
)

var (
	videoDesc = pipeline.StreamDescriptor{Index: 0, Type: pipeline.MediaVideo, Codec: "h264", TimeBase: pipeline.Rational{Num: 1, Den: 30}}
	audioDesc = pipeline.StreamDescriptor{Index: 1, Type: pipeline.MediaAudio, Codec: "aac", TimeBase: pipeline.Rational{Num: 1, Den: 1000}}
)

func newPool() *bufferpool.Pool {
	return bufferpool.New(bufferpool.DefaultOptions())
}

func pkt(stream int, ts int64, tb pipeline.Rational) *pipeline.Packet {
	p := pipeline.NewPacket([]byte{byte(stream), byte(ts)})
	p.StreamIndex = stream
	p.PTS, p.DTS = ts, ts
	p.TimeBase = tb
	return p
}

func filled(t *testing.T, packets ...*pipeline.Packet) *pipeline.Queue[*pipeline.Packet] {
	t.Helper()
	q := pipeline.NewQueue[*pipeline.Packet](len(packets) + 1)
	for _, p := range packets {
		if err := q.Push(context.Background(), p); err != nil {
			t.Fatal(err)
		}
	}
	q.Close()
	return q
}

func TestMuxer_DeclarationRules(t *testing.T) {
	ctx := context.Background()
	w := &mocks.ContainerWriter{}
	m := New(w, logger.NewNoop())

	if err := m.WritePacket(ctx, pkt(0, 0, videoDesc.TimeBase)); !errors.Is(err, pipeline.ErrInvalidState) {
		t.Errorf("write before declare: err = %v", err)
	}
	if err := m.DeclareStream(videoDesc); err != nil {
		t.Fatalf("DeclareStream failed: %v", err)
	}
	if err := m.DeclareStream(videoDesc); !errors.Is(err, pipeline.ErrInvalidState) {
		t.Errorf("duplicate declare: err = %v", err)
	}
	if err := m.WritePacket(ctx, pkt(0, 0, videoDesc.TimeBase)); err != nil {
		t.Fatalf("WritePacket failed: %v", err)
	}
	if err := m.DeclareStream(audioDesc); !errors.Is(err, pipeline.ErrInvalidState) {
		t.Errorf("declare after write: err = %v", err)
	}
	if err := m.WritePacket(ctx, pkt(1, 0, audioDesc.TimeBase)); !errors.Is(err, pipeline.ErrInvalidState) {
		t.Errorf("undeclared stream: err = %v", err)
	}
	if err := m.WritePacket(ctx, pkt(0, -1, videoDesc.TimeBase)); !errors.Is(err, pipeline.ErrInvalidState) {
		t.Errorf("dts going backwards: err = %v", err)
	}

	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if !w.Closed {
		t.Error("writer not closed by Finalize")
	}
	if err := m.Finalize(); !errors.Is(err, pipeline.ErrInvalidState) {
		t.Errorf("second finalize: err = %v", err)
	}
	if err := m.WritePacket(ctx, pkt(0, 1, videoDesc.TimeBase)); !errors.Is(err, pipeline.ErrInvalidState) {
		t.Errorf("write after finalize: err = %v", err)
	}

	if n, _ := m.Written(0); n != 1 {
		t.Errorf("Written(0) = %d, want 1", n)
	}
	if len(w.Streams) != 1 || len(w.Written) != 1 {
		t.Errorf("writer saw %d streams and %d packets", len(w.Streams), len(w.Written))
	}
}

func TestMuxer_ReleasesPackets(t *testing.T) {
	ctx := context.Background()
	pool := newPool()
	m := New(&mocks.ContainerWriter{}, logger.NewNoop())
	m.DeclareStream(videoDesc)

	for _, ts := range []int64{0, 1} {
		p := pkt(0, ts, videoDesc.TimeBase)
		if err := p.Adopt(ctx, pool); err != nil {
			t.Fatal(err)
		}
		m.WritePacket(ctx, p)
	}
	p := pkt(5, 0, videoDesc.TimeBase)
	p.Adopt(ctx, pool)
	m.WritePacket(ctx, p)

	if n := pool.Outstanding(); n != 0 {
		t.Errorf("outstanding buffers = %d, want 0", n)
	}
}

type order struct {
	stream int
	ts     int64
}

func runInterleaver(t *testing.T, priority []pipeline.MediaType, video, audio []int64) []order {
	t.Helper()
	w := &mocks.ContainerWriter{}
	m := New(w, logger.NewNoop())
	m.DeclareStream(videoDesc)
	m.DeclareStream(audioDesc)

	var vp, ap []*pipeline.Packet
	for _, ts := range video {
		vp = append(vp, pkt(0, ts, videoDesc.TimeBase))
	}
	for _, ts := range audio {
		ap = append(ap, pkt(1, ts, audioDesc.TimeBase))
	}
	il := NewInterleaver(m, priority, logger.NewNoop())
	il.AddInput(videoDesc, filled(t, vp...))
	il.AddInput(audioDesc, filled(t, ap...))
	if err := il.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var got []order
	for _, p := range w.Written {
		got = append(got, order{p.Stream, p.PTS})
	}
	return got
}

func TestInterleaver_OrdersByTimestamp(t *testing.T) {
	got := runInterleaver(t, nil, []int64{0, 1, 2}, []int64{0, 20, 40, 60})
	want := []order{{0, 0}, {1, 0}, {1, 20}, {0, 1}, {1, 40}, {1, 60}, {0, 2}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestInterleaver_PriorityBreaksTies(t *testing.T) {
	got := runInterleaver(t, []pipeline.MediaType{pipeline.MediaAudio, pipeline.MediaVideo}, []int64{0}, []int64{0})
	if len(got) != 2 || got[0].stream != 1 {
		t.Errorf("audio should win the tie: %v", got)
	}
}

func TestInterleaver_PTSNonDecreasingPerStream(t *testing.T) {
	got := runInterleaver(t, nil, []int64{0, 1, 2, 3, 4, 5}, []int64{0, 10, 50, 90, 130})
	last := map[int]int64{0: -1, 1: -1}
	for _, o := range got {
		if o.ts < last[o.stream] {
			t.Errorf("stream %d pts %d after %d", o.stream, o.ts, last[o.stream])
		}
		last[o.stream] = o.ts
	}
	if len(got) != 11 {
		t.Errorf("wrote %d packets, want 11", len(got))
	}
}

func TestInterleaver_WaitsForEveryLiveInput(t *testing.T) {
	ctx := context.Background()
	w := &mocks.ContainerWriter{}
	m := New(w, logger.NewNoop())
	m.DeclareStream(videoDesc)
	m.DeclareStream(audioDesc)

	vq := pipeline.NewQueue[*pipeline.Packet](4)
	aq := pipeline.NewQueue[*pipeline.Packet](4)
	il := NewInterleaver(m, nil, logger.NewNoop())
	il.AddInput(videoDesc, vq)
	il.AddInput(audioDesc, aq)

	done := make(chan error, 1)
	go func() { done <- il.Run(ctx) }()

	// Video at 1s must wait for audio to show up.
	vq.Push(ctx, pkt(0, 30, videoDesc.TimeBase))
	vq.Close()
	time.Sleep(20 * time.Millisecond)
	if n := len(m.Declared()); n != 2 {
		t.Fatalf("declared = %d", n)
	}
	if n, _ := m.Written(0); n != 0 {
		t.Fatal("video written before audio input had a packet")
	}

	aq.Push(ctx, pkt(1, 500, audioDesc.TimeBase))
	aq.Close()
	if err := <-done; err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(w.Written) != 2 || w.Written[0].Stream != 1 {
		t.Errorf("unexpected order: %+v", w.Written)
	}
}

func TestInterleaver_CancelReleasesHeads(t *testing.T) {
	pool := newPool()
	ctx, cancel := context.WithCancel(context.Background())
	m := New(&mocks.ContainerWriter{}, logger.NewNoop())
	m.DeclareStream(videoDesc)
	m.DeclareStream(audioDesc)

	vq := pipeline.NewQueue[*pipeline.Packet](4)
	aq := pipeline.NewQueue[*pipeline.Packet](4)
	p := pkt(0, 0, videoDesc.TimeBase)
	p.Adopt(ctx, pool)
	vq.Push(ctx, p)

	il := NewInterleaver(m, nil, logger.NewNoop())
	il.AddInput(videoDesc, vq)
	il.AddInput(audioDesc, aq)

	done := make(chan error, 1)
	go func() { done <- il.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-done; !pipeline.IsCancellation(err) {
		t.Errorf("err = %v, want cancellation", err)
	}
	if n := pool.Outstanding(); n != 0 {
		t.Errorf("outstanding buffers = %d, want 0", n)
	}
}
