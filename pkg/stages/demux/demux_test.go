package demux

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/user/avflow/pkg/adapters/logger"
	"github.com/user/avflow/pkg/bufferpool"
	"github.com/user/avflow/pkg/mocks"
	"github.com/user/avflow/pkg/pipeline"
)

var descs = []pipeline.StreamDescriptor{
	{Index: 0, Type: pipeline.MediaVideo, Codec: "h264", TimeBase: pipeline.Rational{Num: 1, Den: 90000}},
	{Index: 1, Type: pipeline.MediaAudio, Codec: "aac", TimeBase: pipeline.Rational{Num: 1, Den: 48000}},
}

func TestProbe(t *testing.T) {
	f := &mocks.ContainerFactory{Descs: descs}
	got, err := Probe(context.Background(), f, "in.mp4")
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if len(got) != 2 || got[1].Codec != "aac" {
		t.Errorf("unexpected streams: %v", got)
	}
	if !f.AllReadersClosed() {
		t.Error("Probe left the reader open")
	}

	if _, err := Probe(context.Background(), f, ""); !errors.Is(err, pipeline.ErrUnsupportedFormat) {
		t.Errorf("empty input: err = %v", err)
	}
}

func TestDemuxer_RunAdoptsPackets(t *testing.T) {
	ctx := context.Background()
	pool := bufferpool.New(bufferpool.DefaultOptions())
	r := &mocks.ContainerReader{
		Descs: descs,
		Packets: []mocks.PacketSpec{
			{Stream: 0, PTS: 0, DTS: 0, KeyFrame: true, Data: []byte{1}},
			{Stream: 1, PTS: 0, DTS: 0, Data: []byte{2}},
			{Stream: 0, PTS: 3000, DTS: 3000, Data: []byte{3}},
		},
	}
	d := New(r, pool, logger.NewNoop())
	out := pipeline.NewQueue[*pipeline.Packet](8)
	if err := d.Run(ctx, out); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !r.Closed {
		t.Error("reader not closed")
	}

	var got []*pipeline.Packet
	out.Drain(func(p *pipeline.Packet) { got = append(got, p) })
	if len(got) != 3 {
		t.Fatalf("got %d packets, want 3", len(got))
	}
	for i, p := range got {
		if !p.Pooled() {
			t.Errorf("packet %d not adopted into the pool", i)
		}
		if p.Data()[0] != byte(i+1) {
			t.Errorf("packet %d data = %v", i, p.Data())
		}
	}
	if got[1].TimeBase != descs[1].TimeBase {
		t.Errorf("time base = %v", got[1].TimeBase)
	}
	if n := pool.Outstanding(); n != 3 {
		t.Errorf("outstanding = %d, want 3", n)
	}
	for _, p := range got {
		p.Release()
	}
	if n := pool.Outstanding(); n != 0 {
		t.Errorf("outstanding after release = %d, want 0", n)
	}
	if _, err := d.ReadPacket(ctx); !errors.Is(err, pipeline.ErrEndOfStream) {
		t.Errorf("ReadPacket after end: err = %v", err)
	}
}

func TestDemuxer_Errors(t *testing.T) {
	tests := []struct {
		name string
		spec mocks.PacketSpec
		want error
	}{
		{"unknown stream", mocks.PacketSpec{Stream: 7}, pipeline.ErrContainerCorrupt},
		{"unclassified failure", mocks.PacketSpec{Err: errors.New("truncated box")}, pipeline.ErrContainerCorrupt},
		{"unsupported", mocks.PacketSpec{Err: pipeline.ErrUnsupportedFormat}, pipeline.ErrUnsupportedFormat},
		{"cancelled", mocks.PacketSpec{Err: context.Canceled}, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := bufferpool.New(bufferpool.DefaultOptions())
			r := &mocks.ContainerReader{Descs: descs, Packets: []mocks.PacketSpec{tt.spec}}
			d := New(r, pool, logger.NewNoop())
			out := pipeline.NewQueue[*pipeline.Packet](1)
			err := d.Run(context.Background(), out)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if !r.Closed {
				t.Error("reader not closed")
			}
			if _, ok, _ := out.Pop(context.Background()); ok {
				t.Error("output should be closed and empty")
			}
			if n := pool.Outstanding(); n != 0 {
				t.Errorf("outstanding = %d, want 0", n)
			}
		})
	}
}

func TestDemuxer_Backpressure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := bufferpool.New(bufferpool.DefaultOptions())
	r := &mocks.ContainerReader{
		Descs: descs,
		ReadPacketFunc: func(ctx context.Context) (*pipeline.Packet, error) {
			p := pipeline.NewPacket([]byte{0})
			return p, nil
		},
	}
	d := New(r, pool, logger.NewNoop())
	out := pipeline.NewQueue[*pipeline.Packet](2)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, out) }()

	// The demuxer blocks once the queue is full.
	for out.Len() < 2 {
		select {
		case err := <-done:
			t.Fatalf("Run returned early: %v", err)
		default:
			time.Sleep(time.Millisecond)
		}
	}
	cancel()
	if err := <-done; !pipeline.IsCancellation(err) {
		t.Errorf("err = %v, want cancellation", err)
	}
	out.Drain(func(p *pipeline.Packet) { p.Release() })
	if n := pool.Outstanding(); n != 0 {
		t.Errorf("outstanding = %d, want 0", n)
	}
	if d.Packets() > 3 {
		t.Errorf("read %d packets past a queue of 2", d.Packets())
	}
}

func TestClassify(t *testing.T) {
	if err := classify(io.ErrUnexpectedEOF); !errors.Is(err, pipeline.ErrContainerCorrupt) {
		t.Errorf("classify(io.ErrUnexpectedEOF) = %v", err)
	}
	if err := classify(context.DeadlineExceeded); !pipeline.IsCancellation(err) {
		t.Errorf("classify(deadline) = %v", err)
	}
}
