package rawcodec

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/user/avflow/pkg/bufferpool"
	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

var videoDesc = pipeline.StreamDescriptor{
	Index:       0,
	Type:        pipeline.MediaVideo,
	Codec:       CodecRawVideo,
	TimeBase:    pipeline.Rational{Num: 1, Den: 30},
	Width:       2,
	Height:      2,
	PixelFormat: pipeline.PixGray,
}

var audioDesc = pipeline.StreamDescriptor{
	Index:      1,
	Type:       pipeline.MediaAudio,
	Codec:      CodecPCMS16,
	TimeBase:   pipeline.Rational{Num: 1, Den: 48000},
	SampleRate: 48000,
	Channels:   2,
}

func packet(data []byte, pts int64) *pipeline.Packet {
	p := pipeline.NewPacket(data)
	p.PTS, p.DTS, p.Duration = pts, pts, 1
	return p
}

func TestDecoder_Video(t *testing.T) {
	ctx := context.Background()
	pool := bufferpool.New(bufferpool.DefaultOptions())
	dec, err := NewDecoder(videoDesc)
	if err != nil {
		t.Fatalf("NewDecoder failed: %v", err)
	}
	defer dec.Close()

	if _, err := dec.ReceiveFrame(ctx, pool); !errors.Is(err, ports.ErrAgain) {
		t.Errorf("receive before send: err = %v", err)
	}
	if err := dec.SendPacket(ctx, packet([]byte{1, 2, 3, 4}, 7)); err != nil {
		t.Fatalf("SendPacket failed: %v", err)
	}
	if err := dec.SendPacket(ctx, packet([]byte{1, 2, 3}, 8)); !errors.Is(err, pipeline.ErrDecode) {
		t.Errorf("short packet: err = %v", err)
	}
	dec.SendPacket(ctx, nil)

	f, err := dec.ReceiveFrame(ctx, pool)
	if err != nil {
		t.Fatalf("ReceiveFrame failed: %v", err)
	}
	if f.PTS != 7 || f.Width != 2 || f.Format != pipeline.PixGray || f.Data()[3] != 4 {
		t.Errorf("unexpected frame %+v data %v", f, f.Data())
	}
	f.Release()
	if _, err := dec.ReceiveFrame(ctx, pool); err != io.EOF {
		t.Errorf("after drain: err = %v, want io.EOF", err)
	}
	if n := pool.Outstanding(); n != 0 {
		t.Errorf("outstanding = %d", n)
	}
}

func TestDecoder_Audio(t *testing.T) {
	ctx := context.Background()
	pool := bufferpool.New(bufferpool.DefaultOptions())
	dec, err := NewDecoder(audioDesc)
	if err != nil {
		t.Fatalf("NewDecoder failed: %v", err)
	}

	if err := dec.SendPacket(ctx, packet(make([]byte, 6), 0)); !errors.Is(err, pipeline.ErrDecode) {
		t.Errorf("partial sample: err = %v", err)
	}
	if err := dec.SendPacket(ctx, packet(make([]byte, 16), 0)); err != nil {
		t.Fatalf("SendPacket failed: %v", err)
	}
	f, err := dec.ReceiveFrame(ctx, pool)
	if err != nil {
		t.Fatalf("ReceiveFrame failed: %v", err)
	}
	if f.NbSamples != 4 || f.Channels != 2 || f.Format != pipeline.SampleS16 {
		t.Errorf("unexpected frame %+v", f)
	}
	f.Release()

	dec.Close()
	if err := dec.SendPacket(ctx, packet(make([]byte, 4), 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close: err = %v", err)
	}
}

func TestDecoder_Rejects(t *testing.T) {
	tests := []struct {
		name string
		desc pipeline.StreamDescriptor
		want error
	}{
		{"compressed", pipeline.StreamDescriptor{Type: pipeline.MediaVideo, Codec: "h264"}, pipeline.ErrUnsupportedFormat},
		{"no pixel format", pipeline.StreamDescriptor{Type: pipeline.MediaVideo, Codec: CodecRawVideo, Width: 2, Height: 2}, pipeline.ErrUnsupportedFormat},
		{"no dimensions", pipeline.StreamDescriptor{Type: pipeline.MediaVideo, Codec: CodecRawVideo, PixelFormat: pipeline.PixRGBA}, pipeline.ErrConfiguration},
		{"no channels", pipeline.StreamDescriptor{Type: pipeline.MediaAudio, Codec: CodecPCMF32, SampleRate: 8000}, pipeline.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDecoder(tt.desc); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEncoder(t *testing.T) {
	ctx := context.Background()
	pool := bufferpool.New(bufferpool.DefaultOptions())
	in := videoDesc
	enc, out, err := NewEncoder(in, CodecRawVideo)
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}
	if out.Codec != CodecRawVideo || out.Width != 2 {
		t.Errorf("unexpected output descriptor %s", out)
	}

	f, _ := pipeline.NewVideoFrame(ctx, pool, pipeline.PixGray, 2, 2)
	f.PTS = 3
	copy(f.Data(), []byte{9, 8, 7, 6})
	if err := enc.SendFrame(ctx, f); err != nil {
		t.Fatalf("SendFrame failed: %v", err)
	}
	f.Release()

	wrong, _ := pipeline.NewVideoFrame(ctx, pool, pipeline.PixRGBA, 2, 2)
	if err := enc.SendFrame(ctx, wrong); !errors.Is(err, pipeline.ErrEncode) {
		t.Errorf("wrong format: err = %v", err)
	}
	wrong.Release()

	enc.SendFrame(ctx, nil)
	pkt, err := enc.ReceivePacket(ctx)
	if err != nil {
		t.Fatalf("ReceivePacket failed: %v", err)
	}
	if !pkt.KeyFrame || pkt.PTS != 3 || pkt.DTS != 3 || pkt.Data()[0] != 9 {
		t.Errorf("unexpected packet %+v", pkt)
	}
	if _, err := enc.ReceivePacket(ctx); err != io.EOF {
		t.Errorf("after flush: err = %v, want io.EOF", err)
	}
	if n := pool.Outstanding(); n != 0 {
		t.Errorf("outstanding = %d", n)
	}
}

func TestEncoder_Rejects(t *testing.T) {
	if _, _, err := NewEncoder(videoDesc, CodecPCMS16); !errors.Is(err, pipeline.ErrIncompatibleFormat) {
		t.Errorf("pcm from video: err = %v", err)
	}
	flt := audioDesc
	flt.SampleFormat = pipeline.SampleFLT
	if _, _, err := NewEncoder(flt, CodecPCMS16); !errors.Is(err, pipeline.ErrIncompatibleFormat) {
		t.Errorf("s16 from flt: err = %v", err)
	}
	if _, _, err := NewEncoder(flt, "vorbis"); !errors.Is(err, pipeline.ErrUnsupportedFormat) {
		t.Errorf("unknown codec: err = %v", err)
	}
}
