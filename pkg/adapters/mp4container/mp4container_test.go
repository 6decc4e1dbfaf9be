package mp4container

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/Eyevinn/mp4ff/av1"
	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/user/avflow/pkg/mocks"
	"github.com/user/avflow/pkg/pipeline"
)

func encode(t *testing.T, b mp4.Box) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := b.Encode(&buf); err != nil {
		t.Fatalf("encode %s: %v", b.Type(), err)
	}
	return buf.Bytes()
}

func av1Stream(t *testing.T) pipeline.StreamDescriptor {
	av1C := &mp4.Av1CBox{CodecConfRec: av1.CodecConfRec{
		Version:            1,
		SeqLevelIdx0:       8,
		ChromaSubsamplingX: 1,
		ChromaSubsamplingY: 1,
		ConfigOBUs:         []byte{0x0A, 0x0B, 0x00, 0x00, 0x00, 0x24, 0xC4, 0xFF, 0xDF, 0x00, 0x68, 0x02},
	}}
	return pipeline.StreamDescriptor{
		Index:     0,
		Type:      pipeline.MediaVideo,
		Codec:     "av1",
		TimeBase:  pipeline.Rational{Num: 1, Den: 30},
		Width:     64,
		Height:    48,
		Extradata: encode(t, av1C),
	}
}

func aacStream(t *testing.T) pipeline.StreamDescriptor {
	return pipeline.StreamDescriptor{
		Index:      1,
		Type:       pipeline.MediaAudio,
		Codec:      "aac",
		TimeBase:   pipeline.Rational{Num: 1, Den: 48000},
		SampleRate: 48000,
		Channels:   2,
		Language:   "eng",
		Extradata:  encode(t, mp4.CreateEsdsBox([]byte{0x11, 0x90})),
	}
}

func packet(stream int, pts int64, key bool, tb pipeline.Rational, data ...byte) *pipeline.Packet {
	p := pipeline.NewPacket(data)
	p.StreamIndex = stream
	p.PTS, p.DTS = pts, pts
	p.KeyFrame = key
	p.TimeBase = tb
	return p
}

func TestFactory_RoundTrip(t *testing.T) {
	ctx := context.Background()
	fs := mocks.NewFileSystem()
	f := New(fs, mocks.NewLogger(), Options{FragmentDuration: 50 * time.Millisecond})

	w, err := f.CreateWriter(ctx, "out.mp4")
	if err != nil {
		t.Fatalf("CreateWriter failed: %v", err)
	}
	video, audio := av1Stream(t), aacStream(t)
	if err := w.AddStream(video); err != nil {
		t.Fatalf("AddStream(video) failed: %v", err)
	}
	if err := w.AddStream(audio); err != nil {
		t.Fatalf("AddStream(audio) failed: %v", err)
	}

	in := []*pipeline.Packet{
		packet(0, 0, true, video.TimeBase, 1, 1, 1),
		packet(1, 0, true, audio.TimeBase, 9, 0),
		packet(1, 1024, true, audio.TimeBase, 9, 1),
		packet(0, 1, false, video.TimeBase, 2, 2),
		packet(1, 2048, true, audio.TimeBase, 9, 2),
		packet(0, 2, true, video.TimeBase, 3),
		packet(1, 3072, true, audio.TimeBase, 9, 3),
		packet(0, 3, false, video.TimeBase, 4, 4, 4, 4),
	}
	for _, p := range in {
		if err := w.WritePacket(ctx, p); err != nil {
			t.Fatalf("WritePacket failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r, err := f.OpenReader(ctx, "out.mp4")
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}
	defer r.Close()

	streams := r.Streams()
	if len(streams) != 2 {
		t.Fatalf("got %d streams, want 2", len(streams))
	}
	v, a := streams[0], streams[1]
	if v.Codec != "av1" || v.Width != 64 || v.Height != 48 || v.TimeBase.Den != 30 {
		t.Errorf("video stream = %s", v)
	}
	if v.FrameRate.Num != 30 || v.FrameRate.Den != 1 {
		t.Errorf("frame rate = %s, want 30/1", v.FrameRate)
	}
	if len(v.Extradata) == 0 {
		t.Error("video extradata missing")
	}
	if a.Codec != "aac" || a.SampleRate != 48000 || a.Channels != 2 || a.FrameSamples != 1024 {
		t.Errorf("audio stream = %s", a)
	}
	if a.Language != "eng" {
		t.Errorf("language = %q", a.Language)
	}

	var gotVideo, gotAudio []*pipeline.Packet
	for {
		p, err := r.ReadPacket(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadPacket failed: %v", err)
		}
		if p.StreamIndex == 0 {
			gotVideo = append(gotVideo, p)
		} else {
			gotAudio = append(gotAudio, p)
		}
	}
	if len(gotVideo) != 4 || len(gotAudio) != 4 {
		t.Fatalf("got %d video and %d audio packets", len(gotVideo), len(gotAudio))
	}
	for i, p := range gotVideo {
		if p.PTS != int64(i) {
			t.Errorf("video packet %d pts = %d", i, p.PTS)
		}
		if p.KeyFrame != in[map[int]int{0: 0, 1: 3, 2: 5, 3: 7}[i]].KeyFrame {
			t.Errorf("video packet %d key = %v", i, p.KeyFrame)
		}
	}
	if !bytes.Equal(gotVideo[3].Data(), []byte{4, 4, 4, 4}) {
		t.Errorf("last video payload = %v", gotVideo[3].Data())
	}
	if gotVideo[3].Duration != 1 {
		t.Errorf("last video duration = %d, want the previous duration", gotVideo[3].Duration)
	}
	for i, p := range gotAudio {
		if p.PTS != int64(i*1024) || p.Duration != 1024 {
			t.Errorf("audio packet %d pts=%d dur=%d", i, p.PTS, p.Duration)
		}
	}
}

func TestFactory_OpenReaderSelectsStreams(t *testing.T) {
	ctx := context.Background()
	fs := mocks.NewFileSystem()
	f := New(fs, mocks.NewLogger(), DefaultOptions())

	w, _ := f.CreateWriter(ctx, "a.mp4")
	video, audio := av1Stream(t), aacStream(t)
	w.AddStream(video)
	w.AddStream(audio)
	w.WritePacket(ctx, packet(0, 0, true, video.TimeBase, 1))
	w.WritePacket(ctx, packet(1, 0, true, audio.TimeBase, 2))
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r, err := f.OpenReader(ctx, "a.mp4", 1)
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}
	defer r.Close()
	if n := len(r.Streams()); n != 2 {
		t.Errorf("Streams should describe the whole file, got %d", n)
	}
	p, err := r.ReadPacket(ctx)
	if err != nil || p.StreamIndex != 1 {
		t.Fatalf("first packet = %+v, %v", p, err)
	}
	if _, err := r.ReadPacket(ctx); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}

	if _, err := f.OpenReader(ctx, "a.mp4", 5); !errors.Is(err, pipeline.ErrConfiguration) {
		t.Errorf("out-of-range stream: err = %v", err)
	}
}

func TestFactory_OpenReaderErrors(t *testing.T) {
	ctx := context.Background()
	fs := mocks.NewFileSystem()
	fs.WriteFile("notes.txt", []byte("plain text, not a container"))
	f := New(fs, mocks.NewLogger(), DefaultOptions())

	if _, err := f.OpenReader(ctx, "missing.mp4"); !errors.Is(err, pipeline.ErrConfiguration) {
		t.Errorf("missing file: err = %v", err)
	}
	if _, err := f.OpenReader(ctx, "notes.txt"); !errors.Is(err, pipeline.ErrUnsupportedFormat) {
		t.Errorf("text file: err = %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := f.OpenReader(cancelled, "notes.txt"); !errors.Is(err, pipeline.ErrCancelled) {
		t.Errorf("cancelled: err = %v", err)
	}
}

func TestWriter_AddStreamErrors(t *testing.T) {
	ctx := context.Background()
	f := New(mocks.NewFileSystem(), mocks.NewLogger(), DefaultOptions())
	w, _ := f.CreateWriter(ctx, "out.mp4")

	tests := []struct {
		name string
		desc pipeline.StreamDescriptor
		want error
	}{
		{"raw video", pipeline.StreamDescriptor{Type: pipeline.MediaVideo, Codec: "rawvideo"}, pipeline.ErrUnsupportedFormat},
		{"aac without esds", pipeline.StreamDescriptor{Type: pipeline.MediaAudio, Codec: "aac"}, pipeline.ErrUnsupportedFormat},
		{"mismatched config", pipeline.StreamDescriptor{
			Type: pipeline.MediaAudio, Codec: "aac", Extradata: av1Stream(t).Extradata,
		}, pipeline.ErrIncompatibleFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := w.AddStream(tt.desc); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestWriter_H264NeedsParameterSets(t *testing.T) {
	ctx := context.Background()
	fs := mocks.NewFileSystem()
	f := New(fs, mocks.NewLogger(), DefaultOptions())
	w, _ := f.CreateWriter(ctx, "out.mp4")

	desc := pipeline.StreamDescriptor{
		Type: pipeline.MediaVideo, Codec: "h264", Width: 64, Height: 64,
		TimeBase: pipeline.Rational{Num: 1, Den: 90000},
	}
	if err := w.AddStream(desc); err != nil {
		t.Fatalf("AddStream failed: %v", err)
	}
	// A non-key packet before any configuration is dropped.
	if err := w.WritePacket(ctx, packet(0, 0, false, desc.TimeBase, 0, 0, 0, 1, 0x41)); err != nil {
		t.Errorf("leading non-key packet: err = %v", err)
	}
	idrOnly := []byte{0, 0, 0, 3, 0x65, 0x88, 0x84}
	if err := w.WritePacket(ctx, packet(0, 3000, true, desc.TimeBase, idrOnly...)); !errors.Is(err, pipeline.ErrIncompatibleFormat) {
		t.Errorf("key frame without SPS/PPS: err = %v", err)
	}
	if err := w.Close(); !errors.Is(err, pipeline.ErrInvalidState) {
		t.Errorf("Close with unconfigured track: err = %v", err)
	}
}

func TestWriter_ClosedAndUnknownStream(t *testing.T) {
	ctx := context.Background()
	f := New(mocks.NewFileSystem(), mocks.NewLogger(), DefaultOptions())
	w, _ := f.CreateWriter(ctx, "out.mp4")
	audio := aacStream(t)
	w.AddStream(audio)

	if err := w.WritePacket(ctx, packet(7, 0, true, audio.TimeBase, 1)); !errors.Is(err, pipeline.ErrInvalidState) {
		t.Errorf("unknown stream: err = %v", err)
	}
	w.WritePacket(ctx, packet(1, 0, true, audio.TimeBase, 1))
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := w.WritePacket(ctx, packet(1, 1024, true, audio.TimeBase, 1)); !errors.Is(err, pipeline.ErrInvalidState) {
		t.Errorf("write after close: err = %v", err)
	}
	if err := w.AddStream(av1Stream(t)); !errors.Is(err, pipeline.ErrInvalidState) {
		t.Errorf("add after close: err = %v", err)
	}
}

func TestTimescaleFor(t *testing.T) {
	tests := []struct {
		desc pipeline.StreamDescriptor
		want uint32
	}{
		{pipeline.StreamDescriptor{TimeBase: pipeline.Rational{Num: 1, Den: 48000}}, 48000},
		{pipeline.StreamDescriptor{Type: pipeline.MediaVideo, TimeBase: pipeline.Rational{Num: 1001, Den: 30000}}, 90000},
		{pipeline.StreamDescriptor{Type: pipeline.MediaAudio, SampleRate: 44100, TimeBase: pipeline.Rational{Num: 2, Den: 3}}, 44100},
		{pipeline.StreamDescriptor{Type: pipeline.MediaData}, 1000},
	}
	for _, tt := range tests {
		if got := timescaleFor(tt.desc); got != tt.want {
			t.Errorf("timescaleFor(%s) = %d, want %d", tt.desc, got, tt.want)
		}
	}
}
