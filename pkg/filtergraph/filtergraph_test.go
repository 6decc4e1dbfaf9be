package filtergraph

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/user/avflow/pkg/adapters/logger"
	"github.com/user/avflow/pkg/bufferpool"
	"github.com/user/avflow/pkg/pipeline"
)

func grayDesc(w, h int) pipeline.StreamDescriptor {
	return pipeline.StreamDescriptor{
		Type:        pipeline.MediaVideo,
		Codec:       "rawvideo",
		TimeBase:    pipeline.Rational{Num: 1, Den: 1000},
		Width:       w,
		Height:      h,
		PixelFormat: pipeline.PixGray,
	}
}

func audioDesc(f pipeline.Format, rate, channels int) pipeline.StreamDescriptor {
	return pipeline.StreamDescriptor{
		Type:         pipeline.MediaAudio,
		Codec:        "pcm",
		TimeBase:     pipeline.Rational{Num: 1, Den: int64(rate)},
		SampleRate:   rate,
		Channels:     channels,
		SampleFormat: f,
	}
}

func videoFrame(t *testing.T, pool *bufferpool.Pool, f pipeline.Format, w, h int, fill byte, pts, dur int64) *pipeline.Frame {
	t.Helper()
	fr, err := pipeline.NewVideoFrame(context.Background(), pool, f, w, h)
	if err != nil {
		t.Fatalf("NewVideoFrame failed: %v", err)
	}
	for i := range fr.Data() {
		fr.Data()[i] = fill
	}
	fr.PTS, fr.DTS, fr.Duration = pts, pts, dur
	fr.TimeBase = pipeline.Rational{Num: 1, Den: 1000}
	return fr
}

func build(t *testing.T, chain string, in, out pipeline.StreamDescriptor, pool *bufferpool.Pool) *Graph {
	t.Helper()
	specs, err := ParseChain(chain)
	if err != nil {
		t.Fatalf("ParseChain(%q) failed: %v", chain, err)
	}
	g, err := Build(specs, in, out, pool, logger.NewNoop())
	if err != nil {
		t.Fatalf("Build(%q) failed: %v", chain, err)
	}
	return g
}

func runAll(t *testing.T, g *Graph, frames ...*pipeline.Frame) []*pipeline.Frame {
	t.Helper()
	ctx := context.Background()
	var out []*pipeline.Frame
	for _, f := range frames {
		res, err := g.Process(ctx, f)
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		out = append(out, res...)
	}
	res, err := g.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	return append(out, res...)
}

func TestParseSpec(t *testing.T) {
	s, err := ParseSpec("scale=w=320:h=240")
	if err != nil {
		t.Fatalf("ParseSpec failed: %v", err)
	}
	if s.Name != "scale" || s.Params["w"] != "320" || s.Params["h"] != "240" {
		t.Errorf("unexpected spec: %+v", s)
	}
	if got := s.String(); got != "scale=h=240:w=320" {
		t.Errorf("String() = %q", got)
	}

	specs, err := ParseChain("format=fmt=rgba, drawtext=text=hi")
	if err != nil {
		t.Fatalf("ParseChain failed: %v", err)
	}
	if len(specs) != 2 || specs[1].Name != "drawtext" || specs[1].Params["text"] != "hi" {
		t.Errorf("unexpected chain: %+v", specs)
	}

	for _, bad := range []string{"", "scale=w", "=x=1"} {
		if _, err := ParseSpec(bad); !errors.Is(err, pipeline.ErrConfiguration) {
			t.Errorf("ParseSpec(%q) error = %v, want configuration error", bad, err)
		}
	}
}

func TestBuild_InsertsConversionsAroundDrawText(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	in := grayDesc(4, 4)
	in.PixelFormat = pipeline.PixYUV420P
	g := build(t, "drawtext=text=", in, in, pool)
	defer g.Close()

	s := g.String()
	for _, want := range []string{"format=rgba", "drawtext", "format=yuv420p"} {
		if !strings.Contains(s, want) {
			t.Errorf("graph missing %q:\n%s", want, s)
		}
	}
	if g.OutputPad().Format != pipeline.PixYUV420P {
		t.Errorf("output pad = %v", g.OutputPad())
	}

	out := runAll(t, g, videoFrame(t, pool, pipeline.PixYUV420P, 4, 4, 128, 0, 40))
	if len(out) != 1 {
		t.Fatalf("got %d frames, want 1", len(out))
	}
	if out[0].Format != pipeline.PixYUV420P || out[0].Width != 4 || out[0].PTS != 0 {
		t.Errorf("unexpected frame: %+v", out[0])
	}
	out[0].Release()
	if n := pool.Outstanding(); n != 0 {
		t.Errorf("outstanding buffers = %d, want 0", n)
	}
}

func TestBuild_IncompatibleFormats(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	in := grayDesc(4, 4)

	out := in
	out.PixelFormat = "yuv444p"
	_, err := Build(nil, in, out, pool, logger.NewNoop())
	if !errors.Is(err, pipeline.ErrIncompatibleFormat) || !errors.Is(err, pipeline.ErrConfiguration) {
		t.Errorf("unsupported output format: err = %v", err)
	}

	_, err = Build(nil, in, audioDesc(pipeline.SampleS16, 48000, 2), pool, logger.NewNoop())
	if !errors.Is(err, pipeline.ErrIncompatibleFormat) {
		t.Errorf("video into audio: err = %v", err)
	}

	a := audioDesc(pipeline.SampleS16, 48000, 2)
	_, err = Build(nil, a, audioDesc(pipeline.SampleS16, 48000, 1), pool, logger.NewNoop())
	if !errors.Is(err, pipeline.ErrIncompatibleFormat) {
		t.Errorf("channel mismatch: err = %v", err)
	}
}

func TestBuild_UnknownFilter(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	_, err := Build([]Spec{{Name: "blur"}}, grayDesc(2, 2), grayDesc(2, 2), pool, logger.NewNoop())
	if !errors.Is(err, pipeline.ErrConfiguration) {
		t.Errorf("err = %v, want configuration error", err)
	}
	if Known("blur") || !Known("scale") {
		t.Error("Known reports wrong registry contents")
	}
}

func TestBuild_SkipsFiltersForOtherMedia(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	g := build(t, "volume=gain=2", grayDesc(2, 2), grayDesc(2, 2), pool)
	defer g.Close()
	if strings.Contains(g.String(), "volume") {
		t.Errorf("audio filter applied to video:\n%s", g)
	}
}

func TestGraph_ValidateRejectsCycle(t *testing.T) {
	g := NewGraph()
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := g.AddNode(id, id, nullNode{}); err != nil {
			t.Fatal(err)
		}
	}
	g.Connect("a", "b")
	g.Connect("b", "c")
	g.Connect("c", "b")
	g.Connect("b", "d")
	if err := g.Validate(); !errors.Is(err, pipeline.ErrConfiguration) {
		t.Errorf("Validate() = %v, want configuration error", err)
	}

	if err := g.AddNode("a", "a", nullNode{}); err == nil {
		t.Error("duplicate id accepted")
	}
}

func TestGraph_ProcessBeforeValidate(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	g := NewGraph()
	g.AddNode("a", "a", nullNode{})
	_, err := g.Process(context.Background(), videoFrame(t, pool, pipeline.PixGray, 2, 2, 0, 0, 1))
	if !errors.Is(err, pipeline.ErrInvalidState) {
		t.Errorf("err = %v, want invalid state", err)
	}
	if n := pool.Outstanding(); n != 0 {
		t.Errorf("outstanding buffers = %d, want 0", n)
	}
}

func TestGraph_FanOutSharesBuffers(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	g := NewGraph()
	for _, id := range []string{"src", "left", "right", "join"} {
		g.AddNode(id, id, nullNode{})
	}
	g.Connect("src", "left")
	g.Connect("src", "right")
	g.Connect("left", "join")
	g.Connect("right", "join")
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	out := runAll(t, g, videoFrame(t, pool, pipeline.PixGray, 2, 2, 7, 0, 1))
	if len(out) != 2 {
		t.Fatalf("got %d frames, want 2", len(out))
	}
	if out[0].Buf != out[1].Buf || !out[0].Shared() {
		t.Error("fan-out should share one buffer")
	}
	if n := pool.Outstanding(); n != 1 {
		t.Errorf("outstanding = %d, want 1", n)
	}
	out[0].Release()
	if n := pool.Outstanding(); n != 1 {
		t.Errorf("outstanding after first release = %d, want 1", n)
	}
	out[1].Release()
	if n := pool.Outstanding(); n != 0 {
		t.Errorf("outstanding after second release = %d, want 0", n)
	}
}

func TestGraph_Deterministic(t *testing.T) {
	chain := "format=fmt=rgba,scale=w=3:h=3:algo=catmullrom,format=fmt=yuv420p"
	in := grayDesc(8, 8)
	in.PixelFormat = pipeline.PixYUV420P
	out := in
	out.Width, out.Height = 3, 3

	render := func() []byte {
		pool := bufferpool.New(bufferpool.DefaultOptions())
		g := build(t, chain, in, out, pool)
		defer g.Close()
		src := videoFrame(t, pool, pipeline.PixYUV420P, 8, 8, 0, 0, 40)
		for i := range src.Data() {
			src.Data()[i] = byte(i * 37)
		}
		res := runAll(t, g, src)
		if len(res) != 1 {
			t.Fatalf("got %d frames, want 1", len(res))
		}
		defer res[0].Release()
		return append([]byte(nil), res[0].Data()...)
	}

	a, b := render(), render()
	if !bytes.Equal(a, b) {
		t.Error("two runs produced different output")
	}
	if len(a) != pipeline.VideoFrameSize(pipeline.PixYUV420P, 3, 3) {
		t.Errorf("output size = %d", len(a))
	}
}

func TestScale_UniformPlanes(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	in := grayDesc(4, 4)
	in.PixelFormat = pipeline.PixYUV420P
	g := build(t, "scale=w=2:h=2:algo=nearest", in, pipeline.StreamDescriptor{Type: pipeline.MediaVideo}, pool)
	defer g.Close()

	out := runAll(t, g, videoFrame(t, pool, pipeline.PixYUV420P, 4, 4, 90, 0, 40))
	if len(out) != 1 {
		t.Fatalf("got %d frames, want 1", len(out))
	}
	defer out[0].Release()
	if out[0].Width != 2 || out[0].Height != 2 {
		t.Errorf("size = %dx%d, want 2x2", out[0].Width, out[0].Height)
	}
	if len(out[0].Data()) != 6 {
		t.Fatalf("data length = %d, want 6", len(out[0].Data()))
	}
	for i, v := range out[0].Data() {
		if v != 90 {
			t.Errorf("byte %d = %d, want 90", i, v)
		}
	}
}

func TestFPS_DropsFrames(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	g := build(t, "fps=fps=10", grayDesc(2, 2), grayDesc(2, 2), pool)
	defer g.Close()

	var in []*pipeline.Frame
	for i := 0; i < 6; i++ {
		in = append(in, videoFrame(t, pool, pipeline.PixGray, 2, 2, byte(i), int64(i*40), 40))
	}
	out := runAll(t, g, in...)

	wantPTS := []int64{0, 100, 200}
	wantSrc := []byte{0, 2, 5}
	if len(out) != len(wantPTS) {
		t.Fatalf("got %d frames, want %d", len(out), len(wantPTS))
	}
	for i, f := range out {
		if f.PTS != wantPTS[i] || f.Data()[0] != wantSrc[i] || f.Duration != 100 {
			t.Errorf("frame %d: pts=%d src=%d dur=%d", i, f.PTS, f.Data()[0], f.Duration)
		}
		f.Release()
	}
	if n := pool.Outstanding(); n != 0 {
		t.Errorf("outstanding buffers = %d, want 0", n)
	}
}

func TestFPS_DuplicatesFrames(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	g := build(t, "fps=fps=10", grayDesc(2, 2), grayDesc(2, 2), pool)
	defer g.Close()

	out := runAll(t, g,
		videoFrame(t, pool, pipeline.PixGray, 2, 2, 0, 0, 200),
		videoFrame(t, pool, pipeline.PixGray, 2, 2, 1, 200, 200),
	)
	wantPTS := []int64{0, 100, 200, 300}
	wantSrc := []byte{0, 0, 1, 1}
	if len(out) != len(wantPTS) {
		t.Fatalf("got %d frames, want %d", len(out), len(wantPTS))
	}
	for i, f := range out {
		if f.PTS != wantPTS[i] || f.Data()[0] != wantSrc[i] {
			t.Errorf("frame %d: pts=%d src=%d", i, f.PTS, f.Data()[0])
		}
		f.Release()
	}
	if n := pool.Outstanding(); n != 0 {
		t.Errorf("outstanding buffers = %d, want 0", n)
	}
}

func audioFrame(t *testing.T, pool *bufferpool.Pool, f pipeline.Format, rate, channels, n int, pts int64) *pipeline.Frame {
	t.Helper()
	fr, err := pipeline.NewAudioFrame(context.Background(), pool, f, rate, channels, n)
	if err != nil {
		t.Fatalf("NewAudioFrame failed: %v", err)
	}
	fr.PTS, fr.DTS = pts, pts
	fr.TimeBase = pipeline.Rational{Num: 1, Den: int64(rate)}
	fr.Duration = int64(n)
	return fr
}

func TestSampleFormatConversion(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	g := build(t, "", audioDesc(pipeline.SampleS16, 48000, 1), audioDesc(pipeline.SampleFLT, 48000, 1), pool)
	defer g.Close()

	in := audioFrame(t, pool, pipeline.SampleS16, 48000, 1, 2, 0)
	binary.LittleEndian.PutUint16(in.Data()[0:], uint16(16384))
	binary.LittleEndian.PutUint16(in.Data()[2:], 0x8000) // -32768

	out := runAll(t, g, in)
	if len(out) != 1 {
		t.Fatalf("got %d frames, want 1", len(out))
	}
	defer out[0].Release()
	if out[0].Format != pipeline.SampleFLT || out[0].NbSamples != 2 {
		t.Fatalf("unexpected frame: %+v", out[0])
	}
	got0 := math.Float32frombits(binary.LittleEndian.Uint32(out[0].Data()[0:]))
	got1 := math.Float32frombits(binary.LittleEndian.Uint32(out[0].Data()[4:]))
	if got0 != 0.5 || got1 != -1 {
		t.Errorf("samples = %v, %v; want 0.5, -1", got0, got1)
	}
}

func TestVolume_HalvesSamples(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	d := audioDesc(pipeline.SampleS16, 48000, 1)
	g := build(t, "volume=gain=0.5", d, d, pool)
	defer g.Close()

	in := audioFrame(t, pool, pipeline.SampleS16, 48000, 1, 1, 0)
	binary.LittleEndian.PutUint16(in.Data(), 1000)
	out := runAll(t, g, in)
	if len(out) != 1 {
		t.Fatalf("got %d frames, want 1", len(out))
	}
	defer out[0].Release()
	if got := int16(binary.LittleEndian.Uint16(out[0].Data())); got != 500 {
		t.Errorf("sample = %d, want 500", got)
	}
}

func TestResample_Halves(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	in := audioDesc(pipeline.SampleFLT, 48000, 1)
	out := audioDesc(pipeline.SampleFLT, 24000, 1)
	g := build(t, "", in, out, pool)
	defer g.Close()

	res := runAll(t, g,
		audioFrame(t, pool, pipeline.SampleFLT, 48000, 1, 480, 0),
		audioFrame(t, pool, pipeline.SampleFLT, 48000, 1, 480, 480),
	)
	if len(res) != 2 {
		t.Fatalf("got %d frames, want 2", len(res))
	}
	total := 0
	for _, f := range res {
		if f.SampleRate != 24000 {
			t.Errorf("sample rate = %d", f.SampleRate)
		}
		total += f.NbSamples
	}
	if total != 480 {
		t.Errorf("total samples = %d, want 480", total)
	}
	if res[1].PTS != 480 {
		t.Errorf("second frame pts = %d, want 480", res[1].PTS)
	}
	for _, f := range res {
		f.Release()
	}
	if n := pool.Outstanding(); n != 0 {
		t.Errorf("outstanding buffers = %d, want 0", n)
	}
}

// Upsampling covers the tail after the last input sample, so the output
// spans the whole input duration.
func TestResample_FlushCoversTail(t *testing.T) {
	pool := bufferpool.New(bufferpool.DefaultOptions())
	g := build(t, "", audioDesc(pipeline.SampleFLT, 8000, 1), audioDesc(pipeline.SampleFLT, 12000, 1), pool)
	defer g.Close()

	var frames []*pipeline.Frame
	for i := 0; i < 2; i++ {
		f := audioFrame(t, pool, pipeline.SampleFLT, 8000, 1, 5, int64(i*5))
		for s := 0; s < 5; s++ {
			binary.LittleEndian.PutUint32(f.Data()[s*4:], math.Float32bits(0.5))
		}
		frames = append(frames, f)
	}
	res := runAll(t, g, frames...)

	total := 0
	for _, f := range res {
		total += f.NbSamples
	}
	// ceil(10 * 12000 / 8000)
	if total != 15 {
		t.Errorf("total samples = %d, want 15", total)
	}
	last := res[len(res)-1]
	tail := last.Data()[(last.NbSamples-1)*4:]
	if got := math.Float32frombits(binary.LittleEndian.Uint32(tail)); got != 0.5 {
		t.Errorf("tail sample = %v, want 0.5", got)
	}
	for _, f := range res {
		f.Release()
	}
	if n := pool.Outstanding(); n != 0 {
		t.Errorf("outstanding buffers = %d, want 0", n)
	}
}
