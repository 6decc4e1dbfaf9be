package filtergraph

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/user/avflow/pkg/pipeline"
)

// =============================================================================
// volume
// =============================================================================

type volumeNode struct {
	alloc pipeline.Allocator
	gain  float64
}

func buildVolume(in Pad, p *params, env *buildEnv) (Node, Pad, error) {
	gain := p.float("gain", 1)
	if _, ok := p.m["db"]; ok {
		gain = math.Pow(10, p.float("db", 0)/20)
	}
	if gain < 0 {
		return nil, in, pipeline.Configuration("filter volume: negative gain")
	}
	return &volumeNode{alloc: env.alloc, gain: gain}, in, nil
}

func (n *volumeNode) Process(ctx context.Context, f *pipeline.Frame) ([]*pipeline.Frame, error) {
	if n.gain == 1 {
		return []*pipeline.Frame{f}, nil
	}
	if err := f.Writable(ctx, n.alloc); err != nil {
		f.Release()
		return nil, err
	}
	b := f.Data()
	switch f.Format {
	case pipeline.SampleS16:
		for i := 0; i+1 < len(b); i += 2 {
			s := float64(int16(binary.LittleEndian.Uint16(b[i:]))) / 32767
			binary.LittleEndian.PutUint16(b[i:], uint16(floatToS16(s*n.gain)))
		}
	case pipeline.SampleFLT:
		for i := 0; i+3 < len(b); i += 4 {
			s := math.Float32frombits(binary.LittleEndian.Uint32(b[i:]))
			binary.LittleEndian.PutUint32(b[i:], math.Float32bits(float32(float64(s)*n.gain)))
		}
	}
	return []*pipeline.Frame{f}, nil
}

func (n *volumeNode) Flush(ctx context.Context) ([]*pipeline.Frame, error) { return nil, nil }
func (n *volumeNode) Close()                                               {}

// =============================================================================
// resample
// =============================================================================

// resampleNode converts the sample rate of interleaved float audio by linear
// interpolation. Positions are tracked as integers in units of 1/outRate
// input samples so the output depends only on the input sequence.
type resampleNode struct {
	alloc   pipeline.Allocator
	inRate  int64
	outRate int64

	pos      int64     // next output position, in 1/outRate input samples, relative to the current frame
	prev     []float32 // last input sample per channel
	havePrev bool
	produced int64 // output samples since the first frame
	startPTS int64
	tb       pipeline.Rational
	stream   int
}

func buildResample(in Pad, p *params, env *buildEnv) (Node, Pad, error) {
	rate := p.int("rate", 0)
	if rate <= 0 || in.SampleRate <= 0 {
		return nil, in, pipeline.Configuration("filter resample: invalid rate %d from %d", rate, in.SampleRate)
	}
	out := in
	out.SampleRate = rate
	if rate == in.SampleRate {
		return nullNode{}, out, nil
	}
	return &resampleNode{
		alloc:    env.alloc,
		inRate:   int64(in.SampleRate),
		outRate:  int64(rate),
		startPTS: pipeline.NoPTS,
	}, out, nil
}

func (n *resampleNode) sample(data []byte, channels, idx, ch int) float32 {
	if idx < 0 {
		return n.prev[ch]
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(data[(idx*channels+ch)*4:]))
}

func (n *resampleNode) Process(ctx context.Context, f *pipeline.Frame) ([]*pipeline.Frame, error) {
	defer f.Release()
	if f.NbSamples == 0 || f.Channels == 0 {
		return nil, nil
	}
	if n.startPTS == pipeline.NoPTS {
		n.startPTS = f.PTS
		n.tb = f.TimeBase
		n.stream = f.StreamIndex
	}
	if !n.havePrev {
		n.prev = make([]float32, f.Channels)
	}

	in := int64(f.NbSamples)
	lo := int64(0)
	if n.havePrev {
		lo = -1
	}
	// An output at position p needs input samples floor(p) and floor(p)+1.
	limit := (in - 1) * n.outRate
	count := 0
	for p := n.pos; p < limit; p += n.inRate {
		if floorDiv(p, n.outRate) >= lo {
			count++
		}
	}

	out, err := pipeline.NewAudioFrame(ctx, n.alloc, pipeline.SampleFLT, int(n.outRate), f.Channels, count)
	if err != nil {
		return nil, err
	}
	out.StreamIndex = f.StreamIndex
	out.TimeBase = n.tb
	if n.startPTS != pipeline.NoPTS && n.tb.Valid() {
		out.PTS = n.startPTS + pipeline.Rescale(n.produced, pipeline.Rational{Num: 1, Den: n.outRate}, n.tb)
		out.Duration = pipeline.Rescale(int64(count), pipeline.Rational{Num: 1, Den: n.outRate}, n.tb)
	}
	out.DTS = out.PTS

	src := f.Data()
	dst := out.Data()
	k := 0
	p := n.pos
	for ; p < limit; p += n.inRate {
		i := floorDiv(p, n.outRate)
		if i < lo {
			continue
		}
		frac := float32(p-i*n.outRate) / float32(n.outRate)
		for ch := 0; ch < f.Channels; ch++ {
			a := n.sample(src, f.Channels, int(i), ch)
			b := n.sample(src, f.Channels, int(i)+1, ch)
			binary.LittleEndian.PutUint32(dst[(k*f.Channels+ch)*4:], math.Float32bits(a+(b-a)*frac))
		}
		k++
	}
	n.pos = p - in*n.outRate
	for ch := 0; ch < f.Channels; ch++ {
		n.prev[ch] = n.sample(src, f.Channels, int(in-1), ch)
	}
	n.havePrev = true
	n.produced += int64(count)

	if count == 0 {
		out.Release()
		return nil, nil
	}
	return []*pipeline.Frame{out}, nil
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Flush emits the positions between the last input sample and the end of
// the stream, holding the last sample.
func (n *resampleNode) Flush(ctx context.Context) ([]*pipeline.Frame, error) {
	if !n.havePrev {
		return nil, nil
	}
	count := 0
	p := n.pos
	for ; p < 0; p += n.inRate {
		count++
	}
	n.pos = p
	if count == 0 {
		return nil, nil
	}

	channels := len(n.prev)
	out, err := pipeline.NewAudioFrame(ctx, n.alloc, pipeline.SampleFLT, int(n.outRate), channels, count)
	if err != nil {
		return nil, err
	}
	out.StreamIndex = n.stream
	out.TimeBase = n.tb
	if n.startPTS != pipeline.NoPTS && n.tb.Valid() {
		out.PTS = n.startPTS + pipeline.Rescale(n.produced, pipeline.Rational{Num: 1, Den: n.outRate}, n.tb)
		out.Duration = pipeline.Rescale(int64(count), pipeline.Rational{Num: 1, Den: n.outRate}, n.tb)
	}
	out.DTS = out.PTS
	dst := out.Data()
	for k := 0; k < count; k++ {
		for ch, v := range n.prev {
			binary.LittleEndian.PutUint32(dst[(k*channels+ch)*4:], math.Float32bits(v))
		}
	}
	n.produced += int64(count)
	return []*pipeline.Frame{out}, nil
}

func (n *resampleNode) Close() {}
