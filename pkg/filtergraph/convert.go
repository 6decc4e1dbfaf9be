package filtergraph

import (
	"context"
	"encoding/binary"
	"fmt"
	"image/color"
	"math"

	"github.com/user/avflow/pkg/pipeline"
)

// nullNode passes frames through.
type nullNode struct{}

func (nullNode) Process(ctx context.Context, f *pipeline.Frame) ([]*pipeline.Frame, error) {
	return []*pipeline.Frame{f}, nil
}
func (nullNode) Flush(ctx context.Context) ([]*pipeline.Frame, error) { return nil, nil }
func (nullNode) Close()                                               {}

func buildNull(in Pad, p *params, env *buildEnv) (Node, Pad, error) {
	return nullNode{}, in, nil
}

func buildFormat(in Pad, p *params, env *buildEnv) (Node, Pad, error) {
	target := pipeline.Format(p.str("fmt", p.str("format", "")))
	if target == pipeline.FormatNone {
		return nil, in, pipeline.Configuration("filter format: missing fmt")
	}
	if target == in.Format {
		return nullNode{}, in, nil
	}
	return newConvertNode(in, target, env)
}

type convertFunc func(src, dst []byte, w, h int)

// convertNode performs one direct format conversion.
type convertNode struct {
	alloc pipeline.Allocator
	to    pipeline.Format
	conv  convertFunc
}

func newConvertNode(in Pad, to pipeline.Format, env *buildEnv) (Node, Pad, error) {
	conv := directConversion(in.Format, to)
	if conv == nil {
		return nil, in, fmt.Errorf("%w: %w: no direct conversion from %s to %s",
			pipeline.ErrConfiguration, pipeline.ErrIncompatibleFormat, in.Format, to)
	}
	out := in
	out.Format = to
	return &convertNode{alloc: env.alloc, to: to, conv: conv}, out, nil
}

func directConversion(from, to pipeline.Format) convertFunc {
	switch {
	case from == pipeline.PixYUV420P && to == pipeline.PixRGBA:
		return yuv420pToRGBA
	case from == pipeline.PixRGBA && to == pipeline.PixYUV420P:
		return rgbaToYUV420P
	case from == pipeline.PixRGBA && to == pipeline.PixGray:
		return rgbaToGray
	case from == pipeline.PixGray && to == pipeline.PixRGBA:
		return grayToRGBA
	case from == pipeline.PixGray && to == pipeline.PixYUV420P:
		return grayToYUV420P
	case from == pipeline.PixYUV420P && to == pipeline.PixGray:
		return yuv420pToGray
	case from == pipeline.SampleS16 && to == pipeline.SampleFLT:
		return s16ToFLT
	case from == pipeline.SampleFLT && to == pipeline.SampleS16:
		return fltToS16
	}
	return nil
}

func (n *convertNode) Process(ctx context.Context, f *pipeline.Frame) ([]*pipeline.Frame, error) {
	defer f.Release()

	var out *pipeline.Frame
	var err error
	if n.to.IsAudio() {
		out, err = pipeline.NewAudioFrame(ctx, n.alloc, n.to, f.SampleRate, f.Channels, f.NbSamples)
	} else {
		out, err = pipeline.NewVideoFrame(ctx, n.alloc, n.to, f.Width, f.Height)
	}
	if err != nil {
		return nil, err
	}
	out.CopyProps(f)
	n.conv(f.Data(), out.Data(), f.Width, f.Height)
	return []*pipeline.Frame{out}, nil
}

func (n *convertNode) Flush(ctx context.Context) ([]*pipeline.Frame, error) { return nil, nil }
func (n *convertNode) Close()                                               {}

// Planes of a yuv420p picture.
func yuvPlanes(b []byte, w, h int) (y, u, v []byte, cw, ch int) {
	cw, ch = (w+1)/2, (h+1)/2
	y = b[:w*h]
	u = b[w*h : w*h+cw*ch]
	v = b[w*h+cw*ch : w*h+2*cw*ch]
	return
}

func yuv420pToRGBA(src, dst []byte, w, h int) {
	yp, up, vp, cw, _ := yuvPlanes(src, w, h)
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			c := (j/2)*cw + i/2
			r, g, b := color.YCbCrToRGB(yp[j*w+i], up[c], vp[c])
			o := (j*w + i) * 4
			dst[o], dst[o+1], dst[o+2], dst[o+3] = r, g, b, 0xff
		}
	}
}

func rgbaToYUV420P(src, dst []byte, w, h int) {
	yp, up, vp, cw, ch := yuvPlanes(dst, w, h)
	sumU := make([]int, cw*ch)
	sumV := make([]int, cw*ch)
	count := make([]int, cw*ch)
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			o := (j*w + i) * 4
			y, cb, cr := color.RGBToYCbCr(src[o], src[o+1], src[o+2])
			yp[j*w+i] = y
			c := (j/2)*cw + i/2
			sumU[c] += int(cb)
			sumV[c] += int(cr)
			count[c]++
		}
	}
	for c := range count {
		if count[c] == 0 {
			up[c], vp[c] = 128, 128
			continue
		}
		up[c] = uint8((sumU[c] + count[c]/2) / count[c])
		vp[c] = uint8((sumV[c] + count[c]/2) / count[c])
	}
}

func rgbaToGray(src, dst []byte, w, h int) {
	for p := 0; p < w*h; p++ {
		y, _, _ := color.RGBToYCbCr(src[p*4], src[p*4+1], src[p*4+2])
		dst[p] = y
	}
}

func grayToRGBA(src, dst []byte, w, h int) {
	for p := 0; p < w*h; p++ {
		v := src[p]
		dst[p*4], dst[p*4+1], dst[p*4+2], dst[p*4+3] = v, v, v, 0xff
	}
}

func grayToYUV420P(src, dst []byte, w, h int) {
	yp, up, vp, _, _ := yuvPlanes(dst, w, h)
	copy(yp, src[:w*h])
	for i := range up {
		up[i], vp[i] = 128, 128
	}
}

func yuv420pToGray(src, dst []byte, w, h int) {
	copy(dst, src[:w*h])
}

func s16ToFLT(src, dst []byte, _, _ int) {
	for i := 0; i*2+1 < len(src); i++ {
		s := int16(binary.LittleEndian.Uint16(src[i*2:]))
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(float32(s)/32768))
	}
}

func fltToS16(src, dst []byte, _, _ int) {
	for i := 0; i*4+3 < len(src); i++ {
		v := math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(floatToS16(float64(v))))
	}
}

func floatToS16(v float64) int16 {
	s := math.Round(v * 32767)
	switch {
	case s > math.MaxInt16:
		return math.MaxInt16
	case s < math.MinInt16:
		return math.MinInt16
	}
	return int16(s)
}
