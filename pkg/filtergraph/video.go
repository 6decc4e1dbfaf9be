package filtergraph

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"

	"github.com/fogleman/gg"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"

	"github.com/user/avflow/pkg/pipeline"
)

// =============================================================================
// scale
// =============================================================================

var scalers = map[string]draw.Scaler{
	"nearest":        draw.NearestNeighbor,
	"approxbilinear": draw.ApproxBiLinear,
	"bilinear":       draw.BiLinear,
	"catmullrom":     draw.CatmullRom,
}

type scaleNode struct {
	alloc  pipeline.Allocator
	scaler draw.Scaler
	w, h   int
}

func buildScale(in Pad, p *params, env *buildEnv) (Node, Pad, error) {
	w := p.int("w", in.Width)
	h := p.int("h", in.Height)
	// -1 keeps the aspect ratio
	if w == -1 && h > 0 && in.Height > 0 {
		w = (in.Width*h/in.Height + 1) &^ 1
	}
	if h == -1 && w > 0 && in.Width > 0 {
		h = (in.Height*w/in.Width + 1) &^ 1
	}
	if w <= 0 || h <= 0 {
		return nil, in, pipeline.Configuration("filter scale: invalid size %dx%d", w, h)
	}
	algo := p.str("algo", "bilinear")
	scaler, ok := scalers[algo]
	if !ok {
		return nil, in, pipeline.Configuration("filter scale: unknown algo %q", algo)
	}
	out := in
	out.Width, out.Height = w, h
	return &scaleNode{alloc: env.alloc, scaler: scaler, w: w, h: h}, out, nil
}

func (n *scaleNode) Process(ctx context.Context, f *pipeline.Frame) ([]*pipeline.Frame, error) {
	if f.Width == n.w && f.Height == n.h {
		return []*pipeline.Frame{f}, nil
	}
	defer f.Release()

	out, err := pipeline.NewVideoFrame(ctx, n.alloc, f.Format, n.w, n.h)
	if err != nil {
		return nil, err
	}
	out.CopyProps(f)

	switch f.Format {
	case pipeline.PixRGBA:
		n.scaler.Scale(rgbaImage(out.Data(), n.w, n.h), image.Rect(0, 0, n.w, n.h),
			rgbaImage(f.Data(), f.Width, f.Height), image.Rect(0, 0, f.Width, f.Height), draw.Src, nil)
	case pipeline.PixGray:
		n.scalePlane(f.Data(), f.Width, f.Height, out.Data(), n.w, n.h)
	case pipeline.PixYUV420P:
		sy, su, sv, scw, sch := yuvPlanes(f.Data(), f.Width, f.Height)
		dy, du, dv, dcw, dch := yuvPlanes(out.Data(), n.w, n.h)
		n.scalePlane(sy, f.Width, f.Height, dy, n.w, n.h)
		n.scalePlane(su, scw, sch, du, dcw, dch)
		n.scalePlane(sv, scw, sch, dv, dcw, dch)
	default:
		out.Release()
		return nil, fmt.Errorf("%w: scale cannot handle %s", pipeline.ErrIncompatibleFormat, f.Format)
	}
	return []*pipeline.Frame{out}, nil
}

func (n *scaleNode) scalePlane(src []byte, sw, sh int, dst []byte, dw, dh int) {
	n.scaler.Scale(grayImage(dst, dw, dh), image.Rect(0, 0, dw, dh),
		grayImage(src, sw, sh), image.Rect(0, 0, sw, sh), draw.Src, nil)
}

func (n *scaleNode) Flush(ctx context.Context) ([]*pipeline.Frame, error) { return nil, nil }
func (n *scaleNode) Close()                                               {}

func rgbaImage(b []byte, w, h int) *image.RGBA {
	return &image.RGBA{Pix: b[:w*h*4], Stride: w * 4, Rect: image.Rect(0, 0, w, h)}
}

func grayImage(b []byte, w, h int) *image.Gray {
	return &image.Gray{Pix: b[:w*h], Stride: w, Rect: image.Rect(0, 0, w, h)}
}

// =============================================================================
// fps
// =============================================================================

// fpsNode resamples frames onto a constant rate grid, dropping frames that
// fall between grid points and repeating frames that cover several.
type fpsNode struct {
	rate pipeline.Rational

	held    *pipeline.Frame
	next    int64 // next grid slot
	started bool
}

func buildFPS(in Pad, p *params, env *buildEnv) (Node, Pad, error) {
	rate := p.rational("fps", p.rational("rate", pipeline.Rational{}))
	if !rate.Valid() {
		return nil, in, pipeline.Configuration("filter fps: missing or invalid fps")
	}
	out := in
	out.FrameRate = rate
	return &fpsNode{rate: rate}, out, nil
}

// slotTB is the duration of one grid slot.
func (n *fpsNode) slotTB() pipeline.Rational {
	return n.rate.Invert()
}

func (n *fpsNode) slotPTS(slot int64, tb pipeline.Rational) int64 {
	return pipeline.Rescale(slot, n.slotTB(), tb)
}

func (n *fpsNode) Process(ctx context.Context, f *pipeline.Frame) ([]*pipeline.Frame, error) {
	if f.PTS == pipeline.NoPTS {
		f.Release()
		return nil, nil
	}
	if !n.started {
		n.next = pipeline.Rescale(f.PTS, f.TimeBase, n.slotTB())
		n.started = true
		n.held = f
		return nil, nil
	}
	out := n.emitUntil(f.PTS)
	n.held = f
	return out, nil
}

// emitUntil outputs the held frame for every slot before end and releases it.
func (n *fpsNode) emitUntil(end int64) []*pipeline.Frame {
	h := n.held
	n.held = nil
	var out []*pipeline.Frame
	for {
		pts := n.slotPTS(n.next, h.TimeBase)
		if pts >= end {
			break
		}
		dup := h.Retain()
		dup.PTS = pts
		dup.DTS = pts
		dup.Duration = n.slotPTS(n.next+1, h.TimeBase) - pts
		out = append(out, dup)
		n.next++
	}
	h.Release()
	return out
}

func (n *fpsNode) Flush(ctx context.Context) ([]*pipeline.Frame, error) {
	if n.held == nil {
		return nil, nil
	}
	end := n.held.PTS + n.held.Duration
	if n.held.Duration <= 0 {
		end = n.slotPTS(n.next+1, n.held.TimeBase)
		if end <= n.held.PTS {
			end = n.held.PTS + 1
		}
	}
	return n.emitUntil(end), nil
}

func (n *fpsNode) Close() {
	if n.held != nil {
		n.held.Release()
		n.held = nil
	}
}

// =============================================================================
// drawtext
// =============================================================================

// drawTextNode renders text onto rgba frames. The text may contain {pts}
// (seconds) and {n} (frame number) placeholders.
type drawTextNode struct {
	alloc pipeline.Allocator
	text  string
	x, y  float64
	col   color.Color
	face  font.Face
	count int
}

func buildDrawText(in Pad, p *params, env *buildEnv) (Node, Pad, error) {
	n := &drawTextNode{
		alloc: env.alloc,
		text:  p.str("text", ""),
		x:     p.float("x", 8),
		y:     p.float("y", 16),
	}
	col, err := parseColor(p.str("color", "#ffffff"))
	if err != nil {
		return nil, in, pipeline.Configuration("filter drawtext: %v", err)
	}
	n.col = col
	if path := p.str("fontfile", ""); path != "" {
		face, err := gg.LoadFontFace(path, p.float("size", 16))
		if err != nil {
			return nil, in, pipeline.Configuration("filter drawtext: load font: %v", err)
		}
		n.face = face
	}
	return n, in, nil
}

func (n *drawTextNode) Process(ctx context.Context, f *pipeline.Frame) ([]*pipeline.Frame, error) {
	if err := f.Writable(ctx, n.alloc); err != nil {
		f.Release()
		return nil, err
	}
	dc := gg.NewContextForRGBA(rgbaImage(f.Data(), f.Width, f.Height))
	if n.face != nil {
		dc.SetFontFace(n.face)
	}
	dc.SetColor(n.col)
	dc.DrawString(n.expand(f), n.x, n.y)
	n.count++
	return []*pipeline.Frame{f}, nil
}

func (n *drawTextNode) expand(f *pipeline.Frame) string {
	s := strings.ReplaceAll(n.text, "{n}", strconv.Itoa(n.count))
	if strings.Contains(s, "{pts}") {
		secs := float64(f.PTS) * f.TimeBase.Float64()
		s = strings.ReplaceAll(s, "{pts}", strconv.FormatFloat(secs, 'f', 3, 64))
	}
	return s
}

func (n *drawTextNode) Flush(ctx context.Context) ([]*pipeline.Frame, error) { return nil, nil }
func (n *drawTextNode) Close()                                               {}

// parseColor parses #rrggbb or #rrggbbaa.
func parseColor(hex string) (color.Color, error) {
	hex = strings.TrimPrefix(hex, "#")
	if len(hex) != 6 && len(hex) != 8 {
		return nil, fmt.Errorf("invalid color %q", hex)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid color %q", hex)
	}
	if len(hex) == 6 {
		v = v<<8 | 0xff
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}
