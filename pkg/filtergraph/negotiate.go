package filtergraph

import (
	"fmt"

	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

// Pad describes the frames flowing along an edge.
type Pad struct {
	Type       pipeline.MediaType
	Format     pipeline.Format
	Width      int
	Height     int
	FrameRate  pipeline.Rational
	SampleRate int
	Channels   int
}

// PadOf returns the raw shape of a stream.
func PadOf(d pipeline.StreamDescriptor) Pad {
	return Pad{
		Type:       d.Type,
		Format:     d.RawFormat(),
		Width:      d.Width,
		Height:     d.Height,
		FrameRate:  d.FrameRate,
		SampleRate: d.SampleRate,
		Channels:   d.Channels,
	}
}

func (p Pad) String() string {
	if p.Type == pipeline.MediaAudio {
		return fmt.Sprintf("%s %dHz %dch", p.Format, p.SampleRate, p.Channels)
	}
	return fmt.Sprintf("%s %dx%d", p.Format, p.Width, p.Height)
}

// conversions lists the direct format conversions the format node supports.
var conversions = map[pipeline.Format][]pipeline.Format{
	pipeline.PixYUV420P: {pipeline.PixRGBA, pipeline.PixGray},
	pipeline.PixRGBA:    {pipeline.PixYUV420P, pipeline.PixGray},
	pipeline.PixGray:    {pipeline.PixYUV420P, pipeline.PixRGBA},
	pipeline.SampleS16:  {pipeline.SampleFLT},
	pipeline.SampleFLT:  {pipeline.SampleS16},
}

// conversionPath returns the formats to pass through, excluding from, to
// reach any format in targets. It returns nil, false when no path exists.
func conversionPath(from pipeline.Format, targets []pipeline.Format) ([]pipeline.Format, bool) {
	want := make(map[pipeline.Format]bool, len(targets))
	for _, t := range targets {
		want[t] = true
	}
	if want[from] {
		return nil, true
	}
	prev := map[pipeline.Format]pipeline.Format{from: pipeline.FormatNone}
	queue := []pipeline.Format{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range conversions[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if want[next] {
				var path []pipeline.Format
				for f := next; f != from; f = prev[f] {
					path = append([]pipeline.Format{f}, path...)
				}
				return path, true
			}
			queue = append(queue, next)
		}
	}
	return nil, false
}

// kind describes one filter type.
type kind struct {
	media   pipeline.MediaType
	accepts []pipeline.Format // nil accepts every format of media
	build   func(in Pad, p *params, env *buildEnv) (Node, Pad, error)
}

var kinds map[string]kind

func init() {
	kinds = map[string]kind{
		"null":     {media: -1, build: buildNull},
		"format":   {media: -1, build: buildFormat},
		"scale":    {media: pipeline.MediaVideo, accepts: []pipeline.Format{pipeline.PixYUV420P, pipeline.PixRGBA, pipeline.PixGray}, build: buildScale},
		"fps":      {media: pipeline.MediaVideo, build: buildFPS},
		"drawtext": {media: pipeline.MediaVideo, accepts: []pipeline.Format{pipeline.PixRGBA}, build: buildDrawText},
		"volume":   {media: pipeline.MediaAudio, accepts: []pipeline.Format{pipeline.SampleS16, pipeline.SampleFLT}, build: buildVolume},
		"resample": {media: pipeline.MediaAudio, accepts: []pipeline.Format{pipeline.SampleFLT}, build: buildResample},
	}
}

// Known reports whether name is a registered filter.
func Known(name string) bool {
	_, ok := kinds[name]
	return ok
}

type buildEnv struct {
	alloc pipeline.Allocator
}

type builder struct {
	g    *Graph
	env  *buildEnv
	cur  Pad
	prev string
}

func (b *builder) add(label string, n Node, out Pad) error {
	id := fmt.Sprintf("%d:%s", len(b.g.added), label)
	if err := b.g.AddNode(id, label, n); err != nil {
		return err
	}
	if b.prev != "" {
		if err := b.g.Connect(b.prev, id); err != nil {
			return err
		}
	}
	b.prev = id
	b.cur = out
	return nil
}

// convertTo inserts format nodes until the current format is in targets.
func (b *builder) convertTo(targets []pipeline.Format, why string) error {
	path, ok := conversionPath(b.cur.Format, targets)
	if !ok {
		return fmt.Errorf("%w: %w: no conversion from %s to %v for %s",
			pipeline.ErrConfiguration, pipeline.ErrIncompatibleFormat, b.cur.Format, targets, why)
	}
	for _, f := range path {
		n, out, err := newConvertNode(b.cur, f, b.env)
		if err != nil {
			return err
		}
		if err := b.add("format="+string(f), n, out); err != nil {
			return err
		}
	}
	return nil
}

// Build constructs and validates the graph turning frames shaped like in
// into frames shaped like out. Specs that do not apply to the stream's media
// type are skipped. Conversion and scaling nodes are inserted where formats
// differ; when no conversion exists the error wraps both
// pipeline.ErrConfiguration and pipeline.ErrIncompatibleFormat.
func Build(specs []Spec, in, out pipeline.StreamDescriptor, alloc pipeline.Allocator, logger ports.Logger) (*Graph, error) {
	b := &builder{g: NewGraph(), env: &buildEnv{alloc: alloc}, cur: PadOf(in)}
	if in.Type != out.Type {
		return nil, fmt.Errorf("%w: %w: cannot filter %s into %s",
			pipeline.ErrConfiguration, pipeline.ErrIncompatibleFormat, in.Type, out.Type)
	}
	if err := b.add("in", nullNode{}, b.cur); err != nil {
		return nil, err
	}

	for _, s := range specs {
		k, ok := kinds[s.Name]
		if !ok {
			b.g.Close()
			return nil, pipeline.Configuration("unknown filter %q", s.Name)
		}
		if k.media >= 0 && k.media != b.cur.Type {
			logger.Debug("Filter %s does not apply to %s stream %d", s.Name, in.Type, in.Index)
			continue
		}
		if k.accepts != nil {
			if err := b.convertTo(k.accepts, s.Name); err != nil {
				b.g.Close()
				return nil, err
			}
		}
		p := newParams(s.Name, s.Params)
		n, next, err := k.build(b.cur, p, b.env)
		if err == nil {
			err = p.err
		}
		if err != nil {
			if n != nil {
				n.Close()
			}
			b.g.Close()
			return nil, err
		}
		if err := b.add(s.String(), n, next); err != nil {
			b.g.Close()
			return nil, err
		}
	}

	if err := b.matchOutput(PadOf(out)); err != nil {
		b.g.Close()
		return nil, err
	}
	if err := b.add("out", nullNode{}, b.cur); err != nil {
		b.g.Close()
		return nil, err
	}
	if err := b.g.Validate(); err != nil {
		b.g.Close()
		return nil, err
	}
	b.g.outPad = b.cur
	return b.g, nil
}

func (b *builder) matchOutput(want Pad) error {
	switch b.cur.Type {
	case pipeline.MediaVideo:
		if want.Width > 0 && want.Height > 0 && (want.Width != b.cur.Width || want.Height != b.cur.Height) {
			p := newParams("scale", map[string]string{
				"w": fmt.Sprint(want.Width),
				"h": fmt.Sprint(want.Height),
			})
			if err := b.convertTo(kinds["scale"].accepts, "scale"); err != nil {
				return err
			}
			n, out, err := buildScale(b.cur, p, b.env)
			if err != nil {
				return err
			}
			if err := b.add(fmt.Sprintf("scale=h=%d:w=%d", want.Height, want.Width), n, out); err != nil {
				return err
			}
		}
	case pipeline.MediaAudio:
		if want.Channels > 0 && b.cur.Channels > 0 && want.Channels != b.cur.Channels {
			return fmt.Errorf("%w: %w: channel layout %d cannot become %d",
				pipeline.ErrConfiguration, pipeline.ErrIncompatibleFormat, b.cur.Channels, want.Channels)
		}
		if want.SampleRate > 0 && want.SampleRate != b.cur.SampleRate {
			if err := b.convertTo(kinds["resample"].accepts, "resample"); err != nil {
				return err
			}
			p := newParams("resample", map[string]string{"rate": fmt.Sprint(want.SampleRate)})
			n, out, err := buildResample(b.cur, p, b.env)
			if err != nil {
				return err
			}
			if err := b.add(fmt.Sprintf("resample=rate=%d", want.SampleRate), n, out); err != nil {
				return err
			}
		}
	default:
		return nil
	}
	if want.Format != pipeline.FormatNone && want.Format != b.cur.Format {
		return b.convertTo([]pipeline.Format{want.Format}, "encoder input")
	}
	return nil
}
