// Package rawcodec implements pass-through decoders and encoders for
// uncompressed streams: rawvideo, pcm_s16le and pcm_f32le.
package rawcodec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

// Codec names handled by this package.
const (
	CodecRawVideo = "rawvideo"
	CodecPCMS16   = "pcm_s16le"
	CodecPCMF32   = "pcm_f32le"
)

var (
	// ErrNotRaw is returned for codecs this package does not handle.
	ErrNotRaw = errors.New("rawcodec: not a raw codec")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("rawcodec: closed")
)

// Handles reports whether codec is an uncompressed codec.
func Handles(codec string) bool {
	switch codec {
	case CodecRawVideo, CodecPCMS16, CodecPCMF32:
		return true
	}
	return false
}

// SampleFormat returns the sample format of a PCM codec.
func SampleFormat(codec string) pipeline.Format {
	switch codec {
	case CodecPCMS16:
		return pipeline.SampleS16
	case CodecPCMF32:
		return pipeline.SampleFLT
	}
	return pipeline.FormatNone
}

// PCMCodec returns the PCM codec name carrying samples of format f.
func PCMCodec(f pipeline.Format) string {
	if f == pipeline.SampleFLT {
		return CodecPCMF32
	}
	return CodecPCMS16
}

// Output returns the raw descriptor frames of a raw stream carry.
func Output(desc pipeline.StreamDescriptor) (pipeline.StreamDescriptor, error) {
	out := desc.Clone()
	switch desc.Codec {
	case CodecRawVideo:
		if !desc.PixelFormat.IsVideo() {
			return out, fmt.Errorf("%w: rawvideo pixel format %q", pipeline.ErrUnsupportedFormat, desc.PixelFormat)
		}
		if desc.Width <= 0 || desc.Height <= 0 {
			return out, pipeline.Configuration("rawvideo stream %d has no dimensions", desc.Index)
		}
	case CodecPCMS16, CodecPCMF32:
		out.SampleFormat = SampleFormat(desc.Codec)
		if desc.SampleRate <= 0 || desc.Channels <= 0 {
			return out, pipeline.Configuration("pcm stream %d has no sample rate or channels", desc.Index)
		}
	default:
		return out, fmt.Errorf("%w: %w: %s", pipeline.ErrUnsupportedFormat, ErrNotRaw, desc.Codec)
	}
	return out, nil
}

type unit struct {
	pts, dts, dur int64
	data          []byte
}

// queue holds units between a send and a receive call.
type queue struct {
	mu      sync.Mutex
	units   []unit
	flushed bool
	closed  bool
}

func (q *queue) push(u unit) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.flushed {
		return fmt.Errorf("%w: input after end of stream", pipeline.ErrInvalidState)
	}
	q.units = append(q.units, u)
	return nil
}

func (q *queue) flush() {
	q.mu.Lock()
	q.flushed = true
	q.mu.Unlock()
}

func (q *queue) pop() (unit, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return unit{}, ErrClosed
	}
	if len(q.units) == 0 {
		if q.flushed {
			return unit{}, io.EOF
		}
		return unit{}, ports.ErrAgain
	}
	u := q.units[0]
	q.units = q.units[1:]
	return u, nil
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.units = nil
	q.mu.Unlock()
}

// Decoder turns raw packets into frames without transformation.
type Decoder struct {
	desc pipeline.StreamDescriptor
	q    queue
}

// NewDecoder creates a decoder for a raw stream.
func NewDecoder(desc pipeline.StreamDescriptor) (*Decoder, error) {
	out, err := Output(desc)
	if err != nil {
		return nil, err
	}
	return &Decoder{desc: out}, nil
}

// unitSize returns the exact size of one video picture, or the size of one
// interleaved sample for audio.
func unitSize(desc pipeline.StreamDescriptor) int {
	if desc.Type == pipeline.MediaVideo {
		return pipeline.VideoFrameSize(desc.PixelFormat, desc.Width, desc.Height)
	}
	return desc.SampleFormat.BytesPerSample() * desc.Channels
}

func (d *Decoder) SendPacket(ctx context.Context, pkt *pipeline.Packet) error {
	if pkt == nil {
		d.q.flush()
		return nil
	}
	size := unitSize(d.desc)
	n := pkt.Size()
	switch {
	case d.desc.Type == pipeline.MediaVideo && n != size:
		return fmt.Errorf("%w: rawvideo packet is %d bytes, want %d", pipeline.ErrDecode, n, size)
	case d.desc.Type == pipeline.MediaAudio && (n == 0 || n%size != 0):
		return fmt.Errorf("%w: pcm packet of %d bytes is not a whole number of samples", pipeline.ErrDecode, n)
	}
	// The packet is released by the caller once this returns.
	data := append([]byte(nil), pkt.Data()...)
	return d.q.push(unit{pts: pkt.PTS, dts: pkt.DTS, dur: pkt.Duration, data: data})
}

func (d *Decoder) ReceiveFrame(ctx context.Context, alloc pipeline.Allocator) (*pipeline.Frame, error) {
	u, err := d.q.pop()
	if err != nil {
		return nil, err
	}

	var f *pipeline.Frame
	if d.desc.Type == pipeline.MediaVideo {
		f, err = pipeline.NewVideoFrame(ctx, alloc, d.desc.PixelFormat, d.desc.Width, d.desc.Height)
	} else {
		n := len(u.data) / unitSize(d.desc)
		f, err = pipeline.NewAudioFrame(ctx, alloc, d.desc.SampleFormat, d.desc.SampleRate, d.desc.Channels, n)
	}
	if err != nil {
		return nil, err
	}
	copy(f.Data(), u.data)
	f.StreamIndex = d.desc.Index
	f.PTS, f.DTS, f.Duration = u.pts, u.dts, u.dur
	f.TimeBase = d.desc.TimeBase
	return f, nil
}

// ReorderDepth is always zero: raw streams are stored in presentation order.
func (d *Decoder) ReorderDepth() int {
	return 0
}

func (d *Decoder) Close() error {
	d.q.close()
	return nil
}

var _ ports.Decoder = (*Decoder)(nil)

// Encoder turns frames into raw packets. Every packet is a key frame.
type Encoder struct {
	in pipeline.StreamDescriptor
	q  queue
}

// NewEncoder creates an encoder for frames shaped like in and returns the
// descriptor of the stream it produces.
func NewEncoder(in pipeline.StreamDescriptor, codec string) (*Encoder, pipeline.StreamDescriptor, error) {
	out := in.Clone()
	out.Extradata = nil
	switch codec {
	case CodecRawVideo:
		if in.Type != pipeline.MediaVideo || !in.PixelFormat.IsVideo() {
			return nil, out, fmt.Errorf("%w: rawvideo needs video frames, got %s", pipeline.ErrIncompatibleFormat, in.Type)
		}
	case CodecPCMS16, CodecPCMF32:
		if in.Type != pipeline.MediaAudio {
			return nil, out, fmt.Errorf("%w: %s needs audio frames, got %s", pipeline.ErrIncompatibleFormat, codec, in.Type)
		}
		if in.SampleFormat != SampleFormat(codec) {
			return nil, out, fmt.Errorf("%w: %s needs %s samples, got %s", pipeline.ErrIncompatibleFormat, codec, SampleFormat(codec), in.SampleFormat)
		}
	default:
		return nil, out, fmt.Errorf("%w: %w: %s", pipeline.ErrUnsupportedFormat, ErrNotRaw, codec)
	}
	out.Codec = codec
	out.Bitrate = 0
	return &Encoder{in: in}, out, nil
}

func (e *Encoder) SendFrame(ctx context.Context, f *pipeline.Frame) error {
	if f == nil {
		e.q.flush()
		return nil
	}
	if f.Format != e.in.RawFormat() {
		return fmt.Errorf("%w: frame format %s, want %s", pipeline.ErrEncode, f.Format, e.in.RawFormat())
	}
	if e.in.Type == pipeline.MediaVideo && (f.Width != e.in.Width || f.Height != e.in.Height) {
		return fmt.Errorf("%w: frame is %dx%d, want %dx%d", pipeline.ErrEncode, f.Width, f.Height, e.in.Width, e.in.Height)
	}
	data := append([]byte(nil), f.Data()...)
	return e.q.push(unit{pts: f.PTS, dts: f.PTS, dur: f.Duration, data: data})
}

func (e *Encoder) ReceivePacket(ctx context.Context) (*pipeline.Packet, error) {
	u, err := e.q.pop()
	if err != nil {
		return nil, err
	}
	pkt := pipeline.NewPacket(u.data)
	pkt.StreamIndex = e.in.Index
	pkt.PTS, pkt.DTS, pkt.Duration = u.pts, u.dts, u.dur
	pkt.KeyFrame = true
	pkt.TimeBase = e.in.TimeBase
	return pkt, nil
}

func (e *Encoder) Close() error {
	e.q.close()
	return nil
}

var _ ports.Encoder = (*Encoder)(nil)
