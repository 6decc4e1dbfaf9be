package pipeline

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"github.com/user/avflow/pkg/bufferpool"
)

// =============================================================================
// Timing
// =============================================================================

// NoPTS marks an unknown timestamp.
const NoPTS int64 = math.MinInt64

// Rational is a time base or rate expressed as Num/Den.
type Rational struct {
	Num int64 `json:"num"`
	Den int64 `json:"den"`
}

// Microseconds is the common time base used to compare streams.
var Microseconds = Rational{Num: 1, Den: 1_000_000}

// Valid reports whether both terms are positive.
func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// Float64 returns Num/Den.
func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// Invert returns Den/Num.
func (r Rational) Invert() Rational {
	return Rational{Num: r.Den, Den: r.Num}
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Rescale converts ts from one time base to another, rounding to nearest
// with halves away from zero. NoPTS is passed through.
func Rescale(ts int64, from, to Rational) int64 {
	if ts == NoPTS {
		return NoPTS
	}
	if from == to {
		return ts
	}
	num := new(big.Int).Mul(big.NewInt(ts), big.NewInt(from.Num))
	num.Mul(num, big.NewInt(to.Den))
	den := new(big.Int).Mul(big.NewInt(from.Den), big.NewInt(to.Num))
	if den.Sign() == 0 {
		return NoPTS
	}
	if den.Sign() < 0 {
		num.Neg(num)
		den.Neg(den)
	}

	half := new(big.Int).Rsh(den, 1)
	if num.Sign() >= 0 {
		num.Add(num, half)
	} else {
		num.Sub(num, half)
	}
	return num.Quo(num, den).Int64()
}

// =============================================================================
// Media and formats
// =============================================================================

// MediaType classifies a stream.
type MediaType int

const (
	MediaVideo MediaType = iota
	MediaAudio
	MediaSubtitle
	MediaData
)

func (m MediaType) String() string {
	switch m {
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	case MediaSubtitle:
		return "subtitle"
	case MediaData:
		return "data"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m MediaType) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ParseMediaType parses the String form of a MediaType.
func ParseMediaType(s string) (MediaType, bool) {
	switch s {
	case "video":
		return MediaVideo, true
	case "audio":
		return MediaAudio, true
	case "subtitle":
		return MediaSubtitle, true
	case "data":
		return MediaData, true
	}
	return 0, false
}

// Format names a raw pixel or sample layout.
type Format string

const (
	FormatNone Format = ""

	PixYUV420P Format = "yuv420p"
	PixRGBA    Format = "rgba"
	PixGray    Format = "gray"

	SampleS16 Format = "s16"
	SampleFLT Format = "flt"
)

// IsVideo reports whether f is a pixel format.
func (f Format) IsVideo() bool {
	switch f {
	case PixYUV420P, PixRGBA, PixGray:
		return true
	}
	return false
}

// IsAudio reports whether f is a sample format.
func (f Format) IsAudio() bool {
	return f == SampleS16 || f == SampleFLT
}

// BytesPerSample returns the size of one interleaved sample.
func (f Format) BytesPerSample() int {
	switch f {
	case SampleS16:
		return 2
	case SampleFLT:
		return 4
	}
	return 0
}

// VideoFrameSize returns the byte size of one picture.
func VideoFrameSize(f Format, width, height int) int {
	switch f {
	case PixYUV420P:
		cw, ch := (width+1)/2, (height+1)/2
		return width*height + 2*cw*ch
	case PixRGBA:
		return width * height * 4
	case PixGray:
		return width * height
	}
	return 0
}

// AudioFrameSize returns the byte size of nbSamples interleaved samples.
func AudioFrameSize(f Format, channels, nbSamples int) int {
	return f.BytesPerSample() * channels * nbSamples
}

// =============================================================================
// Stream descriptor
// =============================================================================

// StreamDescriptor describes one elementary stream. It is treated as a value
// and must not change once the first packet of the stream has been emitted.
type StreamDescriptor struct {
	Index    int       `json:"index"`
	Type     MediaType `json:"type"`
	Codec    string    `json:"codec"`
	TimeBase Rational  `json:"timeBase"`
	Bitrate  int64     `json:"bitrate,omitempty"`
	Language string    `json:"language,omitempty"`

	// Extradata holds codec private data, such as an encoded configuration box.
	Extradata []byte `json:"extradata,omitempty"`

	// Video
	Width        int      `json:"width,omitempty"`
	Height       int      `json:"height,omitempty"`
	PixelFormat  Format   `json:"pixelFormat,omitempty"`
	FrameRate    Rational `json:"frameRate,omitempty"`
	ReorderDepth int      `json:"reorderDepth,omitempty"`

	// Audio
	SampleRate   int    `json:"sampleRate,omitempty"`
	Channels     int    `json:"channels,omitempty"`
	SampleFormat Format `json:"sampleFormat,omitempty"`
	FrameSamples int    `json:"frameSamples,omitempty"`
}

// Clone returns a deep copy.
func (d StreamDescriptor) Clone() StreamDescriptor {
	if d.Extradata != nil {
		d.Extradata = append([]byte(nil), d.Extradata...)
	}
	return d
}

// RawFormat returns the pixel or sample format of decoded frames.
func (d StreamDescriptor) RawFormat() Format {
	if d.Type == MediaAudio {
		return d.SampleFormat
	}
	return d.PixelFormat
}

func (d StreamDescriptor) String() string {
	switch d.Type {
	case MediaVideo:
		return fmt.Sprintf("#%d video %s %dx%d %s tb=%s", d.Index, d.Codec, d.Width, d.Height, d.PixelFormat, d.TimeBase)
	case MediaAudio:
		return fmt.Sprintf("#%d audio %s %dHz %dch %s tb=%s", d.Index, d.Codec, d.SampleRate, d.Channels, d.SampleFormat, d.TimeBase)
	default:
		return fmt.Sprintf("#%d %s %s tb=%s", d.Index, d.Type, d.Codec, d.TimeBase)
	}
}

// =============================================================================
// Packets and frames
// =============================================================================

// Allocator hands out pooled buffers. *bufferpool.Pool implements it.
type Allocator interface {
	Acquire(ctx context.Context, size int, format string) (*bufferpool.Buffer, error)
}

// Packet is a unit of compressed data. A packet has exactly one owner;
// pushing it into a Queue transfers ownership.
type Packet struct {
	StreamIndex int
	PTS         int64
	DTS         int64
	Duration    int64
	KeyFrame    bool
	TimeBase    Rational

	buf  *bufferpool.Buffer
	data []byte
}

// NewPacket wraps data without pooling. The packet takes ownership of data.
func NewPacket(data []byte) *Packet {
	return &Packet{PTS: NoPTS, DTS: NoPTS, data: data}
}

// NewPooledPacket wraps a checked-out buffer.
func NewPooledPacket(buf *bufferpool.Buffer) *Packet {
	return &Packet{PTS: NoPTS, DTS: NoPTS, buf: buf}
}

// Data returns the payload. Callers must not modify it.
func (p *Packet) Data() []byte {
	if p.buf != nil {
		return p.buf.Bytes()
	}
	return p.data
}

// Size returns the payload length.
func (p *Packet) Size() int {
	return len(p.Data())
}

// Pooled reports whether the payload lives in a pool buffer.
func (p *Packet) Pooled() bool {
	return p.buf != nil
}

// Adopt copies an unpooled payload into a buffer from alloc.
func (p *Packet) Adopt(ctx context.Context, alloc Allocator) error {
	if p.buf != nil {
		return nil
	}
	buf, err := Acquire(ctx, alloc, len(p.data), "packet")
	if err != nil {
		return err
	}
	copy(buf.Bytes(), p.data)
	p.buf = buf
	p.data = nil
	return nil
}

// Release returns the payload to its pool. It is safe to call more than once.
func (p *Packet) Release() {
	if p.buf != nil {
		p.buf.Release()
		p.buf = nil
	}
	p.data = nil
}

// Frame is a unit of decoded data held in a pool buffer.
type Frame struct {
	StreamIndex int
	PTS         int64
	DTS         int64
	Duration    int64
	TimeBase    Rational
	Format      Format

	// Video
	Width  int
	Height int

	// Audio
	SampleRate int
	Channels   int
	NbSamples  int

	Buf *bufferpool.Buffer
}

// NewVideoFrame allocates a zero-timestamped picture.
func NewVideoFrame(ctx context.Context, alloc Allocator, f Format, width, height int) (*Frame, error) {
	buf, err := Acquire(ctx, alloc, VideoFrameSize(f, width, height), string(f))
	if err != nil {
		return nil, err
	}
	return &Frame{PTS: NoPTS, DTS: NoPTS, Format: f, Width: width, Height: height, Buf: buf}, nil
}

// NewAudioFrame allocates nbSamples interleaved samples.
func NewAudioFrame(ctx context.Context, alloc Allocator, f Format, sampleRate, channels, nbSamples int) (*Frame, error) {
	buf, err := Acquire(ctx, alloc, AudioFrameSize(f, channels, nbSamples), string(f))
	if err != nil {
		return nil, err
	}
	return &Frame{
		PTS: NoPTS, DTS: NoPTS, Format: f,
		SampleRate: sampleRate, Channels: channels, NbSamples: nbSamples,
		Buf: buf,
	}, nil
}

// Data returns the raw bytes.
func (f *Frame) Data() []byte {
	if f.Buf == nil {
		return nil
	}
	return f.Buf.Bytes()
}

// Retain returns a second handle sharing the same buffer. Both handles must
// be released and neither may write without calling Writable first.
func (f *Frame) Retain() *Frame {
	c := *f
	if f.Buf != nil {
		c.Buf = f.Buf.Retain()
	}
	return &c
}

// Shared reports whether the buffer has other holders.
func (f *Frame) Shared() bool {
	return f.Buf != nil && f.Buf.Shared()
}

// Writable makes f safe to modify, copying the buffer if it is shared.
func (f *Frame) Writable(ctx context.Context, alloc Allocator) error {
	if !f.Shared() {
		return nil
	}
	buf, err := Acquire(ctx, alloc, f.Buf.Len(), string(f.Format))
	if err != nil {
		return err
	}
	copy(buf.Bytes(), f.Buf.Bytes())
	f.Buf.Release()
	f.Buf = buf
	return nil
}

// Release drops this handle's reference. It is safe to call more than once.
func (f *Frame) Release() {
	if f.Buf != nil {
		f.Buf.Release()
		f.Buf = nil
	}
}

// CopyProps copies timing and stream identity from src.
func (f *Frame) CopyProps(src *Frame) {
	f.StreamIndex = src.StreamIndex
	f.PTS = src.PTS
	f.DTS = src.DTS
	f.Duration = src.Duration
	f.TimeBase = src.TimeBase
	if f.SampleRate == 0 {
		f.SampleRate = src.SampleRate
	}
}
