package ffmpegcodec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

// AACFrameSamples is the number of samples per channel in one AAC-LC frame.
const AACFrameSamples = 1024

const aacObjectLC = 2

var aacRates = []int{96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050, 16000, 12000, 11025, 8000, 7350}

func aacRateIndex(rate int) (int, bool) {
	for i, r := range aacRates {
		if r == rate {
			return i, true
		}
	}
	return 0, false
}

// AudioSpecificConfig returns the two-byte AAC-LC configuration.
func AudioSpecificConfig(sampleRate, channels int) ([]byte, error) {
	idx, ok := aacRateIndex(sampleRate)
	if !ok {
		return nil, fmt.Errorf("%w: aac sample rate %d", pipeline.ErrIncompatibleFormat, sampleRate)
	}
	if channels < 1 || channels > 7 {
		return nil, fmt.Errorf("%w: aac with %d channels", pipeline.ErrIncompatibleFormat, channels)
	}
	return []byte{
		byte(aacObjectLC<<3 | idx>>1),
		byte((idx&1)<<7 | channels<<3),
	}, nil
}

// AACExtradata returns the encoded esds box for an AAC-LC stream.
func AACExtradata(sampleRate, channels int) ([]byte, error) {
	asc, err := AudioSpecificConfig(sampleRate, channels)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := mp4.CreateEsdsBox(asc).Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode esds: %w", err)
	}
	return buf.Bytes(), nil
}

// adtsHeader returns the 7-byte ADTS header for a raw frame of n bytes.
func adtsHeader(rateIndex, channels, n int) []byte {
	size := n + 7
	return []byte{
		0xFF,
		0xF1,
		byte((aacObjectLC-1)<<6 | rateIndex<<2 | channels>>2),
		byte((channels&3)<<6 | size>>11),
		byte(size >> 3),
		byte((size&7)<<5 | 0x1F),
		0xFC,
	}
}

// adtsSplitter cuts an ADTS stream into raw frames without headers.
type adtsSplitter struct {
	buf     []byte
	skipped int
}

func (s *adtsSplitter) feed(p []byte) [][]byte {
	s.buf = append(s.buf, p...)
	var units [][]byte
	for len(s.buf) >= 7 {
		if s.buf[0] != 0xFF || s.buf[1]&0xF0 != 0xF0 {
			s.buf = s.buf[1:]
			s.skipped++
			continue
		}
		hdr := 9
		if s.buf[1]&1 == 1 {
			hdr = 7
		}
		size := int(s.buf[3]&3)<<11 | int(s.buf[4])<<3 | int(s.buf[5])>>5
		if size < hdr {
			s.buf = s.buf[1:]
			s.skipped++
			continue
		}
		if len(s.buf) < size {
			break
		}
		units = append(units, append([]byte(nil), s.buf[hdr:size]...))
		s.buf = s.buf[size:]
	}
	return units
}

func (s *adtsSplitter) finish() [][]byte {
	s.skipped += len(s.buf)
	s.buf = nil
	return nil
}

// AACDecoder decodes AAC-LC frames to interleaved s16 samples.
type AACDecoder struct {
	desc      pipeline.StreamDescriptor
	rateIndex int
	proc      *process

	mu      sync.Mutex
	base    int64
	samples int64
}

// NewAACDecoder starts an ffmpeg decoder for desc. The output descriptor is
// desc with SampleFormat set to s16.
func NewAACDecoder(ffmpegPath string, desc pipeline.StreamDescriptor) (*AACDecoder, error) {
	idx, ok := aacRateIndex(desc.SampleRate)
	if !ok || desc.Channels < 1 || desc.Channels > 7 {
		return nil, fmt.Errorf("%w: aac %dHz %dch", pipeline.ErrUnsupportedFormat, desc.SampleRate, desc.Channels)
	}
	out := desc.Clone()
	out.SampleFormat = pipeline.SampleS16
	frame := pipeline.AudioFrameSize(out.SampleFormat, out.Channels, AACFrameSamples)
	args := []string{
		"-f", "aac",
		"-i", "pipe:0",
		"-vn",
		"-f", "s16le",
		"-ac", strconv.Itoa(out.Channels),
		"-ar", strconv.Itoa(out.SampleRate),
		"pipe:1",
	}
	proc, err := startProcess(ffmpegPath, args, &fixedSplitter{size: frame, align: 2 * out.Channels})
	if err != nil {
		return nil, err
	}
	return &AACDecoder{desc: out, rateIndex: idx, proc: proc, base: pipeline.NoPTS}, nil
}

func (d *AACDecoder) SendPacket(ctx context.Context, pkt *pipeline.Packet) error {
	if pkt == nil {
		d.proc.closeInput()
		return nil
	}
	n := pkt.Size()
	if n == 0 || n+7 > 1<<13-1 {
		return fmt.Errorf("%w: aac frame of %d bytes", pipeline.ErrDecode, n)
	}

	d.mu.Lock()
	if d.base == pipeline.NoPTS && pkt.PTS != pipeline.NoPTS {
		d.base = pkt.PTS
	}
	d.mu.Unlock()

	data := append(adtsHeader(d.rateIndex, d.desc.Channels, n), pkt.Data()...)
	if err := d.proc.write(ctx, data); err != nil {
		if ctx.Err() != nil {
			return pipeline.Cancelled(ctx.Err())
		}
		return fmt.Errorf("%w: %w", pipeline.ErrFatalDecode, err)
	}
	return nil
}

func (d *AACDecoder) ReceiveFrame(ctx context.Context, alloc pipeline.Allocator) (*pipeline.Frame, error) {
	unit, err := d.proc.next()
	switch {
	case err == nil:
	case errors.Is(err, ports.ErrAgain), err == io.EOF, errors.Is(err, pipeline.ErrUnsupportedFormat):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %w", pipeline.ErrFatalDecode, err)
	}

	nb := len(unit) / (2 * d.desc.Channels)
	f, err := pipeline.NewAudioFrame(ctx, alloc, d.desc.SampleFormat, d.desc.SampleRate, d.desc.Channels, nb)
	if err != nil {
		return nil, err
	}
	copy(f.Data(), unit)
	f.StreamIndex = d.desc.Index
	f.TimeBase = d.desc.TimeBase

	sampleTB := pipeline.Rational{Num: 1, Den: int64(d.desc.SampleRate)}
	d.mu.Lock()
	base := d.base
	if base == pipeline.NoPTS {
		base = 0
	}
	f.PTS = base + pipeline.Rescale(d.samples, sampleTB, d.desc.TimeBase)
	f.Duration = pipeline.Rescale(int64(nb), sampleTB, d.desc.TimeBase)
	d.samples += int64(nb)
	d.mu.Unlock()
	f.DTS = f.PTS
	return f, nil
}

func (d *AACDecoder) ReorderDepth() int {
	return 0
}

func (d *AACDecoder) Close() error {
	d.proc.close()
	return nil
}

var _ ports.Decoder = (*AACDecoder)(nil)

// AACEncoder encodes interleaved s16 samples to AAC-LC with ffmpeg's
// native encoder. Packets are stamped in a 1/sample-rate time base.
type AACEncoder struct {
	in   pipeline.StreamDescriptor
	out  pipeline.StreamDescriptor
	proc *process

	mu      sync.Mutex
	base    int64
	packets int64
}

// NewAACEncoder starts an ffmpeg encoder for samples shaped like in.
func NewAACEncoder(ffmpegPath string, in pipeline.StreamDescriptor, opts ports.EncoderOptions) (*AACEncoder, pipeline.StreamDescriptor, error) {
	var out pipeline.StreamDescriptor
	if in.Type != pipeline.MediaAudio || in.SampleFormat != pipeline.SampleS16 {
		return nil, out, fmt.Errorf("%w: aac needs s16 samples, got %s %s", pipeline.ErrIncompatibleFormat, in.Type, in.SampleFormat)
	}
	extradata, err := AACExtradata(in.SampleRate, in.Channels)
	if err != nil {
		return nil, out, err
	}
	if opts.TargetBitrate == 0 {
		opts.TargetBitrate = 128000
	}
	rate, err := rateArgs(opts, "-b:a")
	if err != nil {
		return nil, out, err
	}

	args := []string{
		"-f", "s16le",
		"-ar", strconv.Itoa(in.SampleRate),
		"-ac", strconv.Itoa(in.Channels),
		"-i", "pipe:0",
		"-vn",
		"-c:a", "aac",
	}
	args = append(args, rate...)
	args = append(args,
		"-flush_packets", "1",
		"-f", "adts",
		"pipe:1",
	)
	proc, err := startProcess(ffmpegPath, args, &adtsSplitter{})
	if err != nil {
		return nil, out, err
	}

	out = in.Clone()
	out.Codec = "aac"
	out.TimeBase = pipeline.Rational{Num: 1, Den: int64(in.SampleRate)}
	out.Extradata = extradata
	out.Bitrate = opts.TargetBitrate
	out.FrameSamples = AACFrameSamples
	out.SampleFormat = pipeline.FormatNone
	return &AACEncoder{in: in, out: out, proc: proc, base: pipeline.NoPTS}, out, nil
}

func (e *AACEncoder) SendFrame(ctx context.Context, f *pipeline.Frame) error {
	if f == nil {
		e.proc.closeInput()
		return nil
	}
	if f.Format != pipeline.SampleS16 || f.Channels != e.in.Channels {
		return fmt.Errorf("%w: frame %s %dch does not match the encoder input", pipeline.ErrEncode, f.Format, f.Channels)
	}

	e.mu.Lock()
	if e.base == pipeline.NoPTS && f.PTS != pipeline.NoPTS {
		tb := f.TimeBase
		if !tb.Valid() {
			tb = e.in.TimeBase
		}
		e.base = pipeline.Rescale(f.PTS, tb, e.out.TimeBase)
	}
	e.mu.Unlock()

	if err := e.proc.write(ctx, f.Data()); err != nil {
		if ctx.Err() != nil {
			return pipeline.Cancelled(ctx.Err())
		}
		return fmt.Errorf("%w: %w", pipeline.ErrFatalEncode, err)
	}
	return nil
}

func (e *AACEncoder) ReceivePacket(ctx context.Context) (*pipeline.Packet, error) {
	unit, err := e.proc.next()
	switch {
	case err == nil:
	case errors.Is(err, ports.ErrAgain), err == io.EOF, errors.Is(err, pipeline.ErrUnsupportedFormat):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %w", pipeline.ErrFatalEncode, err)
	}

	pkt := pipeline.NewPacket(unit)
	pkt.StreamIndex = e.in.Index
	pkt.TimeBase = e.out.TimeBase
	pkt.KeyFrame = true
	pkt.Duration = AACFrameSamples

	e.mu.Lock()
	base := e.base
	if base == pipeline.NoPTS {
		base = 0
	}
	pkt.PTS = base + e.packets*AACFrameSamples
	pkt.DTS = pkt.PTS
	e.packets++
	e.mu.Unlock()
	return pkt, nil
}

func (e *AACEncoder) Close() error {
	e.proc.close()
	return nil
}

var _ ports.Encoder = (*AACEncoder)(nil)
