package ffmpegcodec

import (
	"bytes"
	"container/heap"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

var startCode = []byte{0, 0, 0, 1}

// ParameterSets extracts SPS and PPS NAL units from an encoded avcC box.
func ParameterSets(extradata []byte) (sps, pps [][]byte, err error) {
	if len(extradata) == 0 {
		return nil, nil, nil
	}
	box, err := mp4.DecodeBox(0, bytes.NewReader(extradata))
	if err != nil {
		return nil, nil, fmt.Errorf("decode avcC: %w", err)
	}
	avcC, ok := box.(*mp4.AvcCBox)
	if !ok {
		return nil, nil, fmt.Errorf("extradata is a %s box, want avcC", box.Type())
	}
	return avcC.SPSnalus, avcC.PPSnalus, nil
}

// AnnexB converts a length-prefixed sample to a start-code byte stream,
// prepending sps and pps when given.
func AnnexB(sample []byte, sps, pps [][]byte) ([]byte, error) {
	nalus, err := avc.GetNalusFromSample(sample)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, ps := range [][][]byte{sps, pps} {
		for _, n := range ps {
			buf.Write(startCode)
			buf.Write(n)
		}
	}
	for _, n := range nalus {
		buf.Write(startCode)
		buf.Write(n)
	}
	return buf.Bytes(), nil
}

// AVCC converts one access unit from a start-code byte stream to a
// length-prefixed sample, dropping access unit delimiters.
func AVCC(au []byte) (sample []byte, key bool) {
	for _, n := range avc.ExtractNalusFromByteStream(au) {
		if len(n) == 0 {
			continue
		}
		switch avc.GetNaluType(n[0]) {
		case avc.NALU_AUD:
			continue
		case avc.NALU_IDR:
			key = true
		}
		sample = binary.BigEndian.AppendUint32(sample, uint32(len(n)))
		sample = append(sample, n...)
	}
	return sample, key
}

// auSplitter cuts an H.264 byte stream at access unit delimiters.
type auSplitter struct {
	buf  []byte
	scan int
}

func (s *auSplitter) feed(p []byte) [][]byte {
	s.buf = append(s.buf, p...)
	var units [][]byte
	for {
		i := s.nextAUD()
		if i < 0 {
			return units
		}
		start := i
		if s.buf[start-1] == 0 {
			start--
		}
		if start > 0 {
			units = append(units, append([]byte(nil), s.buf[:start]...))
		}
		s.buf = s.buf[start:]
		s.scan = 0
	}
}

// nextAUD returns the offset of the next 00 00 01 09 after the delimiter
// that starts the buffer, or -1.
func (s *auSplitter) nextAUD() int {
	from := s.scan
	if from < 2 {
		from = 2
	}
	for i := from; i+3 < len(s.buf); i++ {
		if s.buf[i] == 0 && s.buf[i+1] == 0 && s.buf[i+2] == 1 && avc.GetNaluType(s.buf[i+3]) == avc.NALU_AUD {
			return i
		}
	}
	s.scan = len(s.buf) - 3
	return -1
}

func (s *auSplitter) finish() [][]byte {
	if len(s.buf) == 0 {
		return nil
	}
	unit := s.buf
	s.buf = nil
	return [][]byte{unit}
}

type ptsHeap []int64

func (h ptsHeap) Len() int           { return len(h) }
func (h ptsHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h ptsHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *ptsHeap) Push(x any)        { *h = append(*h, x.(int64)) }
func (h *ptsHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// H264Decoder decodes AVC samples to yuv420p pictures.
type H264Decoder struct {
	desc pipeline.StreamDescriptor
	sps  [][]byte
	pps  [][]byte
	proc *process

	mu   sync.Mutex
	pts  ptsHeap
	sent int
}

// NewH264Decoder starts an ffmpeg decoder for desc. The output descriptor
// is desc with PixelFormat set to yuv420p.
func NewH264Decoder(ffmpegPath string, desc pipeline.StreamDescriptor) (*H264Decoder, error) {
	if desc.Width <= 0 || desc.Height <= 0 {
		return nil, pipeline.Configuration("h264 stream %d has no dimensions", desc.Index)
	}
	sps, pps, err := ParameterSets(desc.Extradata)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pipeline.ErrContainerCorrupt, err)
	}

	out := desc.Clone()
	out.PixelFormat = pipeline.PixYUV420P
	size := pipeline.VideoFrameSize(out.PixelFormat, out.Width, out.Height)
	args := []string{
		"-probesize", "32768",
		"-f", "h264",
		"-i", "pipe:0",
		"-an",
		"-fps_mode", "passthrough",
		"-f", "rawvideo",
		"-pix_fmt", "yuv420p",
		"-s", fmt.Sprintf("%dx%d", out.Width, out.Height),
		"pipe:1",
	}
	proc, err := startProcess(ffmpegPath, args, &fixedSplitter{size: size, align: size})
	if err != nil {
		return nil, err
	}
	return &H264Decoder{desc: out, sps: sps, pps: pps, proc: proc}, nil
}

func (d *H264Decoder) SendPacket(ctx context.Context, pkt *pipeline.Packet) error {
	if pkt == nil {
		d.proc.closeInput()
		return nil
	}

	var sps, pps [][]byte
	if pkt.KeyFrame || d.sent == 0 {
		sps, pps = d.sps, d.pps
	}
	data, err := AnnexB(pkt.Data(), sps, pps)
	if err != nil {
		return fmt.Errorf("%w: malformed sample: %w", pipeline.ErrDecode, err)
	}

	d.mu.Lock()
	if pkt.PTS != pipeline.NoPTS {
		heap.Push(&d.pts, pkt.PTS)
	}
	d.mu.Unlock()

	if err := d.proc.write(ctx, data); err != nil {
		return d.fatal(ctx, err)
	}
	d.sent++
	return nil
}

func (d *H264Decoder) fatal(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return pipeline.Cancelled(ctx.Err())
	}
	if errors.Is(err, pipeline.ErrUnsupportedFormat) || errors.Is(err, ErrClosed) {
		return err
	}
	return fmt.Errorf("%w: %w", pipeline.ErrFatalDecode, err)
}

func (d *H264Decoder) ReceiveFrame(ctx context.Context, alloc pipeline.Allocator) (*pipeline.Frame, error) {
	unit, err := d.proc.next()
	switch {
	case err == nil:
	case errors.Is(err, ports.ErrAgain), err == io.EOF:
		return nil, err
	default:
		return nil, d.fatal(ctx, err)
	}

	f, err := pipeline.NewVideoFrame(ctx, alloc, d.desc.PixelFormat, d.desc.Width, d.desc.Height)
	if err != nil {
		return nil, err
	}
	copy(f.Data(), unit)
	f.StreamIndex = d.desc.Index
	f.TimeBase = d.desc.TimeBase

	// Pictures leave ffmpeg in presentation order.
	d.mu.Lock()
	if d.pts.Len() > 0 {
		f.PTS = heap.Pop(&d.pts).(int64)
		f.DTS = f.PTS
	}
	d.mu.Unlock()
	return f, nil
}

// ReorderDepth is zero: presentation timestamps are assigned in order.
func (d *H264Decoder) ReorderDepth() int {
	return 0
}

func (d *H264Decoder) Close() error {
	d.proc.close()
	return nil
}

var _ ports.Decoder = (*H264Decoder)(nil)

type timing struct {
	pts, dur int64
}

// H264Encoder encodes yuv420p pictures with libx264. B-frames are disabled
// so packets leave in presentation order.
type H264Encoder struct {
	in   pipeline.StreamDescriptor
	proc *process

	mu      sync.Mutex
	pending []timing
}

// NewH264Encoder starts an ffmpeg encoder for frames shaped like in.
func NewH264Encoder(ffmpegPath string, in pipeline.StreamDescriptor, opts ports.EncoderOptions) (*H264Encoder, pipeline.StreamDescriptor, error) {
	var out pipeline.StreamDescriptor
	if in.Type != pipeline.MediaVideo || in.PixelFormat != pipeline.PixYUV420P {
		return nil, out, fmt.Errorf("%w: h264 needs yuv420p pictures, got %s %s", pipeline.ErrIncompatibleFormat, in.Type, in.PixelFormat)
	}
	if in.Width <= 0 || in.Height <= 0 || in.Width%2 != 0 || in.Height%2 != 0 {
		return nil, out, fmt.Errorf("%w: h264 needs even dimensions, got %dx%d", pipeline.ErrIncompatibleFormat, in.Width, in.Height)
	}
	rate, err := rateArgs(opts, "-b:v")
	if err != nil {
		return nil, out, err
	}

	fps := in.FrameRate
	if !fps.Valid() {
		fps = pipeline.Rational{Num: 25, Den: 1}
	}
	preset := paramOr(opts.Params, "preset", "fast")
	gop := paramOr(opts.Params, "gop", strconv.FormatInt(2*maxInt64(1, fps.Num/fps.Den), 10))

	args := []string{
		"-f", "rawvideo",
		"-pix_fmt", "yuv420p",
		"-s", fmt.Sprintf("%dx%d", in.Width, in.Height),
		"-r", fmt.Sprintf("%d/%d", fps.Num, fps.Den),
		"-i", "pipe:0",
		"-an",
		"-c:v", "libx264",
		"-preset", preset,
		"-bf", "0",
		"-g", gop,
	}
	if p, ok := opts.Params["profile"]; ok {
		args = append(args, "-profile:v", p)
	}
	if opts.BitrateMode != ports.BitrateCBR && opts.TargetBitrate == 0 {
		args = append(args, "-crf", paramOr(opts.Params, "crf", "23"))
	}
	args = append(args, rate...)
	if opts.BitrateMode == ports.BitrateCBR {
		args = append(args, "-x264-params", "nal-hrd=cbr")
	}
	args = append(args,
		"-bsf:v", "h264_metadata=aud=insert",
		"-fps_mode", "passthrough",
		"-flush_packets", "1",
		"-f", "h264",
		"pipe:1",
	)

	proc, err := startProcess(ffmpegPath, args, &auSplitter{})
	if err != nil {
		return nil, out, err
	}

	out = in.Clone()
	out.Codec = "h264"
	out.Extradata = nil
	out.Bitrate = opts.TargetBitrate
	out.ReorderDepth = 0
	return &H264Encoder{in: in, proc: proc}, out, nil
}

// rateArgs maps the bitrate options onto ffmpeg flags.
func rateArgs(opts ports.EncoderOptions, flag string) ([]string, error) {
	switch opts.BitrateMode {
	case ports.BitrateCBR:
		if opts.TargetBitrate <= 0 {
			return nil, pipeline.Configuration("cbr needs a target bitrate")
		}
		b := strconv.FormatInt(opts.TargetBitrate, 10)
		return []string{flag, b, "-minrate", b, "-maxrate", b, "-bufsize", b}, nil
	case ports.BitrateVBR, "":
		if opts.TargetBitrate > 0 {
			return []string{flag, strconv.FormatInt(opts.TargetBitrate, 10)}, nil
		}
		return nil, nil
	}
	return nil, pipeline.Configuration("unknown bitrate mode %q", opts.BitrateMode)
}

func paramOr(params map[string]string, key, def string) string {
	if v, ok := params[key]; ok && v != "" {
		return v
	}
	return def
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func (e *H264Encoder) SendFrame(ctx context.Context, f *pipeline.Frame) error {
	if f == nil {
		e.proc.closeInput()
		return nil
	}
	if f.Format != pipeline.PixYUV420P || f.Width != e.in.Width || f.Height != e.in.Height {
		return fmt.Errorf("%w: frame %s %dx%d does not match the encoder input", pipeline.ErrEncode, f.Format, f.Width, f.Height)
	}

	e.mu.Lock()
	e.pending = append(e.pending, timing{pts: f.PTS, dur: f.Duration})
	e.mu.Unlock()

	if err := e.proc.write(ctx, f.Data()); err != nil {
		if ctx.Err() != nil {
			return pipeline.Cancelled(ctx.Err())
		}
		return fmt.Errorf("%w: %w", pipeline.ErrFatalEncode, err)
	}
	return nil
}

func (e *H264Encoder) ReceivePacket(ctx context.Context) (*pipeline.Packet, error) {
	for {
		unit, err := e.proc.next()
		switch {
		case err == nil:
		case errors.Is(err, ports.ErrAgain), err == io.EOF, errors.Is(err, pipeline.ErrUnsupportedFormat):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %w", pipeline.ErrFatalEncode, err)
		}

		sample, key := AVCC(unit)
		if len(sample) == 0 {
			continue
		}
		pkt := pipeline.NewPacket(sample)
		pkt.StreamIndex = e.in.Index
		pkt.KeyFrame = key
		pkt.TimeBase = e.in.TimeBase

		e.mu.Lock()
		if len(e.pending) > 0 {
			t := e.pending[0]
			e.pending = e.pending[1:]
			pkt.PTS, pkt.DTS, pkt.Duration = t.pts, t.pts, t.dur
		}
		e.mu.Unlock()
		return pkt, nil
	}
}

func (e *H264Encoder) Close() error {
	e.proc.close()
	return nil
}

var _ ports.Encoder = (*H264Encoder)(nil)
