package mp4container

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

type track struct {
	desc      pipeline.StreamDescriptor
	trak      *mp4.TrakBox
	trackID   uint32
	timescale uint32
	tb        pipeline.Rational

	// configured is set once the sample entry is in place.
	configured bool
	shift      int64
	shiftSet   bool

	pending  *mp4.FullSample
	pendDur  uint32
	lastDur  uint32
	samples  []mp4.FullSample
	duration uint64
}

// Writer implements ports.ContainerWriter. Output is a fragmented MP4 with
// one track per fragment.
type Writer struct {
	out    io.WriteCloser
	bw     *bufio.Writer
	logger ports.Logger
	opts   Options

	init        *mp4.InitSegment
	tracks      []*track
	byIndex     map[int]*track
	initWritten bool
	seq         uint32
	closed      bool
}

// NewWriter starts an MP4 file on out. The Writer owns out.
func NewWriter(out io.WriteCloser, logger ports.Logger, opts Options) *Writer {
	return &Writer{
		out:     out,
		bw:      bufio.NewWriter(out),
		logger:  logger,
		opts:    opts,
		init:    mp4.CreateEmptyInit(),
		byIndex: make(map[int]*track),
	}
}

// timescaleFor picks the media timescale of a stream.
func timescaleFor(d pipeline.StreamDescriptor) uint32 {
	if d.TimeBase.Num == 1 && d.TimeBase.Den > 0 && d.TimeBase.Den <= 1<<31 {
		return uint32(d.TimeBase.Den)
	}
	switch {
	case d.Type == pipeline.MediaVideo:
		return 90000
	case d.Type == pipeline.MediaAudio && d.SampleRate > 0:
		return uint32(d.SampleRate)
	}
	return 1000
}

func (w *Writer) AddStream(desc pipeline.StreamDescriptor) error {
	if w.initWritten || w.closed {
		return fmt.Errorf("%w: add stream %d after the header was written", pipeline.ErrInvalidState, desc.Index)
	}
	if _, dup := w.byIndex[desc.Index]; dup {
		return fmt.Errorf("%w: stream %d added twice", pipeline.ErrInvalidState, desc.Index)
	}

	var mediaType string
	switch {
	case desc.Type == pipeline.MediaVideo && (desc.Codec == "h264" || desc.Codec == "av1"):
		mediaType = "video"
	case desc.Type == pipeline.MediaAudio && desc.Codec == "aac":
		mediaType = "audio"
	default:
		return fmt.Errorf("%w: mp4 output cannot carry %s %s", pipeline.ErrUnsupportedFormat, desc.Type, desc.Codec)
	}
	if desc.Codec != "h264" && len(desc.Extradata) == 0 {
		return fmt.Errorf("%w: %s stream %d has no codec configuration", pipeline.ErrUnsupportedFormat, desc.Codec, desc.Index)
	}

	var entry mp4.Box
	if len(desc.Extradata) > 0 {
		var err error
		if entry, err = sampleEntry(desc, desc.Extradata); err != nil {
			return err
		}
	}

	lang := desc.Language
	if len(lang) != 3 {
		lang = "und"
	}
	ts := timescaleFor(desc)
	w.init.AddEmptyTrack(ts, mediaType, lang)
	trak := w.init.Moov.Traks[len(w.init.Moov.Traks)-1]

	t := &track{
		desc:      desc.Clone(),
		trak:      trak,
		trackID:   trak.Tkhd.TrackID,
		timescale: ts,
		tb:        pipeline.Rational{Num: 1, Den: int64(ts)},
	}
	if entry != nil {
		t.install(entry)
	}
	w.tracks = append(w.tracks, t)
	w.byIndex[desc.Index] = t
	w.logger.Debug("Added mp4 track %d for stream %s", t.trackID, desc)
	return nil
}

// sampleEntry builds the sample entry for desc from an encoded config box.
func sampleEntry(desc pipeline.StreamDescriptor, extradata []byte) (mp4.Box, error) {
	box, err := mp4.DecodeBox(0, bytes.NewReader(extradata))
	if err != nil {
		return nil, fmt.Errorf("%w: stream %d codec configuration: %w", pipeline.ErrIncompatibleFormat, desc.Index, err)
	}
	w, h := uint16(desc.Width), uint16(desc.Height)

	switch b := box.(type) {
	case *mp4.AvcCBox:
		if desc.Codec == "h264" {
			return mp4.CreateVisualSampleEntryBox("avc1", w, h, b), nil
		}
	case *mp4.Av1CBox:
		if desc.Codec == "av1" {
			return mp4.CreateVisualSampleEntryBox("av01", w, h, b), nil
		}
	case *mp4.EsdsBox:
		if desc.Codec == "aac" {
			return mp4.CreateAudioSampleEntryBox("mp4a", uint16(desc.Channels), 16, uint16(desc.SampleRate), b), nil
		}
	}
	return nil, fmt.Errorf("%w: %s configuration for %s stream %d", pipeline.ErrIncompatibleFormat, box.Type(), desc.Codec, desc.Index)
}

func (t *track) install(entry mp4.Box) {
	t.trak.Mdia.Minf.Stbl.Stsd.AddChild(entry)
	if t.desc.Type == pipeline.MediaVideo {
		t.trak.Tkhd.Width = mp4.Fixed32(t.desc.Width << 16)
		t.trak.Tkhd.Height = mp4.Fixed32(t.desc.Height << 16)
	}
	t.configured = true
}

// configureFromSample derives an avcC from the parameter sets carried in
// an H.264 key frame.
func (t *track) configureFromSample(data []byte) error {
	nalus, err := avc.GetNalusFromSample(data)
	if err != nil {
		return fmt.Errorf("%w: stream %d: %w", pipeline.ErrEncode, t.desc.Index, err)
	}
	var sps, pps [][]byte
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		switch avc.GetNaluType(n[0]) {
		case avc.NALU_SPS:
			sps = append(sps, n)
		case avc.NALU_PPS:
			pps = append(pps, n)
		}
	}
	if len(sps) == 0 || len(pps) == 0 {
		return nil
	}
	avcC, err := mp4.CreateAvcC(sps, pps, true)
	if err != nil {
		return fmt.Errorf("%w: stream %d avcC: %w", pipeline.ErrIncompatibleFormat, t.desc.Index, err)
	}
	t.install(mp4.CreateVisualSampleEntryBox("avc1", uint16(t.desc.Width), uint16(t.desc.Height), avcC))
	return nil
}

func (w *Writer) WritePacket(ctx context.Context, pkt *pipeline.Packet) error {
	if err := ctx.Err(); err != nil {
		return pipeline.Cancelled(err)
	}
	if w.closed {
		return fmt.Errorf("%w: write after close", pipeline.ErrInvalidState)
	}
	t, ok := w.byIndex[pkt.StreamIndex]
	if !ok {
		return fmt.Errorf("%w: packet for unknown stream %d", pipeline.ErrInvalidState, pkt.StreamIndex)
	}
	if !t.configured {
		if !pkt.KeyFrame {
			w.logger.Debug("Dropping stream %d packet before the first key frame", pkt.StreamIndex)
			return nil
		}
		if err := t.configureFromSample(pkt.Data()); err != nil {
			return err
		}
		if !t.configured {
			return fmt.Errorf("%w: stream %d key frame carries no parameter sets", pipeline.ErrIncompatibleFormat, pkt.StreamIndex)
		}
	}

	from := pkt.TimeBase
	if !from.Valid() {
		from = t.desc.TimeBase
	}
	dts, pts := pkt.DTS, pkt.PTS
	if dts == pipeline.NoPTS {
		dts = pts
	}
	if pts == pipeline.NoPTS {
		pts = dts
	}
	if dts == pipeline.NoPTS {
		return fmt.Errorf("%w: stream %d packet without timestamps", pipeline.ErrInvalidState, pkt.StreamIndex)
	}
	dts = pipeline.Rescale(dts, from, t.tb)
	pts = pipeline.Rescale(pts, from, t.tb)
	if !t.shiftSet {
		if dts < 0 {
			t.shift = -dts
		}
		t.shiftSet = true
	}
	dts += t.shift
	pts += t.shift
	if dts < 0 {
		return fmt.Errorf("%w: stream %d dts before the first packet", pipeline.ErrInvalidState, pkt.StreamIndex)
	}

	flags := mp4.NonSyncSampleFlags
	if pkt.KeyFrame {
		flags = mp4.SyncSampleFlags
	}
	var dur uint32
	if pkt.Duration > 0 {
		dur = uint32(pipeline.Rescale(pkt.Duration, from, t.tb))
	}

	if t.pending != nil {
		t.commit(uint64(dts))
		if pkt.KeyFrame && w.fragmentFull(t) {
			if err := w.flushReady(); err != nil {
				return err
			}
		}
	}
	t.pending = &mp4.FullSample{
		Sample: mp4.Sample{
			Flags:                 flags,
			Size:                  uint32(pkt.Size()),
			CompositionTimeOffset: int32(pts - dts),
		},
		DecodeTime: uint64(dts),
		Data:       append([]byte(nil), pkt.Data()...),
	}
	t.pendDur = dur
	return nil
}

// commit finalizes the pending sample's duration from the next decode time.
func (t *track) commit(nextDTS uint64) {
	s := t.pending
	switch {
	case nextDTS > s.DecodeTime:
		s.Dur = uint32(nextDTS - s.DecodeTime)
	case t.pendDur > 0:
		s.Dur = t.pendDur
	default:
		s.Dur = t.lastDur
	}
	t.lastDur = s.Dur
	t.samples = append(t.samples, *s)
	t.duration += uint64(s.Dur)
	t.pending = nil
}

func (w *Writer) fragmentFull(t *track) bool {
	limit := uint64(w.opts.FragmentDuration.Seconds() * float64(t.timescale))
	return limit > 0 && t.duration >= limit
}

// flushReady writes the header once every track is configured, then the
// buffered samples of every track.
func (w *Writer) flushReady() error {
	if !w.initWritten {
		for _, t := range w.tracks {
			if !t.configured {
				return nil
			}
		}
		if err := w.writeInit(); err != nil {
			return err
		}
	}
	for _, t := range w.tracks {
		if err := w.flushTrack(t); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeInit() error {
	brands := []string{"isom", "iso6", "mp41"}
	for _, t := range w.tracks {
		switch t.desc.Codec {
		case "h264":
			brands = append(brands, "avc1")
		case "av1":
			brands = append(brands, "av01")
		}
	}
	ftyp := mp4.NewFtyp("isom", 0x200, brands)
	if err := ftyp.Encode(w.bw); err != nil {
		return fmt.Errorf("encode ftyp: %w", err)
	}
	if err := w.init.Moov.Encode(w.bw); err != nil {
		return fmt.Errorf("encode moov: %w", err)
	}
	w.initWritten = true
	return nil
}

func (w *Writer) flushTrack(t *track) error {
	if len(t.samples) == 0 {
		return nil
	}
	w.seq++
	frag, err := mp4.CreateFragment(w.seq, t.trackID)
	if err != nil {
		return fmt.Errorf("create fragment: %w", err)
	}
	for _, s := range t.samples {
		frag.AddFullSample(s)
	}
	if err := frag.Encode(w.bw); err != nil {
		return fmt.Errorf("encode fragment %d: %w", w.seq, err)
	}
	t.samples = nil
	t.duration = 0
	return nil
}

// Close writes the remaining samples and closes the output.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	for _, t := range w.tracks {
		if t.pending == nil {
			continue
		}
		t.commit(t.pending.DecodeTime)
		if t.lastDur == 0 {
			t.samples[len(t.samples)-1].Dur = 1
		}
	}

	var err error
	for _, t := range w.tracks {
		if !t.configured {
			err = fmt.Errorf("%w: stream %d never received its codec configuration", pipeline.ErrInvalidState, t.desc.Index)
		}
	}
	if err == nil {
		if len(w.tracks) == 0 {
			err = fmt.Errorf("%w: no streams added", pipeline.ErrInvalidState)
		} else {
			err = w.flushReady()
		}
	}
	if ferr := w.bw.Flush(); ferr != nil && err == nil {
		err = fmt.Errorf("flush output: %w", ferr)
	}
	if cerr := w.out.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close output: %w", cerr)
	}
	return err
}

var _ ports.ContainerWriter = (*Writer)(nil)
