// Package mp4container reads and writes ISO BMFF (MP4) files with mp4ff.
// Progressive and fragmented inputs are read; output is always fragmented.
package mp4container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/user/avflow/pkg/adapters/formatdetect"
	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

// nonSyncBit is sample_is_non_sync_sample in ISO BMFF sample flags.
const nonSyncBit = 0x00010000

type sampleRef struct {
	stream int
	offset int64
	size   uint32
	data   []byte
	dts    int64
	cto    int32
	dur    uint32
	key    bool
}

// Reader implements ports.ContainerReader. Samples are returned in file
// storage order.
type Reader struct {
	f       ports.ReadSeekCloser
	descs   []pipeline.StreamDescriptor
	samples []sampleRef
	next    int
}

// NewReader parses the MP4 structure of f. Only streams listed are read;
// all streams when none are given.
func NewReader(f ports.ReadSeekCloser, streams ...int) (*Reader, error) {
	file, err := mp4.DecodeFile(f)
	if err != nil {
		return nil, fmt.Errorf("%w: decode mp4: %w", pipeline.ErrContainerCorrupt, err)
	}

	moov := file.Moov
	if file.IsFragmented() {
		if file.Init == nil {
			return nil, fmt.Errorf("%w: fragmented file without init segment", pipeline.ErrContainerCorrupt)
		}
		moov = file.Init.Moov
	}
	if moov == nil {
		return nil, fmt.Errorf("%w: no moov box found", pipeline.ErrContainerCorrupt)
	}

	r := &Reader{f: f}
	for i, trak := range moov.Traks {
		d, err := describe(i, trak)
		if err != nil {
			return nil, err
		}
		r.descs = append(r.descs, d)
	}

	selected := make(map[int]bool, len(streams))
	for _, s := range streams {
		if s < 0 || s >= len(r.descs) {
			return nil, pipeline.Configuration("stream %d not in input (%d streams)", s, len(r.descs))
		}
		selected[s] = true
	}
	want := func(i int) bool { return len(selected) == 0 || selected[i] }

	if file.IsFragmented() {
		err = r.indexFragments(file, moov, want)
	} else {
		err = r.indexProgressive(moov, want)
	}
	if err != nil {
		return nil, err
	}
	r.fillFrameRates()
	return r, nil
}

func describe(index int, trak *mp4.TrakBox) (pipeline.StreamDescriptor, error) {
	if trak.Mdia == nil || trak.Mdia.Mdhd == nil || trak.Mdia.Mdhd.Timescale == 0 {
		return pipeline.StreamDescriptor{}, fmt.Errorf("%w: track %d has no media header", pipeline.ErrContainerCorrupt, index)
	}
	typ, codec := formatdetect.TrackCodec(trak)
	d := pipeline.StreamDescriptor{
		Index:    index,
		Type:     typ,
		Codec:    codec,
		TimeBase: pipeline.Rational{Num: 1, Den: int64(trak.Mdia.Mdhd.Timescale)},
		Language: trak.Mdia.Mdhd.GetLanguage(),
	}

	switch e := formatdetect.SampleEntry(trak).(type) {
	case *mp4.VisualSampleEntryBox:
		d.Width, d.Height = int(e.Width), int(e.Height)
		for _, child := range e.Children {
			switch child.(type) {
			case *mp4.AvcCBox, *mp4.HvcCBox, *mp4.Av1CBox:
				extradata, err := encodeBox(child)
				if err != nil {
					return d, err
				}
				d.Extradata = extradata
			}
		}
	case *mp4.AudioSampleEntryBox:
		d.SampleRate = int(e.SampleRate)
		d.Channels = int(e.ChannelCount)
		if e.Esds != nil {
			extradata, err := encodeBox(e.Esds)
			if err != nil {
				return d, err
			}
			d.Extradata = extradata
		}
		if codec == "aac" {
			d.FrameSamples = 1024
		}
	}
	return d, nil
}

func encodeBox(b mp4.Box) ([]byte, error) {
	var buf bytes.Buffer
	if err := b.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode %s: %w", b.Type(), err)
	}
	return buf.Bytes(), nil
}

func (r *Reader) indexProgressive(moov *mp4.MoovBox, want func(int) bool) error {
	for i, trak := range moov.Traks {
		if !want(i) {
			continue
		}
		if err := r.indexTrack(i, trak); err != nil {
			return err
		}
	}
	sort.SliceStable(r.samples, func(a, b int) bool {
		return r.samples[a].offset < r.samples[b].offset
	})
	return nil
}

func (r *Reader) indexTrack(index int, trak *mp4.TrakBox) error {
	if trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil {
		return fmt.Errorf("%w: track %d has no sample table", pipeline.ErrContainerCorrupt, index)
	}
	stbl := trak.Mdia.Minf.Stbl
	if stbl.Stsz == nil || stbl.Stsc == nil || stbl.Stts == nil {
		return fmt.Errorf("%w: track %d is missing stsz, stsc or stts", pipeline.ErrContainerCorrupt, index)
	}
	if stbl.Stco == nil && stbl.Co64 == nil {
		return fmt.Errorf("%w: track %d has no chunk offsets", pipeline.ErrContainerCorrupt, index)
	}

	syncSamples := make(map[uint32]bool)
	if stbl.Stss != nil {
		for _, nr := range stbl.Stss.SampleNumber {
			syncSamples[nr] = true
		}
	}

	prevChunk := -1
	var offset int64
	for nr := uint32(1); nr <= stbl.Stsz.SampleNumber; nr++ {
		chunkNr, _, err := stbl.Stsc.ChunkNrFromSampleNr(int(nr))
		if err != nil {
			return fmt.Errorf("%w: track %d sample %d: %w", pipeline.ErrContainerCorrupt, index, nr, err)
		}
		if chunkNr != prevChunk {
			off, err := chunkOffset(stbl, chunkNr)
			if err != nil {
				return fmt.Errorf("%w: track %d: %w", pipeline.ErrContainerCorrupt, index, err)
			}
			offset = int64(off)
			prevChunk = chunkNr
		}
		size := stbl.Stsz.GetSampleSize(int(nr))
		dts, dur := stbl.Stts.GetDecodeTime(nr)
		var cto int32
		if stbl.Ctts != nil {
			cto = stbl.Ctts.GetCompositionTimeOffset(nr)
		}
		r.samples = append(r.samples, sampleRef{
			stream: index,
			offset: offset,
			size:   size,
			dts:    int64(dts),
			cto:    cto,
			dur:    dur,
			key:    stbl.Stss == nil || syncSamples[nr],
		})
		offset += int64(size)
	}
	return nil
}

func chunkOffset(stbl *mp4.StblBox, chunkNr int) (uint64, error) {
	if stbl.Stco != nil {
		return stbl.Stco.GetOffset(chunkNr)
	}
	if chunkNr < 1 || chunkNr > len(stbl.Co64.ChunkOffset) {
		return 0, fmt.Errorf("chunk %d out of range", chunkNr)
	}
	return stbl.Co64.ChunkOffset[chunkNr-1], nil
}

func (r *Reader) indexFragments(file *mp4.File, moov *mp4.MoovBox, want func(int) bool) error {
	byTrackID := make(map[uint32]int, len(moov.Traks))
	for i, trak := range moov.Traks {
		byTrackID[trak.Tkhd.TrackID] = i
	}
	trexs := make(map[uint32]*mp4.TrexBox)
	if moov.Mvex != nil {
		for _, t := range moov.Mvex.Trexs {
			trexs[t.TrackID] = t
		}
	}

	for _, seg := range file.Segments {
		for _, frag := range seg.Fragments {
			if frag.Moof == nil || len(frag.Moof.Trafs) == 0 {
				continue
			}
			if len(frag.Moof.Trafs) > 1 {
				return fmt.Errorf("%w: fragment %d carries %d tracks", pipeline.ErrUnsupportedFormat, frag.Moof.Mfhd.SequenceNumber, len(frag.Moof.Trafs))
			}
			trackID := frag.Moof.Traf.Tfhd.TrackID
			index, ok := byTrackID[trackID]
			if !ok {
				return fmt.Errorf("%w: fragment for unknown track %d", pipeline.ErrContainerCorrupt, trackID)
			}
			if !want(index) {
				continue
			}
			samples, err := frag.GetFullSamples(trexs[trackID])
			if err != nil {
				return fmt.Errorf("%w: get samples: %w", pipeline.ErrContainerCorrupt, err)
			}
			for _, s := range samples {
				r.samples = append(r.samples, sampleRef{
					stream: index,
					size:   uint32(len(s.Data)),
					data:   s.Data,
					dts:    int64(s.DecodeTime),
					cto:    s.CompositionTimeOffset,
					dur:    s.Dur,
					key:    s.Flags&nonSyncBit == 0,
				})
			}
		}
	}
	return nil
}

// fillFrameRates derives a frame rate for video streams from the first
// sample duration.
func (r *Reader) fillFrameRates() {
	seen := make(map[int]bool)
	for _, s := range r.samples {
		if seen[s.stream] || s.dur == 0 {
			continue
		}
		seen[s.stream] = true
		d := &r.descs[s.stream]
		if d.Type == pipeline.MediaVideo {
			num, den := d.TimeBase.Den, int64(s.dur)
			g := gcd(num, den)
			d.FrameRate = pipeline.Rational{Num: num / g, Den: den / g}
		}
	}
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Streams returns copies of every stream descriptor in the file.
func (r *Reader) Streams() []pipeline.StreamDescriptor {
	out := make([]pipeline.StreamDescriptor, len(r.descs))
	for i, d := range r.descs {
		out[i] = d.Clone()
	}
	return out
}

// ReadPacket returns the next sample, or io.EOF.
func (r *Reader) ReadPacket(ctx context.Context) (*pipeline.Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, pipeline.Cancelled(err)
	}
	if r.next >= len(r.samples) {
		return nil, io.EOF
	}
	s := &r.samples[r.next]
	r.next++

	data := s.data
	if data == nil {
		data = make([]byte, s.size)
		if _, err := r.f.ReadAt(data, s.offset); err != nil {
			return nil, fmt.Errorf("%w: read sample at %d: %w", pipeline.ErrContainerCorrupt, s.offset, err)
		}
	}
	s.data = nil

	pkt := pipeline.NewPacket(data)
	pkt.StreamIndex = s.stream
	pkt.DTS = s.dts
	pkt.PTS = s.dts + int64(s.cto)
	pkt.Duration = int64(s.dur)
	pkt.KeyFrame = s.key
	pkt.TimeBase = r.descs[s.stream].TimeBase
	return pkt, nil
}

// Close releases the input.
func (r *Reader) Close() error {
	r.samples = nil
	return r.f.Close()
}

var _ ports.ContainerReader = (*Reader)(nil)
