// Package aomcodec provides an AV1 decoder and encoder backed by libaom.
//
// The cgo implementation is built with the "aom" tag:
//
//	go build -tags aom ./...
//
// Without the tag (or without cgo) Available reports false and the
// constructors fail with pipeline.ErrUnsupportedFormat.
package aomcodec

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/Eyevinn/mp4ff/av1"
	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

// Codec is the codec name served by this package.
const Codec = "av1"

// ErrUnavailable is returned when the binary was built without libaom.
var ErrUnavailable = errors.New("aomcodec: built without libaom")

// OBU types used when scanning a temporal unit.
const (
	obuSequenceHeader = 1
	obuTemporalDelim  = 2
)

// timing carries the presentation time of a unit through the codec.
type timing struct {
	pts int64
	dur int64
}

// checkInput validates the raw pictures an encoder will receive.
func checkInput(in pipeline.StreamDescriptor) error {
	if in.Type != pipeline.MediaVideo || in.PixelFormat != pipeline.PixYUV420P {
		return fmt.Errorf("%w: av1 needs yuv420p pictures, got %s %s", pipeline.ErrIncompatibleFormat, in.Type, in.PixelFormat)
	}
	if in.Width <= 0 || in.Height <= 0 || in.Width%2 != 0 || in.Height%2 != 0 {
		return fmt.Errorf("%w: av1 needs even dimensions, got %dx%d", pipeline.ErrIncompatibleFormat, in.Width, in.Height)
	}
	if !in.TimeBase.Valid() {
		return fmt.Errorf("%w: stream %d has no time base", pipeline.ErrIncompatibleFormat, in.Index)
	}
	return nil
}

// rateControl is the libaom rate control derived from the encoder options.
type rateControl struct {
	cbr         bool
	targetKbps  int
	cpuUsed     int
	threads     int
	keyInterval int
}

func parseRate(in pipeline.StreamDescriptor, opts ports.EncoderOptions) (rateControl, error) {
	rc := rateControl{cpuUsed: 8, threads: 4}
	switch opts.BitrateMode {
	case ports.BitrateCBR:
		if opts.TargetBitrate <= 0 {
			return rc, pipeline.Configuration("cbr needs a target bitrate")
		}
		rc.cbr = true
	case ports.BitrateVBR, "":
	default:
		return rc, pipeline.Configuration("unknown bitrate mode %q", opts.BitrateMode)
	}

	if opts.TargetBitrate > 0 {
		rc.targetKbps = int((opts.TargetBitrate + 999) / 1000)
	} else {
		rc.targetKbps = in.Width * in.Height / 1000
		if rc.targetKbps < 100 {
			rc.targetKbps = 100
		}
	}

	fps := in.FrameRate
	if !fps.Valid() {
		fps = pipeline.Rational{Num: 25, Den: 1}
	}
	rc.keyInterval = int(2 * fps.Num / fps.Den)
	if rc.keyInterval < 1 {
		rc.keyInterval = 1
	}

	for key, dst := range map[string]*int{"cpu-used": &rc.cpuUsed, "threads": &rc.threads, "gop": &rc.keyInterval} {
		v, ok := opts.Params[key]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return rc, pipeline.Configuration("av1 parameter %s=%q is not a non-negative integer", key, v)
		}
		*dst = n
	}
	if rc.cpuUsed > 10 {
		return rc, pipeline.Configuration("av1 cpu-used must be between 0 and 10, got %d", rc.cpuUsed)
	}
	return rc, nil
}

// configRecord encodes an av1C box carrying the sequence header OBUs, the
// form mp4 sample entries expect as extradata.
func configRecord(seqHdr []byte) ([]byte, error) {
	if len(seqHdr) == 0 {
		return nil, fmt.Errorf("%w: av1 encoder produced no sequence header", pipeline.ErrFatalEncode)
	}
	box := &mp4.Av1CBox{CodecConfRec: av1.CodecConfRec{
		Version:            1,
		SeqProfile:         0,
		SeqLevelIdx0:       8,
		ChromaSubsamplingX: 1,
		ChromaSubsamplingY: 1,
		ConfigOBUs:         seqHdr,
	}}
	var buf bytes.Buffer
	if err := box.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode av1C: %w", err)
	}
	return buf.Bytes(), nil
}

// sequenceHeader returns the first sequence header OBU found in data,
// including its header bytes.
func sequenceHeader(data []byte) []byte {
	for off := 0; off < len(data); {
		start := off
		hdr := data[off]
		obuType := (hdr >> 3) & 0x0f
		off++
		if hdr&0x04 != 0 {
			off++
		}
		size := len(data) - off
		if hdr&0x02 != 0 {
			var n int
			size, n = leb128(data[min(off, len(data)):])
			if n == 0 {
				return nil
			}
			off += n
		}
		end := off + size
		if off > len(data) || end > len(data) || size < 0 {
			return nil
		}
		if obuType == obuSequenceHeader {
			return data[start:end]
		}
		off = end
	}
	return nil
}

// stripTemporalDelimiters removes temporal delimiter OBUs, which mp4
// samples must not carry.
func stripTemporalDelimiters(data []byte) []byte {
	out := data[:0:0]
	for off := 0; off < len(data); {
		start := off
		hdr := data[off]
		off++
		if hdr&0x04 != 0 {
			off++
		}
		if hdr&0x02 == 0 || off > len(data) {
			return append(out, data[start:]...)
		}
		size, n := leb128(data[off:])
		if n == 0 || off+n+size > len(data) {
			return append(out, data[start:]...)
		}
		end := off + n + size
		if (hdr>>3)&0x0f != obuTemporalDelim {
			out = append(out, data[start:end]...)
		}
		off = end
	}
	return out
}

// leb128 decodes an unsigned LEB128 value and reports the bytes consumed,
// or zero when data ends mid-value.
func leb128(data []byte) (int, int) {
	value := 0
	for i := 0; i < 8 && i < len(data); i++ {
		b := data[i]
		value |= int(b&0x7f) << (i * 7)
		if b&0x80 == 0 {
			return value, i + 1
		}
	}
	return 0, 0
}
