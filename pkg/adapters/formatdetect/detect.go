// Package formatdetect identifies container formats and the codecs of MP4
// tracks.
package formatdetect

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

// Container represents a container format.
type Container string

const (
	ContainerMP4     Container = "mp4"
	ContainerUnknown Container = "unknown"
)

// topLevel lists box types that may open an ISO BMFF file.
var topLevel = map[string]bool{
	"ftyp": true, "styp": true, "moov": true, "moof": true, "mdat": true,
	"free": true, "skip": true, "sidx": true, "wide": true, "pdin": true,
}

// DetectFromFile detects the container format of a file opened through fs.
func DetectFromFile(fs ports.FileSystem, path string) (Container, error) {
	f, err := fs.Open(path)
	if err != nil {
		return ContainerUnknown, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	return DetectFromReader(f)
}

// DetectFromReader detects the container format from the first box header
// and rewinds the reader.
func DetectFromReader(reader io.ReadSeeker) (Container, error) {
	var hdr [8]byte
	n, err := io.ReadFull(reader, hdr[:])
	if _, serr := reader.Seek(0, io.SeekStart); serr != nil {
		return ContainerUnknown, fmt.Errorf("seek: %w", serr)
	}
	if err != nil {
		if n == 0 {
			return ContainerUnknown, fmt.Errorf("%w: empty input", pipeline.ErrUnsupportedFormat)
		}
		return ContainerUnknown, fmt.Errorf("%w: %d byte input", pipeline.ErrUnsupportedFormat, n)
	}

	size := binary.BigEndian.Uint32(hdr[:4])
	if topLevel[string(hdr[4:8])] && (size == 0 || size == 1 || size >= 8) {
		return ContainerMP4, nil
	}
	return ContainerUnknown, fmt.Errorf("%w: unrecognized container", pipeline.ErrUnsupportedFormat)
}

// DetectFromBytes detects the container format of in-memory data.
func DetectFromBytes(data []byte) (Container, error) {
	return DetectFromReader(bytes.NewReader(data))
}

// TrackType classifies a track by its handler.
func TrackType(trak *mp4.TrakBox) pipeline.MediaType {
	if trak.Mdia == nil || trak.Mdia.Hdlr == nil {
		return pipeline.MediaData
	}
	switch trak.Mdia.Hdlr.HandlerType {
	case "vide":
		return pipeline.MediaVideo
	case "soun":
		return pipeline.MediaAudio
	case "subt", "text", "sbtl", "clcp":
		return pipeline.MediaSubtitle
	}
	return pipeline.MediaData
}

// SampleEntry returns the first sample description of a track, or nil.
func SampleEntry(trak *mp4.TrakBox) mp4.Box {
	if trak.Mdia == nil || trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil || trak.Mdia.Minf.Stbl.Stsd == nil {
		return nil
	}
	for _, child := range trak.Mdia.Minf.Stbl.Stsd.Children {
		return child
	}
	return nil
}

// CodecForEntry maps a sample entry type to a codec name. Unknown entries
// keep their four-character code.
func CodecForEntry(entry string) string {
	switch entry {
	case "avc1", "avc3":
		return "h264"
	case "hvc1", "hev1":
		return "hevc"
	case "av01":
		return "av1"
	case "vp09":
		return "vp9"
	case "mp4a":
		return "aac"
	case "ac-3":
		return "ac3"
	case "ec-3":
		return "eac3"
	case "Opus":
		return "opus"
	case "wvtt":
		return "webvtt"
	case "stpp":
		return "ttml"
	case "tx3g":
		return "mov_text"
	}
	return entry
}

// TrackCodec returns the media type and codec name of a track.
func TrackCodec(trak *mp4.TrakBox) (pipeline.MediaType, string) {
	t := TrackType(trak)
	entry := SampleEntry(trak)
	if entry == nil {
		return t, "unknown"
	}
	return t, CodecForEntry(entry.Type())
}

// Codecs lists the codec of every track in an MP4 file.
func Codecs(f *mp4.File) []string {
	moov := f.Moov
	if f.IsFragmented() && f.Init != nil {
		moov = f.Init.Moov
	}
	if moov == nil {
		return nil
	}
	out := make([]string, 0, len(moov.Traks))
	for _, trak := range moov.Traks {
		_, codec := TrackCodec(trak)
		out = append(out, codec)
	}
	return out
}
