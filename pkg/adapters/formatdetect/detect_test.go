package formatdetect

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/user/avflow/pkg/mocks"
	"github.com/user/avflow/pkg/pipeline"
)

func TestDetectFromBytes(t *testing.T) {
	var buf bytes.Buffer
	if err := mp4.NewFtyp("isom", 0x200, []string{"isom", "mp41"}).Encode(&buf); err != nil {
		t.Fatal(err)
	}
	got, err := DetectFromBytes(buf.Bytes())
	if err != nil || got != ContainerMP4 {
		t.Errorf("ftyp: got %s, %v", got, err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte{0, 0, 0}},
		{"matroska", []byte{0x1A, 0x45, 0xDF, 0xA3, 0x9F, 0x42, 0x86, 0x81}},
		{"bad size", []byte{0, 0, 0, 4, 'f', 't', 'y', 'p'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectFromBytes(tt.data)
			if got != ContainerUnknown || !errors.Is(err, pipeline.ErrUnsupportedFormat) {
				t.Errorf("got %s, %v", got, err)
			}
		})
	}
}

func TestDetectFromReaderRewinds(t *testing.T) {
	r := bytes.NewReader([]byte{0, 0, 0, 8, 'f', 'r', 'e', 'e', 'x'})
	if _, err := DetectFromReader(r); err != nil {
		t.Fatalf("DetectFromReader failed: %v", err)
	}
	if pos, _ := r.Seek(0, io.SeekCurrent); pos != 0 {
		t.Errorf("reader left at %d", pos)
	}
}

func TestTrackCodec(t *testing.T) {
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(48000, "audio", "en")
	trak := init.Moov.Trak

	if typ, codec := TrackCodec(trak); typ != pipeline.MediaAudio || codec != "unknown" {
		t.Errorf("empty stsd: %s %s", typ, codec)
	}

	esds := mp4.CreateEsdsBox([]byte{0x11, 0x90})
	trak.Mdia.Minf.Stbl.Stsd.AddChild(mp4.CreateAudioSampleEntryBox("mp4a", 2, 16, 48000, esds))
	if typ, codec := TrackCodec(trak); typ != pipeline.MediaAudio || codec != "aac" {
		t.Errorf("mp4a: %s %s", typ, codec)
	}
}

func TestCodecForEntry(t *testing.T) {
	for entry, want := range map[string]string{"avc3": "h264", "av01": "av1", "wvtt": "webvtt", "xyz1": "xyz1"} {
		if got := CodecForEntry(entry); got != want {
			t.Errorf("CodecForEntry(%q) = %q, want %q", entry, got, want)
		}
	}
}

func TestDetectFromFile(t *testing.T) {
	var buf bytes.Buffer
	if err := mp4.NewFtyp("isom", 0x200, []string{"isom"}).Encode(&buf); err != nil {
		t.Fatal(err)
	}
	fs := mocks.NewFileSystem()
	fs.WriteFile("in.mp4", buf.Bytes())
	fs.WriteFile("in.mkv", []byte{0x1A, 0x45, 0xDF, 0xA3, 0x9F, 0x42, 0x86, 0x81})

	if got, err := DetectFromFile(fs, "in.mp4"); err != nil || got != ContainerMP4 {
		t.Errorf("in.mp4: got %s, %v", got, err)
	}
	if _, err := DetectFromFile(fs, "in.mkv"); !errors.Is(err, pipeline.ErrUnsupportedFormat) {
		t.Errorf("in.mkv: expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := DetectFromFile(fs, "missing.mp4"); err == nil {
		t.Error("missing file should fail")
	}
}
