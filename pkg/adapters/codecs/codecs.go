// Package codecs provides a codec factory that selects a backend for each
// codec name. Uncompressed codecs are handled in-process, AV1 uses libaom
// when it is linked in, and the remaining compressed codecs are delegated
// to ffmpeg.
package codecs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/user/avflow/pkg/adapters/aomcodec"
	"github.com/user/avflow/pkg/adapters/ffmpegcodec"
	"github.com/user/avflow/pkg/adapters/rawcodec"
	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

// Compressed codec names.
const (
	CodecH264 = "h264"
	CodecAAC  = "aac"
	CodecAV1  = "av1"
)

// Backend identifies the implementation serving a codec.
type Backend string

const (
	// BackendRaw is the in-process pass-through for uncompressed data.
	BackendRaw Backend = "raw"
	// BackendFFmpeg is an ffmpeg subprocess.
	BackendFFmpeg Backend = "ffmpeg"
	// BackendAOM is the linked libaom library.
	BackendAOM Backend = "libaom"
	// BackendNone means the codec can only be stream-copied.
	BackendNone Backend = "none"
)

// Info describes how a codec is served.
type Info struct {
	Codec   string
	Backend Backend
	Decode  bool
	Encode  bool
}

// Options configures the registry.
type Options struct {
	// FFmpegPath is an optional custom path to the ffmpeg binary.
	FFmpegPath string
}

// ErrNoBackend is returned when a codec is known but its backend is missing.
var ErrNoBackend = errors.New("codecs: no backend available")

// Registry implements ports.CodecFactory.
type Registry struct {
	opts Options

	once       sync.Once
	ffmpegPath string
	ffmpegErr  error
}

// New creates a Registry. ffmpeg is located lazily on first use.
func New(opts Options) *Registry {
	return &Registry{opts: opts}
}

func (r *Registry) ffmpeg() (string, error) {
	r.once.Do(func() {
		r.ffmpegPath, r.ffmpegErr = ffmpegcodec.FindFFmpeg(r.opts.FFmpegPath)
	})
	return r.ffmpegPath, r.ffmpegErr
}

// Lookup reports how codec would be served.
func (r *Registry) Lookup(codec string) Info {
	switch {
	case rawcodec.Handles(codec):
		return Info{Codec: codec, Backend: BackendRaw, Decode: true, Encode: true}
	case codec == CodecH264 || codec == CodecAAC:
		if _, err := r.ffmpeg(); err != nil {
			return Info{Codec: codec, Backend: BackendNone}
		}
		return Info{Codec: codec, Backend: BackendFFmpeg, Decode: true, Encode: true}
	case codec == CodecAV1 && aomcodec.Available():
		return Info{Codec: codec, Backend: BackendAOM, Decode: true, Encode: true}
	}
	return Info{Codec: codec, Backend: BackendNone}
}

// Codecs lists every codec name the registry knows about.
func (r *Registry) Codecs() []Info {
	names := []string{rawcodec.CodecRawVideo, rawcodec.CodecPCMS16, rawcodec.CodecPCMF32, CodecH264, CodecAAC, CodecAV1}
	sort.Strings(names)
	out := make([]Info, 0, len(names))
	for _, n := range names {
		out = append(out, r.Lookup(n))
	}
	return out
}

func (r *Registry) noBackend(codec string) error {
	_, err := r.ffmpeg()
	return fmt.Errorf("%w: %w: %s: %w", pipeline.ErrUnsupportedFormat, ErrNoBackend, codec, err)
}

func (r *Registry) NewDecoder(ctx context.Context, desc pipeline.StreamDescriptor) (ports.Decoder, error) {
	switch desc.Codec {
	case rawcodec.CodecRawVideo, rawcodec.CodecPCMS16, rawcodec.CodecPCMF32:
		return rawcodec.NewDecoder(desc)
	case CodecH264:
		path, err := r.ffmpeg()
		if err != nil {
			return nil, r.noBackend(desc.Codec)
		}
		return ffmpegcodec.NewH264Decoder(path, desc)
	case CodecAAC:
		path, err := r.ffmpeg()
		if err != nil {
			return nil, r.noBackend(desc.Codec)
		}
		return ffmpegcodec.NewAACDecoder(path, desc)
	case CodecAV1:
		if !aomcodec.Available() {
			return nil, fmt.Errorf("%w: %w: %s: %w", pipeline.ErrUnsupportedFormat, ErrNoBackend, desc.Codec, aomcodec.ErrUnavailable)
		}
		return aomcodec.NewDecoder(desc)
	}
	return nil, fmt.Errorf("%w: no decoder for %q", pipeline.ErrUnsupportedFormat, desc.Codec)
}

func (r *Registry) NewEncoder(ctx context.Context, in pipeline.StreamDescriptor, opts ports.EncoderOptions) (ports.Encoder, pipeline.StreamDescriptor, error) {
	switch opts.Codec {
	case rawcodec.CodecRawVideo, rawcodec.CodecPCMS16, rawcodec.CodecPCMF32:
		return rawcodec.NewEncoder(in, opts.Codec)
	case CodecH264:
		path, err := r.ffmpeg()
		if err != nil {
			return nil, pipeline.StreamDescriptor{}, r.noBackend(opts.Codec)
		}
		return ffmpegcodec.NewH264Encoder(path, in, opts)
	case CodecAAC:
		path, err := r.ffmpeg()
		if err != nil {
			return nil, pipeline.StreamDescriptor{}, r.noBackend(opts.Codec)
		}
		return ffmpegcodec.NewAACEncoder(path, in, opts)
	case CodecAV1:
		if !aomcodec.Available() {
			return nil, pipeline.StreamDescriptor{}, fmt.Errorf("%w: %w: %s: %w", pipeline.ErrUnsupportedFormat, ErrNoBackend, opts.Codec, aomcodec.ErrUnavailable)
		}
		return aomcodec.NewEncoder(in, opts)
	}
	return nil, pipeline.StreamDescriptor{}, fmt.Errorf("%w: no encoder for %q", pipeline.ErrUnsupportedFormat, opts.Codec)
}

func (r *Registry) DecoderOutput(desc pipeline.StreamDescriptor) (pipeline.StreamDescriptor, error) {
	out := desc.Clone()
	switch desc.Codec {
	case rawcodec.CodecRawVideo, rawcodec.CodecPCMS16, rawcodec.CodecPCMF32:
		return rawcodec.Output(desc)
	case CodecH264, CodecAV1:
		out.PixelFormat = pipeline.PixYUV420P
		return out, nil
	case CodecAAC:
		out.SampleFormat = pipeline.SampleS16
		return out, nil
	}
	return out, fmt.Errorf("%w: no decoder for %q", pipeline.ErrUnsupportedFormat, desc.Codec)
}

func (r *Registry) EncoderInput(in pipeline.StreamDescriptor, opts ports.EncoderOptions) (pipeline.StreamDescriptor, error) {
	want := in.Clone()
	var needType pipeline.MediaType
	switch opts.Codec {
	case rawcodec.CodecRawVideo:
		needType = pipeline.MediaVideo
	case rawcodec.CodecPCMS16, rawcodec.CodecPCMF32:
		needType = pipeline.MediaAudio
		want.SampleFormat = rawcodec.SampleFormat(opts.Codec)
	case CodecH264, CodecAV1:
		needType = pipeline.MediaVideo
		want.PixelFormat = pipeline.PixYUV420P
	case CodecAAC:
		needType = pipeline.MediaAudio
		want.SampleFormat = pipeline.SampleS16
	default:
		return want, fmt.Errorf("%w: no encoder for %q", pipeline.ErrUnsupportedFormat, opts.Codec)
	}
	if in.Type != needType {
		return want, fmt.Errorf("%w: %s encodes %s, stream %d is %s", pipeline.ErrIncompatibleFormat, opts.Codec, needType, in.Index, in.Type)
	}
	return want, nil
}

var _ ports.CodecFactory = (*Registry)(nil)
