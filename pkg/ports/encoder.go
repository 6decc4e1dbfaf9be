package ports

import (
	"context"

	"github.com/user/avflow/pkg/pipeline"
)

// BitrateMode selects rate control.
type BitrateMode string

const (
	BitrateVBR BitrateMode = "vbr"
	BitrateCBR BitrateMode = "cbr"
)

// EncoderOptions configures encoding parameters.
type EncoderOptions struct {
	Codec         string
	BitrateMode   BitrateMode
	TargetBitrate int64 // bits per second
	Params        map[string]string
}

// Encoder abstracts a native encoder.
type Encoder interface {
	// SendFrame submits one frame. A nil frame starts the flush; the encoder
	// then releases everything it holds through ReceivePacket.
	// Per-frame failures wrap pipeline.ErrEncode.
	SendFrame(ctx context.Context, frame *pipeline.Frame) error

	// ReceivePacket returns the next packet. It returns ErrAgain while
	// lookahead is filling and io.EOF once fully flushed.
	ReceivePacket(ctx context.Context) (*pipeline.Packet, error)

	// Close releases native resources.
	Close() error
}

// CodecFactory opens codec instances by name.
type CodecFactory interface {
	// NewDecoder opens a decoder for the stream. Unknown codecs wrap
	// pipeline.ErrUnsupportedFormat.
	NewDecoder(ctx context.Context, desc pipeline.StreamDescriptor) (Decoder, error)

	// NewEncoder opens an encoder fed with frames shaped like in and returns
	// the descriptor of the stream it produces.
	NewEncoder(ctx context.Context, in pipeline.StreamDescriptor, opts EncoderOptions) (Encoder, pipeline.StreamDescriptor, error)

	// DecoderOutput reports the raw format the decoder of desc produces.
	DecoderOutput(desc pipeline.StreamDescriptor) (pipeline.StreamDescriptor, error)

	// EncoderInput reports the raw format an encoder for opts accepts given
	// frames shaped like in.
	EncoderInput(in pipeline.StreamDescriptor, opts EncoderOptions) (pipeline.StreamDescriptor, error)
}
