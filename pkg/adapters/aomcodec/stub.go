//go:build !(cgo && aom)

package aomcodec

import (
	"fmt"

	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

// Available reports whether libaom was linked in.
func Available() bool {
	return false
}

// NewDecoder fails: the binary was built without libaom.
func NewDecoder(desc pipeline.StreamDescriptor) (ports.Decoder, error) {
	return nil, fmt.Errorf("%w: av1 decoder for stream %d: %w", pipeline.ErrUnsupportedFormat, desc.Index, ErrUnavailable)
}

// NewEncoder validates its input and fails: the binary was built without libaom.
func NewEncoder(in pipeline.StreamDescriptor, opts ports.EncoderOptions) (ports.Encoder, pipeline.StreamDescriptor, error) {
	if err := checkInput(in); err != nil {
		return nil, pipeline.StreamDescriptor{}, err
	}
	if _, err := parseRate(in, opts); err != nil {
		return nil, pipeline.StreamDescriptor{}, err
	}
	return nil, pipeline.StreamDescriptor{}, fmt.Errorf("%w: av1 encoder for stream %d: %w", pipeline.ErrUnsupportedFormat, in.Index, ErrUnavailable)
}
