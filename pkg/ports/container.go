package ports

import (
	"context"

	"github.com/user/avflow/pkg/pipeline"
)

// ContainerReader abstracts a demuxer capability.
type ContainerReader interface {
	// Streams returns the descriptors of every stream in the input.
	Streams() []pipeline.StreamDescriptor

	// ReadPacket returns the next packet in container order, or io.EOF.
	// Structural failures wrap pipeline.ErrContainerCorrupt.
	ReadPacket(ctx context.Context) (*pipeline.Packet, error)

	// Close releases the input.
	Close() error
}

// ContainerWriter abstracts a muxer capability.
type ContainerWriter interface {
	// AddStream registers a stream. Streams the container cannot carry wrap
	// pipeline.ErrUnsupportedFormat.
	AddStream(desc pipeline.StreamDescriptor) error

	// WritePacket stores one packet. Packets arrive in interleaved DTS order.
	WritePacket(ctx context.Context, pkt *pipeline.Packet) error

	// Close completes the container and releases the output.
	Close() error
}

// ContainerFactory opens readers and writers.
type ContainerFactory interface {
	// OpenReader opens input, optionally restricted to the given stream
	// indexes (all streams when none are given).
	OpenReader(ctx context.Context, input string, streams ...int) (ContainerReader, error)

	// CreateWriter creates output.
	CreateWriter(ctx context.Context, output string) (ContainerWriter, error)
}
