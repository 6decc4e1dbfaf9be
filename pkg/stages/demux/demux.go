// Package demux implements the demultiplexing stage.
package demux

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

// Probe opens input, reads its stream descriptors and closes it again.
func Probe(ctx context.Context, containers ports.ContainerFactory, input string) ([]pipeline.StreamDescriptor, error) {
	r, err := containers.OpenReader(ctx, input)
	if err != nil {
		return nil, classify(err)
	}
	defer r.Close()
	return r.Streams(), nil
}

// Demuxer reads packets from a container and copies them into pool buffers.
type Demuxer struct {
	r      ports.ContainerReader
	alloc  pipeline.Allocator
	logger ports.Logger

	streams map[int]pipeline.StreamDescriptor
	eof     bool
	packets int
	bytes   int64
}

// New wraps an open reader. The Demuxer owns the reader.
func New(r ports.ContainerReader, alloc pipeline.Allocator, logger ports.Logger) *Demuxer {
	d := &Demuxer{
		r:       r,
		alloc:   alloc,
		logger:  logger,
		streams: make(map[int]pipeline.StreamDescriptor),
	}
	for _, s := range r.Streams() {
		d.streams[s.Index] = s
	}
	return d
}

// Streams returns the descriptors reported by the container.
func (d *Demuxer) Streams() []pipeline.StreamDescriptor {
	return d.r.Streams()
}

// Packets returns the number of packets read so far.
func (d *Demuxer) Packets() int {
	return d.packets
}

// ReadPacket returns the next packet in container order, or
// pipeline.ErrEndOfStream.
func (d *Demuxer) ReadPacket(ctx context.Context) (*pipeline.Packet, error) {
	if d.eof {
		return nil, pipeline.ErrEndOfStream
	}
	if err := ctx.Err(); err != nil {
		return nil, pipeline.Cancelled(err)
	}
	pkt, err := d.r.ReadPacket(ctx)
	if errors.Is(err, io.EOF) {
		d.eof = true
		return nil, pipeline.ErrEndOfStream
	}
	if err != nil {
		return nil, classify(err)
	}

	desc, ok := d.streams[pkt.StreamIndex]
	if !ok {
		pkt.Release()
		return nil, fmt.Errorf("%w: packet for unknown stream %d", pipeline.ErrContainerCorrupt, pkt.StreamIndex)
	}
	if !pkt.TimeBase.Valid() {
		pkt.TimeBase = desc.TimeBase
	}
	if err := pkt.Adopt(ctx, d.alloc); err != nil {
		pkt.Release()
		return nil, err
	}
	d.packets++
	d.bytes += int64(pkt.Size())
	return pkt, nil
}

// Close releases the reader.
func (d *Demuxer) Close() error {
	return d.r.Close()
}

// Run pushes packets to out until end of input or an error. out is always
// closed and the reader is always released.
func (d *Demuxer) Run(ctx context.Context, out *pipeline.Queue[*pipeline.Packet]) (err error) {
	defer func() {
		if cerr := d.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close input: %w", cerr)
		}
		out.Close()
	}()

	for {
		pkt, err := d.ReadPacket(ctx)
		if errors.Is(err, pipeline.ErrEndOfStream) {
			d.logger.Debug("Input drained: %d packets, %d bytes", d.packets, d.bytes)
			return nil
		}
		if err != nil {
			return err
		}
		if err := out.Push(ctx, pkt); err != nil {
			pkt.Release()
			return err
		}
	}
}

// classify maps reader failures that carry no kind onto ErrContainerCorrupt.
func classify(err error) error {
	switch {
	case errors.Is(err, pipeline.ErrContainerCorrupt),
		errors.Is(err, pipeline.ErrUnsupportedFormat),
		errors.Is(err, pipeline.ErrResourceExhausted),
		pipeline.IsCancellation(err):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return pipeline.Cancelled(err)
	}
	return fmt.Errorf("%w: %v", pipeline.ErrContainerCorrupt, err)
}
