package mocks

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

type pendingUnit struct {
	pts, dts, dur int64
	key           bool
	data          []byte
}

// Decoder is a mock implementation of ports.Decoder. By default every packet
// yields one frame carrying a copy of the payload.
type Decoder struct {
	mu sync.Mutex

	Format pipeline.Format
	Width  int
	Height int
	Depth  int

	SendPacketFunc   func(ctx context.Context, pkt *pipeline.Packet) error
	ReceiveFrameFunc func(ctx context.Context, alloc pipeline.Allocator) (*pipeline.Frame, error)

	// Recorded calls for verification
	SendPacketCalls int
	FlushCalled     bool
	Closed          bool

	pending []pendingUnit
	flushed bool
}

func (m *Decoder) SendPacket(ctx context.Context, pkt *pipeline.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pkt == nil {
		m.FlushCalled = true
		m.flushed = true
		return nil
	}
	m.SendPacketCalls++
	if m.SendPacketFunc != nil {
		if err := m.SendPacketFunc(ctx, pkt); err != nil {
			return err
		}
	}
	m.pending = append(m.pending, pendingUnit{
		pts: pkt.PTS, dts: pkt.DTS, dur: pkt.Duration,
		data: append([]byte(nil), pkt.Data()...),
	})
	return nil
}

func (m *Decoder) ReceiveFrame(ctx context.Context, alloc pipeline.Allocator) (*pipeline.Frame, error) {
	if m.ReceiveFrameFunc != nil {
		return m.ReceiveFrameFunc(ctx, alloc)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		if m.flushed {
			return nil, io.EOF
		}
		return nil, ports.ErrAgain
	}
	u := m.pending[0]
	m.pending = m.pending[1:]

	buf, err := alloc.Acquire(ctx, len(u.data), string(m.Format))
	if err != nil {
		return nil, err
	}
	copy(buf.Bytes(), u.data)
	return &pipeline.Frame{
		PTS: u.pts, DTS: u.dts, Duration: u.dur,
		Format: m.Format, Width: m.Width, Height: m.Height,
		Buf: buf,
	}, nil
}

func (m *Decoder) ReorderDepth() int {
	return m.Depth
}

func (m *Decoder) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

var _ ports.Decoder = (*Decoder)(nil)

// Encoder is a mock implementation of ports.Encoder. By default every frame
// yields one packet carrying a copy of the frame data, after Lookahead frames
// have been buffered.
type Encoder struct {
	mu sync.Mutex

	Lookahead int

	SendFrameFunc     func(ctx context.Context, f *pipeline.Frame) error
	ReceivePacketFunc func(ctx context.Context) (*pipeline.Packet, error)

	// Recorded calls for verification
	SendFrameCalls int
	FlushCalls     int
	Closed         bool

	pending []pendingUnit
	flushed bool
}

func (m *Encoder) SendFrame(ctx context.Context, f *pipeline.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f == nil {
		m.FlushCalls++
		m.flushed = true
		return nil
	}
	m.SendFrameCalls++
	if m.SendFrameFunc != nil {
		if err := m.SendFrameFunc(ctx, f); err != nil {
			return err
		}
	}
	m.pending = append(m.pending, pendingUnit{
		pts: f.PTS, dts: f.PTS, dur: f.Duration, key: true,
		data: append([]byte(nil), f.Data()...),
	})
	return nil
}

func (m *Encoder) ReceivePacket(ctx context.Context) (*pipeline.Packet, error) {
	if m.ReceivePacketFunc != nil {
		return m.ReceivePacketFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		if m.flushed {
			return nil, io.EOF
		}
		return nil, ports.ErrAgain
	}
	if !m.flushed && len(m.pending) <= m.Lookahead {
		return nil, ports.ErrAgain
	}
	u := m.pending[0]
	m.pending = m.pending[1:]
	pkt := pipeline.NewPacket(u.data)
	pkt.PTS, pkt.DTS, pkt.Duration, pkt.KeyFrame = u.pts, u.dts, u.dur, u.key
	return pkt, nil
}

func (m *Encoder) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

var _ ports.Encoder = (*Encoder)(nil)

// CodecFactory is a mock implementation of ports.CodecFactory. Calls without
// a hook are forwarded to Base.
type CodecFactory struct {
	Base ports.CodecFactory

	NewDecoderFunc func(ctx context.Context, desc pipeline.StreamDescriptor) (ports.Decoder, error)
	NewEncoderFunc func(ctx context.Context, in pipeline.StreamDescriptor, opts ports.EncoderOptions) (ports.Encoder, pipeline.StreamDescriptor, error)

	mu              sync.Mutex
	NewDecoderCalls int
	NewEncoderCalls int
}

func (m *CodecFactory) NewDecoder(ctx context.Context, desc pipeline.StreamDescriptor) (ports.Decoder, error) {
	m.mu.Lock()
	m.NewDecoderCalls++
	m.mu.Unlock()
	if m.NewDecoderFunc != nil {
		return m.NewDecoderFunc(ctx, desc)
	}
	if m.Base == nil {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrUnsupportedFormat, desc.Codec)
	}
	return m.Base.NewDecoder(ctx, desc)
}

func (m *CodecFactory) NewEncoder(ctx context.Context, in pipeline.StreamDescriptor, opts ports.EncoderOptions) (ports.Encoder, pipeline.StreamDescriptor, error) {
	m.mu.Lock()
	m.NewEncoderCalls++
	m.mu.Unlock()
	if m.NewEncoderFunc != nil {
		return m.NewEncoderFunc(ctx, in, opts)
	}
	if m.Base == nil {
		return nil, pipeline.StreamDescriptor{}, fmt.Errorf("%w: %s", pipeline.ErrUnsupportedFormat, opts.Codec)
	}
	return m.Base.NewEncoder(ctx, in, opts)
}

func (m *CodecFactory) DecoderOutput(desc pipeline.StreamDescriptor) (pipeline.StreamDescriptor, error) {
	if m.Base == nil {
		return desc, nil
	}
	return m.Base.DecoderOutput(desc)
}

func (m *CodecFactory) EncoderInput(in pipeline.StreamDescriptor, opts ports.EncoderOptions) (pipeline.StreamDescriptor, error) {
	if m.Base == nil {
		return in, nil
	}
	return m.Base.EncoderInput(in, opts)
}

var _ ports.CodecFactory = (*CodecFactory)(nil)
