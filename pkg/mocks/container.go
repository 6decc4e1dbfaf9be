package mocks

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

// PacketSpec describes one packet produced by a mock reader.
type PacketSpec struct {
	Stream   int
	PTS      int64
	DTS      int64
	Duration int64
	KeyFrame bool
	Data     []byte
	Err      error // returned instead of the packet
}

// ContainerReader is a mock implementation of ports.ContainerReader.
type ContainerReader struct {
	Descs   []pipeline.StreamDescriptor
	Packets []PacketSpec

	ReadPacketFunc func(ctx context.Context) (*pipeline.Packet, error)

	mu     sync.Mutex
	pos    int
	Closed bool
}

func (m *ContainerReader) Streams() []pipeline.StreamDescriptor {
	out := make([]pipeline.StreamDescriptor, len(m.Descs))
	for i, d := range m.Descs {
		out[i] = d.Clone()
	}
	return out
}

func (m *ContainerReader) ReadPacket(ctx context.Context) (*pipeline.Packet, error) {
	if m.ReadPacketFunc != nil {
		return m.ReadPacketFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos >= len(m.Packets) {
		return nil, io.EOF
	}
	s := m.Packets[m.pos]
	m.pos++
	if s.Err != nil {
		return nil, s.Err
	}
	pkt := pipeline.NewPacket(append([]byte(nil), s.Data...))
	pkt.StreamIndex = s.Stream
	pkt.PTS, pkt.DTS, pkt.Duration, pkt.KeyFrame = s.PTS, s.DTS, s.Duration, s.KeyFrame
	for _, d := range m.Descs {
		if d.Index == s.Stream {
			pkt.TimeBase = d.TimeBase
		}
	}
	return pkt, nil
}

func (m *ContainerReader) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

var _ ports.ContainerReader = (*ContainerReader)(nil)

// WrittenPacket records one packet stored by a mock writer.
type WrittenPacket struct {
	Stream   int
	PTS      int64
	DTS      int64
	TimeBase pipeline.Rational
	Data     []byte
}

// ContainerWriter is a mock implementation of ports.ContainerWriter.
type ContainerWriter struct {
	AddStreamFunc   func(desc pipeline.StreamDescriptor) error
	WritePacketFunc func(ctx context.Context, pkt *pipeline.Packet) error

	mu       sync.Mutex
	Streams  []pipeline.StreamDescriptor
	Written  []WrittenPacket
	Closed   bool
	CloseErr error
}

func (m *ContainerWriter) AddStream(desc pipeline.StreamDescriptor) error {
	if m.AddStreamFunc != nil {
		if err := m.AddStreamFunc(desc); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Streams = append(m.Streams, desc)
	return nil
}

func (m *ContainerWriter) WritePacket(ctx context.Context, pkt *pipeline.Packet) error {
	if m.WritePacketFunc != nil {
		if err := m.WritePacketFunc(ctx, pkt); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Written = append(m.Written, WrittenPacket{
		Stream:   pkt.StreamIndex,
		PTS:      pkt.PTS,
		DTS:      pkt.DTS,
		TimeBase: pkt.TimeBase,
		Data:     append([]byte(nil), pkt.Data()...),
	})
	return nil
}

func (m *ContainerWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return m.CloseErr
}

// PacketsFor returns the packets written for one stream.
func (m *ContainerWriter) PacketsFor(stream int) []WrittenPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []WrittenPacket
	for _, w := range m.Written {
		if w.Stream == stream {
			out = append(out, w)
		}
	}
	return out
}

var _ ports.ContainerWriter = (*ContainerWriter)(nil)

// ContainerFactory is a mock implementation of ports.ContainerFactory.
// Each OpenReader call returns a fresh reader over Descs and Packets
// filtered to the requested streams.
type ContainerFactory struct {
	Descs   []pipeline.StreamDescriptor
	Packets []PacketSpec
	Writer  *ContainerWriter

	OpenReaderFunc   func(ctx context.Context, input string, streams ...int) (ports.ContainerReader, error)
	CreateWriterFunc func(ctx context.Context, output string) (ports.ContainerWriter, error)

	mu                sync.Mutex
	Readers           []*ContainerReader
	CreateWriterCalls int
}

func (m *ContainerFactory) OpenReader(ctx context.Context, input string, streams ...int) (ports.ContainerReader, error) {
	if m.OpenReaderFunc != nil {
		return m.OpenReaderFunc(ctx, input, streams...)
	}
	if input == "" {
		return nil, fmt.Errorf("%w: empty input", pipeline.ErrUnsupportedFormat)
	}
	want := make(map[int]bool)
	for _, s := range streams {
		want[s] = true
	}
	r := &ContainerReader{Descs: m.Descs}
	for _, p := range m.Packets {
		if len(want) == 0 || want[p.Stream] {
			r.Packets = append(r.Packets, p)
		}
	}
	m.mu.Lock()
	m.Readers = append(m.Readers, r)
	m.mu.Unlock()
	return r, nil
}

func (m *ContainerFactory) CreateWriter(ctx context.Context, output string) (ports.ContainerWriter, error) {
	m.mu.Lock()
	m.CreateWriterCalls++
	m.mu.Unlock()
	if m.CreateWriterFunc != nil {
		return m.CreateWriterFunc(ctx, output)
	}
	if m.Writer == nil {
		m.Writer = &ContainerWriter{}
	}
	return m.Writer, nil
}

// AllReadersClosed reports whether every reader handed out was closed.
func (m *ContainerFactory) AllReadersClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.Readers {
		r.mu.Lock()
		closed := r.Closed
		r.mu.Unlock()
		if !closed {
			return false
		}
	}
	return true
}

var _ ports.ContainerFactory = (*ContainerFactory)(nil)
