// Package mux implements the multiplexing stage: a Muxer guarding a container
// writer and an Interleaver merging the packet queues of every chain.
package mux

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

// Muxer enforces declaration and finalization order on a container writer.
// It is safe for concurrent use.
type Muxer struct {
	w      ports.ContainerWriter
	logger ports.Logger

	mu        sync.Mutex
	declared  map[int]pipeline.StreamDescriptor
	lastDTS   map[int]int64
	written   map[int]int
	bytes     map[int]int64
	started   bool
	finalized bool
}

// New wraps an open writer. The Muxer owns the writer.
func New(w ports.ContainerWriter, logger ports.Logger) *Muxer {
	return &Muxer{
		w:        w,
		logger:   logger,
		declared: make(map[int]pipeline.StreamDescriptor),
		lastDTS:  make(map[int]int64),
		written:  make(map[int]int),
		bytes:    make(map[int]int64),
	}
}

// DeclareStream registers an output stream. All streams must be declared
// before the first packet is written.
func (m *Muxer) DeclareStream(desc pipeline.StreamDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.finalized:
		return fmt.Errorf("%w: declare stream %d after finalize", pipeline.ErrInvalidState, desc.Index)
	case m.started:
		return fmt.Errorf("%w: declare stream %d after first packet", pipeline.ErrInvalidState, desc.Index)
	}
	if _, dup := m.declared[desc.Index]; dup {
		return fmt.Errorf("%w: stream %d declared twice", pipeline.ErrInvalidState, desc.Index)
	}
	if err := m.w.AddStream(desc.Clone()); err != nil {
		return fmt.Errorf("declare stream %d: %w", desc.Index, err)
	}
	m.declared[desc.Index] = desc.Clone()
	m.lastDTS[desc.Index] = pipeline.NoPTS
	m.logger.Debug("Declared output stream %s", desc)
	return nil
}

// Declared returns the declared descriptors ordered by index.
func (m *Muxer) Declared() []pipeline.StreamDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]pipeline.StreamDescriptor, 0, len(m.declared))
	for _, d := range m.declared {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// WritePacket stores pkt and takes ownership of it.
func (m *Muxer) WritePacket(ctx context.Context, pkt *pipeline.Packet) error {
	defer pkt.Release()
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized {
		return fmt.Errorf("%w: write after finalize", pipeline.ErrInvalidState)
	}
	desc, ok := m.declared[pkt.StreamIndex]
	if !ok {
		return fmt.Errorf("%w: packet for undeclared stream %d", pipeline.ErrInvalidState, pkt.StreamIndex)
	}
	if !pkt.TimeBase.Valid() {
		pkt.TimeBase = desc.TimeBase
	}
	if pkt.DTS == pipeline.NoPTS {
		pkt.DTS = pkt.PTS
	}
	if last := m.lastDTS[pkt.StreamIndex]; last != pipeline.NoPTS && pkt.DTS != pipeline.NoPTS && pkt.DTS < last {
		return fmt.Errorf("%w: stream %d dts %d behind %d", pipeline.ErrInvalidState, pkt.StreamIndex, pkt.DTS, last)
	}

	m.started = true
	if err := m.w.WritePacket(ctx, pkt); err != nil {
		return fmt.Errorf("write stream %d: %w", pkt.StreamIndex, err)
	}
	if pkt.DTS != pipeline.NoPTS {
		m.lastDTS[pkt.StreamIndex] = pkt.DTS
	}
	m.written[pkt.StreamIndex]++
	m.bytes[pkt.StreamIndex] += int64(pkt.Size())
	return nil
}

// Written returns the number of packets and bytes stored for a stream.
func (m *Muxer) Written(stream int) (packets int, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written[stream], m.bytes[stream]
}

// Finalized reports whether Finalize has been called.
func (m *Muxer) Finalized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalized
}

// Finalize completes the container. It may be called once.
func (m *Muxer) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return fmt.Errorf("%w: finalize called twice", pipeline.ErrInvalidState)
	}
	m.finalized = true
	if err := m.w.Close(); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	return nil
}
