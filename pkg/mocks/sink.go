package mocks

import (
	"sync"

	"github.com/user/avflow/pkg/ports"
)

// DebugSink is a mock implementation of ports.DebugSink.
type DebugSink struct {
	mu sync.RWMutex

	enabled bool

	StreamsJSON  []byte
	ResultJSON   []byte
	FilterGraphs map[int][]byte
}

// NewDebugSink creates a new mock DebugSink.
func NewDebugSink(enabled bool) *DebugSink {
	return &DebugSink{
		enabled:      enabled,
		FilterGraphs: make(map[int][]byte),
	}
}

func (m *DebugSink) Enabled() bool {
	return m.enabled
}

func (m *DebugSink) SaveStreamsJSON(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StreamsJSON = data
	return nil
}

func (m *DebugSink) SaveFilterGraph(streamIndex int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FilterGraphs[streamIndex] = data
	return nil
}

func (m *DebugSink) SaveResultJSON(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResultJSON = data
	return nil
}

var _ ports.DebugSink = (*DebugSink)(nil)

// NullSink is a no-op implementation of ports.DebugSink.
type NullSink struct{}

func (m *NullSink) Enabled() bool                                   { return false }
func (m *NullSink) SaveStreamsJSON(data []byte) error               { return nil }
func (m *NullSink) SaveFilterGraph(streamIndex int, data []byte) error { return nil }
func (m *NullSink) SaveResultJSON(data []byte) error                { return nil }

var _ ports.DebugSink = (*NullSink)(nil)
