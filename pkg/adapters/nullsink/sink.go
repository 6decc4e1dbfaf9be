// Package nullsink provides a no-op debug sink implementation.
package nullsink

import (
	"github.com/user/avflow/pkg/ports"
)

// Sink is a no-op implementation of ports.DebugSink.
// It discards all debug output.
type Sink struct{}

// New creates a new NullSink.
func New() *Sink {
	return &Sink{}
}

// Enabled returns false as this sink discards all output.
func (s *Sink) Enabled() bool {
	return false
}

// SaveStreamsJSON does nothing.
func (s *Sink) SaveStreamsJSON(data []byte) error {
	return nil
}

// SaveFilterGraph does nothing.
func (s *Sink) SaveFilterGraph(streamIndex int, data []byte) error {
	return nil
}

// SaveResultJSON does nothing.
func (s *Sink) SaveResultJSON(data []byte) error {
	return nil
}

// Ensure Sink implements ports.DebugSink
var _ ports.DebugSink = (*Sink)(nil)
