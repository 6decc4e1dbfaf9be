// Package filesink provides a file-based debug sink implementation.
package filesink

import (
	"fmt"
	"path/filepath"

	"github.com/user/avflow/pkg/ports"
)

// Sink saves debug output to files under a base directory.
type Sink struct {
	baseDir string
	fs      ports.FileSystem
}

// New creates a new FileSink.
func New(baseDir string, fs ports.FileSystem) *Sink {
	return &Sink{
		baseDir: baseDir,
		fs:      fs,
	}
}

// Enabled returns true as this sink saves output.
func (s *Sink) Enabled() bool {
	return true
}

func (s *Sink) save(name string, data []byte) error {
	if err := s.fs.MkdirAll(s.baseDir); err != nil {
		return fmt.Errorf("create debug dir: %w", err)
	}
	return s.fs.WriteFile(filepath.Join(s.baseDir, name), data)
}

// SaveStreamsJSON saves the probed and produced stream descriptors.
func (s *Sink) SaveStreamsJSON(data []byte) error {
	return s.save("streams.json", data)
}

// SaveFilterGraph saves the negotiated filter graph of one chain.
func (s *Sink) SaveFilterGraph(streamIndex int, data []byte) error {
	return s.save(fmt.Sprintf("filtergraph-%02d.txt", streamIndex), data)
}

// SaveResultJSON saves the per-chain run results.
func (s *Sink) SaveResultJSON(data []byte) error {
	return s.save("result.json", data)
}

// Ensure Sink implements ports.DebugSink
var _ ports.DebugSink = (*Sink)(nil)
