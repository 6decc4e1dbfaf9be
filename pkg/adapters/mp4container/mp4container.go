package mp4container

import (
	"context"
	"fmt"
	"time"

	"github.com/user/avflow/pkg/adapters/formatdetect"
	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

// Options configures MP4 output.
type Options struct {
	// FragmentDuration is the target length of one fragment. Fragments are
	// cut at the next key frame once this much media is buffered.
	FragmentDuration time.Duration
}

// DefaultOptions returns the default output options.
func DefaultOptions() Options {
	return Options{FragmentDuration: time.Second}
}

// Factory implements ports.ContainerFactory on top of a FileSystem.
type Factory struct {
	fs     ports.FileSystem
	logger ports.Logger
	opts   Options
}

// New creates a Factory.
func New(fs ports.FileSystem, logger ports.Logger, opts Options) *Factory {
	return &Factory{fs: fs, logger: logger.WithComponent("mp4"), opts: opts}
}

// OpenReader opens input and parses its structure.
func (f *Factory) OpenReader(ctx context.Context, input string, streams ...int) (ports.ContainerReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, pipeline.Cancelled(err)
	}
	file, err := f.fs.Open(input)
	if err != nil {
		return nil, fmt.Errorf("%w: open input: %w", pipeline.ErrConfiguration, err)
	}
	if _, err := formatdetect.DetectFromReader(file); err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", input, err)
	}
	r, err := NewReader(file, streams...)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", input, err)
	}
	f.logger.Debug("Opened %s with %d streams", input, len(r.descs))
	return r, nil
}

// CreateWriter creates output.
func (f *Factory) CreateWriter(ctx context.Context, output string) (ports.ContainerWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, pipeline.Cancelled(err)
	}
	out, err := f.fs.Create(output)
	if err != nil {
		return nil, fmt.Errorf("%w: create output: %w", pipeline.ErrConfiguration, err)
	}
	return NewWriter(out, f.logger, f.opts), nil
}

var _ ports.ContainerFactory = (*Factory)(nil)
