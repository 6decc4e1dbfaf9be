// Package filter runs a filter graph between two frame queues.
package filter

import (
	"context"
	"fmt"

	"github.com/user/avflow/pkg/filtergraph"
	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

// Filter streams frames through a graph.
type Filter struct {
	graph  *filtergraph.Graph
	stream int
	logger ports.Logger

	in  int
	out int
}

// New wraps a validated graph. The Filter owns the graph and closes it when
// Run returns.
func New(graph *filtergraph.Graph, stream int, logger ports.Logger) *Filter {
	return &Filter{graph: graph, stream: stream, logger: logger}
}

// Counts returns the number of frames consumed and produced.
func (f *Filter) Counts() (in, out int) {
	return f.in, f.out
}

// Run filters frames from in to out until in is closed. out is always closed.
func (f *Filter) Run(ctx context.Context, in *pipeline.Queue[*pipeline.Frame], out *pipeline.Queue[*pipeline.Frame]) error {
	defer func() {
		f.graph.Close()
		out.Close()
	}()

	for {
		fr, ok, err := in.Pop(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		f.in++
		res, err := f.graph.Process(ctx, fr)
		if err != nil {
			return fmt.Errorf("stream %d: %w", f.stream, err)
		}
		if err := f.push(ctx, out, res); err != nil {
			return err
		}
	}

	res, err := f.graph.Flush(ctx)
	if err != nil {
		return fmt.Errorf("stream %d: %w", f.stream, err)
	}
	if err := f.push(ctx, out, res); err != nil {
		return err
	}
	f.logger.Debug("Stream %d filtered: %d frames in, %d out", f.stream, f.in, f.out)
	return nil
}

func (f *Filter) push(ctx context.Context, out *pipeline.Queue[*pipeline.Frame], frames []*pipeline.Frame) error {
	for i, fr := range frames {
		if err := out.Push(ctx, fr); err != nil {
			for _, rest := range frames[i:] {
				rest.Release()
			}
			return err
		}
		f.out++
	}
	return nil
}
