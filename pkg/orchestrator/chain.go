package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/user/avflow/pkg/filtergraph"
	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
	"github.com/user/avflow/pkg/stages/decode"
	"github.com/user/avflow/pkg/stages/demux"
	"github.com/user/avflow/pkg/stages/encode"
	"github.com/user/avflow/pkg/stages/filter"
)

// chain carries one input stream to one output stream. In copy mode the
// demuxer feeds the muxer directly; otherwise packets pass through decode,
// filter and encode stages.
type chain struct {
	index  int
	mode   string
	in     pipeline.StreamDescriptor
	out    pipeline.StreamDescriptor
	logger ports.Logger

	dec   *decode.Decoder
	graph *filtergraph.Graph
	flt   *filter.Filter
	enc   *encode.Encoder

	packets  *pipeline.Queue[*pipeline.Packet]
	decoded  *pipeline.Queue[*pipeline.Frame]
	filtered *pipeline.Queue[*pipeline.Frame]
	muxIn    *pipeline.Queue[*pipeline.Packet]

	ctx    context.Context
	cancel context.CancelFunc
	onFail func(*chain)

	mu        sync.Mutex
	state     ChainState
	err       error
	cancelErr error
	read      int
}

type stageRun struct {
	name string
	run  func(ctx context.Context) error
}

func (c *chain) setState(s ChainState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *chain) snapshot() (ChainState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.err
}

// fail marks the chain failed. The first error wins.
func (c *chain) fail(err error) {
	c.mu.Lock()
	first := c.err == nil
	if first {
		c.err = err
		c.state = StateFailed
	}
	c.mu.Unlock()
	if first && c.onFail != nil {
		c.onFail(c)
	}
}

// record notes a stage's exit error. Cancellations are kept apart so that
// the root cause of a failure is reported instead of its side effects.
func (c *chain) record(stage string, err error) {
	if pipeline.IsCancellation(err) {
		c.mu.Lock()
		if c.cancelErr == nil {
			c.cancelErr = err
		}
		c.mu.Unlock()
		return
	}
	c.logger.Debug("Stage %s failed: %v", stage, err)
	c.fail(fmt.Errorf("%s stream %d: %w", stage, c.index, err))
}

// stages lists the chain's stages in data-flow order.
func (c *chain) stages(openDemuxer func(ctx context.Context) (*demux.Demuxer, error)) []stageRun {
	runs := []stageRun{{
		name: "demux",
		run: func(ctx context.Context) error {
			d, err := openDemuxer(ctx)
			if err != nil {
				c.packets.Close()
				return err
			}
			err = d.Run(ctx, c.packets)
			c.mu.Lock()
			c.read = d.Packets()
			c.mu.Unlock()
			return err
		},
	}}
	if c.mode == ModeCopy {
		return runs
	}
	return append(runs,
		stageRun{"decode", func(ctx context.Context) error { return c.dec.Run(ctx, c.packets, c.decoded) }},
		stageRun{"filter", func(ctx context.Context) error { return c.flt.Run(ctx, c.decoded, c.filtered) }},
		stageRun{"encode", func(ctx context.Context) error { return c.enc.Run(ctx, c.filtered, c.muxIn) }},
	)
}

// start launches every stage on g. Each stage's context is derived from the
// next stage's, so a failing stage cancels only what lies upstream of it
// while downstream stages flush what they already hold.
func (c *chain) start(g *errgroup.Group, openDemuxer func(ctx context.Context) (*demux.Demuxer, error)) {
	c.setState(StateRunning)
	runs := c.stages(openDemuxer)

	ctxs := make([]context.Context, len(runs))
	cancels := make([]context.CancelFunc, len(runs))
	parent := c.ctx
	for i := len(runs) - 1; i >= 0; i-- {
		ctxs[i], cancels[i] = context.WithCancel(parent)
		parent = ctxs[i]
	}

	var wg sync.WaitGroup
	for i, s := range runs {
		i, s := i, s
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			if err := s.run(ctxs[i]); err != nil {
				cancels[i]()
				c.record(s.name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		wg.Wait()
		for _, cancel := range cancels {
			cancel()
		}
		c.drainInternal()
		c.mu.Lock()
		defer c.mu.Unlock()
		switch {
		case c.err != nil:
		case c.cancelErr != nil:
			c.err = fmt.Errorf("stream %d: %w", c.index, pipeline.Cancelled(c.cancelErr))
			c.state = StateFailed
		default:
			c.state = StateDraining
		}
		return nil
	})
}

// drainInternal releases items left between stages once every stage of the
// chain has returned. The muxer input is drained by the controller.
func (c *chain) drainInternal() {
	if c.mode == ModeCopy {
		return
	}
	c.packets.Drain(func(p *pipeline.Packet) { p.Release() })
	c.decoded.Drain(func(f *pipeline.Frame) { f.Release() })
	c.filtered.Drain(func(f *pipeline.Frame) { f.Release() })
}

// close releases capabilities of a chain that never ran.
func (c *chain) close() {
	if c.dec != nil {
		c.dec.Close()
	}
	if c.graph != nil {
		c.graph.Close()
	}
	if c.enc != nil {
		c.enc.Close()
	}
}

func (c *chain) skipped() int {
	n := 0
	if c.dec != nil {
		n += c.dec.Skipped()
	}
	if c.enc != nil {
		n += c.enc.Skipped()
	}
	return n
}

func (c *chain) result() ChainResult {
	state, err := c.snapshot()
	c.mu.Lock()
	read := c.read
	c.mu.Unlock()
	r := ChainResult{
		Stream:      c.index,
		Type:        c.in.Type,
		Mode:        c.mode,
		Input:       c.in.Clone(),
		Output:      c.out.Clone(),
		State:       state,
		PacketsRead: read,
		Skipped:     c.skipped(),
		Err:         err,
	}
	r.Input.Extradata, r.Output.Extradata = nil, nil
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// constructionError marks a chain construction failure as a configuration
// error while keeping the underlying kind.
func constructionError(stream int, err error) error {
	if errors.Is(err, pipeline.ErrConfiguration) {
		return fmt.Errorf("stream %d: %w", stream, err)
	}
	return fmt.Errorf("%w: stream %d: %w", pipeline.ErrConfiguration, stream, err)
}
