// Package orchestrator coordinates all pipeline stages: it builds one chain
// per input stream, runs the chains into a shared muxer and applies the
// failure policy.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/avflow/pkg/bufferpool"
	"github.com/user/avflow/pkg/filtergraph"
	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
	"github.com/user/avflow/pkg/stages/decode"
	"github.com/user/avflow/pkg/stages/demux"
	"github.com/user/avflow/pkg/stages/encode"
	"github.com/user/avflow/pkg/stages/filter"
	"github.com/user/avflow/pkg/stages/mux"
)

// Codec values with special meaning.
const (
	// CodecCopy forwards packets without decoding.
	CodecCopy = "copy"
	// CodecDrop leaves streams of that type out of the output.
	CodecDrop = "drop"
)

// Config contains all configuration for the orchestrator.
type Config struct {
	Input  string
	Output string

	// Output codec per media type; CodecCopy or CodecDrop are also accepted.
	// Data streams are always copied.
	VideoCodec    string
	AudioCodec    string
	SubtitleCodec string

	BitrateMode   ports.BitrateMode
	TargetBitrate int64 // video, bits per second
	AudioBitrate  int64 // bits per second
	RateTolerance float64
	EncoderParams map[string]string

	Filters []filtergraph.Spec

	// Streams restricts processing to these input stream indexes.
	Streams []int

	QueueDepth    int
	StopOnError   bool
	MaxUnitErrors int
	Priority      []pipeline.MediaType
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		VideoCodec:    CodecCopy,
		AudioCodec:    CodecCopy,
		SubtitleCodec: CodecCopy,
		BitrateMode:   ports.BitrateVBR,
		RateTolerance: 0.25,
		QueueDepth:    8,
		StopOnError:   true,
		MaxUnitErrors: 16,
		Priority:      mux.DefaultPriority,
	}
}

// Validate checks settings that need no input to verify.
func (c Config) Validate() error {
	switch {
	case c.Input == "":
		return pipeline.Configuration("input is required")
	case c.Output == "":
		return pipeline.Configuration("output is required")
	case c.Input == c.Output:
		return pipeline.Configuration("output %s would overwrite the input", c.Output)
	case c.QueueDepth < 1:
		return pipeline.Configuration("queue depth must be at least 1, got %d", c.QueueDepth)
	case c.TargetBitrate < 0 || c.AudioBitrate < 0:
		return pipeline.Configuration("bitrates must not be negative")
	}
	switch c.BitrateMode {
	case "", ports.BitrateVBR:
	case ports.BitrateCBR:
		if c.TargetBitrate == 0 && c.AudioBitrate == 0 {
			return pipeline.Configuration("cbr needs a target bitrate")
		}
	default:
		return pipeline.Configuration("unknown bitrate mode %q", c.BitrateMode)
	}
	for _, s := range c.Filters {
		if !filtergraph.Known(s.Name) {
			return pipeline.Configuration("unknown filter %q", s.Name)
		}
	}
	return nil
}

func (c Config) codecFor(t pipeline.MediaType) string {
	var codec string
	switch t {
	case pipeline.MediaVideo:
		codec = c.VideoCodec
	case pipeline.MediaAudio:
		codec = c.AudioCodec
	case pipeline.MediaSubtitle:
		codec = c.SubtitleCodec
	}
	if codec == "" {
		return CodecCopy
	}
	return codec
}

func (c Config) bitrateFor(t pipeline.MediaType) int64 {
	if t == pipeline.MediaAudio {
		return c.AudioBitrate
	}
	return c.TargetBitrate
}

// Orchestrator coordinates the execution of all pipeline stages.
type Orchestrator struct {
	containers ports.ContainerFactory
	codecs     ports.CodecFactory
	pool       *bufferpool.Pool
	fs         ports.FileSystem
	sink       ports.DebugSink
	logger     ports.Logger
}

// New creates a new Orchestrator.
func New(
	containers ports.ContainerFactory,
	codecs ports.CodecFactory,
	pool *bufferpool.Pool,
	fs ports.FileSystem,
	sink ports.DebugSink,
	logger ports.Logger,
) *Orchestrator {
	return &Orchestrator{
		containers: containers,
		codecs:     codecs,
		pool:       pool,
		fs:         fs,
		sink:       sink,
		logger:     logger,
	}
}

// Run executes the complete pipeline. Configuration problems are reported
// before the output is created. Once created, the output is always
// finalized, even after failures or cancellation.
func (o *Orchestrator) Run(ctx context.Context, config Config) (RunResult, error) {
	start := time.Now()
	result := RunResult{Input: config.Input, Output: config.Output}
	defer func() {
		result.Elapsed = time.Since(start)
	}()

	if err := config.Validate(); err != nil {
		return result, err
	}
	if ok, err := o.fs.Exists(config.Input); err != nil || !ok {
		return result, pipeline.Configuration("input %s not found", config.Input)
	}

	// 1. Construction: probe and build every chain without side effects
	o.logger.Info("Probing %s", config.Input)
	streams, err := demux.Probe(ctx, o.containers, config.Input)
	if err != nil {
		o.logger.Error("Failed to probe input: %s", err)
		return result, fmt.Errorf("probe input: %w", err)
	}
	chains, err := o.buildChains(ctx, config, streams)
	if err != nil {
		o.logger.Error("Failed to build pipeline: %s", err)
		return result, err
	}
	if len(chains) == 0 {
		return result, pipeline.Configuration("no streams selected from %s", config.Input)
	}
	o.saveStreams(streams, chains)

	// 2. Output
	w, err := o.containers.CreateWriter(ctx, config.Output)
	if err != nil {
		closeChains(chains)
		o.logger.Error("Failed to write output: %s", err)
		return result, fmt.Errorf("create output: %w", err)
	}
	muxer := mux.New(w, o.logger.WithComponent("mux"))

	active, err := o.declare(muxer, chains, config.StopOnError)
	if err == nil {
		// 3. Run all chains into the interleaver
		err = o.runChains(ctx, config, muxer, active)
	}

	// 4. Finalize, then release the barrier
	if ferr := muxer.Finalize(); ferr != nil {
		o.logger.Error("Failed to finalize output: %s", ferr)
		for _, c := range chains {
			if state, _ := c.snapshot(); state != StateFailed {
				c.fail(fmt.Errorf("stream %d: %w", c.index, ferr))
			}
		}
		if err == nil {
			err = ferr
		}
	} else {
		result.Finalized = true
	}
	for _, c := range chains {
		if state, _ := c.snapshot(); state == StateDraining {
			c.setState(StateCompleted)
		}
	}

	result.Chains = make([]ChainResult, 0, len(chains))
	for _, c := range chains {
		r := c.result()
		r.PacketsWritten, r.BytesWritten = muxer.Written(c.index)
		result.Chains = append(result.Chains, r)
		o.logChain(r)
	}
	result.Pool = o.pool.Stats()
	o.saveResult(result)

	if err == nil {
		err = o.outcome(ctx, config, result)
	}
	if err == nil {
		o.logger.Info("Output saved to %s", config.Output)
		o.logger.Info("Pipeline completed successfully")
	}
	return result, err
}

func (o *Orchestrator) buildChains(ctx context.Context, config Config, streams []pipeline.StreamDescriptor) ([]*chain, error) {
	byIndex := make(map[int]pipeline.StreamDescriptor, len(streams))
	for _, s := range streams {
		byIndex[s.Index] = s
	}
	selected := streams
	if len(config.Streams) > 0 {
		selected = nil
		for _, idx := range config.Streams {
			s, ok := byIndex[idx]
			if !ok {
				return nil, pipeline.Configuration("stream %d not in input (%d streams)", idx, len(streams))
			}
			selected = append(selected, s)
		}
	}

	var chains []*chain
	for _, s := range selected {
		codec := config.codecFor(s.Type)
		if codec == CodecDrop {
			o.logger.Debug("Dropping stream %s", s)
			continue
		}
		c, err := o.buildChain(ctx, config, s.Clone(), codec)
		if err != nil {
			closeChains(chains)
			return nil, err
		}
		chains = append(chains, c)
	}
	return chains, nil
}

func (o *Orchestrator) buildChain(ctx context.Context, config Config, desc pipeline.StreamDescriptor, codec string) (*chain, error) {
	logger := o.logger.WithComponent(fmt.Sprintf("stream %d", desc.Index))
	c := &chain{
		index:   desc.Index,
		in:      desc,
		logger:  logger,
		packets: pipeline.NewQueue[*pipeline.Packet](config.QueueDepth),
	}

	if codec == CodecCopy || desc.Type == pipeline.MediaData {
		c.mode = ModeCopy
		c.out = desc.Clone()
		c.muxIn = c.packets
		if len(config.Filters) > 0 {
			logger.Debug("Filters ignored for copied stream %d", desc.Index)
		}
		return c, nil
	}

	c.mode = ModeTranscode
	opts := ports.EncoderOptions{
		Codec:         codec,
		BitrateMode:   config.BitrateMode,
		TargetBitrate: config.bitrateFor(desc.Type),
		Params:        config.EncoderParams,
	}
	decOut, err := o.codecs.DecoderOutput(desc)
	if err != nil {
		return nil, constructionError(desc.Index, err)
	}
	want, err := o.codecs.EncoderInput(decOut, opts)
	if err != nil {
		return nil, constructionError(desc.Index, err)
	}
	// Filters decide the geometry; only the raw format is imposed.
	want.Width, want.Height, want.SampleRate, want.Channels = 0, 0, 0, 0

	graph, err := filtergraph.Build(config.Filters, decOut, want, o.pool, logger.WithComponent("filter"))
	if err != nil {
		return nil, constructionError(desc.Index, err)
	}
	pad := graph.OutputPad()
	encIn := decOut.Clone()
	encIn.Width, encIn.Height, encIn.FrameRate = pad.Width, pad.Height, pad.FrameRate
	encIn.SampleRate, encIn.Channels = pad.SampleRate, pad.Channels
	if desc.Type == pipeline.MediaAudio {
		encIn.SampleFormat = pad.Format
	} else {
		encIn.PixelFormat = pad.Format
	}

	dec, err := o.codecs.NewDecoder(ctx, desc)
	if err != nil {
		graph.Close()
		return nil, constructionError(desc.Index, err)
	}
	enc, outDesc, err := o.codecs.NewEncoder(ctx, encIn, opts)
	if err != nil {
		dec.Close()
		graph.Close()
		return nil, constructionError(desc.Index, err)
	}
	outDesc.Index = desc.Index
	if outDesc.Language == "" {
		outDesc.Language = desc.Language
	}

	c.out = outDesc
	c.graph = graph
	c.dec = decode.New(dec, desc, o.pool, decode.Options{MaxUnitErrors: config.MaxUnitErrors}, logger.WithComponent("decode"))
	c.flt = filter.New(graph, desc.Index, logger.WithComponent("filter"))
	c.enc = encode.New(enc, outDesc, encode.Options{
		BitrateMode:   config.BitrateMode,
		TargetBitrate: opts.TargetBitrate,
		RateTolerance: config.RateTolerance,
		MaxUnitErrors: config.MaxUnitErrors,
	}, logger.WithComponent("encode"))
	c.decoded = pipeline.NewQueue[*pipeline.Frame](config.QueueDepth)
	c.filtered = pipeline.NewQueue[*pipeline.Frame](config.QueueDepth)
	c.muxIn = pipeline.NewQueue[*pipeline.Packet](config.QueueDepth)

	logger.Debug("Filter graph for stream %d:\n%s", desc.Index, graph)
	return c, nil
}

// declare registers every chain's output stream. A chain whose stream the
// output cannot carry fails on its own unless stopOnError is set.
func (o *Orchestrator) declare(muxer *mux.Muxer, chains []*chain, stopOnError bool) ([]*chain, error) {
	var active []*chain
	for _, c := range chains {
		if err := muxer.DeclareStream(c.out); err != nil {
			c.fail(fmt.Errorf("stream %d: %w", c.index, err))
			c.close()
			o.logger.Warn("Stream %d cannot be written: %s", c.index, err)
			if stopOnError {
				for _, rest := range chains {
					if rest != c {
						rest.close()
					}
				}
				return nil, err
			}
			continue
		}
		active = append(active, c)
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("%w: no stream can be written to the output", pipeline.ErrConfiguration)
	}
	return active, nil
}

func (o *Orchestrator) runChains(ctx context.Context, config Config, muxer *mux.Muxer, chains []*chain) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var stopOnce sync.Once
	onFail := func(failed *chain) {
		if !config.StopOnError {
			o.logger.Warn("Stream %d failed, continuing with remaining streams", failed.index)
			return
		}
		stopOnce.Do(func() {
			o.logger.Warn("Stream %d failed, stopping remaining streams", failed.index)
			for _, c := range chains {
				if c != failed {
					c.cancel()
				}
			}
		})
	}

	il := mux.NewInterleaver(muxer, config.Priority, o.logger.WithComponent("interleave"))
	for _, c := range chains {
		c.ctx, c.cancel = context.WithCancel(runCtx)
		c.onFail = onFail
		il.AddInput(c.out, c.muxIn)
	}
	defer func() {
		for _, c := range chains {
			c.cancel()
		}
	}()

	o.logger.Info("Starting pipeline with %d streams", len(chains))
	var g errgroup.Group
	for _, c := range chains {
		c := c
		c.start(&g, func(ctx context.Context) (*demux.Demuxer, error) {
			r, err := o.containers.OpenReader(ctx, config.Input, c.index)
			if err != nil {
				return nil, err
			}
			return demux.New(r, o.pool, c.logger.WithComponent("demux")), nil
		})
	}

	var muxErr error
	g.Go(func() error {
		if err := il.Run(runCtx); err != nil {
			muxErr = err
			cancelRun()
		}
		return nil
	})
	g.Wait()

	for _, c := range chains {
		c.muxIn.Drain(func(p *pipeline.Packet) { p.Release() })
	}
	if muxErr != nil && !pipeline.IsCancellation(muxErr) {
		o.logger.Error("Failed to write output: %s", muxErr)
		for _, c := range chains {
			if state, _ := c.snapshot(); state != StateFailed {
				c.fail(fmt.Errorf("stream %d: %w", c.index, muxErr))
			}
		}
		return fmt.Errorf("mux: %w", muxErr)
	}
	return nil
}

// outcome maps the chain results onto the run's error.
func (o *Orchestrator) outcome(ctx context.Context, config Config, result RunResult) error {
	if err := ctx.Err(); err != nil {
		o.logger.Warn("Interrupted, output finalized")
		return pipeline.Cancelled(err)
	}
	failed := result.Failed()
	if len(failed) == 0 {
		return nil
	}

	root := failed[0].Err
	for _, f := range failed {
		if !pipeline.IsCancellation(f.Err) {
			root = f.Err
			break
		}
	}
	if config.StopOnError || len(failed) == len(result.Chains) {
		return root
	}
	ids := result.FailedStreams()
	sort.Ints(ids)
	return fmt.Errorf("%w: streams %v failed: %w", pipeline.ErrPartialFailure, ids, root)
}

func (o *Orchestrator) logChain(r ChainResult) {
	switch r.State {
	case StateCompleted:
		o.logger.Info("Stream %d (%s, %s): %d packets written, %d units skipped", r.Stream, r.Type, r.Mode, r.PacketsWritten, r.Skipped)
	default:
		o.logger.Error("Stream %d (%s, %s) failed: %s", r.Stream, r.Type, r.Mode, r.Error)
	}
}

func (o *Orchestrator) saveStreams(streams []pipeline.StreamDescriptor, chains []*chain) {
	if !o.sink.Enabled() {
		return
	}
	outputs := make([]pipeline.StreamDescriptor, 0, len(chains))
	for _, c := range chains {
		outputs = append(outputs, c.out)
		if c.graph != nil {
			if err := o.sink.SaveFilterGraph(c.index, []byte(c.graph.String())); err != nil {
				o.logger.Warn("Failed to save debug output: %s", err)
			}
		}
	}
	data, err := json.MarshalIndent(map[string][]pipeline.StreamDescriptor{
		"input":  streams,
		"output": outputs,
	}, "", "  ")
	if err == nil {
		err = o.sink.SaveStreamsJSON(data)
	}
	if err != nil {
		o.logger.Warn("Failed to save debug output: %s", err)
	}
}

func (o *Orchestrator) saveResult(result RunResult) {
	if !o.sink.Enabled() {
		return
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err == nil {
		err = o.sink.SaveResultJSON(data)
	}
	if err != nil {
		o.logger.Warn("Failed to save debug output: %s", err)
	}
}

func closeChains(chains []*chain) {
	for _, c := range chains {
		c.close()
	}
}

// IsPartial reports whether err signals that some streams succeeded.
func IsPartial(err error) bool {
	return errors.Is(err, pipeline.ErrPartialFailure)
}
