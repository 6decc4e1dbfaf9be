// Package decode implements the decoding stage.
package decode

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

// State is the lifecycle of a Decoder.
type State int

const (
	StateIdle State = iota
	StateDraining
	StateFlushed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateFlushed:
		return "flushed"
	}
	return "unknown"
}

// drainPoll is the wait between receive attempts while the capability is
// still producing after end of stream.
const drainPoll = time.Millisecond

// Options configures a Decoder.
type Options struct {
	// MaxUnitErrors is the number of failed packets tolerated before the
	// stream is failed (negative = unlimited).
	MaxUnitErrors int
}

// Decoder wraps a decoder capability with a state machine and a
// presentation-order reorder buffer.
type Decoder struct {
	dec    ports.Decoder
	desc   pipeline.StreamDescriptor
	alloc  pipeline.Allocator
	logger ports.Logger

	state   State
	held    frameHeap
	depth   int
	lastPTS int64
	capEOF  bool
	errs    pipeline.UnitCounter
	late    int
	emitted int
}

// New creates a Decoder for the stream described by desc.
func New(dec ports.Decoder, desc pipeline.StreamDescriptor, alloc pipeline.Allocator, opts Options, logger ports.Logger) *Decoder {
	depth := desc.ReorderDepth
	if d := dec.ReorderDepth(); d > depth {
		depth = d
	}
	return &Decoder{
		dec:     dec,
		desc:    desc,
		alloc:   pipeline.Retrying(alloc),
		logger:  logger,
		depth:   depth,
		lastPTS: pipeline.NoPTS,
		errs:    pipeline.UnitCounter{Limit: opts.MaxUnitErrors},
	}
}

// State returns the current lifecycle state.
func (d *Decoder) State() State {
	return d.state
}

// Skipped returns the number of packets and frames dropped as unit errors or
// late arrivals.
func (d *Decoder) Skipped() int {
	return d.errs.Skipped + d.late
}

// Emitted returns the number of frames returned by Receive.
func (d *Decoder) Emitted() int {
	return d.emitted
}

// Submit feeds one packet. A nil packet signals end of stream. Submit takes
// ownership of pkt. Skippable failures are returned wrapped as unit errors;
// once the error threshold is exceeded a fatal error is returned instead.
func (d *Decoder) Submit(ctx context.Context, pkt *pipeline.Packet) error {
	if pkt == nil {
		if d.state != StateIdle {
			return fmt.Errorf("%w: end of stream submitted while %s", pipeline.ErrInvalidState, d.state)
		}
		d.state = StateDraining
		if err := d.dec.SendPacket(ctx, nil); err != nil {
			return fmt.Errorf("%w: flush: %v", pipeline.ErrFatalDecode, err)
		}
		return nil
	}
	defer pkt.Release()

	if d.state != StateIdle {
		return fmt.Errorf("%w: packet submitted while %s", pipeline.ErrInvalidState, d.state)
	}

	err := d.dec.SendPacket(ctx, pkt)
	if err == nil {
		return nil
	}
	if pipeline.IsUnitError(err) {
		return d.unitError(fmt.Errorf("packet pts=%d: %w", pkt.PTS, err))
	}
	if errors.Is(err, pipeline.ErrFatalDecode) || pipeline.IsCancellation(err) {
		return err
	}
	return fmt.Errorf("%w: %v", pipeline.ErrFatalDecode, err)
}

func (d *Decoder) unitError(err error) error {
	if d.errs.Skip() {
		return fmt.Errorf("%w: stream %d: %d units failed, last: %v", pipeline.ErrFatalDecode, d.desc.Index, d.errs.Skipped, err)
	}
	d.logger.Debug("Skipping unit on stream %d: %v", d.desc.Index, err)
	return err
}

// Receive returns the next frame in presentation order. It returns
// pipeline.ErrNeedMoreInput when the reorder buffer needs more packets and
// pipeline.ErrEndOfStream once drained.
func (d *Decoder) Receive(ctx context.Context) (*pipeline.Frame, error) {
	for {
		if d.state == StateFlushed {
			return nil, pipeline.ErrEndOfStream
		}
		if err := d.fill(ctx); err != nil {
			return nil, err
		}

		ready := d.held.Len() > d.depth || (d.capEOF && d.held.Len() > 0)
		if !ready {
			if d.state == StateDraining && d.capEOF {
				d.state = StateFlushed
				return nil, pipeline.ErrEndOfStream
			}
			if d.state == StateDraining {
				select {
				case <-ctx.Done():
					return nil, pipeline.Cancelled(ctx.Err())
				case <-time.After(drainPoll):
				}
				continue
			}
			return nil, pipeline.ErrNeedMoreInput
		}

		f := heap.Pop(&d.held).(*pipeline.Frame)
		if d.lastPTS != pipeline.NoPTS && f.PTS != pipeline.NoPTS && f.PTS < d.lastPTS {
			d.late++
			d.logger.Debug("Dropping late frame on stream %d: pts %d behind %d", d.desc.Index, f.PTS, d.lastPTS)
			f.Release()
			continue
		}
		if f.PTS != pipeline.NoPTS {
			d.lastPTS = f.PTS
		}
		d.emitted++
		return f, nil
	}
}

// fill pulls frames from the capability until the reorder buffer can release
// one or the capability has nothing more for now.
func (d *Decoder) fill(ctx context.Context) error {
	for !d.capEOF && d.held.Len() <= d.depth {
		f, err := d.dec.ReceiveFrame(ctx, d.alloc)
		switch {
		case err == nil:
			d.normalize(f)
			heap.Push(&d.held, f)
		case errors.Is(err, ports.ErrAgain):
			return nil
		case errors.Is(err, io.EOF):
			d.capEOF = true
			return nil
		case pipeline.IsUnitError(err):
			if uerr := d.unitError(err); errors.Is(uerr, pipeline.ErrFatalDecode) {
				return uerr
			}
		case pipeline.IsCancellation(err):
			return err
		default:
			return fmt.Errorf("%w: %v", pipeline.ErrFatalDecode, err)
		}
	}
	return nil
}

func (d *Decoder) normalize(f *pipeline.Frame) {
	f.StreamIndex = d.desc.Index
	if !f.TimeBase.Valid() {
		f.TimeBase = d.desc.TimeBase
	}
	if f.PTS == pipeline.NoPTS {
		f.PTS = f.DTS
	}
}

// Close releases held frames and the capability.
func (d *Decoder) Close() error {
	for d.held.Len() > 0 {
		heap.Pop(&d.held).(*pipeline.Frame).Release()
	}
	return d.dec.Close()
}

// Run decodes packets from in and pushes frames to out until in is closed or
// an error occurs. out is always closed. Packets left in in after an error
// belong to the caller, which drains them once upstream is stopped.
func (d *Decoder) Run(ctx context.Context, in *pipeline.Queue[*pipeline.Packet], out *pipeline.Queue[*pipeline.Frame]) (err error) {
	defer func() {
		if cerr := d.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close decoder: %w", cerr)
		}
		out.Close()
	}()

	for {
		pkt, ok, err := in.Pop(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := d.Submit(ctx, pkt); err != nil {
			if pipeline.IsUnitError(err) {
				continue
			}
			d.emitHeld(ctx, out)
			return err
		}
		if err := d.emit(ctx, out); err != nil {
			if !pipeline.IsCancellation(err) {
				d.emitHeld(ctx, out)
			}
			return err
		}
	}

	if err := d.Submit(ctx, nil); err != nil {
		return err
	}
	err = d.emit(ctx, out)
	if errors.Is(err, pipeline.ErrEndOfStream) {
		d.logger.Debug("Stream %d decoded: %d frames, %d skipped", d.desc.Index, d.emitted, d.Skipped())
		return nil
	}
	return err
}

// emit forwards every frame Receive can currently produce.
func (d *Decoder) emit(ctx context.Context, out *pipeline.Queue[*pipeline.Frame]) error {
	for {
		f, err := d.Receive(ctx)
		if errors.Is(err, pipeline.ErrNeedMoreInput) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := out.Push(ctx, f); err != nil {
			f.Release()
			return err
		}
	}
}

// emitHeld forwards frames already reordered before a fatal error so that
// downstream stages can finish what was decoded.
func (d *Decoder) emitHeld(ctx context.Context, out *pipeline.Queue[*pipeline.Frame]) {
	for d.held.Len() > 0 {
		f := heap.Pop(&d.held).(*pipeline.Frame)
		if f.PTS != pipeline.NoPTS && d.lastPTS != pipeline.NoPTS && f.PTS < d.lastPTS {
			d.late++
			f.Release()
			continue
		}
		if f.PTS != pipeline.NoPTS {
			d.lastPTS = f.PTS
		}
		if err := out.Push(ctx, f); err != nil {
			f.Release()
			return
		}
		d.emitted++
	}
}

// frameHeap orders frames by PTS, then DTS.
type frameHeap []*pipeline.Frame

func (h frameHeap) Len() int { return len(h) }
func (h frameHeap) Less(i, j int) bool {
	if h[i].PTS != h[j].PTS {
		return h[i].PTS < h[j].PTS
	}
	return h[i].DTS < h[j].DTS
}
func (h frameHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *frameHeap) Push(x any)   { *h = append(*h, x.(*pipeline.Frame)) }
func (h *frameHeap) Pop() any {
	old := *h
	n := len(old)
	f := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return f
}
