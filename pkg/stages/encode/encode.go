// Package encode implements the encoding stage.
package encode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

// State is the lifecycle of an Encoder.
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

const drainPoll = time.Millisecond

// Options configures an Encoder.
type Options struct {
	BitrateMode   ports.BitrateMode
	TargetBitrate int64

	// RateTolerance is the fraction a CBR window may exceed the target
	// before it is reported.
	RateTolerance float64

	// MaxUnitErrors is the number of failed frames tolerated before the
	// stream is failed (negative = unlimited).
	MaxUnitErrors int
}

// Encoder wraps an encoder capability with a state machine and rate checks.
type Encoder struct {
	enc    ports.Encoder
	desc   pipeline.StreamDescriptor
	logger ports.Logger

	state    State
	errs     pipeline.UnitCounter
	rate     *rateMonitor
	produced int
	bytes    int64
}

// New creates an Encoder producing the stream described by desc.
func New(enc ports.Encoder, desc pipeline.StreamDescriptor, opts Options, logger ports.Logger) *Encoder {
	e := &Encoder{
		enc:    enc,
		desc:   desc,
		logger: logger,
		errs:   pipeline.UnitCounter{Limit: opts.MaxUnitErrors},
	}
	if opts.BitrateMode == ports.BitrateCBR && opts.TargetBitrate > 0 {
		tol := opts.RateTolerance
		if tol <= 0 {
			tol = 0.25
		}
		e.rate = newRateMonitor(opts.TargetBitrate, tol, desc.TimeBase)
	}
	return e
}

// State returns the current lifecycle state.
func (e *Encoder) State() State {
	return e.state
}

// Skipped returns the number of frames or rate windows reported as unit
// errors.
func (e *Encoder) Skipped() int {
	return e.errs.Skipped
}

// Produced returns the number of packets returned by Receive.
func (e *Encoder) Produced() int {
	return e.produced
}

// Bytes returns the total payload size produced.
func (e *Encoder) Bytes() int64 {
	return e.bytes
}

// Submit feeds one frame and takes ownership of it.
func (e *Encoder) Submit(ctx context.Context, f *pipeline.Frame) error {
	if f == nil {
		return fmt.Errorf("%w: nil frame, use Flush", pipeline.ErrInvalidState)
	}
	defer f.Release()
	if e.state != StateIdle {
		return fmt.Errorf("%w: frame submitted while %s", pipeline.ErrInvalidState, e.state)
	}

	err := e.enc.SendFrame(ctx, f)
	if err == nil {
		return nil
	}
	if pipeline.IsUnitError(err) {
		return e.unitError(fmt.Errorf("frame pts=%d: %w", f.PTS, err))
	}
	if errors.Is(err, pipeline.ErrFatalEncode) || pipeline.IsCancellation(err) {
		return err
	}
	return fmt.Errorf("%w: %v", pipeline.ErrFatalEncode, err)
}

// Flush signals end of input. It may be called once.
func (e *Encoder) Flush(ctx context.Context) error {
	if e.state != StateIdle {
		return fmt.Errorf("%w: flush while %s", pipeline.ErrInvalidState, e.state)
	}
	e.state = StateDraining
	if err := e.enc.SendFrame(ctx, nil); err != nil {
		return fmt.Errorf("%w: flush: %v", pipeline.ErrFatalEncode, err)
	}
	return nil
}

func (e *Encoder) unitError(err error) error {
	if e.errs.Skip() {
		return fmt.Errorf("%w: stream %d: %d units failed, last: %v", pipeline.ErrFatalEncode, e.desc.Index, e.errs.Skipped, err)
	}
	e.logger.Debug("Skipping unit on stream %d: %v", e.desc.Index, err)
	return err
}

// Receive returns the next packet, pipeline.ErrNeedMoreInput while the
// encoder's lookahead is filling, or pipeline.ErrEndOfStream once flushed.
func (e *Encoder) Receive(ctx context.Context) (*pipeline.Packet, error) {
	for {
		if e.state == StateFlushed {
			return nil, pipeline.ErrEndOfStream
		}
		pkt, err := e.enc.ReceivePacket(ctx)
		switch {
		case err == nil:
			e.stamp(pkt)
			if rerr := e.checkRate(pkt); rerr != nil {
				pkt.Release()
				return nil, rerr
			}
			e.produced++
			e.bytes += int64(pkt.Size())
			return pkt, nil
		case errors.Is(err, ports.ErrAgain):
			if e.state != StateDraining {
				return nil, pipeline.ErrNeedMoreInput
			}
			select {
			case <-ctx.Done():
				return nil, pipeline.Cancelled(ctx.Err())
			case <-time.After(drainPoll):
			}
		case errors.Is(err, io.EOF):
			if e.state != StateDraining {
				return nil, fmt.Errorf("%w: encoder ended before flush", pipeline.ErrFatalEncode)
			}
			e.state = StateFlushed
			return nil, pipeline.ErrEndOfStream
		case pipeline.IsUnitError(err):
			if uerr := e.unitError(err); errors.Is(uerr, pipeline.ErrFatalEncode) {
				return nil, uerr
			}
		case pipeline.IsCancellation(err):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", pipeline.ErrFatalEncode, err)
		}
	}
}

func (e *Encoder) stamp(pkt *pipeline.Packet) {
	pkt.StreamIndex = e.desc.Index
	if !pkt.TimeBase.Valid() {
		pkt.TimeBase = e.desc.TimeBase
	}
	if pkt.DTS == pipeline.NoPTS {
		pkt.DTS = pkt.PTS
	}
}

// checkRate feeds the CBR monitor. An over-budget window counts as a unit
// error; the packet itself is still delivered.
func (e *Encoder) checkRate(pkt *pipeline.Packet) error {
	if e.rate == nil {
		return nil
	}
	if err := e.rate.add(pkt); err != nil {
		if uerr := e.unitError(err); errors.Is(uerr, pipeline.ErrFatalEncode) {
			return uerr
		}
		e.logger.Warn("Stream %d: %v", e.desc.Index, err)
	}
	return nil
}

// Close releases the capability.
func (e *Encoder) Close() error {
	return e.enc.Close()
}

// Run encodes frames from in and pushes packets to out until in is closed or
// an error occurs. out is always closed.
func (e *Encoder) Run(ctx context.Context, in *pipeline.Queue[*pipeline.Frame], out *pipeline.Queue[*pipeline.Packet]) (err error) {
	defer func() {
		if cerr := e.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close encoder: %w", cerr)
		}
		out.Close()
	}()

	for {
		f, ok, err := in.Pop(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := e.Submit(ctx, f); err != nil {
			if pipeline.IsUnitError(err) {
				continue
			}
			return err
		}
		if err := e.emit(ctx, out); err != nil {
			return err
		}
	}

	if err := e.Flush(ctx); err != nil {
		return err
	}
	err = e.emit(ctx, out)
	if errors.Is(err, pipeline.ErrEndOfStream) {
		e.logger.Debug("Stream %d encoded: %d packets, %d bytes", e.desc.Index, e.produced, e.bytes)
		return nil
	}
	return err
}

func (e *Encoder) emit(ctx context.Context, out *pipeline.Queue[*pipeline.Packet]) error {
	for {
		pkt, err := e.Receive(ctx)
		if errors.Is(err, pipeline.ErrNeedMoreInput) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := out.Push(ctx, pkt); err != nil {
			pkt.Release()
			return err
		}
	}
}
