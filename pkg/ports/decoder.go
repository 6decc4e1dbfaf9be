package ports

import (
	"context"
	"errors"

	"github.com/user/avflow/pkg/pipeline"
)

// ErrAgain is returned by Receive calls when the capability needs more input
// before it can produce output.
var ErrAgain = errors.New("try again")

// Decoder abstracts a native decoder. Send and receive are decoupled: one
// packet may yield zero or more frames, and frames may arrive in presentation
// order regardless of the packet order.
type Decoder interface {
	// SendPacket submits one packet. A nil packet signals end of stream;
	// the decoder then releases everything it holds through ReceiveFrame.
	// Per-packet failures wrap pipeline.ErrDecode.
	SendPacket(ctx context.Context, pkt *pipeline.Packet) error

	// ReceiveFrame returns the next decoded frame, allocated from alloc.
	// It returns ErrAgain when more input is needed and io.EOF once the
	// decoder is fully drained.
	ReceiveFrame(ctx context.Context, alloc pipeline.Allocator) (*pipeline.Frame, error)

	// ReorderDepth is the number of frames the decoder may hold back.
	ReorderDepth() int

	// Close releases native resources.
	Close() error
}
