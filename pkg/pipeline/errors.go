package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/user/avflow/pkg/bufferpool"
)

// Error kinds. Errors returned by stages and capabilities wrap one or more of
// these and are classified with errors.Is.
var (
	ErrConfiguration      = errors.New("configuration error")
	ErrIncompatibleFormat = errors.New("incompatible format")
	ErrContainerCorrupt   = errors.New("container corrupt")
	ErrUnsupportedFormat  = errors.New("unsupported format")
	ErrDecode             = errors.New("decode error")
	ErrFatalDecode        = errors.New("fatal decode error")
	ErrEncode             = errors.New("encode error")
	ErrFatalEncode        = errors.New("fatal encode error")
	ErrResourceExhausted  = bufferpool.ErrResourceExhausted
	ErrCancelled          = errors.New("cancelled")
	ErrInvalidState       = errors.New("invalid state")
	ErrPartialFailure     = errors.New("partial failure")

	// Signals returned by Receive calls. They are not failures.
	ErrNeedMoreInput = errors.New("need more input")
	ErrEndOfStream   = errors.New("end of stream")
)

// IsUnitError reports whether err affects a single packet or frame and may be
// skipped. ErrResourceExhausted is not one: allocations wait it out.
func IsUnitError(err error) bool {
	return errors.Is(err, ErrDecode) || errors.Is(err, ErrEncode)
}

// IsCancellation reports whether err stems from cancellation rather than a
// failure of its own.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// Cancelled wraps a context error as ErrCancelled.
func Cancelled(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCancelled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// Configuration wraps a construction-time failure.
func Configuration(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
