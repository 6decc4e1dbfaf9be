// Package summarizer provides summary generation for pipeline runs.
package summarizer

import (
	"time"

	"github.com/user/avflow/pkg/orchestrator"
)

// Summary contains all data collected during a pipeline run.
type Summary struct {
	// Metadata
	GeneratedAt time.Time

	// Files
	Input  string
	Output string

	// Outcome
	Finalized bool
	Elapsed   time.Duration

	// Per-stream results ordered by input index
	Streams []StreamInfo

	// Buffer pool counters at the end of the run
	Pool PoolInfo
}

// StreamInfo describes the outcome of one stream.
type StreamInfo struct {
	Index          int
	Type           string
	Mode           string
	InputCodec     string
	OutputCodec    string
	State          string
	PacketsRead    int
	PacketsWritten int
	BytesWritten   int64
	Skipped        int
	Error          string
}

// PoolInfo contains buffer pool counters.
type PoolInfo struct {
	Allocations int64
	Reuses      int64
	Unpooled    int64
	Outstanding int
}

// Failed reports whether any stream failed.
func (s *Summary) Failed() bool {
	for _, st := range s.Streams {
		if st.State == orchestrator.StateFailed.String() {
			return true
		}
	}
	return false
}

// TotalBytes returns the payload bytes written across all streams.
func (s *Summary) TotalBytes() int64 {
	var n int64
	for _, st := range s.Streams {
		n += st.BytesWritten
	}
	return n
}

// NewSummary creates a new Summary with the current timestamp.
func NewSummary() *Summary {
	return &Summary{
		GeneratedAt: time.Now(),
	}
}

// Builder provides a fluent interface for building a Summary.
type Builder struct {
	summary *Summary
}

// NewBuilder creates a new Builder.
func NewBuilder() *Builder {
	return &Builder{
		summary: NewSummary(),
	}
}

// WithFiles sets the input and output paths.
func (b *Builder) WithFiles(input, output string) *Builder {
	b.summary.Input = input
	b.summary.Output = output
	return b
}

// WithOutcome sets whether the output was finalized and how long the run took.
func (b *Builder) WithOutcome(finalized bool, elapsed time.Duration) *Builder {
	b.summary.Finalized = finalized
	b.summary.Elapsed = elapsed
	return b
}

// WithStream appends one stream's result.
func (b *Builder) WithStream(stream StreamInfo) *Builder {
	b.summary.Streams = append(b.summary.Streams, stream)
	return b
}

// WithPool sets buffer pool counters.
func (b *Builder) WithPool(pool PoolInfo) *Builder {
	b.summary.Pool = pool
	return b
}

// WithResult fills the summary from an orchestrator result.
func (b *Builder) WithResult(r orchestrator.RunResult) *Builder {
	b.WithFiles(r.Input, r.Output).WithOutcome(r.Finalized, r.Elapsed)
	for _, c := range r.Chains {
		b.WithStream(StreamInfo{
			Index:          c.Stream,
			Type:           c.Type.String(),
			Mode:           c.Mode,
			InputCodec:     c.Input.Codec,
			OutputCodec:    c.Output.Codec,
			State:          c.State.String(),
			PacketsRead:    c.PacketsRead,
			PacketsWritten: c.PacketsWritten,
			BytesWritten:   c.BytesWritten,
			Skipped:        c.Skipped,
			Error:          c.Error,
		})
	}
	return b.WithPool(PoolInfo{
		Allocations: r.Pool.Allocations,
		Reuses:      r.Pool.Reuses,
		Unpooled:    r.Pool.Unpooled,
		Outstanding: r.Pool.Outstanding,
	})
}

// Build returns the constructed Summary.
func (b *Builder) Build() *Summary {
	return b.summary
}
