package orchestrator

import (
	"time"

	"github.com/user/avflow/pkg/bufferpool"
	"github.com/user/avflow/pkg/pipeline"
)

// ChainState is the lifecycle state of one stream's chain.
type ChainState int

const (
	StateConstructed ChainState = iota
	StateRunning
	StateDraining
	StateCompleted
	StateFailed
)

func (s ChainState) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s ChainState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Chain modes.
const (
	ModeCopy      = "copy"
	ModeTranscode = "transcode"
)

// ChainResult reports the outcome of one stream.
type ChainResult struct {
	Stream         int                       `json:"stream"`
	Type           pipeline.MediaType        `json:"type"`
	Mode           string                    `json:"mode"`
	Input          pipeline.StreamDescriptor `json:"input"`
	Output         pipeline.StreamDescriptor `json:"output"`
	State          ChainState                `json:"state"`
	PacketsRead    int                       `json:"packetsRead"`
	PacketsWritten int                       `json:"packetsWritten"`
	BytesWritten   int64                     `json:"bytesWritten"`
	Skipped        int                       `json:"skipped"`
	Error          string                    `json:"error,omitempty"`

	// Err is the error that failed the chain.
	Err error `json:"-"`
}

// RunResult contains the results of a pipeline run for summary generation.
type RunResult struct {
	Input     string           `json:"input"`
	Output    string           `json:"output"`
	Chains    []ChainResult    `json:"chains"`
	Finalized bool             `json:"finalized"`
	Elapsed   time.Duration    `json:"elapsed"`
	Pool      bufferpool.Stats `json:"pool"`
}

// Failed returns the chains that ended in StateFailed.
func (r RunResult) Failed() []ChainResult {
	var out []ChainResult
	for _, c := range r.Chains {
		if c.State == StateFailed {
			out = append(out, c)
		}
	}
	return out
}

// FailedStreams returns the input indexes of failed chains.
func (r RunResult) FailedStreams() []int {
	var out []int
	for _, c := range r.Failed() {
		out = append(out, c.Stream)
	}
	return out
}

// Completed reports whether every chain completed.
func (r RunResult) Completed() bool {
	for _, c := range r.Chains {
		if c.State != StateCompleted {
			return false
		}
	}
	return len(r.Chains) > 0
}
