package summarizer

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/user/avflow/pkg/bufferpool"
	"github.com/user/avflow/pkg/mocks"
	"github.com/user/avflow/pkg/orchestrator"
	"github.com/user/avflow/pkg/pipeline"
)

func TestNewSummary(t *testing.T) {
	before := time.Now()
	summary := NewSummary()
	after := time.Now()

	if summary.GeneratedAt.Before(before) || summary.GeneratedAt.After(after) {
		t.Errorf("GeneratedAt should be between %v and %v, got %v",
			before, after, summary.GeneratedAt)
	}
}

func TestBuilder_WithFiles(t *testing.T) {
	summary := NewBuilder().
		WithFiles("in.mp4", "out.mp4").
		WithOutcome(true, 2*time.Second).
		Build()

	if summary.Input != "in.mp4" || summary.Output != "out.mp4" {
		t.Errorf("files = %s -> %s", summary.Input, summary.Output)
	}
	if !summary.Finalized || summary.Elapsed != 2*time.Second {
		t.Errorf("outcome = %v %v", summary.Finalized, summary.Elapsed)
	}
}

func TestBuilder_WithResult(t *testing.T) {
	result := orchestrator.RunResult{
		Input:     "in.mp4",
		Output:    "out.mp4",
		Finalized: true,
		Chains: []orchestrator.ChainResult{
			{
				Stream: 0, Type: pipeline.MediaVideo, Mode: orchestrator.ModeTranscode,
				Input:  pipeline.StreamDescriptor{Codec: "h264"},
				Output: pipeline.StreamDescriptor{Codec: "av1"},
				State:  orchestrator.StateCompleted, PacketsRead: 10, PacketsWritten: 10, BytesWritten: 500,
			},
			{
				Stream: 1, Type: pipeline.MediaAudio, Mode: orchestrator.ModeCopy,
				State: orchestrator.StateFailed, Error: "container corrupt",
				Err: pipeline.ErrContainerCorrupt,
			},
		},
		Pool: bufferpool.Stats{Allocations: 3, Reuses: 7},
	}

	summary := NewBuilder().WithResult(result).Build()

	if len(summary.Streams) != 2 {
		t.Fatalf("streams = %d, want 2", len(summary.Streams))
	}
	v := summary.Streams[0]
	if v.Type != "video" || v.OutputCodec != "av1" || v.State != "completed" {
		t.Errorf("video = %+v", v)
	}
	if !summary.Failed() {
		t.Error("Failed() = false with a failed stream")
	}
	if summary.TotalBytes() != 500 {
		t.Errorf("TotalBytes() = %d, want 500", summary.TotalBytes())
	}
	if summary.Pool.Reuses != 7 {
		t.Errorf("pool reuses = %d", summary.Pool.Reuses)
	}
}

func TestWriter_Write(t *testing.T) {
	fs := mocks.NewFileSystem()
	w := NewWriter(NewMarkdownFormatter(), fs)

	if err := w.Write("reports/run.md", sampleSummary()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !fs.HasDir("reports") {
		t.Error("parent directory not created")
	}
	data, ok := fs.GetFile("reports/run.md")
	if !ok {
		t.Fatal("summary not written")
	}
	if !strings.HasPrefix(string(data), "# Pipeline Summary") {
		t.Errorf("content = %q", data)
	}
}

func TestWriter_WriteError(t *testing.T) {
	fs := mocks.NewFileSystem()
	fs.WriteFileFunc = func(path string, data []byte) error { return errors.New("read-only") }
	w := NewWriter(FormatFunc(func(*Summary) string { return "x" }), fs)

	if err := w.Write("run.md", NewSummary()); err == nil {
		t.Error("expected error")
	}
}
