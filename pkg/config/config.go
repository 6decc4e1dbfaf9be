// Package config provides configuration loading and management.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/user/avflow/pkg/adapters/mp4container"
	"github.com/user/avflow/pkg/bufferpool"
	"github.com/user/avflow/pkg/filtergraph"
	"github.com/user/avflow/pkg/orchestrator"
	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

// Config represents the full configuration for avflow.
type Config struct {
	// Input/Output
	Input  string `yaml:"input"`
	Output string `yaml:"output"`

	// Codecs
	VideoCodec    string `yaml:"video_codec"`
	AudioCodec    string `yaml:"audio_codec"`
	SubtitleCodec string `yaml:"subtitle_codec"`

	// Rate control
	BitrateMode   string            `yaml:"bitrate_mode"`
	TargetBitrate int64             `yaml:"target_bitrate"`
	AudioBitrate  int64             `yaml:"audio_bitrate"`
	RateTolerance float64           `yaml:"rate_tolerance"`
	EncoderParams map[string]string `yaml:"encoder_params"`

	// Filtering
	FilterChain []filtergraph.Spec `yaml:"filter_chain"`

	// Scheduling
	Streams        []int    `yaml:"streams"`
	QueueDepth     int      `yaml:"queue_depth"`
	StopOnError    bool     `yaml:"stop_on_error"`
	MaxUnitErrors  int      `yaml:"max_unit_errors"`
	StreamPriority []string `yaml:"stream_priority"`

	Pool PoolConfig `yaml:"pool"`

	// Output container
	FragmentDuration time.Duration `yaml:"fragment_duration"`

	// Native codecs
	FFmpegPath string `yaml:"ffmpeg_path"`

	// Debug
	Debug    bool   `yaml:"debug"`
	DebugDir string `yaml:"debug_dir"`
	LogLevel string `yaml:"log_level"`
}

// PoolConfig represents buffer pool limits.
type PoolConfig struct {
	MaxPooled           int           `yaml:"max_pooled"`
	MaxOutstandingBytes int64         `yaml:"max_outstanding_bytes"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout"`
}

// Defaults returns a Config with default values.
func Defaults() Config {
	oc := orchestrator.DefaultConfig()
	po := bufferpool.DefaultOptions()

	priority := make([]string, len(oc.Priority))
	for i, t := range oc.Priority {
		priority[i] = t.String()
	}

	return Config{
		// Codecs
		VideoCodec:    oc.VideoCodec,
		AudioCodec:    oc.AudioCodec,
		SubtitleCodec: oc.SubtitleCodec,

		// Rate control
		BitrateMode:   string(oc.BitrateMode),
		RateTolerance: oc.RateTolerance,

		// Scheduling
		QueueDepth:     oc.QueueDepth,
		StopOnError:    oc.StopOnError,
		MaxUnitErrors:  oc.MaxUnitErrors,
		StreamPriority: priority,

		Pool: PoolConfig{
			MaxPooled:           po.MaxPooled,
			MaxOutstandingBytes: po.MaxOutstandingBytes,
			AcquireTimeout:      po.AcquireTimeout,
		},

		FragmentDuration: mp4container.DefaultOptions().FragmentDuration,

		// Debug
		DebugDir: "./debug",
		LogLevel: "info",
	}
}

// LoadFromFile loads configuration from a YAML file over the defaults.
// Unknown keys are rejected.
func LoadFromFile(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: %w", pipeline.ErrConfiguration, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("%w: %s: %w", pipeline.ErrConfiguration, path, err)
	}

	return cfg, nil
}

// Validate checks the settings that the orchestrator does not see.
func (c Config) Validate() error {
	for _, name := range c.StreamPriority {
		if _, ok := pipeline.ParseMediaType(name); !ok {
			return pipeline.Configuration("unknown media type %q in stream_priority", name)
		}
	}
	if c.Pool.MaxPooled < 0 {
		return pipeline.Configuration("pool.max_pooled must not be negative")
	}
	if c.Pool.MaxOutstandingBytes < 0 {
		return pipeline.Configuration("pool.max_outstanding_bytes must not be negative")
	}
	if c.FragmentDuration <= 0 {
		return pipeline.Configuration("fragment_duration must be positive")
	}
	return c.ToOrchestratorConfig().Validate()
}

// ToOrchestratorConfig converts Config to orchestrator.Config.
func (c Config) ToOrchestratorConfig() orchestrator.Config {
	priority := make([]pipeline.MediaType, 0, len(c.StreamPriority))
	for _, name := range c.StreamPriority {
		if t, ok := pipeline.ParseMediaType(name); ok {
			priority = append(priority, t)
		}
	}

	return orchestrator.Config{
		Input:  c.Input,
		Output: c.Output,

		VideoCodec:    c.VideoCodec,
		AudioCodec:    c.AudioCodec,
		SubtitleCodec: c.SubtitleCodec,

		BitrateMode:   ports.BitrateMode(c.BitrateMode),
		TargetBitrate: c.TargetBitrate,
		AudioBitrate:  c.AudioBitrate,
		RateTolerance: c.RateTolerance,
		EncoderParams: c.EncoderParams,

		Filters: c.FilterChain,
		Streams: c.Streams,

		QueueDepth:    c.QueueDepth,
		StopOnError:   c.StopOnError,
		MaxUnitErrors: c.MaxUnitErrors,
		Priority:      priority,
	}
}

// PoolOptions converts the pool section to bufferpool.Options.
func (c Config) PoolOptions(logger bufferpool.Logger) bufferpool.Options {
	return bufferpool.Options{
		MaxPooled:           c.Pool.MaxPooled,
		MaxOutstandingBytes: c.Pool.MaxOutstandingBytes,
		AcquireTimeout:      c.Pool.AcquireTimeout,
		Logger:              logger,
	}
}

// ContainerOptions converts the output settings to mp4container.Options.
func (c Config) ContainerOptions() mp4container.Options {
	return mp4container.Options{FragmentDuration: c.FragmentDuration}
}
