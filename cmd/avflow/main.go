// Package main provides the CLI entry point for avflow.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ideamans/go-l10n"
	"github.com/urfave/cli/v2"

	"github.com/user/avflow/pkg/adapters/codecs"
	"github.com/user/avflow/pkg/adapters/filesink"
	"github.com/user/avflow/pkg/adapters/formatdetect"
	"github.com/user/avflow/pkg/adapters/logger"
	"github.com/user/avflow/pkg/adapters/mp4container"
	"github.com/user/avflow/pkg/adapters/nullsink"
	"github.com/user/avflow/pkg/adapters/osfilesystem"
	"github.com/user/avflow/pkg/bufferpool"
	"github.com/user/avflow/pkg/config"
	"github.com/user/avflow/pkg/filtergraph"
	"github.com/user/avflow/pkg/orchestrator"
	"github.com/user/avflow/pkg/ports"
	"github.com/user/avflow/pkg/stages/demux"
	"github.com/user/avflow/pkg/summarizer"
)

var version = "dev"

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	exitPartial = 3
)

// usageError marks errors that should print command usage.
type usageError struct {
	msg string
}

func (e usageError) Error() string { return e.msg }

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	app := newApp(stdout, stderr)
	err := app.Run(args)
	code := exitCode(err)
	if err != nil {
		var partial *partialError
		switch {
		case errors.As(err, &partial):
			fmt.Fprintln(stderr, l10n.F("Some streams failed: %v", partial.streams))
			for _, c := range partial.failed {
				fmt.Fprintf(stderr, "  stream %d (%s): %s\n", c.Stream, c.Type, c.Error)
			}
		default:
			fmt.Fprintln(stderr, "avflow:", err)
		}
	}
	return code
}

// exitCode maps an error onto the process exit code.
func exitCode(err error) int {
	var usage usageError
	var partial *partialError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &usage):
		return exitUsage
	case errors.As(err, &partial):
		return exitPartial
	default:
		return exitFailure
	}
}

// partialError carries the failed chains of a partially successful run.
type partialError struct {
	err     error
	streams []int
	failed  []orchestrator.ChainResult
}

func (e *partialError) Error() string { return e.err.Error() }
func (e *partialError) Unwrap() error { return e.err }

// showUsage prints the help text of the current command.
func showUsage(c *cli.Context) {
	cli.HelpPrinter(c.App.Writer, cli.CommandHelpTemplate, c.Command)
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "avflow",
		Usage:     l10n.T("Demux, transcode, filter and remux media files"),
		Version:   version,
		Writer:    stdout,
		ErrWriter: stderr,
		// Exit codes are decided by run.
		ExitErrHandler: func(*cli.Context, error) {},
		OnUsageError: func(c *cli.Context, err error, _ bool) error {
			return usageError{msg: err.Error()}
		},
		Commands: []*cli.Command{
			runCommand(),
			probeCommand(),
			codecsCommand(),
			{
				Name:  "version",
				Usage: l10n.T("Show version information"),
				Action: func(c *cli.Context) error {
					fmt.Fprintln(c.App.Writer, l10n.F("avflow version %s", version))
					return nil
				},
			},
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     l10n.T("Process an input file into an output file"),
		ArgsUsage: " ",
		OnUsageError: func(c *cli.Context, err error, _ bool) error {
			showUsage(c)
			return usageError{msg: err.Error()}
		},
		Flags: []cli.Flag{
			// Files
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: l10n.T("Input file path"), Category: l10n.T("Files")},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: l10n.T("Output file path"), Category: l10n.T("Files")},
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: l10n.T("YAML configuration file"), Category: l10n.T("Files")},
			&cli.StringFlag{Name: "summary", Usage: l10n.T("Write a Markdown summary to this path"), Category: l10n.T("Files")},

			// Codecs
			&cli.StringFlag{Name: "vcodec", Usage: l10n.T("Video codec (copy, drop or a codec name)"), Category: l10n.T("Codecs")},
			&cli.StringFlag{Name: "acodec", Usage: l10n.T("Audio codec (copy, drop or a codec name)"), Category: l10n.T("Codecs")},
			&cli.StringFlag{Name: "scodec", Usage: l10n.T("Subtitle codec (copy or drop)"), Category: l10n.T("Codecs")},
			&cli.StringFlag{Name: "bitrate-mode", Usage: l10n.T("Rate control (vbr, cbr)"), Category: l10n.T("Codecs")},
			&cli.Int64Flag{Name: "bitrate", Usage: l10n.T("Target video bitrate in bits per second"), Category: l10n.T("Codecs")},
			&cli.Int64Flag{Name: "audio-bitrate", Usage: l10n.T("Target audio bitrate in bits per second"), Category: l10n.T("Codecs")},
			&cli.StringFlag{Name: "ffmpeg", Usage: l10n.T("Path to the ffmpeg binary"), Category: l10n.T("Codecs")},

			// Processing
			&cli.StringSliceFlag{Name: "filter", Aliases: []string{"f"}, Usage: l10n.T("Filter spec such as scale=w=640:h=360 (repeatable)"), Category: l10n.T("Processing")},
			&cli.IntSliceFlag{Name: "stream", Usage: l10n.T("Input stream index to process (repeatable)"), Category: l10n.T("Processing")},
			&cli.IntFlag{Name: "queue-depth", Usage: l10n.T("Capacity of each inter-stage queue"), Category: l10n.T("Processing")},
			&cli.BoolFlag{Name: "stop-on-error", Usage: l10n.T("Stop every stream when one fails"), Category: l10n.T("Processing")},
			&cli.IntFlag{Name: "max-unit-errors", Usage: l10n.T("Failed packets or frames tolerated per stream"), Category: l10n.T("Processing")},

			// Debug
			&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, Usage: l10n.T("Enable debug output"), Category: l10n.T("Debug")},
			&cli.StringFlag{Name: "debug-dir", Usage: l10n.T("Directory for debug output"), Category: l10n.T("Debug")},

			// Logging
			&cli.StringFlag{Name: "log-level", Aliases: []string{"l"}, Usage: l10n.T("Log level (debug, info, warn, error)"), Category: l10n.T("Logging")},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: l10n.T("Suppress all log output"), Category: l10n.T("Logging")},
		},
		Action: runAction,
	}
}

// buildConfig loads the configuration file, if any, and applies flags.
func buildConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Defaults()
	if path := c.String("config"); path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	if c.IsSet("input") {
		cfg.Input = c.String("input")
	}
	if c.IsSet("output") {
		cfg.Output = c.String("output")
	}
	if c.IsSet("vcodec") {
		cfg.VideoCodec = c.String("vcodec")
	}
	if c.IsSet("acodec") {
		cfg.AudioCodec = c.String("acodec")
	}
	if c.IsSet("scodec") {
		cfg.SubtitleCodec = c.String("scodec")
	}
	if c.IsSet("bitrate-mode") {
		cfg.BitrateMode = c.String("bitrate-mode")
	}
	if c.IsSet("bitrate") {
		cfg.TargetBitrate = c.Int64("bitrate")
	}
	if c.IsSet("audio-bitrate") {
		cfg.AudioBitrate = c.Int64("audio-bitrate")
	}
	if c.IsSet("ffmpeg") {
		cfg.FFmpegPath = c.String("ffmpeg")
	}
	if c.IsSet("filter") {
		cfg.FilterChain = nil
		for _, s := range c.StringSlice("filter") {
			specs, err := filtergraph.ParseChain(s)
			if err != nil {
				return cfg, err
			}
			cfg.FilterChain = append(cfg.FilterChain, specs...)
		}
	}
	if c.IsSet("stream") {
		cfg.Streams = c.IntSlice("stream")
	}
	if c.IsSet("queue-depth") {
		cfg.QueueDepth = c.Int("queue-depth")
	}
	if c.IsSet("stop-on-error") {
		cfg.StopOnError = c.Bool("stop-on-error")
	}
	if c.IsSet("max-unit-errors") {
		cfg.MaxUnitErrors = c.Int("max-unit-errors")
	}
	if c.IsSet("debug") {
		cfg.Debug = c.Bool("debug")
	}
	if c.IsSet("debug-dir") {
		cfg.DebugDir = c.String("debug-dir")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	return cfg, nil
}

func newLogger(c *cli.Context, level string) ports.Logger {
	if c.Bool("quiet") {
		return logger.NewNoop()
	}
	if c.App.Writer == os.Stdout {
		return logger.NewConsole(ports.ParseLogLevel(level))
	}
	return logger.NewConsoleTo(ports.ParseLogLevel(level), c.App.Writer, c.App.ErrWriter)
}

// runAction executes the run command.
func runAction(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}
	if cfg.Input == "" || cfg.Output == "" {
		showUsage(c)
		return usageError{msg: l10n.T("both --input and --output are required")}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := newLogger(c, cfg.LogLevel)

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			log.Warn("Interrupted, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	// Create adapters
	fs := osfilesystem.New()
	containers := mp4container.New(fs, log, cfg.ContainerOptions())
	registry := codecs.New(codecs.Options{FFmpegPath: cfg.FFmpegPath})
	pool := bufferpool.New(cfg.PoolOptions(log.WithComponent("pool")))

	// Create debug sink
	var sink ports.DebugSink
	if cfg.Debug {
		sink = filesink.New(cfg.DebugDir, fs)
	} else {
		sink = nullsink.New()
	}

	orch := orchestrator.New(containers, registry, pool, fs, sink, log)
	result, runErr := orch.Run(ctx, cfg.ToOrchestratorConfig())

	printStreamStatus(c.App.ErrWriter, result)

	if path := c.String("summary"); path != "" && len(result.Chains) > 0 {
		summary := summarizer.NewBuilder().WithResult(result).Build()
		w := summarizer.NewWriter(summarizer.NewMarkdownFormatter(), fs)
		if err := w.Write(path, summary); err != nil {
			log.Warn("Failed to save debug output: %s", err)
		}
	}

	if orchestrator.IsPartial(runErr) {
		return &partialError{err: runErr, streams: result.FailedStreams(), failed: result.Failed()}
	}
	return runErr
}

// printStreamStatus writes one line per stream whatever the log level.
func printStreamStatus(w io.Writer, result orchestrator.RunResult) {
	for _, ch := range result.Chains {
		switch ch.State {
		case orchestrator.StateCompleted:
			fmt.Fprintln(w, l10n.F("stream %d %s %s: succeeded, %d packets, %d skipped", ch.Stream, ch.Type, ch.Mode, ch.PacketsWritten, ch.Skipped))
		case orchestrator.StateFailed:
			fmt.Fprintln(w, l10n.F("stream %d %s %s: failed after %d packets: %s", ch.Stream, ch.Type, ch.Mode, ch.PacketsWritten, ch.Error))
		default:
			fmt.Fprintln(w, l10n.F("stream %d %s %s: skipped", ch.Stream, ch.Type, ch.Mode))
		}
	}
}

func probeCommand() *cli.Command {
	return &cli.Command{
		Name:      "probe",
		Usage:     l10n.T("Print the streams of a media file"),
		ArgsUsage: "INPUT",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: l10n.T("Print descriptors as JSON")},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				showUsage(c)
				return usageError{msg: l10n.T("probe takes exactly one input")}
			}
			fs := osfilesystem.New()
			containers := mp4container.New(fs, logger.NewNoop(), mp4container.DefaultOptions())
			streams, err := demux.Probe(c.Context, containers, c.Args().First())
			if err != nil {
				return err
			}
			if c.Bool("json") {
				data, err := json.MarshalIndent(streams, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(c.App.Writer, string(data))
				return nil
			}
			format, err := formatdetect.DetectFromFile(fs, c.Args().First())
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "container: %s\n", format)
			for _, s := range streams {
				line := s.String()
				if s.Language != "" {
					line += " lang=" + s.Language
				}
				fmt.Fprintln(c.App.Writer, line)
			}
			return nil
		},
	}
}

func codecsCommand() *cli.Command {
	return &cli.Command{
		Name:  "codecs",
		Usage: l10n.T("List codecs and how they are served"),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "ffmpeg", Usage: l10n.T("Path to the ffmpeg binary")},
		},
		Action: func(c *cli.Context) error {
			registry := codecs.New(codecs.Options{FFmpegPath: c.String("ffmpeg")})
			for _, info := range registry.Codecs() {
				fmt.Fprintf(c.App.Writer, "%-10s %-7s decode=%t encode=%t\n", info.Codec, info.Backend, info.Decode, info.Encode)
			}
			return nil
		},
	}
}
