// Package ffmpegcodec implements decoders and encoders backed by a
// long-running ffmpeg process. Compressed and raw data flow through the
// process's stdin and stdout; each instance owns one process.
package ffmpegcodec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"sync"

	"github.com/user/avflow/pkg/pipeline"
	"github.com/user/avflow/pkg/ports"
)

var (
	// ErrFFmpegNotFound is returned when no ffmpeg executable can be located.
	ErrFFmpegNotFound = errors.New("ffmpegcodec: ffmpeg not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ffmpegcodec: closed")
)

// IsAvailable reports whether ffmpeg can be located.
func IsAvailable(customPath string) bool {
	_, err := FindFFmpeg(customPath)
	return err == nil
}

// FindFFmpeg searches for ffmpeg.
// Priority: 1) customPath, 2) FFMPEG_PATH env, 3) PATH, 4) common locations
func FindFFmpeg(customPath string) (string, error) {
	if customPath != "" {
		if _, err := os.Stat(customPath); err == nil {
			return customPath, nil
		}
		return "", fmt.Errorf("%w: custom path %s not found", ErrFFmpegNotFound, customPath)
	}

	if envPath := os.Getenv("FFMPEG_PATH"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
		return "", fmt.Errorf("%w: FFMPEG_PATH %s not found", ErrFFmpegNotFound, envPath)
	}

	execName := "ffmpeg"
	if runtime.GOOS == "windows" {
		execName = "ffmpeg.exe"
	}
	if path, err := exec.LookPath(execName); err == nil {
		return path, nil
	}

	var commonPaths []string
	switch runtime.GOOS {
	case "windows":
		commonPaths = []string{
			`C:\ffmpeg\bin\ffmpeg.exe`,
			`C:\Program Files\ffmpeg\bin\ffmpeg.exe`,
		}
	case "darwin":
		commonPaths = []string{
			"/opt/homebrew/bin/ffmpeg",
			"/usr/local/bin/ffmpeg",
			"/usr/bin/ffmpeg",
		}
	default:
		commonPaths = []string{
			"/usr/bin/ffmpeg",
			"/usr/local/bin/ffmpeg",
			"/snap/bin/ffmpeg",
		}
	}
	for _, p := range commonPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", ErrFFmpegNotFound
}

var reUnsupported = regexp.MustCompile(`(?i)Unknown encoder|Encoder not found|Unknown decoder|Decoder not found|not compiled`)

// unsupported reports whether stderr says the codec is missing from the build.
func unsupported(stderr string) bool {
	return reUnsupported.MatchString(stderr)
}

// tail returns the last n lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// splitter cuts the process output into units.
type splitter interface {
	// feed appends p and returns every unit completed by it.
	feed(p []byte) [][]byte
	// finish returns what remains at end of output.
	finish() [][]byte
}

// fixedSplitter cuts output into units of a fixed size. A trailing partial
// unit is kept if it is a whole number of align-sized elements.
type fixedSplitter struct {
	size  int
	align int
	buf   []byte
}

func (s *fixedSplitter) feed(p []byte) [][]byte {
	s.buf = append(s.buf, p...)
	var units [][]byte
	for len(s.buf) >= s.size {
		units = append(units, append([]byte(nil), s.buf[:s.size]...))
		s.buf = s.buf[s.size:]
	}
	return units
}

func (s *fixedSplitter) finish() [][]byte {
	n := len(s.buf)
	if s.align > 0 {
		n -= n % s.align
	}
	if n == 0 {
		return nil
	}
	unit := append([]byte(nil), s.buf[:n]...)
	s.buf = nil
	return [][]byte{unit}
}

// process is a running ffmpeg instance. A reader goroutine collects output
// units so that writes never block on a full stdout pipe.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer

	mu       sync.Mutex
	units    [][]byte
	done     bool
	err      error
	closed   bool
	inputEOF bool

	wg sync.WaitGroup
}

func startProcess(path string, args []string, split splitter) (*process, error) {
	p := &process{}
	p.cmd = exec.Command(path, append([]string{"-hide_banner", "-loglevel", "error"}, args...)...)
	p.cmd.Stderr = &lockedWriter{mu: &p.mu, w: &p.stderr}

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	p.stdin = stdin

	if err := p.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	p.wg.Add(1)
	go p.read(stdout, split)
	return p, nil
}

func (p *process) read(stdout io.Reader, split splitter) {
	defer p.wg.Done()
	buf := make([]byte, 64*1024)
	var readErr error
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			units := split.feed(buf[:n])
			if len(units) > 0 {
				p.mu.Lock()
				p.units = append(p.units, units...)
				p.mu.Unlock()
			}
		}
		if err != nil {
			if err != io.EOF {
				readErr = err
			}
			break
		}
	}
	rest := split.finish()
	waitErr := p.cmd.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.units = append(p.units, rest...)
	p.done = true
	switch {
	case p.closed:
	case waitErr != nil && unsupported(p.stderr.String()):
		p.err = fmt.Errorf("%w: %s", pipeline.ErrUnsupportedFormat, tail(p.stderr.String(), 1))
	case waitErr != nil:
		p.err = fmt.Errorf("ffmpeg exited: %w: %s", waitErr, tail(p.stderr.String(), 5))
	case readErr != nil:
		p.err = fmt.Errorf("read ffmpeg output: %w", readErr)
	}
}

// write sends data to stdin. A cancelled ctx kills the process so that a
// blocked write returns.
func (p *process) write(ctx context.Context, data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.done {
		err := p.err
		p.mu.Unlock()
		if err == nil {
			err = errors.New("ffmpeg exited early")
		}
		return err
	}
	p.mu.Unlock()

	stop := context.AfterFunc(ctx, p.kill)
	defer stop()
	if _, err := p.stdin.Write(data); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("write to ffmpeg: %w: %s", err, tail(p.stderrString(), 5))
	}
	return nil
}

// closeInput signals end of input. It is safe to call more than once.
func (p *process) closeInput() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inputEOF || p.closed {
		return
	}
	p.inputEOF = true
	p.stdin.Close()
}

// next returns the oldest unit, ports.ErrAgain while the process is still
// producing, io.EOF once it exited cleanly, or the process failure.
func (p *process) next() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if len(p.units) > 0 {
		u := p.units[0]
		p.units[0] = nil
		p.units = p.units[1:]
		return u, nil
	}
	if !p.done {
		return nil, ports.ErrAgain
	}
	if p.err != nil {
		return nil, p.err
	}
	return nil, io.EOF
}

func (p *process) stderrString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderr.String()
}

func (p *process) kill() {
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}

// close stops the process and waits for the reader goroutine.
func (p *process) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if !p.inputEOF {
		p.inputEOF = true
		p.stdin.Close()
	}
	done := p.done
	p.units = nil
	p.mu.Unlock()

	if !done {
		p.kill()
	}
	p.wg.Wait()
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
