package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/keagan/shotlens/internal/logging"
	"github.com/rs/zerolog"
)

// Executor locates ffmpeg and ffprobe and starts decode processes
type Executor struct {
	logger      zerolog.Logger
	ffmpegPath  string
	ffprobePath string
	threads     int
	// legacyVsync selects -vsync for ffmpeg releases before 5.1
	legacyVsync bool
}

// Options configures binary lookup and decoding threads
type Options struct {
	FFmpegPath  string
	FFprobePath string
	Threads     int
}

// New creates a new ffmpeg executor
func New(logger zerolog.Logger, opts Options) (*Executor, error) {
	ffmpegPath, err := lookPath(opts.FFmpegPath, "ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}

	ffprobePath, err := lookPath(opts.FFprobePath, "ffprobe")
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found: %w", err)
	}

	e := &Executor{
		logger:      logging.WithComponent(logger, "ffmpeg"),
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		threads:     opts.Threads,
	}

	out, err := exec.Command(ffmpegPath, "-version").Output()
	if err != nil {
		e.logger.Warn().Err(err).Msg("could not read ffmpeg version, assuming a current release")
	} else if major, minor, ok := parseVersion(out); ok {
		e.legacyVsync = major < 5 || (major == 5 && minor < 1)
		e.logger.Debug().Int("major", major).Int("minor", minor).Msg("ffmpeg version")
	}

	return e, nil
}

// parseVersion reads "ffmpeg version 6.1.1 ..." style banners. Git builds
// ("N-112345-g...") report ok=false.
func parseVersion(out []byte) (major, minor int, ok bool) {
	line, _, _ := strings.Cut(string(out), "\n")
	fields := strings.Fields(line)
	if len(fields) < 3 || fields[0] != "ffmpeg" || fields[1] != "version" {
		return 0, 0, false
	}
	v := strings.TrimPrefix(fields[2], "n")
	if _, err := fmt.Sscanf(v, "%d.%d", &major, &minor); err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

// passthroughArgs keeps every decoded frame with its own timestamp
func (e *Executor) passthroughArgs() []string {
	if e.legacyVsync {
		return []string{"-vsync", "passthrough"}
	}
	return []string{"-fps_mode", "passthrough"}
}

func lookPath(configured, fallback string) (string, error) {
	if configured == "" {
		configured = fallback
	}
	return exec.LookPath(configured)
}

// process is a running ffmpeg whose stdout carries raw frames
type process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	cancel context.CancelFunc
	stderr *tailBuffer
	done   chan struct{}
}

// start launches ffmpeg with args. The process lives until stop is called or
// its output is drained; it is not bound to any caller context.
func (e *Executor) start(args []string) (*process, error) {
	baseArgs := []string{"-hide_banner", "-nostdin", "-loglevel", "error"}
	if e.threads > 0 {
		baseArgs = append(baseArgs, "-threads", fmt.Sprintf("%d", e.threads))
	}
	args = append(baseArgs, args...)

	e.logger.Debug().
		Str("cmd", "ffmpeg").
		Strs("args", args).
		Msg("starting decode process")

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	p := &process{
		cmd:    cmd,
		stdout: stdout,
		cancel: cancel,
		stderr: newTailBuffer(16),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(p.done)
		e.streamOutput(stderr, p.stderr)
	}()

	return p, nil
}

// wait reaps the process after stdout reached EOF
func (p *process) wait() error {
	<-p.done
	err := p.cmd.Wait()
	p.cancel()
	return err
}

// stop kills the process and reaps it
func (p *process) stop() {
	p.cancel()
	p.stdout.Close()
	<-p.done
	_ = p.cmd.Wait()
}

// streamOutput forwards ffmpeg stderr to the logger and keeps the last lines for errors
func (e *Executor) streamOutput(r io.Reader, tail *tailBuffer) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		tail.add(line)
		e.logger.Debug().Str("stderr", line).Msg("ffmpeg output")
	}
}

// tailBuffer keeps the last n lines written to it
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
