package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/keagan/shotlens/internal/logging"
	"github.com/keagan/shotlens/internal/video"
	"github.com/keagan/shotlens/pkg/util"
	"github.com/rs/zerolog"
)

// Backend opens sources as ffmpeg decode sessions
type Backend struct {
	exec   *Executor
	logger zerolog.Logger
	open   atomic.Int64
}

// NewBackend creates a decoding backend on top of an executor
func NewBackend(exec *Executor, logger zerolog.Logger) *Backend {
	return &Backend{
		exec:   exec,
		logger: logging.WithComponent(logger, "ffmpeg-backend"),
	}
}

// Open probes the source and returns a session positioned at the first frame
func (b *Backend) Open(ctx context.Context, path string) (video.Decoder, error) {
	info, err := b.exec.ProbeVideo(ctx, path)
	if err != nil {
		return nil, err
	}

	b.open.Add(1)
	b.logger.Debug().
		Str("path", path).
		Int("stream", info.Index).
		Int("width", info.Width).
		Int("height", info.Height).
		Str("fps", info.FrameRate.String()).
		Msg("session opened")

	return &Session{
		exec:      b.exec,
		path:      path,
		info:      info,
		logger:    b.logger.With().Str("path", path).Logger(),
		frameSize: info.Width * info.Height * 4,
		release:   func() { b.open.Add(-1) },
	}, nil
}

// OpenSessions reports sessions opened and not yet closed
func (b *Backend) OpenSessions() int {
	return int(b.open.Load())
}

// Session decodes one source through an ffmpeg rawvideo pipe.
// Its time base is the inverse frame rate, so a PTS is a frame ordinal.
type Session struct {
	exec      *Executor
	path      string
	info      video.StreamInfo
	logger    zerolog.Logger
	frameSize int
	buf       []byte

	proc     *process
	startPTS int64
	nextPTS  int64
	decoded  int64
	finished bool
	closed   bool

	closeOnce sync.Once
	release   func()
}

// Info returns the selected video stream description
func (s *Session) Info() video.StreamInfo {
	return s.info
}

// NextFrame reads the next decoded frame. The returned pixels are reused by
// the following call.
func (s *Session) NextFrame(ctx context.Context) (*video.Frame, error) {
	if s.closed {
		return nil, video.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.finished {
		return nil, io.EOF
	}

	if s.proc == nil {
		proc, err := s.exec.start(s.decodeArgs())
		if err != nil {
			s.finished = true
			return nil, fmt.Errorf("%w: %v", video.ErrDecode, err)
		}
		s.proc = proc
	}

	if s.buf == nil {
		s.buf = make([]byte, s.frameSize)
	}

	_, err := io.ReadFull(s.proc.stdout, s.buf)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		proc := s.proc
		s.proc = nil
		s.finished = true
		if werr := proc.wait(); werr != nil {
			return nil, fmt.Errorf("%w: %v: %s", video.ErrDecode, werr, proc.stderr.String())
		}
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		proc := s.proc
		s.proc = nil
		s.finished = true
		_ = proc.wait()
		return nil, fmt.Errorf("%w: truncated frame %d: %s", video.ErrDecode, s.nextPTS, proc.stderr.String())
	default:
		s.stopProcess()
		s.finished = true
		return nil, fmt.Errorf("%w: %v", video.ErrDecode, err)
	}

	frame := &video.Frame{
		Width:  s.info.Width,
		Height: s.info.Height,
		Pix:    s.buf,
		PTS:    s.nextPTS,
	}
	s.nextPTS++
	s.decoded++
	return frame, nil
}

// SeekBackward restarts decoding half a frame before pts, so the first frame
// produced is the one at pts.
func (s *Session) SeekBackward(ctx context.Context, pts int64) error {
	if s.closed {
		return video.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if pts < 0 {
		pts = 0
	}

	s.stopProcess()
	s.startPTS = pts
	s.nextPTS = pts
	s.decoded = pts
	s.finished = false

	s.logger.Debug().Int64("pts", pts).Msg("seek")
	return nil
}

// Flush drops the running decode process; decoding resumes at the cursor
func (s *Session) Flush() {
	if s.proc == nil {
		return
	}
	s.stopProcess()
	s.startPTS = s.nextPTS
}

// DecodedCount is the number of frames decoded, counted from the stream start
func (s *Session) DecodedCount() int64 {
	return s.decoded
}

// Close kills the decode process and releases the session
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.stopProcess()
		s.closed = true
		s.buf = nil
		if s.release != nil {
			s.release()
		}
		s.logger.Debug().Msg("session closed")
	})
	return nil
}

func (s *Session) stopProcess() {
	if s.proc != nil {
		s.proc.stop()
		s.proc = nil
	}
}

func (s *Session) decodeArgs() []string {
	var args []string
	if s.startPTS > 0 {
		seconds := (float64(s.startPTS) - 0.5) / s.info.FrameRate.Float64()
		args = append(args, "-ss", util.FormatDuration(util.SecondsToDuration(seconds)))
	}
	// Frames must keep the probed coded size; see StreamInfo.Rotation.
	args = append(args, "-noautorotate",
		"-i", s.path,
		"-map", fmt.Sprintf("0:%d", s.info.Index),
	)
	return append(append(args, s.exec.passthroughArgs()...),
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	)
}
