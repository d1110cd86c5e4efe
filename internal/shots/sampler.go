package shots

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/keagan/shotlens/internal/logging"
	"github.com/keagan/shotlens/internal/metrics"
	"github.com/keagan/shotlens/internal/video"
	"github.com/rs/zerolog"
)

const fpsReportInterval = 1000

// FrameSource yields thumbnails in presentation order, io.EOF at the end
type FrameSource interface {
	Sample(ctx context.Context) (video.Thumbnail, error)
}

// Sampler turns a decoder's frames into classifier thumbnails
type Sampler struct {
	dec    video.Decoder
	logger zerolog.Logger

	done        atomic.Bool
	sampled     int64
	reportStart time.Time
}

// NewSampler creates a sampler reading from the session's current cursor
func NewSampler(dec video.Decoder, logger zerolog.Logger) *Sampler {
	return &Sampler{
		dec:    dec,
		logger: logging.WithComponent(logger, "sampler"),
	}
}

// Sample decodes the next frame and resamples it to 48x27 RGB.
// A decode failure ends the stream: the error is logged and io.EOF returned.
func (s *Sampler) Sample(ctx context.Context) (video.Thumbnail, error) {
	if s.done.Load() {
		return nil, io.EOF
	}

	for {
		frame, err := s.dec.NextFrame(ctx)
		switch {
		case err == nil:
		case errors.Is(err, video.ErrAgain):
			continue
		case errors.Is(err, io.EOF):
			s.done.Store(true)
			return nil, io.EOF
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			s.logger.Warn().Err(err).Int64("frames", s.sampled).Msg("decode failed, ending stream")
			s.done.Store(true)
			return nil, io.EOF
		}

		thumb := video.NewThumbnail(frame)
		s.count()
		return thumb, nil
	}
}

// Done reports whether the stream end has been reached
func (s *Sampler) Done() bool {
	return s.done.Load()
}

// Sampled is the number of thumbnails produced so far
func (s *Sampler) Sampled() int64 {
	return s.sampled
}

func (s *Sampler) count() {
	if s.sampled == 0 {
		s.reportStart = time.Now()
	}
	s.sampled++
	metrics.FramesSampledTotal.Inc()

	if s.sampled%fpsReportInterval != 0 {
		return
	}
	elapsed := time.Since(s.reportStart)
	s.reportStart = time.Now()
	if elapsed <= 0 {
		return
	}
	fps := fpsReportInterval / elapsed.Seconds()
	metrics.SamplingFPS.Set(fps)
	s.logger.Debug().
		Int64("frames", s.sampled).
		Float64("fps", fps).
		Msg("sampling rate")
}
