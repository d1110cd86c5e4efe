// Package screenshot locates frames by index and writes them as stills.
package screenshot

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/keagan/shotlens/internal/logging"
	"github.com/keagan/shotlens/internal/metrics"
	"github.com/keagan/shotlens/internal/tracing"
	"github.com/keagan/shotlens/internal/video"
	"github.com/keagan/shotlens/pkg/util"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// SeekMargin is how many frames before the target a single-frame seek lands
const SeekMargin = 100

var (
	// ErrWrite is returned when the full-size still cannot be written.
	ErrWrite = errors.New("screenshot: write failed")

	// ErrInvalidFrame is returned for negative frame indices.
	ErrInvalidFrame = errors.New("screenshot: invalid frame index")
)

// Options configures still encoding
type Options struct {
	Quality int
	Ext     string
}

func DefaultOptions() Options {
	return Options{
		Quality: video.DefaultJPEGQuality,
		Ext:     "jpg",
	}
}

// Result lists the files written for one frame
type Result struct {
	Frame     int    `json:"frame"`
	Image     string `json:"image"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// Extractor writes screenshots from one decoder session
type Extractor struct {
	dec     video.Decoder
	logger  zerolog.Logger
	options Options
}

// NewExtractor creates an extractor; zero options fall back to defaults
func NewExtractor(dec video.Decoder, logger zerolog.Logger, opts Options) *Extractor {
	def := DefaultOptions()
	if opts.Quality == 0 {
		opts.Quality = def.Quality
	}
	if opts.Ext == "" {
		opts.Ext = def.Ext
	}
	return &Extractor{
		dec:     dec,
		logger:  logging.WithComponent(logger, "screenshot"),
		options: opts,
	}
}

// ExtractAt seeks near frame and decodes forward to the exact frame.
// It returns nil without error when the stream ends or the decoder passes
// the target without producing it.
func (e *Extractor) ExtractAt(ctx context.Context, dir string, frame int) (*Result, error) {
	if frame < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFrame, frame)
	}

	ctx, span := tracing.Tracer("screenshot").Start(ctx, "screenshot.ExtractAt")
	defer span.End()
	span.SetAttributes(attribute.Int("frame", frame))

	info := e.dec.Info()
	target := video.PTSForFrame(int64(frame), info.FrameRate, info.TimeBase)
	margin := video.PTSForFrame(int64(max(frame-SeekMargin, 0)), info.FrameRate, info.TimeBase)

	e.logger.Debug().Int("frame", frame).Int64("target", target).Msg("seeking")

	if err := e.dec.SeekBackward(ctx, margin); err != nil {
		return nil, fmt.Errorf("seek to frame %d: %w", frame, err)
	}
	e.dec.Flush()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		f, err := e.dec.NextFrame(ctx)
		switch {
		case err == nil:
		case errors.Is(err, video.ErrAgain):
			continue
		case errors.Is(err, io.EOF):
			e.logger.Debug().Int("frame", frame).Msg("stream ended before target frame")
			return nil, nil
		default:
			return nil, fmt.Errorf("frame %d: %w", frame, err)
		}

		if f.PTS == target {
			res, err := e.save(dir, f, frame)
			if err != nil {
				return nil, err
			}
			return &res, nil
		}
		if f.PTS > target {
			e.logger.Debug().Int("frame", frame).Int64("pts", f.PTS).Msg("decoder passed target frame")
			return nil, nil
		}
	}
}

// ExtractMany decodes forward once and saves every frame whose ordinal is
// requested. A session already past the first requested frame is rewound
// to the start.
func (e *Extractor) ExtractMany(ctx context.Context, dir string, frames []int) ([]Result, error) {
	wanted := make(map[int]struct{}, len(frames))
	first := -1
	for _, f := range frames {
		if f < 0 {
			return nil, fmt.Errorf("%w: %d", ErrInvalidFrame, f)
		}
		wanted[f] = struct{}{}
		if first < 0 || f < first {
			first = f
		}
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	ctx, span := tracing.Tracer("screenshot").Start(ctx, "screenshot.ExtractMany")
	defer span.End()
	span.SetAttributes(attribute.Int("frames", len(wanted)))

	if e.dec.DecodedCount() > int64(first) {
		if err := e.dec.SeekBackward(ctx, 0); err != nil {
			return nil, fmt.Errorf("rewind: %w", err)
		}
		e.dec.Flush()
	}

	results := make([]Result, 0, len(wanted))
	for len(results) < len(wanted) {
		if err := ctx.Err(); err != nil {
			e.logger.Info().Int("saved", len(results)).Msg("screenshot extraction cancelled")
			return results, err
		}

		f, err := e.dec.NextFrame(ctx)
		switch {
		case err == nil:
		case errors.Is(err, video.ErrAgain):
			continue
		case errors.Is(err, io.EOF):
			e.logger.Debug().
				Int("saved", len(results)).
				Int("requested", len(wanted)).
				Msg("stream ended")
			return results, nil
		default:
			return results, err
		}

		ordinal := int(e.dec.DecodedCount() - 1)
		if _, ok := wanted[ordinal]; !ok {
			continue
		}

		res, err := e.save(dir, f, ordinal)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}

	return results, nil
}

// save writes the full-size still and its 48x27 mini thumbnail.
// Only the full-size write is fatal.
func (e *Extractor) save(dir string, f *video.Frame, index int) (Result, error) {
	if err := util.EnsureDir(dir); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrWrite, err)
	}

	res := Result{
		Frame: index,
		Image: util.FramePath(dir, index, "", e.options.Ext),
	}

	data, err := video.EncodeJPEGBytes(f.Image(), e.options.Quality)
	if err == nil {
		err = util.WriteFileAtomic(res.Image, data)
	}
	if err != nil {
		metrics.ScreenshotFailuresTotal.WithLabelValues("full").Inc()
		return Result{}, fmt.Errorf("%w: frame %d: %v", ErrWrite, index, err)
	}
	metrics.ScreenshotsWrittenTotal.WithLabelValues("full").Inc()

	mini := util.FramePath(dir, index, "_mini", e.options.Ext)
	data, err = video.EncodeJPEGBytes(video.Resample(f, video.ThumbWidth, video.ThumbHeight), e.options.Quality)
	if err == nil {
		err = util.WriteFileAtomic(mini, data)
	}
	if err != nil {
		metrics.ScreenshotFailuresTotal.WithLabelValues("mini").Inc()
		e.logger.Warn().Err(err).Int("frame", index).Msg("mini thumbnail not written")
	} else {
		metrics.ScreenshotsWrittenTotal.WithLabelValues("mini").Inc()
		res.Thumbnail = mini
	}

	e.logger.Debug().Int("frame", index).Str("path", res.Image).Msg("screenshot saved")
	return res, nil
}
