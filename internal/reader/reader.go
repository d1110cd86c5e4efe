// Package reader exposes shot detection and screenshot extraction over one
// opened video. Every operation runs as a task; only one runs at a time.
package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/keagan/shotlens/internal/ai"
	"github.com/keagan/shotlens/internal/logging"
	"github.com/keagan/shotlens/internal/screenshot"
	"github.com/keagan/shotlens/internal/shots"
	"github.com/keagan/shotlens/internal/task"
	"github.com/keagan/shotlens/internal/tracing"
	"github.com/keagan/shotlens/internal/video"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrNotOpen is returned by operations before Open succeeded.
	ErrNotOpen = errors.New("reader: not open")

	// ErrClosed is returned by operations after Close.
	ErrClosed = errors.New("reader: closed")
)

// Reader owns one decoder session for one source
type Reader struct {
	logger  zerolog.Logger
	path    string
	backend video.Backend
	loader  ai.Loader
	options Options
	runner  *task.Runner

	mu      sync.Mutex
	dec     video.Decoder
	sampler *shots.Sampler
	closed  bool
}

// New creates a reader for path; nothing is opened until Open
func New(logger zerolog.Logger, path string, backend video.Backend, loader ai.Loader, opts Options) *Reader {
	logger = logging.WithComponent(logger, "reader").With().Str("path", path).Logger()
	return &Reader{
		logger:  logger,
		path:    path,
		backend: backend,
		loader:  loader,
		options: opts,
		runner:  task.NewRunner(logger),
	}
}

// Open opens the source session. Opening an open reader is a no-op.
func (r *Reader) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.dec != nil {
		return nil
	}

	dec, err := r.backend.Open(ctx, r.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", r.path, err)
	}
	r.dec = dec

	info := dec.Info()
	r.logger.Info().
		Int("width", info.Width).
		Int("height", info.Height).
		Float64("fps", info.FrameRate.Float64()).
		Int64("frames", info.NumFrames).
		Msg("video opened")
	return nil
}

// Info describes the opened video stream
func (r *Reader) Info() (Info, error) {
	dec, err := r.decoder()
	if err != nil {
		return Info{}, err
	}
	return newInfo(r.path, dec.Info()), nil
}

// FrameRate is the stream frame rate, 0 before Open
func (r *Reader) FrameRate() float64 {
	dec, err := r.decoder()
	if err != nil {
		return 0
	}
	return dec.Info().FrameRate.Float64()
}

// Done reports whether the last detection pass reached the end of the stream
func (r *Reader) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sampler != nil && r.sampler.Done()
}

// DetectShots starts shot detection with the model at modelPath. The model
// is loaded inside the task and released when it ends.
func (r *Reader) DetectShots(ctx context.Context, modelPath string) (*task.Task[[]shots.Interval], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dec, err := r.decoderLocked()
	if err != nil {
		return nil, err
	}

	return task.Submit(ctx, r.runner, "detect-shots", func(ctx context.Context) ([]shots.Interval, error) {
		ctx, span := tracing.Tracer("reader").Start(ctx, "reader.DetectShots")
		defer span.End()
		span.SetAttributes(attribute.String("path", r.path), attribute.String("model", modelPath))

		engine, err := r.loader(modelPath)
		if err != nil {
			return nil, fmt.Errorf("load model %s: %w", modelPath, err)
		}
		defer engine.Close()

		if err := rewind(ctx, dec); err != nil {
			return nil, err
		}

		sampler := shots.NewSampler(dec, r.logger)
		r.mu.Lock()
		r.sampler = sampler
		r.mu.Unlock()

		detector := shots.NewDetector(r.logger, engine, r.options.Detection)
		if r.options.Progress != nil {
			detector.OnProgress(r.options.Progress)
		}
		intervals, err := detector.Detect(ctx, sampler)
		if err != nil {
			return nil, err
		}
		span.SetAttributes(attribute.Int("shots", len(intervals)))
		return intervals, nil
	})
}

// GenerateScreenshots starts a single forward pass writing every requested frame to dir
func (r *Reader) GenerateScreenshots(ctx context.Context, dir string, frames []int) (*task.Task[[]screenshot.Result], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dec, err := r.decoderLocked()
	if err != nil {
		return nil, err
	}

	return task.Submit(ctx, r.runner, "generate-screenshots", func(ctx context.Context) ([]screenshot.Result, error) {
		return screenshot.NewExtractor(dec, r.logger, r.options.Screenshots).ExtractMany(ctx, dir, frames)
	})
}

// GenerateScreenshot starts a seek to frame and writes it to dir. The task
// result is nil when the frame does not exist.
func (r *Reader) GenerateScreenshot(ctx context.Context, dir string, frame int) (*task.Task[*screenshot.Result], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dec, err := r.decoderLocked()
	if err != nil {
		return nil, err
	}

	return task.Submit(ctx, r.runner, "generate-screenshot", func(ctx context.Context) (*screenshot.Result, error) {
		return screenshot.NewExtractor(dec, r.logger, r.options.Screenshots).ExtractAt(ctx, dir, frame)
	})
}

// Cancel requests cancellation of the running operation
func (r *Reader) Cancel() bool {
	return r.runner.Cancel()
}

// Close cancels the running operation, waits for it and releases the session
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	dec := r.dec
	r.dec = nil
	r.mu.Unlock()

	r.runner.Cancel()
	if err := r.runner.Wait(context.Background()); err != nil {
		return err
	}

	if dec == nil {
		return nil
	}
	r.logger.Debug().Msg("closing video")
	return dec.Close()
}

func (r *Reader) decoder() (video.Decoder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decoderLocked()
}

// decoderLocked requires r.mu. Operations submit their task while holding
// it, so Close either rejects them or finds the task running.
func (r *Reader) decoderLocked() (video.Decoder, error) {
	switch {
	case r.closed:
		return nil, ErrClosed
	case r.dec == nil:
		return nil, ErrNotOpen
	}
	return r.dec, nil
}

// rewind positions a consumed session back at the first frame
func rewind(ctx context.Context, dec video.Decoder) error {
	if dec.DecodedCount() == 0 {
		return nil
	}
	if err := dec.SeekBackward(ctx, 0); err != nil {
		return fmt.Errorf("rewind: %w", err)
	}
	dec.Flush()
	return nil
}
