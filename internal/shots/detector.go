package shots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/keagan/shotlens/internal/ai"
	"github.com/keagan/shotlens/internal/logging"
	"github.com/keagan/shotlens/internal/metrics"
	"github.com/keagan/shotlens/internal/tracing"
	"github.com/keagan/shotlens/internal/video"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TransNetV2 windowing
const (
	SequenceLength   = 100
	StepSize         = 50
	PaddingStart     = 25
	DefaultThreshold = 0.5
)

var (
	// ErrNoFrames is returned when the source yields no frame at all.
	ErrNoFrames = errors.New("shots: source has no frames")

	// ErrOutputShape is returned when the model output is too short for the window slice.
	ErrOutputShape = errors.New("shots: model output shorter than window slice")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("shots: invalid config")
)

// Config configures windowing and thresholding
type Config struct {
	SequenceLength int
	StepSize       int
	PaddingStart   int
	Threshold      float64
}

func DefaultConfig() Config {
	return Config{
		SequenceLength: SequenceLength,
		StepSize:       StepSize,
		PaddingStart:   PaddingStart,
		Threshold:      DefaultThreshold,
	}
}

// Validate checks that each window contributes exactly StepSize scores
// taken from inside the window.
func (c Config) Validate() error {
	switch {
	case c.SequenceLength <= 0:
		return fmt.Errorf("%w: sequence length must be positive", ErrInvalidConfig)
	case c.StepSize <= 0 || c.StepSize > c.SequenceLength:
		return fmt.Errorf("%w: step size must be in (0, %d]", ErrInvalidConfig, c.SequenceLength)
	case c.PaddingStart < 0 || c.PaddingStart+c.StepSize > c.SequenceLength:
		return fmt.Errorf("%w: padding %d + step %d exceeds sequence length %d",
			ErrInvalidConfig, c.PaddingStart, c.StepSize, c.SequenceLength)
	case c.Threshold < 0 || c.Threshold > 1:
		return fmt.Errorf("%w: threshold must be in [0, 1]", ErrInvalidConfig)
	}
	return nil
}

// Progress is called after every inference window
type Progress func(windows int, frames int64)

// Detector finds shot boundaries with a sliding-window sequence classifier
type Detector struct {
	logger   zerolog.Logger
	engine   ai.Engine
	config   Config
	progress Progress
}

// NewDetector creates a detector evaluating windows with engine
func NewDetector(logger zerolog.Logger, engine ai.Engine, cfg Config) *Detector {
	return &Detector{
		logger: logging.WithComponent(logger, "shot-detector"),
		engine: engine,
		config: cfg,
	}
}

// OnProgress registers a callback invoked after every window
func (d *Detector) OnProgress(fn Progress) {
	d.progress = fn
}

// Detect samples src to the end and returns the shot intervals
func (d *Detector) Detect(ctx context.Context, src FrameSource) ([]Interval, error) {
	scores, err := d.Scores(ctx, src)
	if err != nil {
		return nil, err
	}

	intervals := Intervals(Threshold(scores, d.config.Threshold))
	d.logger.Info().
		Int("frames", len(scores)).
		Int("shots", len(intervals)).
		Msg("shot detection complete")
	return intervals, nil
}

// Scores returns one boundary score per sampled frame.
//
// The window starts with PaddingStart+1 copies of the first frame, so window
// position PaddingStart is always the first frame not yet scored. Each
// inference contributes raw[PaddingStart:PaddingStart+StepSize] and slides the
// window by StepSize. After the stream ends the window is padded with its
// last frame until every sampled frame has a score.
func (d *Detector) Scores(ctx context.Context, src FrameSource) ([]float32, error) {
	ctx, span := tracing.Tracer("shots").Start(ctx, "shots.Scores")
	defer span.End()

	scores, err := d.scores(ctx, src)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("frames", len(scores)))
	return scores, nil
}

func (d *Detector) scores(ctx context.Context, src FrameSource) ([]float32, error) {
	cfg := d.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if want := cfg.SequenceLength * video.ThumbSize; d.engine.InputLen() != want {
		return nil, fmt.Errorf("%w: model takes %d inputs, window has %d",
			ai.ErrInference, d.engine.InputLen(), want)
	}
	sliceEnd := cfg.PaddingStart + cfg.StepSize
	if d.engine.OutputLen() < sliceEnd {
		return nil, fmt.Errorf("%w: model reports %d outputs, need %d",
			ErrOutputShape, d.engine.OutputLen(), sliceEnd)
	}

	first, err := src.Sample(ctx)
	if errors.Is(err, io.EOF) {
		return nil, ErrNoFrames
	}
	if err != nil {
		return nil, err
	}

	window := NewWindow(cfg.SequenceLength)
	window.Seed(first, cfg.PaddingStart+1)

	var (
		sampled = int64(1)
		scores  []float32
		tensor  []float32
		eos     bool
		windows int
	)

	for !eos || int64(len(scores)) < sampled {
		if err := ctx.Err(); err != nil {
			d.logger.Info().Int("windows", windows).Int64("frames", sampled).Msg("shot detection cancelled")
			return nil, err
		}

		for !eos && !window.Full() {
			thumb, err := src.Sample(ctx)
			if errors.Is(err, io.EOF) {
				eos = true
				break
			}
			if err != nil {
				return nil, err
			}
			if len(thumb) > 0 {
				window.Append(thumb)
				sampled++
			}
		}

		if eos {
			window.PadToSize()
		}
		if !window.Full() {
			break
		}

		tensor = window.Tensor(tensor)
		start := time.Now()
		raw, err := d.engine.Infer(ctx, tensor)
		metrics.InferenceDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("window %d: %w", windows, err)
		}
		if len(raw) < sliceEnd {
			return nil, fmt.Errorf("%w: window %d returned %d outputs, need %d",
				ErrOutputShape, windows, len(raw), sliceEnd)
		}

		scores = append(scores, raw[cfg.PaddingStart:sliceEnd]...)
		window.Slide(cfg.StepSize)
		windows++
		metrics.InferenceWindowsTotal.Inc()

		if d.progress != nil {
			d.progress(windows, sampled)
		}
	}

	if int64(len(scores)) > sampled {
		scores = scores[:sampled]
	}
	return scores, nil
}
