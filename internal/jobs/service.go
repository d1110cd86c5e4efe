package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/keagan/shotlens/internal/ai"
	"github.com/keagan/shotlens/internal/logging"
	"github.com/keagan/shotlens/internal/metrics"
	"github.com/keagan/shotlens/internal/reader"
	"github.com/keagan/shotlens/internal/video"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrInvalidRequest marks requests that can never succeed
	ErrInvalidRequest = errors.New("jobs: invalid request")
	// ErrInterrupted is returned when the worker stops mid-job; the job is
	// left PENDING and the delivery should be requeued.
	ErrInterrupted = errors.New("jobs: interrupted by shutdown")
)

type Config struct {
	ModelPath string
	OutputDir string
	Reader    reader.Options
}

// Service runs queued reader operations and records their outcome
type Service struct {
	repo      Repository
	publisher StatusPublisher
	backend   video.Backend
	loader    ai.Loader
	logger    zerolog.Logger
	config    Config

	mu      sync.Mutex
	running map[uuid.UUID]*runningJob
}

// runningJob tells a cancel request apart from a worker shutdown
type runningJob struct {
	cancel    context.CancelFunc
	requested atomic.Bool
}

func NewService(
	repo Repository,
	publisher StatusPublisher,
	backend video.Backend,
	loader ai.Loader,
	logger zerolog.Logger,
	cfg Config,
) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		backend:   backend,
		loader:    loader,
		logger:    logging.WithComponent(logger, "jobs"),
		config:    cfg,
		running:   make(map[uuid.UUID]*runningJob),
	}
}

// Execute handles one job request. Repository failures and shutdown
// interruptions are returned so the delivery is redelivered; operation
// failures are recorded on the job.
func (s *Service) Execute(ctx context.Context, raw []byte) error {
	ctx, span := otel.Tracer("jobs").Start(ctx, "Service.Execute")
	defer span.End()

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.logger.Error().Err(err).Bytes("body", raw).Msg("failed to unmarshal job request")
		return nil
	}
	if req.JobID == uuid.Nil {
		req.JobID = uuid.New()
	}

	span.SetAttributes(
		attribute.String("job.id", req.JobID.String()),
		attribute.String("job.kind", string(req.Kind)),
	)
	log := s.logger.With().Str("job_id", req.JobID.String()).Str("kind", string(req.Kind)).Logger()

	job, err := s.repo.FindByID(ctx, req.JobID)
	switch {
	case errors.Is(err, ErrJobNotFound):
		job = NewJob(req.JobID, req.Kind, req.Video)
		if err := s.repo.Create(ctx, job); err != nil {
			log.Error().Err(err).Msg("failed to create job record")
			return fmt.Errorf("create job: %w", err)
		}
	case err != nil:
		return fmt.Errorf("find job: %w", err)
	}

	if job.Terminal() {
		log.Info().Str("status", string(job.Status)).Msg("job already finished, skipping")
		return nil
	}

	job.MarkRunning()
	if err := s.repo.Update(ctx, job); err != nil {
		log.Error().Err(err).Msg("failed to update job to RUNNING")
		return fmt.Errorf("update job: %w", err)
	}
	s.publishStatus(ctx, job, log)

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	start := time.Now()
	result, requested, err := s.run(ctx, req)

	// The outcome is recorded even when the consumer is stopping.
	saveCtx := context.WithoutCancel(ctx)

	if err != nil && !requested && ctx.Err() != nil {
		job.MarkPending()
		if uerr := s.repo.Update(saveCtx, job); uerr != nil {
			log.Error().Err(uerr).Msg("failed to reset interrupted job")
		}
		s.publishStatus(saveCtx, job, log)
		log.Warn().Err(err).Msg("job interrupted by shutdown, requeueing")
		return fmt.Errorf("%w: %v", ErrInterrupted, err)
	}

	switch {
	case requested && err != nil:
		job.MarkCanceled()
	case err != nil:
		log.Error().Err(err).Msg("job failed")
		job.MarkError(err.Error())
	default:
		data, merr := json.Marshal(result)
		if merr != nil {
			job.MarkError("encode result: " + merr.Error())
			break
		}
		job.MarkDone(data)
	}

	if err := s.repo.Update(saveCtx, job); err != nil {
		log.Error().Err(err).Msg("failed to record job outcome")
		return fmt.Errorf("update job: %w", err)
	}
	s.publishStatus(saveCtx, job, log)

	metrics.JobsProcessedTotal.WithLabelValues(string(job.Status)).Inc()
	log.Info().
		Str("status", string(job.Status)).
		Dur("elapsed", time.Since(start)).
		Msg("job finished")
	return nil
}

// Cancel handles a cancel request: a running job has its task cancelled, a
// pending one is marked CANCELED so it is skipped when delivered.
func (s *Service) Cancel(ctx context.Context, raw []byte) error {
	var req CancelRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.logger.Error().Err(err).Bytes("body", raw).Msg("failed to unmarshal cancel request")
		return nil
	}
	log := s.logger.With().Str("job_id", req.JobID.String()).Logger()

	s.mu.Lock()
	rj, ok := s.running[req.JobID]
	s.mu.Unlock()
	if ok {
		log.Info().Msg("cancelling running job")
		rj.requested.Store(true)
		rj.cancel()
		return nil
	}

	job, err := s.repo.FindByID(ctx, req.JobID)
	switch {
	case errors.Is(err, ErrJobNotFound):
		job = NewJob(req.JobID, "", "")
		job.MarkCanceled()
		if err := s.repo.Create(ctx, job); err != nil {
			return fmt.Errorf("create job: %w", err)
		}
	case err != nil:
		return fmt.Errorf("find job: %w", err)
	case job.Terminal():
		log.Debug().Str("status", string(job.Status)).Msg("cancel for finished job ignored")
		return nil
	default:
		job.MarkCanceled()
		if err := s.repo.Update(ctx, job); err != nil {
			return fmt.Errorf("update job: %w", err)
		}
	}

	log.Info().Msg("pending job cancelled")
	s.publishStatus(ctx, job, log)
	return nil
}

// Running reports how many jobs are in progress
func (s *Service) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// run executes the request; requested reports whether a cancel request
// for the job arrived while it ran.
func (s *Service) run(ctx context.Context, req Request) (result any, requested bool, err error) {
	if !req.Kind.Valid() {
		return nil, false, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}
	if req.Video == "" {
		return nil, false, fmt.Errorf("%w: video path is required", ErrInvalidRequest)
	}

	ctx, cancel := context.WithCancel(ctx)
	rj := &runningJob{cancel: cancel}
	s.mu.Lock()
	s.running[req.JobID] = rj
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, req.JobID)
		s.mu.Unlock()
		cancel()
		requested = rj.requested.Load()
	}()

	result, err = s.runReader(ctx, req)
	return result, false, err
}

func (s *Service) runReader(ctx context.Context, req Request) (any, error) {

	r := reader.New(s.logger, req.Video, s.backend, s.loader, s.config.Reader)
	defer r.Close()

	if err := r.Open(ctx); err != nil {
		return nil, err
	}

	// The task observes ctx itself; waiting must not stop before its outcome.
	waitCtx := context.WithoutCancel(ctx)

	switch req.Kind {
	case KindVideoInfo:
		return r.Info()

	case KindShots:
		model := req.Model
		if model == "" {
			model = s.config.ModelPath
		}
		tk, err := r.DetectShots(ctx, model)
		if err != nil {
			return nil, err
		}
		return tk.Wait(waitCtx)

	case KindScreenshots:
		dir, err := s.outputDir(req.Directory)
		if err != nil {
			return nil, err
		}
		tk, err := r.GenerateScreenshots(ctx, dir, req.Frames)
		if err != nil {
			return nil, err
		}
		return tk.Wait(waitCtx)

	default:
		dir, err := s.outputDir(req.Directory)
		if err != nil {
			return nil, err
		}
		tk, err := r.GenerateScreenshot(ctx, dir, req.Frame)
		if err != nil {
			return nil, err
		}
		return tk.Wait(waitCtx)
	}
}

func (s *Service) outputDir(dir string) (string, error) {
	if dir == "" {
		return s.config.OutputDir, nil
	}
	if !filepath.IsLocal(dir) {
		return "", fmt.Errorf("%w: directory %q escapes the output directory", ErrInvalidRequest, dir)
	}
	return filepath.Join(s.config.OutputDir, dir), nil
}

func (s *Service) publishStatus(ctx context.Context, job *Job, log zerolog.Logger) {
	data, err := json.Marshal(newStatusMessage(job))
	if err != nil {
		log.Error().Err(err).Msg("failed to encode status")
		return
	}
	if err := s.publisher.PublishStatus(ctx, data); err != nil {
		log.Error().Err(err).Msg("failed to publish status")
	}
}
