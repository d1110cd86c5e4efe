// Package task runs one cancellable operation at a time off the caller's goroutine.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/keagan/shotlens/internal/logging"
	"github.com/keagan/shotlens/internal/metrics"
	"github.com/rs/zerolog"
)

var (
	// ErrBusy is returned by Submit while another task is running.
	ErrBusy = errors.New("task: another task is running")

	// ErrCancelled is the outcome of every task whose cancellation was requested.
	ErrCancelled = errors.New("task: operation cancelled")

	// ErrRunning is returned by Result before the task has finished.
	ErrRunning = errors.New("task: still running")
)

// State is a task lifecycle state
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether the state is final
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

type handle interface {
	ID() string
	Name() string
	Cancel()
	Done() <-chan struct{}
}

// Runner admits at most one running task
type Runner struct {
	logger zerolog.Logger

	mu     sync.Mutex
	active handle
}

func NewRunner(logger zerolog.Logger) *Runner {
	return &Runner{
		logger: logging.WithComponent(logger, "task-runner"),
	}
}

// Cancel requests cancellation of the running task, if any
func (r *Runner) Cancel() bool {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()

	if active == nil {
		return false
	}
	r.logger.Info().Str("task", active.Name()).Str("id", active.ID()).Msg("cancel requested")
	active.Cancel()
	return true
}

// Active returns the id and name of the running task
func (r *Runner) Active() (id, name string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return "", "", false
	}
	return r.active.ID(), r.active.Name(), true
}

// Wait blocks until no task is running or ctx is done
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()

	if active == nil {
		return nil
	}
	select {
	case <-active.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) acquire(h handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return fmt.Errorf("%w: %s (%s)", ErrBusy, r.active.Name(), r.active.ID())
	}
	r.active = h
	return nil
}

func (r *Runner) release(h handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == h {
		r.active = nil
	}
}

// Task is one submitted operation producing a T
type Task[T any] struct {
	id        string
	name      string
	cancel    context.CancelFunc
	cancelled atomic.Bool
	state     atomic.Int32
	done      chan struct{}

	result T
	err    error
}

// Submit starts fn on its own goroutine and returns immediately.
// fn must poll ctx at its loop boundaries. The task's context derives from
// parent, so cancelling parent cancels the task too.
func Submit[T any](parent context.Context, r *Runner, name string, fn func(ctx context.Context) (T, error)) (*Task[T], error) {
	ctx, cancel := context.WithCancel(parent)
	t := &Task[T]{
		id:     uuid.NewString(),
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.state.Store(int32(StateRunning))

	if err := r.acquire(t); err != nil {
		cancel()
		return nil, err
	}

	logger := r.logger.With().Str("task", name).Str("id", t.id).Logger()
	logger.Debug().Msg("task started")

	go func() {
		start := time.Now()
		var (
			result T
			err    error
		)

		func() {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("task %s panicked: %v", name, p)
				}
			}()
			result, err = fn(ctx)
		}()

		state := StateCompleted
		switch {
		case t.cancelled.Load() || ctx.Err() != nil:
			state = StateCancelled
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Debug().Err(err).Msg("error after cancel")
			}
			var zero T
			result, err = zero, ErrCancelled
		case err != nil:
			state = StateFailed
		}
		cancel()

		t.result, t.err = result, err
		t.state.Store(int32(state))

		elapsed := time.Since(start)
		metrics.TasksTotal.WithLabelValues(name, state.String()).Inc()
		metrics.TaskDuration.WithLabelValues(name).Observe(elapsed.Seconds())

		event := logger.Info()
		if state == StateFailed {
			event = logger.Error().Err(err)
		}
		event.Str("state", state.String()).Dur("elapsed", elapsed).Msg("task finished")

		r.release(t)
		close(t.done)
	}()

	return t, nil
}

func (t *Task[T]) ID() string {
	return t.id
}

func (t *Task[T]) Name() string {
	return t.name
}

func (t *Task[T]) State() State {
	return State(t.state.Load())
}

// Cancel sets the task's cancellation token; the operation stops at its next
// loop boundary.
func (t *Task[T]) Cancel() {
	t.cancelled.Store(true)
	t.cancel()
}

// Done is closed exactly once when the task has finished
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx is done
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome of a finished task, ErrRunning before that
func (t *Task[T]) Result() (T, error) {
	select {
	case <-t.done:
		return t.result, t.err
	default:
		var zero T
		return zero, ErrRunning
	}
}
