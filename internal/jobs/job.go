package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrJobNotFound is returned by repositories for unknown job ids
var ErrJobNotFound = errors.New("jobs: job not found")

type Kind string

const (
	KindVideoInfo   Kind = "video_info"
	KindShots       Kind = "shot_detection"
	KindScreenshots Kind = "screenshots"
	KindScreenshot  Kind = "screenshot"
)

func (k Kind) Valid() bool {
	switch k {
	case KindVideoInfo, KindShots, KindScreenshots, KindScreenshot:
		return true
	}
	return false
}

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusRunning  Status = "RUNNING"
	StatusDone     Status = "DONE"
	StatusError    Status = "ERROR"
	StatusCanceled Status = "CANCELED"
)

type Job struct {
	ID           uuid.UUID
	Kind         Kind
	Video        string
	Status       Status
	Result       json.RawMessage
	ErrorMessage string
	Attempt      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

func NewJob(id uuid.UUID, kind Kind, video string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        id,
		Kind:      kind,
		Video:     video,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (j *Job) MarkRunning() {
	j.Status = StatusRunning
	j.Attempt++
	j.UpdatedAt = time.Now().UTC()
}

// MarkPending hands an interrupted job back to the queue
func (j *Job) MarkPending() {
	j.Status = StatusPending
	j.UpdatedAt = time.Now().UTC()
}

func (j *Job) MarkDone(result json.RawMessage) {
	now := time.Now().UTC()
	j.Status = StatusDone
	j.Result = result
	j.ErrorMessage = ""
	j.UpdatedAt = now
	j.CompletedAt = &now
}

func (j *Job) MarkError(errMsg string) {
	now := time.Now().UTC()
	j.Status = StatusError
	j.ErrorMessage = errMsg
	j.UpdatedAt = now
	j.CompletedAt = &now
}

func (j *Job) MarkCanceled() {
	now := time.Now().UTC()
	j.Status = StatusCanceled
	j.UpdatedAt = now
	j.CompletedAt = &now
}

// Terminal reports whether the job has reached a final status
func (j *Job) Terminal() bool {
	return j.Status == StatusDone || j.Status == StatusError || j.Status == StatusCanceled
}
