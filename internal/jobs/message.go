package jobs

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Request is the inbound message asking for one reader operation.
// Directory is relative to the worker's output directory.
type Request struct {
	JobID     uuid.UUID `json:"job_id"`
	Kind      Kind      `json:"kind"`
	Video     string    `json:"video"`
	Model     string    `json:"model,omitempty"`
	Directory string    `json:"directory,omitempty"`
	Frames    []int     `json:"frames,omitempty"`
	Frame     int       `json:"frame,omitempty"`
}

// CancelRequest asks the worker to terminate a job
type CancelRequest struct {
	JobID uuid.UUID `json:"job_id"`
}

// StatusMessage is published on every job status change
type StatusMessage struct {
	JobID        uuid.UUID       `json:"job_id"`
	Kind         Kind            `json:"kind"`
	Status       Status          `json:"status"`
	Video        string          `json:"video"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Attempt      int             `json:"attempt"`
}

func newStatusMessage(job *Job) StatusMessage {
	return StatusMessage{
		JobID:        job.ID,
		Kind:         job.Kind,
		Status:       job.Status,
		Video:        job.Video,
		Result:       job.Result,
		ErrorMessage: job.ErrorMessage,
		Attempt:      job.Attempt,
	}
}
