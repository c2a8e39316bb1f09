// Package model defines the core data types of the job lifecycle: jobs, their status
// state machine, file references and the messages exchanged through the queue.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the current status of a job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobStatus string

const (
	// JobStatusStarted is the initial status; the job is queued or being processed.
	JobStatusStarted JobStatus = "started"
	// JobStatusCompleted indicates the processor finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusTerminatedWithError indicates processing failed, was canceled or was abandoned.
	JobStatusTerminatedWithError JobStatus = "terminatedWithError"
)

// ProcessJobTopic is the queue topic carrying work for the processor.
const ProcessJobTopic = "process-job"

// Valid returns true if the JobStatus is known.
func (s JobStatus) Valid() bool {
	return s == JobStatusStarted || s == JobStatusCompleted || s == JobStatusTerminatedWithError
}

// Terminal reports whether no further transition is possible from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusTerminatedWithError
}

// CanTransitionTo reports whether moving from s to next is legal.
// Only Started → Completed and Started → TerminatedWithError are.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	return s == JobStatusStarted && next.Terminal()
}

// UnmarshalText accepts the wire value case-insensitively.
func (s *JobStatus) UnmarshalText(text []byte) error {
	v := strings.TrimSpace(string(text))
	for _, known := range []JobStatus{JobStatusStarted, JobStatusCompleted, JobStatusTerminatedWithError} {
		if strings.EqualFold(v, string(known)) {
			*s = known
			return nil
		}
	}
	return fmt.Errorf("invalid JobStatus: %q", v)
}

// FileRef points at a stored upload. The upload id is opaque to the job core.
type FileRef struct {
	UploadID string `json:"file"`
	Filename string `json:"filename,omitempty"`
}

// Job represents a tracked unit of file-processing work.
type Job struct {
	ID              string          `json:"id"                    db:"id"`
	Owner           string          `json:"user"                  db:"owner_id"`
	Files           []FileRef       `json:"files"                 db:"files"`
	TargetLocale    string          `json:"targetLocale"          db:"target_locale"`
	Status          JobStatus       `json:"status"                db:"status"`
	ResultData      json.RawMessage `json:"resultData"            db:"result_data"`
	LastError       *string         `json:"lastError,omitempty"   db:"last_error"`
	CancelRequested bool            `json:"cancelRequested"       db:"cancel_requested"`
	Attempts        int             `json:"attempts"              db:"attempts"`
	CreatedAt       time.Time       `json:"createdAt"             db:"created_at"`
	UpdatedAt       time.Time       `json:"updatedAt"             db:"updated_at"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty" db:"completed_at"`
}

// MarshalJSON renders an absent result as null rather than omitting it.
func (j Job) MarshalJSON() ([]byte, error) {
	type alias Job
	out := alias(j)
	if len(out.ResultData) == 0 {
		out.ResultData = json.RawMessage("null")
	}
	if out.Files == nil {
		out.Files = []FileRef{}
	}
	return json.Marshal(out)
}

// CreateJobRequest represents a request to persist a new job.
type CreateJobRequest struct {
	Owner        string    `json:"user"`
	Files        []FileRef `json:"files"`
	TargetLocale string    `json:"targetLocale"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.Owner) == "" {
		return errors.New("owner is required")
	}
	if len(r.Files) == 0 {
		return errors.New("at least one file is required")
	}
	for i, f := range r.Files {
		if strings.TrimSpace(f.UploadID) == "" {
			return fmt.Errorf("files[%d]: upload reference is required", i)
		}
	}
	if len(r.TargetLocale) > 35 {
		return errors.New("target locale is too long")
	}
	return nil
}

// UpdateStatusParams describes a guarded status change.
type UpdateStatusParams struct {
	ID         string
	Status     JobStatus
	ResultData json.RawMessage
	LastError  *string
}

// JobListOptions filters and pages a job listing.
type JobListOptions struct {
	Owner  string
	Status *JobStatus
	// PageSize bounds each round trip made by a lazy listing; zero picks a default.
	PageSize int
	// Limit caps the total number of jobs yielded; zero means unbounded.
	Limit int
}

// JobStats holds job counts per status.
type JobStats struct {
	Started             int `json:"started"`
	Completed           int `json:"completed"`
	TerminatedWithError int `json:"terminatedWithError"`
}

// EmptyResult is stored as resultData when a job terminates without a payload.
var EmptyResult = json.RawMessage(`{}`)

// ErrJobNotFound is returned when a job does not exist.
var ErrJobNotFound = errors.New("job not found")
