package jobqueue

import (
	"time"
)

// JobStatus defines the status of a delivery job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job is one queued delivery of an event
type Job struct {
	ID            string     `json:"id"`
	EventID       uint       `json:"event_id"`
	Status        JobStatus  `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	ErrorMsg      string     `json:"error_msg,omitempty"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
}

// IsRetryable checks if the job can be attempted again
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.Attempts < j.MaxAttempts
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing(now time.Time) {
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
	j.NextAttemptAt = nil
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted(now time.Time) {
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed records a failed attempt
func (j *Job) MarkAsFailed(now time.Time, errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = now
	j.ErrorMsg = errorMsg
	j.Attempts++
}

// MarkAsRetrying schedules the next attempt
func (j *Job) MarkAsRetrying(now, at time.Time) {
	j.Status = JobStatusRetrying
	j.UpdatedAt = now
	j.NextAttemptAt = &at
}
