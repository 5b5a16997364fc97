package api

import (
	"time"

	"docingest/internal/batch"
	"docingest/internal/feeder"
)

// Job states.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobFinished  = "finished"
	JobError     = "error"
	JobCancelled = "cancelled"
)

// JobResponse is returned after a successful job creation.
type JobResponse struct {
	JobID string `json:"job_id"`
}

// JobStatus represents the runtime state of an ingestion job.
type JobStatus struct {
	JobID      string        `json:"job_id"`
	Status     string        `json:"status"` // queued | running | finished | error | cancelled
	Error      string        `json:"error,omitempty"`
	Result     feeder.Result `json:"result"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// DocumentStatus is the body of GET /documents/{id}.
type DocumentStatus struct {
	DocID    string    `json:"doc_id"`
	Status   string    `json:"status"`
	Message  string    `json:"message,omitempty"`
	Scanner  string    `json:"scanner,omitempty"`
	ParentID string    `json:"parent_id,omitempty"`
	Time     time.Time `json:"time"`
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Sink string `json:"sink"`
	batch.Stats
}

// ErrorResponse is written for every non 2xx answer with a body.
type ErrorResponse struct {
	Error string `json:"error"`
}
