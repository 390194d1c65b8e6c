package models

import (
	"time"
)

// RecalculationJob status values persisted in Postgres. Transitions
// are monotonic through queued→running→completed; queued→cancelled and
// running→failed are the only branches, and failed jobs are retried
// only by explicit resubmission.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// RecalculationJob recomputes the rating scalar for one scope
// (subject or subject/category). At most one non-cancelled job exists
// per scope at a time; duplicate submissions coalesce.
type RecalculationJob struct {
	ID          string     `json:"id"`
	Scope       string     `json:"scope"`
	Status      string     `json:"status"`
	Result      *string    `json:"result,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// AuditLog is a simple audit event row tied to an order or job.
type AuditLog struct {
	EntityID string    `json:"entity_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
