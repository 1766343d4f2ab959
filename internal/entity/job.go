package entity

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusRunning   JobStatus = "RUNNING"
	StatusSucceeded JobStatus = "SUCCEEDED"
	StatusFailed    JobStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// CanTransition allows PENDING -> RUNNING -> {SUCCEEDED, FAILED}.
// RUNNING -> RUNNING is allowed so a redelivered attempt can re-enter,
// and PENDING -> FAILED covers jobs that never got to run.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusRunning || to == StatusSucceeded || to == StatusFailed
	default:
		return false
	}
}

type Job struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	DocumentID uuid.UUID `json:"document_id"`
	Status     JobStatus `json:"status"`
	Meta       *string   `json:"meta,omitempty"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Document struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	StorageKey string    `json:"storage_key"`
	CreatedAt  time.Time `json:"created_at"`
}

type Result struct {
	ID             uuid.UUID `json:"id"`
	JobID          uuid.UUID `json:"job_id"`
	Probability    float64   `json:"probability"`
	Summary        string    `json:"summary"`
	FeatureSummary string    `json:"feature_summary"`
	LatencyMS      int64     `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

type User struct {
	ID        uuid.UUID `json:"id"`
	UID       string    `json:"uid"`
	Email     *string   `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
