package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether a job in this status may never transition again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type Kind string

const (
	KindCreateListing Kind = "create_listing"
)

// Job is one unit of queued work. Status, progress and retry bookkeeping are
// mutated only by the queue manager; callers read them through the store.
type Job struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	Kind        Kind            `json:"kind"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress"`
	Payload     json.RawMessage `json:"payload"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	Unverified  bool            `json:"unverified,omitempty"`
	RunAt       time.Time       `json:"run_at"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// StatusSummary is the per-owner bucket count shape polled by the dashboard.
type StatusSummary struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}
