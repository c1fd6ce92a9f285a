package model

import (
	"slices"
	"time"
)

// Conversion status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
)

// Statuses lists every conversion status.
var Statuses = []string{
	StatusPending,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusTimedOut,
	StatusRejected,
	StatusCancelled,
}

// validTransitions maps each status to the set of statuses it may transition to.
// A pending conversion can end without running when the pool rejects it or
// shuts down while it is queued.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusTimedOut:  true,
		StatusRejected:  true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusTimedOut:  true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is final.
func IsTerminal(status string) bool {
	return slices.Contains(Statuses, status) && len(validTransitions[status]) == 0
}

// Conversion is one document conversion submitted through the API.
type Conversion struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	Filename      string     `json:"filename"`
	SourceFormat  string     `json:"source_format,omitempty"`
	TargetFormat  string     `json:"target_format"`
	FilterOptions string     `json:"filter_options,omitempty"`
	WorkerID      string     `json:"worker_id,omitempty"`
	InputSize     int64      `json:"input_size"`
	OutputSize    int64      `json:"output_size,omitempty"`
	Output        []byte     `json:"-"`
	Error         string     `json:"error,omitempty"`
	QueueWaitMS   *int64     `json:"queue_wait_ms,omitempty"`
	DurationMS    *int64     `json:"duration_ms,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}
