package model

import "time"

// TaskStatus is the lifecycle of a parse Task, mirroring the lease/claim
// state machine used by the distribution queue (see persistence.ClaimNextTask).
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "QUEUED"
	TaskStatusClaimed   TaskStatus = "CLAIMED"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusRetryWait TaskStatus = "RETRY_WAIT"
	TaskStatusSucceeded TaskStatus = "SUCCEEDED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCanceled  TaskStatus = "CANCELED"
)

// Task is one unit of work for the Parse Worker: parse a newly-ingested
// ContentSource, or (legacy-compatible action) re-run distribution
// enqueue for a Content whose rules changed.
type Task struct {
	ID             string
	ContentID      string
	Action         string // "parse" or "enqueue_distribution"
	Status         TaskStatus
	Attempt        int
	MaxAttempts    int
	AvailableAt    time.Time
	LastErrorCode  string
	Payload        string // JSON
	Result         string
	Error          string
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
