// Package jobs provides the persistent generation queue: submission,
// claiming, and execution of diagram analysis and code synthesis work.
package jobs

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports a rejected job submission.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Job kinds. The first three arrive over the duplex channel; synthesize
// arrives over the REST API.
const (
	KindAnalyze    = "analyze"
	KindCDKModules = "cdk_modules"
	KindOptimize   = "optimize"
	KindSynthesize = "synthesize"
)

// Job statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusTimedOut   = "timed_out"
)

// Queue sentinel errors.
var (
	// ErrNoJobsAvailable signals an empty queue poll.
	ErrNoJobsAvailable = errors.New("no pending jobs available")
	// ErrAtCapacity signals that the global concurrent-job limit is reached.
	ErrAtCapacity = errors.New("at maximum concurrent job capacity")
	// ErrThrottled is returned by generators when the upstream model
	// rejects a request for rate reasons. Throttled phases are retried.
	ErrThrottled = errors.New("generation throttled")
)

// Job is one row of the generation queue.
type Job struct {
	ID           string
	Kind         string
	ObjectKey    string
	Language     string
	ConnectionID string
	Status       string
	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is a snapshot of one worker's state for health reporting.
type WorkerHealth struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentJobID  string       `json:"current_job_id,omitempty"`
	JobsProcessed int          `json:"jobs_processed"`
	LastActivity  time.Time    `json:"last_activity"`
}
