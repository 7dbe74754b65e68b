// Package jobregistry persists stream job configurations and their
// execution history: the durable record the supervisor reads to know what
// to run and writes back to as each run progresses.
package jobregistry

import (
	"context"
	"errors"
	"time"
)

// ExecutionStatus is the terminal/non-terminal status of one job run.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// CircuitBreakerConfig tunes the sink-callback breaker for one job; the
// zero value disables the breaker and the sink is invoked directly.
type CircuitBreakerConfig struct {
	MaxFailures        int
	OpenTimeoutSeconds int
}

// Enabled reports whether this job wants a breaker in front of its sink.
func (c CircuitBreakerConfig) Enabled() bool {
	return c.MaxFailures > 0
}

// JobConfig is the durable description of one stream job: what to watch,
// where to write it, and how.
type JobConfig struct {
	JobID                string
	UserID               string
	SourceURI            string
	Database             string
	Collection           string
	FilterPipeline       []map[string]any
	SinkTable            string
	SinkBasePath         string
	BatchSize            int
	BatchIntervalSeconds int
	Enabled              bool
	Description          string
	NotifyChannel        string
	CircuitBreaker       CircuitBreakerConfig
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// JobExecution is one run of a job, created when the supervisor starts a
// watcher and mutated only by the supervisor that owns it.
type JobExecution struct {
	ExecutionID    string
	JobID          string
	Status         ExecutionStatus
	StartedAt      time.Time
	CompletedAt    *time.Time
	TriggeredBy    string
	RetryCount     int
	MaxRetries     int
	WorkerIdentity string
	ErrorMessage   string
	RecordsWritten int64
}

// JobMetrics aggregates a job's execution history over a trailing window.
type JobMetrics struct {
	JobID                string
	WindowDays           int
	TotalExecutions      int
	SuccessCount         int
	FailureCount         int
	AverageDuration      time.Duration
	ErrorRate            float64
	AverageRecordsPerSec float64
}

// ErrNotFound is returned by UpdateJob/StartJob when job_id does not exist
// and by CompleteJob when executionID does not exist. GetJob reports a
// missing job as (nil, nil) instead.
var ErrNotFound = errors.New("jobregistry: not found")

// ErrDuplicateJob is returned by CreateJob when job_id already exists.
var ErrDuplicateJob = errors.New("jobregistry: duplicate job_id")

// ErrJobDisabled is returned by StartJob when the job's Enabled flag is
// false; this is the "VALIDATION_FAILED" branch of the start sequence --
// the execution row is never created, so it leaves no history entry.
var ErrJobDisabled = errors.New("jobregistry: job is disabled")

// Registry is the job configuration and execution persistence contract.
type Registry interface {
	CreateJob(ctx context.Context, cfg JobConfig) error
	GetJob(ctx context.Context, jobID string) (*JobConfig, error)
	ListJobs(ctx context.Context, userID string) ([]JobConfig, error)
	UpdateJob(ctx context.Context, jobID string, cfg JobConfig) error
	DeleteJob(ctx context.Context, jobID string) error

	// StartJob validates the job is enabled, creates a new execution in
	// ExecutionRunning, and returns its id. Returns ErrJobDisabled without
	// creating an execution row if the job's Enabled flag is false.
	StartJob(ctx context.Context, jobID, triggeredBy, workerIdentity string) (executionID string, err error)

	// CompleteJob writes the terminal status and completion time for an
	// execution exactly once; a second call for the same executionID is a
	// no-op protected by the same single-writer discipline as checkpoints.
	CompleteJob(ctx context.Context, executionID string, status ExecutionStatus, recordsWritten int64, errMsg string) error

	GetJobExecutions(ctx context.Context, jobID string, limit int) ([]JobExecution, error)
	GetJobMetrics(ctx context.Context, jobID string, days int) (JobMetrics, error)

	Close() error
}
