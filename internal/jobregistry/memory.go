package jobregistry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.lakestream.dev/cdc/internal/common/tsid"
)

// MemoryRegistry is an in-process Registry for tests and cold local
// development. All jobs and execution history are lost on restart.
type MemoryRegistry struct {
	mu         sync.Mutex
	jobs       map[string]JobConfig
	executions map[string]JobExecution // execution_id -> execution
}

// NewMemoryRegistry creates a new in-memory job registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		jobs:       make(map[string]JobConfig),
		executions: make(map[string]JobExecution),
	}
}

func (r *MemoryRegistry) CreateJob(_ context.Context, cfg JobConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[cfg.JobID]; exists {
		return ErrDuplicateJob
	}

	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	r.jobs[cfg.JobID] = cfg
	return nil
}

func (r *MemoryRegistry) GetJob(_ context.Context, jobID string) (*JobConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

func (r *MemoryRegistry) ListJobs(_ context.Context, userID string) ([]JobConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var jobs []JobConfig
	for _, cfg := range r.jobs {
		if userID != "" && cfg.UserID != userID {
			continue
		}
		jobs = append(jobs, cfg)
	}
	return jobs, nil
}

func (r *MemoryRegistry) UpdateJob(_ context.Context, jobID string, cfg JobConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}

	cfg.JobID = jobID
	cfg.CreatedAt = existing.CreatedAt
	cfg.UpdatedAt = time.Now().UTC()
	r.jobs[jobID] = cfg
	return nil
}

func (r *MemoryRegistry) DeleteJob(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.jobs, jobID)
	for id, exec := range r.executions {
		if exec.JobID == jobID {
			delete(r.executions, id)
		}
	}
	return nil
}

func (r *MemoryRegistry) StartJob(_ context.Context, jobID, triggeredBy, workerIdentity string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.jobs[jobID]
	if !ok {
		return "", ErrNotFound
	}
	if !cfg.Enabled {
		return "", ErrJobDisabled
	}

	executionID := tsid.Generate()
	r.executions[executionID] = JobExecution{
		ExecutionID:    executionID,
		JobID:          jobID,
		Status:         ExecutionRunning,
		StartedAt:      time.Now().UTC(),
		TriggeredBy:    triggeredBy,
		WorkerIdentity: workerIdentity,
	}
	return executionID, nil
}

func (r *MemoryRegistry) CompleteJob(_ context.Context, executionID string, status ExecutionStatus, recordsWritten int64, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, ok := r.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	if exec.CompletedAt != nil {
		return nil
	}

	now := time.Now().UTC()
	exec.Status = status
	exec.CompletedAt = &now
	exec.RecordsWritten = recordsWritten
	exec.ErrorMessage = errMsg
	r.executions[executionID] = exec
	return nil
}

func (r *MemoryRegistry) GetJobExecutions(_ context.Context, jobID string, limit int) ([]JobExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var executions []JobExecution
	for _, exec := range r.executions {
		if exec.JobID == jobID {
			executions = append(executions, exec)
		}
	}

	sortExecutionsByStartedAtDesc(executions)
	if limit > 0 && len(executions) > limit {
		executions = executions[:limit]
	}
	return executions, nil
}

func (r *MemoryRegistry) GetJobMetrics(_ context.Context, jobID string, days int) (JobMetrics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if days <= 0 {
		days = 7
	}
	cutoff := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	metrics := JobMetrics{JobID: jobID, WindowDays: days}
	var totalDuration time.Duration
	var completedCount int
	var totalRecordsPerSec float64

	for _, exec := range r.executions {
		if exec.JobID != jobID || exec.StartedAt.Before(cutoff) {
			continue
		}
		metrics.TotalExecutions++
		switch exec.Status {
		case ExecutionSuccess:
			metrics.SuccessCount++
		case ExecutionFailed:
			metrics.FailureCount++
		}
		if exec.CompletedAt != nil {
			d := exec.CompletedAt.Sub(exec.StartedAt)
			totalDuration += d
			completedCount++
			if d.Seconds() > 0 {
				totalRecordsPerSec += float64(exec.RecordsWritten) / d.Seconds()
			}
		}
	}

	if metrics.TotalExecutions > 0 {
		metrics.ErrorRate = float64(metrics.FailureCount) / float64(metrics.TotalExecutions)
	}
	if completedCount > 0 {
		metrics.AverageDuration = totalDuration / time.Duration(completedCount)
		metrics.AverageRecordsPerSec = totalRecordsPerSec / float64(completedCount)
	}

	return metrics, nil
}

func (r *MemoryRegistry) Close() error { return nil }

func sortExecutionsByStartedAtDesc(executions []JobExecution) {
	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartedAt.After(executions[j].StartedAt)
	})
}
