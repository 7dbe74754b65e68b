package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.lakestream.dev/cdc/internal/jobregistry"
)

// fakeRegistry implements jobregistry.Registry with only GetJob and
// StartJob behavior configurable; every other method is unused by these
// tests and left as a nil-embedded panic trap.
type fakeRegistry struct {
	jobregistry.Registry
	job         *jobregistry.JobConfig
	getErr      error
	startErr    error
	executionID string
}

func (f *fakeRegistry) GetJob(context.Context, string) (*jobregistry.JobConfig, error) {
	return f.job, f.getErr
}

func (f *fakeRegistry) StartJob(context.Context, string, string, string) (string, error) {
	return f.executionID, f.startErr
}

func newTestSupervisor(reg jobregistry.Registry) *Supervisor {
	return &Supervisor{
		jobs:    reg,
		workers: make(map[string]*jobWorker),
		ctx:     context.Background(),
	}
}

func TestStartStreamJobRejectsWhenAlreadyRunning(t *testing.T) {
	reg := &fakeRegistry{job: &jobregistry.JobConfig{JobID: "job-1", Enabled: true}}
	s := newTestSupervisor(reg)
	s.workers["exec-existing"] = &jobWorker{jobID: "job-1", executionID: "exec-existing", done: make(chan struct{})}

	_, err := s.StartStreamJob(context.Background(), "job-1", "tester")
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("StartStreamJob = %v, want %v", err, ErrAlreadyRunning)
	}
}

func TestStartStreamJobPropagatesJobNotFound(t *testing.T) {
	reg := &fakeRegistry{job: nil, getErr: nil}
	s := newTestSupervisor(reg)

	_, err := s.StartStreamJob(context.Background(), "missing-job", "tester")
	if !errors.Is(err, jobregistry.ErrNotFound) {
		t.Fatalf("StartStreamJob = %v, want %v", err, jobregistry.ErrNotFound)
	}
}

func TestStopStreamJobUnknownExecution(t *testing.T) {
	s := newTestSupervisor(&fakeRegistry{})
	if err := s.StopStreamJob("nope"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("StopStreamJob = %v, want %v", err, ErrNotRunning)
	}
}

func TestStopStreamJobCancelsAndWaitsForWorker(t *testing.T) {
	s := newTestSupervisor(&fakeRegistry{})
	done := make(chan struct{})
	cancelled := make(chan struct{})
	worker := &jobWorker{
		jobID:       "job-1",
		executionID: "exec-1",
		cancel:      func() { close(cancelled) },
		done:        done,
	}
	s.workers["exec-1"] = worker

	go func() {
		<-cancelled
		close(done)
	}()

	if err := s.StopStreamJob("exec-1"); err != nil {
		t.Fatalf("StopStreamJob: %v", err)
	}

	s.mu.Lock()
	_, stillTracked := s.workers["exec-1"]
	s.mu.Unlock()
	if stillTracked {
		t.Error("worker should be untracked after StopStreamJob returns")
	}
}

func TestGetStreamJobStatusRunningVsDone(t *testing.T) {
	s := newTestSupervisor(&fakeRegistry{})
	done := make(chan struct{})
	s.workers["exec-1"] = &jobWorker{jobID: "job-1", executionID: "exec-1", startedAt: time.Now(), done: done}

	status, err := s.GetStreamJobStatus("exec-1")
	if err != nil {
		t.Fatalf("GetStreamJobStatus: %v", err)
	}
	if !status.Running {
		t.Error("status.Running = false, want true before worker finishes")
	}

	close(done)
	status, err = s.GetStreamJobStatus("exec-1")
	if err != nil {
		t.Fatalf("GetStreamJobStatus: %v", err)
	}
	if status.Running {
		t.Error("status.Running = true, want false after worker finishes")
	}
}

func TestGetStreamJobStatusUnknownExecution(t *testing.T) {
	s := newTestSupervisor(&fakeRegistry{})
	if _, err := s.GetStreamJobStatus("nope"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("GetStreamJobStatus = %v, want %v", err, ErrNotRunning)
	}
}

func TestCleanupCompletedJobsRemovesOnlyFinishedWorkers(t *testing.T) {
	s := newTestSupervisor(&fakeRegistry{})

	finished := make(chan struct{})
	close(finished)
	running := make(chan struct{})

	s.workers["exec-done"] = &jobWorker{executionID: "exec-done", done: finished}
	s.workers["exec-running"] = &jobWorker{executionID: "exec-running", done: running}

	removed := s.CleanupCompletedJobs()
	if removed != 1 {
		t.Fatalf("CleanupCompletedJobs removed %d, want 1", removed)
	}
	if _, ok := s.workers["exec-done"]; ok {
		t.Error("exec-done should have been removed")
	}
	if _, ok := s.workers["exec-running"]; !ok {
		t.Error("exec-running should still be tracked")
	}
}

func TestIsPrimaryDefaultsToTrueWithoutLeaderElection(t *testing.T) {
	s := newTestSupervisor(&fakeRegistry{})
	if !s.IsPrimary() {
		t.Error("IsPrimary() = false, want true when leader election is disabled")
	}
}
