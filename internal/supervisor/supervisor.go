// Package supervisor owns the lifecycle of one or more change-stream
// watchers: starting them against job configs from the job registry,
// tracking which execution is running where, and translating process
// signals into cooperative cancellation instead of each watcher installing
// its own signal handler.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"go.lakestream.dev/cdc/internal/cdcstream"
	"go.lakestream.dev/cdc/internal/checkpoint"
	"go.lakestream.dev/cdc/internal/common/leader"
	"go.lakestream.dev/cdc/internal/jobregistry"
	"go.lakestream.dev/cdc/internal/schemaeval"
	"go.lakestream.dev/cdc/internal/schemaregistry"
)

// ErrAlreadyRunning is returned by StartStreamJob when the job already has
// a running execution.
var ErrAlreadyRunning = errors.New("supervisor: job already running")

// ErrNotRunning is returned by StopStreamJob/GetStreamJobStatus when the
// execution id is not currently tracked.
var ErrNotRunning = errors.New("supervisor: execution not running")

// ErrNotPrimary is returned by StartStreamJob when leader election is
// enabled and this instance is not the elected leader.
var ErrNotPrimary = errors.New("supervisor: instance is not the leader")

// SinkFactory builds the sink callback for a job. The core has no opinion
// on what the sink writes to (Hudi, Iceberg, a test double); it only needs
// something shaped like cdcstream.Sink.
type SinkFactory func(cfg jobregistry.JobConfig) cdcstream.Sink

// LeaderElectionConfig mirrors the platform's scheduler leader-election
// knobs, scoped to the supervisor.
type LeaderElectionConfig struct {
	Enabled         bool
	InstanceID      string
	TTL             time.Duration
	RefreshInterval time.Duration
}

// Config tunes the supervisor.
type Config struct {
	CleanupInterval time.Duration
	LeaderElection  LeaderElectionConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{CleanupInterval: 60 * time.Second}
}

type jobWorker struct {
	jobID       string
	executionID string
	startedAt   time.Time
	cancel      context.CancelFunc
	done        chan struct{}
	lastErr     error
}

// Supervisor manages the running set of change-stream watchers.
type Supervisor struct {
	mongoClient    *mongo.Client
	jobs           jobregistry.Registry
	checkpoints    checkpoint.Store
	schemas        schemaregistry.Registry
	evaluator      *schemaeval.Evaluator
	notifier       cdcstream.Notifier
	sinkFactory    SinkFactory
	leaderElector  *leader.LeaderElector
	config         Config

	mu      sync.Mutex
	workers map[string]*jobWorker // execution_id -> worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Supervisor. leaderDB may be nil to disable leader
// election entirely (every instance runs every job it is asked to start).
func New(mongoClient *mongo.Client, leaderDB *mongo.Database, jobs jobregistry.Registry, checkpoints checkpoint.Store, schemas schemaregistry.Registry, evaluator *schemaeval.Evaluator, notifier cdcstream.Notifier, sinkFactory SinkFactory, cfg Config) *Supervisor {
	s := &Supervisor{
		mongoClient: mongoClient,
		jobs:        jobs,
		checkpoints: checkpoints,
		schemas:     schemas,
		evaluator:   evaluator,
		notifier:    notifier,
		sinkFactory: sinkFactory,
		config:      cfg,
		workers:     make(map[string]*jobWorker),
	}

	if cfg.LeaderElection.Enabled && leaderDB != nil {
		electorConfig := &leader.ElectorConfig{
			InstanceID:      cfg.LeaderElection.InstanceID,
			LockName:        "cdc-stream-supervisor",
			TTL:             cfg.LeaderElection.TTL,
			RefreshInterval: cfg.LeaderElection.RefreshInterval,
		}
		if electorConfig.TTL == 0 {
			electorConfig.TTL = 30 * time.Second
		}
		if electorConfig.RefreshInterval == 0 {
			electorConfig.RefreshInterval = 10 * time.Second
		}
		if electorConfig.InstanceID == "" {
			electorConfig.InstanceID = leader.DefaultElectorConfig(electorConfig.LockName).InstanceID
		}
		s.leaderElector = leader.NewLeaderElector(leaderDB, electorConfig)
	}

	return s
}

// IsPrimary reports whether this instance may start jobs: always true
// when leader election is disabled.
func (s *Supervisor) IsPrimary() bool {
	if s.leaderElector == nil {
		return true
	}
	return s.leaderElector.IsPrimary()
}

// Run installs the process's one signal.Notify registration, starts
// leader election (if configured) and the periodic cleanup loop, and
// blocks until SIGINT/SIGTERM. On signal it cancels every running
// watcher's derived context, waits for them to finish their
// final-flush-and-checkpoint sequence, and returns.
func (s *Supervisor) Run() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer s.cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	if s.leaderElector != nil {
		if err := s.leaderElector.Start(s.ctx); err != nil {
			slog.Error("failed to start leader election", "error", err)
		} else {
			slog.Info("leader election enabled", "instance_id", s.leaderElector.InstanceID())
		}
	}

	s.wg.Add(1)
	go s.cleanupLoop()

	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	s.cancel()
	s.wg.Wait()

	if s.leaderElector != nil {
		s.leaderElector.Stop()
	}

	slog.Info("supervisor stopped")
	return nil
}

// StartStreamJob loads jobID's config, builds a Watcher for it, and runs
// it on its own goroutine under a context derived from the supervisor's
// root. Returns the new execution id.
func (s *Supervisor) StartStreamJob(ctx context.Context, jobID, triggeredBy string) (string, error) {
	cfg, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("supervisor: loading job %q: %w", jobID, err)
	}
	if cfg == nil {
		return "", jobregistry.ErrNotFound
	}

	if !s.IsPrimary() {
		return "", ErrNotPrimary
	}

	s.mu.Lock()
	for id, w := range s.workers {
		if w.jobID != jobID {
			continue
		}
		select {
		case <-w.done:
			// Finished but not yet swept; drop it so the job can start again
			delete(s.workers, id)
		default:
			s.mu.Unlock()
			return "", ErrAlreadyRunning
		}
	}
	s.mu.Unlock()

	workerIdentity := "supervisor"
	if s.leaderElector != nil {
		workerIdentity = s.leaderElector.InstanceID()
	}

	executionID, err := s.jobs.StartJob(ctx, jobID, triggeredBy, workerIdentity)
	if err != nil {
		return "", err
	}

	watcher, err := s.buildWatcher(ctx, *cfg)
	if err != nil {
		completeErr := fmt.Sprintf("building watcher: %v", err)
		_ = s.jobs.CompleteJob(ctx, executionID, jobregistry.ExecutionFailed, 0, completeErr)
		return "", err
	}

	root := s.ctx
	if root == nil {
		root = context.Background()
	}
	jobCtx, jobCancel := context.WithCancel(root)

	worker := &jobWorker{
		jobID:       jobID,
		executionID: executionID,
		startedAt:   time.Now().UTC(),
		cancel:      jobCancel,
		done:        make(chan struct{}),
	}

	s.mu.Lock()
	s.workers[executionID] = worker
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(worker.done)

		runErr := watcher.Run(jobCtx)

		status := jobregistry.ExecutionSuccess
		errMsg := ""
		if runErr != nil {
			status = jobregistry.ExecutionFailed
			errMsg = runErr.Error()
			worker.lastErr = runErr
		}

		if err := s.jobs.CompleteJob(context.Background(), executionID, status, 0, errMsg); err != nil {
			slog.Error("failed to record job completion", "job_id", jobID, "execution_id", executionID, "error", err)
		}
	}()

	slog.Info("started stream job", "job_id", jobID, "execution_id", executionID)
	return executionID, nil
}

// FindRunningExecution returns the execution id tracked for jobID, if any.
// A finished execution stays tracked until it is swept, so the id may
// belong to a watcher that has already exited. The admin API resolves a job-scoped stop/status request to an
// execution id through this before calling StopStreamJob/
// GetStreamJobStatus, which are keyed by execution id.
func (s *Supervisor) FindRunningExecution(jobID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for executionID, w := range s.workers {
		if w.jobID == jobID {
			return executionID, true
		}
	}
	return "", false
}

// StopStreamJob cancels the watcher running executionID and waits for its
// shutdown sequence (final flush + checkpoint) to complete.
func (s *Supervisor) StopStreamJob(executionID string) error {
	s.mu.Lock()
	worker, ok := s.workers[executionID]
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}

	worker.cancel()
	<-worker.done

	s.mu.Lock()
	delete(s.workers, executionID)
	s.mu.Unlock()
	return nil
}

// JobStatus is the point-in-time status of one tracked execution.
type JobStatus struct {
	JobID       string
	ExecutionID string
	Running     bool
	StartedAt   time.Time
	LastError   error
}

// GetStreamJobStatus reports whether executionID is currently running.
func (s *Supervisor) GetStreamJobStatus(executionID string) (JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.workers[executionID]
	if !ok {
		return JobStatus{}, ErrNotRunning
	}

	status := JobStatus{
		JobID:       worker.jobID,
		ExecutionID: worker.executionID,
		StartedAt:   worker.startedAt,
		LastError:   worker.lastErr,
	}
	select {
	case <-worker.done:
		status.Running = false
	default:
		status.Running = true
	}
	return status, nil
}

// CleanupCompletedJobs drops tracked workers whose goroutine has already
// finished, and returns how many were removed. A worker's goroutine does
// not remove its own entry when it finishes, so a finished execution stays
// visible to GetStreamJobStatus until this sweep or StopStreamJob removes it.
func (s *Supervisor) CleanupCompletedJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, w := range s.workers {
		select {
		case <-w.done:
			delete(s.workers, id)
			removed++
		default:
		}
	}
	return removed
}

func (s *Supervisor) cleanupLoop() {
	defer s.wg.Done()

	interval := s.config.CleanupInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n := s.CleanupCompletedJobs(); n > 0 {
				slog.Debug("cleaned up completed stream jobs", "count", n)
			}
		}
	}
}

func (s *Supervisor) buildWatcher(ctx context.Context, cfg jobregistry.JobConfig) (*cdcstream.Watcher, error) {
	collection := s.mongoClient.Database(cfg.Database).Collection(cfg.Collection)

	watcherCfg := cdcstream.DefaultWatcherConfig(cfg.JobID, cfg.Database, cfg.Collection)
	watcherCfg.TableName = cfg.SinkTable
	watcherCfg.NotifyChannelName = cfg.NotifyChannel

	if cfg.BatchSize > 0 {
		watcherCfg.BatchMaxSize = cfg.BatchSize
	}
	if cfg.BatchIntervalSeconds > 0 {
		watcherCfg.BatchMaxWait = time.Duration(cfg.BatchIntervalSeconds) * time.Second
	}
	if cfg.CircuitBreaker.Enabled() {
		watcherCfg.CircuitBreaker = cdcstream.CircuitBreakerSettings{
			Enabled:     true,
			MaxFailures: uint32(cfg.CircuitBreaker.MaxFailures),
			OpenTimeout: time.Duration(cfg.CircuitBreaker.OpenTimeoutSeconds) * time.Second,
		}
	}
	for _, stage := range cfg.FilterPipeline {
		watcherCfg.FilterPipeline = append(watcherCfg.FilterPipeline, bson.M(stage))
	}

	if s.evaluator != nil && s.schemas != nil {
		tableName := cfg.SinkTable
		if tableName == "" {
			tableName = cfg.Collection
		}
		schema, err := s.schemas.LatestSchema(ctx, tableName)
		if err != nil {
			return nil, fmt.Errorf("loading current schema for %q: %w", tableName, err)
		}
		watcherCfg.SchemaEvaluator = s.evaluator
		watcherCfg.CurrentSchema = schema
	}

	sink := s.sinkFactory(cfg)
	return cdcstream.NewWatcher(collection, s.checkpoints, s.schemas, s.notifier, sink, watcherCfg), nil
}
