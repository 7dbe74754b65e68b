// Package cdcstream watches a MongoDB change stream for one job, buffers
// change events into micro-batches, hands them to a sink callback, and
// checkpoints the resume token after each successful flush.
package cdcstream

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"go.lakestream.dev/cdc/internal/schemaeval"
)

// Sink receives one flushed batch of change events, each carrying its
// MongoDB operation type so the caller can branch on insert/update/delete. Sink
// must be idempotent: a crash between a successful Sink call and the
// following checkpoint save replays the same batch on restart.
type Sink func(ctx context.Context, batch []ChangeEvent) error

// ChangeEvent is one decoded change-stream document, trimmed to the
// fields a sink or the schema evaluator needs.
type ChangeEvent struct {
	OperationType string
	DocumentKey   bson.M
	FullDocument  bson.M
	ClusterTime   *time.Time
}

// WatcherConfig tunes one Watcher instance. Zero values are not usable;
// construct via DefaultWatcherConfig or fill in every field explicitly.
type WatcherConfig struct {
	JobID      string
	Database   string
	Collection string
	TableName  string // sink table name for DDL/schema-registry keys; defaults to Collection

	FilterPipeline []bson.M

	BatchMaxSize int
	BatchMaxWait time.Duration

	MaxRetries       int
	RetryBackoffBase time.Duration
	MaxRetryDelay    time.Duration

	// NotifyChannelName identifies where breaking schema changes are
	// reported through the Notifier; empty disables alerting even if a
	// Notifier is wired.
	NotifyChannelName string

	// MaxConsecutiveCheckpointFailures escalates a run of checkpoint save
	// failures into a fatal watcher error once this threshold is reached.
	// A non-positive value disables escalation (log-and-continue forever).
	MaxConsecutiveCheckpointFailures int

	// CircuitBreaker wraps Sink invocations; the zero value disables it.
	CircuitBreaker CircuitBreakerSettings

	// SchemaEvaluator and CurrentSchema enable schema-drift detection at
	// flush time. Both must be set for evaluation to run; either left nil
	// disables it entirely.
	SchemaEvaluator *schemaeval.Evaluator
	CurrentSchema   schemaeval.Schema

	// SinkAdapter receives the ALTER TABLE DDL EvolveSinkSchema generates
	// for safe changes. Left nil, the watcher falls back to a log-only
	// adapter: the schema registry version is still recorded either way.
	SinkAdapter schemaeval.SinkAdapter
}

// CircuitBreakerSettings tunes the breaker wrapped around Sink.
type CircuitBreakerSettings struct {
	Enabled     bool
	MaxFailures uint32
	OpenTimeout time.Duration
}

// ErrMaxRetriesExceeded is returned by Run when the configured retry
// budget is exhausted without a successful reconnect.
var ErrMaxRetriesExceeded = errors.New("cdcstream: max retries exceeded")

// ErrCheckpointFailuresExceeded is returned by Run when consecutive
// checkpoint save failures cross WatcherConfig.MaxConsecutiveCheckpointFailures.
var ErrCheckpointFailuresExceeded = errors.New("cdcstream: too many consecutive checkpoint save failures")

// ErrResumeTokenError is returned by Run when the change stream reports
// the stored resume token is no longer in the oplog window. This is
// terminal by default: Run does not clear the checkpoint or cold-start on
// its own. An operator must reset the checkpoint (clearing the stored
// token) before the job can be started again.
var ErrResumeTokenError = errors.New("cdcstream: resume token no longer in oplog window")

// NotifyChannel returns the channel breaking-change alerts should be sent
// to, or "" if alerting is disabled.
func (c WatcherConfig) NotifyChannel() string {
	return c.NotifyChannelName
}

// DefaultWatcherConfig sets the job-identifying fields from its arguments
// (TableName defaults to collection) and fills in the batching/retry
// tunables the original connector shipped as defaults.
func DefaultWatcherConfig(jobID, database, collection string) WatcherConfig {
	return WatcherConfig{
		JobID:                            jobID,
		Database:                         database,
		Collection:                       collection,
		TableName:                        collection,
		BatchMaxSize:                     1000,
		BatchMaxWait:                     10 * time.Second,
		MaxRetries:                       5,
		RetryBackoffBase:                 2 * time.Second,
		MaxRetryDelay:                    60 * time.Second,
		MaxConsecutiveCheckpointFailures: 2,
	}
}
