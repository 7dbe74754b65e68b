package cdcstream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.lakestream.dev/cdc/internal/checkpoint"
	"go.lakestream.dev/cdc/internal/common/metrics"
	"go.lakestream.dev/cdc/internal/schemaeval"
	"go.lakestream.dev/cdc/internal/schemaregistry"
)

// Notifier delivers a best-effort, non-blocking alert about a job event
// (currently: a breaking schema change). Implementations must not block
// the flush path; a nil Notifier simply skips notification.
type Notifier interface {
	Notify(ctx context.Context, channel, message string) error
}

// Watcher watches one MongoDB collection's change stream for one job,
// buffers events into micro-batches, and hands each batch to a Sink.
//
// Thread safety: not safe for concurrent use. The supervisor runs one
// Watcher goroutine per job.
type Watcher struct {
	collection      *mongo.Collection
	checkpointStore checkpoint.Store
	schemaRegistry  schemaregistry.Registry
	notifier        Notifier
	sink            Sink
	config          WatcherConfig
	breaker         *gobreaker.CircuitBreaker

	schemaMu      sync.Mutex
	currentSchema schemaeval.Schema

	recordsProcessed              int64
	consecutiveCheckpointFailures int
}

// NewWatcher constructs a Watcher. schemaRegistry and notifier may be nil
// to disable schema-history persistence and breaking-change alerts
// respectively.
func NewWatcher(collection *mongo.Collection, checkpointStore checkpoint.Store, schemaRegistry schemaregistry.Registry, notifier Notifier, sink Sink, cfg WatcherConfig) *Watcher {
	w := &Watcher{
		collection:      collection,
		checkpointStore: checkpointStore,
		schemaRegistry:  schemaRegistry,
		notifier:        notifier,
		sink:            sink,
		config:          cfg,
		currentSchema:   cfg.CurrentSchema,
	}

	if cfg.CircuitBreaker.Enabled {
		w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "cdcstream-sink-" + cfg.JobID,
			MaxRequests: 1,
			Timeout:     cfg.CircuitBreaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.CircuitBreaker.MaxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				var v float64
				switch to {
				case gobreaker.StateOpen:
					v = 2
				case gobreaker.StateHalfOpen:
					v = 1
				case gobreaker.StateClosed:
					v = 0
				}
				circuitBreakerState.WithLabelValues(cfg.Collection).Set(v)
				slog.Warn("sink circuit breaker state changed", "job_id", cfg.JobID, "collection", cfg.Collection, "from", from, "to", to)
			},
		})
	}

	return w
}

// Run watches the change stream until ctx is cancelled or an
// unrecoverable error occurs. On cancellation it flushes any buffered
// records and saves a final checkpoint before returning nil.
func (w *Watcher) Run(ctx context.Context) error {
	resumeToken, err := w.checkpointStore.LoadCheckpoint(ctx, w.config.JobID, w.config.Collection)
	if err != nil {
		slog.Warn("failed to load checkpoint, starting from latest", "job_id", w.config.JobID, "collection", w.config.Collection, "error", err)
		resumeToken = nil
	} else if resumeToken != nil {
		slog.Info("resuming from checkpoint", "job_id", w.config.JobID, "collection", w.config.Collection)
	}

	if w.recordsProcessed == 0 {
		if n, err := w.checkpointStore.LoadRecordsProcessed(ctx, w.config.JobID, w.config.Collection); err == nil {
			w.recordsProcessed = n
		}
	}

	attempt := 0
	backoff := w.config.RetryBackoffBase

	for {
		if ctx.Err() != nil {
			return nil
		}

		opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
		if resumeToken != nil {
			opts.SetResumeAfter(resumeToken)
		}

		pipeline := buildPipeline(w.config.FilterPipeline)

		slog.Info("opening change stream", "job_id", w.config.JobID, "collection", w.config.Collection, "has_resume_token", resumeToken != nil)

		stream, err := w.collection.Watch(ctx, pipeline, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			if attempt > w.config.MaxRetries {
				return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, err)
			}
			errorsTotal.WithLabelValues(w.config.Collection, "open_stream").Inc()
			if !w.sleepBackoff(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, w.config.RetryBackoffBase, w.config.MaxRetryDelay)
			continue
		}

		attempt = 0
		backoff = w.config.RetryBackoffBase

		streamErr, newResumeToken := w.processStream(ctx, stream)
		resumeToken = newResumeToken
		stream.Close(ctx)

		if ctx.Err() != nil {
			return nil
		}
		if streamErr == nil {
			continue
		}

		if isStaleResumeTokenError(streamErr) {
			slog.Error("resume token no longer in oplog window, surfacing terminal error",
				"job_id", w.config.JobID, "collection", w.config.Collection, "resume_token", resumeToken, "error", streamErr)
			return fmt.Errorf("%w: %v", ErrResumeTokenError, streamErr)
		}

		attempt++
		if attempt > w.config.MaxRetries {
			return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, streamErr)
		}
		errorsTotal.WithLabelValues(w.config.Collection, "stream").Inc()
		slog.Warn("change stream error, reconnecting", "job_id", w.config.JobID, "collection", w.config.Collection, "attempt", attempt, "error", streamErr)
		if !w.sleepBackoff(ctx, backoff) {
			return nil
		}
		backoff = nextBackoff(backoff, w.config.RetryBackoffBase, w.config.MaxRetryDelay)
	}
}

func (w *Watcher) sleepBackoff(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	if next < base {
		return base
	}
	return next
}

func buildPipeline(filter []bson.M) mongo.Pipeline {
	pipeline := mongo.Pipeline{}
	for _, stage := range filter {
		doc := bson.D{}
		for k, v := range stage {
			doc = append(doc, bson.E{Key: k, Value: v})
		}
		pipeline = append(pipeline, doc)
	}
	return pipeline
}

// processStream drains one open change stream into batches until ctx is
// cancelled or the stream errors. It returns the stream error (nil on
// clean cancellation) and the last resume token observed, so the caller
// can resume from it on reconnect.
func (w *Watcher) processStream(ctx context.Context, stream *mongo.ChangeStream) (error, bson.Raw) {
	batch := make([]ChangeEvent, 0, w.config.BatchMaxSize)
	var lastToken bson.Raw
	lastFlush := time.Now()

	flushIfDue := func() error {
		full := len(batch) >= w.config.BatchMaxSize
		expired := time.Since(lastFlush) >= w.config.BatchMaxWait
		if len(batch) == 0 || (!full && !expired) {
			return nil
		}
		if err := w.flush(ctx, batch, lastToken); err != nil {
			return err
		}
		batch = batch[:0]
		lastFlush = time.Now()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch, lastToken); err != nil {
					slog.Error("error flushing final buffer during shutdown", "job_id", w.config.JobID, "collection", w.config.Collection, "error", err)
				}
			}
			return nil, lastToken
		default:
		}

		pollCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		hasNext := stream.TryNext(pollCtx)
		cancel()

		if err := stream.Err(); err != nil {
			if len(batch) > 0 {
				if ferr := w.flush(ctx, batch, lastToken); ferr != nil {
					slog.Error("error flushing buffer before surfacing stream error", "job_id", w.config.JobID, "collection", w.config.Collection, "error", ferr)
				}
			}
			return err, lastToken
		}

		if hasNext {
			var raw bson.M
			if err := stream.Decode(&raw); err != nil {
				slog.Error("failed to decode change event", "job_id", w.config.JobID, "collection", w.config.Collection, "error", err)
				continue
			}
			event := decodeChangeEvent(raw)
			batch = append(batch, event)
			lastToken = stream.ResumeToken()

			if event.ClusterTime != nil {
				lagSeconds.WithLabelValues(w.config.Collection).Set(time.Since(*event.ClusterTime).Seconds())
			}
		}

		if err := flushIfDue(); err != nil {
			return err, lastToken
		}
	}
}

func decodeChangeEvent(raw bson.M) ChangeEvent {
	event := ChangeEvent{}
	if op, ok := raw["operationType"].(string); ok {
		event.OperationType = op
	}
	if doc, ok := raw["fullDocument"].(bson.M); ok {
		event.FullDocument = doc
	}
	if key, ok := raw["documentKey"].(bson.M); ok {
		event.DocumentKey = key
	}
	if ct, ok := raw["clusterTime"]; ok {
		if ts, ok := ct.(primitive.Timestamp); ok {
			t := time.Unix(int64(ts.T), 0).UTC()
			event.ClusterTime = &t
		}
	}
	return event
}

// lastClusterTime returns the source cluster_time of the last event in
// batch that has one, matching Checkpoint.last_event_time's definition.
// Events decoded without a clusterTime (malformed or filtered documents)
// are skipped rather than falling back to wall-clock time.
func lastClusterTime(batch []ChangeEvent) *time.Time {
	for i := len(batch) - 1; i >= 0; i-- {
		if batch[i].ClusterTime != nil {
			return batch[i].ClusterTime
		}
	}
	return nil
}

// flush evaluates the batch for schema drift, hands it to the sink
// (through the circuit breaker if enabled), and checkpoints on success.
// A sink error is returned unchanged so the caller's reconnect loop
// retries the same token.
func (w *Watcher) flush(ctx context.Context, batch []ChangeEvent, resumeToken bson.Raw) error {
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()

	if w.config.SchemaEvaluator != nil {
		w.evaluateSchema(ctx, batch)
	}

	err := w.invokeSink(ctx, batch)
	if err != nil {
		errorsTotal.WithLabelValues(w.config.Collection, "sink").Inc()
		return err
	}

	for _, e := range batch {
		recordsProcessed.WithLabelValues(w.config.Collection, e.OperationType).Inc()
	}
	w.recordsProcessed += int64(len(batch))

	if resumeToken != nil {
		eventTime := lastClusterTime(batch)
		if err := w.checkpointStore.SaveCheckpoint(ctx, w.config.JobID, w.config.Collection, resumeToken, eventTime, w.recordsProcessed); err != nil {
			w.consecutiveCheckpointFailures++
			slog.Error("failed to save checkpoint", "job_id", w.config.JobID, "collection", w.config.Collection, "consecutive_failures", w.consecutiveCheckpointFailures, "error", err)
			if w.config.MaxConsecutiveCheckpointFailures > 0 && w.consecutiveCheckpointFailures >= w.config.MaxConsecutiveCheckpointFailures {
				return fmt.Errorf("%w: %v", ErrCheckpointFailuresExceeded, err)
			}
		} else {
			w.consecutiveCheckpointFailures = 0
		}
	}

	batchDuration.WithLabelValues(w.config.Collection).Observe(time.Since(start).Seconds())
	slog.Info("flushed batch", "job_id", w.config.JobID, "collection", w.config.Collection, "batch_size", len(batch), "total_processed", w.recordsProcessed)
	return nil
}

func (w *Watcher) invokeSink(ctx context.Context, batch []ChangeEvent) error {
	if w.breaker == nil {
		return w.sink(ctx, batch)
	}
	_, err := w.breaker.Execute(func() (any, error) {
		return nil, w.sink(ctx, batch)
	})
	return err
}

// evaluateSchema checks the batch's full documents against the
// watcher's current schema, auto-evolves on safe changes (persisting the
// new version to the schema registry), logs warnings, and alerts on
// breaking changes without interrupting the flush.
func (w *Watcher) evaluateSchema(ctx context.Context, batch []ChangeEvent) {
	documents := make([]map[string]any, 0, len(batch))
	for _, e := range batch {
		switch e.OperationType {
		case "insert", "update", "replace":
			if e.FullDocument != nil {
				documents = append(documents, e.FullDocument)
			}
		}
	}
	if len(documents) == 0 {
		return
	}

	w.schemaMu.Lock()
	current := w.currentSchema
	w.schemaMu.Unlock()
	if current == nil {
		return
	}

	result := w.config.SchemaEvaluator.EvaluateBatch(documents, current)
	if len(result.Changes) == 0 {
		return
	}

	tableName := w.config.TableName
	if tableName == "" {
		tableName = w.config.Collection
	}

	slog.Info("schema changes detected", "job_id", w.config.JobID, "table", tableName,
		"total", len(result.Changes), "safe", len(result.Safe), "warning", len(result.Warning), "breaking", len(result.Breaking))

	if n := len(result.Safe); n > 0 {
		metrics.SchemaDriftEvents.WithLabelValues(w.config.JobID, "safe").Add(float64(n))
	}
	if n := len(result.Warning); n > 0 {
		metrics.SchemaDriftEvents.WithLabelValues(w.config.JobID, "warning").Add(float64(n))
	}
	if n := len(result.Breaking); n > 0 {
		metrics.SchemaDriftEvents.WithLabelValues(w.config.JobID, "breaking").Add(float64(n))
	}

	if result.HasBreaking() {
		msg := fmt.Sprintf("BREAKING schema change on %s: %d field(s)", tableName, len(result.Breaking))
		slog.Error(msg, "job_id", w.config.JobID, "table", tableName)
		if w.notifier != nil && w.config.NotifyChannel() != "" {
			if err := w.notifier.Notify(ctx, w.config.NotifyChannel(), msg); err != nil {
				slog.Warn("failed to deliver breaking-change notification", "job_id", w.config.JobID, "error", err)
			}
		}
	}

	if result.HasWarning() {
		slog.Warn("schema widening detected", "job_id", w.config.JobID, "table", tableName, "count", len(result.Warning))
	}

	if result.HasSafe() {
		var registrar schemaeval.SchemaRegistrar
		if w.schemaRegistry != nil {
			registrar = w.schemaRegistry
		}
		adapter := w.config.SinkAdapter
		if adapter == nil {
			adapter = logOnlySinkAdapter{jobID: w.config.JobID}
		}

		evolved, ddl, err := w.config.SchemaEvaluator.EvolveSinkSchema(ctx, tableName, current, result.Safe, registrar, adapter, "cdcstream", "")
		if err != nil {
			slog.Error("failed to evolve sink schema", "job_id", w.config.JobID, "table", tableName, "error", err)
			return
		}
		w.schemaMu.Lock()
		w.currentSchema = evolved
		w.schemaMu.Unlock()
		slog.Info("auto-evolved schema", "job_id", w.config.JobID, "table", tableName, "new_field_count", len(result.Safe), "ddl_statements", len(ddl))
	}
}

// logOnlySinkAdapter is the default schemaeval.SinkAdapter: it logs the
// generated DDL instead of applying it, for sinks with no adapter wired.
// The schema registry version is recorded regardless of this adapter's
// presence; only physical DDL application is skipped.
type logOnlySinkAdapter struct {
	jobID string
}

func (a logOnlySinkAdapter) ApplyDDL(_ context.Context, tableName string, statements []string) error {
	for _, stmt := range statements {
		slog.Info("sink ddl (no adapter wired, logging only)", "job_id", a.jobID, "table", tableName, "ddl", stmt)
	}
	return nil
}

func isStaleResumeTokenError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "ChangeStreamHistoryLost") ||
		strings.Contains(s, "resume token") ||
		strings.Contains(s, "oplog") ||
		strings.Contains(s, "invalidate")
}
