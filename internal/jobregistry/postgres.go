package jobregistry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.lakestream.dev/cdc/internal/common/repository"
	"go.lakestream.dev/cdc/internal/common/tsid"
)

// PostgresRegistry implements Registry over a database/sql connection
// pool, storing job configs and their execution history in two tables.
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry wraps an already-opened *sql.DB and ensures the
// backing tables exist.
func NewPostgresRegistry(ctx context.Context, db *sql.DB) (*PostgresRegistry, error) {
	r := &PostgresRegistry{db: db}
	if err := r.createSchema(ctx); err != nil {
		return nil, fmt.Errorf("jobregistry: create schema: %w", err)
	}
	return r, nil
}

func (r *PostgresRegistry) createSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS stream_jobs (
			job_id                  TEXT PRIMARY KEY,
			user_id                 TEXT NOT NULL,
			source_uri              TEXT NOT NULL,
			database_name           TEXT NOT NULL,
			collection_name         TEXT NOT NULL,
			filter_pipeline         JSONB,
			sink_table              TEXT NOT NULL,
			sink_base_path          TEXT NOT NULL,
			batch_size              INTEGER NOT NULL,
			batch_interval_seconds  INTEGER NOT NULL,
			enabled                 BOOLEAN NOT NULL DEFAULT true,
			description             TEXT,
			notify_channel          TEXT,
			circuit_breaker_max_failures INTEGER NOT NULL DEFAULT 0,
			circuit_breaker_open_timeout_seconds INTEGER NOT NULL DEFAULT 0,
			created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS stream_job_executions (
			execution_id    TEXT PRIMARY KEY,
			job_id          TEXT NOT NULL REFERENCES stream_jobs (job_id) ON DELETE CASCADE,
			status          TEXT NOT NULL,
			started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at    TIMESTAMPTZ,
			triggered_by    TEXT NOT NULL,
			retry_count     INTEGER NOT NULL DEFAULT 0,
			max_retries     INTEGER NOT NULL DEFAULT 0,
			worker_identity TEXT NOT NULL,
			error_message   TEXT,
			records_written BIGINT NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_stream_job_executions_job_id
		ON stream_job_executions (job_id, started_at DESC)
	`)
	return err
}

func (r *PostgresRegistry) CreateJob(ctx context.Context, cfg JobConfig) error {
	return repository.InstrumentVoid(ctx, "stream_jobs", "create", func() error {
		pipeline, err := json.Marshal(cfg.FilterPipeline)
		if err != nil {
			return fmt.Errorf("jobregistry: marshal filter_pipeline: %w", err)
		}

		_, err = r.db.ExecContext(ctx, `
			INSERT INTO stream_jobs (
				job_id, user_id, source_uri, database_name, collection_name,
				filter_pipeline, sink_table, sink_base_path, batch_size,
				batch_interval_seconds, enabled, description, notify_channel,
				circuit_breaker_max_failures, circuit_breaker_open_timeout_seconds,
				created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now(),now())
		`, cfg.JobID, cfg.UserID, cfg.SourceURI, cfg.Database, cfg.Collection,
			pipeline, cfg.SinkTable, cfg.SinkBasePath, cfg.BatchSize,
			cfg.BatchIntervalSeconds, cfg.Enabled, cfg.Description, cfg.NotifyChannel,
			cfg.CircuitBreaker.MaxFailures, cfg.CircuitBreaker.OpenTimeoutSeconds)

		if isUniqueViolation(err) {
			return ErrDuplicateJob
		}
		return err
	})
}

func (r *PostgresRegistry) GetJob(ctx context.Context, jobID string) (*JobConfig, error) {
	return repository.Instrument(ctx, "stream_jobs", "get", func() (*JobConfig, error) {
		return r.scanJob(ctx, r.db.QueryRowContext(ctx, `
			SELECT job_id, user_id, source_uri, database_name, collection_name,
				filter_pipeline, sink_table, sink_base_path, batch_size,
				batch_interval_seconds, enabled, description, notify_channel,
				circuit_breaker_max_failures, circuit_breaker_open_timeout_seconds,
				created_at, updated_at
			FROM stream_jobs WHERE job_id = $1
		`, jobID))
	})
}

func (r *PostgresRegistry) scanJob(_ context.Context, row *sql.Row) (*JobConfig, error) {
	var (
		cfg         JobConfig
		pipelineRaw []byte
		description sql.NullString
		notifyChan  sql.NullString
	)

	err := row.Scan(&cfg.JobID, &cfg.UserID, &cfg.SourceURI, &cfg.Database, &cfg.Collection,
		&pipelineRaw, &cfg.SinkTable, &cfg.SinkBasePath, &cfg.BatchSize,
		&cfg.BatchIntervalSeconds, &cfg.Enabled, &description, &notifyChan,
		&cfg.CircuitBreaker.MaxFailures, &cfg.CircuitBreaker.OpenTimeoutSeconds,
		&cfg.CreatedAt, &cfg.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if len(pipelineRaw) > 0 {
		if err := json.Unmarshal(pipelineRaw, &cfg.FilterPipeline); err != nil {
			return nil, fmt.Errorf("jobregistry: unmarshal filter_pipeline: %w", err)
		}
	}
	cfg.Description = description.String
	cfg.NotifyChannel = notifyChan.String

	return &cfg, nil
}

func (r *PostgresRegistry) ListJobs(ctx context.Context, userID string) ([]JobConfig, error) {
	return repository.Instrument(ctx, "stream_jobs", "list", func() ([]JobConfig, error) {
		query := `
			SELECT job_id, user_id, source_uri, database_name, collection_name,
				filter_pipeline, sink_table, sink_base_path, batch_size,
				batch_interval_seconds, enabled, description, notify_channel,
				circuit_breaker_max_failures, circuit_breaker_open_timeout_seconds,
				created_at, updated_at
			FROM stream_jobs`
		args := []any{}
		if userID != "" {
			query += " WHERE user_id = $1"
			args = append(args, userID)
		}
		query += " ORDER BY created_at ASC"

		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var jobs []JobConfig
		for rows.Next() {
			var (
				cfg         JobConfig
				pipelineRaw []byte
				description sql.NullString
				notifyChan  sql.NullString
			)
			if err := rows.Scan(&cfg.JobID, &cfg.UserID, &cfg.SourceURI, &cfg.Database, &cfg.Collection,
				&pipelineRaw, &cfg.SinkTable, &cfg.SinkBasePath, &cfg.BatchSize,
				&cfg.BatchIntervalSeconds, &cfg.Enabled, &description, &notifyChan,
				&cfg.CircuitBreaker.MaxFailures, &cfg.CircuitBreaker.OpenTimeoutSeconds,
				&cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
				return nil, err
			}
			if len(pipelineRaw) > 0 {
				if err := json.Unmarshal(pipelineRaw, &cfg.FilterPipeline); err != nil {
					return nil, fmt.Errorf("jobregistry: unmarshal filter_pipeline: %w", err)
				}
			}
			cfg.Description = description.String
			cfg.NotifyChannel = notifyChan.String
			jobs = append(jobs, cfg)
		}
		return jobs, rows.Err()
	})
}

func (r *PostgresRegistry) UpdateJob(ctx context.Context, jobID string, cfg JobConfig) error {
	return repository.InstrumentVoid(ctx, "stream_jobs", "update", func() error {
		pipeline, err := json.Marshal(cfg.FilterPipeline)
		if err != nil {
			return fmt.Errorf("jobregistry: marshal filter_pipeline: %w", err)
		}

		result, err := r.db.ExecContext(ctx, `
			UPDATE stream_jobs SET
				source_uri = $2, database_name = $3, collection_name = $4,
				filter_pipeline = $5, sink_table = $6, sink_base_path = $7,
				batch_size = $8, batch_interval_seconds = $9, enabled = $10,
				description = $11, notify_channel = $12,
				circuit_breaker_max_failures = $13,
				circuit_breaker_open_timeout_seconds = $14,
				updated_at = now()
			WHERE job_id = $1
		`, jobID, cfg.SourceURI, cfg.Database, cfg.Collection, pipeline,
			cfg.SinkTable, cfg.SinkBasePath, cfg.BatchSize, cfg.BatchIntervalSeconds,
			cfg.Enabled, cfg.Description, cfg.NotifyChannel,
			cfg.CircuitBreaker.MaxFailures, cfg.CircuitBreaker.OpenTimeoutSeconds)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *PostgresRegistry) DeleteJob(ctx context.Context, jobID string) error {
	return repository.InstrumentVoid(ctx, "stream_jobs", "delete", func() error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM stream_jobs WHERE job_id = $1`, jobID)
		return err
	})
}

func (r *PostgresRegistry) StartJob(ctx context.Context, jobID, triggeredBy, workerIdentity string) (string, error) {
	return repository.Instrument(ctx, "stream_job_executions", "start", func() (string, error) {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return "", err
		}
		defer tx.Rollback()

		var enabled bool
		row := tx.QueryRowContext(ctx, `SELECT enabled FROM stream_jobs WHERE job_id = $1`, jobID)
		if err := row.Scan(&enabled); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return "", ErrNotFound
			}
			return "", err
		}
		if !enabled {
			return "", ErrJobDisabled
		}

		executionID := tsid.Generate()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stream_job_executions (execution_id, job_id, status, started_at, triggered_by, worker_identity)
			VALUES ($1, $2, $3, now(), $4, $5)
		`, executionID, jobID, string(ExecutionRunning), triggeredBy, workerIdentity)
		if err != nil {
			return "", err
		}

		if err := tx.Commit(); err != nil {
			return "", err
		}
		return executionID, nil
	})
}

func (r *PostgresRegistry) CompleteJob(ctx context.Context, executionID string, status ExecutionStatus, recordsWritten int64, errMsg string) error {
	return repository.InstrumentVoid(ctx, "stream_job_executions", "complete", func() error {
		result, err := r.db.ExecContext(ctx, `
			UPDATE stream_job_executions SET
				status = $2, completed_at = now(), records_written = $3, error_message = $4
			WHERE execution_id = $1 AND completed_at IS NULL
		`, executionID, string(status), recordsWritten, nullableText(errMsg))
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			// Already completed is a no-op; only an unknown execution is an error.
			var exists bool
			if err := r.db.QueryRowContext(ctx, `
				SELECT EXISTS (SELECT 1 FROM stream_job_executions WHERE execution_id = $1)
			`, executionID).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return nil
			}
			return ErrNotFound
		}
		return nil
	})
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *PostgresRegistry) GetJobExecutions(ctx context.Context, jobID string, limit int) ([]JobExecution, error) {
	return repository.Instrument(ctx, "stream_job_executions", "list", func() ([]JobExecution, error) {
		if limit <= 0 {
			limit = 50
		}
		rows, err := r.db.QueryContext(ctx, `
			SELECT execution_id, job_id, status, started_at, completed_at, triggered_by,
				retry_count, max_retries, worker_identity, COALESCE(error_message, ''), records_written
			FROM stream_job_executions
			WHERE job_id = $1
			ORDER BY started_at DESC
			LIMIT $2
		`, jobID, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var executions []JobExecution
		for rows.Next() {
			var (
				e           JobExecution
				status      string
				completedAt sql.NullTime
			)
			if err := rows.Scan(&e.ExecutionID, &e.JobID, &status, &e.StartedAt, &completedAt,
				&e.TriggeredBy, &e.RetryCount, &e.MaxRetries, &e.WorkerIdentity,
				&e.ErrorMessage, &e.RecordsWritten); err != nil {
				return nil, err
			}
			e.Status = ExecutionStatus(status)
			if completedAt.Valid {
				e.CompletedAt = &completedAt.Time
			}
			executions = append(executions, e)
		}
		return executions, rows.Err()
	})
}

func (r *PostgresRegistry) GetJobMetrics(ctx context.Context, jobID string, days int) (JobMetrics, error) {
	return repository.Instrument(ctx, "stream_job_executions", "metrics", func() (JobMetrics, error) {
		if days <= 0 {
			days = 7
		}
		since := time.Duration(days) * 24 * time.Hour

		row := r.db.QueryRowContext(ctx, `
			SELECT
				COUNT(*),
				COUNT(*) FILTER (WHERE status = $2),
				COUNT(*) FILTER (WHERE status = $3),
				COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at))) FILTER (WHERE completed_at IS NOT NULL), 0),
				COALESCE(AVG(records_written / GREATEST(EXTRACT(EPOCH FROM (completed_at - started_at)), 1)) FILTER (WHERE completed_at IS NOT NULL), 0)
			FROM stream_job_executions
			WHERE job_id = $1 AND started_at > now() - $4::interval
		`, jobID, string(ExecutionSuccess), string(ExecutionFailed), fmt.Sprintf("%d seconds", int(since.Seconds())))

		var (
			total, success, failure int
			avgDurationSeconds      float64
			avgRecordsPerSec        float64
		)
		if err := row.Scan(&total, &success, &failure, &avgDurationSeconds, &avgRecordsPerSec); err != nil {
			return JobMetrics{}, err
		}

		errorRate := 0.0
		if total > 0 {
			errorRate = float64(failure) / float64(total)
		}

		return JobMetrics{
			JobID:                jobID,
			WindowDays:           days,
			TotalExecutions:      total,
			SuccessCount:         success,
			FailureCount:         failure,
			AverageDuration:      time.Duration(avgDurationSeconds * float64(time.Second)),
			ErrorRate:            errorRate,
			AverageRecordsPerSec: avgRecordsPerSec,
		}, nil
	})
}

func (r *PostgresRegistry) Close() error {
	return r.db.Close()
}

// isUniqueViolation recognizes a Postgres unique-constraint violation from
// its driver-opaque error text. database/sql does not expose structured
// driver errors, so this is string matching against the standard
// "duplicate key value violates unique constraint" / SQLSTATE 23505 text
// any PostgreSQL driver surfaces.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "23505") ||
		strings.Contains(msg, "unique constraint")
}
