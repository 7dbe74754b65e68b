package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.mongodb.org/mongo-driver/bson"

	"go.lakestream.dev/cdc/internal/common/repository"
)

// PostgresStore implements Store over a database/sql connection pool.
// Like the platform's outbox Postgres repository, it uses a plain
// SELECT/UPSERT with no explicit row lock: exactly one watcher owns a given
// (job_id, collection) checkpoint at a time, enforced upstream by the
// supervisor's single-writer-per-job rule, so the lock would only guard
// against a bug, not a legitimate concurrent writer.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-opened *sql.DB (pgx/v5/stdlib or any
// other database/sql-compatible PostgreSQL driver) and ensures the backing
// table exists.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.createSchema(ctx); err != nil {
		return nil, fmt.Errorf("checkpoint: create schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS cdc_checkpoints (
			id                BIGSERIAL PRIMARY KEY,
			job_id            TEXT NOT NULL,
			collection        TEXT NOT NULL,
			resume_token      BYTEA NOT NULL,
			last_event_time   TIMESTAMPTZ,
			records_processed BIGINT NOT NULL DEFAULT 0,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (job_id, collection)
		)
	`)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_cdc_checkpoints_updated_at
		ON cdc_checkpoints (updated_at)
	`)
	return err
}

// SaveCheckpoint upserts the checkpoint, making up to 3 attempts on
// transient backend failures with exponential backoff (1s -> 10s).
func (s *PostgresStore) SaveCheckpoint(ctx context.Context, jobID, collection string, token bson.Raw, lastEventTime *time.Time, recordsProcessed int64) error {
	if err := validateToken(token); err != nil {
		checkpointSaves.WithLabelValues("invalid").Inc()
		return err
	}

	err := withRetry(ctx, isTransientPostgresError, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO cdc_checkpoints (job_id, collection, resume_token, last_event_time, records_processed, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, now(), now())
			ON CONFLICT (job_id, collection) DO UPDATE SET
				resume_token      = EXCLUDED.resume_token,
				last_event_time   = EXCLUDED.last_event_time,
				records_processed = EXCLUDED.records_processed,
				updated_at        = now()
		`, jobID, collection, []byte(token), lastEventTime, recordsProcessed)
		return execErr
	})

	if err != nil {
		checkpointSaves.WithLabelValues("error").Inc()
		return newError(KindTransientBackend, err)
	}

	checkpointSaves.WithLabelValues("success").Inc()
	return nil
}

// LoadCheckpoint returns the latest token or (nil, nil) on not-found or a
// corrupted stored value; either case is a legitimate cold start.
func (s *PostgresStore) LoadCheckpoint(ctx context.Context, jobID, collection string) (bson.Raw, error) {
	var raw []byte

	err := withRetry(ctx, isTransientPostgresError, func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT resume_token FROM cdc_checkpoints WHERE job_id = $1 AND collection = $2
		`, jobID, collection)
		return row.Scan(&raw)
	})

	if errors.Is(err, sql.ErrNoRows) {
		checkpointLoads.WithLabelValues("not_found").Inc()
		return nil, nil
	}
	if err != nil {
		checkpointLoads.WithLabelValues("error").Inc()
		return nil, newError(KindTransientBackend, err)
	}

	token := bson.Raw(raw)
	if validateErr := validateToken(token); validateErr != nil {
		slog.Warn("checkpoint: stored resume token is corrupted, cold-starting",
			"job_id", jobID, "collection", collection, "error", validateErr)
		checkpointLoads.WithLabelValues("invalid").Inc()
		return nil, nil
	}

	checkpointLoads.WithLabelValues("success").Inc()
	return token, nil
}

// LoadRecordsProcessed reads the cumulative counter without touching the
// resume token, for status/metrics surfaces that don't need the raw bytes.
func (s *PostgresStore) LoadRecordsProcessed(ctx context.Context, jobID, collection string) (int64, error) {
	return repository.Instrument(ctx, "cdc_checkpoints", "load_records_processed", func() (int64, error) {
		var count int64
		row := s.db.QueryRowContext(ctx, `
			SELECT records_processed FROM cdc_checkpoints WHERE job_id = $1 AND collection = $2
		`, jobID, collection)
		err := row.Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return count, err
	})
}

// DeleteCheckpoint removes the row; used only during job teardown or an
// operator-initiated reset (the admin surface's checkpoint-reset endpoint).
func (s *PostgresStore) DeleteCheckpoint(ctx context.Context, jobID, collection string) error {
	return repository.InstrumentVoid(ctx, "cdc_checkpoints", "delete", func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM cdc_checkpoints WHERE job_id = $1 AND collection = $2
		`, jobID, collection)
		return err
	})
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// isTransientPostgresError distinguishes recoverable connection-level
// failures from integrity violations (SQLSTATE class 23, e.g. constraint
// errors) and authorization failures (class 28), which must surface
// immediately rather than be retried. Anything that is not a recognizably
// permanent failure is treated as retryable.
func isTransientPostgresError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (strings.HasPrefix(pgErr.Code, "23") || strings.HasPrefix(pgErr.Code, "28")) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
