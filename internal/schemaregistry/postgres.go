package schemaregistry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.lakestream.dev/cdc/internal/common/repository"
	"go.lakestream.dev/cdc/internal/schemaeval"
)

// PostgresRegistry implements Registry over a database/sql connection
// pool, storing each table's schema and change set as JSONB documents.
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry wraps an already-opened *sql.DB and ensures the
// backing table exists.
func NewPostgresRegistry(ctx context.Context, db *sql.DB) (*PostgresRegistry, error) {
	r := &PostgresRegistry{db: db}
	if err := r.createSchema(ctx); err != nil {
		return nil, fmt.Errorf("schemaregistry: create schema: %w", err)
	}
	return r, nil
}

func (r *PostgresRegistry) createSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_versions (
			id           BIGSERIAL PRIMARY KEY,
			table_name   TEXT NOT NULL,
			version      INTEGER NOT NULL,
			schema       JSONB NOT NULL,
			changes      JSONB,
			change_type  TEXT,
			applied_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			applied_by   TEXT,
			rollback_sql TEXT,
			UNIQUE (table_name, version)
		)
	`)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_schema_versions_table_name
		ON schema_versions (table_name, version DESC)
	`)
	return err
}

// RegisterVersion computes the next version number and the worst-of
// change type inside a single transaction, so two concurrent registrations
// for the same table never race onto the same version number.
func (r *PostgresRegistry) RegisterVersion(ctx context.Context, tableName string, schema schemaeval.Schema, changes []schemaeval.Change, appliedBy, rollbackSQL string) (int, error) {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return 0, fmt.Errorf("schemaregistry: marshal schema: %w", err)
	}
	changesJSON, err := json.Marshal(toChangeRecords(changes))
	if err != nil {
		return 0, fmt.Errorf("schemaregistry: marshal changes: %w", err)
	}
	changeType := worstOf(changes)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("schemaregistry: begin tx: %w", err)
	}
	defer tx.Rollback()

	var maxVersion sql.NullInt64
	row := tx.QueryRowContext(ctx, `
		SELECT MAX(version) FROM schema_versions WHERE table_name = $1
	`, tableName)
	if err := row.Scan(&maxVersion); err != nil {
		return 0, fmt.Errorf("schemaregistry: read max version: %w", err)
	}

	newVersion := 1
	if maxVersion.Valid {
		newVersion = int(maxVersion.Int64) + 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO schema_versions (table_name, version, schema, changes, change_type, applied_at, applied_by, rollback_sql)
		VALUES ($1, $2, $3, $4, $5, now(), $6, $7)
	`, tableName, newVersion, schemaJSON, changesJSON, string(changeType), appliedBy, nullableText(rollbackSQL))
	if err != nil {
		return 0, fmt.Errorf("schemaregistry: insert version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("schemaregistry: commit: %w", err)
	}

	return newVersion, nil
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *PostgresRegistry) LatestSchema(ctx context.Context, tableName string) (schemaeval.Schema, error) {
	return repository.Instrument(ctx, "schema_versions", "latest_schema", func() (schemaeval.Schema, error) {
		var raw []byte
		row := r.db.QueryRowContext(ctx, `
			SELECT schema FROM schema_versions
			WHERE table_name = $1
			ORDER BY version DESC
			LIMIT 1
		`, tableName)
		if err := row.Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}
		var schema schemaeval.Schema
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("schemaregistry: unmarshal schema: %w", err)
		}
		return schema, nil
	})
}

func (r *PostgresRegistry) Schema(ctx context.Context, tableName string, version int) (schemaeval.Schema, error) {
	return repository.Instrument(ctx, "schema_versions", "get_schema", func() (schemaeval.Schema, error) {
		var raw []byte
		row := r.db.QueryRowContext(ctx, `
			SELECT schema FROM schema_versions WHERE table_name = $1 AND version = $2
		`, tableName, version)
		if err := row.Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}
		var schema schemaeval.Schema
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("schemaregistry: unmarshal schema: %w", err)
		}
		return schema, nil
	})
}

func (r *PostgresRegistry) VersionHistory(ctx context.Context, tableName string) ([]Version, error) {
	return repository.Instrument(ctx, "schema_versions", "version_history", func() ([]Version, error) {
		rows, err := r.db.QueryContext(ctx, `
			SELECT version, schema, changes, change_type, applied_at, applied_by, COALESCE(rollback_sql, '')
			FROM schema_versions
			WHERE table_name = $1
			ORDER BY version ASC
		`, tableName)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var versions []Version
		for rows.Next() {
			var (
				v           Version
				schemaRaw   []byte
				changesRaw  []byte
				changeType  string
				appliedAt   time.Time
				appliedBy   sql.NullString
				rollbackSQL string
			)
			if err := rows.Scan(&v.Version, &schemaRaw, &changesRaw, &changeType, &appliedAt, &appliedBy, &rollbackSQL); err != nil {
				return nil, err
			}
			if err := json.Unmarshal(schemaRaw, &v.Schema); err != nil {
				return nil, fmt.Errorf("schemaregistry: unmarshal schema at version %d: %w", v.Version, err)
			}
			if len(changesRaw) > 0 {
				if err := json.Unmarshal(changesRaw, &v.Changes); err != nil {
					return nil, fmt.Errorf("schemaregistry: unmarshal changes at version %d: %w", v.Version, err)
				}
			}
			v.TableName = tableName
			v.ChangeType = schemaeval.ChangeType(changeType)
			v.AppliedAt = appliedAt
			v.AppliedBy = appliedBy.String
			v.RollbackSQL = rollbackSQL
			versions = append(versions, v)
		}
		return versions, rows.Err()
	})
}

func (r *PostgresRegistry) LatestVersionNumber(ctx context.Context, tableName string) (int, error) {
	return repository.Instrument(ctx, "schema_versions", "latest_version_number", func() (int, error) {
		var maxVersion sql.NullInt64
		row := r.db.QueryRowContext(ctx, `
			SELECT MAX(version) FROM schema_versions WHERE table_name = $1
		`, tableName)
		if err := row.Scan(&maxVersion); err != nil {
			return 0, err
		}
		if !maxVersion.Valid {
			return 0, nil
		}
		return int(maxVersion.Int64), nil
	})
}

func (r *PostgresRegistry) Close() error {
	return r.db.Close()
}
