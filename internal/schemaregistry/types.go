// Package schemaregistry stores the append-only version history of each
// sink table's schema, letting the change-stream watcher and the schema
// evaluator agree on what "current schema" means for a table without
// re-deriving it from the sink on every flush.
package schemaregistry

import (
	"context"
	"time"

	"go.lakestream.dev/cdc/internal/schemaeval"
)

// ChangeRecord is the serialized form of a schemaeval.Change, stored
// alongside the version it produced so the version history can be audited
// without replaying raw documents.
type ChangeRecord struct {
	FieldName   string                `json:"field_name"`
	ChangeType  schemaeval.ChangeType `json:"change_type"`
	OldType     schemaeval.FieldType  `json:"old_type,omitempty"`
	NewType     schemaeval.FieldType  `json:"new_type,omitempty"`
	Description string                `json:"description"`
}

// Version is one immutable row in a table's schema history.
type Version struct {
	TableName   string
	Version     int
	Schema      schemaeval.Schema
	Changes     []ChangeRecord
	ChangeType  schemaeval.ChangeType // worst-of across Changes
	AppliedAt   time.Time
	AppliedBy   string
	RollbackSQL string
}

// Registry is the version-history contract. Implementations must uphold:
//
//	(I1) versions for a table are strictly increasing integers starting
//	     at 1, with no gaps and no two versions sharing a number
//	(I2) RegisterVersion never overwrites an existing version; it always
//	     appends
type Registry interface {
	// RegisterVersion appends a new version for tableName, computing the
	// next version number atomically, and returns it. changeType is the
	// worst-of severity across changes (BREAKING > WARNING > SAFE).
	RegisterVersion(ctx context.Context, tableName string, schema schemaeval.Schema, changes []schemaeval.Change, appliedBy, rollbackSQL string) (int, error)

	// LatestSchema returns the most recently registered schema for
	// tableName, or (nil, nil) if no version has ever been registered.
	LatestSchema(ctx context.Context, tableName string) (schemaeval.Schema, error)

	// Schema returns the schema recorded at a specific version, or
	// (nil, nil) if that (tableName, version) pair does not exist.
	Schema(ctx context.Context, tableName string, version int) (schemaeval.Schema, error)

	// VersionHistory returns every version for tableName in ascending
	// version order.
	VersionHistory(ctx context.Context, tableName string) ([]Version, error)

	// LatestVersionNumber returns the highest registered version number
	// for tableName, or 0 if none exist.
	LatestVersionNumber(ctx context.Context, tableName string) (int, error)

	Close() error
}

// worstOf reduces a set of change classifications to the single most
// severe one, breaking > warning > safe.
func worstOf(changes []schemaeval.Change) schemaeval.ChangeType {
	result := schemaeval.ChangeSafe
	for _, c := range changes {
		switch c.Type {
		case schemaeval.ChangeBreaking:
			return schemaeval.ChangeBreaking
		case schemaeval.ChangeWarning:
			result = schemaeval.ChangeWarning
		}
	}
	return result
}

func toChangeRecords(changes []schemaeval.Change) []ChangeRecord {
	records := make([]ChangeRecord, len(changes))
	for i, c := range changes {
		records[i] = ChangeRecord{
			FieldName:   c.FieldName,
			ChangeType:  c.Type,
			OldType:     c.OldType,
			NewType:     c.NewType,
			Description: c.Description,
		}
	}
	return records
}
