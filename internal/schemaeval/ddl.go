package schemaeval

import (
	"context"
	"fmt"
)

// SchemaRegistrar is the subset of the schema registry's contract
// EvolveSinkSchema needs to persist a new version. schemaregistry.Registry
// satisfies this interface without schemaeval importing that package.
type SchemaRegistrar interface {
	RegisterVersion(ctx context.Context, tableName string, schema Schema, changes []Change, appliedBy, rollbackSQL string) (int, error)
}

// SinkAdapter applies generated DDL to a physical sink table. Callers
// without a concrete sink wired may pass nil to EvolveSinkSchema; the
// registry update still happens, only the DDL forwarding is skipped.
type SinkAdapter interface {
	ApplyDDL(ctx context.Context, tableName string, statements []string) error
}

// sparkTypeMapping maps a FieldType to the Spark SQL column type used in
// Hudi's ALTER TABLE ADD COLUMN DDL. Unknown types fall back to STRING,
// matching how unrecognized document values are already inferred.
var sparkTypeMapping = map[FieldType]string{
	TypeString:   "STRING",
	TypeInteger:  "BIGINT",
	TypeFloat:    "DOUBLE",
	TypeBoolean:  "BOOLEAN",
	TypeDatetime: "TIMESTAMP",
	TypeObject:   "STRING", // stored as a JSON string
	TypeArray:    "STRING", // stored as a JSON string
}

func mapToSparkType(t FieldType) string {
	if spark, ok := sparkTypeMapping[t]; ok {
		return spark
	}
	return "STRING"
}

// GenerateDDL produces ALTER TABLE ADD COLUMN statements for the safe
// subset of changes. Hudi has no direct ALTER TABLE execution path of its
// own; the physical table picks up new columns on the next write via Spark
// schema inference. The statements are returned to the caller and forwarded
// to a SinkAdapter when one is set; the schema registry does not store them,
// it records only the evolved schema and its changes.
func GenerateDDL(tableName string, changes []Change) []string {
	var ddl []string

	for _, c := range changes {
		if c.Type != ChangeSafe {
			continue
		}

		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", tableName, c.FieldName, mapToSparkType(c.NewType))
		if c.NewNullable != nil && !*c.NewNullable {
			stmt += " NOT NULL"
		}
		ddl = append(ddl, stmt)
	}

	return ddl
}

// EvolveSinkSchema applies changes to current with BuildEvolvedSchema
// (safe changes added, warning changes widening existing fields, breaking
// changes skipped), producing the evolved schema. It records the new version via registrar
// and, if adapter is non-nil, forwards the generated DDL to it. The
// registry update happens whether or not adapter is set; adapter only
// controls whether the DDL is also applied somewhere beyond being
// returned to the caller.
func (e *Evaluator) EvolveSinkSchema(ctx context.Context, tableName string, current Schema, changes []Change, registrar SchemaRegistrar, adapter SinkAdapter, appliedBy, rollbackSQL string) (Schema, []string, error) {
	evolved := e.BuildEvolvedSchema(current, changes)
	ddl := GenerateDDL(tableName, changes)

	if registrar != nil {
		if _, err := registrar.RegisterVersion(ctx, tableName, evolved, changes, appliedBy, rollbackSQL); err != nil {
			return evolved, ddl, fmt.Errorf("register schema version: %w", err)
		}
	}

	if adapter != nil && len(ddl) > 0 {
		if err := adapter.ApplyDDL(ctx, tableName, ddl); err != nil {
			return evolved, ddl, fmt.Errorf("apply ddl to sink: %w", err)
		}
	}

	return evolved, ddl, nil
}
