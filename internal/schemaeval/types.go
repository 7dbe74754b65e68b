// Package schemaeval classifies schema drift observed in incoming CDC
// documents against a table's last-known field layout, and turns the safe
// subset of that drift into an evolved schema and sink DDL.
package schemaeval

import "fmt"

// ChangeType classifies how a field changed between the last-known schema
// and a newly observed document.
type ChangeType string

const (
	// ChangeSafe is a change that never breaks existing consumers: a new
	// optional field, or tightening a field from nullable to required.
	ChangeSafe ChangeType = "safe"
	// ChangeWarning is a type widening (e.g. integer -> float) or a
	// removed-but-previously-nullable field: consumers should be reviewed
	// but nothing downstream is expected to break immediately.
	ChangeWarning ChangeType = "warning"
	// ChangeBreaking is a type narrowing, a removed required field, or a
	// field that became nullable after being required.
	ChangeBreaking ChangeType = "breaking"
)

// FieldType is the small, sink-agnostic type vocabulary changes are
// classified in terms of, independent of both MongoDB's BSON types and any
// one sink's column types.
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeInteger  FieldType = "integer"
	TypeFloat    FieldType = "float"
	TypeBoolean  FieldType = "boolean"
	TypeDatetime FieldType = "datetime"
	TypeObject   FieldType = "object"
	TypeArray    FieldType = "array"
)

// Field describes one column of a table's last-known schema.
type Field struct {
	Type     FieldType
	Nullable bool
}

// Schema is a table's last-known field layout, keyed by flattened,
// dot-separated field path (e.g. "specs.cpu").
type Schema map[string]Field

// Change is a single detected field-level difference between a Schema and
// an observed document.
type Change struct {
	FieldName   string
	Type        ChangeType
	OldType     FieldType // zero value for newly observed fields
	NewType     FieldType // zero value for removed fields
	OldNullable *bool
	NewNullable *bool
	Description string
}

func (c Change) String() string {
	return fmt.Sprintf("%s: %s (%s -> %s) - %s", c.Type, c.FieldName, orUnknown(c.OldType), orUnknown(c.NewType), c.Description)
}

func orUnknown(t FieldType) string {
	if t == "" {
		return "<none>"
	}
	return string(t)
}

// Result groups the changes detected across one document or one batch,
// bucketed by severity for the caller to branch on without re-scanning.
type Result struct {
	Changes  []Change
	Safe     []Change
	Warning  []Change
	Breaking []Change
}

// NewResult buckets changes into Safe/Warning/Breaking in addition to the
// flat Changes list.
func NewResult(changes []Change) Result {
	r := Result{Changes: changes}
	for _, c := range changes {
		switch c.Type {
		case ChangeSafe:
			r.Safe = append(r.Safe, c)
		case ChangeWarning:
			r.Warning = append(r.Warning, c)
		case ChangeBreaking:
			r.Breaking = append(r.Breaking, c)
		}
	}
	return r
}

func (r Result) HasBreaking() bool { return len(r.Breaking) > 0 }
func (r Result) HasWarning() bool  { return len(r.Warning) > 0 }
func (r Result) HasSafe() bool     { return len(r.Safe) > 0 }
