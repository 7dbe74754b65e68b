package schemaeval

import (
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// typeCompatibility is the old-type -> new-type compatibility matrix,
// encoding which single-hop type changes are a widening (warning) versus a
// narrowing (breaking). Pairs absent from this table fall through to the
// default rules in classifyTypeChange.
var typeCompatibility = map[[2]FieldType]ChangeType{
	{TypeInteger, TypeFloat}:  ChangeWarning,  // widening
	{TypeInteger, TypeString}: ChangeBreaking, // narrowing
	{TypeFloat, TypeString}:   ChangeBreaking, // narrowing
	{TypeString, TypeInteger}: ChangeBreaking, // narrowing
	{TypeString, TypeFloat}:   ChangeBreaking, // narrowing
	{TypeBoolean, TypeString}: ChangeWarning,  // widening
	{TypeString, TypeBoolean}: ChangeBreaking, // narrowing
}

// Evaluator detects and classifies schema drift between a table's
// last-known Schema and newly observed MongoDB documents.
type Evaluator struct{}

// NewEvaluator constructs an Evaluator. It carries no state of its own;
// schema history lives in the schema registry, passed in per call.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// EvaluateDocument compares a single flattened document against the
// current schema, detecting new fields, removed fields, type changes and
// nullability changes.
func (e *Evaluator) EvaluateDocument(document map[string]any, current Schema) Result {
	var changes []Change

	docFields := extractFields(document, "")

	for name := range docFields {
		if _, ok := current[name]; ok {
			continue
		}
		newType := inferFieldType(document, name)
		changes = append(changes, Change{
			FieldName:   name,
			Type:        ChangeSafe,
			NewType:     newType,
			NewNullable: boolPtr(true),
			Description: fmt.Sprintf("new field %q detected", name),
		})
	}

	for name, field := range current {
		if _, ok := docFields[name]; ok {
			continue
		}
		changeType := ChangeWarning
		if !field.Nullable {
			changeType = ChangeBreaking
		}
		changes = append(changes, Change{
			FieldName:   name,
			Type:        changeType,
			OldType:     field.Type,
			OldNullable: boolPtr(field.Nullable),
			Description: fmt.Sprintf("field %q removed from documents", name),
		})
	}

	for name := range docFields {
		field, ok := current[name]
		if !ok {
			continue
		}

		newType := inferFieldType(document, name)
		newNullable := isFieldNullable(document, name)

		if field.Type != newType {
			changes = append(changes, Change{
				FieldName:   name,
				Type:        classifyTypeChange(field.Type, newType),
				OldType:     field.Type,
				NewType:     newType,
				OldNullable: boolPtr(field.Nullable),
				NewNullable: boolPtr(newNullable),
				Description: fmt.Sprintf("type changed from %s to %s", field.Type, newType),
			})
		}

		if !field.Nullable && newNullable {
			changes = append(changes, Change{
				FieldName:   name,
				Type:        ChangeBreaking,
				OldType:     field.Type,
				NewType:     newType,
				OldNullable: boolPtr(field.Nullable),
				NewNullable: boolPtr(newNullable),
				Description: fmt.Sprintf("field %q became nullable (was required)", name),
			})
		} else if field.Nullable && !newNullable {
			changes = append(changes, Change{
				FieldName:   name,
				Type:        ChangeSafe,
				OldType:     field.Type,
				NewType:     newType,
				OldNullable: boolPtr(field.Nullable),
				NewNullable: boolPtr(newNullable),
				Description: fmt.Sprintf("field %q became required (was nullable)", name),
			})
		}
	}

	return NewResult(changes)
}

// EvaluateBatch evaluates every document in batch against current, merging
// the results and deduplicating identical (field, change type, old type,
// new type) tuples across documents.
func (e *Evaluator) EvaluateBatch(batch []map[string]any, current Schema) Result {
	var merged []Change
	seen := make(map[string]bool)

	for _, doc := range batch {
		result := e.EvaluateDocument(doc, current)
		for _, c := range result.Changes {
			key := fmt.Sprintf("%s|%s|%s|%s", c.FieldName, c.Type, c.OldType, c.NewType)
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, c)
		}
	}

	return NewResult(merged)
}

// IsBreakingChange reports whether c is classified as breaking.
func (e *Evaluator) IsBreakingChange(c Change) bool {
	return c.Type == ChangeBreaking
}

// BuildEvolvedSchema applies the safe and warning changes in changes to
// current, returning a new Schema. Breaking changes are never applied
// automatically; callers must surface them for operator review instead.
func (e *Evaluator) BuildEvolvedSchema(current Schema, changes []Change) Schema {
	evolved := make(Schema, len(current))
	for k, v := range current {
		evolved[k] = v
	}

	for _, c := range changes {
		switch c.Type {
		case ChangeSafe:
			nullable := true
			if c.NewNullable != nil {
				nullable = *c.NewNullable
			}
			newType := c.NewType
			if newType == "" {
				newType = TypeString
			}
			evolved[c.FieldName] = Field{Type: newType, Nullable: nullable}
		case ChangeWarning:
			if existing, ok := evolved[c.FieldName]; ok {
				newType := c.NewType
				if newType == "" {
					newType = existing.Type
				}
				evolved[c.FieldName] = Field{Type: newType, Nullable: existing.Nullable}
			}
		case ChangeBreaking:
			// Intentionally not applied; the supervisor surfaces these
			// through its alerting path instead.
		}
	}

	return evolved
}

func classifyTypeChange(old, new FieldType) ChangeType {
	if ct, ok := typeCompatibility[[2]FieldType{old, new}]; ok {
		return ct
	}
	if old == new {
		return ChangeSafe
	}
	if (old == TypeObject || old == TypeArray) && new == TypeString {
		return ChangeWarning
	}
	if old == TypeString && (new == TypeObject || new == TypeArray) {
		return ChangeBreaking
	}
	return ChangeBreaking
}

// extractFields flattens a document into a set of dot-separated field
// paths, descending into nested objects and into the first element of an
// array of objects the same way a single representative document would be
// sampled.
func extractFields(document map[string]any, prefix string) map[string]struct{} {
	fields := make(map[string]struct{})

	for key, value := range document {
		name := key
		if prefix != "" {
			name = prefix + "." + key
		}

		switch v := value.(type) {
		case map[string]any:
			for f := range extractFields(v, name) {
				fields[f] = struct{}{}
			}
		case []any:
			if len(v) > 0 {
				if nested, ok := v[0].(map[string]any); ok {
					for f := range extractFields(nested, name) {
						fields[f] = struct{}{}
					}
					continue
				}
			}
			fields[name] = struct{}{}
		default:
			fields[name] = struct{}{}
		}
	}

	return fields
}

func inferFieldType(document map[string]any, fieldPath string) FieldType {
	value, ok := navigate(document, fieldPath)
	if !ok || value == nil {
		return TypeString
	}
	return goTypeToFieldType(value)
}

func isFieldNullable(document map[string]any, fieldPath string) bool {
	value, ok := navigate(document, fieldPath)
	if !ok {
		return true
	}
	return value == nil
}

// navigate walks a dot-separated path through nested maps and, for arrays
// of objects, through the first element, mirroring extractFields's
// sampling strategy.
func navigate(document map[string]any, fieldPath string) (any, bool) {
	parts := strings.Split(fieldPath, ".")
	var current any = document

	for _, part := range parts {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[part]
			if !ok {
				return nil, true
			}
			current = val
		case []any:
			if len(v) == 0 {
				return nil, true
			}
			if nested, ok := v[0].(map[string]any); ok {
				val, ok := nested[part]
				if !ok {
					return nil, true
				}
				current = val
			} else {
				current = v[0]
			}
		default:
			return nil, false
		}
	}

	return current, true
}

func goTypeToFieldType(value any) FieldType {
	switch value.(type) {
	case string:
		return TypeString
	case int, int32, int64:
		return TypeInteger
	case float32, float64:
		return TypeFloat
	case bool:
		return TypeBoolean
	case time.Time, primitive.DateTime:
		return TypeDatetime
	case map[string]any:
		return TypeObject
	case []any:
		return TypeArray
	default:
		return TypeString
	}
}

func boolPtr(b bool) *bool { return &b }
