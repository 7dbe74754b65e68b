package schemaregistry

import (
	"context"
	"sync"
	"time"

	"go.lakestream.dev/cdc/internal/schemaeval"
)

// MemoryRegistry is an in-process Registry for tests and cold local
// development. All version history is lost on restart.
type MemoryRegistry struct {
	mu       sync.RWMutex
	versions map[string][]Version
}

// NewMemoryRegistry creates a new in-memory schema registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{versions: make(map[string][]Version)}
}

func (r *MemoryRegistry) RegisterVersion(_ context.Context, tableName string, schema schemaeval.Schema, changes []schemaeval.Change, appliedBy, rollbackSQL string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.versions[tableName]
	newVersion := len(existing) + 1

	schemaCopy := make(schemaeval.Schema, len(schema))
	for k, v := range schema {
		schemaCopy[k] = v
	}

	r.versions[tableName] = append(existing, Version{
		TableName:   tableName,
		Version:     newVersion,
		Schema:      schemaCopy,
		Changes:     toChangeRecords(changes),
		ChangeType:  worstOf(changes),
		AppliedAt:   time.Now().UTC(),
		AppliedBy:   appliedBy,
		RollbackSQL: rollbackSQL,
	})

	return newVersion, nil
}

func (r *MemoryRegistry) LatestSchema(_ context.Context, tableName string) (schemaeval.Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.versions[tableName]
	if len(versions) == 0 {
		return nil, nil
	}
	return versions[len(versions)-1].Schema, nil
}

func (r *MemoryRegistry) Schema(_ context.Context, tableName string, version int) (schemaeval.Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, v := range r.versions[tableName] {
		if v.Version == version {
			return v.Schema, nil
		}
	}
	return nil, nil
}

func (r *MemoryRegistry) VersionHistory(_ context.Context, tableName string) ([]Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.versions[tableName]
	out := make([]Version, len(versions))
	copy(out, versions)
	return out, nil
}

func (r *MemoryRegistry) LatestVersionNumber(_ context.Context, tableName string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.versions[tableName]), nil
}

func (r *MemoryRegistry) Close() error { return nil }
