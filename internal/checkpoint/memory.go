package checkpoint

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// MemoryStore is an in-process Store for tests and cold local development.
// All checkpoints are lost on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Checkpoint
}

// NewMemoryStore creates a new in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Checkpoint)}
}

func memKey(jobID, collection string) string { return jobID + "\x00" + collection }

func (s *MemoryStore) SaveCheckpoint(_ context.Context, jobID, collection string, token bson.Raw, lastEventTime *time.Time, recordsProcessed int64) error {
	if err := validateToken(token); err != nil {
		checkpointSaves.WithLabelValues("invalid").Inc()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make(bson.Raw, len(token))
	copy(copied, token)

	now := time.Now().UTC()
	existing, ok := s.items[memKey(jobID, collection)]
	createdAt := now
	if ok {
		createdAt = existing.CreatedAt
	}

	s.items[memKey(jobID, collection)] = &Checkpoint{
		JobID:            jobID,
		Collection:       collection,
		ResumeToken:      copied,
		LastEventTime:    lastEventTime,
		RecordsProcessed: recordsProcessed,
		CreatedAt:        createdAt,
		UpdatedAt:        now,
	}

	checkpointSaves.WithLabelValues("success").Inc()
	return nil
}

func (s *MemoryStore) LoadCheckpoint(_ context.Context, jobID, collection string) (bson.Raw, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.items[memKey(jobID, collection)]
	if !ok {
		checkpointLoads.WithLabelValues("not_found").Inc()
		return nil, nil
	}

	checkpointLoads.WithLabelValues("success").Inc()
	copied := make(bson.Raw, len(cp.ResumeToken))
	copy(copied, cp.ResumeToken)
	return copied, nil
}

func (s *MemoryStore) LoadRecordsProcessed(_ context.Context, jobID, collection string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.items[memKey(jobID, collection)]
	if !ok {
		return 0, nil
	}
	return cp.RecordsProcessed, nil
}

func (s *MemoryStore) DeleteCheckpoint(_ context.Context, jobID, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, memKey(jobID, collection))
	return nil
}

func (s *MemoryStore) Close() error { return nil }
