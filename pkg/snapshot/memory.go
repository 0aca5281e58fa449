package snapshot

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is the default Store: process-local, lost on restart. Used
// when no database is configured and throughout the tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// SavePipeline implements Store.
func (s *MemoryStore) SavePipeline(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Pipeline.ID] = rec
	return nil
}

// LoadPipeline implements Store.
func (s *MemoryStore) LoadPipeline(_ context.Context, pipelineID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[pipelineID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, pipelineID)
	}
	return rec, nil
}

// ListPipelines implements Store. Records come back ordered by pipeline
// creation time.
func (s *MemoryStore) ListPipelines(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Pipeline.CreatedAt.Before(out[j].Pipeline.CreatedAt)
	})
	return out, nil
}

// DeletePipeline implements Store. Deleting an absent snapshot is not an
// error.
func (s *MemoryStore) DeletePipeline(_ context.Context, pipelineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, pipelineID)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
