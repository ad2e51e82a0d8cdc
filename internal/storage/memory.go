package storage

import (
	"context"
	"sync"

	"gmmfit/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	records     []model.Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// idempotent so an in-process restart keeps its records
	s.initialized = true
	return nil
}

func (s *MemoryStore) Append(_ context.Context, cp model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp = Stamp(cp)
	cp.Sigma = append([]float64(nil), cp.Sigma...)
	s.records = append(s.records, cp)
	return nil
}

func (s *MemoryStore) Latest(_ context.Context) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.records) == 0 {
		return model.Checkpoint{}, false, nil
	}
	last := s.records[len(s.records)-1]
	last.Sigma = append([]float64(nil), last.Sigma...)
	return last, true, nil
}
