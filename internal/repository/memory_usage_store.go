package repository

import (
	"context"
	"oriel-api/internal/models"
	"oriel-api/internal/pkg/errors"
	"sync"
)

// MemoryUsageStore keeps usage records in an in-process map. It backs
// anonymous identities, which never touch the database, and doubles as the
// tracker's local cache in front of the authoritative store.
type MemoryUsageStore struct {
	mu      sync.RWMutex
	records map[string]*models.UsageRecord
}

func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{
		records: make(map[string]*models.UsageRecord),
	}
}

func (s *MemoryUsageStore) Get(ctx context.Context, identity string) (*models.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[identity]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return record.Clone(), nil
}

func (s *MemoryUsageStore) Put(ctx context.Context, record *models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[record.Identity] = record.Clone()
	return nil
}
