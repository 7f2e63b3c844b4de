package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
)

type BaselineStore struct {
	mu      sync.RWMutex
	records map[domain.BaselineKey]domain.BaselineRecord
}

func NewBaselineStore() *BaselineStore {
	return &BaselineStore{records: make(map[domain.BaselineKey]domain.BaselineRecord)}
}

func (s *BaselineStore) Upsert(_ context.Context, rec domain.BaselineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key] = rec
	return nil
}

func (s *BaselineStore) UpsertMany(_ context.Context, recs []domain.BaselineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		s.records[rec.Key] = rec
	}
	return nil
}

func (s *BaselineStore) Get(_ context.Context, key domain.BaselineKey) (*domain.BaselineRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &rec, nil
}

func (s *BaselineStore) Delete(_ context.Context, key domain.BaselineKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// List отдает все записи, отсортированные по ключу.
func (s *BaselineStore) List(_ context.Context) ([]domain.BaselineRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.BaselineRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}
