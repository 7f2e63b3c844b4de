// Package memory - хранилища в оперативной памяти для demo-режима и тестов конвейера.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
)

type EventStore struct {
	mu     sync.RWMutex
	events []domain.Event
}

func NewEventStore() *EventStore {
	return &EventStore{}
}

func (s *EventStore) Insert(_ context.Context, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *EventStore) InsertMany(_ context.Context, events []domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

// Query возвращает события ключа в интервале [start, end], упорядоченные по времени.
func (s *EventStore) Query(_ context.Context, key domain.BaselineKey, start, end time.Time) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Event
	for _, ev := range s.events {
		if ev.ActorID != key.ActorID || ev.ResourceType != key.Resource {
			continue
		}
		if ev.Timestamp.Before(start) || ev.Timestamp.After(end) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *EventStore) DistinctKeys(_ context.Context) ([]domain.BaselineKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[domain.BaselineKey]struct{})
	var out []domain.BaselineKey
	for _, ev := range s.events {
		k := ev.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out, nil
}

// PurgeOlderThan удаляет события строго старше порога и возвращает их количество.
func (s *EventStore) PurgeOlderThan(_ context.Context, threshold time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var purged int64
	for _, ev := range s.events {
		if ev.Timestamp.Before(threshold) {
			purged++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	return purged, nil
}

func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
