package threatfeed

import (
	"context"
	"strings"
	"sync"
)

// MemoryFeed - L1 фид в оперативной памяти. Используется в тестах, в demo-режиме
// и как локальная копия после прогрева из БД.
type MemoryFeed struct {
	mu    sync.RWMutex
	urls  map[string][]Entry
	hosts map[string][]Entry
}

var _ Feed = (*MemoryFeed)(nil)

func NewMemoryFeed(entries ...Entry) *MemoryFeed {
	f := &MemoryFeed{
		urls:  make(map[string][]Entry),
		hosts: make(map[string][]Entry),
	}
	f.Load(entries)
	return f
}

// Load добавляет записи к уже загруженным.
func (f *MemoryFeed) Load(entries []Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range entries {
		switch e.Kind {
		case KindHost:
			h := NormalizeHost(e.Indicator)
			f.hosts[h] = append(f.hosts[h], e)
		default:
			u := NormalizeURL(e.Indicator)
			f.urls[u] = append(f.urls[u], e)
		}
	}
}

func (f *MemoryFeed) LookupURL(_ context.Context, rawURL string) ([]Entry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	found := f.urls[NormalizeURL(rawURL)]
	return append([]Entry(nil), found...), nil
}

// LookupHost находит записи, чей хост входит подстрокой в запрошенный.
func (f *MemoryFeed) LookupHost(_ context.Context, host string) ([]Entry, error) {
	host = NormalizeHost(host)
	if host == "" {
		return nil, nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []Entry
	for h, entries := range f.hosts {
		if strings.Contains(host, h) {
			out = append(out, entries...)
		}
	}
	return out, nil
}

func (f *MemoryFeed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, e := range f.urls {
		n += len(e)
	}
	for _, e := range f.hosts {
		n += len(e)
	}
	return n
}
