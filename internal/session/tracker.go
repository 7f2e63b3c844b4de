// Package session хранит текущий снимок пользовательской сессии.
package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
)

// Tracker - текущий снимок плюс рассылка изменений подписчикам.
// Медленный подписчик получает только последний снимок.
type Tracker struct {
	mu      sync.RWMutex
	current *domain.SessionContext
	subs    map[chan domain.SessionContext]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{subs: make(map[chan domain.SessionContext]struct{})}
}

// Current возвращает копию снимка или nil, если сессии еще нет.
func (t *Tracker) Current() *domain.SessionContext {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil {
		return nil
	}
	snap := *t.current
	return &snap
}

// Update заменяет снимок. Пустой SessionID генерируется.
func (t *Tracker) Update(s domain.SessionContext) domain.SessionContext {
	if s.SessionID == "" {
		s.SessionID = uuid.NewString()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = &s
	for ch := range t.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
	return s
}

// Subscribe возвращает канал снимков и функцию отписки.
func (t *Tracker) Subscribe() (<-chan domain.SessionContext, func()) {
	ch := make(chan domain.SessionContext, 1)

	t.mu.Lock()
	if t.current != nil {
		ch <- *t.current
	}
	t.subs[ch] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, ch)
			t.mu.Unlock()
		})
	}
}
