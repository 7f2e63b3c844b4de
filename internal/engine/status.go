package engine

import "sync"

// Status - жизненный цикл координатора и источников событий.
type Status string

const (
	StatusStopped  Status = "STOPPED"
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusError    Status = "ERROR"
)

// StatusMachine хранит текущий статус и рассылает изменения подписчикам.
// Подписчик всегда видит последнее значение: если он не успел вычитать
// предыдущее, оно заменяется новым.
type StatusMachine struct {
	mu       sync.Mutex
	current  Status
	watchers map[chan Status]struct{}
}

func NewStatusMachine() *StatusMachine {
	return &StatusMachine{
		current:  StatusStopped,
		watchers: make(map[chan Status]struct{}),
	}
}

func (m *StatusMachine) Get() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CompareAndSwap переводит машину в to, только если текущий статус равен from.
func (m *StatusMachine) CompareAndSwap(from, to Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != from {
		return false
	}
	m.setLocked(to)
	return true
}

func (m *StatusMachine) Set(to Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(to)
}

func (m *StatusMachine) setLocked(to Status) {
	if m.current == to {
		return
	}
	m.current = to
	for ch := range m.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- to
	}
}

// Watch возвращает канал изменений (сразу с текущим значением) и функцию отписки.
func (m *StatusMachine) Watch() (<-chan Status, func()) {
	ch := make(chan Status, 1)

	m.mu.Lock()
	ch <- m.current
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, ch)
			m.mu.Unlock()
		})
	}
}
