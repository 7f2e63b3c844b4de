package baseline

import (
	"sync"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
)

// coalescingQueue - ограниченная FIFO-очередь ключей без дубликатов.
// Повторный запрос для ключа, который уже ждет своей очереди, схлопывается с ним.
// При переполнении вытесняется самый старый ключ.
type coalescingQueue struct {
	mu       sync.Mutex
	items    []domain.BaselineKey
	pending  map[domain.BaselineKey]struct{}
	capacity int
	ready    chan struct{}
}

func newCoalescingQueue(capacity int) *coalescingQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &coalescingQueue{
		items:    make([]domain.BaselineKey, 0, capacity),
		pending:  make(map[domain.BaselineKey]struct{}, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// Push возвращает true, если ради нового ключа был вытеснен старый.
func (q *coalescingQueue) Push(key domain.BaselineKey) (evicted bool) {
	q.mu.Lock()
	if _, ok := q.pending[key]; ok {
		q.mu.Unlock()
		return false
	}
	if len(q.items) >= q.capacity {
		oldest := q.items[0]
		q.items = q.items[1:]
		delete(q.pending, oldest)
		evicted = true
	}
	q.items = append(q.items, key)
	q.pending[key] = struct{}{}
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return evicted
}

func (q *coalescingQueue) Pop() (domain.BaselineKey, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return domain.BaselineKey{}, false
	}
	key := q.items[0]
	q.items = q.items[1:]
	delete(q.pending, key)
	return key, true
}

func (q *coalescingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready сигналит, что в очереди что-то появилось.
func (q *coalescingQueue) Ready() <-chan struct{} { return q.ready }
