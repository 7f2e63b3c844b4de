// Package cache хранит результаты дорогих оценок риска.
//
// Ограниченный кэш с TTL: при переполнении вытесняется одна самая старая по
// времени вставки запись. Все операции под одним мьютексом, потому что кэш
// дергают параллельные точки скоринга.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

const (
	DefaultTTL      = 15 * time.Minute
	DefaultCapacity = 100
)

// Key - тип цели плюс нормализованная строка цели.
type Key struct {
	TargetType string
	Target     string
}

// NewKey нормализует цель: обрезка пробелов и нижний регистр.
func NewKey(targetType, target string) Key {
	return Key{
		TargetType: strings.ToLower(strings.TrimSpace(targetType)),
		Target:     strings.ToLower(strings.TrimSpace(target)),
	}
}

type entry[V any] struct {
	key        Key
	value      V
	insertedAt time.Time
}

// Stats - диагностические счетчики. Сбрасываются независимо от содержимого.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
	Size      int   `json:"size"`
}

type ResultCache[V any] struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	order    *list.List // front - самая старая вставка
	items    map[Key]*list.Element
	stats    Stats
	now      func() time.Time
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock подменяет часы (для тестов TTL).
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func New[V any](ttl time.Duration, capacity int, opts ...Option) *ResultCache[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ResultCache[V]{
		ttl:      ttl,
		capacity: capacity,
		order:    list.New(),
		items:    make(map[Key]*list.Element, capacity),
		now:      o.now,
	}
}

// Get возвращает значение, только если возраст записи в пределах TTL.
// Протухшая запись удаляется и считается промахом.
func (c *ResultCache[V]) Get(key Key) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}

	e := el.Value.(*entry[V])
	if c.now().Sub(e.insertedAt) > c.ttl {
		c.removeLocked(el)
		c.stats.Expired++
		c.stats.Misses++
		return zero, false
	}

	c.stats.Hits++
	return e.value, true
}

// Put вставляет или перезаписывает значение. Перезапись обновляет время вставки.
func (c *ResultCache[V]) Put(key Key, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		e.value = value
		e.insertedAt = now
		c.order.MoveToBack(el)
		return
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Front(); oldest != nil {
			c.removeLocked(oldest)
			c.stats.Evictions++
		}
	}

	c.items[key] = c.order.PushBack(&entry[V]{key: key, value: value, insertedAt: now})
}

// Invalidate удаляет запись. false - записи не было.
func (c *ResultCache[V]) Invalidate(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if ok {
		c.removeLocked(el)
	}
	return ok
}

func (c *ResultCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear очищает содержимое, счетчики не трогает.
func (c *ResultCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[Key]*list.Element, c.capacity)
}

func (c *ResultCache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.order.Len()
	return s
}

// ResetStats обнуляет счетчики, содержимое остается.
func (c *ResultCache[V]) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = Stats{}
}

func (c *ResultCache[V]) removeLocked(el *list.Element) {
	e := el.Value.(*entry[V])
	delete(c.items, e.key)
	c.order.Remove(el)
}
