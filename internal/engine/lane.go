package engine

import "sync/atomic"

// Lane - ограниченная очередь с вытеснением самого старого элемента.
// Offer никогда не блокирует производителя: при переполнении выбрасывается голова очереди.
type Lane[T any] struct {
	name    string
	ch      chan T
	dropped atomic.Uint64
	onDrop  func(name string)
}

func NewLane[T any](name string, size int) *Lane[T] {
	if size <= 0 {
		size = 1
	}
	return &Lane[T]{name: name, ch: make(chan T, size)}
}

// Offer кладет элемент в очередь. Возвращает true, если ради него был вытеснен старый.
func (l *Lane[T]) Offer(v T) (evicted bool) {
	for {
		select {
		case l.ch <- v:
			return evicted
		default:
		}

		// Буфер полон: забираем самый старый элемент и пробуем снова.
		// Потребитель мог успеть его вычитать, тогда просто повторяем отправку.
		select {
		case <-l.ch:
			evicted = true
			l.dropped.Add(1)
			if l.onDrop != nil {
				l.onDrop(l.name)
			}
		default:
		}
	}
}

// C - канал для потребителя полосы.
func (l *Lane[T]) C() <-chan T { return l.ch }

func (l *Lane[T]) Name() string { return l.name }
func (l *Lane[T]) Len() int { return len(l.ch) }
func (l *Lane[T]) Cap() int { return cap(l.ch) }
func (l *Lane[T]) Dropped() uint64 { return l.dropped.Load() }

// OnDrop задает хук для метрик. Вызывать до начала публикации.
func (l *Lane[T]) OnDrop(fn func(name string)) { l.onDrop = fn }
