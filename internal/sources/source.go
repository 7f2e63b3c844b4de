// Package sources содержит реализации engine.EventSource: подписку на
// Redis Pub/Sub сенсоров и воспроизведение записанных событий.
package sources

import (
	"context"
	"errors"
	"sync"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
	"github.com/xela07ax/signal-risk-engine/internal/engine"
)

var ErrAlreadyRunning = errors.New("sources: already running")

const defaultStreamBuffer = 64

// base - общий жизненный цикл источника. Каждый Start создает новый канал
// событий, рабочая горутина закрывает его при выходе.
type base struct {
	name      string
	resources []domain.ResourceType
	allowed   map[domain.ResourceType]struct{}
	status    *engine.StatusMachine
	buffer    int

	mu     sync.Mutex
	events chan domain.Event
	cancel context.CancelFunc
	done   chan struct{}
}

func newBase(name string, resources []domain.ResourceType, buffer int) base {
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	allowed := make(map[domain.ResourceType]struct{}, len(resources))
	for _, r := range resources {
		allowed[r] = struct{}{}
	}
	closed := make(chan domain.Event)
	close(closed)
	return base{
		name:      name,
		resources: resources,
		allowed:   allowed,
		status:    engine.NewStatusMachine(),
		buffer:    buffer,
		events:    closed,
	}
}

func (b *base) Name() string { return b.name }

func (b *base) Status() engine.Status { return b.status.Get() }

func (b *base) WatchStatus() (<-chan engine.Status, func()) { return b.status.Watch() }

func (b *base) SupportedResources() []domain.ResourceType {
	out := make([]domain.ResourceType, len(b.resources))
	copy(out, b.resources)
	return out
}

// Events - поток текущего запуска. До первого Start канал уже закрыт.
func (b *base) Events() <-chan domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events
}

// launch запускает run в отдельной горутине с новым каналом.
func (b *base) launch(ctx context.Context, run func(ctx context.Context, out chan<- domain.Event)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		select {
		case <-b.done:
			// предыдущий запуск завершился сам
			b.cancel()
		default:
			return ErrAlreadyRunning
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	out := make(chan domain.Event, b.buffer)
	done := make(chan struct{})
	b.events, b.cancel, b.done = out, cancel, done
	b.status.Set(engine.StatusStarting)

	go func() {
		defer close(done)
		defer close(out)
		run(runCtx, out)
	}()
	return nil
}

// halt идемпотентен: отменяет запуск и ждет выхода горутины.
func (b *base) halt() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	b.status.Set(engine.StatusStopped)
}

// accepts фильтрует события по заявленным ресурсам. Пустой список - без фильтра.
func (b *base) accepts(ev domain.Event) bool {
	if len(b.allowed) == 0 {
		return true
	}
	_, ok := b.allowed[ev.ResourceType]
	return ok
}

// emit отдает событие в поток, блокируясь только до отмены контекста.
func emit(ctx context.Context, out chan<- domain.Event, ev domain.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// prepare нормализует событие источника перед отправкой координатору.
func prepare(ev domain.Event, source string) domain.Event {
	ev.Metadata = domain.SanitizeMetadata(ev.Metadata)
	if ev.SourceID == "" {
		ev.SourceID = source
	}
	return ev
}
