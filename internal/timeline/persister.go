package timeline

/*
Persister вычитывает timeline-полосу координатора и пишет каждое событие в хранилище.

- Каждое событие пишется отдельно; ошибка записи логируется, событие теряется, без ретраев.
  Потеря одной телеметрической записи допустима, зависший конвейер недопустим.
- После записи (успешной или нет) всегда отправляется запрос на пересчет baseline:
  пересчет управляется фактом прихода события, а не успехом записи.
*/

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
	"github.com/xela07ax/signal-risk-engine/internal/engine"
)

// EventWriter определяет, куда физически сохраняются события
type EventWriter interface {
	Insert(ctx context.Context, ev domain.Event) error
}

// RefreshRequester - получатель запросов на пересчет baseline.
type RefreshRequester interface {
	Request(key domain.BaselineKey)
}

const DefaultWriteTimeout = 5 * time.Second

type Persister struct {
	in           <-chan domain.Event
	repo         EventWriter
	refresher    RefreshRequester
	writeTimeout time.Duration
	metrics      *engine.Metrics
	logger       *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPersister(in <-chan domain.Event, repo EventWriter, refresher RefreshRequester, writeTimeout time.Duration, metrics *engine.Metrics, logger *zap.Logger) *Persister {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	if metrics == nil {
		metrics = engine.NewMetrics(nil)
	}
	return &Persister{
		in:           in,
		repo:         repo,
		refresher:    refresher,
		writeTimeout: writeTimeout,
		metrics:      metrics,
		logger:       logger.With(zap.String("mod", "persister")),
	}
}

// Start идемпотентен.
func (p *Persister) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.worker(runCtx)
}

// Stop идемпотентен: отменяет цикл и ждет текущую запись.
func (p *Persister) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.cancel = nil
	p.wg.Wait()
	p.logger.Info("persister stopped")
}

func (p *Persister) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.in:
			if !ok {
				p.logger.Info("timeline closed, persister exiting")
				return
			}
			p.handle(ctx, ev)
		}
	}
}

func (p *Persister) handle(ctx context.Context, ev domain.Event) {
	// refresh отправляется в любом случае, даже если запись упала в панику
	defer p.refresher.Request(ev.Key())
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event write panicked", zap.String("id", ev.ID), zap.Any("panic", r))
			p.metrics.PersistFailures.Inc()
		}
	}()

	wCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.writeTimeout)
	defer cancel()

	if err := p.repo.Insert(wCtx, ev); err != nil {
		p.metrics.PersistFailures.Inc()
		p.logger.Error("event write failed, dropping",
			zap.String("id", ev.ID),
			zap.String("actor_id", ev.ActorID),
			zap.String("resource", string(ev.ResourceType)),
			zap.Error(err),
		)
	}
}
