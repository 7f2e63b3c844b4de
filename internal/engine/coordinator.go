package engine

/*
Координатор событий: сводит N независимых источников в две полосы.

- Timeline - большая полоса для персистентной истории (Persister -> Baseline).
- Hot - маленькая полоса только для ресурсов высокого приоритета (алерты).

Обе полосы работают по принципу drop-oldest: производитель никогда не блокируется.
Отказ источника (Start, поток, паника) гасится на границе его горутины и не
затрагивает ни координатор, ни соседние источники.
*/

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
)

var ErrNoSources = errors.New("engine: no event sources configured")

const (
	LaneTimeline = "timeline"
	LaneHot      = "hot"

	DefaultTimelineBuffer = 256
	DefaultHotBuffer      = 32
)

type CoordinatorConfig struct {
	TimelineBuffer int
	HotBuffer      int
	HighPriority   []domain.ResourceType
}

type Coordinator struct {
	sources      []EventSource
	session      SessionProvider
	highPriority map[domain.ResourceType]struct{}
	timeline     *Lane[domain.Event]
	hot          *Lane[domain.Event]
	status       *StatusMachine
	metrics      *Metrics
	logger       *zap.Logger

	mu     sync.Mutex // сериализует Start/Stop
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCoordinator(cfg CoordinatorConfig, sources []EventSource, session SessionProvider, metrics *Metrics, logger *zap.Logger) *Coordinator {
	if cfg.TimelineBuffer <= 0 {
		cfg.TimelineBuffer = DefaultTimelineBuffer
	}
	if cfg.HotBuffer <= 0 {
		cfg.HotBuffer = DefaultHotBuffer
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	hp := make(map[domain.ResourceType]struct{}, len(cfg.HighPriority))
	for _, r := range cfg.HighPriority {
		hp[r] = struct{}{}
	}

	c := &Coordinator{
		sources:      sources,
		session:      session,
		highPriority: hp,
		timeline:     NewLane[domain.Event](LaneTimeline, cfg.TimelineBuffer),
		hot:          NewLane[domain.Event](LaneHot, cfg.HotBuffer),
		status:       NewStatusMachine(),
		metrics:      metrics,
		logger:       logger.With(zap.String("mod", "coordinator")),
	}
	onDrop := func(lane string) { metrics.LaneDropped.WithLabelValues(lane).Inc() }
	c.timeline.OnDrop(onDrop)
	c.hot.OnDrop(onDrop)
	return c
}

// Timeline - полоса для Persister.
func (c *Coordinator) Timeline() <-chan domain.Event { return c.timeline.C() }

// Hot - полоса для быстрых алертов.
func (c *Coordinator) Hot() <-chan domain.Event { return c.hot.C() }

func (c *Coordinator) Status() Status { return c.status.Get() }

func (c *Coordinator) WatchStatus() (<-chan Status, func()) { return c.status.Watch() }

// LaneStats - вытеснения по полосам (для диагностики и тестов).
func (c *Coordinator) LaneStats() map[string]uint64 {
	return map[string]uint64{
		LaneTimeline: c.timeline.Dropped(),
		LaneHot:      c.hot.Dropped(),
	}
}

// Start идемпотентен: повторный вызов на работающем координаторе ничего не делает.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.sources) == 0 {
		c.status.Set(StatusError)
		return ErrNoSources
	}

	if !c.status.CompareAndSwap(StatusStopped, StatusStarting) &&
		!c.status.CompareAndSwap(StatusError, StatusStarting) {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	// Источники стартуют до перехода в RUNNING, пересылка идет в отдельных горутинах
	started := 0
	for _, src := range c.sources {
		if err := c.startSource(runCtx, src); err != nil {
			c.logger.Error("source start failed", zap.String("source", src.Name()), zap.Error(err))
			continue
		}
		started++
		c.wg.Add(1)
		go c.forward(runCtx, src)
	}

	c.status.Set(StatusRunning)
	c.logger.Info("coordinator started", zap.Int("sources", len(c.sources)), zap.Int("started", started))
	return nil
}

// startSource гасит панику источника на старте: соседи и координатор не страдают.
// Отказ учитывается один раз: stage=panic или stage=start.
func (c *Coordinator) startSource(ctx context.Context, src EventSource) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.SourceFailures.WithLabelValues(src.Name(), "panic").Inc()
			err = fmt.Errorf("panic in start: %v", r)
		}
	}()
	if err := src.Start(ctx); err != nil {
		c.metrics.SourceFailures.WithLabelValues(src.Name(), "start").Inc()
		return err
	}
	return nil
}

// Stop идемпотентен: отменяет горутины источников, останавливает сами источники и ждет выхода.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		return
	}
	c.cancel()
	c.cancel = nil

	for _, src := range c.sources {
		if err := c.stopSource(src); err != nil {
			c.logger.Warn("source stop failed", zap.String("source", src.Name()), zap.Error(err))
			c.metrics.SourceFailures.WithLabelValues(src.Name(), "stop").Inc()
		}
	}

	c.wg.Wait()
	c.status.Set(StatusStopped)
	c.logger.Info("coordinator stopped")
}

func (c *Coordinator) stopSource(src EventSource) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in stop: %v", r)
		}
	}()
	return src.Stop()
}

func (c *Coordinator) forward(ctx context.Context, src EventSource) {
	defer c.wg.Done()

	name := src.Name()
	log := c.logger.With(zap.String("source", name))

	defer func() {
		if r := recover(); r != nil {
			log.Error("source task panicked", zap.Any("panic", r))
			c.metrics.SourceFailures.WithLabelValues(name, "panic").Inc()
		}
	}()

	events := src.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				log.Info("source stream closed")
				return
			}
			c.publish(name, ev)
		}
	}
}

// publish обогащает событие и раскладывает его по полосам.
func (c *Coordinator) publish(source string, ev domain.Event) {
	if err := ev.Validate(); err != nil {
		c.logger.Warn("event rejected", zap.String("source", source), zap.Error(err))
		c.metrics.EventsRejected.WithLabelValues(source).Inc()
		return
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.SourceID == "" {
		ev.SourceID = source
	}
	if ev.Session == nil && c.session != nil {
		if snap := c.session.Current(); snap != nil {
			ev = ev.WithSession(*snap)
		}
	}

	c.metrics.EventsIngested.WithLabelValues(source).Inc()

	c.timeline.Offer(ev)
	c.metrics.LaneDepth.WithLabelValues(LaneTimeline).Set(float64(c.timeline.Len()))

	if _, ok := c.highPriority[ev.ResourceType]; ok {
		c.hot.Offer(ev)
		c.metrics.LaneDepth.WithLabelValues(LaneHot).Set(float64(c.hot.Len()))
	}
}
