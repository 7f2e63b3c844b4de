package baseline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
	"github.com/xela07ax/signal-risk-engine/internal/engine"
	"github.com/xela07ax/signal-risk-engine/internal/infra"
)

// EventReader - чтение истории событий.
type EventReader interface {
	Query(ctx context.Context, key domain.BaselineKey, start, end time.Time) ([]domain.Event, error)
	DistinctKeys(ctx context.Context) ([]domain.BaselineKey, error)
	PurgeOlderThan(ctx context.Context, threshold time.Time) (int64, error)
}

// Store - хранилище baseline с семантикой upsert.
type Store interface {
	Upsert(ctx context.Context, rec domain.BaselineRecord) error
	Get(ctx context.Context, key domain.BaselineKey) (*domain.BaselineRecord, error)
	Delete(ctx context.Context, key domain.BaselineKey) error
}

const (
	DefaultWindow           = 30 * 24 * time.Hour
	DefaultQueueSize        = 64
	DefaultRecomputeTimeout = 30 * time.Second
)

type Outcome string

const (
	OutcomeUpserted Outcome = "upserted"
	OutcomeDeleted  Outcome = "deleted"
	OutcomeError    Outcome = "error"
)

type Config struct {
	Window           time.Duration
	QueueSize        int
	RecomputeTimeout time.Duration
	HighPriority     []domain.ResourceType
}

// Refresher держит по одной актуальной записи baseline на ключ (actor, resource).
// Запросы идут через схлопывающую очередь в один последовательный воркер;
// RefreshAll обходит очередь, но делит с воркером мьютекс пересчета.
type Refresher struct {
	events       EventReader
	store        Store
	cfg          Config
	highPriority map[domain.ResourceType]struct{}
	queue        *coalescingQueue
	now          func() time.Time
	metrics      *engine.Metrics
	logger       *zap.Logger

	computeMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Refresher)

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(r *Refresher) { r.now = now }
}

func NewRefresher(events EventReader, store Store, cfg Config, metrics *engine.Metrics, logger *zap.Logger, opts ...Option) *Refresher {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.RecomputeTimeout <= 0 {
		cfg.RecomputeTimeout = DefaultRecomputeTimeout
	}
	if metrics == nil {
		metrics = engine.NewMetrics(nil)
	}

	hp := make(map[domain.ResourceType]struct{}, len(cfg.HighPriority))
	for _, res := range cfg.HighPriority {
		hp[res] = struct{}{}
	}

	r := &Refresher{
		events:       events,
		store:        store,
		cfg:          cfg,
		highPriority: hp,
		queue:        newCoalescingQueue(cfg.QueueSize),
		now:          time.Now,
		metrics:      metrics,
		logger:       logger.With(zap.String("mod", "baseline")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Request ставит ключ в очередь пересчета. Никогда не блокирует.
func (r *Refresher) Request(key domain.BaselineKey) {
	if r.queue.Push(key) {
		r.metrics.RefreshQueueDrops.Inc()
	}
	r.metrics.RefreshQueueDepth.Set(float64(r.Pending()))
}

// Pending - сколько ключей ждет пересчета.
func (r *Refresher) Pending() int { return r.queue.Len() }

// Start идемпотентен.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.worker(runCtx)
}

// Stop идемпотентен. Текущий пересчет дорабатывает: запись baseline атомарна.
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.cancel = nil
	r.wg.Wait()
	r.logger.Info("baseline refresher stopped")
}

func (r *Refresher) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.queue.Ready():
			for ctx.Err() == nil {
				key, ok := r.queue.Pop()
				if !ok {
					break
				}
				r.metrics.RefreshQueueDepth.Set(float64(r.Pending()))
				r.safeRecompute(ctx, key)
			}
		}
	}
}

func (r *Refresher) safeRecompute(ctx context.Context, key domain.BaselineKey) {
	rctx, cancel := context.WithTimeout(ctx, r.cfg.RecomputeTimeout)
	defer cancel()
	if _, err := r.Recompute(rctx, key); err != nil {
		r.logger.Warn("baseline recompute failed", zap.Stringer("key", key), zap.Error(err))
	}
}

// Recompute пересчитывает запись ключа с нуля по окну истории.
// Пустое окно - сигнал удалить запись, а не ошибка. Паника хранилища
// возвращается как ошибка и учитывается один раз с исходом error.
func (r *Refresher) Recompute(ctx context.Context, key domain.BaselineKey) (outcome Outcome, err error) {
	r.computeMu.Lock()
	defer r.computeMu.Unlock()

	ctx, span := infra.StartSpan(ctx, "baseline.recompute",
		infra.AttrActor(key.ActorID), infra.AttrResource(string(key.Resource)))
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in baseline recompute", zap.Stringer("key", key), zap.Any("panic", rec))
			err = fmt.Errorf("baseline: recompute %s panicked: %v", key, rec)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			outcome = OutcomeError
		}
		r.metrics.BaselineRecomputes.WithLabelValues(string(outcome)).Inc()
		span.End()
	}()

	now := r.now()
	start := now.Add(-r.cfg.Window)

	events, err := r.events.Query(ctx, key, start, now)
	if err != nil {
		return OutcomeError, fmt.Errorf("baseline: query %s: %w", key, err)
	}

	_, hp := r.highPriority[key.Resource]
	var privacy []domain.Event
	if hp && len(events) > 0 {
		privacyKey := domain.BaselineKey{ActorID: key.ActorID, Resource: domain.ResourceSensorPrivacySwitch}
		privacy, err = r.events.Query(ctx, privacyKey, start, now)
		if err != nil {
			return OutcomeError, fmt.Errorf("baseline: query privacy %s: %w", key.ActorID, err)
		}
	}

	rec, ok := Compute(key, events, privacy, hp, now)
	if !ok {
		if err := r.store.Delete(ctx, key); err != nil {
			return OutcomeError, fmt.Errorf("baseline: delete %s: %w", key, err)
		}
		return OutcomeDeleted, nil
	}

	if err := r.store.Upsert(ctx, rec); err != nil {
		return OutcomeError, fmt.Errorf("baseline: upsert %s: %w", key, err)
	}
	return OutcomeUpserted, nil
}

// RefreshAll пересчитывает все ключи, которые когда-либо встречались.
// Ошибки по отдельным ключам не останавливают обход.
func (r *Refresher) RefreshAll(ctx context.Context) error {
	keys, err := r.events.DistinctKeys(ctx)
	if err != nil {
		return fmt.Errorf("baseline: distinct keys: %w", err)
	}
	return r.refreshKeys(ctx, keys)
}

func (r *Refresher) refreshKeys(ctx context.Context, keys []domain.BaselineKey) error {
	var errs []error
	for _, key := range keys {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := r.Recompute(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	r.logger.Info("baselines refreshed", zap.Int("keys", len(keys)), zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// Maintain удаляет историю старше окна (+1 день запаса) и пересчитывает все ключи.
// Ключи снимаются до очистки, чтобы записи полностью устаревших ключей тоже удалились.
func (r *Refresher) Maintain(ctx context.Context) error {
	keys, err := r.events.DistinctKeys(ctx)
	if err != nil {
		return fmt.Errorf("baseline: distinct keys: %w", err)
	}

	threshold := r.now().Add(-r.cfg.Window - 24*time.Hour)
	purged, purgeErr := r.events.PurgeOlderThan(ctx, threshold)
	if purgeErr != nil {
		r.logger.Warn("failed to purge old events", zap.Error(purgeErr))
		purgeErr = fmt.Errorf("baseline: purge: %w", purgeErr)
	} else if purged > 0 {
		r.logger.Info("purged old events", zap.Int64("count", purged))
	}
	return errors.Join(purgeErr, r.refreshKeys(ctx, keys))
}

// RunMaintenance запускает Maintain по таймеру до отмены контекста.
// Неположительный интервал выключает обслуживание.
func (r *Refresher) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		r.logger.Warn("baseline maintenance disabled", zap.Duration("interval", interval))
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Maintain(ctx); err != nil {
				r.logger.Warn("baseline maintenance finished with errors", zap.Error(err))
			}
		}
	}
}
