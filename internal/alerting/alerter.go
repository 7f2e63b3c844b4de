package alerting

/*
Alerter - потребитель горячей полосы координатора.

- URL из события (clipboard, фишинг) прогоняется через скорер; SUSPICIOUS и выше - алерт.
- Доступ к сенсору сверяется с baseline пары (actor, resource): фон там, где
  обычно передний план, и высокие mismatch/override оценки дают алерт.
- Ошибка sink логируется и считается, алерт не повторяется.
*/

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
	"github.com/xela07ax/signal-risk-engine/internal/engine"
	"github.com/xela07ax/signal-risk-engine/internal/risk"
)

const (
	ReasonRiskyURL             = "risky_url"
	ReasonUnexpectedVisibility = "unexpected_visibility"
	ReasonPermissionMismatch   = "permission_mismatch"
	ReasonOverrideConflict     = "override_conflict"

	DefaultScoreThreshold = 0.5
	defaultNotifyTimeout  = 3 * time.Second
)

type Alert struct {
	ID       string               `json:"id"`
	EventID  string               `json:"event_id"`
	ActorID  string               `json:"actor_id"`
	Resource domain.ResourceType  `json:"resource_type"`
	Reason   string               `json:"reason"`
	Score    float64              `json:"score"`
	Status   domain.VerdictStatus `json:"status,omitempty"`
	Details  map[string]string    `json:"details,omitempty"`
	RaisedAt time.Time            `json:"raised_at"`
}

// Sink - куда уходят алерты.
type Sink interface {
	Notify(ctx context.Context, a Alert) error
}

type BaselineReader interface {
	Get(ctx context.Context, key domain.BaselineKey) (*domain.BaselineRecord, error)
}

type Config struct {
	// ScoreThreshold для permission mismatch и override conflict.
	ScoreThreshold float64
	NotifyTimeout  time.Duration
}

type Alerter struct {
	in        <-chan domain.Event
	scorer    risk.Evaluator
	baselines BaselineReader
	sink      Sink
	cfg       Config
	metrics   *engine.Metrics
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAlerter(in <-chan domain.Event, scorer risk.Evaluator, baselines BaselineReader, sink Sink, cfg Config, metrics *engine.Metrics, logger *zap.Logger) *Alerter {
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = DefaultScoreThreshold
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	if metrics == nil {
		metrics = engine.NewMetrics(nil)
	}
	return &Alerter{
		in:        in,
		scorer:    scorer,
		baselines: baselines,
		sink:      sink,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.With(zap.String("mod", "alerter")),
		now:       time.Now,
	}
}

// Start идемпотентен.
func (a *Alerter) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go a.worker(runCtx)
}

func (a *Alerter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel == nil {
		return
	}
	a.cancel()
	a.cancel = nil
	a.wg.Wait()
}

func (a *Alerter) worker(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.in:
			if !ok {
				return
			}
			a.handle(ctx, ev)
		}
	}
}

func (a *Alerter) handle(ctx context.Context, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("alert evaluation panicked", zap.String("event_id", ev.ID), zap.Any("panic", r))
		}
	}()

	for _, alert := range a.Evaluate(ctx, ev) {
		a.metrics.Alerts.WithLabelValues(alert.Reason).Inc()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.NotifyTimeout)
		if err := a.sink.Notify(nctx, alert); err != nil {
			a.logger.Error("alert delivery failed", zap.String("reason", alert.Reason), zap.Error(err))
		}
		cancel()
	}
}

// Evaluate возвращает алерты по событию, ничего не отправляя.
func (a *Alerter) Evaluate(ctx context.Context, ev domain.Event) []Alert {
	var out []Alert

	if raw := ev.Meta(domain.MetaURL); raw != "" && a.scorer != nil {
		v := a.scorer.Evaluate(ctx, raw)
		if v.Status == domain.VerdictSuspicious || v.Status == domain.VerdictMalicious {
			details := map[string]string{"url": raw, "provider": v.Provider}
			if s := v.Details["signals"]; s != "" {
				details["signals"] = s
			}
			out = append(out, a.newAlert(ev, ReasonRiskyURL, v.Score, v.Status, details))
		}
	}

	if a.baselines == nil {
		return out
	}
	rec, err := a.baselines.Get(ctx, ev.Key())
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return out
	case err != nil:
		a.logger.Warn("baseline lookup failed", zap.String("key", ev.Key().String()), zap.Error(err))
		return out
	}

	if rec.ExpectedVisibility != nil && *rec.ExpectedVisibility == domain.VisibilityForeground &&
		ev.Visibility == domain.VisibilityBackground {
		out = append(out, a.newAlert(ev, ReasonUnexpectedVisibility, 1, "", map[string]string{
			"expected": string(*rec.ExpectedVisibility),
			"observed": string(ev.Visibility),
		}))
	}
	if rec.PermissionMismatchScore >= a.cfg.ScoreThreshold {
		out = append(out, a.newAlert(ev, ReasonPermissionMismatch, rec.PermissionMismatchScore, "", nil))
	}
	if rec.OverrideConflictScore >= a.cfg.ScoreThreshold {
		out = append(out, a.newAlert(ev, ReasonOverrideConflict, rec.OverrideConflictScore, "", nil))
	}
	return out
}

func (a *Alerter) newAlert(ev domain.Event, reason string, score float64, status domain.VerdictStatus, details map[string]string) Alert {
	return Alert{
		ID:       uuid.NewString(),
		EventID:  ev.ID,
		ActorID:  ev.ActorID,
		Resource: ev.ResourceType,
		Reason:   reason,
		Score:    score,
		Status:   status,
		Details:  details,
		RaisedAt: a.now(),
	}
}

func (a Alert) String() string {
	return fmt.Sprintf("%s %s/%s score=%.2f", a.Reason, a.ActorID, a.Resource, a.Score)
}
