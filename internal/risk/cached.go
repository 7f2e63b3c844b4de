package risk

import (
	"context"
	"strings"

	"github.com/xela07ax/signal-risk-engine/internal/cache"
	"github.com/xela07ax/signal-risk-engine/internal/domain"
	"github.com/xela07ax/signal-risk-engine/internal/engine"
)

const TargetURL = "url"

// Evaluator - любой скорер URL.
type Evaluator interface {
	Evaluate(ctx context.Context, rawURL string) domain.RiskVerdict
}

// CachedScorer мемоизирует вердикты по нормализованному URL.
type CachedScorer struct {
	next    Evaluator
	cache   *cache.ResultCache[domain.RiskVerdict]
	metrics *engine.Metrics
}

func NewCachedScorer(next Evaluator, c *cache.ResultCache[domain.RiskVerdict], metrics *engine.Metrics) *CachedScorer {
	if metrics == nil {
		metrics = engine.NewMetrics(nil)
	}
	return &CachedScorer{next: next, cache: c, metrics: metrics}
}

func (s *CachedScorer) Evaluate(ctx context.Context, rawURL string) domain.RiskVerdict {
	key := cache.NewKey(TargetURL, normalizeURLKey(rawURL))
	if v, ok := s.cache.Get(key); ok {
		s.metrics.CacheOperations.WithLabelValues("hit").Inc()
		return cloneVerdict(v)
	}
	s.metrics.CacheOperations.WithLabelValues("miss").Inc()

	v := s.next.Evaluate(ctx, rawURL)
	s.cache.Put(key, cloneVerdict(v))
	return v
}

// Invalidate выбрасывает закэшированный вердикт URL, например после обновления фида.
func (s *CachedScorer) Invalidate(rawURL string) bool {
	return s.cache.Invalidate(cache.NewKey(TargetURL, normalizeURLKey(rawURL)))
}

// Cache - доступ к статистике для API.
func (s *CachedScorer) Cache() *cache.ResultCache[domain.RiskVerdict] { return s.cache }

func normalizeURLKey(rawURL string) string {
	return strings.TrimRight(strings.TrimSpace(rawURL), "/")
}

// Вызывающий может дописать details, кэш от этого страдать не должен.
func cloneVerdict(v domain.RiskVerdict) domain.RiskVerdict {
	if v.Details != nil {
		d := make(map[string]string, len(v.Details))
		for k, val := range v.Details {
			d[k] = val
		}
		v.Details = d
	}
	return v
}
