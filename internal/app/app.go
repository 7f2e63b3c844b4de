// Package app собирает компоненты конвейера из конфигурации. Общий для cmd/engine и cmd/console.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/signal-risk-engine/internal/cache"
	"github.com/xela07ax/signal-risk-engine/internal/connectors"
	"github.com/xela07ax/signal-risk-engine/internal/domain"
	"github.com/xela07ax/signal-risk-engine/internal/engine"
	"github.com/xela07ax/signal-risk-engine/internal/infra"
	"github.com/xela07ax/signal-risk-engine/internal/repository/memory"
	"github.com/xela07ax/signal-risk-engine/internal/repository/postgres"
	"github.com/xela07ax/signal-risk-engine/internal/risk"
	"github.com/xela07ax/signal-risk-engine/internal/threatfeed"
)

// EventStore - история событий: пишет Persister, читает Refresher.
type EventStore interface {
	Insert(ctx context.Context, ev domain.Event) error
	Query(ctx context.Context, key domain.BaselineKey, start, end time.Time) ([]domain.Event, error)
	DistinctKeys(ctx context.Context) ([]domain.BaselineKey, error)
	PurgeOlderThan(ctx context.Context, threshold time.Time) (int64, error)
}

type BaselineStore interface {
	Upsert(ctx context.Context, rec domain.BaselineRecord) error
	Get(ctx context.Context, key domain.BaselineKey) (*domain.BaselineRecord, error)
	Delete(ctx context.Context, key domain.BaselineKey) error
}

type Storage struct {
	Events    EventStore
	Baselines BaselineStore
	// FeedSource - nil без БД.
	FeedSource threatfeed.EntrySource
	DB         *sql.DB
}

// OpenStorage: Postgres, если задан database.url, иначе in-memory.
func OpenStorage(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (*Storage, error) {
	if cfg.URL == "" {
		logger.Warn("database.url is empty, using in-memory storage")
		return &Storage{Events: memory.NewEventStore(), Baselines: memory.NewBaselineStore()}, nil
	}

	db, err := postgres.Open(ctx, cfg.URL, postgres.Options{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		logger.Info("migrations applied")
	}
	return &Storage{
		Events:     postgres.NewEventRepo(db),
		Baselines:  postgres.NewBaselineRepo(db),
		FeedSource: postgres.NewThreatFeedRepo(db),
		DB:         db,
	}, nil
}

func (s *Storage) Ping(ctx context.Context) error {
	if s.DB == nil {
		return nil
	}
	return s.DB.PingContext(ctx)
}

func (s *Storage) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// OpenRedis возвращает nil-клиент без ошибки, если адрес не задан.
func OpenRedis(ctx context.Context, cfg infra.RedisConfig) (redis.UniversalClient, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

func ExecutorConfig(c infra.ExecutorConfig) connectors.ExecutorConfig {
	out := connectors.DefaultExecutorConfig()
	out.MinInterval = c.MinInterval
	out.MaxRetries = c.MaxRetries
	if c.BaseDelay > 0 {
		out.BaseDelay = c.BaseDelay
	}
	if c.RequestTimeout > 0 {
		out.RequestTimeout = c.RequestTimeout
	}
	if c.GlobalRPS > 0 {
		out.GlobalRPS = c.GlobalRPS
		out.GlobalBurst = max(c.GlobalBurst, 1)
	}
	if c.CBConsecutiveFailures > 0 {
		out.CBMaxRequests = c.CBMaxRequests
		out.CBInterval = c.CBInterval
		out.CBTimeout = c.CBTimeout
		out.CBConsecutiveFailures = c.CBConsecutiveFailures
	}
	return out
}

// BuildFeed собирает threat-feed: L1 память, L2 Redis (прогрев из БД) и внешний HTTP фид.
func BuildFeed(ctx context.Context, cfg *infra.Config, store *Storage, rdb redis.UniversalClient, metrics *engine.Metrics, logger *zap.Logger) threatfeed.Feed {
	l1 := threatfeed.NewMemoryFeed()
	feeds := threatfeed.Multi{l1}

	var l2 *threatfeed.RedisFeed
	if rdb != nil {
		l2 = threatfeed.NewRedisFeed(rdb, logger)
		feeds = append(feeds, l2)
	}

	if store.FeedSource != nil && cfg.ThreatFeed.WarmupFromDB {
		if err := threatfeed.Warmup(ctx, store.FeedSource, l1, l2, rdb, logger); err != nil {
			logger.Warn("threat feed warm-up failed", zap.Error(err))
		} else {
			logger.Info("threat feed warmed up", zap.Int("l1_entries", l1.Len()))
		}
	}

	if cfg.ThreatFeed.URL != "" {
		exec := connectors.NewExecutor(nil, ExecutorConfig(cfg.Executor), logger, connectors.WithExecutorMetrics(metrics))
		feeds = append(feeds, connectors.NewHTTPFeed(cfg.ThreatFeed.URL, "remote", exec))
	}
	return feeds
}

// BuildScorer - эвристический скорер URL за кэшем результатов.
func BuildScorer(cfg *infra.Config, feed threatfeed.Feed, metrics *engine.Metrics, logger *zap.Logger) *risk.CachedScorer {
	scorer := risk.NewURLScorer(feed, logger,
		risk.WithThresholds(risk.Thresholds{
			Malicious:  cfg.Scorer.MaliciousThreshold,
			Suspicious: cfg.Scorer.SuspiciousThreshold,
			Low:        cfg.Scorer.LowThreshold,
		}),
		risk.WithAnomalyDetector(risk.NewAnomalyDetector()),
		risk.WithMetrics(metrics),
	)
	return risk.NewCachedScorer(scorer, cache.New[domain.RiskVerdict](cfg.Cache.TTL, cfg.Cache.Capacity), metrics)
}

// Readiness объединяет проверки БД и Redis для /healthz.
func Readiness(store *Storage, rdb redis.UniversalClient) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var errs []error
		if err := store.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				errs = append(errs, fmt.Errorf("redis: %w", err))
			}
		}
		return errors.Join(errs...)
	}
}
