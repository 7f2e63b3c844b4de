package threatfeed

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/signal-risk-engine/internal/infra"
)

// EntrySource - источник истины для фида (Postgres).
type EntrySource interface {
	ListEntries(ctx context.Context) ([]Entry, error)
}

// Warmup прогревает L1 (память) и L2 (Redis) из БД.
// L1 обновляется всегда; Redis заливает только тот инстанс, который взял блокировку,
// и только если набор хостов в Redis пуст.
func Warmup(ctx context.Context, src EntrySource, l1 *MemoryFeed, l2 *RedisFeed, rdb redis.UniversalClient, logger *zap.Logger) error {
	entries, err := src.ListEntries(ctx)
	if err != nil {
		return fmt.Errorf("threatfeed: list entries: %w", err)
	}

	if l1 != nil {
		l1.Load(entries)
	}
	if l2 == nil || rdb == nil {
		return nil
	}

	ok, err := rdb.SetNX(ctx, infra.RedisKeyLockFeedWarmup, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return nil // другой инстанс уже греет кэш
	}

	count, err := rdb.SCard(ctx, infra.RedisKeyFeedHosts).Result()
	if err != nil {
		count = 0
		logger.Warn("could not check feed size, proceeding with warm-up",
			zap.String("key", infra.RedisKeyFeedHosts), zap.Error(err))
	}

	if count == 0 && len(entries) > 0 {
		logger.Info("feed cache is empty, performing warm-up from DB", zap.Int("count", len(entries)))
		return l2.Store(ctx, entries)
	}
	return nil
}
