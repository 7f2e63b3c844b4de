package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/signal-risk-engine/internal/infra"
)

// LogSink пишет алерты в лог. Используется, когда Redis не настроен.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("alerts")}
}

func (s *LogSink) Notify(_ context.Context, a Alert) error {
	s.logger.Warn("alert raised",
		zap.String("reason", a.Reason),
		zap.String("actor", a.ActorID),
		zap.String("resource", string(a.Resource)),
		zap.Float64("score", a.Score),
		zap.String("event_id", a.EventID),
	)
	return nil
}

// RedisSink публикует алерт в sigrisk:alerts для внешних подписчиков (UI, нотификации).
type RedisSink struct {
	rdb redis.UniversalClient
}

func NewRedisSink(rdb redis.UniversalClient) *RedisSink {
	return &RedisSink{rdb: rdb}
}

func (s *RedisSink) Notify(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alerting: encode alert: %w", err)
	}
	return s.rdb.Publish(ctx, infra.RedisChanAlerts, payload).Err()
}

// Fanout рассылает алерт во все sink'и и собирает ошибки.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range f {
		if err := s.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
