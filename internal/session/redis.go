package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
	"github.com/xela07ax/signal-risk-engine/internal/infra"
)

// Publisher - сторона консоли: снимок уходит в Redis, движок применяет его через Follow.
type Publisher struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

func NewPublisher(rdb redis.UniversalClient, logger *zap.Logger) *Publisher {
	return &Publisher{rdb: rdb, logger: logger.With(zap.String("mod", "session_publisher"))}
}

// Update публикует снимок. Ошибка публикации только логируется: снимок
// сессии вспомогательный, обогащение без него продолжает работать.
func (p *Publisher) Update(s domain.SessionContext) domain.SessionContext {
	if s.SessionID == "" {
		s.SessionID = uuid.NewString()
	}
	payload, err := json.Marshal(s)
	if err != nil {
		p.logger.Error("encode session failed", zap.Error(err))
		return s
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.rdb.Publish(ctx, infra.RedisChanSession, payload).Err(); err != nil {
		p.logger.Error("publish session failed", zap.Error(err))
	}
	return s
}

// Follow применяет снимки из Redis к трекеру до отмены контекста.
// Обрыв подписки лечится переподпиской.
func Follow(ctx context.Context, rdb redis.UniversalClient, t *Tracker, logger *zap.Logger) {
	log := logger.With(zap.String("mod", "session_follow"))
	for {
		pubsub := rdb.Subscribe(ctx, infra.RedisChanSession)
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			log.Error("failed to subscribe", zap.Error(err))
			if !wait(ctx, 5*time.Second) {
				return
			}
			continue
		}

		ch := pubsub.Channel()
	loop:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop
				}
				var s domain.SessionContext
				if err := json.Unmarshal([]byte(msg.Payload), &s); err != nil {
					log.Warn("invalid session payload", zap.Error(err))
					continue
				}
				t.Update(s)
			}
		}

		_ = pubsub.Close()
		if !wait(ctx, time.Second) {
			return
		}
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
