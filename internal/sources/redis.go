package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
	"github.com/xela07ax/signal-risk-engine/internal/engine"
	"github.com/xela07ax/signal-risk-engine/internal/infra"
)

const (
	defaultResubscribeDelay = 5 * time.Second
	reconnectPause          = time.Second
)

type RedisConfig struct {
	Name      string
	Resources []domain.ResourceType
	Buffer    int
	// ResubscribeDelay - пауза после неудачной подписки.
	ResubscribeDelay time.Duration
}

// RedisSource слушает канал сенсора sigrisk:events:<name>. Каждое сообщение:
// JSON domain.Event. Обрыв подписки не останавливает источник: он уходит в
// ERROR и переподписывается.
type RedisSource struct {
	base
	rdb     redis.UniversalClient
	channel string
	delay   time.Duration
	logger  *zap.Logger
}

func NewRedisSource(rdb redis.UniversalClient, cfg RedisConfig, logger *zap.Logger) *RedisSource {
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = defaultResubscribeDelay
	}
	return &RedisSource{
		base:    newBase(cfg.Name, cfg.Resources, cfg.Buffer),
		rdb:     rdb,
		channel: infra.EventsChannel(cfg.Name),
		delay:   cfg.ResubscribeDelay,
		logger:  logger.With(zap.String("mod", "redis_source"), zap.String("source", cfg.Name)),
	}
}

func (s *RedisSource) Start(ctx context.Context) error {
	return s.launch(ctx, s.listen)
}

func (s *RedisSource) Stop() error {
	s.halt()
	return nil
}

// listen - цикл живучей подписки: подписались, читаем до обрыва, переподписываемся.
func (s *RedisSource) listen(ctx context.Context, out chan<- domain.Event) {
	for {
		pubsub := s.rdb.Subscribe(ctx, s.channel)

		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("failed to subscribe", zap.String("chan", s.channel), zap.Error(err))
			s.status.Set(engine.StatusError)
			if !sleepCtx(ctx, s.delay) {
				return
			}
			continue
		}

		s.status.Set(engine.StatusRunning)
		s.logger.Info("subscribed", zap.String("chan", s.channel))

		if !s.consume(ctx, pubsub.Channel(), out) {
			_ = pubsub.Close()
			return
		}

		_ = pubsub.Close()
		s.status.Set(engine.StatusError)
		s.logger.Warn("subscription lost, reconnecting", zap.String("chan", s.channel))
		if !sleepCtx(ctx, reconnectPause) {
			return
		}
	}
}

// consume возвращает false, если пора выходить совсем, и true при обрыве канала.
func (s *RedisSource) consume(ctx context.Context, ch <-chan *redis.Message, out chan<- domain.Event) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-ch:
			if !ok {
				return true
			}
			ev, err := DecodeEvent([]byte(msg.Payload))
			if err != nil {
				s.logger.Warn("invalid event payload", zap.Error(err), zap.Int("size", len(msg.Payload)))
				continue
			}
			if !s.accepts(ev) {
				s.logger.Debug("resource not supported", zap.String("resource", string(ev.ResourceType)))
				continue
			}
			if !emit(ctx, out, prepare(ev, s.name)) {
				return false
			}
		}
	}
}

// DecodeEvent разбирает сообщение сенсора.
func DecodeEvent(payload []byte) (domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return domain.Event{}, fmt.Errorf("sources: decode event: %w", err)
	}
	return ev, nil
}

// PublishEvent - сторона сенсора: публикует событие в канал источника.
func PublishEvent(ctx context.Context, rdb redis.UniversalClient, source string, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sources: encode event: %w", err)
	}
	return rdb.Publish(ctx, infra.EventsChannel(source), payload).Err()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
