package threatfeed

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/xela07ax/signal-risk-engine/internal/infra"
)

// RedisFeed - L2 фид, общий для всех инстансов движка.
// URL хранятся под blake2b-дайджестом, чтобы длина ключа не зависела от входа.
// Каждый ключ - hash: поле = источник фида, значение = JSON записи.
type RedisFeed struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

var _ Feed = (*RedisFeed)(nil)

func NewRedisFeed(rdb redis.UniversalClient, logger *zap.Logger) *RedisFeed {
	return &RedisFeed{rdb: rdb, logger: logger.With(zap.String("mod", "redis_feed"))}
}

// URLDigest - hex blake2b-256 от нормализованного URL.
func URLDigest(rawURL string) string {
	sum := blake2b.Sum256([]byte(NormalizeURL(rawURL)))
	return hex.EncodeToString(sum[:])
}

func (f *RedisFeed) LookupURL(ctx context.Context, rawURL string) ([]Entry, error) {
	fields, err := f.rdb.HGetAll(ctx, infra.FeedURLKey(URLDigest(rawURL))).Result()
	if err != nil {
		return nil, fmt.Errorf("threatfeed: redis url lookup: %w", err)
	}
	return f.decode(fields), nil
}

// LookupHost проверяет сам хост и все его родительские домены:
// запись для evil.com совпадет с login.evil.com.
func (f *RedisFeed) LookupHost(ctx context.Context, host string) ([]Entry, error) {
	candidates := hostSuffixes(NormalizeHost(host))
	if len(candidates) == 0 {
		return nil, nil
	}

	pipe := f.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(candidates))
	for _, h := range candidates {
		cmds = append(cmds, pipe.HGetAll(ctx, infra.FeedHostKey(h)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("threatfeed: redis host lookup: %w", err)
	}

	var out []Entry
	for _, cmd := range cmds {
		out = append(out, f.decode(cmd.Val())...)
	}
	return out, nil
}

// Store кладет записи в Redis одним пайплайном.
func (f *RedisFeed) Store(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := f.rdb.Pipeline()
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("threatfeed: encode entry %q: %w", e.Indicator, err)
		}
		switch e.Kind {
		case KindHost:
			h := NormalizeHost(e.Indicator)
			pipe.HSet(ctx, infra.FeedHostKey(h), e.Source, raw)
			pipe.SAdd(ctx, infra.RedisKeyFeedHosts, h)
		default:
			pipe.HSet(ctx, infra.FeedURLKey(URLDigest(e.Indicator)), e.Source, raw)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (f *RedisFeed) decode(fields map[string]string) []Entry {
	out := make([]Entry, 0, len(fields))
	for source, raw := range fields {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			f.logger.Warn("skipping malformed feed entry", zap.String("source", source), zap.Error(err))
			continue
		}
		if e.Source == "" {
			e.Source = source
		}
		out = append(out, e)
	}
	return out
}

func hostSuffixes(host string) []string {
	if host == "" {
		return nil
	}
	var out []string
	for {
		out = append(out, host)
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return out
		}
		host = host[i+1:]
	}
}
