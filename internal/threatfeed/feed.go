// Package threatfeed - справочник известных вредоносных URL и хостов.
package threatfeed

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
)

// Entry - одна запись фида. Score может прийти как в [0,1], так и в процентах.
type Entry struct {
	Indicator string   `json:"indicator"`
	Kind      Kind     `json:"kind"`
	Score     float64  `json:"score"`
	Tags      []string `json:"tags,omitempty"`
	Source    string   `json:"source"`
}

type Kind string

const (
	KindURL  Kind = "url"
	KindHost Kind = "host"
)

// Feed - контракт коллаборатора: точный поиск по URL и поиск по подстроке хоста.
type Feed interface {
	LookupURL(ctx context.Context, rawURL string) ([]Entry, error)
	LookupHost(ctx context.Context, host string) ([]Entry, error)
}

// NormalizeScore: значения больше 1 считаются процентами.
func NormalizeScore(score float64) float64 {
	if score > 1 {
		score /= 100
	}
	return domain.Clamp01(score)
}

// Multi опрашивает несколько фидов и склеивает совпадения.
// Ошибка одного фида не мешает остальным: возвращаются найденные записи и объединенная ошибка.
type Multi []Feed

func (m Multi) LookupURL(ctx context.Context, rawURL string) ([]Entry, error) {
	return m.collect(func(f Feed) ([]Entry, error) { return f.LookupURL(ctx, rawURL) })
}

func (m Multi) LookupHost(ctx context.Context, host string) ([]Entry, error) {
	return m.collect(func(f Feed) ([]Entry, error) { return f.LookupHost(ctx, host) })
}

func (m Multi) collect(fn func(Feed) ([]Entry, error)) ([]Entry, error) {
	var out []Entry
	var errs []error
	for _, f := range m {
		entries, err := fn(f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, entries...)
	}
	return out, errors.Join(errs...)
}

// NormalizeURL приводит URL к виду, в котором он хранится в фиде.
func NormalizeURL(rawURL string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(rawURL)), "/")
}

// NormalizeHost убирает порт, точку в конце и регистр.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(strings.Trim(host, "[]"), ".")
}
