package sources

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
	"github.com/xela07ax/signal-risk-engine/internal/engine"
)

type ReplayConfig struct {
	Name      string
	Resources []domain.ResourceType
	Buffer    int
	// Interval - пауза между событиями, Jitter добавляет к ней случайную часть.
	Interval time.Duration
	Jitter   time.Duration
	// Rebase сдвигает метки времени так, чтобы последнее событие пришлось на now.
	Rebase bool
}

// ReplaySource проигрывает заранее записанные события. Используется в демо-режиме
// и в тестах конвейера. По окончании записи поток закрывается.
type ReplaySource struct {
	base
	cfg    ReplayConfig
	events []domain.Event
	now    func() time.Time
	logger *zap.Logger
}

func NewReplaySource(cfg ReplayConfig, events []domain.Event, logger *zap.Logger) *ReplaySource {
	if cfg.Name == "" {
		cfg.Name = "replay"
	}
	return &ReplaySource{
		base:   newBase(cfg.Name, cfg.Resources, cfg.Buffer),
		cfg:    cfg,
		events: events,
		now:    time.Now,
		logger: logger.With(zap.String("mod", "replay_source"), zap.String("source", cfg.Name)),
	}
}

// NewReplaySourceFromFile читает JSON массив или JSONL.
func NewReplaySourceFromFile(cfg ReplayConfig, path string, logger *zap.Logger) (*ReplaySource, error) {
	events, err := LoadEvents(path)
	if err != nil {
		return nil, err
	}
	return NewReplaySource(cfg, events, logger), nil
}

func (s *ReplaySource) Start(ctx context.Context) error {
	return s.launch(ctx, s.play)
}

func (s *ReplaySource) Stop() error {
	s.halt()
	return nil
}

func (s *ReplaySource) play(ctx context.Context, out chan<- domain.Event) {
	s.status.Set(engine.StatusRunning)

	shift := time.Duration(0)
	if s.cfg.Rebase {
		shift = s.rebaseShift()
	}

	sent := 0
	for _, ev := range s.events {
		if !s.accepts(ev) {
			continue
		}
		if sent > 0 && !s.pause(ctx) {
			return
		}
		ev.Timestamp = ev.Timestamp.Add(shift)
		if !emit(ctx, out, prepare(ev, s.name)) {
			return
		}
		sent++
	}
	s.logger.Info("replay finished", zap.Int("events", sent))
	s.status.Set(engine.StatusStopped)
}

func (s *ReplaySource) pause(ctx context.Context) bool {
	d := s.cfg.Interval
	if s.cfg.Jitter > 0 {
		d += rand.N(s.cfg.Jitter)
	}
	if d <= 0 {
		return ctx.Err() == nil
	}
	return sleepCtx(ctx, d)
}

func (s *ReplaySource) rebaseShift() time.Duration {
	var latest time.Time
	for _, ev := range s.events {
		if ev.Timestamp.After(latest) {
			latest = ev.Timestamp
		}
	}
	if latest.IsZero() {
		return 0
	}
	return s.now().Sub(latest)
}

// LoadEvents читает файл записи: JSON массив событий или по событию на строку.
func LoadEvents(path string) ([]domain.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sources: read replay file: %w", err)
	}
	return ParseEvents(data)
}

func ParseEvents(data []byte) ([]domain.Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var events []domain.Event
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("sources: decode replay array: %w", err)
		}
		return events, nil
	}

	var events []domain.Event
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		ev, err := DecodeEvent(raw)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("sources: scan replay file: %w", err)
	}
	return events, nil
}
