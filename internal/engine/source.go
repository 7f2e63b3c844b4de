package engine

import (
	"context"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
)

// EventSource - контракт сенсора. Start не блокирует: источник сам запускает
// свою горутину и пишет в канал Events до остановки.
type EventSource interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Status() Status
	WatchStatus() (<-chan Status, func())
	Events() <-chan domain.Event
	SupportedResources() []domain.ResourceType
}

// SessionProvider отдает текущий снимок сессии для обогащения событий.
type SessionProvider interface {
	Current() *domain.SessionContext
}
