package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType - категория сигнала, из которой вырос Event.
type EventType string

const (
	EventResourceAccess   EventType = "RESOURCE_ACCESS"
	EventPermissionDelta  EventType = "PERMISSION_DELTA"
	EventNetworkRisk      EventType = "NETWORK_RISK"
	EventURLExposure      EventType = "URL_EXPOSURE"
	EventSensorPrivacySet EventType = "SENSOR_PRIVACY_CHANGE"
)

// ResourceType - ресурс, к которому относится сигнал.
type ResourceType string

const (
	ResourceCamera              ResourceType = "CAMERA"
	ResourceMicrophone          ResourceType = "MICROPHONE"
	ResourceLocation            ResourceType = "LOCATION"
	ResourceWifiNetwork         ResourceType = "WIFI_NETWORK"
	ResourcePhishingURL         ResourceType = "PHISHING_URL"
	ResourcePermission          ResourceType = "PERMISSION"
	ResourceSensorPrivacySwitch ResourceType = "SENSOR_PRIVACY_SWITCH"
	ResourceClipboard           ResourceType = "CLIPBOARD"
)

var knownResources = map[ResourceType]struct{}{
	ResourceCamera:              {},
	ResourceMicrophone:          {},
	ResourceLocation:            {},
	ResourceWifiNetwork:         {},
	ResourcePhishingURL:         {},
	ResourcePermission:          {},
	ResourceSensorPrivacySwitch: {},
	ResourceClipboard:           {},
}

// Valid сообщает, входит ли тип ресурса в закрытый набор.
func (r ResourceType) Valid() bool {
	_, ok := knownResources[r]
	return ok
}

// ParseResourceType разбирает строку из конфига или URL. Регистр не важен.
func ParseResourceType(s string) (ResourceType, bool) {
	r := ResourceType(strings.ToUpper(strings.TrimSpace(s)))
	return r, r.Valid()
}

// Visibility - в каком состоянии было приложение в момент сигнала.
type Visibility string

const (
	VisibilityForeground Visibility = "FOREGROUND"
	VisibilityBackground Visibility = "BACKGROUND"
	VisibilityUnknown    Visibility = "UNKNOWN"
)

// Visibilities в порядке приоритета при равенстве счетчиков.
var Visibilities = []Visibility{VisibilityForeground, VisibilityBackground, VisibilityUnknown}

type Confidence string

const (
	ConfidenceLow    Confidence = "LOW"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceHigh   Confidence = "HIGH"
)

type Priority string

const (
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
)

// SessionContext - снимок пользовательской сессии, которым обогащается событие.
type SessionContext struct {
	SessionID  string `json:"session_id"`
	ScreenName string `json:"screen_name,omitempty"`
	ScreenOn   bool   `json:"screen_on"`
}

// Event - неизменяемая запись о сигнале. Источник создает, дальше по конвейеру
// событие передается только по значению.
type Event struct {
	ID           string            `json:"id"`
	ActorID      string            `json:"actor_id"`  // пакет/приложение
	SourceID     string            `json:"source_id"` // какой сенсор произвел
	Type         EventType         `json:"type"`
	ResourceType ResourceType      `json:"resource_type"`
	Timestamp    time.Time         `json:"timestamp"`
	DurationMs   *int64            `json:"duration_ms,omitempty"`
	Visibility   Visibility        `json:"visibility"`
	Session      *SessionContext   `json:"session,omitempty"`
	Confidence   Confidence        `json:"confidence"`
	Priority     Priority          `json:"priority"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Key возвращает ключ baseline, к которому относится событие.
func (e Event) Key() BaselineKey {
	return BaselineKey{ActorID: e.ActorID, Resource: e.ResourceType}
}

// Meta безопасно читает значение метаданных.
func (e Event) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// WithSession возвращает копию события с прикрепленной сессией.
func (e Event) WithSession(s SessionContext) Event {
	e.Session = &s
	return e
}

var ErrInvalidEvent = errors.New("invalid event")

// Validate проверяет минимальный контракт события перед публикацией.
func (e Event) Validate() error {
	if e.ActorID == "" {
		return fmt.Errorf("%w: empty actor", ErrInvalidEvent)
	}
	if !e.ResourceType.Valid() {
		return fmt.Errorf("%w: unknown resource %q", ErrInvalidEvent, e.ResourceType)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrInvalidEvent)
	}
	return nil
}
