package domain

import (
	"errors"
	"time"
)

// BaselineKey - пара (actor, resource), для которой считается baseline.
type BaselineKey struct {
	ActorID  string       `json:"actor_id"`
	Resource ResourceType `json:"resource_type"`
}

func (k BaselineKey) String() string {
	return k.ActorID + ":" + string(k.Resource)
}

// BaselineRecord пересчитывается целиком на каждом refresh, без инкрементального слияния.
type BaselineRecord struct {
	Key                     BaselineKey `json:"key"`
	AverageDailyCount       float64     `json:"average_daily_count"`
	StdDevDailyCount        float64     `json:"stddev_daily_count"`
	MedianDurationMs        *float64    `json:"median_duration_ms,omitempty"`
	LastSeenTimestamp       *time.Time  `json:"last_seen_timestamp,omitempty"`
	LastSeenVisibility      *Visibility `json:"last_seen_visibility,omitempty"`
	ExpectedVisibility      *Visibility `json:"expected_visibility,omitempty"`
	PermissionMismatchScore float64     `json:"permission_mismatch_score"`
	OverrideConflictScore   float64     `json:"override_conflict_score"`
	EventCount              int         `json:"event_count"`
	SampleDays              int         `json:"sample_days"`
	UpdatedAt               time.Time   `json:"updated_at"`
}

// ErrNotFound возвращается хранилищами, когда записи по ключу нет.
var ErrNotFound = errors.New("not found")
