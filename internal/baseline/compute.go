package baseline

import (
	"math"
	"sort"
	"time"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
)

// Календарный день в миллисекундах (UTC)
const dayMillis = 86_400_000

// Штрафы к permissionMismatchScore
const (
	revokedButAccessedPenalty = 0.35 // отзыв разрешения при продолжающемся доступе
	permissionChurnPenalty    = 0.15 // дельт разрешений больше чем 2x обращений
)

// Compute строит запись baseline по событиям ключа за окно.
// privacyEvents - события SENSOR_PRIVACY_SWITCH того же актора (нужны только для
// high-priority ресурсов). ok == false, если событий нет: ключ нужно удалить.
func Compute(key domain.BaselineKey, events, privacyEvents []domain.Event, highPriority bool, now time.Time) (rec domain.BaselineRecord, ok bool) {
	if len(events) == 0 {
		return domain.BaselineRecord{}, false
	}

	rec = domain.BaselineRecord{
		Key:        key,
		EventCount: len(events),
		UpdatedAt:  now.UTC(),
	}

	counts := dailyCounts(events)
	rec.SampleDays = len(counts)
	rec.AverageDailyCount, rec.StdDevDailyCount = meanStddev(counts)
	rec.MedianDurationMs = medianDuration(events)

	last := events[0]
	for _, ev := range events[1:] {
		if !ev.Timestamp.Before(last.Timestamp) {
			last = ev
		}
	}
	ts := last.Timestamp.UTC()
	vis := normalizeVisibility(last.Visibility)
	rec.LastSeenTimestamp = &ts
	rec.LastSeenVisibility = &vis

	expected := expectedVisibility(events)
	rec.ExpectedVisibility = &expected

	rec.PermissionMismatchScore = permissionMismatch(events)
	rec.OverrideConflictScore = overrideConflict(events, privacyEvents, highPriority)
	return rec, true
}

func dailyCounts(events []domain.Event) []float64 {
	byDay := make(map[int64]int)
	for _, ev := range events {
		byDay[floorDiv(ev.Timestamp.UnixMilli(), dayMillis)]++
	}
	out := make([]float64, 0, len(byDay))
	for _, c := range byDay {
		out = append(out, float64(c))
	}
	return out
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// meanStddev - среднее и стандартное отклонение генеральной совокупности.
func meanStddev(values []float64) (mean, stddev float64) {
	n := float64(len(values))
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / n
	if len(values) <= 1 {
		return mean, 0
	}

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / n)
}

func medianDuration(events []domain.Event) *float64 {
	var ds []float64
	for _, ev := range events {
		if ev.DurationMs != nil {
			ds = append(ds, float64(*ev.DurationMs))
		}
	}
	if len(ds) == 0 {
		return nil
	}
	sort.Float64s(ds)
	mid := len(ds) / 2
	m := ds[mid]
	if len(ds)%2 == 0 {
		m = (ds[mid-1] + ds[mid]) / 2
	}
	return &m
}

func normalizeVisibility(v domain.Visibility) domain.Visibility {
	switch v {
	case domain.VisibilityForeground, domain.VisibilityBackground:
		return v
	default:
		return domain.VisibilityUnknown
	}
}

// expectedVisibility - самый частый контекст; при равенстве побеждает
// первый в порядке FOREGROUND, BACKGROUND, UNKNOWN.
func expectedVisibility(events []domain.Event) domain.Visibility {
	counts := make(map[domain.Visibility]int, len(domain.Visibilities))
	for _, ev := range events {
		counts[normalizeVisibility(ev.Visibility)]++
	}
	best := domain.Visibilities[0]
	for _, v := range domain.Visibilities[1:] {
		if counts[v] > counts[best] {
			best = v
		}
	}
	return best
}

func permissionMismatch(events []domain.Event) float64 {
	var grants, revocations, deltas, access int
	for _, ev := range events {
		switch ev.Type {
		case domain.EventPermissionDelta:
			deltas++
			switch ev.Meta(domain.MetaPermissionChange) {
			case domain.PermissionGranted:
				grants++
			case domain.PermissionRevoked:
				revocations++
			}
		case domain.EventResourceAccess:
			access++
		}
	}

	var score float64
	switch {
	case grants == 0:
		score = 0
	case access == 0:
		score = 1
	default:
		score = math.Max(0, float64(grants-access)) / float64(grants)
	}
	if revocations > 0 && access > 0 {
		score += revokedButAccessedPenalty
	}
	if deltas > 2*access {
		score += permissionChurnPenalty
	}
	return domain.Clamp01(score)
}

// overrideConflict - максимум из трех эвристик:
// доля high-priority событий не на переднем плане,
// доля high-priority событий на или после блокировки сенсора,
// доля событий с явным флагом override_conflict.
func overrideConflict(events, privacyEvents []domain.Event, highPriority bool) float64 {
	total := float64(len(events))
	var notForeground, afterBlock, flagged int

	blockedAt, hasBlock := earliestBlock(privacyEvents)
	for _, ev := range events {
		if ev.Meta(domain.MetaOverrideConflict) == "true" {
			flagged++
		}
		if !highPriority {
			continue
		}
		if ev.Visibility != domain.VisibilityForeground {
			notForeground++
		}
		if hasBlock && !ev.Timestamp.Before(blockedAt) {
			afterBlock++
		}
	}

	score := float64(flagged) / total
	if highPriority {
		score = math.Max(score, float64(notForeground)/total)
		score = math.Max(score, float64(afterBlock)/total)
	}
	return domain.Clamp01(score)
}

func earliestBlock(privacyEvents []domain.Event) (time.Time, bool) {
	var at time.Time
	found := false
	for _, ev := range privacyEvents {
		if ev.Meta(domain.MetaSensorState) != domain.SensorBlocked {
			continue
		}
		if !found || ev.Timestamp.Before(at) {
			at = ev.Timestamp
			found = true
		}
	}
	return at, found
}
