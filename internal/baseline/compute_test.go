package baseline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
)

var (
	camKey = domain.BaselineKey{ActorID: "com.cam", Resource: domain.ResourceCamera}
	day0   = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
)

func access(ts time.Time, vis domain.Visibility) domain.Event {
	return domain.Event{
		ActorID:      camKey.ActorID,
		Type:         domain.EventResourceAccess,
		ResourceType: camKey.Resource,
		Timestamp:    ts,
		Visibility:   vis,
	}
}

func delta(ts time.Time, change string) domain.Event {
	return domain.Event{
		ActorID:      camKey.ActorID,
		Type:         domain.EventPermissionDelta,
		ResourceType: camKey.Resource,
		Timestamp:    ts,
		Metadata:     map[string]string{domain.MetaPermissionChange: change},
	}
}

func withDuration(ev domain.Event, ms int64) domain.Event {
	ev.DurationMs = &ms
	return ev
}

func TestCompute_EmptyWindow(t *testing.T) {
	_, ok := Compute(camKey, nil, nil, true, day0)
	assert.False(t, ok)
}

func TestCompute_DailyStatistics(t *testing.T) {
	events := []domain.Event{
		access(day0.Add(1*time.Hour), domain.VisibilityForeground),
		access(day0.Add(2*time.Hour), domain.VisibilityForeground),
		access(day0.Add(25*time.Hour), domain.VisibilityForeground),
		access(day0.Add(26*time.Hour), domain.VisibilityForeground),
		access(day0.Add(27*time.Hour), domain.VisibilityForeground),
		access(day0.Add(28*time.Hour), domain.VisibilityForeground),
	}

	rec, ok := Compute(camKey, events, nil, false, day0.Add(48*time.Hour))
	require.True(t, ok)
	assert.InDelta(t, 3.0, rec.AverageDailyCount, 1e-9)
	assert.InDelta(t, 1.0, rec.StdDevDailyCount, 1e-9)
	assert.Equal(t, 2, rec.SampleDays)
	assert.Equal(t, 6, rec.EventCount)
	require.NotNil(t, rec.LastSeenTimestamp)
	assert.True(t, rec.LastSeenTimestamp.Equal(day0.Add(28*time.Hour)))
}

func TestCompute_SingleDayHasZeroStddev(t *testing.T) {
	events := []domain.Event{
		access(day0.Add(time.Hour), domain.VisibilityForeground),
		access(day0.Add(3*time.Hour), domain.VisibilityForeground),
	}
	rec, ok := Compute(camKey, events, nil, false, day0)
	require.True(t, ok)
	assert.Equal(t, 2.0, rec.AverageDailyCount)
	assert.Equal(t, 0.0, rec.StdDevDailyCount)
}

func TestCompute_MedianDuration(t *testing.T) {
	events := []domain.Event{
		withDuration(access(day0, domain.VisibilityForeground), 100),
		withDuration(access(day0, domain.VisibilityForeground), 400),
		access(day0, domain.VisibilityForeground),
		withDuration(access(day0, domain.VisibilityForeground), 300),
		withDuration(access(day0, domain.VisibilityForeground), 200),
	}
	rec, _ := Compute(camKey, events, nil, false, day0)
	require.NotNil(t, rec.MedianDurationMs)
	assert.Equal(t, 250.0, *rec.MedianDurationMs)

	rec, _ = Compute(camKey, events[:3], nil, false, day0)
	assert.Equal(t, 250.0, *rec.MedianDurationMs)

	rec, _ = Compute(camKey, []domain.Event{access(day0, domain.VisibilityForeground)}, nil, false, day0)
	assert.Nil(t, rec.MedianDurationMs)
}

func TestCompute_ExpectedVisibility(t *testing.T) {
	tests := []struct {
		name string
		vis  []domain.Visibility
		want domain.Visibility
	}{
		{"majority background", []domain.Visibility{domain.VisibilityBackground, domain.VisibilityBackground, domain.VisibilityForeground}, domain.VisibilityBackground},
		{"tie prefers foreground", []domain.Visibility{domain.VisibilityBackground, domain.VisibilityForeground}, domain.VisibilityForeground},
		{"tie background over unknown", []domain.Visibility{domain.VisibilityUnknown, domain.VisibilityBackground}, domain.VisibilityBackground},
		{"empty counts as unknown", []domain.Visibility{"", "", domain.VisibilityForeground}, domain.VisibilityUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var events []domain.Event
			for _, v := range tt.vis {
				events = append(events, access(day0, v))
			}
			rec, ok := Compute(camKey, events, nil, false, day0)
			require.True(t, ok)
			assert.Equal(t, tt.want, *rec.ExpectedVisibility)
		})
	}
}

func TestCompute_PermissionMismatch(t *testing.T) {
	tests := []struct {
		name   string
		events []domain.Event
		want   float64
	}{
		{
			name:   "no grants",
			events: []domain.Event{access(day0, domain.VisibilityForeground)},
			want:   0,
		},
		{
			name:   "grant without access saturates",
			events: []domain.Event{delta(day0, domain.PermissionGranted), delta(day0, domain.PermissionGranted)},
			want:   1,
		},
		{
			name: "excess grants plus churn",
			events: []domain.Event{
				delta(day0, domain.PermissionGranted), delta(day0, domain.PermissionGranted),
				delta(day0, domain.PermissionGranted), delta(day0, domain.PermissionGranted),
				access(day0, domain.VisibilityForeground),
			},
			want: 0.75 + 0.15,
		},
		{
			name: "revoked yet accessed",
			events: []domain.Event{
				delta(day0, domain.PermissionGranted), delta(day0, domain.PermissionGranted),
				delta(day0, domain.PermissionRevoked),
				access(day0, domain.VisibilityForeground), access(day0, domain.VisibilityForeground),
			},
			want: 0.35,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, ok := Compute(camKey, tt.events, nil, false, day0)
			require.True(t, ok)
			assert.InDelta(t, tt.want, rec.PermissionMismatchScore, 1e-9)
		})
	}
}

func TestCompute_OverrideConflict(t *testing.T) {
	events := []domain.Event{
		access(day0.Add(1*time.Hour), domain.VisibilityForeground),
		access(day0.Add(2*time.Hour), domain.VisibilityForeground),
		access(day0.Add(3*time.Hour), domain.VisibilityBackground),
		access(day0.Add(4*time.Hour), domain.VisibilityForeground),
	}
	events[0].Metadata = map[string]string{domain.MetaOverrideConflict: "true"}

	blocked := domain.Event{
		ActorID:      camKey.ActorID,
		Type:         domain.EventSensorPrivacySet,
		ResourceType: domain.ResourceSensorPrivacySwitch,
		Timestamp:    day0.Add(2 * time.Hour),
		Metadata:     map[string]string{domain.MetaSensorState: domain.SensorBlocked},
	}
	unblocked := blocked
	unblocked.Timestamp = day0
	unblocked.Metadata = map[string]string{domain.MetaSensorState: domain.SensorUnblocked}

	t.Run("background fraction", func(t *testing.T) {
		rec, _ := Compute(camKey, events, nil, true, day0)
		assert.InDelta(t, 0.25, rec.OverrideConflictScore, 1e-9)
	})
	t.Run("events at or after block", func(t *testing.T) {
		rec, _ := Compute(camKey, events, []domain.Event{unblocked, blocked}, true, day0)
		assert.InDelta(t, 0.75, rec.OverrideConflictScore, 1e-9)
	})
	t.Run("only explicit flag for normal resources", func(t *testing.T) {
		rec, _ := Compute(camKey, events, []domain.Event{blocked}, false, day0)
		assert.InDelta(t, 0.25, rec.OverrideConflictScore, 1e-9)
	})
}

func TestCompute_ScoresStayInUnitRange(t *testing.T) {
	var events []domain.Event
	for i := 0; i < 20; i++ {
		ev := delta(day0.Add(time.Duration(i)*time.Hour), domain.PermissionRevoked)
		ev.Metadata[domain.MetaOverrideConflict] = "true"
		events = append(events, ev, access(day0, domain.VisibilityBackground))
	}
	events = append(events, delta(day0, domain.PermissionGranted))

	rec, ok := Compute(camKey, events, nil, true, day0)
	require.True(t, ok)
	assert.GreaterOrEqual(t, rec.PermissionMismatchScore, 0.0)
	assert.LessOrEqual(t, rec.PermissionMismatchScore, 1.0)
	assert.LessOrEqual(t, rec.OverrideConflictScore, 1.0)
}

func TestCoalescingQueue(t *testing.T) {
	a := domain.BaselineKey{ActorID: "a", Resource: domain.ResourceCamera}
	b := domain.BaselineKey{ActorID: "b", Resource: domain.ResourceCamera}
	c := domain.BaselineKey{ActorID: "c", Resource: domain.ResourceCamera}

	q := newCoalescingQueue(2)
	for i := 0; i < 5; i++ {
		assert.False(t, q.Push(a))
	}
	assert.Equal(t, 1, q.Len())

	assert.False(t, q.Push(b))
	assert.True(t, q.Push(c)) // вытесняет a

	got, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, b, got)
	got, _ = q.Pop()
	assert.Equal(t, c, got)
	_, ok = q.Pop()
	assert.False(t, ok)

	// после Pop ключ снова можно поставить
	assert.False(t, q.Push(b))
	assert.Equal(t, 1, q.Len())
}
