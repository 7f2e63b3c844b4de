package baseline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
	"github.com/xela07ax/signal-risk-engine/internal/engine"
	"github.com/xela07ax/signal-risk-engine/internal/repository/memory"
)

var testNow = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func newTestRefresher(events EventReader, store Store) *Refresher {
	return NewRefresher(events, store, Config{
		Window:       30 * 24 * time.Hour,
		QueueSize:    8,
		HighPriority: []domain.ResourceType{domain.ResourceCamera},
	}, nil, zap.NewNop(), WithClock(func() time.Time { return testNow }))
}

func TestRefresher_RecomputeUpserts(t *testing.T) {
	ctx := context.Background()
	events := memory.NewEventStore()
	store := memory.NewBaselineStore()
	r := newTestRefresher(events, store)

	require.NoError(t, events.InsertMany(ctx, []domain.Event{
		access(testNow.Add(-2*time.Hour), domain.VisibilityForeground),
		access(testNow.Add(-26*time.Hour), domain.VisibilityBackground),
	}))

	outcome, err := r.Recompute(ctx, camKey)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpserted, outcome)

	rec, err := store.Get(ctx, camKey)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.EventCount)
	assert.True(t, rec.UpdatedAt.Equal(testNow))
	assert.InDelta(t, 0.5, rec.OverrideConflictScore, 1e-9)
}

func TestRefresher_EmptyWindowDeletesExistingRecord(t *testing.T) {
	ctx := context.Background()
	events := memory.NewEventStore()
	store := memory.NewBaselineStore()
	r := newTestRefresher(events, store)

	require.NoError(t, events.Insert(ctx, access(testNow.Add(-40*24*time.Hour), domain.VisibilityForeground)))
	require.NoError(t, store.Upsert(ctx, domain.BaselineRecord{Key: camKey, AverageDailyCount: 7}))

	outcome, err := r.Recompute(ctx, camKey)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeleted, outcome)

	_, err = store.Get(ctx, camKey)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRefresher_WorkerProcessesRequests(t *testing.T) {
	ctx := context.Background()
	events := memory.NewEventStore()
	store := memory.NewBaselineStore()
	r := newTestRefresher(events, store)
	r.Start(ctx)
	r.Start(ctx)
	defer r.Stop()

	require.NoError(t, events.Insert(ctx, access(testNow.Add(-time.Hour), domain.VisibilityForeground)))
	for i := 0; i < 10; i++ {
		r.Request(camKey)
	}

	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, camKey)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()
}

type failingStore struct {
	*memory.BaselineStore
	failFor string
}

func (s failingStore) Upsert(ctx context.Context, rec domain.BaselineRecord) error {
	if rec.Key.ActorID == s.failFor {
		return errors.New("constraint violation")
	}
	return s.BaselineStore.Upsert(ctx, rec)
}

func TestRefresher_RefreshAllContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	events := memory.NewEventStore()
	store := failingStore{BaselineStore: memory.NewBaselineStore(), failFor: "com.bad"}
	r := newTestRefresher(events, store)

	good := access(testNow.Add(-time.Hour), domain.VisibilityForeground)
	bad := good
	bad.ActorID = "com.bad"
	require.NoError(t, events.InsertMany(ctx, []domain.Event{bad, good}))

	err := r.RefreshAll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "com.bad")

	_, err = store.Get(ctx, camKey)
	assert.NoError(t, err)
}

func TestRefresher_MaintainPurgesAndRefreshes(t *testing.T) {
	ctx := context.Background()
	events := memory.NewEventStore()
	store := memory.NewBaselineStore()
	r := newTestRefresher(events, store)

	stale := access(testNow.Add(-45*24*time.Hour), domain.VisibilityForeground)
	stale.ActorID = "com.gone"
	require.NoError(t, events.InsertMany(ctx, []domain.Event{
		stale,
		access(testNow.Add(-time.Hour), domain.VisibilityForeground),
	}))
	require.NoError(t, store.Upsert(ctx, domain.BaselineRecord{Key: stale.Key()}))

	require.NoError(t, r.Maintain(ctx))
	assert.Equal(t, 1, events.Len())

	_, err := store.Get(ctx, camKey)
	assert.NoError(t, err)
	_, err = store.Get(ctx, stale.Key())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// gatedEvents держит первый Query по ключу до закрытия release.
type gatedEvents struct {
	*memory.EventStore
	key     domain.BaselineKey
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedEvents) Query(ctx context.Context, key domain.BaselineKey, start, end time.Time) ([]domain.Event, error) {
	if key == g.key && g.calls.Add(1) == 1 {
		close(g.entered)
		<-g.release
	}
	return g.EventStore.Query(ctx, key, start, end)
}

func TestRefresher_BurstWhileBusyCoalescesIntoOneRecompute(t *testing.T) {
	ctx := context.Background()
	wifiKey := domain.BaselineKey{ActorID: "com.burst", Resource: domain.ResourceWifiNetwork}
	events := &gatedEvents{
		EventStore: memory.NewEventStore(),
		key:        wifiKey,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	ev := access(testNow.Add(-time.Hour), domain.VisibilityForeground)
	ev.ActorID, ev.ResourceType = wifiKey.ActorID, wifiKey.Resource
	require.NoError(t, events.Insert(ctx, ev))

	store := memory.NewBaselineStore()
	r := newTestRefresher(events, store)
	r.Start(ctx)
	defer r.Stop()

	r.Request(wifiKey)
	select {
	case <-events.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not pick up the first request")
	}

	// воркер занят: весь всплеск схлопывается в одну запись очереди
	for i := 0; i < 20; i++ {
		r.Request(wifiKey)
	}
	assert.Equal(t, 1, r.Pending())
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.RefreshQueueDepth))

	close(events.release)
	require.Eventually(t, func() bool { return events.calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return r.Pending() == 0 }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), events.calls.Load())
	_, err := store.Get(ctx, wifiKey)
	assert.NoError(t, err)
}

type panickingEvents struct{ *memory.EventStore }

func (panickingEvents) Query(context.Context, domain.BaselineKey, time.Time, time.Time) ([]domain.Event, error) {
	panic("driver bug")
}

func TestRefresher_PanicCountedOnceAsError(t *testing.T) {
	metrics := engine.NewMetrics(nil)
	r := NewRefresher(panickingEvents{memory.NewEventStore()}, memory.NewBaselineStore(), Config{}, metrics, zap.NewNop(),
		WithClock(func() time.Time { return testNow }))

	outcome, err := r.Recompute(context.Background(), camKey)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, OutcomeError, outcome)

	assert.Equal(t, 1, testutil.CollectAndCount(metrics.BaselineRecomputes))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BaselineRecomputes.WithLabelValues(string(OutcomeError))))
}

func TestRefresher_RunMaintenanceIgnoresNonPositiveInterval(t *testing.T) {
	r := newTestRefresher(memory.NewEventStore(), memory.NewBaselineStore())

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.RunMaintenance(context.Background(), 0)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunMaintenance with zero interval should return immediately")
	}
}
