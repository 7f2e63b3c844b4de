package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
)

type fakeSource struct {
	name         string
	events       chan domain.Event
	startErr     error
	panicOnStart bool
	starts       atomic.Int32
	stops        atomic.Int32
	status       *StatusMachine
}

func newFakeSource(name string) *fakeSource {
	return &fakeSource{name: name, events: make(chan domain.Event, 16), status: NewStatusMachine()}
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) Start(context.Context) error {
	s.starts.Add(1)
	if s.panicOnStart {
		panic("sensor crashed")
	}
	if s.startErr != nil {
		s.status.Set(StatusError)
		return s.startErr
	}
	s.status.Set(StatusRunning)
	return nil
}

func (s *fakeSource) Stop() error {
	s.stops.Add(1)
	s.status.Set(StatusStopped)
	return nil
}

func (s *fakeSource) Status() Status { return s.status.Get() }
func (s *fakeSource) WatchStatus() (<-chan Status, func()) { return s.status.Watch() }
func (s *fakeSource) Events() <-chan domain.Event { return s.events }
func (s *fakeSource) SupportedResources() []domain.ResourceType {
	return []domain.ResourceType{domain.ResourceCamera, domain.ResourceWifiNetwork}
}

type staticSession struct{ snap *domain.SessionContext }

func (s staticSession) Current() *domain.SessionContext { return s.snap }

func testEvent(actor string, res domain.ResourceType) domain.Event {
	return domain.Event{
		ActorID:      actor,
		Type:         domain.EventResourceAccess,
		ResourceType: res,
		Timestamp:    time.Now(),
		Visibility:   domain.VisibilityForeground,
	}
}

func recv(t *testing.T, ch <-chan domain.Event) domain.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func assertEmpty(t *testing.T, ch <-chan domain.Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestCoordinator(sources ...EventSource) *Coordinator {
	return NewCoordinator(CoordinatorConfig{
		TimelineBuffer: 8,
		HotBuffer:      4,
		HighPriority:   []domain.ResourceType{domain.ResourceCamera},
	}, sources, staticSession{snap: &domain.SessionContext{SessionID: "s-1", ScreenOn: true}}, nil, zap.NewNop())
}

func TestLane_DropOldest(t *testing.T) {
	l := NewLane[int]("test", 3)
	for i := 1; i <= 5; i++ {
		l.Offer(i)
	}

	assert.Equal(t, uint64(2), l.Dropped())
	require.Equal(t, 3, l.Len())
	assert.Equal(t, 3, <-l.C())
	assert.Equal(t, 4, <-l.C())
	assert.Equal(t, 5, <-l.C())
}

func TestLane_ConcurrentProducersNeverBlock(t *testing.T) {
	l := NewLane[int]("test", 16)
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				l.Offer(i)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 16, l.Len())
	assert.Equal(t, uint64(8*500-16), l.Dropped())
}

func TestStatusMachine_CompareAndSwapAndWatch(t *testing.T) {
	m := NewStatusMachine()
	ch, unsubscribe := m.Watch()
	defer unsubscribe()
	assert.Equal(t, StatusStopped, <-ch)

	assert.False(t, m.CompareAndSwap(StatusRunning, StatusStopped))
	assert.True(t, m.CompareAndSwap(StatusStopped, StatusStarting))
	m.Set(StatusRunning)

	// подписчик видит последнее значение, промежуточное вытеснено
	assert.Equal(t, StatusRunning, <-ch)
	assert.Equal(t, StatusRunning, m.Get())
}

func TestCoordinator_StartTwiceNoDuplicateDelivery(t *testing.T) {
	src := newFakeSource("clipboard")
	c := newTestCoordinator(src)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	assert.Equal(t, int32(1), src.starts.Load())
	assert.Equal(t, StatusRunning, c.Status())

	src.events <- testEvent("com.app", domain.ResourceWifiNetwork)
	ev := recv(t, c.Timeline())
	assert.Equal(t, "com.app", ev.ActorID)
	assertEmpty(t, c.Timeline())
}

func TestCoordinator_StopTwiceIsNoop(t *testing.T) {
	src := newFakeSource("wifi")
	c := newTestCoordinator(src)
	require.NoError(t, c.Start(context.Background()))

	c.Stop()
	c.Stop()

	assert.Equal(t, int32(1), src.stops.Load())
	assert.Equal(t, StatusStopped, c.Status())
}

func TestCoordinator_RestartAfterStop(t *testing.T) {
	src := newFakeSource("wifi")
	c := newTestCoordinator(src)
	require.NoError(t, c.Start(context.Background()))
	c.Stop()
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	src.events <- testEvent("com.app", domain.ResourceWifiNetwork)
	recv(t, c.Timeline())
	assert.Equal(t, int32(2), src.starts.Load())
}

func TestCoordinator_HotLaneOnlyForHighPriority(t *testing.T) {
	src := newFakeSource("sensors")
	c := newTestCoordinator(src)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	src.events <- testEvent("com.cam", domain.ResourceCamera)
	src.events <- testEvent("com.net", domain.ResourceWifiNetwork)

	assert.Equal(t, domain.ResourceCamera, recv(t, c.Timeline()).ResourceType)
	assert.Equal(t, domain.ResourceWifiNetwork, recv(t, c.Timeline()).ResourceType)
	assert.Equal(t, domain.ResourceCamera, recv(t, c.Hot()).ResourceType)
	assertEmpty(t, c.Hot())
}

func TestCoordinator_EnrichesMissingSessionAndID(t *testing.T) {
	src := newFakeSource("sensors")
	c := newTestCoordinator(src)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	own := testEvent("com.a", domain.ResourceWifiNetwork).WithSession(domain.SessionContext{SessionID: "own"})
	src.events <- testEvent("com.a", domain.ResourceWifiNetwork)
	src.events <- own

	first := recv(t, c.Timeline())
	require.NotNil(t, first.Session)
	assert.Equal(t, "s-1", first.Session.SessionID)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "sensors", first.SourceID)

	second := recv(t, c.Timeline())
	assert.Equal(t, "own", second.Session.SessionID)
}

func TestCoordinator_FailingSourcesDoNotAffectSiblings(t *testing.T) {
	broken := newFakeSource("broken")
	broken.startErr = errors.New("permission denied")
	crashing := newFakeSource("crashing")
	crashing.panicOnStart = true
	healthy := newFakeSource("healthy")

	c := newTestCoordinator(broken, crashing, healthy)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	// Start возвращается, когда все источники уже запущены
	assert.Equal(t, StatusRunning, c.Status())
	assert.Equal(t, StatusError, broken.Status())
	assert.Equal(t, StatusRunning, healthy.Status())
	assert.Equal(t, int32(1), crashing.starts.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.SourceFailures.WithLabelValues("broken", "start")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.SourceFailures.WithLabelValues("crashing", "panic")))
	assert.Zero(t, testutil.ToFloat64(c.metrics.SourceFailures.WithLabelValues("crashing", "start")))

	healthy.events <- testEvent("com.ok", domain.ResourceWifiNetwork)
	assert.Equal(t, "com.ok", recv(t, c.Timeline()).ActorID)
}

func TestCoordinator_StartReturnsAfterSourcesStarted(t *testing.T) {
	for i := 0; i < 50; i++ {
		src := newFakeSource("sensors")
		c := newTestCoordinator(src)
		require.NoError(t, c.Start(context.Background()))
		assert.Equal(t, int32(1), src.starts.Load())
		assert.Equal(t, StatusRunning, src.Status())
		c.Stop()
	}
}

func TestCoordinator_ClosedStreamStopsOnlyThatSource(t *testing.T) {
	done := newFakeSource("done")
	live := newFakeSource("live")
	c := newTestCoordinator(done, live)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	close(done.events)
	live.events <- testEvent("com.live", domain.ResourceWifiNetwork)
	assert.Equal(t, "com.live", recv(t, c.Timeline()).ActorID)
}

func TestCoordinator_RejectsInvalidEvents(t *testing.T) {
	src := newFakeSource("sensors")
	c := newTestCoordinator(src)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	src.events <- testEvent("", domain.ResourceWifiNetwork)
	src.events <- testEvent("com.a", domain.ResourceType("TOASTER"))
	assertEmpty(t, c.Timeline())
}

func TestCoordinator_NoSources(t *testing.T) {
	c := newTestCoordinator()
	require.ErrorIs(t, c.Start(context.Background()), ErrNoSources)
	assert.Equal(t, StatusError, c.Status())
	c.Stop()
}

func TestCoordinator_TimelineOverflowDropsOldest(t *testing.T) {
	src := newFakeSource("burst")
	c := newTestCoordinator(src)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	for i := 0; i < 12; i++ {
		ev := testEvent("com.burst", domain.ResourceWifiNetwork)
		ev.Metadata = map[string]string{domain.MetaWifiSSID: string(rune('a' + i))}
		src.events <- ev
	}

	require.Eventually(t, func() bool { return c.LaneStats()[LaneTimeline] == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "e", recv(t, c.Timeline()).Meta(domain.MetaWifiSSID))
}
