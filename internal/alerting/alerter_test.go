package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
	"github.com/xela07ax/signal-risk-engine/internal/repository/memory"
)

type stubScorer struct {
	verdict domain.RiskVerdict
	calls   int
}

func (s *stubScorer) Evaluate(context.Context, string) domain.RiskVerdict {
	s.calls++
	return s.verdict
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (s *recordingSink) Notify(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return s.err
}

func (s *recordingSink) snapshot() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.alerts...)
}

func vis(v domain.Visibility) *domain.Visibility { return &v }

func TestAlerter_RiskyURL(t *testing.T) {
	scorer := &stubScorer{verdict: domain.RiskVerdict{
		Provider: "heuristic_url", Status: domain.VerdictMalicious, Score: 0.9,
		Details: map[string]string{"signals": "brand_spoof=0.9"},
	}}
	a := NewAlerter(nil, scorer, nil, &recordingSink{}, Config{}, nil, zap.NewNop())

	ev := domain.Event{
		ID: "ev-1", ActorID: "com.clip", ResourceType: domain.ResourcePhishingURL,
		Metadata: map[string]string{domain.MetaURL: "http://paypal-login.example.tk"},
	}
	alerts := a.Evaluate(context.Background(), ev)
	require.Len(t, alerts, 1)
	assert.Equal(t, ReasonRiskyURL, alerts[0].Reason)
	assert.Equal(t, domain.VerdictMalicious, alerts[0].Status)
	assert.Equal(t, "brand_spoof=0.9", alerts[0].Details["signals"])
	assert.Equal(t, "ev-1", alerts[0].EventID)
	assert.NotEmpty(t, alerts[0].ID)

	scorer.verdict = domain.RiskVerdict{Status: domain.VerdictClean, Score: 0.1}
	assert.Empty(t, a.Evaluate(context.Background(), ev))

	assert.Empty(t, a.Evaluate(context.Background(), domain.Event{ActorID: "x", ResourceType: domain.ResourceCamera}))
	assert.Equal(t, 2, scorer.calls)
}

func TestAlerter_BaselineDeviations(t *testing.T) {
	store := memory.NewBaselineStore()
	key := domain.BaselineKey{ActorID: "com.cam", Resource: domain.ResourceCamera}
	require.NoError(t, store.Upsert(context.Background(), domain.BaselineRecord{
		Key:                     key,
		ExpectedVisibility:      vis(domain.VisibilityForeground),
		PermissionMismatchScore: 0.6,
		OverrideConflictScore:   0.2,
	}))

	a := NewAlerter(nil, nil, store, &recordingSink{}, Config{}, nil, zap.NewNop())

	ev := domain.Event{ActorID: "com.cam", ResourceType: domain.ResourceCamera, Visibility: domain.VisibilityBackground}
	alerts := a.Evaluate(context.Background(), ev)
	require.Len(t, alerts, 2)
	assert.Equal(t, ReasonUnexpectedVisibility, alerts[0].Reason)
	assert.Equal(t, "FOREGROUND", alerts[0].Details["expected"])
	assert.Equal(t, ReasonPermissionMismatch, alerts[1].Reason)
	assert.InDelta(t, 0.6, alerts[1].Score, 1e-9)

	ev.Visibility = domain.VisibilityForeground
	alerts = a.Evaluate(context.Background(), ev)
	require.Len(t, alerts, 1)
	assert.Equal(t, ReasonPermissionMismatch, alerts[0].Reason)

	unknown := domain.Event{ActorID: "com.other", ResourceType: domain.ResourceCamera, Visibility: domain.VisibilityBackground}
	assert.Empty(t, a.Evaluate(context.Background(), unknown))
}

func TestAlerter_ConsumesLane(t *testing.T) {
	in := make(chan domain.Event, 4)
	sink := &recordingSink{err: errors.New("sink down")}
	scorer := &stubScorer{verdict: domain.RiskVerdict{Status: domain.VerdictSuspicious, Score: 0.5}}

	a := NewAlerter(in, scorer, nil, sink, Config{}, nil, zap.NewNop())
	a.Start(context.Background())
	a.Start(context.Background())

	in <- domain.Event{ActorID: "a", ResourceType: domain.ResourcePhishingURL, Metadata: map[string]string{domain.MetaURL: "http://x.tk"}}
	in <- domain.Event{ActorID: "b", ResourceType: domain.ResourcePhishingURL, Metadata: map[string]string{domain.MetaURL: "http://y.tk"}}

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	a.Stop()
	a.Stop()

	got := sink.snapshot()
	assert.Equal(t, "a", got[0].ActorID)
	assert.Equal(t, "b", got[1].ActorID)
}

func TestFanout_JoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("boom")}
	err := Fanout{ok, bad, NewLogSink(zap.NewNop())}.Notify(context.Background(), Alert{Reason: ReasonRiskyURL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Len(t, ok.snapshot(), 1)
}
