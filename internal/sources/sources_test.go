package sources

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
	"github.com/xela07ax/signal-risk-engine/internal/engine"
)

var replayBase = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func replayEvents() []domain.Event {
	return []domain.Event{
		{ActorID: "com.example.cam", ResourceType: domain.ResourceCamera, Timestamp: replayBase,
			Metadata: map[string]string{domain.MetaSensorName: "rear", "junk": "x"}},
		{ActorID: "com.example.wifi", ResourceType: domain.ResourceWifiNetwork, Timestamp: replayBase.Add(time.Minute)},
		{ActorID: "com.example.mic", ResourceType: domain.ResourceMicrophone, Timestamp: replayBase.Add(2 * time.Minute), SourceID: "recorded"},
	}
}

func drain(t *testing.T, ch <-chan domain.Event) []domain.Event {
	t.Helper()
	var out []domain.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream was not closed")
		}
	}
}

func TestReplaySource_PlaysAndCloses(t *testing.T) {
	src := NewReplaySource(ReplayConfig{Name: "demo"}, replayEvents(), zap.NewNop())
	require.NoError(t, src.Start(context.Background()))

	got := drain(t, src.Events())
	require.Len(t, got, 3)

	assert.Equal(t, "demo", got[0].SourceID)
	assert.Equal(t, map[string]string{domain.MetaSensorName: "rear"}, got[0].Metadata)
	assert.Equal(t, "recorded", got[2].SourceID)
	assert.Equal(t, replayBase, got[0].Timestamp)

	require.Eventually(t, func() bool { return src.Status() == engine.StatusStopped }, time.Second, 5*time.Millisecond)
	require.NoError(t, src.Stop())
	require.NoError(t, src.Stop())
}

func TestReplaySource_FiltersResources(t *testing.T) {
	src := NewReplaySource(ReplayConfig{
		Resources: []domain.ResourceType{domain.ResourceCamera, domain.ResourceMicrophone},
	}, replayEvents(), zap.NewNop())
	require.NoError(t, src.Start(context.Background()))

	got := drain(t, src.Events())
	require.Len(t, got, 2)
	assert.Equal(t, domain.ResourceCamera, got[0].ResourceType)
	assert.Equal(t, domain.ResourceMicrophone, got[1].ResourceType)
	assert.Equal(t, []domain.ResourceType{domain.ResourceCamera, domain.ResourceMicrophone}, src.SupportedResources())
}

func TestReplaySource_Rebase(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	src := NewReplaySource(ReplayConfig{Rebase: true}, replayEvents(), zap.NewNop())
	src.now = func() time.Time { return now }
	require.NoError(t, src.Start(context.Background()))

	got := drain(t, src.Events())
	require.Len(t, got, 3)
	assert.Equal(t, now, got[2].Timestamp)
	assert.Equal(t, now.Add(-2*time.Minute), got[0].Timestamp)
}

func TestReplaySource_StopInterruptsPacing(t *testing.T) {
	src := NewReplaySource(ReplayConfig{Interval: time.Hour}, replayEvents(), zap.NewNop())
	require.NoError(t, src.Start(context.Background()))
	require.ErrorIs(t, src.Start(context.Background()), ErrAlreadyRunning)

	first := <-src.Events()
	assert.Equal(t, "com.example.cam", first.ActorID)

	done := make(chan struct{})
	go func() {
		_ = src.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop blocked on pacing")
	}
	assert.Equal(t, engine.StatusStopped, src.Status())
}

func TestReplaySource_RestartAfterFinish(t *testing.T) {
	src := NewReplaySource(ReplayConfig{}, replayEvents()[:1], zap.NewNop())

	require.NoError(t, src.Start(context.Background()))
	assert.Len(t, drain(t, src.Events()), 1)

	require.Eventually(t, func() bool { return src.Start(context.Background()) == nil }, time.Second, 5*time.Millisecond)
	assert.Len(t, drain(t, src.Events()), 1)
}

func TestReplaySource_EventsBeforeStartIsClosed(t *testing.T) {
	src := NewReplaySource(ReplayConfig{}, nil, zap.NewNop())
	_, ok := <-src.Events()
	assert.False(t, ok)
}

func TestParseEvents(t *testing.T) {
	array := `[{"actor_id":"a","resource_type":"CAMERA","timestamp":"2026-03-01T10:00:00Z"}]`
	events, err := ParseEvents([]byte(array))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.ResourceCamera, events[0].ResourceType)

	jsonl := "{\"actor_id\":\"a\",\"resource_type\":\"CAMERA\",\"timestamp\":\"2026-03-01T10:00:00Z\"}\n\n" +
		"{\"actor_id\":\"b\",\"resource_type\":\"LOCATION\",\"timestamp\":\"2026-03-01T10:01:00Z\"}\n"
	events, err = ParseEvents([]byte(jsonl))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[1].ActorID)

	_, err = ParseEvents([]byte("{\"actor_id\":\"a\"}\nnot json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")

	events, err = ParseEvents([]byte("  \n"))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestLoadEvents_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"actor_id":"a","resource_type":"CLIPBOARD","timestamp":"2026-03-01T10:00:00Z"}`), 0o600))

	src, err := NewReplaySourceFromFile(ReplayConfig{Name: "file"}, path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, src.Start(context.Background()))
	got := drain(t, src.Events())
	require.Len(t, got, 1)
	assert.Equal(t, domain.ResourceClipboard, got[0].ResourceType)

	_, err = LoadEvents(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"actor_id":"a","resource_type":"MICROPHONE","timestamp":"2026-03-01T10:00:00Z","visibility":"BACKGROUND"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilityBackground, ev.Visibility)

	_, err = DecodeEvent([]byte("{"))
	assert.Error(t, err)
}
