package timeline

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

type flakyWriter struct {
	mu     sync.Mutex
	failOn map[string]bool
	wrote  []string
}

func (w *flakyWriter) Insert(_ context.Context, ev domain.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failOn[ev.ID] {
		return errors.New("disk full")
	}
	w.wrote = append(w.wrote, ev.ID)
	return nil
}

func (w *flakyWriter) written() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.wrote...)
}

type recordingRefresher struct {
	mu   sync.Mutex
	keys []domain.BaselineKey
}

func (r *recordingRefresher) Request(key domain.BaselineKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
}

func (r *recordingRefresher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

func event(id, actor string) domain.Event {
	return domain.Event{
		ID:           id,
		ActorID:      actor,
		Type:         domain.EventResourceAccess,
		ResourceType: domain.ResourceMicrophone,
		Timestamp:    time.Now(),
	}
}

func TestPersister_WritesAndNotifies(t *testing.T) {
	in := make(chan domain.Event, 4)
	store := memory.NewEventStore()
	ref := &recordingRefresher{}
	p := NewPersister(in, store, ref, time.Second, nil, zap.NewNop())
	p.Start(context.Background())
	defer p.Stop()

	in <- event("1", "com.a")
	in <- event("2", "com.b")

	require.Eventually(t, func() bool { return ref.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, store.Len())
}

func TestPersister_WriteFailureDropsButStillNotifies(t *testing.T) {
	in := make(chan domain.Event, 4)
	w := &flakyWriter{failOn: map[string]bool{"bad": true}}
	ref := &recordingRefresher{}
	p := NewPersister(in, w, ref, time.Second, nil, zap.NewNop())
	p.Start(context.Background())
	defer p.Stop()

	in <- event("bad", "com.a")
	in <- event("good", "com.a")

	require.Eventually(t, func() bool { return ref.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"good"}, w.written())
}

func TestPersister_StartStopIdempotent(t *testing.T) {
	in := make(chan domain.Event)
	p := NewPersister(in, memory.NewEventStore(), &recordingRefresher{}, 0, nil, zap.NewNop())

	p.Start(context.Background())
	p.Start(context.Background())
	p.Stop()
	p.Stop()
}
