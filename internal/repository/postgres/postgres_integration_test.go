//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
	"github.com/xela07ax/signal-risk-engine/internal/threatfeed"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	ctx := context.Background()
	db, err := Open(ctx, dbURL, Options{})
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, db))

	t.Cleanup(func() {
		db.ExecContext(ctx, "DELETE FROM signal_events")
		db.ExecContext(ctx, "DELETE FROM baselines")
		db.ExecContext(ctx, "DELETE FROM threat_feed_entries")
		db.Close()
	})
	return db
}

func TestPostgres_EventRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEventRepo(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	dur := int64(1200)
	events := []domain.Event{
		{
			ID: uuid.NewString(), ActorID: "com.cam", Type: domain.EventResourceAccess,
			ResourceType: domain.ResourceCamera, Timestamp: now, DurationMs: &dur,
			Visibility: domain.VisibilityBackground, Priority: domain.PriorityHigh,
			Session:  &domain.SessionContext{SessionID: "s-1", ScreenOn: true},
			Metadata: map[string]string{domain.MetaOverrideConflict: "true"},
		},
		{
			ID: uuid.NewString(), ActorID: "com.cam", Type: domain.EventResourceAccess,
			ResourceType: domain.ResourceCamera, Timestamp: now.Add(-40 * 24 * time.Hour),
			Visibility: domain.VisibilityForeground,
		},
	}
	require.NoError(t, repo.InsertMany(ctx, events))
	require.NoError(t, repo.Insert(ctx, events[0])) // дубликат игнорируется

	key := domain.BaselineKey{ActorID: "com.cam", Resource: domain.ResourceCamera}
	got, err := repo.Query(ctx, key, now.Add(-time.Hour), now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, dur, *got[0].DurationMs)
	assert.Equal(t, "s-1", got[0].Session.SessionID)
	assert.Equal(t, "true", got[0].Meta(domain.MetaOverrideConflict))

	keys, err := repo.DistinctKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.BaselineKey{key}, keys)

	n, err := repo.PurgeOlderThan(ctx, now.Add(-31*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPostgres_QueryFailsOnCorruptMetadata(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEventRepo(db)
	ctx := context.Background()

	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, `INSERT INTO signal_events (id, actor_id, event_type, resource_type, ts, metadata)
		VALUES ($1, 'com.broken', 'RESOURCE_ACCESS', 'CAMERA', $2, '["not","a","map"]'::jsonb)`, "ev-broken", now)
	require.NoError(t, err)

	_, err = repo.Query(ctx, domain.BaselineKey{ActorID: "com.broken", Resource: domain.ResourceCamera},
		now.Add(-time.Hour), now.Add(time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ev-broken")
}

func TestPostgres_BaselineUpsertGetDelete(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBaselineRepo(db)
	ctx := context.Background()
	key := domain.BaselineKey{ActorID: "com.mic", Resource: domain.ResourceMicrophone}

	_, err := repo.Get(ctx, key)
	require.ErrorIs(t, err, domain.ErrNotFound)

	vis := domain.VisibilityForeground
	rec := domain.BaselineRecord{Key: key, AverageDailyCount: 2, ExpectedVisibility: &vis, UpdatedAt: time.Now()}
	require.NoError(t, repo.Upsert(ctx, rec))
	rec.AverageDailyCount = 5
	require.NoError(t, repo.UpsertMany(ctx, []domain.BaselineRecord{rec}))

	got, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 5.0, got.AverageDailyCount)
	assert.Equal(t, vis, *got.ExpectedVisibility)
	assert.Nil(t, got.MedianDurationMs)

	require.NoError(t, repo.Delete(ctx, key))
	_, err = repo.Get(ctx, key)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostgres_ThreatFeedEntries(t *testing.T) {
	db := setupTestDB(t)
	repo := NewThreatFeedRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, threatfeed.Entry{Indicator: "evil.com", Kind: threatfeed.KindHost, Score: 90, Source: "urlhaus", Tags: []string{"phishing"}}))
	require.NoError(t, repo.Upsert(ctx, threatfeed.Entry{Indicator: "evil.com", Kind: threatfeed.KindHost, Score: 95, Source: "urlhaus"}))

	entries, err := repo.ListEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 95.0, entries[0].Score)
}
