package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
)

type BaselineRepo struct {
	db *sql.DB
}

func NewBaselineRepo(db *sql.DB) *BaselineRepo {
	return &BaselineRepo{db: db}
}

const upsertBaselineSQL = `
INSERT INTO baselines (
	actor_id, resource_type, average_daily_count, stddev_daily_count, median_duration_ms,
	last_seen_ts, last_seen_visibility, expected_visibility,
	permission_mismatch_score, override_conflict_score, event_count, sample_days, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (actor_id, resource_type) DO UPDATE SET
	average_daily_count       = EXCLUDED.average_daily_count,
	stddev_daily_count        = EXCLUDED.stddev_daily_count,
	median_duration_ms        = EXCLUDED.median_duration_ms,
	last_seen_ts              = EXCLUDED.last_seen_ts,
	last_seen_visibility      = EXCLUDED.last_seen_visibility,
	expected_visibility       = EXCLUDED.expected_visibility,
	permission_mismatch_score = EXCLUDED.permission_mismatch_score,
	override_conflict_score   = EXCLUDED.override_conflict_score,
	event_count               = EXCLUDED.event_count,
	sample_days               = EXCLUDED.sample_days,
	updated_at                = EXCLUDED.updated_at`

// execer - общий знаменатель *sql.DB и *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *BaselineRepo) Upsert(ctx context.Context, rec domain.BaselineRecord) error {
	return upsertBaseline(ctx, r.db, rec)
}

// UpsertMany пишет все записи в одной транзакции.
func (r *BaselineRepo) UpsertMany(ctx context.Context, recs []domain.BaselineRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range recs {
		if err := upsertBaseline(ctx, tx, rec); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func upsertBaseline(ctx context.Context, db execer, rec domain.BaselineRecord) error {
	_, err := db.ExecContext(ctx, upsertBaselineSQL,
		rec.Key.ActorID, string(rec.Key.Resource),
		rec.AverageDailyCount, rec.StdDevDailyCount, rec.MedianDurationMs,
		rec.LastSeenTimestamp, visibilityArg(rec.LastSeenVisibility), visibilityArg(rec.ExpectedVisibility),
		rec.PermissionMismatchScore, rec.OverrideConflictScore,
		rec.EventCount, rec.SampleDays, rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert baseline %s: %w", rec.Key, err)
	}
	return nil
}

func (r *BaselineRepo) Get(ctx context.Context, key domain.BaselineKey) (*domain.BaselineRecord, error) {
	var (
		rec                domain.BaselineRecord
		median             sql.NullFloat64
		lastSeen           sql.NullTime
		lastVis, expectVis sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT average_daily_count, stddev_daily_count, median_duration_ms, last_seen_ts,
		       last_seen_visibility, expected_visibility, permission_mismatch_score,
		       override_conflict_score, event_count, sample_days, updated_at
		FROM baselines WHERE actor_id = $1 AND resource_type = $2`,
		key.ActorID, string(key.Resource),
	).Scan(&rec.AverageDailyCount, &rec.StdDevDailyCount, &median, &lastSeen,
		&lastVis, &expectVis, &rec.PermissionMismatchScore,
		&rec.OverrideConflictScore, &rec.EventCount, &rec.SampleDays, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get baseline %s: %w", key, err)
	}

	rec.Key = key
	if median.Valid {
		rec.MedianDurationMs = &median.Float64
	}
	if lastSeen.Valid {
		t := lastSeen.Time.UTC()
		rec.LastSeenTimestamp = &t
	}
	rec.LastSeenVisibility = visibilityPtr(lastVis)
	rec.ExpectedVisibility = visibilityPtr(expectVis)
	return &rec, nil
}

func (r *BaselineRepo) Delete(ctx context.Context, key domain.BaselineKey) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM baselines WHERE actor_id = $1 AND resource_type = $2`,
		key.ActorID, string(key.Resource))
	if err != nil {
		return fmt.Errorf("postgres: delete baseline %s: %w", key, err)
	}
	return nil
}

func visibilityArg(v *domain.Visibility) any {
	if v == nil {
		return nil
	}
	return string(*v)
}

func visibilityPtr(s sql.NullString) *domain.Visibility {
	if !s.Valid {
		return nil
	}
	v := domain.Visibility(s.String)
	return &v
}
