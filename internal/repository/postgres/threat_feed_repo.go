package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/xela07ax/signal-risk-engine/internal/threatfeed"
)

// ThreatFeedRepo - источник истины для фида; из него греются L1 и Redis.
type ThreatFeedRepo struct {
	db *sql.DB
}

func NewThreatFeedRepo(db *sql.DB) *ThreatFeedRepo {
	return &ThreatFeedRepo{db: db}
}

var _ threatfeed.EntrySource = (*ThreatFeedRepo)(nil)

func (r *ThreatFeedRepo) ListEntries(ctx context.Context) ([]threatfeed.Entry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT indicator, kind, score, tags, source FROM threat_feed_entries`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list feed entries: %w", err)
	}
	defer rows.Close()

	var out []threatfeed.Entry
	for rows.Next() {
		var (
			e    threatfeed.Entry
			kind string
			tags []byte
		)
		if err := rows.Scan(&e.Indicator, &kind, &e.Score, &tags, &e.Source); err != nil {
			return nil, fmt.Errorf("postgres: scan feed entry: %w", err)
		}
		e.Kind = threatfeed.Kind(kind)
		_ = json.Unmarshal(tags, &e.Tags)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *ThreatFeedRepo) Upsert(ctx context.Context, e threatfeed.Entry) error {
	if e.Tags == nil {
		e.Tags = []string{}
	}
	tags, _ := json.Marshal(e.Tags)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO threat_feed_entries (indicator, kind, score, tags, source, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (indicator, kind, source) DO UPDATE SET
			score = EXCLUDED.score, tags = EXCLUDED.tags, updated_at = NOW()`,
		e.Indicator, string(e.Kind), e.Score, string(tags), e.Source)
	if err != nil {
		return fmt.Errorf("postgres: upsert feed entry: %w", err)
	}
	return nil
}
