package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
)

// EventRepo - журнал сигналов (timeline).
type EventRepo struct {
	db *sql.DB
}

func NewEventRepo(db *sql.DB) *EventRepo {
	return &EventRepo{db: db}
}

const eventColumns = "id, actor_id, source_id, event_type, resource_type, ts, duration_ms, visibility, session, confidence, priority, metadata"

// Количество колонок в таблице signal_events, которые пишем
const eventFields = 12

// Postgres ограничивает запрос 65535 параметрами
const maxInsertBatch = 1000

func (r *EventRepo) Insert(ctx context.Context, ev domain.Event) error {
	return r.InsertMany(ctx, []domain.Event{ev})
}

// InsertMany пишет события пачками по maxInsertBatch. Дубликаты по id игнорируются.
func (r *EventRepo) InsertMany(ctx context.Context, events []domain.Event) error {
	for len(events) > 0 {
		n := min(len(events), maxInsertBatch)
		if err := r.insertChunk(ctx, events[:n]); err != nil {
			return err
		}
		events = events[n:]
	}
	return nil
}

func (r *EventRepo) insertChunk(ctx context.Context, events []domain.Event) error {

	var sb strings.Builder
	vals := make([]any, 0, len(events)*eventFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		if i > 0 {
			sb.WriteByte(',')
		}
		p := i * eventFields
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10, p+11, p+12))

		var session any // NULL, если сессии нет
		if e.Session != nil {
			b, _ := json.Marshal(e.Session)
			session = string(b)
		}
		meta := e.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		metaJSON, _ := json.Marshal(meta)

		vals = append(vals,
			e.ID, e.ActorID, e.SourceID, string(e.Type), string(e.ResourceType),
			e.Timestamp.UTC(), e.DurationMs, string(e.Visibility), session,
			string(e.Confidence), string(e.Priority), string(metaJSON),
		)
	}

	query := fmt.Sprintf("INSERT INTO signal_events (%s) VALUES %s ON CONFLICT (id) DO NOTHING", eventColumns, sb.String())
	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: insert events: %w", err)
	}
	return nil
}

// Query - события ключа в интервале [start, end] по возрастанию времени.
func (r *EventRepo) Query(ctx context.Context, key domain.BaselineKey, start, end time.Time) ([]domain.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+eventColumns+` FROM signal_events
		WHERE actor_id = $1 AND resource_type = $2 AND ts BETWEEN $3 AND $4
		ORDER BY ts`,
		key.ActorID, string(key.Resource), start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("postgres: query events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *EventRepo) DistinctKeys(ctx context.Context) ([]domain.BaselineKey, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT actor_id, resource_type FROM signal_events`)
	if err != nil {
		return nil, fmt.Errorf("postgres: distinct keys: %w", err)
	}
	defer rows.Close()

	var out []domain.BaselineKey
	for rows.Next() {
		var k domain.BaselineKey
		var res string
		if err := rows.Scan(&k.ActorID, &res); err != nil {
			return nil, fmt.Errorf("postgres: scan key: %w", err)
		}
		k.Resource = domain.ResourceType(res)
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r *EventRepo) PurgeOlderThan(ctx context.Context, threshold time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM signal_events WHERE ts < $1`, threshold.UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres: purge events: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func scanEvent(rows *sql.Rows) (domain.Event, error) {
	var (
		ev                                     domain.Event
		evType, res, vis, confidence, priority string
		duration                               sql.NullInt64
		session, meta                          []byte
	)
	if err := rows.Scan(&ev.ID, &ev.ActorID, &ev.SourceID, &evType, &res, &ev.Timestamp,
		&duration, &vis, &session, &confidence, &priority, &meta); err != nil {
		return ev, fmt.Errorf("postgres: scan event: %w", err)
	}

	ev.Type = domain.EventType(evType)
	ev.ResourceType = domain.ResourceType(res)
	ev.Visibility = domain.Visibility(vis)
	ev.Confidence = domain.Confidence(confidence)
	ev.Priority = domain.Priority(priority)
	if duration.Valid {
		d := duration.Int64
		ev.DurationMs = &d
	}
	if err := decodeEventJSON(&ev, session, meta); err != nil {
		return ev, err
	}
	return ev, nil
}

// decodeEventJSON разбирает jsonb-колонки. Битая строка - ошибка чтения, а не пустые поля.
func decodeEventJSON(ev *domain.Event, session, meta []byte) error {
	if len(session) > 0 && string(session) != "null" {
		var s domain.SessionContext
		if err := json.Unmarshal(session, &s); err != nil {
			return fmt.Errorf("postgres: decode session of event %s: %w", ev.ID, err)
		}
		ev.Session = &s
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
			return fmt.Errorf("postgres: decode metadata of event %s: %w", ev.ID, err)
		}
	}
	return nil
}
