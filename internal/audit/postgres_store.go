package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// PostgresStore persists events to PostgreSQL. The audit_events table has
// no UPDATE or DELETE path in this package.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Event) error {
	data, err := json.Marshal(e.EventData)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, user_id, event_type, event_data, created_at)
		VALUES ($1, $2, $3, $4::JSONB, $5)
	`, e.ID, e.UserID, string(e.EventType), string(data), e.Timestamp)
	return err
}

func (p *PostgresStore) Query(ctx context.Context, q Query) ([]*Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if q.UserID != "" {
		add("user_id = $%d", q.UserID)
	}
	if q.EventType != "" {
		add("event_type = $%d", string(q.EventType))
	}
	if !q.From.IsZero() {
		add("created_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("created_at <= $%d", q.To)
	}
	if q.BeforeID != "" {
		add("id < $%d", q.BeforeID)
	}

	query := `SELECT id, user_id, event_type, event_data::TEXT, created_at FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (p *PostgresStore) After(ctx context.Context, afterID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, event_type, event_data::TEXT, created_at
		FROM audit_events WHERE id > $1 ORDER BY id ASC LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (p *PostgresStore) SaveAnchor(ctx context.Context, a *Anchor) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_anchors (id, merkle_root, batch_size, first_event_id, last_event_id, anchored_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.ID, a.MerkleRoot, a.BatchSize, a.FirstEventID, a.LastEventID, a.AnchoredAt)
	return err
}

func (p *PostgresStore) LatestAnchor(ctx context.Context) (*Anchor, error) {
	a := &Anchor{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, merkle_root, batch_size, first_event_id, last_event_id, anchored_at
		FROM audit_anchors ORDER BY anchored_at DESC, last_event_id DESC LIMIT 1
	`).Scan(&a.ID, &a.MerkleRoot, &a.BatchSize, &a.FirstEventID, &a.LastEventID, &a.AnchoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoAnchor
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		var (
			e    Event
			kind string
			data string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &data, &e.Timestamp); err != nil {
			return nil, err
		}
		e.EventType = EventType(kind)
		if data != "" && data != "null" {
			if err := json.Unmarshal([]byte(data), &e.EventData); err != nil {
				return nil, fmt.Errorf("decode event data %s: %w", e.ID, err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

var (
	_ Store       = (*PostgresStore)(nil)
	_ AnchorStore = (*PostgresStore)(nil)
)
