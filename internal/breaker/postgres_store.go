package breaker

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists breakers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const breakerColumns = `breaker_id, user_id, breaker_type, COALESCE(scope, ''), is_tripped, tripped_at,
	COALESCE(tripped_by, ''), COALESCE(trip_reason, ''), COALESCE(auto_reset_after_ms, 0), is_default,
	created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, b *Breaker) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO circuit_breakers (breaker_id, user_id, breaker_type, scope, is_tripped, tripped_at,
			tripped_by, trip_reason, auto_reset_after_ms, is_default, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, 0), $10, $11, $12)
	`, b.BreakerID, b.UserID, string(b.Type), b.Scope, b.IsTripped, b.TrippedAt,
		b.TrippedBy, b.TripReason, b.AutoResetAfterMs, b.IsDefault, b.CreatedAt, b.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrBreakerExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, userID, breakerID string) (*Breaker, error) {
	b, err := scanBreaker(p.db.QueryRowContext(ctx,
		`SELECT `+breakerColumns+` FROM circuit_breakers WHERE user_id = $1 AND breaker_id = $2`,
		userID, breakerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (p *PostgresStore) List(ctx context.Context, userID string) ([]*Breaker, error) {
	return p.query(ctx, `SELECT `+breakerColumns+` FROM circuit_breakers
		WHERE user_id = $1 ORDER BY is_default DESC, created_at, breaker_id`, userID)
}

func (p *PostgresStore) Delete(ctx context.Context, userID, breakerID string) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM circuit_breakers WHERE user_id = $1 AND breaker_id = $2 AND NOT is_default`,
		userID, breakerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Trip(ctx context.Context, userID, breakerID, by, reason string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE circuit_breakers
		SET is_tripped = TRUE, tripped_at = $1, tripped_by = NULLIF($2, ''), trip_reason = NULLIF($3, ''), updated_at = $1
		WHERE user_id = $4 AND breaker_id = $5 AND NOT is_tripped
	`, at, by, reason, userID, breakerID)
	return p.changed(ctx, res, err, userID, breakerID)
}

func (p *PostgresStore) Reset(ctx context.Context, userID, breakerID string, trippedAt *time.Time, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE circuit_breakers
		SET is_tripped = FALSE, tripped_at = NULL, tripped_by = NULL, trip_reason = NULL, updated_at = $1
		WHERE user_id = $2 AND breaker_id = $3 AND is_tripped
			AND ($4::timestamptz IS NULL OR tripped_at = $4)
	`, at, userID, breakerID, trippedAt)
	return p.changed(ctx, res, err, userID, breakerID)
}

// changed distinguishes a no-op conditional update from a missing row.
func (p *PostgresStore) changed(ctx context.Context, res sql.Result, err error, userID, breakerID string) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists bool
	err = p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM circuit_breakers WHERE user_id = $1 AND breaker_id = $2)`,
		userID, breakerID).Scan(&exists)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (p *PostgresStore) ListDueForReset(ctx context.Context, now time.Time, limit int) ([]*Breaker, error) {
	return p.query(ctx, `SELECT `+breakerColumns+` FROM circuit_breakers
		WHERE is_tripped AND auto_reset_after_ms IS NOT NULL
			AND tripped_at + auto_reset_after_ms * INTERVAL '1 millisecond' <= $1
		ORDER BY tripped_at LIMIT $2`, now, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Breaker, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Breaker
	for rows.Next() {
		b, err := scanBreaker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBreaker(s scanner) (*Breaker, error) {
	var (
		b         Breaker
		typ       string
		trippedAt sql.NullTime
	)
	err := s.Scan(&b.BreakerID, &b.UserID, &typ, &b.Scope, &b.IsTripped, &trippedAt,
		&b.TrippedBy, &b.TripReason, &b.AutoResetAfterMs, &b.IsDefault, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Type = Type(typ)
	if trippedAt.Valid {
		t := trippedAt.Time
		b.TrippedAt = &t
	}
	return &b, nil
}

var _ Store = (*PostgresStore)(nil)
