package cardctx

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

const hashConstraint = "card_contexts_context_hash_key"

// PostgresStore persists card contexts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const cardColumns = `card_id, user_id, context_id, context_hash, session_boundary, boundary_expires_at,
	ip_obfuscation, timing_randomization, behavior_masking, status, COALESCE(freeze_reason, ''),
	created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, c *CardContext) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO card_contexts (card_id, user_id, context_id, context_hash, session_boundary, boundary_expires_at,
			ip_obfuscation, timing_randomization, behavior_masking, status, freeze_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13)
	`, c.CardID, c.UserID, c.ContextID, c.CardContextHash, c.SessionBoundary, c.BoundaryExpiresAt,
		c.CorrelationResistance.IPObfuscation, c.CorrelationResistance.TimingRandomization,
		c.CorrelationResistance.BehaviorMasking, string(c.Status), string(c.FreezeReason), c.CreatedAt, c.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if pqErr.Constraint == hashConstraint {
			return ErrHashCollision
		}
		return ErrCardExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, cardID string) (*CardContext, error) {
	return p.getOne(ctx, `SELECT `+cardColumns+` FROM card_contexts WHERE card_id = $1`, cardID)
}

func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*CardContext, error) {
	return p.getOne(ctx, `SELECT `+cardColumns+` FROM card_contexts WHERE context_hash = $1`, hash)
}

func (p *PostgresStore) getOne(ctx context.Context, query string, arg string) (*CardContext, error) {
	c, err := scanCard(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*CardContext, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM card_contexts WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*CardContext
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateBoundary(ctx context.Context, cardID, boundary string, expiresAt, updatedAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE card_contexts SET session_boundary = $1, boundary_expires_at = $2, updated_at = $3
		WHERE card_id = $4
	`, boundary, expiresAt, updatedAt, cardID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, cardID string, from, to Status, reason FreezeReason, updatedAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE card_contexts SET status = $1, freeze_reason = NULLIF($2, ''), updated_at = $3
		WHERE card_id = $4 AND status = $5
	`, string(to), string(reason), updatedAt, cardID, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCard(s scanner) (*CardContext, error) {
	c := &CardContext{}
	var status, reason string
	err := s.Scan(&c.CardID, &c.UserID, &c.ContextID, &c.CardContextHash, &c.SessionBoundary, &c.BoundaryExpiresAt,
		&c.CorrelationResistance.IPObfuscation, &c.CorrelationResistance.TimingRandomization,
		&c.CorrelationResistance.BehaviorMasking, &status, &reason, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = Status(status)
	c.FreezeReason = FreezeReason(reason)
	return c, nil
}

var _ Store = (*PostgresStore)(nil)
