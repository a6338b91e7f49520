package cardctx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/discard/internal/audit"
	"github.com/mbd888/discard/internal/clock"
	"github.com/mbd888/discard/internal/idgen"
)

// Registry owns card contexts. It is the only writer of the card store.
type Registry struct {
	store       Store
	deriver     *Deriver
	clock       clock.Clock
	boundaryTTL time.Duration
	audit       audit.Recorder
}

func NewRegistry(store Store, deriver *Deriver, c clock.Clock, boundaryTTL time.Duration, rec audit.Recorder) *Registry {
	if c == nil {
		c = clock.Real()
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Registry{store: store, deriver: deriver, clock: c, boundaryTTL: boundaryTTL, audit: rec}
}

// ProvisionRequest describes a newly issued card.
type ProvisionRequest struct {
	UserID     string
	CardID     string
	Resistance *CorrelationResistance // nil means DefaultResistance
	Pending    bool                   // leave the card pending until Activate
}

// Provision derives the card's context and persists it.
func (r *Registry) Provision(ctx context.Context, req ProvisionRequest) (*CardContext, error) {
	if req.UserID == "" || req.CardID == "" {
		return nil, errors.New("cardctx: user id and card id are required")
	}
	hash, err := r.deriver.Hash(req.UserID, req.CardID)
	if err != nil {
		return nil, fmt.Errorf("cardctx: derive: %w", err)
	}
	res := DefaultResistance
	if req.Resistance != nil {
		res = *req.Resistance
	}
	status := StatusActive
	if req.Pending {
		status = StatusPending
	}

	now := r.clock.Now()
	cc := &CardContext{
		CardID:                req.CardID,
		UserID:                req.UserID,
		ContextID:             uuid.NewString(),
		CardContextHash:       hash,
		SessionBoundary:       idgen.Token(32),
		BoundaryExpiresAt:     now.Add(r.boundaryTTL),
		CorrelationResistance: res,
		Status:                status,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := r.store.Create(ctx, cc); err != nil {
		if errors.Is(err, ErrHashCollision) {
			_ = r.audit.Record(ctx, req.UserID, audit.EventCorrelationBlocked, map[string]any{
				"reason":    "hash_collision",
				"contextId": cc.ContextID,
			})
		}
		return nil, err
	}

	_ = r.audit.Record(ctx, req.UserID, audit.EventCardProvisioned, map[string]any{
		"cardContextHash": hash,
		"contextId":       cc.ContextID,
		"status":          string(status),
	})
	return cc, nil
}

// GetCardContext resolves the context for cardID. Unknown and terminated
// cards both yield ErrContextUnavailable.
func (r *Registry) GetCardContext(ctx context.Context, cardID string) (*CardContext, error) {
	cc, err := r.store.Get(ctx, cardID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrContextUnavailable
	}
	if err != nil {
		return nil, err
	}
	if cc.Status == StatusTerminated {
		return nil, ErrContextUnavailable
	}
	return cc, nil
}

// GetOwned is GetCardContext restricted to cards of userID. Cards of other
// users are reported as unavailable, not forbidden.
func (r *Registry) GetOwned(ctx context.Context, userID, cardID string) (*CardContext, error) {
	cc, err := r.GetCardContext(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if cc.UserID != userID {
		return nil, ErrContextUnavailable
	}
	return cc, nil
}

// ListByUser returns the user's non-terminated cards.
func (r *Registry) ListByUser(ctx context.Context, userID string) ([]*CardContext, error) {
	all, err := r.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, cc := range all {
		if cc.Status != StatusTerminated {
			out = append(out, cc)
		}
	}
	return out, nil
}

// RotateSessionBoundary issues a new boundary; the previous token is stale
// from this point on.
func (r *Registry) RotateSessionBoundary(ctx context.Context, cardID string) (*CardContext, error) {
	cc, err := r.GetCardContext(ctx, cardID)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	cc.SessionBoundary = idgen.Token(32)
	cc.BoundaryExpiresAt = now.Add(r.boundaryTTL)
	cc.UpdatedAt = now
	if err := r.store.UpdateBoundary(ctx, cardID, cc.SessionBoundary, cc.BoundaryExpiresAt, now); err != nil {
		return nil, err
	}
	_ = r.audit.Record(ctx, cc.UserID, audit.EventSessionRotated, map[string]any{
		"cardContextHash": cc.CardContextHash,
		"expiresAt":       cc.BoundaryExpiresAt,
	})
	return cc, nil
}

// Activate moves a pending card to active.
func (r *Registry) Activate(ctx context.Context, cardID string) (*CardContext, error) {
	return r.transition(ctx, cardID, StatusActive, "", audit.EventCardActivated, StatusPending)
}

// Pause temporarily disables an active card.
func (r *Registry) Pause(ctx context.Context, cardID string) (*CardContext, error) {
	return r.transition(ctx, cardID, StatusPaused, "", audit.EventCardPaused, StatusActive)
}

// Resume reactivates a paused card.
func (r *Registry) Resume(ctx context.Context, cardID string) (*CardContext, error) {
	return r.transition(ctx, cardID, StatusActive, "", audit.EventCardResumed, StatusPaused)
}

// Freeze blocks an active or paused card for reason.
func (r *Registry) Freeze(ctx context.Context, cardID string, reason FreezeReason) (*CardContext, error) {
	if !reason.Valid() {
		return nil, ErrInvalidReason
	}
	return r.transition(ctx, cardID, StatusFrozen, reason, audit.EventCardFrozen, StatusActive, StatusPaused)
}

// Unfreeze reactivates a frozen card.
func (r *Registry) Unfreeze(ctx context.Context, cardID string) (*CardContext, error) {
	return r.transition(ctx, cardID, StatusActive, "", audit.EventCardUnfrozen, StatusFrozen)
}

// Terminate revokes the card permanently. Its context becomes unavailable.
func (r *Registry) Terminate(ctx context.Context, cardID string) (*CardContext, error) {
	return r.transition(ctx, cardID, StatusTerminated, "", audit.EventCardTerminated,
		StatusPending, StatusActive, StatusPaused, StatusFrozen)
}

func (r *Registry) transition(ctx context.Context, cardID string, to Status, reason FreezeReason, event audit.EventType, from ...Status) (*CardContext, error) {
	cc, err := r.GetCardContext(ctx, cardID)
	if err != nil {
		return nil, err
	}
	allowed := false
	for _, f := range from {
		if cc.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cc.Status, to)
	}

	now := r.clock.Now()
	if err := r.store.UpdateStatus(ctx, cardID, cc.Status, to, reason, now); err != nil {
		return nil, err
	}
	prev := cc.Status
	cc.Status = to
	cc.FreezeReason = reason
	cc.UpdatedAt = now

	_ = r.audit.Record(ctx, cc.UserID, event, map[string]any{
		"cardContextHash": cc.CardContextHash,
		"from":            string(prev),
		"to":              string(to),
		"reason":          string(reason),
	})
	return cc, nil
}
