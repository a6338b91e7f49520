package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/discard/internal/audit"
	"github.com/mbd888/discard/internal/clock"
	"github.com/mbd888/discard/internal/idgen"
	"github.com/mbd888/discard/internal/logging"
	"github.com/mbd888/discard/internal/metrics"
)

const (
	defaultEmergencyReason = "emergency stop"
	sweepBatchSize         = 100
	autoResetActor         = "system"
)

// Registry is the single owner of breaker mutations.
type Registry struct {
	store Store
	clock clock.Clock
	audit audit.Recorder
}

func NewRegistry(store Store, clk clock.Clock, rec audit.Recorder) *Registry {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Registry{store: store, clock: clk, audit: rec}
}

// InitializeDefaults seeds the default breakers for a user. Breakers that
// already exist are left untouched, so repeated calls are harmless.
func (r *Registry) InitializeDefaults(ctx context.Context, userID string) ([]*Breaker, error) {
	now := r.clock.Now()
	for _, d := range defaults {
		b := &Breaker{
			BreakerID: d.id,
			UserID:    userID,
			Type:      d.typ,
			Scope:     d.scope,
			IsDefault: true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err := r.store.Create(ctx, b)
		if errors.Is(err, ErrBreakerExists) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("seed %s: %w", d.id, err)
		}
		r.record(ctx, userID, audit.EventBreakerCreated, b, nil)
	}
	return r.store.List(ctx, userID)
}

// CreateBreaker adds a custom breaker. Only the seeded breaker may be global.
func (r *Registry) CreateBreaker(ctx context.Context, userID string, req CreateRequest) (*Breaker, error) {
	switch req.Type {
	case TypeActionType, TypeGoal, TypeProtocol:
	default:
		return nil, fmt.Errorf("%w: unsupported type %q", ErrInvalidBreaker, req.Type)
	}
	if req.Scope == "" {
		return nil, fmt.Errorf("%w: scope is required for %s breakers", ErrInvalidBreaker, req.Type)
	}
	if req.AutoResetAfterMs < 0 {
		return nil, fmt.Errorf("%w: autoResetAfterMs must not be negative", ErrInvalidBreaker)
	}
	if req.BreakerID == "" {
		req.BreakerID = idgen.WithPrefix("cb_")
	}
	if IsDefaultID(req.BreakerID) {
		return nil, ErrBreakerExists
	}

	now := r.clock.Now()
	b := &Breaker{
		BreakerID:        req.BreakerID,
		UserID:           userID,
		Type:             req.Type,
		Scope:            req.Scope,
		AutoResetAfterMs: req.AutoResetAfterMs,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.Create(ctx, b); err != nil {
		return nil, err
	}
	r.record(ctx, userID, audit.EventBreakerCreated, b, nil)
	return b, nil
}

// DeleteBreaker removes a custom breaker.
func (r *Registry) DeleteBreaker(ctx context.Context, userID, breakerID string) error {
	b, err := r.store.Get(ctx, userID, breakerID)
	if err != nil {
		return err
	}
	if b.IsDefault {
		return ErrCannotDeleteDefault
	}
	if err := r.store.Delete(ctx, userID, breakerID); err != nil {
		return err
	}
	r.record(ctx, userID, audit.EventBreakerDeleted, b, nil)
	return nil
}

func (r *Registry) GetBreaker(ctx context.Context, userID, breakerID string) (*Breaker, error) {
	return r.store.Get(ctx, userID, breakerID)
}

func (r *Registry) ListBreakers(ctx context.Context, userID string) ([]*Breaker, error) {
	return r.store.List(ctx, userID)
}

// CheckBreakers reports every tripped breaker that blocks the action.
// Store failures are returned so callers can fail closed.
func (r *Registry) CheckBreakers(ctx context.Context, userID string, action Action) (*CheckResult, error) {
	all, err := r.store.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list breakers: %w", err)
	}
	res := &CheckResult{TrippedBreakers: []*Breaker{}}
	for _, b := range all {
		if b.Blocks(action) {
			res.TrippedBreakers = append(res.TrippedBreakers, b)
		}
	}
	res.Blocked = len(res.TrippedBreakers) > 0
	if res.Blocked {
		ids := make([]string, len(res.TrippedBreakers))
		for i, b := range res.TrippedBreakers {
			ids[i] = b.BreakerID
		}
		_ = r.audit.Record(ctx, userID, audit.EventBreakerBlocked, map[string]any{
			"actionType": action.ActionType,
			"breakerIds": ids,
		})
	}
	return res, nil
}

// TripBreaker trips a breaker. Tripping an already-tripped breaker succeeds
// with Changed false and leaves the original trip time in place.
func (r *Registry) TripBreaker(ctx context.Context, userID, breakerID, by, reason string) (*Result, error) {
	changed, err := r.store.Trip(ctx, userID, breakerID, by, reason, r.clock.Now())
	if err != nil {
		return nil, err
	}
	b, err := r.store.Get(ctx, userID, breakerID)
	if err != nil {
		return nil, err
	}
	if changed {
		metrics.BreakerTransitionsTotal.WithLabelValues(string(b.Type), "tripped").Inc()
		r.record(ctx, userID, audit.EventBreakerTripped, b, map[string]any{"trippedBy": by, "reason": reason})
		logging.L(ctx).Warn("breaker tripped", "user", userID, "breaker", breakerID, "by", by)
	}
	return &Result{Breaker: b, Changed: changed}, nil
}

// ResetBreaker clears a breaker. Resetting an untripped breaker is a no-op.
func (r *Registry) ResetBreaker(ctx context.Context, userID, breakerID, by string) (*Result, error) {
	return r.reset(ctx, userID, breakerID, by, nil, audit.EventBreakerReset)
}

func (r *Registry) reset(ctx context.Context, userID, breakerID, by string, trippedAt *time.Time, et audit.EventType) (*Result, error) {
	changed, err := r.store.Reset(ctx, userID, breakerID, trippedAt, r.clock.Now())
	if err != nil {
		return nil, err
	}
	b, err := r.store.Get(ctx, userID, breakerID)
	if err != nil {
		return nil, err
	}
	if changed {
		metrics.BreakerTransitionsTotal.WithLabelValues(string(b.Type), "reset").Inc()
		r.record(ctx, userID, et, b, map[string]any{"resetBy": by})
	}
	return &Result{Breaker: b, Changed: changed}, nil
}

// EmergencyStop trips the user's global breaker. The breaker must have been
// seeded by InitializeDefaults.
func (r *Registry) EmergencyStop(ctx context.Context, userID, reason string) (*Result, error) {
	if reason == "" {
		reason = defaultEmergencyReason
	}
	res, err := r.TripBreaker(ctx, userID, GlobalKillSwitch, userID, reason)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrGlobalBreakerMissing
	}
	return res, err
}

// SweepAutoReset clears every tripped breaker whose auto-reset delay has
// elapsed and returns how many were cleared.
func (r *Registry) SweepAutoReset(ctx context.Context) (int, error) {
	now := r.clock.Now()
	due, err := r.store.ListDueForReset(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, err
	}
	cleared := 0
	for _, b := range due {
		if !b.DueForReset(now) {
			continue
		}
		res, err := r.reset(ctx, b.UserID, b.BreakerID, autoResetActor, b.TrippedAt, audit.EventBreakerAutoReset)
		if err != nil {
			logging.L(ctx).Warn("auto-reset failed", "user", b.UserID, "breaker", b.BreakerID, "error", err)
			continue
		}
		if res.Changed {
			cleared++
		}
	}
	return cleared, nil
}

func (r *Registry) record(ctx context.Context, userID string, et audit.EventType, b *Breaker, extra map[string]any) {
	data := map[string]any{
		"breakerId":   b.BreakerID,
		"breakerType": string(b.Type),
	}
	if b.Scope != "" {
		data["scope"] = b.Scope
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := r.audit.Record(ctx, userID, et, data); err != nil {
		logging.L(ctx).Error("breaker audit failed", "event", et, "error", err)
	}
}
