// Package isolation is the mandatory first gate in front of every sensitive
// card operation. It resolves the card's context, checks that the session
// boundary is current and that no other card's state is attached to the
// caller, and fails closed otherwise.
package isolation

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/mbd888/discard/internal/audit"
	"github.com/mbd888/discard/internal/cardctx"
	"github.com/mbd888/discard/internal/clock"
	"github.com/mbd888/discard/internal/metrics"
	"github.com/mbd888/discard/internal/syncutil"
)

// ErrIsolationViolation matches every *Violation.
var ErrIsolationViolation = errors.New("isolation violation")

// Reason says which isolation check failed.
type Reason string

const (
	ReasonContextUnavailable Reason = "context_unavailable"
	ReasonContextLookup      Reason = "context_lookup_failed"
	ReasonCardInactive       Reason = "card_inactive"
	ReasonBoundaryExpired    Reason = "boundary_expired"
	ReasonBoundaryRotated    Reason = "boundary_rotated"
	ReasonCrossCardScope     Reason = "cross_card_scope"
	ReasonSessionBound       Reason = "session_bound_to_other_card"
)

// Violation is returned by Enforce when a check fails.
type Violation struct {
	Reason Reason
	Err    error
}

func (v *Violation) Error() string {
	if v.Err != nil {
		return fmt.Sprintf("isolation violation: %s: %v", v.Reason, v.Err)
	}
	return "isolation violation: " + string(v.Reason)
}

func (v *Violation) Is(target error) bool { return target == ErrIsolationViolation }
func (v *Violation) Unwrap() error        { return v.Err }

// ContextResolver looks up card contexts.
type ContextResolver interface {
	GetCardContext(ctx context.Context, cardID string) (*cardctx.CardContext, error)
}

type ctxKey int

const (
	callerKey ctxKey = iota
	boundaryKey
	scopeKey
)

type caller struct {
	userID    string
	sessionID string
}

// WithCaller attaches the authenticated user and session to ctx. The session
// id is what Enforce binds to a card while an operation is in flight.
func WithCaller(ctx context.Context, userID, sessionID string) context.Context {
	return context.WithValue(ctx, callerKey, caller{userID: userID, sessionID: sessionID})
}

// WithBoundary attaches the session boundary token the caller holds. When
// present it must equal the card's current boundary.
func WithBoundary(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, boundaryKey, token)
}

// FromContext returns the scope established by Enforce, if any.
func FromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey).(*Scope)
	return s, ok
}

// Scope is the isolation grant for one card operation.
type Scope struct {
	CardID          string
	UserID          string
	ContextID       string
	CardContextHash string
	SessionBoundary string

	release func()
	once    sync.Once
}

// Release frees the session claim. Safe to call more than once.
func (s *Scope) Release() {
	if s == nil || s.release == nil {
		return
	}
	s.once.Do(s.release)
}

type claim struct {
	hash string
	refs int
}

// Enforcer runs the isolation checks.
type Enforcer struct {
	contexts ContextResolver
	clock    clock.Clock
	audit    audit.Recorder

	locks  syncutil.ShardedMutex
	claims sync.Map // session id -> *claim
}

func NewEnforcer(contexts ContextResolver, c clock.Clock, rec audit.Recorder) *Enforcer {
	if c == nil {
		c = clock.Real()
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Enforcer{contexts: contexts, clock: c, audit: rec}
}

// Enforce verifies isolation for cardID and returns a context carrying the
// resulting scope. The caller must Release the scope when the operation ends.
func (e *Enforcer) Enforce(ctx context.Context, cardID string) (context.Context, *Scope, error) {
	who, _ := ctx.Value(callerKey).(caller)

	cc, err := e.contexts.GetCardContext(ctx, cardID)
	switch {
	case errors.Is(err, cardctx.ErrContextUnavailable):
		return nil, nil, e.deny(ctx, who.userID, nil, ReasonContextUnavailable, nil)
	case err != nil:
		return nil, nil, e.deny(ctx, who.userID, nil, ReasonContextLookup, err)
	}
	if who.userID != "" && cc.UserID != who.userID {
		// Another user's card looks the same as a missing one.
		return nil, nil, e.deny(ctx, who.userID, nil, ReasonContextUnavailable, nil)
	}

	if held, ok := FromContext(ctx); ok && held.CardContextHash != cc.CardContextHash {
		return nil, nil, e.deny(ctx, cc.UserID, cc, ReasonCrossCardScope, nil)
	}
	if cc.Status != cardctx.StatusActive {
		return nil, nil, e.deny(ctx, cc.UserID, cc, ReasonCardInactive, nil)
	}
	if !cc.BoundaryValid(e.clock.Now()) {
		return nil, nil, e.deny(ctx, cc.UserID, cc, ReasonBoundaryExpired, nil)
	}
	if token, ok := ctx.Value(boundaryKey).(string); ok && token != "" {
		if subtle.ConstantTimeCompare([]byte(token), []byte(cc.SessionBoundary)) != 1 {
			return nil, nil, e.deny(ctx, cc.UserID, cc, ReasonBoundaryRotated, nil)
		}
	}

	release := func() {}
	if who.sessionID != "" {
		var ok bool
		release, ok = e.claim(who.sessionID, cc.CardContextHash)
		if !ok {
			return nil, nil, e.deny(ctx, cc.UserID, cc, ReasonSessionBound, nil)
		}
	}

	scope := &Scope{
		CardID:          cc.CardID,
		UserID:          cc.UserID,
		ContextID:       cc.ContextID,
		CardContextHash: cc.CardContextHash,
		SessionBoundary: cc.SessionBoundary,
		release:         release,
	}

	metrics.IsolationChecksTotal.WithLabelValues("pass").Inc()
	_ = e.audit.Record(ctx, cc.UserID, audit.EventIsolationVerified, map[string]any{
		"cardContextHash": cc.CardContextHash,
		"contextId":       cc.ContextID,
	})
	return context.WithValue(ctx, scopeKey, scope), scope, nil
}

// claim binds sessionID to hash. Nested claims for the same card are
// reference counted; a claim for a different card is refused.
func (e *Enforcer) claim(sessionID, hash string) (func(), bool) {
	unlock := e.locks.Lock(sessionID)
	defer unlock()

	if v, ok := e.claims.Load(sessionID); ok {
		cl := v.(*claim)
		if cl.hash != hash {
			return nil, false
		}
		cl.refs++
	} else {
		e.claims.Store(sessionID, &claim{hash: hash, refs: 1})
	}
	return func() { e.unclaim(sessionID) }, true
}

func (e *Enforcer) unclaim(sessionID string) {
	unlock := e.locks.Lock(sessionID)
	defer unlock()

	v, ok := e.claims.Load(sessionID)
	if !ok {
		return
	}
	cl := v.(*claim)
	cl.refs--
	if cl.refs <= 0 {
		e.claims.Delete(sessionID)
	}
}

func (e *Enforcer) deny(ctx context.Context, userID string, cc *cardctx.CardContext, reason Reason, cause error) error {
	metrics.IsolationChecksTotal.WithLabelValues(string(reason)).Inc()

	data := map[string]any{"reason": string(reason)}
	if cc != nil {
		data["cardContextHash"] = cc.CardContextHash
	}
	event := audit.EventIsolationViolation
	if reason == ReasonCrossCardScope || reason == ReasonSessionBound {
		event = audit.EventCorrelationBlocked
	}
	if userID == "" {
		userID = "anonymous"
	}
	_ = e.audit.Record(ctx, userID, event, data)

	return &Violation{Reason: reason, Err: cause}
}
