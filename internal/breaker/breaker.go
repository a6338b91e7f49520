// Package breaker implements per-user kill switches that block classes of
// sensitive actions outright, regardless of risk score.
//
// Every user is seeded with a global kill switch and one breaker per
// high-value action type. Tripped breakers stay tripped until reset by
// hand or, when AutoResetAfterMs is set, by the periodic sweep.
package breaker

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound             = errors.New("breaker: not found")
	ErrBreakerExists        = errors.New("breaker: already exists")
	ErrGlobalBreakerMissing = errors.New("breaker: global breaker missing")
	ErrCannotDeleteDefault  = errors.New("breaker: default breakers cannot be deleted")
	ErrInvalidBreaker       = errors.New("breaker: invalid breaker definition")
)

// Type is the class of operations a breaker halts.
type Type string

const (
	TypeGlobal     Type = "global"
	TypeActionType Type = "action_type"
	TypeGoal       Type = "goal"
	TypeProtocol   Type = "protocol"
)

// Default breaker ids, seeded once per user.
const (
	GlobalKillSwitch   = "global-kill-switch"
	ActionFundCard     = "action-fund-card"
	ActionTransfer     = "action-transfer"
	ActionSwap         = "action-swap"
	ActionWithdrawDeFi = "action-withdraw-defi"
)

// Action types covered by the default breakers.
const (
	ActionTypeFundCard     = "fund_card"
	ActionTypeTransfer     = "transfer"
	ActionTypeSwap         = "swap"
	ActionTypeWithdrawDeFi = "withdraw_defi"
)

type definition struct {
	id    string
	typ   Type
	scope string
}

var defaults = []definition{
	{GlobalKillSwitch, TypeGlobal, ""},
	{ActionFundCard, TypeActionType, ActionTypeFundCard},
	{ActionTransfer, TypeActionType, ActionTypeTransfer},
	{ActionSwap, TypeActionType, ActionTypeSwap},
	{ActionWithdrawDeFi, TypeActionType, ActionTypeWithdrawDeFi},
}

// IsDefaultID reports whether id names one of the seeded breakers.
func IsDefaultID(id string) bool {
	for _, d := range defaults {
		if d.id == id {
			return true
		}
	}
	return false
}

// Breaker is a single kill switch owned by a user.
type Breaker struct {
	BreakerID        string     `json:"breakerId"`
	UserID           string     `json:"userId"`
	Type             Type       `json:"breakerType"`
	Scope            string     `json:"scope,omitempty"`
	IsTripped        bool       `json:"isTripped"`
	TrippedAt        *time.Time `json:"trippedAt,omitempty"`
	TrippedBy        string     `json:"trippedBy,omitempty"`
	TripReason       string     `json:"tripReason,omitempty"`
	AutoResetAfterMs int64      `json:"autoResetAfterMs,omitempty"`
	IsDefault        bool       `json:"isDefault"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// AutoResetAfter is the auto-reset delay, zero when the breaker never resets itself.
func (b *Breaker) AutoResetAfter() time.Duration {
	return time.Duration(b.AutoResetAfterMs) * time.Millisecond
}

// DueForReset reports whether the sweep at now should clear the breaker.
func (b *Breaker) DueForReset(now time.Time) bool {
	if !b.IsTripped || b.TrippedAt == nil || b.AutoResetAfterMs <= 0 {
		return false
	}
	return now.Sub(*b.TrippedAt) >= b.AutoResetAfter()
}

// Blocks reports whether the breaker halts the action. A tripped global
// breaker blocks everything; other types block only on an exact scope match.
func (b *Breaker) Blocks(a Action) bool {
	if !b.IsTripped {
		return false
	}
	switch b.Type {
	case TypeGlobal:
		return true
	case TypeActionType:
		return a.ActionType != "" && b.Scope == a.ActionType
	case TypeGoal:
		return a.GoalID != "" && b.Scope == a.GoalID
	case TypeProtocol:
		return a.Protocol != "" && b.Scope == a.Protocol
	default:
		return false
	}
}

// Action describes the operation being checked.
type Action struct {
	ActionType string `json:"actionType"`
	GoalID     string `json:"goalId,omitempty"`
	Protocol   string `json:"protocol,omitempty"`
}

// CheckResult lists every tripped breaker matching the action.
type CheckResult struct {
	Blocked         bool       `json:"blocked"`
	TrippedBreakers []*Breaker `json:"trippedBreakers"`
}

// Result reports the outcome of a trip or reset. Changed is false when the
// breaker was already in the requested state.
type Result struct {
	Breaker *Breaker `json:"breaker"`
	Changed bool     `json:"changed"`
}

// CreateRequest describes a custom breaker.
type CreateRequest struct {
	BreakerID        string `json:"breakerId"`
	Type             Type   `json:"breakerType" binding:"required"`
	Scope            string `json:"scope"`
	AutoResetAfterMs int64  `json:"autoResetAfterMs"`
}

// Store persists breakers. Trip and Reset are conditional updates that
// report whether the row changed.
type Store interface {
	Create(ctx context.Context, b *Breaker) error
	Get(ctx context.Context, userID, breakerID string) (*Breaker, error)
	List(ctx context.Context, userID string) ([]*Breaker, error)
	Delete(ctx context.Context, userID, breakerID string) error
	Trip(ctx context.Context, userID, breakerID, by, reason string, at time.Time) (bool, error)
	// Reset clears a tripped breaker. A non-nil trippedAt additionally
	// requires the stored trip time to match, so a sweep never clears a
	// breaker that was re-tripped after it was listed.
	Reset(ctx context.Context, userID, breakerID string, trippedAt *time.Time, at time.Time) (bool, error)
	ListDueForReset(ctx context.Context, now time.Time, limit int) ([]*Breaker, error)
}
