// Package cardctx assigns each disposable card an isolated context: a keyed
// hash that stands in for the card id, a session boundary token marking the
// current isolation epoch, and the correlation-resistance defenses active
// for the card.
package cardctx

import (
	"context"
	"errors"
	"time"
)

var (
	ErrContextUnavailable = errors.New("card context unavailable")
	ErrCardExists         = errors.New("card already provisioned")
	ErrHashCollision      = errors.New("card context hash collision")
	ErrInvalidTransition  = errors.New("invalid card status transition")
	ErrInvalidReason      = errors.New("invalid freeze reason")
	ErrNotFound           = errors.New("card not found")
)

// Status is the card lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusFrozen     Status = "frozen"
	StatusTerminated Status = "terminated"
)

// FreezeReason records why a card was frozen.
type FreezeReason string

const (
	ReasonFraudDetected      FreezeReason = "fraud_detected"
	ReasonUserRequest        FreezeReason = "user_request"
	ReasonAdminAction        FreezeReason = "admin_action"
	ReasonVelocityBreach     FreezeReason = "velocity_breach"
	ReasonSuspiciousActivity FreezeReason = "suspicious_activity"
	ReasonLostOrStolen       FreezeReason = "lost_or_stolen"
	ReasonComplianceHold     FreezeReason = "compliance_hold"
)

func (r FreezeReason) Valid() bool {
	switch r {
	case ReasonFraudDetected, ReasonUserRequest, ReasonAdminAction, ReasonVelocityBreach,
		ReasonSuspiciousActivity, ReasonLostOrStolen, ReasonComplianceHold:
		return true
	}
	return false
}

// CorrelationResistance lists the defenses active for a card.
type CorrelationResistance struct {
	IPObfuscation       bool `json:"ipObfuscation"`
	TimingRandomization bool `json:"timingRandomization"`
	BehaviorMasking     bool `json:"behaviorMasking"`
}

// DefaultResistance enables every defense.
var DefaultResistance = CorrelationResistance{IPObfuscation: true, TimingRandomization: true, BehaviorMasking: true}

// CardContext is the isolation identity of one card.
type CardContext struct {
	CardID                string                `json:"cardId"`
	UserID                string                `json:"-"`
	ContextID             string                `json:"contextId"`
	CardContextHash       string                `json:"cardContextHash"`
	SessionBoundary       string                `json:"sessionBoundary"`
	BoundaryExpiresAt     time.Time             `json:"boundaryExpiresAt"`
	CorrelationResistance CorrelationResistance `json:"correlationResistance"`
	Status                Status                `json:"status"`
	FreezeReason          FreezeReason          `json:"freezeReason,omitempty"`
	CreatedAt             time.Time             `json:"createdAt"`
	UpdatedAt             time.Time             `json:"updatedAt"`
}

// BoundaryValid reports whether the session boundary is still current at now.
func (c *CardContext) BoundaryValid(now time.Time) bool {
	return now.Before(c.BoundaryExpiresAt)
}

// Store persists card contexts.
type Store interface {
	// Create fails with ErrCardExists for a duplicate card id and
	// ErrHashCollision for a duplicate hash.
	Create(ctx context.Context, c *CardContext) error
	Get(ctx context.Context, cardID string) (*CardContext, error)
	GetByHash(ctx context.Context, hash string) (*CardContext, error)
	ListByUser(ctx context.Context, userID string) ([]*CardContext, error)
	UpdateBoundary(ctx context.Context, cardID, boundary string, expiresAt, updatedAt time.Time) error
	// UpdateStatus applies the change only if the stored status is from.
	UpdateStatus(ctx context.Context, cardID string, from, to Status, reason FreezeReason, updatedAt time.Time) error
}
