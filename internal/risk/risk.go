// Package risk scores sensitive card actions and decides whether step-up
// authentication is required.
//
// A score is the clamped sum of independent factors: the upstream fraud
// score at 40% weight, device trust, amount tier, local time of day and
// velocity against the card's limits. Scores range from 0 (safe) to 100.
// Any failure to read the card's MFA configuration or device trust yields
// the maximum score.
package risk

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/mbd888/discard/internal/authn"
)

// FactorType classifies a contribution to the score.
type FactorType string

const (
	FactorDeviceUnknown     FactorType = "device_unknown"
	FactorTransactionAmount FactorType = "transaction_amount"
	FactorTimeUnusual       FactorType = "time_unusual"
	FactorVelocity          FactorType = "velocity"
)

// Factor is one scored observation.
type Factor struct {
	Type        FactorType `json:"type"`
	Impact      int        `json:"impact"`
	Description string     `json:"description"`
}

// Assessment is the engine's verdict on a single action. It is never cached.
type Assessment struct {
	RiskScore         int           `json:"riskScore"`
	Factors           []Factor      `json:"factors"`
	RequiresMFA       bool          `json:"requiresMFA"`
	RecommendedMethod *authn.Method `json:"recommendedMethod"`
	FailSafe          bool          `json:"failSafe,omitempty"`
}

// ActionContext carries what the caller knows about the action.
type ActionContext struct {
	Action    string          `json:"action"`
	RiskScore *int            `json:"riskScore,omitempty"` // upstream fraud score
	DeviceID  string          `json:"deviceId,omitempty"`
	Amount    decimal.Decimal `json:"amount"` // dollars
}

// ConfigSource reads a card's MFA configuration.
type ConfigSource interface {
	GetConfiguration(ctx context.Context, cardID string) (*authn.Configuration, error)
}

// TrustSource answers whether a device completed step-up for a card
// within the trust window.
type TrustSource interface {
	IsDeviceTrusted(ctx context.Context, cardID, deviceID string) (bool, error)
}

// Assessor is the subset of Engine the MFA service depends on.
type Assessor interface {
	Assess(ctx context.Context, cardID string, action ActionContext) *Assessment
}
