// Package authn holds the step-up authentication vocabulary shared by the
// risk engine and the MFA service.
package authn

import (
	"errors"
	"fmt"
	"time"
)

// Method is a step-up verification method. The set is closed: callers
// switch over it exhaustively.
type Method string

const (
	MethodTOTP       Method = "totp"
	MethodBiometric  Method = "biometric"
	MethodBackupCode Method = "backup_code"
)

var ErrUnknownMethod = errors.New("authn: unknown method")

// ParseMethod converts a wire value into a Method.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodTOTP, MethodBiometric, MethodBackupCode:
		return Method(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// Strength orders methods by assurance: backup codes, then TOTP, then
// biometric. Unknown methods rank zero.
func (m Method) Strength() int {
	switch m {
	case MethodBackupCode:
		return 1
	case MethodTOTP:
		return 2
	case MethodBiometric:
		return 3
	}
	return 0
}

// Methods records which verification methods a card has enrolled.
type Methods struct {
	TOTP        bool `json:"totp"`
	Biometric   bool `json:"biometric"`
	BackupCodes bool `json:"backupCodes"`
}

// Thresholds are ascending risk score cut-offs in [0,100].
type Thresholds struct {
	Low    int `json:"lowRisk"`
	Medium int `json:"mediumRisk"`
	High   int `json:"highRisk"`
}

// DefaultThresholds applied when MFA is first enabled.
var DefaultThresholds = Thresholds{Low: 25, Medium: 50, High: 75}

var ErrInvalidThresholds = errors.New("authn: thresholds must be ascending within 0-100")

func (t Thresholds) Validate() error {
	if t.Low < 0 || t.High > 100 || t.Low > t.Medium || t.Medium > t.High {
		return ErrInvalidThresholds
	}
	return nil
}

// Configuration is the persisted MFA configuration of one card, keyed by
// the card context hash rather than the raw card id.
type Configuration struct {
	CardContextHash  string     `json:"-"`
	Enabled          bool       `json:"enabled"`
	Methods          Methods    `json:"methods"`
	RiskBasedEnabled bool       `json:"riskBasedEnabled"`
	Thresholds       Thresholds `json:"riskThresholds"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// DefaultConfiguration is what a card has before any MFA setup.
func DefaultConfiguration(cardContextHash string) *Configuration {
	return &Configuration{
		CardContextHash: cardContextHash,
		Thresholds:      DefaultThresholds,
	}
}
