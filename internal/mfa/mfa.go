// Package mfa is the step-up authentication state machine for cards.
//
// Enrollment moves a card from no setup, through a pending setup bundle
// (one hour), to enrolled. Each challenge is issued once, lives five
// minutes and has at most one outcome. Ephemeral records live in the shared
// kvstore so the state holds across server instances; credentials live in
// the persistent Store, sealed. Everything is keyed by the card context
// hash, never the raw card id.
package mfa

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/discard/internal/authn"
	"github.com/mbd888/discard/internal/risk"
	"github.com/mbd888/discard/internal/totp"
)

var (
	ErrSetupFailed       = errors.New("mfa: setup failed")
	ErrInvalidSetupToken = errors.New("mfa: invalid setup token")
	ErrMFANotEnabled     = errors.New("mfa: not enabled")
	ErrMFANotRequired    = errors.New("mfa: not required")
	ErrTooManyAttempts   = errors.New("mfa: too many attempts")
	ErrMethodNotEnrolled = errors.New("mfa: method not enrolled")
	ErrNotFound          = errors.New("mfa: not found")
	ErrInvalidBiometric  = errors.New("mfa: biometric template required")
)

const (
	SetupTTL         = time.Hour
	ChallengeTTL     = 5 * time.Minute
	DeviceTrustTTL   = 30 * 24 * time.Hour
	AttemptWindow    = time.Hour
	MaxAttempts      = 5
	BackupCodeCount  = 10
	BackupCodeLength = 8
)

// Setup is returned once, at setup time. It is the only place the secret
// and backup codes appear in plaintext.
type Setup struct {
	Secret      string    `json:"secret"`
	QRCodeURL   string    `json:"qrCodeUrl"`
	OTPAuthURL  string    `json:"otpauthUrl"`
	BackupCodes []string  `json:"backupCodes"`
	SetupToken  string    `json:"setupToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ChallengeMetadata describes the action that triggered a challenge. An
// answer only covers an action that matches it.
type ChallengeMetadata struct {
	Action    string          `json:"action"`
	RiskScore int             `json:"riskScore"`
	DeviceID  string          `json:"deviceId,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
}

// Challenge is an issued step-up request.
type Challenge struct {
	ChallengeID string            `json:"challengeId"`
	Method      authn.Method      `json:"method"`
	ExpiresAt   time.Time         `json:"expiresAt"`
	Metadata    ChallengeMetadata `json:"metadata"`
	Assessment  *risk.Assessment  `json:"assessment,omitempty"`
}

// ChallengeResponse is what the user presents to answer a challenge.
type ChallengeResponse struct {
	ChallengeID   string `json:"challengeId"`
	Code          string `json:"code,omitempty"`
	BiometricData []byte `json:"biometricData,omitempty"`
}

// ConfigUpdate changes the mutable parts of a configuration. Nil fields are
// left alone.
type ConfigUpdate struct {
	Methods          *authn.Methods    `json:"methods,omitempty"`
	RiskBasedEnabled *bool             `json:"riskBasedEnabled,omitempty"`
	Thresholds       *authn.Thresholds `json:"riskThresholds,omitempty"`
}

// Credentials are the enrolled secrets of one card. The TOTP secret is
// sealed; backup codes are keyed hashes.
type Credentials struct {
	SealedTOTPSecret []byte
	BackupCodeHashes []string
	CreatedAt        time.Time
}

// Store persists configurations and credentials.
type Store interface {
	// GetConfiguration returns ErrNotFound when the card never configured MFA.
	GetConfiguration(ctx context.Context, hash string) (*authn.Configuration, error)
	SaveConfiguration(ctx context.Context, cfg *authn.Configuration) error

	// SaveCredentials replaces the TOTP secret and all backup codes.
	SaveCredentials(ctx context.Context, hash string, creds *Credentials) error
	GetTOTPSecret(ctx context.Context, hash string) ([]byte, error)
	// ConsumeBackupCode marks an unused code used and reports whether this
	// call did so. Concurrent calls for one code see exactly one true.
	ConsumeBackupCode(ctx context.Context, hash, codeHash string, at time.Time) (bool, error)
	RemainingBackupCodes(ctx context.Context, hash string) (int, error)

	SaveBiometric(ctx context.Context, hash string, sealed []byte, at time.Time) error
	GetBiometric(ctx context.Context, hash string) ([]byte, error)

	// PurgeCredentials deletes the secret, backup codes and biometric template.
	PurgeCredentials(ctx context.Context, hash string) error
}

// SecretGenerator is the TOTP collaborator.
type SecretGenerator interface {
	Generate(issuer, account string) (*totp.Key, error)
	QRDataURL(url string) (string, error)
	Validate(code, secret string, t time.Time) bool
}

// Sealer encrypts values bound to an owner.
type Sealer interface {
	Seal(ctx context.Context, owner string, plaintext []byte) ([]byte, error)
	Open(ctx context.Context, owner string, sealed []byte) ([]byte, error)
}

// BiometricVerifier matches a presented payload against an enrolled
// template.
type BiometricVerifier interface {
	Match(ctx context.Context, presented, template []byte) (bool, error)
}
