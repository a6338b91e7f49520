package mfa

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/discard/internal/authn"
)

// PostgresStore persists MFA configuration and sealed credentials.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetConfiguration(ctx context.Context, hash string) (*authn.Configuration, error) {
	cfg := &authn.Configuration{CardContextHash: hash}
	err := p.db.QueryRowContext(ctx, `
		SELECT enabled, totp_enabled, biometric_enabled, backup_codes_enabled, risk_based_enabled,
			low_risk, medium_risk, high_risk, updated_at
		FROM mfa_configurations WHERE context_hash = $1
	`, hash).Scan(&cfg.Enabled, &cfg.Methods.TOTP, &cfg.Methods.Biometric, &cfg.Methods.BackupCodes,
		&cfg.RiskBasedEnabled, &cfg.Thresholds.Low, &cfg.Thresholds.Medium, &cfg.Thresholds.High, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (p *PostgresStore) SaveConfiguration(ctx context.Context, cfg *authn.Configuration) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO mfa_configurations (context_hash, enabled, totp_enabled, biometric_enabled,
			backup_codes_enabled, risk_based_enabled, low_risk, medium_risk, high_risk, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (context_hash) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			totp_enabled = EXCLUDED.totp_enabled,
			biometric_enabled = EXCLUDED.biometric_enabled,
			backup_codes_enabled = EXCLUDED.backup_codes_enabled,
			risk_based_enabled = EXCLUDED.risk_based_enabled,
			low_risk = EXCLUDED.low_risk,
			medium_risk = EXCLUDED.medium_risk,
			high_risk = EXCLUDED.high_risk,
			updated_at = EXCLUDED.updated_at
	`, cfg.CardContextHash, cfg.Enabled, cfg.Methods.TOTP, cfg.Methods.Biometric, cfg.Methods.BackupCodes,
		cfg.RiskBasedEnabled, cfg.Thresholds.Low, cfg.Thresholds.Medium, cfg.Thresholds.High, cfg.UpdatedAt)
	return err
}

func (p *PostgresStore) SaveCredentials(ctx context.Context, hash string, creds *Credentials) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mfa_secrets (context_hash, sealed_secret, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (context_hash) DO UPDATE SET sealed_secret = EXCLUDED.sealed_secret, created_at = EXCLUDED.created_at
	`, hash, creds.SealedTOTPSecret, creds.CreatedAt); err != nil {
		return fmt.Errorf("save secret: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM mfa_backup_codes WHERE context_hash = $1`, hash); err != nil {
		return fmt.Errorf("clear backup codes: %w", err)
	}
	for _, h := range creds.BackupCodeHashes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO mfa_backup_codes (context_hash, code_hash, created_at) VALUES ($1, $2, $3)
		`, hash, h, creds.CreatedAt); err != nil {
			return fmt.Errorf("save backup code: %w", err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) GetTOTPSecret(ctx context.Context, hash string) ([]byte, error) {
	var sealed []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT sealed_secret FROM mfa_secrets WHERE context_hash = $1`, hash).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sealed, err
}

// ConsumeBackupCode is a single conditional UPDATE, so the row lock decides
// between concurrent uses of the same code.
func (p *PostgresStore) ConsumeBackupCode(ctx context.Context, hash, codeHash string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE mfa_backup_codes SET used_at = $1
		WHERE context_hash = $2 AND code_hash = $3 AND used_at IS NULL
	`, at, hash, codeHash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) RemainingBackupCodes(ctx context.Context, hash string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mfa_backup_codes WHERE context_hash = $1 AND used_at IS NULL`, hash).Scan(&n)
	return n, err
}

func (p *PostgresStore) SaveBiometric(ctx context.Context, hash string, sealed []byte, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO mfa_biometrics (context_hash, sealed_template, enrolled_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (context_hash) DO UPDATE SET sealed_template = EXCLUDED.sealed_template, enrolled_at = EXCLUDED.enrolled_at
	`, hash, sealed, at)
	return err
}

func (p *PostgresStore) GetBiometric(ctx context.Context, hash string) ([]byte, error) {
	var sealed []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT sealed_template FROM mfa_biometrics WHERE context_hash = $1`, hash).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sealed, err
}

func (p *PostgresStore) PurgeCredentials(ctx context.Context, hash string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"mfa_secrets", "mfa_backup_codes", "mfa_biometrics"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE context_hash = $1`, hash); err != nil {
			return fmt.Errorf("purge %s: %w", table, err)
		}
	}
	return tx.Commit()
}

var _ Store = (*PostgresStore)(nil)
