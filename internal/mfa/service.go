package mfa

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/mbd888/discard/internal/audit"
	"github.com/mbd888/discard/internal/authn"
	"github.com/mbd888/discard/internal/cardctx"
	"github.com/mbd888/discard/internal/idgen"
	"github.com/mbd888/discard/internal/logging"
	"github.com/mbd888/discard/internal/metrics"
	"github.com/mbd888/discard/internal/risk"
)

// Service owns MFA enrollment and challenges. It is the only writer of MFA
// configuration, credentials, challenges, device trust and attempt counters.
type Service struct {
	*Directory

	assessor  risk.Assessor
	otp       SecretGenerator
	sealer    Sealer
	pepper    []byte
	biometric BiometricVerifier
	audit     audit.Recorder
}

func NewService(dir *Directory, assessor risk.Assessor, otp SecretGenerator, sealer Sealer, pepper []byte) *Service {
	return &Service{
		Directory: dir,
		assessor:  assessor,
		otp:       otp,
		sealer:    sealer,
		pepper:    pepper,
		biometric: ExactMatcher{},
		audit:     audit.Nop{},
	}
}

// WithBiometricVerifier replaces the default template matcher.
func (s *Service) WithBiometricVerifier(v BiometricVerifier) *Service {
	if v != nil {
		s.biometric = v
	}
	return s
}

// WithRecorder sets the audit sink.
func (s *Service) WithRecorder(rec audit.Recorder) *Service {
	if rec != nil {
		s.audit = rec
	}
	return s
}

// SetupMFA starts enrollment. The returned bundle is held for SetupTTL and
// replaces any earlier pending setup; MFA is not enabled until
// VerifyMFASetup succeeds.
func (s *Service) SetupMFA(ctx context.Context, cardID, appName string) (*Setup, error) {
	cc, err := s.resolve(ctx, cardID)
	if err != nil {
		return nil, err
	}
	hash := cc.CardContextHash

	key, err := s.otp.Generate(appName, "card-"+hash[:12])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}
	qr, err := s.otp.QRDataURL(key.OTPAuthURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}
	sealed, err := s.sealer.Seal(ctx, hash, []byte(key.Secret))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}

	codes := generateBackupCodes()
	hashes := make([]string, len(codes))
	for i, c := range codes {
		hashes[i] = hashBackupCode(s.pepper, hash, c)
	}

	token := idgen.Token(32)
	expiresAt := s.clock.Now().Add(SetupTTL)
	rec := &setupRecord{
		SealedSecret:     sealed,
		BackupCodeHashes: hashes,
		TokenHash:        hashToken(token),
		ExpiresAt:        expiresAt,
	}
	if err := s.putRecord(ctx, setupKey(hash), rec, SetupTTL); err != nil {
		return nil, err
	}

	s.record(ctx, cc, audit.EventMFASetupStarted, nil)
	return &Setup{
		Secret:      key.Secret,
		QRCodeURL:   qr,
		OTPAuthURL:  key.OTPAuthURL,
		BackupCodes: codes,
		SetupToken:  token,
		ExpiresAt:   expiresAt,
	}, nil
}

// VerifyMFASetup completes enrollment when code matches the pending secret.
// A wrong code returns false and leaves the pending setup in place. Every
// call counts against the card's attempt limit until one succeeds.
func (s *Service) VerifyMFASetup(ctx context.Context, cardID, setupToken, code string) (bool, error) {
	cc, err := s.resolve(ctx, cardID)
	if err != nil {
		return false, err
	}
	hash := cc.CardContextHash

	n, err := s.reserveAttempt(ctx, hash)
	if err != nil {
		return false, err
	}
	if n > MaxAttempts {
		s.record(ctx, cc, audit.EventMFASetupRejected, map[string]any{"reason": "too_many_attempts"})
		return false, ErrTooManyAttempts
	}

	var rec setupRecord
	found, err := s.getRecord(ctx, setupKey(hash), &rec)
	if err != nil {
		return false, err
	}
	if !found || subtle.ConstantTimeCompare([]byte(hashToken(setupToken)), []byte(rec.TokenHash)) != 1 {
		s.record(ctx, cc, audit.EventMFASetupRejected, map[string]any{"reason": "invalid_setup_token"})
		return false, ErrInvalidSetupToken
	}

	secret, err := s.sealer.Open(ctx, hash, rec.SealedSecret)
	if err != nil {
		return false, err
	}
	if !s.otp.Validate(code, string(secret), s.clock.Now()) {
		s.record(ctx, cc, audit.EventMFASetupRejected, map[string]any{"reason": "invalid_code"})
		return false, nil
	}

	now := s.clock.Now()
	if err := s.store.SaveCredentials(ctx, hash, &Credentials{
		SealedTOTPSecret: rec.SealedSecret,
		BackupCodeHashes: rec.BackupCodeHashes,
		CreatedAt:        now,
	}); err != nil {
		return false, err
	}

	prev, err := s.configByHash(ctx, hash)
	if err != nil {
		return false, err
	}
	cfg := &authn.Configuration{
		CardContextHash:  hash,
		Enabled:          true,
		Methods:          authn.Methods{TOTP: true, BackupCodes: true, Biometric: prev.Methods.Biometric},
		RiskBasedEnabled: true,
		Thresholds:       authn.DefaultThresholds,
		UpdatedAt:        now,
	}
	if err := s.store.SaveConfiguration(ctx, cfg); err != nil {
		return false, err
	}
	for _, key := range []string{setupKey(hash), attemptsKey(hash)} {
		if _, err := s.kv.Delete(ctx, key); err != nil {
			logging.L(ctx).Warn("failed to clear mfa setup state", "error", err)
		}
	}

	s.record(ctx, cc, audit.EventMFASetupVerified, map[string]any{"methods": cfg.Methods})
	return true, nil
}

// CreateMFAChallenge assesses action and, when step-up is required, issues
// a challenge using the recommended method.
func (s *Service) CreateMFAChallenge(ctx context.Context, cardID string, action risk.ActionContext) (*Challenge, error) {
	cc, err := s.resolve(ctx, cardID)
	if err != nil {
		return nil, err
	}
	hash := cc.CardContextHash
	cfg, err := s.configByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, ErrMFANotEnabled
	}

	assessment := s.assessor.Assess(ctx, cardID, action)
	if !assessment.RequiresMFA || assessment.RecommendedMethod == nil {
		return nil, ErrMFANotRequired
	}

	attempts, err := s.kv.Counter(ctx, attemptsKey(hash))
	if err != nil {
		return nil, err
	}
	if attempts >= MaxAttempts {
		metrics.MFAChallengesTotal.WithLabelValues(string(*assessment.RecommendedMethod), "rate_limited").Inc()
		s.record(ctx, cc, audit.EventMFAChallengeDenied, map[string]any{
			"reason":   "too_many_attempts",
			"action":   action.Action,
			"attempts": attempts,
		})
		return nil, ErrTooManyAttempts
	}

	method := *assessment.RecommendedMethod
	rec := &challengeRecord{
		ID:              idgen.WithPrefix("mch_"),
		CardContextHash: hash,
		Method:          string(method),
		Metadata: ChallengeMetadata{
			Action:    action.Action,
			RiskScore: assessment.RiskScore,
			DeviceID:  action.DeviceID,
			Amount:    action.Amount,
		},
		ExpiresAt: s.clock.Now().Add(ChallengeTTL),
	}
	if err := s.putRecord(ctx, challengeKey(rec.ID), rec, ChallengeTTL); err != nil {
		return nil, err
	}

	metrics.MFAChallengesTotal.WithLabelValues(string(method), "issued").Inc()
	s.record(ctx, cc, audit.EventMFAChallengeIssued, map[string]any{
		"challengeId": rec.ID,
		"method":      string(method),
		"action":      action.Action,
		"riskScore":   assessment.RiskScore,
	})
	return &Challenge{
		ChallengeID: rec.ID,
		Method:      method,
		ExpiresAt:   rec.ExpiresAt,
		Metadata:    rec.Metadata,
		Assessment:  assessment,
	}, nil
}

// VerifyMFAChallenge answers a challenge. Every user-facing failure returns
// false with a nil error: unknown or expired challenge, wrong code,
// biometric mismatch, used backup code, attempt limit reached. The error is
// non-nil only when a store fails. A verified challenge is deleted, so at
// most one caller succeeds for a given challenge id.
func (s *Service) VerifyMFAChallenge(ctx context.Context, cardID string, resp ChallengeResponse) (bool, error) {
	return s.verifyChallenge(ctx, cardID, resp, nil)
}

// VerifyMFAChallengeFor is VerifyMFAChallenge for an answer presented with
// action. It fails unless the challenge was issued for the same action and
// device, for at least action's amount, at a risk score no lower than
// current's and with a method at least as strong as current recommends. A
// mismatched challenge is discarded.
func (s *Service) VerifyMFAChallengeFor(ctx context.Context, cardID string, resp ChallengeResponse, action risk.ActionContext, current *risk.Assessment) (bool, error) {
	return s.verifyChallenge(ctx, cardID, resp, &binding{action: action, current: current})
}

// binding is the action a challenge answer is being spent on.
type binding struct {
	action  risk.ActionContext
	current *risk.Assessment
}

// mismatch returns why rec does not cover b, or "" when it does.
func (b *binding) mismatch(rec *challengeRecord) string {
	switch {
	case rec.Metadata.Action != b.action.Action:
		return "action_mismatch"
	case rec.Metadata.DeviceID != b.action.DeviceID:
		return "device_mismatch"
	case b.action.Amount.GreaterThan(rec.Metadata.Amount):
		return "amount_exceeded"
	}
	if b.current == nil {
		return ""
	}
	if b.current.RiskScore > rec.Metadata.RiskScore {
		return "risk_increased"
	}
	if m := b.current.RecommendedMethod; m != nil && m.Strength() > authn.Method(rec.Method).Strength() {
		return "method_too_weak"
	}
	return ""
}

func (s *Service) verifyChallenge(ctx context.Context, cardID string, resp ChallengeResponse, bind *binding) (bool, error) {
	cc, err := s.resolve(ctx, cardID)
	if err != nil {
		return false, err
	}
	hash := cc.CardContextHash

	n, err := s.reserveAttempt(ctx, hash)
	if err != nil {
		return false, err
	}

	var rec challengeRecord
	found, err := s.getRecord(ctx, challengeKey(resp.ChallengeID), &rec)
	if err != nil {
		return false, err
	}
	if !found || rec.CardContextHash != hash {
		if !found {
			// Drop an expired record so a retry cannot revive it.
			_, _ = s.kv.Delete(ctx, challengeKey(resp.ChallengeID))
		}
		s.rejectAttempt(ctx, cc, n, "", "", "unknown_or_expired")
		return false, nil
	}

	if n > MaxAttempts {
		metrics.MFAChallengesTotal.WithLabelValues(rec.Method, "rate_limited").Inc()
		s.record(ctx, cc, audit.EventMFAChallengeDenied, map[string]any{
			"reason":      "too_many_attempts",
			"challengeId": rec.ID,
		})
		return false, nil
	}

	if bind != nil {
		if reason := bind.mismatch(&rec); reason != "" {
			_, _ = s.kv.Delete(ctx, challengeKey(rec.ID))
			s.rejectAttempt(ctx, cc, n, rec.Method, rec.ID, reason)
			return false, nil
		}
	}

	method, err := authn.ParseMethod(rec.Method)
	if err != nil {
		s.rejectAttempt(ctx, cc, n, rec.Method, rec.ID, "unknown_method")
		return false, nil
	}

	// A backup code is spent by checking it, so the challenge is claimed
	// first. Other methods are checked first so a typo keeps the challenge.
	if method == authn.MethodBackupCode {
		won, err := s.kv.Delete(ctx, challengeKey(rec.ID))
		if err != nil || !won {
			return false, err
		}
	}
	ok, err := s.check(ctx, hash, method, resp)
	if err != nil {
		return false, err
	}
	if !ok {
		s.rejectAttempt(ctx, cc, n, rec.Method, rec.ID, "invalid_"+string(method))
		return false, nil
	}
	if method != authn.MethodBackupCode {
		won, err := s.kv.Delete(ctx, challengeKey(rec.ID))
		if err != nil || !won {
			// Another verifier consumed the challenge first.
			return false, err
		}
	}

	if _, err := s.kv.Delete(ctx, attemptsKey(hash)); err != nil {
		logging.L(ctx).Warn("failed to reset mfa attempts", "error", err)
	}
	if rec.Metadata.DeviceID != "" {
		trust := &trustRecord{Trusted: true, ExpiresAt: s.clock.Now().Add(DeviceTrustTTL)}
		if err := s.putRecord(ctx, trustKey(hash, rec.Metadata.DeviceID), trust, DeviceTrustTTL); err != nil {
			logging.L(ctx).Warn("failed to record device trust", "error", err)
		}
	}

	metrics.MFAChallengesTotal.WithLabelValues(string(method), "verified").Inc()
	s.record(ctx, cc, audit.EventMFAVerified, map[string]any{
		"challengeId":   rec.ID,
		"method":        string(method),
		"action":        rec.Metadata.Action,
		"deviceTrusted": rec.Metadata.DeviceID != "",
	})
	return true, nil
}

// check verifies resp against the enrolled credential for method.
func (s *Service) check(ctx context.Context, hash string, method authn.Method, resp ChallengeResponse) (bool, error) {
	switch method {
	case authn.MethodTOTP:
		return s.checkTOTP(ctx, hash, resp.Code)
	case authn.MethodBiometric:
		if len(resp.BiometricData) == 0 {
			return false, nil
		}
		sealed, err := s.store.GetBiometric(ctx, hash)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		template, err := s.sealer.Open(ctx, hash, sealed)
		if err != nil {
			return false, err
		}
		return s.biometric.Match(ctx, resp.BiometricData, template)
	case authn.MethodBackupCode:
		if resp.Code == "" {
			return false, nil
		}
		return s.store.ConsumeBackupCode(ctx, hash, hashBackupCode(s.pepper, hash, resp.Code), s.clock.Now())
	default:
		return false, fmt.Errorf("%w: %q", authn.ErrUnknownMethod, method)
	}
}

func (s *Service) checkTOTP(ctx context.Context, hash, code string) (bool, error) {
	if code == "" {
		return false, nil
	}
	sealed, err := s.store.GetTOTPSecret(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	secret, err := s.sealer.Open(ctx, hash, sealed)
	if err != nil {
		return false, err
	}
	return s.otp.Validate(code, string(secret), s.clock.Now()), nil
}

// reserveAttempt counts an attempt before anything is evaluated and
// returns its ordinal in the current window. Callers refuse ordinals above
// MaxAttempts, so concurrent guesses cannot all slip under the limit. A
// successful verification clears the counter.
func (s *Service) reserveAttempt(ctx context.Context, hash string) (int64, error) {
	return s.kv.Incr(ctx, attemptsKey(hash), AttemptWindow)
}

// rejectAttempt audits a failed verification already counted as attempt n.
func (s *Service) rejectAttempt(ctx context.Context, cc *cardctx.CardContext, n int64, method, challengeID, reason string) {
	if method == "" {
		method = "unknown"
	}
	metrics.MFAChallengesTotal.WithLabelValues(method, "failed").Inc()
	s.record(ctx, cc, audit.EventMFAVerifyFailed, map[string]any{
		"challengeId": challengeID,
		"reason":      reason,
		"attempts":    n,
	})
}

// DisableMFA turns MFA off and purges all credentials when code is a
// current TOTP code. A wrong code returns false and changes nothing but the
// attempt counter.
func (s *Service) DisableMFA(ctx context.Context, cardID, code string) (bool, error) {
	cc, err := s.resolve(ctx, cardID)
	if err != nil {
		return false, err
	}
	hash := cc.CardContextHash
	cfg, err := s.configByHash(ctx, hash)
	if err != nil {
		return false, err
	}
	if !cfg.Enabled {
		return false, ErrMFANotEnabled
	}

	n, err := s.reserveAttempt(ctx, hash)
	if err != nil {
		return false, err
	}
	if n > MaxAttempts {
		s.record(ctx, cc, audit.EventMFADisableRejected, map[string]any{"reason": "too_many_attempts"})
		return false, ErrTooManyAttempts
	}

	ok, err := s.checkTOTP(ctx, hash, code)
	if err != nil {
		return false, err
	}
	if !ok {
		s.record(ctx, cc, audit.EventMFADisableRejected, map[string]any{"reason": "invalid_code", "attempts": n})
		return false, nil
	}

	disabled := authn.DefaultConfiguration(hash)
	disabled.UpdatedAt = s.clock.Now()
	if err := s.store.SaveConfiguration(ctx, disabled); err != nil {
		return false, err
	}
	if err := s.store.PurgeCredentials(ctx, hash); err != nil {
		return false, err
	}
	for _, key := range []string{attemptsKey(hash), setupKey(hash)} {
		if _, err := s.kv.Delete(ctx, key); err != nil {
			logging.L(ctx).Warn("failed to purge mfa record", "error", err)
		}
	}

	s.record(ctx, cc, audit.EventMFADisabled, nil)
	return true, nil
}

// GetMFAConfiguration is GetConfiguration under the operation name used by
// calling flows.
func (s *Service) GetMFAConfiguration(ctx context.Context, cardID string) (*authn.Configuration, error) {
	return s.GetConfiguration(ctx, cardID)
}

// UpdateConfiguration applies upd to an enabled configuration. Methods can
// only be switched on when their credential is enrolled.
func (s *Service) UpdateConfiguration(ctx context.Context, cardID string, upd ConfigUpdate) (*authn.Configuration, error) {
	cc, err := s.resolve(ctx, cardID)
	if err != nil {
		return nil, err
	}
	hash := cc.CardContextHash
	cfg, err := s.configByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, ErrMFANotEnabled
	}

	if upd.Thresholds != nil {
		if err := upd.Thresholds.Validate(); err != nil {
			return nil, err
		}
		cfg.Thresholds = *upd.Thresholds
	}
	if upd.RiskBasedEnabled != nil {
		cfg.RiskBasedEnabled = *upd.RiskBasedEnabled
	}
	if upd.Methods != nil {
		if err := s.checkEnrolled(ctx, hash, *upd.Methods); err != nil {
			return nil, err
		}
		cfg.Methods = *upd.Methods
	}
	cfg.UpdatedAt = s.clock.Now()
	if err := s.store.SaveConfiguration(ctx, cfg); err != nil {
		return nil, err
	}

	s.record(ctx, cc, audit.EventMFAConfigUpdated, map[string]any{
		"methods":          cfg.Methods,
		"riskBasedEnabled": cfg.RiskBasedEnabled,
		"riskThresholds":   cfg.Thresholds,
	})
	return cfg, nil
}

func (s *Service) checkEnrolled(ctx context.Context, hash string, m authn.Methods) error {
	if !m.TOTP && !m.Biometric && !m.BackupCodes {
		return fmt.Errorf("%w: at least one method must stay enabled", ErrMethodNotEnrolled)
	}
	if m.Biometric {
		if _, err := s.store.GetBiometric(ctx, hash); errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: biometric", ErrMethodNotEnrolled)
		} else if err != nil {
			return err
		}
	}
	if m.BackupCodes {
		n, err := s.store.RemainingBackupCodes(ctx, hash)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: backup codes", ErrMethodNotEnrolled)
		}
	}
	return nil
}

// EnrollBiometric stores a sealed biometric template and enables the
// biometric method.
func (s *Service) EnrollBiometric(ctx context.Context, cardID string, template []byte) error {
	if len(template) == 0 {
		return ErrInvalidBiometric
	}
	cc, err := s.resolve(ctx, cardID)
	if err != nil {
		return err
	}
	hash := cc.CardContextHash
	cfg, err := s.configByHash(ctx, hash)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return ErrMFANotEnabled
	}

	sealed, err := s.sealer.Seal(ctx, hash, template)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if err := s.store.SaveBiometric(ctx, hash, sealed, now); err != nil {
		return err
	}
	cfg.Methods.Biometric = true
	cfg.UpdatedAt = now
	if err := s.store.SaveConfiguration(ctx, cfg); err != nil {
		return err
	}

	s.record(ctx, cc, audit.EventMFABiometricEnroll, nil)
	return nil
}

// RemainingBackupCodes counts the card's unused backup codes.
func (s *Service) RemainingBackupCodes(ctx context.Context, cardID string) (int, error) {
	cc, err := s.resolve(ctx, cardID)
	if err != nil {
		return 0, err
	}
	return s.store.RemainingBackupCodes(ctx, cc.CardContextHash)
}

// record audits an MFA event for the card's owner.
func (s *Service) record(ctx context.Context, cc *cardctx.CardContext, et audit.EventType, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["cardContextHash"] = cc.CardContextHash
	_ = s.audit.Record(ctx, cc.UserID, et, data)
}

// ExactMatcher accepts a presented payload only if it equals the template.
type ExactMatcher struct{}

func (ExactMatcher) Match(_ context.Context, presented, template []byte) (bool, error) {
	return subtle.ConstantTimeCompare(presented, template) == 1, nil
}
