// Package guard runs the gating pipeline in front of every sensitive card
// action: circuit breakers, then transaction isolation, then risk
// assessment, then step-up authentication when the assessment calls for it.
// Every decision is audited. Any stage failing aborts the action.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/discard/internal/audit"
	"github.com/mbd888/discard/internal/breaker"
	"github.com/mbd888/discard/internal/isolation"
	"github.com/mbd888/discard/internal/logging"
	"github.com/mbd888/discard/internal/metrics"
	"github.com/mbd888/discard/internal/mfa"
	"github.com/mbd888/discard/internal/risk"
	"github.com/mbd888/discard/internal/traces"
)

var (
	ErrInvalidRequest  = errors.New("guard: user, card and action are required")
	ErrChallengeFailed = errors.New("guard: challenge verification failed")
	ErrStepUpRequired  = errors.New("guard: step-up required but unavailable")
)

// ActionDisableMFA is the action name used when disabling MFA.
const ActionDisableMFA = "disable_mfa"

// Stage names the pipeline step that decided the outcome.
type Stage string

const (
	StageValidate  Stage = "validate"
	StageBreaker   Stage = "breaker"
	StageIsolation Stage = "isolation"
	StageRisk      Stage = "risk"
	StageMFA       Stage = "mfa"
)

// Outcome is the result of a successful Authorize call.
type Outcome string

const (
	OutcomeAllowed           Outcome = "allowed"
	OutcomeChallengeRequired Outcome = "challenge_required"
	outcomeDenied            Outcome = "denied"
)

// BlockedError is returned when one or more breakers halt the action.
type BlockedError struct {
	Breakers []*breaker.Breaker
}

func (e *BlockedError) Error() string {
	ids := make([]string, len(e.Breakers))
	for i, b := range e.Breakers {
		ids[i] = b.BreakerID
	}
	return "blocked by circuit breaker: " + strings.Join(ids, ", ")
}

// Request describes one sensitive action.
type Request struct {
	UserID    string
	SessionID string
	CardID    string
	Action    string
	GoalID    string
	Protocol  string
	Amount    decimal.Decimal
	DeviceID  string
	RiskScore *int
	// Boundary is the session boundary token the caller holds, if any.
	Boundary string
	// Challenge answers a challenge issued by an earlier call.
	Challenge *mfa.ChallengeResponse
}

func (r Request) actionContext() risk.ActionContext {
	return risk.ActionContext{
		Action:    r.Action,
		RiskScore: r.RiskScore,
		DeviceID:  r.DeviceID,
		Amount:    r.Amount,
	}
}

// Decision is the outcome of Authorize. An allowed decision holds the
// isolation scope until Release is called.
type Decision struct {
	Outcome    Outcome          `json:"outcome"`
	Assessment *risk.Assessment `json:"assessment"`
	Challenge  *mfa.Challenge   `json:"challenge,omitempty"`

	scope *isolation.Scope
}

// Scope returns the isolation scope of an allowed decision.
func (d *Decision) Scope() *isolation.Scope { return d.scope }

// Release ends the isolation scope. Safe to call more than once.
func (d *Decision) Release() {
	if d != nil {
		d.scope.Release()
	}
}

// Collaborators, one per stage.

type BreakerChecker interface {
	CheckBreakers(ctx context.Context, userID string, action breaker.Action) (*breaker.CheckResult, error)
}

type Isolator interface {
	Enforce(ctx context.Context, cardID string) (context.Context, *isolation.Scope, error)
}

type RiskEngine interface {
	risk.Assessor
	RecordTransaction(ctx context.Context, cardID string, amount decimal.Decimal) error
}

type StepUp interface {
	CreateMFAChallenge(ctx context.Context, cardID string, action risk.ActionContext) (*mfa.Challenge, error)
	VerifyMFAChallengeFor(ctx context.Context, cardID string, resp mfa.ChallengeResponse, action risk.ActionContext, current *risk.Assessment) (bool, error)
	DisableMFA(ctx context.Context, cardID, code string) (bool, error)
}

// ViolationReporter is told about correlation attempts caught by isolation.
type ViolationReporter interface {
	RecordViolation(ctx context.Context, userID string) (bool, error)
}

// Gate wires the stages together.
type Gate struct {
	breakers  BreakerChecker
	isolation Isolator
	risk      RiskEngine
	stepUp    StepUp
	audit     audit.Recorder
	reporter  ViolationReporter
}

func New(b BreakerChecker, iso Isolator, r RiskEngine, s StepUp, rec audit.Recorder) *Gate {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Gate{breakers: b, isolation: iso, risk: r, stepUp: s, audit: rec}
}

// WithViolationReporter forwards cross-card isolation violations to r.
func (g *Gate) WithViolationReporter(r ViolationReporter) *Gate {
	g.reporter = r
	return g
}

// Authorize runs the full pipeline for req. It returns an allowed decision,
// a challenge_required decision carrying a freshly issued challenge, or an
// error: *BlockedError, an isolation violation, ErrChallengeFailed,
// ErrStepUpRequired, or a wrapped store failure. The caller must Release an
// allowed decision when the action completes.
func (g *Gate) Authorize(ctx context.Context, req Request) (*Decision, error) {
	ctx, span := traces.StartSpan(ctx, "guard.Authorize", traces.Action(req.Action))
	defer span.End()

	ictx, scope, assessment, err := g.preflight(ctx, req)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(traces.ContextHash(scope.CardContextHash), traces.RiskScore(assessment.RiskScore))

	if assessment.RequiresMFA {
		sctx, sspan := traces.StartSpan(ictx, "guard.mfa")
		d, err := g.stepUpStage(sctx, req, scope, assessment)
		sspan.End()
		if err != nil || d != nil {
			scope.Release()
			if err != nil {
				traces.Fail(span, err)
			}
			return d, err
		}
	}

	if req.Amount.IsPositive() {
		if err := g.risk.RecordTransaction(ictx, req.CardID, req.Amount); err != nil {
			logging.L(ctx).Error("failed to record transaction velocity", "action", req.Action, "error", err)
		}
	}
	g.allow(ictx, req, scope, assessment)
	span.SetAttributes(traces.Outcome(string(OutcomeAllowed)))
	return &Decision{Outcome: OutcomeAllowed, Assessment: assessment, scope: scope}, nil
}

// stepUpStage returns a non-nil decision when a challenge was issued and a
// nil decision with a nil error when the presented challenge was accepted.
// An answer only counts for the action, device and amount it was issued for.
func (g *Gate) stepUpStage(ctx context.Context, req Request, scope *isolation.Scope, a *risk.Assessment) (*Decision, error) {
	if req.Challenge != nil {
		ok, err := g.stepUp.VerifyMFAChallengeFor(ctx, req.CardID, *req.Challenge, req.actionContext(), a)
		if err != nil {
			return nil, g.deny(ctx, req, scope, StageMFA, fmt.Errorf("verify challenge: %w", err))
		}
		if !ok {
			return nil, g.deny(ctx, req, scope, StageMFA, ErrChallengeFailed)
		}
		return nil, nil
	}

	ch, err := g.stepUp.CreateMFAChallenge(ctx, req.CardID, req.actionContext())
	switch {
	case err == nil:
		metrics.GateDecisionsTotal.WithLabelValues(req.Action, string(OutcomeChallengeRequired), string(StageMFA)).Inc()
		return &Decision{Outcome: OutcomeChallengeRequired, Assessment: a, Challenge: ch}, nil
	case errors.Is(err, mfa.ErrTooManyAttempts):
		return nil, g.deny(ctx, req, scope, StageMFA, err)
	case errors.Is(err, mfa.ErrMFANotEnabled), errors.Is(err, mfa.ErrMFANotRequired):
		// The assessment demanded step-up that cannot be performed.
		return nil, g.deny(ctx, req, scope, StageMFA, fmt.Errorf("%w: %v", ErrStepUpRequired, err))
	default:
		return nil, g.deny(ctx, req, scope, StageMFA, fmt.Errorf("issue challenge: %w", err))
	}
}

// DisableMFA runs breakers, isolation and risk for the disable action and
// then lets the presented code serve as the step-up proof.
func (g *Gate) DisableMFA(ctx context.Context, req Request, code string) (bool, error) {
	req.Action = ActionDisableMFA
	ctx, span := traces.StartSpan(ctx, "guard.DisableMFA")
	defer span.End()

	ictx, scope, assessment, err := g.preflight(ctx, req)
	if err != nil {
		traces.Fail(span, err)
		return false, err
	}
	defer scope.Release()

	ok, err := g.stepUp.DisableMFA(ictx, req.CardID, code)
	if err != nil {
		traces.Fail(span, err)
		return false, g.deny(ictx, req, scope, StageMFA, err)
	}
	if !ok {
		return false, g.deny(ictx, req, scope, StageMFA, ErrChallengeFailed)
	}
	g.allow(ictx, req, scope, assessment)
	return true, nil
}

// preflight runs breakers, isolation and risk in that order.
func (g *Gate) preflight(ctx context.Context, req Request) (context.Context, *isolation.Scope, *risk.Assessment, error) {
	if req.UserID == "" || req.CardID == "" || req.Action == "" {
		return nil, nil, nil, g.deny(ctx, req, nil, StageValidate, ErrInvalidRequest)
	}

	bctx, bspan := traces.StartSpan(ctx, "guard.breakers")
	res, err := g.breakers.CheckBreakers(bctx, req.UserID, breaker.Action{
		ActionType: req.Action,
		GoalID:     req.GoalID,
		Protocol:   req.Protocol,
	})
	bspan.End()
	if err != nil {
		return nil, nil, nil, g.deny(ctx, req, nil, StageBreaker, fmt.Errorf("check breakers: %w", err))
	}
	if res.Blocked {
		return nil, nil, nil, g.deny(ctx, req, nil, StageBreaker, &BlockedError{Breakers: res.TrippedBreakers})
	}

	ictx := isolation.WithCaller(ctx, req.UserID, req.SessionID)
	if req.Boundary != "" {
		ictx = isolation.WithBoundary(ictx, req.Boundary)
	}
	ictx, ispan := traces.StartSpan(ictx, "guard.isolation")
	ictx, scope, err := g.isolation.Enforce(ictx, req.CardID)
	ispan.End()
	if err != nil {
		g.reportViolation(ctx, req.UserID, err)
		return nil, nil, nil, g.deny(ctx, req, nil, StageIsolation, err)
	}

	rctx, rspan := traces.StartSpan(ictx, "guard.risk")
	assessment := g.risk.Assess(rctx, req.CardID, req.actionContext())
	rspan.SetAttributes(traces.RiskScore(assessment.RiskScore))
	rspan.End()

	return ictx, scope, assessment, nil
}

func (g *Gate) reportViolation(ctx context.Context, userID string, err error) {
	var v *isolation.Violation
	if g.reporter == nil || !errors.As(err, &v) {
		return
	}
	if v.Reason != isolation.ReasonCrossCardScope && v.Reason != isolation.ReasonSessionBound {
		return
	}
	tripped, rerr := g.reporter.RecordViolation(ctx, userID)
	if rerr != nil {
		logging.L(ctx).Warn("failed to report correlation violation", "user", userID, "error", rerr)
		return
	}
	if tripped {
		logging.L(ctx).Warn("global breaker tripped after correlation violations", "user", userID)
	}
}

func (g *Gate) allow(ctx context.Context, req Request, scope *isolation.Scope, a *risk.Assessment) {
	stage := StageRisk
	if a.RequiresMFA {
		stage = StageMFA
	}
	metrics.GateDecisionsTotal.WithLabelValues(req.Action, string(OutcomeAllowed), string(stage)).Inc()
	_ = g.audit.Record(ctx, req.UserID, audit.EventActionAllowed, map[string]any{
		"action":          req.Action,
		"cardContextHash": scope.CardContextHash,
		"riskScore":       a.RiskScore,
		"steppedUp":       a.RequiresMFA,
	})
}

func (g *Gate) deny(ctx context.Context, req Request, scope *isolation.Scope, stage Stage, err error) error {
	metrics.GateDecisionsTotal.WithLabelValues(req.Action, string(outcomeDenied), string(stage)).Inc()

	data := map[string]any{
		"action": req.Action,
		"stage":  string(stage),
		"reason": denyReason(err),
	}
	if scope != nil {
		data["cardContextHash"] = scope.CardContextHash
	}
	user := req.UserID
	if user == "" {
		user = "anonymous"
	}
	trace.SpanFromContext(ctx).SetAttributes(traces.Stage(string(stage)), traces.Outcome(string(outcomeDenied)))
	if aerr := g.audit.Record(ctx, user, audit.EventActionDenied, data); aerr != nil {
		logging.L(ctx).Error("gate audit failed", "error", aerr)
	}
	logging.L(ctx).Info("action denied", "action", req.Action, "stage", stage, "reason", data["reason"])
	return err
}

// denyReason is a stable, secret-free label for the audit log.
func denyReason(err error) string {
	var blocked *BlockedError
	var v *isolation.Violation
	switch {
	case errors.As(err, &blocked):
		return "breaker_tripped"
	case errors.As(err, &v):
		return string(v.Reason)
	case errors.Is(err, ErrChallengeFailed):
		return "challenge_failed"
	case errors.Is(err, ErrStepUpRequired):
		return "step_up_unavailable"
	case errors.Is(err, mfa.ErrTooManyAttempts):
		return "too_many_attempts"
	case errors.Is(err, mfa.ErrMFANotEnabled):
		return "mfa_not_enabled"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return "internal_error"
	}
}
