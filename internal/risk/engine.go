package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/discard/internal/audit"
	"github.com/mbd888/discard/internal/authn"
	"github.com/mbd888/discard/internal/clock"
	"github.com/mbd888/discard/internal/isolation"
	"github.com/mbd888/discard/internal/kvstore"
	"github.com/mbd888/discard/internal/logging"
	"github.com/mbd888/discard/internal/metrics"
)

const (
	fraudWeight        = 0.4
	highFraudThreshold = 75

	impactDeviceUnknown = 30
	impactLateNight     = 20
	impactEvening       = 10
	impactVelocitySpend = 15
	impactVelocityCount = 10
	maxScore            = 100
)

// amountTiers are checked top-down; the first strict match applies.
var amountTiers = []struct {
	over   decimal.Decimal
	impact int
}{
	{decimal.NewFromInt(10_000), 40},
	{decimal.NewFromInt(5_000), 25},
	{decimal.NewFromInt(1_000), 15},
	{decimal.NewFromInt(500), 10},
}

// Engine scores actions using injected configuration, device trust and
// per-card velocity counters.
type Engine struct {
	configs  ConfigSource
	trust    TrustSource
	clock    clock.Clock
	location *time.Location
	limits   VelocityLimits
	counters kvstore.Store
	audit    audit.Recorder
}

// NewEngine creates a risk engine. Time of day is evaluated in UTC,
// velocity uses the standard preset and counters are process-local unless
// overridden.
func NewEngine(configs ConfigSource, trust TrustSource, c clock.Clock) *Engine {
	if c == nil {
		c = clock.Real()
	}
	return &Engine{
		configs:  configs,
		trust:    trust,
		clock:    c,
		location: time.UTC,
		limits:   StandardLimits(),
		counters: kvstore.NewMemoryStore(c),
		audit:    audit.Nop{},
	}
}

// WithCounters keeps velocity counters in kv. Instances sharing kv share
// their view of every card's spend.
func (e *Engine) WithCounters(kv kvstore.Store) *Engine {
	if kv != nil {
		e.counters = kv
	}
	return e
}

// WithLocation sets the zone used for time-of-day scoring.
func (e *Engine) WithLocation(loc *time.Location) *Engine {
	if loc != nil {
		e.location = loc
	}
	return e
}

// WithVelocityLimits overrides the velocity limits.
func (e *Engine) WithVelocityLimits(l VelocityLimits) *Engine {
	e.limits = l
	return e
}

// WithRecorder sets the audit sink for fail-safe assessments.
func (e *Engine) WithRecorder(rec audit.Recorder) *Engine {
	if rec != nil {
		e.audit = rec
	}
	return e
}

// Assess scores action for cardID. It never returns an error: lookups that
// fail produce the maximum-risk assessment.
func (e *Engine) Assess(ctx context.Context, cardID string, action ActionContext) *Assessment {
	cfg, err := e.configs.GetConfiguration(ctx, cardID)
	if err != nil {
		return e.failSafe(ctx, "config_unavailable", err)
	}
	if cfg == nil {
		cfg = authn.DefaultConfiguration("")
	}

	var factors []Factor
	score := 0

	if action.RiskScore != nil {
		upstream := clampScore(*action.RiskScore)
		weighted := int(math.Round(float64(upstream) * fraudWeight))
		score += weighted
		if upstream > highFraudThreshold {
			factors = append(factors, Factor{
				Type:        FactorTransactionAmount,
				Impact:      weighted,
				Description: "high fraud risk score",
			})
		}
	}

	trusted := false
	if action.DeviceID != "" {
		trusted, err = e.trust.IsDeviceTrusted(ctx, cardID, action.DeviceID)
		if err != nil {
			return e.failSafe(ctx, "device_trust_unavailable", err)
		}
	}
	if !trusted {
		score += impactDeviceUnknown
		factors = append(factors, Factor{
			Type:        FactorDeviceUnknown,
			Impact:      impactDeviceUnknown,
			Description: "unrecognized device",
		})
	}

	if f, ok := amountFactor(action.Amount); ok {
		score += f.Impact
		factors = append(factors, f)
	}

	now := e.clock.Now()
	if f, ok := timeFactor(now.In(e.location)); ok {
		score += f.Impact
		factors = append(factors, f)
	}

	velocity, err := e.velocityFactors(ctx, cardID, action.Amount, now)
	if err != nil {
		return e.failSafe(ctx, "velocity_unavailable", err)
	}
	for _, f := range velocity {
		score += f.Impact
		factors = append(factors, f)
	}

	score = clampScore(score)
	requires := cfg.Enabled && cfg.RiskBasedEnabled && score >= cfg.Thresholds.Low

	a := &Assessment{
		RiskScore:   score,
		Factors:     factors,
		RequiresMFA: requires,
	}
	if requires {
		m := recommend(score, cfg)
		a.RecommendedMethod = &m
	}
	metrics.RiskScore.Observe(float64(score))
	return a
}

// RecordTransaction adds a completed transaction to the card's counters
// for the current day, week and month.
func (e *Engine) RecordTransaction(ctx context.Context, cardID string, amount decimal.Decimal) error {
	spend := toCents(amount)
	for _, p := range e.periods(cardID, e.clock.Now()) {
		if _, err := e.counters.IncrBy(ctx, p.key+":spend", spend, p.ttl); err != nil {
			return fmt.Errorf("risk: record %s spend: %w", p.name, err)
		}
		if _, err := e.counters.Incr(ctx, p.key+":count", p.ttl); err != nil {
			return fmt.Errorf("risk: record %s count: %w", p.name, err)
		}
	}
	return nil
}

func (e *Engine) failSafe(ctx context.Context, reason string, err error) *Assessment {
	metrics.RiskFailSafeTotal.Inc()
	logging.L(ctx).Warn("risk assessment failed, assuming maximum risk", "reason", reason, "error", err)

	userID := "system"
	if s, ok := isolation.FromContext(ctx); ok {
		userID = s.UserID
	}
	_ = e.audit.Record(ctx, userID, audit.EventRiskFailSafe, map[string]any{"reason": reason})

	m := authn.MethodTOTP
	return &Assessment{
		RiskScore:         maxScore,
		Factors:           []Factor{},
		RequiresMFA:       true,
		RecommendedMethod: &m,
		FailSafe:          true,
	}
}

func recommend(score int, cfg *authn.Configuration) authn.Method {
	switch {
	case score >= cfg.Thresholds.High && cfg.Methods.Biometric:
		return authn.MethodBiometric
	case score >= cfg.Thresholds.Medium && cfg.Methods.TOTP:
		return authn.MethodTOTP
	case cfg.Methods.TOTP:
		return authn.MethodTOTP
	default:
		return authn.MethodBackupCode
	}
}

func amountFactor(amount decimal.Decimal) (Factor, bool) {
	for _, tier := range amountTiers {
		if amount.GreaterThan(tier.over) {
			return Factor{
				Type:        FactorTransactionAmount,
				Impact:      tier.impact,
				Description: fmt.Sprintf("amount above $%s", tier.over.StringFixed(0)),
			}, true
		}
	}
	return Factor{}, false
}

// timeFactor flags 02:00-05:59 and 22:00-01:59 local time.
func timeFactor(local time.Time) (Factor, bool) {
	switch h := local.Hour(); {
	case h >= 2 && h <= 5:
		return Factor{Type: FactorTimeUnusual, Impact: impactLateNight, Description: "transaction between 2 AM and 6 AM"}, true
	case h >= 22 || h <= 1:
		return Factor{Type: FactorTimeUnusual, Impact: impactEvening, Description: "transaction between 10 PM and 2 AM"}, true
	}
	return Factor{}, false
}

// period is one calendar velocity bucket for a card.
type period struct {
	name  string
	key   string
	ttl   time.Duration
	limit int64
	maxTx int
}

// periods returns the card's day, week and month buckets containing now.
// Buckets roll over at local midnight, the ISO week start and the first of
// the month, and expire once they can no longer be current.
func (e *Engine) periods(cardID string, now time.Time) []period {
	local := now.In(e.location)
	year, week := local.ISOWeek()
	prefix := "velocity:" + cardID + ":"
	return []period{
		{"daily", prefix + "d:" + local.Format("2006-01-02"), 48 * time.Hour, e.limits.Daily, e.limits.MaxDailyTx},
		{"weekly", prefix + fmt.Sprintf("w:%d-W%02d", year, week), 8 * 24 * time.Hour, e.limits.Weekly, e.limits.MaxWeeklyTx},
		{"monthly", prefix + "m:" + local.Format("2006-01"), 32 * 24 * time.Hour, e.limits.Monthly, e.limits.MaxMonthlyTx},
	}
}

// velocityFactors compares the card's spend and count, including the
// pending amount, with its limits. Each of spend and count contributes at
// most once.
func (e *Engine) velocityFactors(ctx context.Context, cardID string, amount decimal.Decimal, now time.Time) ([]Factor, error) {
	var out []Factor
	spendFlagged, countFlagged := false, false
	if e.limits.PerTransaction > 0 && amount.GreaterThan(cents(e.limits.PerTransaction)) {
		spendFlagged = true
		out = append(out, Factor{Type: FactorVelocity, Impact: impactVelocitySpend, Description: "amount above per-transaction limit"})
	}

	pending := toCents(amount)
	for _, p := range e.periods(cardID, now) {
		if spendFlagged && countFlagged {
			break
		}
		spent, err := e.counters.Counter(ctx, p.key+":spend")
		if err != nil {
			return nil, err
		}
		count, err := e.counters.Counter(ctx, p.key+":count")
		if err != nil {
			return nil, err
		}
		if !spendFlagged && p.limit > 0 && spent+pending > p.limit {
			spendFlagged = true
			out = append(out, Factor{Type: FactorVelocity, Impact: impactVelocitySpend, Description: p.name + " spend limit exceeded"})
		}
		if !countFlagged && p.maxTx > 0 && count >= int64(p.maxTx) {
			countFlagged = true
			out = append(out, Factor{Type: FactorVelocity, Impact: impactVelocityCount, Description: p.name + " transaction count limit reached"})
		}
	}
	return out, nil
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > maxScore {
		return maxScore
	}
	return s
}
