// Package audit is the append-only compliance log for isolation checks,
// breaker transitions, blocked correlation attempts and MFA outcomes.
//
// Events never carry TOTP secrets, backup codes or biometric templates;
// Log.Record strips those keys before any sink sees the event.
package audit

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/discard/internal/clock"
	"github.com/mbd888/discard/internal/logging"
	"github.com/mbd888/discard/internal/metrics"
)

// EventType names what happened.
type EventType string

const (
	EventCardProvisioned    EventType = "card_provisioned"
	EventCardActivated      EventType = "card_activated"
	EventCardPaused         EventType = "card_paused"
	EventCardResumed        EventType = "card_resumed"
	EventCardFrozen         EventType = "card_frozen"
	EventCardUnfrozen       EventType = "card_unfrozen"
	EventCardTerminated     EventType = "card_terminated"
	EventSessionRotated     EventType = "session_boundary_rotated"
	EventIsolationVerified  EventType = "isolation_verified"
	EventIsolationViolation EventType = "isolation_violation"
	EventCorrelationBlocked EventType = "correlation_blocked"
	EventBreakerCreated     EventType = "breaker_created"
	EventBreakerDeleted     EventType = "breaker_deleted"
	EventBreakerTripped     EventType = "breaker_tripped"
	EventBreakerReset       EventType = "breaker_reset"
	EventBreakerAutoReset   EventType = "breaker_auto_reset"
	EventBreakerBlocked     EventType = "breaker_blocked"
	EventRiskFailSafe       EventType = "risk_fail_safe"
	EventMFASetupStarted    EventType = "mfa_setup_started"
	EventMFASetupVerified   EventType = "mfa_setup_verified"
	EventMFASetupRejected   EventType = "mfa_setup_rejected"
	EventMFAConfigUpdated   EventType = "mfa_config_updated"
	EventMFABiometricEnroll EventType = "mfa_biometric_enrolled"
	EventMFAChallengeIssued EventType = "mfa_challenge_issued"
	EventMFAChallengeDenied EventType = "mfa_challenge_denied"
	EventMFAVerified        EventType = "mfa_challenge_verified"
	EventMFAVerifyFailed    EventType = "mfa_challenge_failed"
	EventMFADisabled        EventType = "mfa_disabled"
	EventMFADisableRejected EventType = "mfa_disable_rejected"
	EventActionAllowed      EventType = "action_allowed"
	EventActionDenied       EventType = "action_denied"
)

// Event is a single audit record.
type Event struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	EventType EventType      `json:"eventType"`
	EventData map[string]any `json:"eventData,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Query filters a read of the log. Zero values mean "any".
type Query struct {
	UserID    string
	EventType EventType
	From      time.Time
	To        time.Time
	BeforeID  string // newest-first paging: only events with a smaller id
	Limit     int
}

var ErrUserRequired = errors.New("audit: user id is required")

// Store is the durable, append-only home of events.
type Store interface {
	Append(ctx context.Context, e *Event) error
	Query(ctx context.Context, q Query) ([]*Event, error)
	// After returns up to limit events with ID greater than afterID in ID
	// order. An empty afterID starts from the beginning.
	After(ctx context.Context, afterID string, limit int) ([]*Event, error)
}

// Publisher forwards events to downstream consumers. Publishing is
// best-effort: the durable store is the source of truth.
type Publisher interface {
	Publish(ctx context.Context, e *Event) error
}

// Recorder is what other packages depend on.
type Recorder interface {
	Record(ctx context.Context, userID string, eventType EventType, data map[string]any) error
}

// forbiddenKeys are dropped from event data at any depth.
var forbiddenKeys = map[string]bool{
	"secret":            true,
	"totpsecret":        true,
	"code":              true,
	"backupcode":        true,
	"backupcodes":       true,
	"biometricdata":     true,
	"biometrictemplate": true,
	"template":          true,
	"setuptoken":        true,
	"otpauthurl":        true,
	"qrcodeurl":         true,
}

// Log implements Recorder on top of a Store and optional Publishers.
type Log struct {
	store      Store
	publishers []Publisher
	clock      clock.Clock

	mu      sync.Mutex
	entropy io.Reader
}

// NewLog creates a Log writing to store and fanning out to publishers.
func NewLog(store Store, c clock.Clock, publishers ...Publisher) *Log {
	if c == nil {
		c = clock.Real()
	}
	return &Log{
		store:      store,
		publishers: publishers,
		clock:      c,
		entropy:    ulid.Monotonic(rand.Reader, 0),
	}
}

func (l *Log) newID(t time.Time) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), l.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Record scrubs data, appends the event to the store, then publishes it.
// A store failure is returned; publisher failures are only logged.
func (l *Log) Record(ctx context.Context, userID string, eventType EventType, data map[string]any) error {
	if userID == "" {
		return ErrUserRequired
	}
	now := l.clock.Now().UTC()
	id, err := l.newID(now)
	if err != nil {
		return fmt.Errorf("audit: id: %w", err)
	}
	e := &Event{
		ID:        id,
		UserID:    userID,
		EventType: eventType,
		EventData: Scrub(data),
		Timestamp: now,
	}

	if err := l.store.Append(ctx, e); err != nil {
		metrics.AuditEventsTotal.WithLabelValues(string(eventType), "store_error").Inc()
		return fmt.Errorf("audit: append: %w", err)
	}
	metrics.AuditEventsTotal.WithLabelValues(string(eventType), "stored").Inc()

	if len(l.publishers) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range l.publishers {
		g.Go(func() error { return p.Publish(gctx, e) })
	}
	if err := g.Wait(); err != nil {
		metrics.AuditEventsTotal.WithLabelValues(string(eventType), "publish_error").Inc()
		logging.L(ctx).Warn("audit publish failed", "event_id", e.ID, "event_type", eventType, "error", err)
	}
	return nil
}

// Query reads events back for compliance reporting.
func (l *Log) Query(ctx context.Context, q Query) ([]*Event, error) {
	return l.store.Query(ctx, q)
}

// Scrub returns a copy of data without sensitive keys.
func Scrub(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if forbiddenKeys[normalizeKey(k)] {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			v = Scrub(nested)
		}
		out[k] = v
	}
	return out
}

func normalizeKey(k string) string {
	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, "_", "")
	return strings.ReplaceAll(k, "-", "")
}

// Nop discards events. Useful for components under test that do not
// assert on auditing.
type Nop struct{}

func (Nop) Record(context.Context, string, EventType, map[string]any) error { return nil }

var _ Recorder = (*Log)(nil)
