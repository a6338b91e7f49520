package breaker

import (
	"context"
	"time"

	"github.com/mbd888/discard/internal/kvstore"
)

const (
	detectorActor  = "system"
	detectorReason = "repeated correlation violations"
)

// Detector trips a user's global breaker when correlation violations
// arrive faster than the threshold allows. Counts live in the shared
// kvstore so every instance contributes to the same window.
type Detector struct {
	kv        kvstore.Store
	threshold int64
	window    time.Duration
	registry  *Registry
}

// NewDetector trips after threshold violations within window, measured
// from the first violation of the window.
func NewDetector(registry *Registry, kv kvstore.Store, threshold int, window time.Duration) *Detector {
	if threshold <= 0 {
		threshold = 3
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Detector{
		kv:        kv,
		threshold: int64(threshold),
		window:    window,
		registry:  registry,
	}
}

func violationsKey(userID string) string { return "violations:" + userID }

// RecordViolation counts one violation for the user and reports whether it
// tripped the global breaker.
func (d *Detector) RecordViolation(ctx context.Context, userID string) (bool, error) {
	n, err := d.kv.IncrWindow(ctx, violationsKey(userID), d.window)
	if err != nil {
		return false, err
	}
	if n < d.threshold {
		return false, nil
	}
	if _, err := d.kv.Delete(ctx, violationsKey(userID)); err != nil {
		return false, err
	}
	res, err := d.registry.TripBreaker(ctx, userID, GlobalKillSwitch, detectorActor, detectorReason)
	if err != nil {
		return false, err
	}
	return res.Changed, nil
}

// Pending returns the violations counted for the user in the current window.
func (d *Detector) Pending(ctx context.Context, userID string) (int, error) {
	n, err := d.kv.Counter(ctx, violationsKey(userID))
	return int(n), err
}
