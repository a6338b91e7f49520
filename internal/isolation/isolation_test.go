package isolation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/discard/internal/audit"
	"github.com/mbd888/discard/internal/cardctx"
	"github.com/mbd888/discard/internal/clock"
)

type fixture struct {
	enforcer *Enforcer
	registry *cardctx.Registry
	clock    *clock.Fake
	events   *audit.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d, err := cardctx.NewDeriver([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	fc := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	events := audit.NewMemoryStore()
	log := audit.NewLog(events, fc)
	reg := cardctx.NewRegistry(cardctx.NewMemoryStore(), d, fc, time.Hour, log)
	for _, id := range []string{"card_a", "card_b"} {
		_, err := reg.Provision(context.Background(), cardctx.ProvisionRequest{UserID: "user_1", CardID: id})
		require.NoError(t, err)
	}
	return &fixture{enforcer: NewEnforcer(reg, fc, log), registry: reg, clock: fc, events: events}
}

func reasonOf(t *testing.T, err error) Reason {
	t.Helper()
	require.ErrorIs(t, err, ErrIsolationViolation)
	var v *Violation
	require.True(t, errors.As(err, &v))
	return v.Reason
}

func (f *fixture) countEvents(et audit.EventType) int {
	n := 0
	for _, e := range f.events.Events() {
		if e.EventType == et {
			n++
		}
	}
	return n
}

func TestEnforce_Passes(t *testing.T) {
	f := newFixture(t)
	ctx := WithCaller(context.Background(), "user_1", "sess_1")

	scoped, scope, err := f.enforcer.Enforce(ctx, "card_a")
	require.NoError(t, err)
	defer scope.Release()

	held, ok := FromContext(scoped)
	require.True(t, ok)
	assert.Equal(t, scope, held)
	assert.Equal(t, "card_a", scope.CardID)
	assert.Equal(t, 1, f.countEvents(audit.EventIsolationVerified))
}

func TestEnforce_UnknownAndTerminatedCards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.enforcer.Enforce(ctx, "nope")
	assert.Equal(t, ReasonContextUnavailable, reasonOf(t, err))

	_, err = f.registry.Terminate(ctx, "card_a")
	require.NoError(t, err)
	_, _, err = f.enforcer.Enforce(ctx, "card_a")
	assert.Equal(t, ReasonContextUnavailable, reasonOf(t, err))
	assert.Equal(t, 2, f.countEvents(audit.EventIsolationViolation))
}

func TestEnforce_OtherUsersCardLooksUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := WithCaller(context.Background(), "user_2", "sess_9")
	_, _, err := f.enforcer.Enforce(ctx, "card_a")
	assert.Equal(t, ReasonContextUnavailable, reasonOf(t, err))
}

func TestEnforce_InactiveCards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.Freeze(ctx, "card_a", cardctx.ReasonFraudDetected)
	require.NoError(t, err)
	_, _, err = f.enforcer.Enforce(ctx, "card_a")
	assert.Equal(t, ReasonCardInactive, reasonOf(t, err))

	_, err = f.registry.Pause(ctx, "card_b")
	require.NoError(t, err)
	_, _, err = f.enforcer.Enforce(ctx, "card_b")
	assert.Equal(t, ReasonCardInactive, reasonOf(t, err))
}

func TestEnforce_ExpiredBoundary(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(time.Hour)

	_, _, err := f.enforcer.Enforce(context.Background(), "card_a")
	assert.Equal(t, ReasonBoundaryExpired, reasonOf(t, err))

	_, err = f.registry.RotateSessionBoundary(context.Background(), "card_a")
	require.NoError(t, err)
	_, scope, err := f.enforcer.Enforce(context.Background(), "card_a")
	require.NoError(t, err)
	scope.Release()
}

func TestEnforce_RotatedBoundaryIsStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cc, err := f.registry.GetCardContext(ctx, "card_a")
	require.NoError(t, err)
	stale := cc.SessionBoundary

	_, scope, err := f.enforcer.Enforce(WithBoundary(ctx, stale), "card_a")
	require.NoError(t, err)
	scope.Release()

	_, err = f.registry.RotateSessionBoundary(ctx, "card_a")
	require.NoError(t, err)

	_, _, err = f.enforcer.Enforce(WithBoundary(ctx, stale), "card_a")
	assert.Equal(t, ReasonBoundaryRotated, reasonOf(t, err))
}

func TestEnforce_CrossCardScopeInSameCallChain(t *testing.T) {
	f := newFixture(t)
	scoped, scope, err := f.enforcer.Enforce(context.Background(), "card_a")
	require.NoError(t, err)
	defer scope.Release()

	_, _, err = f.enforcer.Enforce(scoped, "card_b")
	assert.Equal(t, ReasonCrossCardScope, reasonOf(t, err))
	assert.Equal(t, 1, f.countEvents(audit.EventCorrelationBlocked))

	_, inner, err := f.enforcer.Enforce(scoped, "card_a")
	require.NoError(t, err, "re-entering the same card is allowed")
	inner.Release()
}

func TestEnforce_SessionBoundToInFlightCard(t *testing.T) {
	f := newFixture(t)
	ctx := WithCaller(context.Background(), "user_1", "sess_1")

	_, scopeA, err := f.enforcer.Enforce(ctx, "card_a")
	require.NoError(t, err)

	_, _, err = f.enforcer.Enforce(ctx, "card_b")
	assert.Equal(t, ReasonSessionBound, reasonOf(t, err))

	other := WithCaller(context.Background(), "user_1", "sess_2")
	_, scopeB, err := f.enforcer.Enforce(other, "card_b")
	require.NoError(t, err, "a different session is independent")
	scopeB.Release()

	scopeA.Release()
	scopeA.Release()

	_, scopeB, err = f.enforcer.Enforce(ctx, "card_b")
	require.NoError(t, err, "claim is freed after release")
	scopeB.Release()
}

func TestEnforce_ConcurrentSessionClaimsAdmitOneCard(t *testing.T) {
	f := newFixture(t)
	ctx := WithCaller(context.Background(), "user_1", "sess_race")

	var wg sync.WaitGroup
	var passA, passB int32
	start := make(chan struct{})
	for i := 0; i < 20; i++ {
		card := "card_a"
		counter := &passA
		if i%2 == 1 {
			card, counter = "card_b", &passB
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, _, err := f.enforcer.Enforce(ctx, card); err == nil {
				atomic.AddInt32(counter, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	// Scopes are never released, so only one card can hold the session.
	a, b := atomic.LoadInt32(&passA), atomic.LoadInt32(&passB)
	assert.True(t, (a > 0) != (b > 0), "exactly one card holds the session: a=%d b=%d", a, b)
}

type failingResolver struct{}

func (failingResolver) GetCardContext(context.Context, string) (*cardctx.CardContext, error) {
	return nil, errors.New("connection reset")
}

func TestEnforce_StoreErrorFailsClosed(t *testing.T) {
	e := NewEnforcer(failingResolver{}, nil, nil)
	_, _, err := e.Enforce(context.Background(), "card_a")
	assert.Equal(t, ReasonContextLookup, reasonOf(t, err))
	assert.Contains(t, err.Error(), "connection reset")
}
