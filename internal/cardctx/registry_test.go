package cardctx

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/discard/internal/audit"
	"github.com/mbd888/discard/internal/clock"
)

var testMaster = []byte("0123456789abcdef0123456789abcdef")

func newTestRegistry(t *testing.T) (*Registry, *clock.Fake, *audit.MemoryStore) {
	t.Helper()
	d, err := NewDeriver(testMaster)
	require.NoError(t, err)
	fc := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	events := audit.NewMemoryStore()
	return NewRegistry(NewMemoryStore(), d, fc, time.Hour, audit.NewLog(events, fc)), fc, events
}

func TestDeriver_DistinctCardsNeverCollide(t *testing.T) {
	d, err := NewDeriver(testMaster)
	require.NoError(t, err)

	seen := make(map[string]string)
	for u := 0; u < 20; u++ {
		for c := 0; c < 100; c++ {
			user := fmt.Sprintf("user_%d", u)
			card := fmt.Sprintf("card_%d", c)
			h, err := d.Hash(user, card)
			require.NoError(t, err)
			key := user + "/" + card
			if prev, dup := seen[h]; dup {
				t.Fatalf("hash collision between %s and %s", prev, key)
			}
			seen[h] = key
		}
	}
}

func TestDeriver_DependsOnUserAndSecret(t *testing.T) {
	d1, err := NewDeriver(testMaster)
	require.NoError(t, err)
	d2, err := NewDeriver([]byte("another-master-secret-of-32-bytes"))
	require.NoError(t, err)

	a, _ := d1.Hash("user_1", "card_42")
	again, _ := d1.Hash("user_1", "card_42")
	otherUser, _ := d1.Hash("user_2", "card_42")
	otherSecret, _ := d2.Hash("user_1", "card_42")

	assert.Equal(t, a, again, "stable per card")
	assert.NotEqual(t, a, otherUser)
	assert.NotEqual(t, a, otherSecret)
	assert.NotContains(t, a, "card_42")
	assert.Len(t, a, 64)
}

func TestNewDeriver_RejectsShortSecret(t *testing.T) {
	_, err := NewDeriver([]byte("short"))
	assert.Error(t, err)
}

func TestRegistry_ProvisionAndGet(t *testing.T) {
	reg, _, events := newTestRegistry(t)
	ctx := context.Background()

	cc, err := reg.Provision(ctx, ProvisionRequest{UserID: "user_1", CardID: "card_1"})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, cc.Status)
	assert.Equal(t, DefaultResistance, cc.CorrelationResistance)
	assert.NotEmpty(t, cc.SessionBoundary)
	assert.NotEmpty(t, cc.ContextID)

	got, err := reg.GetCardContext(ctx, "card_1")
	require.NoError(t, err)
	assert.Equal(t, cc.CardContextHash, got.CardContextHash)

	_, err = reg.Provision(ctx, ProvisionRequest{UserID: "user_1", CardID: "card_1"})
	assert.ErrorIs(t, err, ErrCardExists)

	stored := events.Events()
	require.NotEmpty(t, stored)
	assert.Equal(t, audit.EventCardProvisioned, stored[0].EventType)
	for _, e := range stored {
		for _, v := range e.EventData {
			if s, ok := v.(string); ok {
				assert.NotEqual(t, "card_1", s, "raw card id must not reach the audit log")
			}
		}
	}
}

func TestRegistry_UnknownAndTerminatedAreUnavailable(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.GetCardContext(ctx, "missing")
	assert.ErrorIs(t, err, ErrContextUnavailable)

	_, err = reg.Provision(ctx, ProvisionRequest{UserID: "user_1", CardID: "card_1"})
	require.NoError(t, err)
	_, err = reg.Terminate(ctx, "card_1")
	require.NoError(t, err)

	_, err = reg.GetCardContext(ctx, "card_1")
	assert.ErrorIs(t, err, ErrContextUnavailable)

	_, err = reg.Unfreeze(ctx, "card_1")
	assert.ErrorIs(t, err, ErrContextUnavailable)
}

func TestRegistry_GetOwnedHidesOtherUsersCards(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := reg.Provision(ctx, ProvisionRequest{UserID: "user_1", CardID: "card_1"})
	require.NoError(t, err)

	_, err = reg.GetOwned(ctx, "user_2", "card_1")
	assert.ErrorIs(t, err, ErrContextUnavailable)

	_, err = reg.GetOwned(ctx, "user_1", "card_1")
	assert.NoError(t, err)
}

func TestRegistry_RotateSessionBoundary(t *testing.T) {
	reg, fc, _ := newTestRegistry(t)
	ctx := context.Background()

	cc, err := reg.Provision(ctx, ProvisionRequest{UserID: "user_1", CardID: "card_1"})
	require.NoError(t, err)
	old := cc.SessionBoundary

	fc.Advance(50 * time.Minute)
	rotated, err := reg.RotateSessionBoundary(ctx, "card_1")
	require.NoError(t, err)
	assert.NotEqual(t, old, rotated.SessionBoundary)
	assert.Equal(t, fc.Now().Add(time.Hour), rotated.BoundaryExpiresAt)

	got, err := reg.GetCardContext(ctx, "card_1")
	require.NoError(t, err)
	assert.Equal(t, rotated.SessionBoundary, got.SessionBoundary)
	assert.Equal(t, cc.CardContextHash, got.CardContextHash, "rotation never changes the hash")
}

func TestRegistry_StatusTransitions(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Provision(ctx, ProvisionRequest{UserID: "user_1", CardID: "card_1", Pending: true})
	require.NoError(t, err)

	_, err = reg.Pause(ctx, "card_1")
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending cards cannot be paused")

	cc, err := reg.Activate(ctx, "card_1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, cc.Status)

	cc, err = reg.Pause(ctx, "card_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, cc.Status)

	_, err = reg.Freeze(ctx, "card_1", "bored")
	assert.ErrorIs(t, err, ErrInvalidReason)

	cc, err = reg.Freeze(ctx, "card_1", ReasonLostOrStolen)
	require.NoError(t, err)
	assert.Equal(t, StatusFrozen, cc.Status)
	assert.Equal(t, ReasonLostOrStolen, cc.FreezeReason)

	_, err = reg.Resume(ctx, "card_1")
	assert.ErrorIs(t, err, ErrInvalidTransition, "frozen cards need unfreeze")

	cc, err = reg.Unfreeze(ctx, "card_1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, cc.Status)
	assert.Empty(t, cc.FreezeReason)
}

func TestRegistry_ListByUserSkipsTerminated(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := reg.Provision(ctx, ProvisionRequest{UserID: "user_1", CardID: id})
		require.NoError(t, err)
	}
	_, err := reg.Terminate(ctx, "b")
	require.NoError(t, err)

	cards, err := reg.ListByUser(ctx, "user_1")
	require.NoError(t, err)
	var ids []string
	for _, c := range cards {
		ids = append(ids, c.CardID)
	}
	assert.ElementsMatch(t, []string{"a", "c"}, ids)
}

func TestMemoryStore_RejectsHashCollision(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &CardContext{CardID: "a", CardContextHash: "h"}))
	err := s.Create(ctx, &CardContext{CardID: "card_b", CardContextHash: "h"})
	assert.ErrorIs(t, err, ErrHashCollision)

	_, err = s.Get(ctx, "card_b")
	assert.ErrorIs(t, err, ErrNotFound, "rejected card is not stored")
}
