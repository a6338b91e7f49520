package cardctx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/discard/internal/testutil"
)

func TestPostgresIntegration_UniqueConstraints(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)
	card := func(id, hash string) *CardContext {
		return &CardContext{
			CardID:                id,
			UserID:                "user_1",
			ContextID:             "ctx_" + id,
			CardContextHash:       hash,
			SessionBoundary:       "boundary_" + id,
			BoundaryExpiresAt:     now.Add(time.Hour),
			CorrelationResistance: DefaultResistance,
			Status:                StatusActive,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
	}

	require.NoError(t, store.Create(ctx, card("card_a", "hash_a")))
	assert.ErrorIs(t, store.Create(ctx, card("card_a", "hash_b")), ErrCardExists)
	assert.ErrorIs(t, store.Create(ctx, card("card_b", "hash_a")), ErrHashCollision)

	got, err := store.GetByHash(ctx, "hash_a")
	require.NoError(t, err)
	assert.Equal(t, "card_a", got.CardID)
	assert.True(t, got.BoundaryExpiresAt.Equal(now.Add(time.Hour)))

	require.NoError(t, store.UpdateStatus(ctx, "card_a", StatusActive, StatusFrozen, ReasonLostOrStolen, now))
	assert.Error(t, store.UpdateStatus(ctx, "card_a", StatusActive, StatusPaused, "", now))

	got, err = store.Get(ctx, "card_a")
	require.NoError(t, err)
	assert.Equal(t, StatusFrozen, got.Status)
	assert.Equal(t, ReasonLostOrStolen, got.FreezeReason)
}
