package breaker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/discard/internal/audit"
	"github.com/mbd888/discard/internal/clock"
	"github.com/mbd888/discard/internal/testutil"
)

func TestPostgresIntegration_TripResetAndSweep(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	fc := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	reg := NewRegistry(NewPostgresStore(db), fc, audit.Nop{})

	_, err := reg.InitializeDefaults(ctx, "user_1")
	require.NoError(t, err)
	_, err = reg.InitializeDefaults(ctx, "user_1")
	require.NoError(t, err)
	bs, err := reg.ListBreakers(ctx, "user_1")
	require.NoError(t, err)
	assert.Len(t, bs, len(defaults))

	var changed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := reg.TripBreaker(ctx, "user_1", ActionSwap, "user_1", "manual")
			if err == nil && res.Changed {
				changed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), changed.Load())

	res, err := reg.ResetBreaker(ctx, "user_1", ActionSwap, "user_1")
	require.NoError(t, err)
	assert.True(t, res.Changed)

	_, err = reg.TripBreaker(ctx, "user_1", "missing", "user_1", "manual")
	assert.ErrorIs(t, err, ErrNotFound)

	custom, err := reg.CreateBreaker(ctx, "user_1", CreateRequest{
		Type: TypeProtocol, Scope: "uniswap", AutoResetAfterMs: 1000,
	})
	require.NoError(t, err)
	_, err = reg.TripBreaker(ctx, "user_1", custom.BreakerID, "user_1", "slippage")
	require.NoError(t, err)

	fc.Advance(999 * time.Millisecond)
	n, err := reg.SweepAutoReset(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	fc.Advance(2 * time.Millisecond)
	n, err = reg.SweepAutoReset(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := reg.GetBreaker(ctx, "user_1", custom.BreakerID)
	require.NoError(t, err)
	assert.False(t, got.IsTripped)
	assert.Nil(t, got.TrippedAt)
}
