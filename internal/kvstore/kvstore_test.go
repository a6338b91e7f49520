package kvstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/discard/internal/clock"
)

type harness struct {
	store   Store
	advance func(d time.Duration)
}

func backends(t *testing.T) map[string]func(t *testing.T) harness {
	return map[string]func(t *testing.T) harness{
		"memory": func(t *testing.T) harness {
			fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
			return harness{store: NewMemoryStore(fc), advance: fc.Advance}
		},
		"redis": func(t *testing.T) harness {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return harness{store: NewRedisStoreFromClient(client), advance: mr.FastForward}
		},
	}
}

func TestStore_SetGetExpire(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := mk(t)
			ctx := context.Background()

			require.NoError(t, h.store.Set(ctx, "mfa_challenge:1", []byte("payload"), 5*time.Minute))

			got, err := h.store.Get(ctx, "mfa_challenge:1")
			require.NoError(t, err)
			assert.Equal(t, []byte("payload"), got)

			h.advance(5*time.Minute + time.Second)

			_, err = h.store.Get(ctx, "mfa_challenge:1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_DeleteReportsRemoval(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := mk(t)
			ctx := context.Background()

			require.NoError(t, h.store.Set(ctx, "k", []byte("v"), time.Minute))

			removed, err := h.store.Delete(ctx, "k")
			require.NoError(t, err)
			assert.True(t, removed)

			removed, err = h.store.Delete(ctx, "k")
			require.NoError(t, err)
			assert.False(t, removed)
		})
	}
}

func TestStore_ConcurrentDeleteSingleWinner(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := mk(t)
			ctx := context.Background()
			require.NoError(t, h.store.Set(ctx, "race", []byte("v"), time.Minute))

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if ok, err := h.store.Delete(ctx, "race"); err == nil && ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestStore_IncrAndCounter(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := mk(t)
			ctx := context.Background()

			n, err := h.store.Counter(ctx, "mfa_attempts:x")
			require.NoError(t, err)
			assert.Zero(t, n)

			for want := int64(1); want <= 3; want++ {
				n, err = h.store.Incr(ctx, "mfa_attempts:x", time.Hour)
				require.NoError(t, err)
				assert.Equal(t, want, n)
			}

			n, err = h.store.Counter(ctx, "mfa_attempts:x")
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)

			h.advance(time.Hour + time.Second)

			n, err = h.store.Counter(ctx, "mfa_attempts:x")
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestStore_IncrBySums(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := mk(t)
			ctx := context.Background()

			n, err := h.store.IncrBy(ctx, "velocity:card_1:spend", 4_000, 48*time.Hour)
			require.NoError(t, err)
			assert.Equal(t, int64(4_000), n)

			n, err = h.store.IncrBy(ctx, "velocity:card_1:spend", 1_250, 48*time.Hour)
			require.NoError(t, err)
			assert.Equal(t, int64(5_250), n)

			n, err = h.store.Counter(ctx, "velocity:card_1:spend")
			require.NoError(t, err)
			assert.Equal(t, int64(5_250), n)
		})
	}
}

func TestStore_IncrWindowDoesNotExtend(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := mk(t)
			ctx := context.Background()

			n, err := h.store.IncrWindow(ctx, "violations:user_1", 10*time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			h.advance(6 * time.Minute)
			n, err = h.store.IncrWindow(ctx, "violations:user_1", 10*time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			// Ten minutes after the first increment the window closes even
			// though the second came later.
			h.advance(4*time.Minute + time.Second)
			n, err = h.store.Counter(ctx, "violations:user_1")
			require.NoError(t, err)
			assert.Zero(t, n)

			n, err = h.store.IncrWindow(ctx, "violations:user_1", 10*time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestStore_ConcurrentIncrIsExact(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := mk(t)
			ctx := context.Background()

			seen := make([]atomic.Bool, 51)
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					n, err := h.store.Incr(ctx, "mfa_attempts:race", time.Hour)
					if err == nil && n >= 1 && n <= 50 {
						seen[n].Store(true)
					}
				}()
			}
			wg.Wait()
			for i := 1; i <= 50; i++ {
				assert.True(t, seen[i].Load(), "value %d handed out", i)
			}
		})
	}
}

func TestMemoryStore_ExpiredDeleteIsNoop(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewMemoryStore(fc)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Second))
	fc.Advance(time.Second)

	removed, err := s.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRedisStore_HealthCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStoreFromClient(client)
	assert.NoError(t, s.HealthCheck(context.Background()))

	mr.Close()
	assert.Error(t, s.HealthCheck(context.Background()))
}
