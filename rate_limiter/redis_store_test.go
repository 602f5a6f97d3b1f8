package rate_limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T, now func() time.Time, opts ...StoreOption) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{
		Addr: server.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client, append(opts, WithClock(now))...), server
}

func TestRedisStore_Increment(t *testing.T) {
	var now = time.Date(2022, 5, 10, 9, 15, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	var tests = []struct {
		name      string
		runs      int
		limiter   *Limiter
		wantCount int64
		wantTTL   time.Duration
		advance   time.Duration
	}{
		{
			name:      "first increment creates counter with period ttl",
			runs:      1,
			limiter:   NewLimiter().Limit(60).Over(time.Minute),
			wantCount: 1,
			wantTTL:   time.Minute,
		},
		{
			name:      "later increments keep the first ttl",
			runs:      50,
			limiter:   NewLimiter().Limit(60).Over(time.Minute),
			wantCount: 50,
			wantTTL:   time.Minute - 49*time.Second,
			advance:   time.Second,
		},
		{
			name:      "counter restarts after the window expires",
			runs:      90,
			limiter:   NewLimiter().Limit(100).Over(time.Minute),
			wantCount: 30,
			wantTTL:   time.Minute - 29*time.Second,
			advance:   time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, server := newTestRedisStore(t, clock)
			key := NewKey("user")

			for i := 0; i < tt.runs; i++ {
				if i > 0 && tt.advance != 0 {
					server.FastForward(tt.advance)
				}
				require.NoError(t, store.Increment(context.Background(), key, tt.limiter))
			}

			count, ok, err := store.Count(context.Background(), key, tt.limiter)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, tt.wantCount, count)
			assert.Equal(t, tt.wantTTL, server.TTL(store.CounterKey(key, tt.limiter)))
		})
	}
}

func TestRedisStore_ConcurrentIncrementsAreNotLost(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	store, server := newTestRedisStore(t, func() time.Time { return now })
	key := NewKey("user")
	limiter := NewLimiter().Limit(1000).Over(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Increment(context.Background(), key, limiter))
		}()
	}
	wg.Wait()

	count, ok, err := store.Count(context.Background(), key, limiter)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(50), count)
	assert.Equal(t, time.Hour, server.TTL(store.CounterKey(key, limiter)))
}

func TestRedisStore_Count(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	store, server := newTestRedisStore(t, func() time.Time { return now })
	key := NewKey("test", "key")
	limiter := NewLimiter().Limit(1).Over(100 * time.Second)

	t.Run("absent counter", func(t *testing.T) {
		_, ok, err := store.Count(context.Background(), key, limiter)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("non-numeric counter is treated as absent", func(t *testing.T) {
		require.NoError(t, server.Set(store.CounterKey(key, limiter), "garbage"))
		_, ok, err := store.Count(context.Background(), key, limiter)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("numeric counter", func(t *testing.T) {
		require.NoError(t, server.Set(store.CounterKey(key, limiter), "7"))
		count, ok, err := store.Count(context.Background(), key, limiter)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(7), count)
	})
}

func TestRedisStore_Lock(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	store, server := newTestRedisStore(t, func() time.Time { return now }, WithPolicyIdentityValues("login"))
	key := NewKey("10.0.0.1")
	limiter := NewLimiter().Limit(3).Over(time.Minute).LockFor(90 * time.Minute)

	locked, err := store.LockExists(context.Background(), key, limiter)
	require.NoError(t, err)
	assert.False(t, locked)

	require.NoError(t, store.SetLock(context.Background(), key, limiter))
	assert.Equal(t, "login:10.0.0.1:lock:1h30m", store.LockKey(key, limiter))
	assert.Equal(t, 90*time.Minute, server.TTL("login:10.0.0.1:lock:1h30m"))

	locked, err = store.LockExists(context.Background(), key, limiter)
	require.NoError(t, err)
	assert.True(t, locked)

	server.FastForward(90 * time.Minute)
	locked, err = store.LockExists(context.Background(), key, limiter)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestRedisStore_RemoveCounter(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	store, server := newTestRedisStore(t, func() time.Time { return now })
	key := NewKey("user")
	limiter := NewLimiter().PerMinute(5)

	require.NoError(t, store.Increment(context.Background(), key, limiter))
	require.True(t, server.Exists(store.CounterKey(key, limiter)))

	require.NoError(t, store.RemoveCounter(context.Background(), key, limiter))
	assert.False(t, server.Exists(store.CounterKey(key, limiter)))
}

func TestRedisStore_BackendErrorsPropagate(t *testing.T) {
	store, server := newTestRedisStore(t, time.Now)
	key := NewKey("user")
	limiter := NewLimiter().PerMinute(5).LockFor(time.Minute)
	server.Close()

	ctx := context.Background()
	_, _, err := store.Count(ctx, key, limiter)
	assert.Error(t, err)
	assert.Error(t, store.Increment(ctx, key, limiter))
	_, err = store.LockExists(ctx, key, limiter)
	assert.Error(t, err)
	assert.Error(t, store.SetLock(ctx, key, limiter))
	assert.Error(t, store.RemoveCounter(ctx, key, limiter))

	policy := NewPolicy(WithStore(store), WithLimiters(limiter))
	_, err = policy.Check(ctx, key, true)
	assert.Error(t, err)
}

func TestRedisStore_PolicyLockout(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	store, server := newTestRedisStore(t, func() time.Time { return now })
	limiter := NewLimiter().Limit(1).Over(time.Second).LockFor(time.Second)
	policy := NewPolicy(WithStore(store), WithLimiters(limiter))
	key := NewKey("client")
	ctx := context.Background()

	d, err := policy.Check(ctx, key, true)
	require.NoError(t, err)
	assert.False(t, d.Blocked())

	d, err = policy.Check(ctx, key, true)
	require.NoError(t, err)
	assert.True(t, d.Throttled)
	assert.False(t, d.Locked)
	assert.False(t, server.Exists(store.CounterKey(key, limiter)))

	d, err = policy.Check(ctx, key, true)
	require.NoError(t, err)
	assert.True(t, d.Locked)
	assert.False(t, server.Exists(store.CounterKey(key, limiter)))

	server.FastForward(time.Second)
	d, err = policy.Check(ctx, key, true)
	require.NoError(t, err)
	assert.False(t, d.Blocked())
}
