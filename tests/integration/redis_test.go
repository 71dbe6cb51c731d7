//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisstore "github.com/agentrelay/relay/internal/redis"
)

// newRedisClient returns a client connected to the test container and flushes
// the database on test cleanup so tests don't interfere with each other.
func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	t.Cleanup(func() {
		client.FlushDB(context.Background()) //nolint:errcheck
		client.Close()                       //nolint:errcheck
	})
	return client
}

// ── Presence ─────────────────────────────────────────────────────────────────

func TestPresence_MarkAndExpire(t *testing.T) {
	presence := redisstore.NewPresenceStore(newRedisClient(t))
	ctx := context.Background()

	require.NoError(t, presence.MarkAlive(ctx, "w-1", 300*time.Millisecond))

	alive, err := presence.IsAlive(ctx, "w-1")
	require.NoError(t, err)
	assert.True(t, alive)

	time.Sleep(400 * time.Millisecond)

	alive, err = presence.IsAlive(ctx, "w-1")
	require.NoError(t, err)
	assert.False(t, alive, "presence must expire with its TTL")
}

func TestPresence_FilterAlive(t *testing.T) {
	presence := redisstore.NewPresenceStore(newRedisClient(t))
	ctx := context.Background()

	require.NoError(t, presence.MarkAlive(ctx, "w-1", time.Minute))
	require.NoError(t, presence.MarkAlive(ctx, "w-3", time.Minute))

	live, err := presence.FilterAlive(ctx, []string{"w-1", "w-2", "w-3"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"w-1", "w-3"}, live)
}

// ── Leader election ──────────────────────────────────────────────────────────

func TestLeaderElector_SingleLeader(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()

	a := redisstore.NewLeaderElector(client, "test:leader", "instance-a", time.Minute)
	b := redisstore.NewLeaderElector(client, "test:leader", "instance-b", time.Minute)

	ok, err := a.AcquireOrRenew(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.AcquireOrRenew(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second instance must not acquire a held lease")

	// Holder renews freely.
	ok, err = a.AcquireOrRenew(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// After resignation the other instance can take over.
	require.NoError(t, a.Resign(ctx))
	ok, err = b.AcquireOrRenew(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

// ── Rate limiter ─────────────────────────────────────────────────────────────

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 3, time.Second)
	ctx := context.Background()

	for range 3 {
		ok, err := limiter.Allow(ctx, "global")
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := limiter.Allow(ctx, "global")
	require.NoError(t, err)
	assert.False(t, ok, "4th submission should be rate-limited")
}

func TestRateLimiter_WindowExpiry(t *testing.T) {
	window := 200 * time.Millisecond
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 2, window)
	ctx := context.Background()

	for range 2 {
		ok, err := limiter.Allow(ctx, "codebase:repo1")
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := limiter.Allow(ctx, "codebase:repo1")
	require.NoError(t, err)
	assert.False(t, ok, "should be blocked within window")

	time.Sleep(window + 50*time.Millisecond)

	ok, err = limiter.Allow(ctx, "codebase:repo1")
	require.NoError(t, err)
	assert.True(t, ok, "should be allowed after window expires")
}

func TestRateLimiter_ScopesAreIndependent(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 1, time.Second)
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "codebase:a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "codebase:a")
	require.NoError(t, err)
	assert.False(t, ok, "scope a should be limited")

	ok, err = limiter.Allow(ctx, "codebase:b")
	require.NoError(t, err)
	assert.True(t, ok, "one noisy scope must not starve another")
}
