package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redisForTest connects to REDIS_ADDR and skips when no server answers.
func redisForTest(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	s := NewRedisStore(addr, os.Getenv("REDIS_PASSWORD"), 0)
	t.Cleanup(func() { s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		t.Skipf("redis at %s unreachable: %v", addr, err)
	}
	return s
}

func TestRedisWindowIncrementAndRead(t *testing.T) {
	s := redisForTest(t)
	ctx := context.Background()
	scope := "test-" + uuid.NewString()
	cur, prev := WindowKey(scope, 120), WindowKey(scope, 60)
	t.Cleanup(func() {
		s.Delete(context.Background(), cur)
		s.Delete(context.Background(), prev)
	})

	require.NoError(t, s.Set(ctx, prev, "7", time.Minute))

	c, p, err := s.IncrWindow(ctx, cur, prev, 90*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c)
	assert.Equal(t, int64(7), p)

	ttl, err := s.client.PTTL(ctx, cur).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Minute)
	assert.LessOrEqual(t, ttl, 90*time.Second)

	// Later increments keep the expiry set by the first one.
	require.NoError(t, s.client.PExpire(ctx, cur, 30*time.Second).Err())
	c, _, err = s.IncrWindow(ctx, cur, prev, 90*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c)
	ttl, err = s.client.PTTL(ctx, cur).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, 30*time.Second)

	c, p, err = s.ReadWindow(ctx, cur, prev)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c)
	assert.Equal(t, int64(7), p)
}

func TestRedisWindowDecrementStopsAtZero(t *testing.T) {
	s := redisForTest(t)
	ctx := context.Background()
	key := WindowKey("test-"+uuid.NewString(), 0)
	t.Cleanup(func() { s.Delete(context.Background(), key) })

	_, _, err := s.IncrWindow(ctx, key, key+":prev", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.DecrWindow(ctx, key))
	require.NoError(t, s.DecrWindow(ctx, key))

	c, _, err := s.ReadWindow(ctx, key, key+":prev")
	require.NoError(t, err)
	assert.Equal(t, int64(0), c)
}

func TestRedisLockOwnership(t *testing.T) {
	s := redisForTest(t)
	ctx := context.Background()
	key := RunLockKey("test-" + uuid.NewString())
	t.Cleanup(func() { s.Delete(context.Background(), key) })

	ok, err := s.AcquireLock(ctx, key, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLock(ctx, key, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseLock(ctx, key, "b"))
	owner, err := s.GetLockOwner(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "a", owner)

	require.NoError(t, s.ReleaseLock(ctx, key, "a"))
	owner, err = s.GetLockOwner(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, owner)
}
