package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditgate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestTokenBucketAllowsWithinBurst(t *testing.T) {
	client, _ := setupRedis(t)
	bucket := NewTokenBucket(client)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := bucket.Allow(ctx, "user:1", 1, 3)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := bucket.Allow(ctx, "user:1", 1, 3)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.GreaterOrEqual(t, res.RetryAfter, time.Second)
}

func TestTokenBucketIsolatesKeys(t *testing.T) {
	client, _ := setupRedis(t)
	bucket := NewTokenBucket(client)

	ctx := context.Background()
	res, err := bucket.Allow(ctx, "user:1", 1, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = bucket.Allow(ctx, "user:1", 1, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = bucket.Allow(ctx, "user:2", 1, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTokenBucketRefills(t *testing.T) {
	client, mr := setupRedis(t)
	bucket := NewTokenBucket(client)

	ctx := context.Background()
	res, err := bucket.Allow(ctx, "user:1", 1, 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = bucket.Allow(ctx, "user:1", 1, 1)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	mr.FastForward(2 * time.Second)

	res, err = bucket.Allow(ctx, "user:1", 1, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTokenBucketValidatesArguments(t *testing.T) {
	client, _ := setupRedis(t)
	bucket := NewTokenBucket(client)

	_, err := bucket.Allow(context.Background(), "", 1, 1)
	assert.Error(t, err)

	_, err = bucket.Allow(context.Background(), "k", 0, 1)
	assert.Error(t, err)

	_, err = bucket.Allow(context.Background(), "k", 1, 0)
	assert.Error(t, err)
}

func TestUserLimiterDisabledFailsOpen(t *testing.T) {
	limiter := NewUserLimiter(UserLimiterParams{
		Cfg: config.Config{RateLimit: config.RateLimitConfig{Enabled: false}},
	})

	assert.False(t, limiter.Enabled())
	res, err := limiter.Allow(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestUserLimiterEnforcesPerUserRate(t *testing.T) {
	client, _ := setupRedis(t)
	limiter := NewUserLimiter(UserLimiterParams{
		Cfg: config.Config{RateLimit: config.RateLimitConfig{
			Enabled:   true,
			UserRate:  1,
			UserBurst: 2,
		}},
		Client: client,
	})
	require.True(t, limiter.Enabled())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res, err := limiter.Allow(ctx, "42")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := limiter.Allow(ctx, "42")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	other, err := limiter.Allow(ctx, "43")
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}
