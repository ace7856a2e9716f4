package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditgate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupCache(t *testing.T, ttl time.Duration) (*ProductCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := NewProductCache(Params{
		Log:    zap.NewNop(),
		Cfg:    config.Config{CacheTTL: ttl},
		Client: client,
	})
	return c, mr
}

func TestKeyNormalization(t *testing.T) {
	assert.Equal(t, "product:us:b0abc123", Key(" US ", "B0ABC123"))
	assert.Equal(t, Key("de", "x1"), Key("DE", "X1"))
}

func TestCacheRoundTrip(t *testing.T) {
	c, _ := setupCache(t, time.Minute)
	ctx := context.Background()
	key := Key("us", "b0abc123")

	_, hit, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.Set(ctx, key, []byte(`{"title":"widget"}`)))

	payload, hit, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.JSONEq(t, `{"title":"widget"}`, string(payload))
}

func TestCacheEntriesExpire(t *testing.T) {
	c, mr := setupCache(t, time.Minute)
	ctx := context.Background()
	key := Key("us", "b0abc123")

	require.NoError(t, c.Set(ctx, key, []byte(`{}`)))
	mr.FastForward(2 * time.Minute)

	_, hit, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestInvalidateRemovesEntry(t *testing.T) {
	c, _ := setupCache(t, time.Minute)
	ctx := context.Background()
	key := Key("us", "b0abc123")

	require.NoError(t, c.Set(ctx, key, []byte(`{}`)))
	require.NoError(t, c.Invalidate(ctx, key))

	_, hit, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestNilClientFailsOpen(t *testing.T) {
	c := NewProductCache(Params{Log: zap.NewNop(), Cfg: config.Config{}})
	ctx := context.Background()

	_, hit, err := c.Get(ctx, "product:us:x")
	require.NoError(t, err)
	assert.False(t, hit)
	require.NoError(t, c.Set(ctx, "product:us:x", []byte(`{}`)))
	require.NoError(t, c.Invalidate(ctx, "product:us:x"))
}
