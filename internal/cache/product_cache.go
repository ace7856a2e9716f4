package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditgate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ProductCache is a redis read-through cache for provider point lookups.
// Misses and redis failures both fall through to the provider; a stale or
// raced entry costs at worst one redundant provider call.
type ProductCache struct {
	client *redis.Client
	log    *zap.Logger
	ttl    time.Duration
}

type Params struct {
	fx.In

	Log    *zap.Logger
	Cfg    config.Config
	Client *redis.Client `optional:"true"`
}

func NewProductCache(p Params) *ProductCache {
	ttl := p.Cfg.CacheTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &ProductCache{
		client: p.Client,
		log:    p.Log.Named("cache.product"),
		ttl:    ttl,
	}
}

// Key builds the canonical cache key for one product lookup.
func Key(marketplace, identifier string) string {
	return fmt.Sprintf("product:%s:%s",
		strings.ToLower(strings.TrimSpace(marketplace)),
		strings.ToLower(strings.TrimSpace(identifier)),
	)
}

func (c *ProductCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c == nil || c.client == nil {
		return nil, false, nil
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		c.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false, err
	}
	return payload, true, nil
}

func (c *ProductCache) Set(ctx context.Context, key string, payload []byte) error {
	if c == nil || c.client == nil || len(payload) == 0 {
		return nil
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func (c *ProductCache) Invalidate(ctx context.Context, key string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, key).Err()
}
