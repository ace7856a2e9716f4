package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditgate/internal/config"
	"go.uber.org/fx"
)

const keyUserRate = "ratelimit:user:%s"

// UserLimiter throttles the public query/bulk endpoints per authenticated
// user. Disabled (or redis-less) deployments fail open.
type UserLimiter struct {
	enabled bool
	bucket  *TokenBucket
	rate    float64
	burst   int
}

type UserLimiterParams struct {
	fx.In

	Cfg    config.Config
	Client *redis.Client `optional:"true"`
}

func NewUserLimiter(p UserLimiterParams) *UserLimiter {
	limitCfg := p.Cfg.RateLimit
	if !limitCfg.Enabled || p.Client == nil {
		return &UserLimiter{}
	}
	if limitCfg.UserRate <= 0 || limitCfg.UserBurst <= 0 {
		return &UserLimiter{}
	}
	return &UserLimiter{
		enabled: true,
		bucket:  NewTokenBucket(p.Client),
		rate:    limitCfg.UserRate,
		burst:   limitCfg.UserBurst,
	}
}

func (l *UserLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *UserLimiter) Allow(ctx context.Context, userID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyUserRate, strings.TrimSpace(userID))
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
