package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/smallbiznis/creditgate/internal/clock"
	"github.com/smallbiznis/creditgate/internal/config"
	obsmetrics "github.com/smallbiznis/creditgate/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrAcquireTimeout = errors.New("limiter_acquire_timeout")

// ProviderLimiter paces outbound calls to the external provider. One
// instance is shared by every worker and the sync query path; a provider
// 429 throttles everyone through Throttle.
type ProviderLimiter struct {
	mu        sync.Mutex
	tokens    float64
	last      time.Time
	coolUntil time.Time

	rate            float64
	burst           float64
	acquireTimeout  time.Duration
	defaultCooldown time.Duration

	clock      clock.Clock
	log        *zap.Logger
	obsMetrics *obsmetrics.Metrics
}

type ProviderLimiterParams struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Cfg        config.Config
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func NewProviderLimiter(p ProviderLimiterParams) *ProviderLimiter {
	rate := p.Cfg.ProviderRate
	if rate <= 0 {
		rate = 10
	}
	burst := float64(p.Cfg.ProviderBurst)
	if burst < 1 {
		burst = rate
	}
	acquireTimeout := p.Cfg.ProviderAcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = 30 * time.Second
	}
	cooldown := p.Cfg.ProviderCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	now := p.Clock.Now()
	return &ProviderLimiter{
		tokens:          burst,
		last:            now,
		rate:            rate,
		burst:           burst,
		acquireTimeout:  acquireTimeout,
		defaultCooldown: cooldown,
		clock:           p.Clock,
		log:             p.Log.Named("ratelimit.provider"),
		obsMetrics:      p.ObsMetrics,
	}
}

// Acquire blocks until a token is available, the context is cancelled, or
// the acquire timeout elapses.
func (l *ProviderLimiter) Acquire(ctx context.Context) error {
	deadline := l.clock.Now().Add(l.acquireTimeout)

	for {
		wait, ok := l.take()
		if ok {
			return nil
		}

		now := l.clock.Now()
		if !now.Add(wait).Before(deadline) {
			l.obsMetrics.RecordThrottle(ctx, "acquire_timeout")
			return ErrAcquireTimeout
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// take refills from elapsed time and consumes one token if available.
// Otherwise it reports how long until the next token.
func (l *ProviderLimiter) take() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.Before(l.coolUntil) {
		return l.coolUntil.Sub(now), false
	}

	elapsed := now.Sub(l.last).Seconds()
	if elapsed > 0 {
		l.tokens += elapsed * l.rate
		if l.tokens > l.burst {
			l.tokens = l.burst
		}
		l.last = now
	}

	if l.tokens >= 1 {
		l.tokens--
		return 0, true
	}

	needed := 1 - l.tokens
	return time.Duration(needed / l.rate * float64(time.Second)), false
}

// Throttle drains the bucket and holds all callers until the provider's
// retry-after hint (or the default cooldown) elapses.
func (l *ProviderLimiter) Throttle(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = l.defaultCooldown
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	until := now.Add(retryAfter)
	if until.After(l.coolUntil) {
		l.coolUntil = until
	}
	l.tokens = 0
	l.last = now

	l.log.Warn("provider throttled", zap.Duration("cooldown", retryAfter))
	l.obsMetrics.RecordThrottle(context.Background(), "provider_429")
}
