package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Only the holder's token may delete the lock: a lock that expired and was
// re-acquired by another replica must not be clobbered by a late release.
const releaseIfHeldScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Locker takes short-lived single-holder locks in redis so work that must
// run on one replica at a time (the sweep pass) can coordinate.
type Locker struct {
	client  *redis.Client
	release *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:  client,
		release: redis.NewScript(releaseIfHeldScript),
	}
}

// Lock is one held lock. Release it when the guarded work finishes; an
// unreleased lock falls off on its own when the TTL expires.
type Lock struct {
	locker *Locker
	key    string
	token  string
}

// TryLock attempts to take the lock without blocking. ok reports whether
// this caller now holds it; when false with a nil error, another holder
// got there first.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	if l == nil || l.client == nil {
		return nil, false, errors.New("lock client not configured")
	}
	if key == "" {
		return nil, false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return nil, false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{locker: l, key: key, token: token}, true, nil
}

func (lk *Lock) Release(ctx context.Context) error {
	if lk == nil || lk.locker == nil {
		return nil
	}
	return lk.locker.release.Run(ctx, lk.locker.client, []string{lk.key}, lk.token).Err()
}
