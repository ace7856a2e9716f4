package sweeper

import (
	"context"
	"time"

	"github.com/smallbiznis/creditgate/internal/clock"
	"github.com/smallbiznis/creditgate/internal/job/queue"
	meteringdomain "github.com/smallbiznis/creditgate/internal/metering/domain"
	"github.com/smallbiznis/creditgate/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const lockKey = "sweeper:lock"

type Params struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	Metering meteringdomain.Service
	Queue    *queue.Queue
	Locker   *ratelimit.Locker `optional:"true"`
	Config   Config            `optional:"true"`
}

// Sweeper is the background safety net: it releases expired credit holds,
// reaps abandoned queue leases, and repairs lost job finalizations.
type Sweeper struct {
	log      *zap.Logger
	clock    clock.Clock
	cfg      Config
	metering meteringdomain.Service
	queue    *queue.Queue
	locker   *ratelimit.Locker
}

func New(p Params) *Sweeper {
	return &Sweeper{
		log:      p.Log.Named("sweeper"),
		clock:    p.Clock,
		cfg:      p.Config.withDefaults(),
		metering: p.Metering,
		queue:    p.Queue,
		locker:   p.Locker,
	}
}

// RunOnce executes one sweep pass. With a locker configured, replicas
// coordinate so only one instance sweeps per interval.
func (s *Sweeper) RunOnce(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	if s.locker != nil {
		lock, ok, err := s.locker.TryLock(ctx, lockKey, s.cfg.LockTTL)
		if err != nil {
			s.log.Warn("sweep lock unavailable, proceeding unlocked", zap.Error(err))
		} else if !ok {
			return nil
		} else {
			defer func() {
				if err := lock.Release(ctx); err != nil {
					s.log.Warn("sweep lock release failed", zap.Error(err))
				}
			}()
		}
	}

	now := s.clock.Now()

	released, err := s.metering.SweepExpired(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("reservation sweep failed", zap.Error(err))
	} else if released > 0 {
		s.log.Info("released expired reservations", zap.Int("count", released))
	}

	reaped, err := s.queue.ReapExpired(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("lease reap failed", zap.Error(err))
	} else if reaped > 0 {
		s.log.Info("reaped abandoned leases", zap.Int("count", reaped))
	}

	finalized, err := s.queue.FinalizeStuck(ctx, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("job finalize repair failed", zap.Error(err))
	} else if finalized > 0 {
		s.log.Info("finalized stuck jobs", zap.Int("count", finalized))
	}

	return nil
}

// RunForever sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
