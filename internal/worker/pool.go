package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditgate/internal/cache"
	"github.com/smallbiznis/creditgate/internal/clock"
	"github.com/smallbiznis/creditgate/internal/config"
	jobdomain "github.com/smallbiznis/creditgate/internal/job/domain"
	"github.com/smallbiznis/creditgate/internal/job/queue"
	meteringdomain "github.com/smallbiznis/creditgate/internal/metering/domain"
	"github.com/smallbiznis/creditgate/internal/provider"
	"github.com/smallbiznis/creditgate/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const idleSleep = 500 * time.Millisecond

type Params struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	Cfg      config.Config
	Costs    *config.CostConfigHolder
	Metering meteringdomain.Service
	Queue    *queue.Queue
	Limiter  *ratelimit.ProviderLimiter
	Provider provider.Client
	Cache    *cache.ProductCache
}

// Pool consumes the job queue with a fixed set of workers. Each item is
// processed reserve-call-commit: credits are held before the provider call
// and resolved exactly once afterward.
type Pool struct {
	log      *zap.Logger
	clock    clock.Clock
	costs    *config.CostConfigHolder
	metering meteringdomain.Service
	queue    *queue.Queue
	limiter  *ratelimit.ProviderLimiter
	provider provider.Client
	cache    *cache.ProductCache

	workers    int
	batchSize  int
	visibility time.Duration

	wg sync.WaitGroup
}

func NewPool(p Params) *Pool {
	workers := p.Cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	batchSize := p.Cfg.DequeueBatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	visibility := p.Cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 2 * time.Minute
	}

	return &Pool{
		log:        p.Log.Named("worker.pool"),
		clock:      p.Clock,
		costs:      p.Costs,
		metering:   p.Metering,
		queue:      p.Queue,
		limiter:    p.Limiter,
		provider:   p.Provider,
		cache:      p.Cache,
		workers:    workers,
		batchSize:  batchSize,
		visibility: visibility,
	}
}

// Run starts the workers and blocks until ctx is cancelled and the last
// in-flight item resolved.
func (p *Pool) Run(ctx context.Context) {
	p.log.Info("starting workers", zap.Int("count", p.workers))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.log.With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := p.RunOnce(ctx)
		if err != nil {
			log.Error("dequeue failed", zap.Error(err))
		}
		if processed > 0 {
			continue
		}

		timer := time.NewTimer(idleSleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunOnce drains one dequeue batch. Returns the number of items handled.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	leases, err := p.queue.Dequeue(ctx, p.batchSize, p.visibility)
	if err != nil {
		return 0, err
	}
	for _, lease := range leases {
		p.processLease(ctx, lease)
	}
	return len(leases), nil
}

func (p *Pool) processLease(ctx context.Context, lease queue.Lease) {
	item := lease.Item
	log := p.log.With(
		zap.String("job_id", item.JobID.String()),
		zap.String("item_id", item.ID.String()),
		zap.Int("attempt", item.AttemptCount),
	)

	info, err := p.queue.JobInfo(ctx, item.JobID)
	if err != nil {
		log.Error("job lookup failed", zap.Error(err))
		p.nack(ctx, lease, 0, log)
		return
	}

	// Items of cancelled (or otherwise terminal) jobs are dropped without
	// reserving credits.
	if info.Status.Terminal() {
		if err := p.queue.Discard(ctx, lease, "job cancelled"); err != nil &&
			!errors.Is(err, jobdomain.ErrLeaseExpired) {
			log.Error("discard failed", zap.Error(err))
		}
		return
	}

	cost := p.costs.CostFor(string(item.Op))
	reference := fmt.Sprintf("job:%s:item:%s", item.JobID, item.ID)

	reservation, err := p.metering.Reserve(ctx, info.UserID, cost, reference)
	if err != nil {
		if errors.Is(err, meteringdomain.ErrInsufficientBalance) ||
			errors.Is(err, meteringdomain.ErrAccountNotFound) {
			p.ack(ctx, lease, queue.Outcome{
				State:     jobdomain.ItemFailed,
				LastError: "insufficient_balance",
			}, log)
			return
		}
		log.Error("reserve failed", zap.Error(err))
		p.nack(ctx, lease, 0, log)
		return
	}

	if err := p.limiter.Acquire(ctx); err != nil {
		p.release(ctx, reservation.ID, reference, log)
		p.nack(ctx, lease, 0, log)
		return
	}

	result, err := p.callProvider(ctx, item)
	if err != nil {
		p.release(ctx, reservation.ID, reference, log)

		if provider.Retryable(err) {
			hint := provider.RetryAfterHint(err)
			if errors.Is(err, provider.ErrRateLimited) {
				p.limiter.Throttle(hint)
			}
			p.nack(ctx, lease, hint, log)
			return
		}

		p.ack(ctx, lease, queue.Outcome{
			State:     jobdomain.ItemFailed,
			LastError: errorCode(err),
		}, log)
		return
	}

	if err := p.metering.Commit(ctx, reservation.ID, reference); err != nil {
		// The hold was already resolved (likely swept); the work is done
		// either way, so the item still succeeds.
		log.Warn("commit failed", zap.Error(err))
	}

	p.ack(ctx, lease, queue.Outcome{
		State:         jobdomain.ItemSucceeded,
		Result:        result,
		ReservationID: reservation.ID,
	}, log)
}

// callProvider performs the item's operation. Bulk items skip cache reads
// (a bulk job is assumed cold) but still populate the cache for the sync
// query path.
func (p *Pool) callProvider(ctx context.Context, item jobdomain.JobItem) (datatypes.JSON, error) {
	switch item.Op {
	case jobdomain.OpConvert:
		conv, err := p.provider.Convert(ctx, item.ItemID, item.Marketplace)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(conv)
		if err != nil {
			return nil, err
		}
		return datatypes.JSON(payload), nil
	default:
		payload, err := p.provider.Fetch(ctx, item.ItemID, item.Marketplace)
		if err != nil {
			return nil, err
		}
		_ = p.cache.Set(ctx, cache.Key(item.Marketplace, item.ItemID), payload)
		return datatypes.JSON(payload), nil
	}
}

func (p *Pool) ack(ctx context.Context, lease queue.Lease, out queue.Outcome, log *zap.Logger) {
	if err := p.queue.Ack(ctx, lease, out); err != nil {
		if errors.Is(err, jobdomain.ErrLeaseExpired) {
			log.Warn("lease expired before ack")
			return
		}
		log.Error("ack failed", zap.Error(err))
	}
}

func (p *Pool) nack(ctx context.Context, lease queue.Lease, delay time.Duration, log *zap.Logger) {
	if err := p.queue.Nack(ctx, lease, delay); err != nil {
		if errors.Is(err, jobdomain.ErrLeaseExpired) {
			return
		}
		log.Error("nack failed", zap.Error(err))
	}
}

func (p *Pool) release(ctx context.Context, reservationID snowflake.ID, reference string, log *zap.Logger) {
	if err := p.metering.Release(ctx, reservationID, reference); err != nil &&
		!errors.Is(err, meteringdomain.ErrAlreadyResolved) {
		log.Error("release failed", zap.Error(err))
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, provider.ErrNotFound):
		return "item_not_found"
	case errors.Is(err, provider.ErrBadRequest):
		return "provider_rejected_request"
	default:
		return "provider_error"
	}
}
