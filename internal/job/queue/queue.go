package queue

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/creditgate/internal/clock"
	"github.com/smallbiznis/creditgate/internal/config"
	jobdomain "github.com/smallbiznis/creditgate/internal/job/domain"
	obsmetrics "github.com/smallbiznis/creditgate/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Lease is proof of exclusive delivery of one item. Every state transition
// out of in_flight is guarded by the lease token, so a worker holding a
// stale lease cannot clobber a redelivered item.
type Lease struct {
	Item  jobdomain.JobItem
	Token string
}

// Outcome resolves a leased item terminally.
type Outcome struct {
	State         jobdomain.ItemState // succeeded or failed
	Result        datatypes.JSON
	LastError     string
	ReservationID snowflake.ID
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Cfg        config.Config
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Queue struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	maxAttempts int
	requeueBase time.Duration
	requeueMax  time.Duration
	obsMetrics  *obsmetrics.Metrics
}

func New(p Params) *Queue {
	maxAttempts := p.Cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	requeueBase := p.Cfg.RequeueBaseDelay
	if requeueBase <= 0 {
		requeueBase = 5 * time.Second
	}
	requeueMax := p.Cfg.RequeueMaxDelay
	if requeueMax < requeueBase {
		requeueMax = 5 * time.Minute
	}
	return &Queue{
		db:          p.DB,
		log:         p.Log.Named("job.queue"),
		clock:       p.Clock,
		maxAttempts: maxAttempts,
		requeueBase: requeueBase,
		requeueMax:  requeueMax,
		obsMetrics:  p.ObsMetrics,
	}
}

// Enqueue bulk-inserts items as pending, visible immediately. It runs on
// the caller's handle so job-row and item-row inserts share one transaction.
func (q *Queue) Enqueue(ctx context.Context, tx *gorm.DB, items []jobdomain.JobItem) error {
	if len(items) == 0 {
		return jobdomain.ErrNoItems
	}
	now := q.clock.Now()
	for i := range items {
		items[i].State = jobdomain.ItemPending
		items[i].VisibleAt = now
		items[i].CreatedAt = now
		items[i].UpdatedAt = now
	}
	return tx.WithContext(ctx).CreateInBatches(items, 100).Error
}

// Dequeue leases up to maxItems ready rows. Pending rows past visible_at
// are claimed under FOR UPDATE SKIP LOCKED so concurrent workers never
// lease the same item.
func (q *Queue) Dequeue(ctx context.Context, maxItems int, visibility time.Duration) ([]Lease, error) {
	if maxItems <= 0 {
		maxItems = 1
	}
	if visibility <= 0 {
		visibility = 2 * time.Minute
	}

	token := uuid.NewString()
	now := q.clock.Now()

	var items []jobdomain.JobItem
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []snowflake.ID
		if err := tx.Raw(
			`SELECT id FROM job_items
			 WHERE state = ? AND visible_at <= ?
			 ORDER BY id
			 FOR UPDATE SKIP LOCKED
			 LIMIT ?`,
			jobdomain.ItemPending, now, maxItems,
		).Scan(&ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		res := tx.Exec(
			`UPDATE job_items
			 SET state = ?, attempt_count = attempt_count + 1,
			     lease_token = ?, leased_until = ?, updated_at = ?
			 WHERE id IN ? AND state = ?`,
			jobdomain.ItemInFlight, token, now.Add(visibility), now,
			ids, jobdomain.ItemPending,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if err := tx.Where("lease_token = ? AND state = ?", token, jobdomain.ItemInFlight).
			Order("id ASC").Find(&items).Error; err != nil {
			return err
		}

		// First delivery flips the job out of queued.
		return tx.Exec(
			`UPDATE jobs SET status = ?
			 WHERE job_id IN (SELECT DISTINCT job_id FROM job_items WHERE lease_token = ?)
			   AND status = ?`,
			jobdomain.JobRunning, token, jobdomain.JobQueued,
		).Error
	})
	if err != nil {
		return nil, err
	}

	leases := make([]Lease, 0, len(items))
	for _, item := range items {
		leases = append(leases, Lease{Item: item, Token: token})
	}
	return leases, nil
}

// Ack resolves a leased item terminally and advances the job counters.
func (q *Queue) Ack(ctx context.Context, lease Lease, out Outcome) error {
	if out.State != jobdomain.ItemSucceeded && out.State != jobdomain.ItemFailed {
		return errors.New("ack outcome must be succeeded or failed")
	}

	now := q.clock.Now()
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(
			`UPDATE job_items
			 SET state = ?, result = ?, last_error = ?, reservation_id = ?,
			     lease_token = '', leased_until = NULL, updated_at = ?
			 WHERE id = ? AND lease_token = ? AND state = ?`,
			out.State, out.Result, out.LastError, out.ReservationID, now,
			lease.Item.ID, lease.Token, jobdomain.ItemInFlight,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return jobdomain.ErrLeaseExpired
		}

		counter := "completed_items"
		if out.State == jobdomain.ItemFailed {
			counter = "failed_items"
		}
		if err := tx.Exec(
			`UPDATE jobs SET `+counter+` = `+counter+` + 1 WHERE job_id = ?`,
			lease.Item.JobID,
		).Error; err != nil {
			return err
		}

		return q.finalize(tx, lease.Item.JobID, now)
	})
	if err != nil {
		return err
	}

	q.obsMetrics.RecordJobItem(ctx, string(out.State))
	return nil
}

// Discard drops a leased item of a cancelled job without touching the
// job counters.
func (q *Queue) Discard(ctx context.Context, lease Lease, reason string) error {
	now := q.clock.Now()
	res := q.db.WithContext(ctx).Exec(
		`UPDATE job_items
		 SET state = ?, last_error = ?, lease_token = '', leased_until = NULL, updated_at = ?
		 WHERE id = ? AND lease_token = ? AND state = ?`,
		jobdomain.ItemFailed, reason, now,
		lease.Item.ID, lease.Token, jobdomain.ItemInFlight,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return jobdomain.ErrLeaseExpired
	}
	q.obsMetrics.RecordJobItem(ctx, "discarded")
	return nil
}

// Nack returns a leased item to pending after a delay, or dead-letters it
// once attempts are exhausted. delay <= 0 selects exponential backoff from
// the attempt count.
func (q *Queue) Nack(ctx context.Context, lease Lease, delay time.Duration) error {
	now := q.clock.Now()

	if lease.Item.AttemptCount >= q.maxAttempts {
		return q.deadLetter(ctx, lease, now)
	}

	if delay <= 0 {
		delay = q.backoff(lease.Item.AttemptCount)
	}

	res := q.db.WithContext(ctx).Exec(
		`UPDATE job_items
		 SET state = ?, visible_at = ?, lease_token = '', leased_until = NULL, updated_at = ?
		 WHERE id = ? AND lease_token = ? AND state = ?`,
		jobdomain.ItemPending, now.Add(delay), now,
		lease.Item.ID, lease.Token, jobdomain.ItemInFlight,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return jobdomain.ErrLeaseExpired
	}

	q.obsMetrics.RecordJobItem(ctx, "requeued")
	return nil
}

func (q *Queue) deadLetter(ctx context.Context, lease Lease, now time.Time) error {
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(
			`UPDATE job_items
			 SET state = ?, last_error = ?, lease_token = '', leased_until = NULL, updated_at = ?
			 WHERE id = ? AND lease_token = ? AND state = ?`,
			jobdomain.ItemDeadLetter, "max attempts exhausted", now,
			lease.Item.ID, lease.Token, jobdomain.ItemInFlight,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return jobdomain.ErrLeaseExpired
		}

		if err := tx.Exec(
			`UPDATE jobs SET failed_items = failed_items + 1 WHERE job_id = ?`,
			lease.Item.JobID,
		).Error; err != nil {
			return err
		}
		return q.finalize(tx, lease.Item.JobID, now)
	})
	if err != nil {
		return err
	}

	q.log.Warn("item dead-lettered",
		zap.String("item_id", lease.Item.ID.String()),
		zap.String("job_id", lease.Item.JobID.String()),
		zap.Int("attempts", lease.Item.AttemptCount),
	)
	q.obsMetrics.RecordJobItem(ctx, "dead_letter")
	return nil
}

// ReapExpired recovers items whose worker died mid-lease. Exhausted items
// go straight to the dead letter state instead of cycling forever.
func (q *Queue) ReapExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	type expiredRow struct {
		ID           snowflake.ID
		JobID        snowflake.ID
		AttemptCount int
		LeaseToken   string
	}

	var rows []expiredRow
	err := q.db.WithContext(ctx).Raw(
		`SELECT id, job_id, attempt_count, lease_token FROM job_items
		 WHERE state = ? AND leased_until <= ?
		 ORDER BY leased_until ASC
		 LIMIT ?`,
		jobdomain.ItemInFlight, now, limit,
	).Scan(&rows).Error
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, row := range rows {
		lease := Lease{
			Item: jobdomain.JobItem{
				ID:           row.ID,
				JobID:        row.JobID,
				AttemptCount: row.AttemptCount,
			},
			Token: row.LeaseToken,
		}
		var err error
		if row.AttemptCount >= q.maxAttempts {
			err = q.deadLetter(ctx, lease, now)
		} else {
			err = q.nackExpired(ctx, lease, now)
		}
		if err != nil {
			if errors.Is(err, jobdomain.ErrLeaseExpired) {
				continue
			}
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

func (q *Queue) nackExpired(ctx context.Context, lease Lease, now time.Time) error {
	res := q.db.WithContext(ctx).Exec(
		`UPDATE job_items
		 SET state = ?, visible_at = ?, lease_token = '', leased_until = NULL, updated_at = ?
		 WHERE id = ? AND lease_token = ? AND state = ?`,
		jobdomain.ItemPending, now, now,
		lease.Item.ID, lease.Token, jobdomain.ItemInFlight,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return jobdomain.ErrLeaseExpired
	}
	return nil
}

// FinalizeStuck repairs jobs whose items are all terminal but whose status
// update was lost to a crash between item ack and job finalize.
func (q *Queue) FinalizeStuck(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	var ids []snowflake.ID
	err := q.db.WithContext(ctx).Raw(
		`SELECT job_id FROM jobs
		 WHERE status IN (?, ?) AND completed_items + failed_items >= total_items
		 LIMIT ?`,
		jobdomain.JobQueued, jobdomain.JobRunning, limit,
	).Scan(&ids).Error
	if err != nil {
		return 0, err
	}

	now := q.clock.Now()
	finalized := 0
	for _, id := range ids {
		if err := q.finalize(q.db.WithContext(ctx), id, now); err != nil {
			return finalized, err
		}
		finalized++
	}
	return finalized, nil
}

// finalize flips a job terminal once every item resolved. A job fails only
// when every single item failed; partial success completes.
func (q *Queue) finalize(tx *gorm.DB, jobID snowflake.ID, now time.Time) error {
	return tx.Exec(
		`UPDATE jobs
		 SET status = CASE WHEN completed_items = 0 THEN ? ELSE ? END,
		     finished_at = ?
		 WHERE job_id = ?
		   AND status IN (?, ?)
		   AND completed_items + failed_items >= total_items`,
		jobdomain.JobFailed, jobdomain.JobCompleted, now, jobID,
		jobdomain.JobQueued, jobdomain.JobRunning,
	).Error
}

func (q *Queue) backoff(attempt int) time.Duration {
	delay := q.requeueBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.requeueMax {
			return q.requeueMax
		}
	}
	if delay > q.requeueMax {
		delay = q.requeueMax
	}
	return delay
}

// JobInfo is the slice of the job row a worker needs per delivered item.
type JobInfo struct {
	Status jobdomain.JobStatus
	UserID snowflake.ID
}

// JobInfo reports the owner and current status of one job, for the
// worker's cancellation short-circuit and credit reservation.
func (q *Queue) JobInfo(ctx context.Context, jobID snowflake.ID) (*JobInfo, error) {
	var row struct {
		Status string
		UserID snowflake.ID
	}
	err := q.db.WithContext(ctx).Raw(
		`SELECT status, user_id FROM jobs WHERE job_id = ?`, jobID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.Status == "" {
		return nil, jobdomain.ErrJobNotFound
	}
	return &JobInfo{Status: jobdomain.JobStatus(row.Status), UserID: row.UserID}, nil
}
