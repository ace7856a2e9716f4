package queue

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/creditgate/internal/clock"
	"github.com/smallbiznis/creditgate/internal/config"
	jobdomain "github.com/smallbiznis/creditgate/internal/job/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// stripForUpdate removes locking clauses sqlite does not understand.
func stripForUpdate(db *gorm.DB) {
	rewrite := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", rewrite)
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", rewrite)
}

func setupQueue(t *testing.T, maxAttempts int) (*Queue, *gorm.DB, *clock.FakeClock, *snowflake.Node) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	stripForUpdate(db)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	require.NoError(t, db.AutoMigrate(&jobdomain.Job{}, &jobdomain.JobItem{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Now().UTC())

	q := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clk,
		Cfg: config.Config{
			MaxAttempts:      maxAttempts,
			RequeueBaseDelay: time.Second,
			RequeueMaxDelay:  8 * time.Second,
		},
	})
	return q, db, clk, node
}

func seedJob(t *testing.T, q *Queue, db *gorm.DB, node *snowflake.Node, n int) jobdomain.Job {
	t.Helper()

	job := jobdomain.Job{
		ID:         node.Generate(),
		UserID:     node.Generate(),
		TotalItems: n,
		Status:     jobdomain.JobQueued,
		CreatedAt:  time.Now().UTC(),
	}
	items := make([]jobdomain.JobItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, jobdomain.JobItem{
			ID:     node.Generate(),
			JobID:  job.ID,
			ItemID: fmt.Sprintf("item-%d", i),
			Op:     jobdomain.OpLookup,
		})
	}

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&job).Error; err != nil {
			return err
		}
		return q.Enqueue(context.Background(), tx, items)
	}))
	return job
}

func jobRow(t *testing.T, db *gorm.DB, id snowflake.ID) jobdomain.Job {
	t.Helper()
	var job jobdomain.Job
	require.NoError(t, db.First(&job, "job_id = ?", id).Error)
	return job
}

func itemRow(t *testing.T, db *gorm.DB, id snowflake.ID) jobdomain.JobItem {
	t.Helper()
	var item jobdomain.JobItem
	require.NoError(t, db.First(&item, "id = ?", id).Error)
	return item
}

func TestDequeueLeasesReadyItems(t *testing.T) {
	q, db, _, node := setupQueue(t, 5)
	job := seedJob(t, q, db, node, 3)

	leases, err := q.Dequeue(context.Background(), 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, leases, 2)

	for _, lease := range leases {
		assert.NotEmpty(t, lease.Token)
		assert.Equal(t, jobdomain.ItemInFlight, lease.Item.State)
		assert.Equal(t, 1, lease.Item.AttemptCount)
		require.NotNil(t, lease.Item.LeasedUntil)
	}

	assert.Equal(t, jobdomain.JobRunning, jobRow(t, db, job.ID).Status)

	rest, err := q.Dequeue(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, rest, 1)

	none, err := q.Dequeue(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDequeueEmptyQueue(t *testing.T) {
	q, _, _, _ := setupQueue(t, 5)

	leases, err := q.Dequeue(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, leases)
}

func TestAckAdvancesCountersAndFinalizes(t *testing.T) {
	q, db, _, node := setupQueue(t, 5)
	job := seedJob(t, q, db, node, 2)

	leases, err := q.Dequeue(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, leases, 2)

	require.NoError(t, q.Ack(context.Background(), leases[0], Outcome{
		State:  jobdomain.ItemSucceeded,
		Result: datatypes.JSON(`{"title":"x"}`),
	}))

	mid := jobRow(t, db, job.ID)
	assert.Equal(t, 1, mid.CompletedItems)
	assert.Equal(t, jobdomain.JobRunning, mid.Status)

	require.NoError(t, q.Ack(context.Background(), leases[1], Outcome{
		State:     jobdomain.ItemFailed,
		LastError: "not_found",
	}))

	done := jobRow(t, db, job.ID)
	assert.Equal(t, 1, done.CompletedItems)
	assert.Equal(t, 1, done.FailedItems)
	// Partial success still completes.
	assert.Equal(t, jobdomain.JobCompleted, done.Status)
	require.NotNil(t, done.FinishedAt)
}

func TestJobFailsOnlyWhenEveryItemFailed(t *testing.T) {
	q, db, _, node := setupQueue(t, 5)
	job := seedJob(t, q, db, node, 2)

	leases, err := q.Dequeue(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, leases, 2)

	for _, lease := range leases {
		require.NoError(t, q.Ack(context.Background(), lease, Outcome{
			State:     jobdomain.ItemFailed,
			LastError: "insufficient_balance",
		}))
	}

	done := jobRow(t, db, job.ID)
	assert.Equal(t, jobdomain.JobFailed, done.Status)
	assert.Equal(t, 2, done.FailedItems)
}

func TestAckWithStaleLeaseRejected(t *testing.T) {
	q, db, clk, node := setupQueue(t, 5)
	seedJob(t, q, db, node, 1)

	leases, err := q.Dequeue(context.Background(), 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leases, 1)

	clk.Advance(2 * time.Minute)
	reaped, err := q.ReapExpired(context.Background(), clk.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	err = q.Ack(context.Background(), leases[0], Outcome{State: jobdomain.ItemSucceeded})
	assert.ErrorIs(t, err, jobdomain.ErrLeaseExpired)
}

func TestNackRequeuesWithBackoff(t *testing.T) {
	q, db, clk, node := setupQueue(t, 5)
	seedJob(t, q, db, node, 1)

	leases, err := q.Dequeue(context.Background(), 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leases, 1)

	require.NoError(t, q.Nack(context.Background(), leases[0], 0))

	item := itemRow(t, db, leases[0].Item.ID)
	assert.Equal(t, jobdomain.ItemPending, item.State)

	// Not visible until the backoff delay elapses.
	none, err := q.Dequeue(context.Background(), 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, none)

	clk.Advance(2 * time.Second)
	again, err := q.Dequeue(context.Background(), 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].Item.AttemptCount)
}

func TestNackHonorsExplicitDelay(t *testing.T) {
	q, db, clk, node := setupQueue(t, 5)
	seedJob(t, q, db, node, 1)

	leases, err := q.Dequeue(context.Background(), 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leases, 1)

	require.NoError(t, q.Nack(context.Background(), leases[0], 30*time.Second))

	clk.Advance(10 * time.Second)
	none, err := q.Dequeue(context.Background(), 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, none)

	clk.Advance(25 * time.Second)
	again, err := q.Dequeue(context.Background(), 1, time.Minute)
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func TestNackExhaustedDeadLetters(t *testing.T) {
	q, db, clk, node := setupQueue(t, 2)
	job := seedJob(t, q, db, node, 1)

	for attempt := 1; attempt <= 2; attempt++ {
		leases, err := q.Dequeue(context.Background(), 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, leases, 1)
		assert.Equal(t, attempt, leases[0].Item.AttemptCount)
		require.NoError(t, q.Nack(context.Background(), leases[0], 0))
		clk.Advance(time.Minute)
	}

	leases, err := q.Dequeue(context.Background(), 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, leases)

	var item jobdomain.JobItem
	require.NoError(t, db.First(&item, "job_id = ?", job.ID).Error)
	assert.Equal(t, jobdomain.ItemDeadLetter, item.State)

	done := jobRow(t, db, job.ID)
	assert.Equal(t, 1, done.FailedItems)
	assert.Equal(t, jobdomain.JobFailed, done.Status)
}

func TestReapExpiredReturnsAbandonedItems(t *testing.T) {
	q, db, clk, node := setupQueue(t, 5)
	seedJob(t, q, db, node, 2)

	leases, err := q.Dequeue(context.Background(), 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, leases, 2)

	clk.Advance(30 * time.Second)
	reaped, err := q.ReapExpired(context.Background(), clk.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, reaped)

	clk.Advance(time.Minute)
	reaped, err = q.ReapExpired(context.Background(), clk.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, reaped)

	again, err := q.Dequeue(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 2)
	for _, lease := range again {
		assert.Equal(t, 2, lease.Item.AttemptCount)
	}
}

func TestReapDeadLettersExhaustedItems(t *testing.T) {
	q, db, clk, node := setupQueue(t, 1)
	job := seedJob(t, q, db, node, 1)

	leases, err := q.Dequeue(context.Background(), 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leases, 1)

	clk.Advance(2 * time.Minute)
	reaped, err := q.ReapExpired(context.Background(), clk.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	var item jobdomain.JobItem
	require.NoError(t, db.First(&item, "job_id = ?", job.ID).Error)
	assert.Equal(t, jobdomain.ItemDeadLetter, item.State)
	assert.Equal(t, jobdomain.JobFailed, jobRow(t, db, job.ID).Status)
}

func TestDiscardSkipsCounters(t *testing.T) {
	q, db, _, node := setupQueue(t, 5)
	job := seedJob(t, q, db, node, 1)

	leases, err := q.Dequeue(context.Background(), 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leases, 1)

	require.NoError(t, q.Discard(context.Background(), leases[0], "job cancelled"))

	item := itemRow(t, db, leases[0].Item.ID)
	assert.Equal(t, jobdomain.ItemFailed, item.State)
	assert.Equal(t, "job cancelled", item.LastError)

	row := jobRow(t, db, job.ID)
	assert.Zero(t, row.CompletedItems)
	assert.Zero(t, row.FailedItems)
}

func TestFinalizeStuckRepairsLostUpdate(t *testing.T) {
	q, db, _, node := setupQueue(t, 5)
	job := seedJob(t, q, db, node, 2)

	require.NoError(t, db.Exec(
		`UPDATE jobs SET status = ?, completed_items = 2 WHERE job_id = ?`,
		jobdomain.JobRunning, job.ID,
	).Error)

	fixed, err := q.FinalizeStuck(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)
	assert.Equal(t, jobdomain.JobCompleted, jobRow(t, db, job.ID).Status)
}

func TestJobInfoLookup(t *testing.T) {
	q, db, _, node := setupQueue(t, 5)
	job := seedJob(t, q, db, node, 1)

	info, err := q.JobInfo(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobQueued, info.Status)
	assert.Equal(t, job.UserID, info.UserID)

	_, err = q.JobInfo(context.Background(), node.Generate())
	assert.ErrorIs(t, err, jobdomain.ErrJobNotFound)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	q, _, _, _ := setupQueue(t, 5)

	assert.Equal(t, time.Second, q.backoff(1))
	assert.Equal(t, 2*time.Second, q.backoff(2))
	assert.Equal(t, 4*time.Second, q.backoff(3))
	assert.Equal(t, 8*time.Second, q.backoff(4))
	assert.Equal(t, 8*time.Second, q.backoff(10))
}
