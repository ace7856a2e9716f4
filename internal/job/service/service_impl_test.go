package service

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
	"github.com/smallbiznis/creditgate/internal/job/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

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

func setupJobService(t *testing.T) (jobdomain.Service, *queue.Queue, *gorm.DB, *snowflake.Node) {
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

	cfg := config.Config{
		MaxBulkItems:     3,
		MaxAttempts:      5,
		RequeueBaseDelay: time.Second,
		RequeueMaxDelay:  time.Minute,
	}
	q := queue.New(queue.Params{DB: db, Log: zap.NewNop(), Clock: clk, Cfg: cfg})
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Queue: q,
		Cfg:   cfg,
	})
	return svc, q, db, node
}

func TestSubmitCreatesJobAndItems(t *testing.T) {
	svc, _, db, node := setupJobService(t)
	userID := node.Generate()

	job, err := svc.Submit(context.Background(), userID, []string{"a", " b ", "", "c"}, jobdomain.OpLookup, "us")
	require.NoError(t, err)
	assert.Equal(t, 3, job.TotalItems)
	assert.Equal(t, jobdomain.JobQueued, job.Status)

	var items []jobdomain.JobItem
	require.NoError(t, db.Where("job_id = ?", job.ID).Order("id ASC").Find(&items).Error)
	require.Len(t, items, 3)
	assert.Equal(t, "a", items[0].ItemID)
	assert.Equal(t, "b", items[1].ItemID)
	assert.Equal(t, "us", items[0].Marketplace)
	for _, item := range items {
		assert.Equal(t, jobdomain.ItemPending, item.State)
	}
}

func TestSubmitValidatesSize(t *testing.T) {
	svc, _, _, node := setupJobService(t)
	userID := node.Generate()

	_, err := svc.Submit(context.Background(), userID, nil, jobdomain.OpLookup, "us")
	assert.ErrorIs(t, err, jobdomain.ErrNoItems)

	_, err = svc.Submit(context.Background(), userID, []string{"", "  "}, jobdomain.OpLookup, "us")
	assert.ErrorIs(t, err, jobdomain.ErrNoItems)

	_, err = svc.Submit(context.Background(), userID, []string{"a", "b", "c", "d"}, jobdomain.OpLookup, "us")
	assert.ErrorIs(t, err, jobdomain.ErrTooManyItems)
}

func TestGetStatusCountsAndManifest(t *testing.T) {
	svc, q, _, node := setupJobService(t)
	userID := node.Generate()

	job, err := svc.Submit(context.Background(), userID, []string{"a", "b"}, jobdomain.OpConvert, "de")
	require.NoError(t, err)

	status, err := svc.GetStatus(context.Background(), userID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobQueued, status.Job.Status)
	assert.Empty(t, status.Items) // manifest only once terminal

	leases, err := q.Dequeue(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, leases, 2)
	for _, lease := range leases {
		require.NoError(t, q.Ack(context.Background(), lease, queue.Outcome{
			State:  jobdomain.ItemSucceeded,
			Result: datatypes.JSON(`{"ok":true}`),
		}))
	}

	status, err = svc.GetStatus(context.Background(), userID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.JobCompleted, status.Job.Status)
	assert.Equal(t, 2, status.Job.CompletedItems)
	require.Len(t, status.Items, 2)
}

func TestGetStatusScopedToOwner(t *testing.T) {
	svc, _, _, node := setupJobService(t)
	owner := node.Generate()

	job, err := svc.Submit(context.Background(), owner, []string{"a"}, jobdomain.OpLookup, "us")
	require.NoError(t, err)

	_, err = svc.GetStatus(context.Background(), node.Generate(), job.ID)
	assert.ErrorIs(t, err, jobdomain.ErrJobNotFound)

	_, err = svc.GetStatus(context.Background(), owner, node.Generate())
	assert.ErrorIs(t, err, jobdomain.ErrJobNotFound)
}

func TestCancelIsCooperativeAndIdempotent(t *testing.T) {
	svc, _, db, node := setupJobService(t)
	userID := node.Generate()

	job, err := svc.Submit(context.Background(), userID, []string{"a"}, jobdomain.OpLookup, "us")
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(context.Background(), userID, job.ID))
	require.NoError(t, svc.Cancel(context.Background(), userID, job.ID))

	var row jobdomain.Job
	require.NoError(t, db.First(&row, "job_id = ?", job.ID).Error)
	assert.Equal(t, jobdomain.JobCancelled, row.Status)
	require.NotNil(t, row.FinishedAt)
}

func TestCancelTerminalJobRejected(t *testing.T) {
	svc, q, _, node := setupJobService(t)
	userID := node.Generate()

	job, err := svc.Submit(context.Background(), userID, []string{"a"}, jobdomain.OpLookup, "us")
	require.NoError(t, err)

	leases, err := q.Dequeue(context.Background(), 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.NoError(t, q.Ack(context.Background(), leases[0], queue.Outcome{State: jobdomain.ItemSucceeded}))

	err = svc.Cancel(context.Background(), userID, job.ID)
	assert.ErrorIs(t, err, jobdomain.ErrJobTerminal)
}
