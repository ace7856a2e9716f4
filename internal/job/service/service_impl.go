package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditgate/internal/clock"
	"github.com/smallbiznis/creditgate/internal/config"
	jobdomain "github.com/smallbiznis/creditgate/internal/job/domain"
	"github.com/smallbiznis/creditgate/internal/job/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Queue *queue.Queue
	Cfg   config.Config
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	queue    *queue.Queue
	maxItems int
}

func NewService(p Params) jobdomain.Service {
	maxItems := p.Cfg.MaxBulkItems
	if maxItems <= 0 {
		maxItems = 500
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("job.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		queue:    p.Queue,
		maxItems: maxItems,
	}
}

func (s *Service) Submit(ctx context.Context, userID snowflake.ID, items []string, op jobdomain.Op, marketplace string) (*jobdomain.Job, error) {
	cleaned := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			cleaned = append(cleaned, item)
		}
	}
	if len(cleaned) == 0 {
		return nil, jobdomain.ErrNoItems
	}
	if len(cleaned) > s.maxItems {
		return nil, jobdomain.ErrTooManyItems
	}
	if op != jobdomain.OpLookup && op != jobdomain.OpConvert {
		op = jobdomain.OpLookup
	}

	now := s.clock.Now()
	job := jobdomain.Job{
		ID:         s.genID.Generate(),
		UserID:     userID,
		TotalItems: len(cleaned),
		Status:     jobdomain.JobQueued,
		CreatedAt:  now,
	}

	rows := make([]jobdomain.JobItem, 0, len(cleaned))
	for _, item := range cleaned {
		rows = append(rows, jobdomain.JobItem{
			ID:          s.genID.Generate(),
			JobID:       job.ID,
			ItemID:      item,
			Marketplace: strings.TrimSpace(marketplace),
			Op:          op,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&job).Error; err != nil {
			return err
		}
		return s.queue.Enqueue(ctx, tx, rows)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("bulk job submitted",
		zap.String("job_id", job.ID.String()),
		zap.String("user_id", userID.String()),
		zap.Int("items", job.TotalItems),
		zap.String("op", string(op)),
	)
	return &job, nil
}

func (s *Service) GetStatus(ctx context.Context, userID snowflake.ID, jobID snowflake.ID) (*jobdomain.Status, error) {
	job, err := s.loadJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}

	status := jobdomain.Status{Job: *job}
	if job.Status.Terminal() {
		if err := s.db.WithContext(ctx).
			Where("job_id = ?", jobID).
			Order("id ASC").
			Find(&status.Items).Error; err != nil {
			return nil, err
		}
	}
	return &status, nil
}

func (s *Service) Cancel(ctx context.Context, userID snowflake.ID, jobID snowflake.ID) error {
	job, err := s.loadJob(ctx, userID, jobID)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	res := s.db.WithContext(ctx).Exec(
		`UPDATE jobs SET status = ?, finished_at = ?
		 WHERE job_id = ? AND status IN (?, ?)`,
		jobdomain.JobCancelled, now, jobID,
		jobdomain.JobQueued, jobdomain.JobRunning,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if job.Status == jobdomain.JobCancelled {
			return nil
		}
		// Lost the race with finalization; re-read to decide.
		current, err := s.loadJob(ctx, userID, jobID)
		if err != nil {
			return err
		}
		if current.Status == jobdomain.JobCancelled {
			return nil
		}
		return jobdomain.ErrJobTerminal
	}

	s.log.Info("job cancelled",
		zap.String("job_id", jobID.String()),
		zap.String("user_id", userID.String()),
	)
	return nil
}

func (s *Service) loadJob(ctx context.Context, userID snowflake.ID, jobID snowflake.ID) (*jobdomain.Job, error) {
	var job jobdomain.Job
	err := s.db.WithContext(ctx).First(&job, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, jobdomain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if userID != 0 && job.UserID != userID {
		return nil, jobdomain.ErrJobNotFound
	}
	return &job, nil
}
