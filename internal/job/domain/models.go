package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrJobNotFound  = errors.New("job_not_found")
	ErrJobTerminal  = errors.New("job_terminal")
	ErrNoItems      = errors.New("no_items")
	ErrTooManyItems = errors.New("too_many_items")
	ErrLeaseExpired = errors.New("lease_expired")
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

type ItemState string

const (
	ItemPending    ItemState = "pending"
	ItemInFlight   ItemState = "in_flight"
	ItemSucceeded  ItemState = "succeeded"
	ItemFailed     ItemState = "failed"
	ItemDeadLetter ItemState = "dead_letter"
)

func (s ItemState) Terminal() bool {
	return s == ItemSucceeded || s == ItemFailed || s == ItemDeadLetter
}

// Op names the metered operation an item performs against the provider.
type Op string

const (
	OpLookup  Op = "lookup"
	OpConvert Op = "convert"
)

// Job is the aggregate view of one bulk submission. Counters are mutated
// only through queue acknowledgements, never by readers.
type Job struct {
	ID             snowflake.ID `gorm:"primaryKey;column:job_id"`
	UserID         snowflake.ID `gorm:"not null;index"`
	TotalItems     int          `gorm:"not null"`
	CompletedItems int          `gorm:"not null;default:0"`
	FailedItems    int          `gorm:"not null;default:0"`
	Status         JobStatus    `gorm:"type:text;not null;default:'queued'"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	FinishedAt     *time.Time
}

func (Job) TableName() string { return "jobs" }

// JobItem is one unit of bulk work, doubling as the durable queue row.
// visible_at, lease_token and leased_until implement at-least-once delivery
// with a visibility timeout.
type JobItem struct {
	ID            snowflake.ID   `gorm:"primaryKey"`
	JobID         snowflake.ID   `gorm:"not null;index"`
	ItemID        string         `gorm:"type:text;not null"`
	Marketplace   string         `gorm:"type:text;not null;default:''"`
	Op            Op             `gorm:"type:text;not null"`
	AttemptCount  int            `gorm:"not null;default:0"`
	State         ItemState      `gorm:"type:text;not null;default:'pending';index:ix_job_items_ready,priority:1"`
	Result        datatypes.JSON `gorm:"type:json"`
	LastError     string         `gorm:"type:text;not null;default:''"`
	ReservationID snowflake.ID   `gorm:"default:0"`
	LeaseToken    string         `gorm:"type:text;not null;default:''"`
	LeasedUntil   *time.Time
	VisibleAt     time.Time `gorm:"not null;index:ix_job_items_ready,priority:2"`
	CreatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (JobItem) TableName() string { return "job_items" }
