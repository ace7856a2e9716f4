package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// Status is the polling read model: aggregate counts always, the per-item
// manifest once the job is terminal.
type Status struct {
	Job   Job
	Items []JobItem
}

type Service interface {
	// Submit validates and persists a bulk job atomically with its items.
	// Either the whole job is enqueued or nothing is.
	Submit(ctx context.Context, userID snowflake.ID, items []string, op Op, marketplace string) (*Job, error)

	GetStatus(ctx context.Context, userID snowflake.ID, jobID snowflake.ID) (*Status, error)

	// Cancel is cooperative: already-leased items run to completion,
	// not-yet-leased items are discarded by the workers.
	Cancel(ctx context.Context, userID snowflake.ID, jobID snowflake.ID) error
}
