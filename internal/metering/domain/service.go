package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrAccountNotFound     = errors.New("account_not_found")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrReservationNotFound = errors.New("reservation_not_found")
	ErrAlreadyResolved     = errors.New("reservation_already_resolved")
)

// Service is the only component permitted to mutate balances.
type Service interface {
	Reserve(ctx context.Context, userID snowflake.ID, amount int64, reference string) (*Reservation, error)
	Commit(ctx context.Context, reservationID snowflake.ID, reference string) error
	Release(ctx context.Context, reservationID snowflake.ID, reference string) error
	Grant(ctx context.Context, userID snowflake.ID, amount int64, reference string) error
	// GrantInTx applies a grant inside the caller's transaction; the webhook
	// reconciler uses it to commit the credit atomically with its dedup row.
	GrantInTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, amount int64, reference string) error
	Refund(ctx context.Context, userID snowflake.ID, amount int64, reference string) error

	Balance(ctx context.Context, userID snowflake.ID) (int64, error)
	ListTransactions(ctx context.Context, userID snowflake.ID, afterID snowflake.ID, limit int) ([]CreditTransaction, error)

	// SweepExpired releases held reservations whose expires_at passed.
	// Returns the number of reservations released.
	SweepExpired(ctx context.Context, now time.Time, limit int) (int, error)
}
