package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// TransactionKind classifies ledger rows.
type TransactionKind string

const (
	KindReservation TransactionKind = "reservation"
	KindCommit      TransactionKind = "commit"
	KindRelease     TransactionKind = "release"
	KindRefund      TransactionKind = "refund"
	KindGrant       TransactionKind = "grant"
)

// ReservationState tracks the lifecycle of a credit hold.
type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// Account holds the prepaid credit balance for one user.
// Balance equals the sum of the user's credit_transactions at all times.
type Account struct {
	UserID     snowflake.ID `gorm:"primaryKey;column:user_id"`
	Balance    int64        `gorm:"not null;default:0"`
	APIKeyHash string       `gorm:"type:text;uniqueIndex"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Account) TableName() string { return "accounts" }

// CreditTransaction is an append-only ledger row. Positive amounts are
// grants, releases and refunds; negative amounts are reservation debits.
type CreditTransaction struct {
	ID        snowflake.ID    `gorm:"primaryKey"`
	UserID    snowflake.ID    `gorm:"not null;index:ix_credit_transactions_user,priority:1"`
	Amount    int64           `gorm:"not null"`
	Kind      TransactionKind `gorm:"type:text;not null"`
	Reference string          `gorm:"type:text;not null;default:''"`
	CreatedAt time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

// Reservation is an ephemeral hold on credits pending the outcome of one
// unit of work. A hold must resolve to committed or released exactly once;
// expired holds are released by the sweep.
type Reservation struct {
	ID        snowflake.ID     `gorm:"primaryKey"`
	UserID    snowflake.ID     `gorm:"not null;index"`
	Amount    int64            `gorm:"not null"`
	State     ReservationState `gorm:"type:text;not null;default:'held'"`
	Reference string           `gorm:"type:text;not null;default:''"`
	ExpiresAt time.Time        `gorm:"not null;index"`
	CreatedAt time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Reservation) TableName() string { return "reservations" }
