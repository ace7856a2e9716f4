package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
)

// WebhookEvent records one delivery from the payment provider. The primary
// key on external_event_id is the idempotency guard: a duplicate delivery
// can never claim the row twice.
type WebhookEvent struct {
	ExternalEventID string         `gorm:"primaryKey;column:external_event_id;type:text"`
	UserID          snowflake.ID   `gorm:"not null;index"`
	Amount          int64          `gorm:"not null"`
	Payload         datatypes.JSON `gorm:"type:json"`
	Outcome         string         `gorm:"type:text;not null;default:''"`
	ReceivedAt      time.Time      `gorm:"not null"`
	ProcessedAt     *time.Time
}

func (WebhookEvent) TableName() string { return "webhook_events" }

type Service interface {
	// Ingest verifies, dedups and reconciles one webhook delivery into a
	// credit grant. Duplicate deliveries return ErrEventAlreadyProcessed.
	Ingest(ctx context.Context, payload []byte, signature string) error
}
