package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditgate/internal/clock"
	"github.com/smallbiznis/creditgate/internal/config"
	meteringdomain "github.com/smallbiznis/creditgate/internal/metering/domain"
	obsmetrics "github.com/smallbiznis/creditgate/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/creditgate/internal/payment/domain"
	"github.com/smallbiznis/creditgate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Metering   meteringdomain.Service
	Clock      clock.Clock
	Cfg        config.Config
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	metering   meteringdomain.Service
	clock      clock.Clock
	secret     []byte
	obsMetrics *obsmetrics.Metrics
}

type webhookPayload struct {
	EventID        string       `json:"event_id"`
	UserID         snowflake.ID `json:"user_id"`
	CreditsGranted int64        `json:"credits_granted"`
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.webhook"),
		metering:   p.Metering,
		clock:      p.Clock,
		secret:     []byte(strings.TrimSpace(p.Cfg.WebhookSecret)),
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Ingest(ctx context.Context, payload []byte, signature string) error {
	if err := s.verify(payload, signature); err != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, "invalid_signature")
		return err
	}

	event, err := parsePayload(payload)
	if err != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, "invalid_payload")
		return err
	}

	now := s.clock.Now()
	reference := fmt.Sprintf("webhook:%s", event.EventID)

	// Claim and grant commit together: the dedup row only exists once the
	// credit landed, so a crash mid-ingest leaves nothing behind and the
	// provider's retry starts clean. The insert either lands or conflicts
	// on external_event_id.
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claim := paymentdomain.WebhookEvent{
			ExternalEventID: event.EventID,
			UserID:          event.UserID,
			Amount:          event.CreditsGranted,
			Payload:         datatypes.JSON(payload),
			Outcome:         "granted",
			ReceivedAt:      now,
			ProcessedAt:     &now,
		}
		if err := tx.Create(&claim).Error; err != nil {
			return err
		}
		return s.metering.GrantInTx(ctx, tx, event.UserID, event.CreditsGranted, reference)
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			s.obsMetrics.RecordWebhookEvent(ctx, "duplicate")
			return paymentdomain.ErrEventAlreadyProcessed
		}
		return err
	}

	s.obsMetrics.RecordWebhookEvent(ctx, "granted")
	s.log.Info("webhook event reconciled",
		zap.String("event_id", event.EventID),
		zap.String("user_id", event.UserID.String()),
		zap.Int64("credits_granted", event.CreditsGranted),
	)
	return nil
}

func (s *Service) verify(payload []byte, signature string) error {
	signature = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if signature == "" || len(s.secret) == 0 {
		return paymentdomain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

func parsePayload(payload []byte) (*webhookPayload, error) {
	if !json.Valid(payload) {
		return nil, paymentdomain.ErrInvalidPayload
	}
	var event webhookPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	event.EventID = strings.TrimSpace(event.EventID)
	if event.EventID == "" || event.UserID == 0 {
		return nil, paymentdomain.ErrInvalidEvent
	}
	if event.CreditsGranted <= 0 {
		return nil, paymentdomain.ErrInvalidEvent
	}
	return &event, nil
}
