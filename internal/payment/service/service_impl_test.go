package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/creditgate/internal/clock"
	"github.com/smallbiznis/creditgate/internal/config"
	meteringdomain "github.com/smallbiznis/creditgate/internal/metering/domain"
	meteringservice "github.com/smallbiznis/creditgate/internal/metering/service"
	paymentdomain "github.com/smallbiznis/creditgate/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

func setupWebhookService(t *testing.T, metering meteringdomain.Service) (paymentdomain.Service, *gorm.DB, meteringdomain.Service) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	require.NoError(t, db.AutoMigrate(
		&meteringdomain.Account{},
		&meteringdomain.CreditTransaction{},
		&meteringdomain.Reservation{},
		&paymentdomain.WebhookEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Now().UTC())

	realMetering := meteringservice.NewService(meteringservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Cfg:   config.Config{ReservationTTL: 5 * time.Minute},
	})
	if metering == nil {
		metering = realMetering
	}

	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		Metering: metering,
		Clock:    clk,
		Cfg:      config.Config{WebhookSecret: testSecret},
	})
	return svc, db, realMetering
}

func sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestIngestGrantsCredits(t *testing.T) {
	svc, db, metering := setupWebhookService(t, nil)

	payload := []byte(`{"event_id":"evt_1","user_id":"1234567890","credits_granted":250}`)
	require.NoError(t, svc.Ingest(context.Background(), payload, sign(payload)))

	userID, err := snowflake.ParseString("1234567890")
	require.NoError(t, err)
	balance, err := metering.Balance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(250), balance)

	var event paymentdomain.WebhookEvent
	require.NoError(t, db.First(&event, "external_event_id = ?", "evt_1").Error)
	assert.Equal(t, "granted", event.Outcome)
	require.NotNil(t, event.ProcessedAt)
}

func TestIngestDuplicateGrantsOnce(t *testing.T) {
	svc, _, metering := setupWebhookService(t, nil)

	payload := []byte(`{"event_id":"evt_dup","user_id":"42","credits_granted":100}`)
	require.NoError(t, svc.Ingest(context.Background(), payload, sign(payload)))

	err := svc.Ingest(context.Background(), payload, sign(payload))
	assert.ErrorIs(t, err, paymentdomain.ErrEventAlreadyProcessed)

	userID, _ := snowflake.ParseString("42")
	balance, err := metering.Balance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestIngestRejectsBadSignature(t *testing.T) {
	svc, db, _ := setupWebhookService(t, nil)

	payload := []byte(`{"event_id":"evt_2","user_id":"42","credits_granted":10}`)
	err := svc.Ingest(context.Background(), payload, "deadbeef")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	err = svc.Ingest(context.Background(), payload, "")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	var count int64
	require.NoError(t, db.Model(&paymentdomain.WebhookEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestIngestAcceptsPrefixedSignature(t *testing.T) {
	svc, _, _ := setupWebhookService(t, nil)

	payload := []byte(`{"event_id":"evt_3","user_id":"42","credits_granted":10}`)
	require.NoError(t, svc.Ingest(context.Background(), payload, "sha256="+sign(payload)))
}

func TestIngestRejectsMalformedPayload(t *testing.T) {
	svc, _, _ := setupWebhookService(t, nil)

	cases := map[string]struct {
		payload string
		want    error
	}{
		"not json":        {"{", paymentdomain.ErrInvalidPayload},
		"missing event":   {`{"user_id":"42","credits_granted":10}`, paymentdomain.ErrInvalidEvent},
		"missing user":    {`{"event_id":"evt_4","credits_granted":10}`, paymentdomain.ErrInvalidEvent},
		"zero credits":    {`{"event_id":"evt_5","user_id":"42","credits_granted":0}`, paymentdomain.ErrInvalidEvent},
		"negative amount": {`{"event_id":"evt_6","user_id":"42","credits_granted":-5}`, paymentdomain.ErrInvalidEvent},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			payload := []byte(tc.payload)
			assert.ErrorIs(t, svc.Ingest(context.Background(), payload, sign(payload)), tc.want)
		})
	}
}

type failingMetering struct {
	meteringdomain.Service
}

func (failingMetering) Grant(context.Context, snowflake.ID, int64, string) error {
	return errors.New("db down")
}

func (failingMetering) GrantInTx(context.Context, *gorm.DB, snowflake.ID, int64, string) error {
	return errors.New("db down")
}

func TestIngestGrantFailureLeavesNoClaim(t *testing.T) {
	svc, db, _ := setupWebhookService(t, failingMetering{})

	payload := []byte(`{"event_id":"evt_retry","user_id":"42","credits_granted":75}`)
	err := svc.Ingest(context.Background(), payload, sign(payload))
	require.Error(t, err)
	assert.NotErrorIs(t, err, paymentdomain.ErrEventAlreadyProcessed)

	// Claim and grant share one transaction, so a failed grant rolls the
	// claim back too. An interrupted ingest can never strand a dedup row
	// that would answer later retries with a duplicate and no credit.
	var count int64
	require.NoError(t, db.Model(&paymentdomain.WebhookEvent{}).Count(&count).Error)
	assert.Zero(t, count)

	var grants int64
	require.NoError(t, db.Model(&meteringdomain.CreditTransaction{}).Count(&grants).Error)
	assert.Zero(t, grants)
}

func TestIngestRetryAfterFailureSucceeds(t *testing.T) {
	failing, db, _ := setupWebhookService(t, failingMetering{})

	payload := []byte(`{"event_id":"evt_retry2","user_id":"42","credits_granted":75}`)
	require.Error(t, failing.Ingest(context.Background(), payload, sign(payload)))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Now().UTC())
	metering := meteringservice.NewService(meteringservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Cfg:   config.Config{ReservationTTL: 5 * time.Minute},
	})
	working := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		Metering: metering,
		Clock:    clk,
		Cfg:      config.Config{WebhookSecret: testSecret},
	})

	require.NoError(t, working.Ingest(context.Background(), payload, sign(payload)))

	userID, _ := snowflake.ParseString("42")
	balance, err := metering.Balance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(75), balance)
}
