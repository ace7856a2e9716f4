package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditgate/internal/clock"
	"github.com/smallbiznis/creditgate/internal/config"
	meteringdomain "github.com/smallbiznis/creditgate/internal/metering/domain"
	obsmetrics "github.com/smallbiznis/creditgate/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	clock          clock.Clock
	reservationTTL time.Duration
	obsMetrics     *obsmetrics.Metrics
}

func NewService(p Params) meteringdomain.Service {
	ttl := p.Cfg.ReservationTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("metering.service"),
		genID:          p.GenID,
		clock:          p.Clock,
		reservationTTL: ttl,
		obsMetrics:     p.ObsMetrics,
	}
}

// Reserve atomically debits the balance and opens a hold. The conditional
// update on the account row is the per-user serialization point: concurrent
// reserves can never jointly exceed the true balance.
func (s *Service) Reserve(ctx context.Context, userID snowflake.ID, amount int64, reference string) (*meteringdomain.Reservation, error) {
	if userID == 0 {
		return nil, meteringdomain.ErrAccountNotFound
	}
	if amount <= 0 {
		return nil, meteringdomain.ErrInvalidAmount
	}

	var reservation meteringdomain.Reservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()

		result := tx.Exec(
			`UPDATE accounts
			 SET balance = balance - ?, updated_at = ?
			 WHERE user_id = ? AND balance >= ?`,
			amount, now, userID, amount,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Raw(`SELECT COUNT(1) FROM accounts WHERE user_id = ?`, userID).Scan(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return meteringdomain.ErrAccountNotFound
			}
			return meteringdomain.ErrInsufficientBalance
		}

		entry := meteringdomain.CreditTransaction{
			ID:        s.genID.Generate(),
			UserID:    userID,
			Amount:    -amount,
			Kind:      meteringdomain.KindReservation,
			Reference: strings.TrimSpace(reference),
			CreatedAt: now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		reservation = meteringdomain.Reservation{
			ID:        s.genID.Generate(),
			UserID:    userID,
			Amount:    amount,
			State:     meteringdomain.ReservationHeld,
			Reference: strings.TrimSpace(reference),
			ExpiresAt: now.Add(s.reservationTTL),
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.Create(&reservation).Error
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordCreditOp(ctx, string(meteringdomain.KindReservation))
	return &reservation, nil
}

// Commit resolves a hold as spent. The debit already happened at reserve
// time, so the commit row carries amount 0 and exists for the audit trail.
func (s *Service) Commit(ctx context.Context, reservationID snowflake.ID, reference string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := s.loadReservation(tx, reservationID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		result := tx.Exec(
			`UPDATE reservations SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
			meteringdomain.ReservationCommitted, now, reservationID, meteringdomain.ReservationHeld,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return meteringdomain.ErrAlreadyResolved
		}

		entry := meteringdomain.CreditTransaction{
			ID:        s.genID.Generate(),
			UserID:    reservation.UserID,
			Amount:    0,
			Kind:      meteringdomain.KindCommit,
			Reference: strings.TrimSpace(reference),
			CreatedAt: now,
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return err
	}

	s.obsMetrics.RecordCreditOp(ctx, string(meteringdomain.KindCommit))
	return nil
}

// Release resolves a hold as unspent and re-credits the held amount.
// Releasing an already-released reservation is a no-op.
func (s *Service) Release(ctx context.Context, reservationID snowflake.ID, reference string) error {
	released := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := s.loadReservation(tx, reservationID)
		if err != nil {
			return err
		}

		switch reservation.State {
		case meteringdomain.ReservationReleased:
			return nil
		case meteringdomain.ReservationCommitted:
			return meteringdomain.ErrAlreadyResolved
		}

		now := s.clock.Now()
		result := tx.Exec(
			`UPDATE reservations SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
			meteringdomain.ReservationReleased, now, reservationID, meteringdomain.ReservationHeld,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Lost the race with a concurrent resolve; re-read to decide.
			current, err := s.loadReservation(tx, reservationID)
			if err != nil {
				return err
			}
			if current.State == meteringdomain.ReservationReleased {
				return nil
			}
			return meteringdomain.ErrAlreadyResolved
		}

		if err := tx.Exec(
			`UPDATE accounts SET balance = balance + ?, updated_at = ? WHERE user_id = ?`,
			reservation.Amount, now, reservation.UserID,
		).Error; err != nil {
			return err
		}

		entry := meteringdomain.CreditTransaction{
			ID:        s.genID.Generate(),
			UserID:    reservation.UserID,
			Amount:    reservation.Amount,
			Kind:      meteringdomain.KindRelease,
			Reference: strings.TrimSpace(reference),
			CreatedAt: now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		released = true
		return nil
	})
	if err != nil {
		return err
	}

	if released {
		s.obsMetrics.RecordCreditOp(ctx, string(meteringdomain.KindRelease))
	}
	return nil
}

// Grant credits a user from a reconciled payment event. The caller holds
// the idempotency guard (webhook_events uniqueness).
func (s *Service) Grant(ctx context.Context, userID snowflake.ID, amount int64, reference string) error {
	return s.credit(ctx, userID, amount, meteringdomain.KindGrant, reference)
}

// GrantInTx applies a grant inside the caller's transaction so the credit
// commits or rolls back together with the caller's idempotency row.
func (s *Service) GrantInTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, amount int64, reference string) error {
	if err := s.creditInTx(tx, userID, amount, meteringdomain.KindGrant, reference); err != nil {
		return err
	}
	s.obsMetrics.RecordCreditOp(ctx, string(meteringdomain.KindGrant))
	return nil
}

// Refund re-credits work that was committed and later reversed.
func (s *Service) Refund(ctx context.Context, userID snowflake.ID, amount int64, reference string) error {
	return s.credit(ctx, userID, amount, meteringdomain.KindRefund, reference)
}

func (s *Service) credit(ctx context.Context, userID snowflake.ID, amount int64, kind meteringdomain.TransactionKind, reference string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.creditInTx(tx, userID, amount, kind, reference)
	})
	if err != nil {
		return err
	}

	s.obsMetrics.RecordCreditOp(ctx, string(kind))
	return nil
}

func (s *Service) creditInTx(tx *gorm.DB, userID snowflake.ID, amount int64, kind meteringdomain.TransactionKind, reference string) error {
	if userID == 0 {
		return meteringdomain.ErrAccountNotFound
	}
	if amount <= 0 {
		return meteringdomain.ErrInvalidAmount
	}

	now := s.clock.Now()
	result := tx.Exec(
		`UPDATE accounts SET balance = balance + ?, updated_at = ? WHERE user_id = ?`,
		amount, now, userID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		account := meteringdomain.Account{
			UserID:    userID,
			Balance:   amount,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(&account).Error; err != nil {
			return err
		}
	}

	entry := meteringdomain.CreditTransaction{
		ID:        s.genID.Generate(),
		UserID:    userID,
		Amount:    amount,
		Kind:      kind,
		Reference: strings.TrimSpace(reference),
		CreatedAt: now,
	}
	return tx.Create(&entry).Error
}

func (s *Service) Balance(ctx context.Context, userID snowflake.ID) (int64, error) {
	var account meteringdomain.Account
	err := s.db.WithContext(ctx).First(&account, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, meteringdomain.ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

func (s *Service) ListTransactions(ctx context.Context, userID snowflake.ID, afterID snowflake.ID, limit int) ([]meteringdomain.CreditTransaction, error) {
	if limit <= 0 || limit > 250 {
		limit = 50
	}
	var rows []meteringdomain.CreditTransaction
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if afterID != 0 {
		query = query.Where("id > ?", afterID)
	}
	err := query.Order("id ASC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// SweepExpired is the last line of defense against crashed workers:
// no hold may outlive its expiry.
func (s *Service) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Raw(
		`SELECT id FROM reservations
		 WHERE state = ? AND expires_at <= ?
		 ORDER BY expires_at ASC
		 LIMIT ?`,
		meteringdomain.ReservationHeld, now, limit,
	).Scan(&ids).Error
	if err != nil {
		return 0, err
	}

	released := 0
	for _, id := range ids {
		err := s.Release(ctx, id, "sweep:expired")
		if err != nil {
			if errors.Is(err, meteringdomain.ErrAlreadyResolved) {
				continue
			}
			return released, err
		}
		released++
		s.log.Warn("auto-released expired reservation", zap.String("reservation_id", id.String()))
	}
	return released, nil
}

func (s *Service) loadReservation(tx *gorm.DB, id snowflake.ID) (*meteringdomain.Reservation, error) {
	var reservation meteringdomain.Reservation
	err := tx.First(&reservation, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, meteringdomain.ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}
