package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	unlockdomain "github.com/smallbiznis/focusgate/internal/unlock/domain"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *unlockdomain.PaymentRecord) error
	FindByRequestID(ctx context.Context, db *gorm.DB, requestID string) (*unlockdomain.PaymentRecord, error)
	FindByPaymentIntent(ctx context.Context, db *gorm.DB, paymentIntentID string) (*unlockdomain.PaymentRecord, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID string) ([]unlockdomain.PaymentRecord, error)

	// MarkCompleted moves pending -> completed, attaching the provider
	// intent id. False return means the row already left pending.
	MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, paymentIntentID string, at time.Time) (bool, error)

	// MarkFailed moves pending -> failed with the decline reason.
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string) (bool, error)

	// MarkRefunded moves completed -> refunded exactly once.
	MarkRefunded(ctx context.Context, db *gorm.DB, paymentIntentID string, at time.Time) (bool, error)
}

type repo struct{}

func Provide() Repository {
	return &repo{}
}

const selectColumns = `id, request_id, user_id, app_id, payment_intent_id, amount_cents,
	currency, status, unlock_duration_minutes, failure_reason, created_at, completed_at, refunded_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *unlockdomain.PaymentRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_records
		   (id, request_id, user_id, app_id, payment_intent_id, amount_cents, currency,
		    status, unlock_duration_minutes, failure_reason, created_at, completed_at, refunded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.RequestID,
		record.UserID,
		record.AppID,
		record.PaymentIntentID,
		record.AmountCents,
		record.Currency,
		record.Status,
		record.UnlockDurationMinutes,
		record.FailureReason,
		record.CreatedAt,
		record.CompletedAt,
		record.RefundedAt,
	).Error
}

func (r *repo) FindByRequestID(ctx context.Context, db *gorm.DB, requestID string) (*unlockdomain.PaymentRecord, error) {
	var row unlockdomain.PaymentRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+selectColumns+` FROM payment_records WHERE request_id = ? LIMIT 1`,
		requestID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) FindByPaymentIntent(ctx context.Context, db *gorm.DB, paymentIntentID string) (*unlockdomain.PaymentRecord, error) {
	var row unlockdomain.PaymentRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+selectColumns+` FROM payment_records WHERE payment_intent_id = ? LIMIT 1`,
		paymentIntentID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID string) ([]unlockdomain.PaymentRecord, error) {
	var rows []unlockdomain.PaymentRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+selectColumns+` FROM payment_records WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, paymentIntentID string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_records
		 SET status = ?, payment_intent_id = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		unlockdomain.PaymentStatusCompleted,
		paymentIntentID,
		at,
		id,
		unlockdomain.PaymentStatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_records
		 SET status = ?, failure_reason = ?
		 WHERE id = ? AND status = ?`,
		unlockdomain.PaymentStatusFailed,
		reason,
		id,
		unlockdomain.PaymentStatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkRefunded(ctx context.Context, db *gorm.DB, paymentIntentID string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_records
		 SET status = ?, refunded_at = ?
		 WHERE payment_intent_id = ? AND status = ?`,
		unlockdomain.PaymentStatusRefunded,
		at,
		paymentIntentID,
		unlockdomain.PaymentStatusCompleted,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
