package repository

import (
	"context"
	"time"

	refunddomain "github.com/smallbiznis/focusgate/internal/refund/domain"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, job *refunddomain.RefundJob) error
	Find(ctx context.Context, db *gorm.DB, id string) (*refunddomain.RefundJob, error)
	FindByPaymentIntent(ctx context.Context, db *gorm.DB, paymentIntentID string) (*refunddomain.RefundJob, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID string) ([]refunddomain.RefundJob, error)

	// Due returns mature unprocessed jobs eligible right now (outside
	// any backoff window, not dead-lettered).
	Due(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]refunddomain.RefundJob, error)

	// MarkProcessed finishes a job exactly once.
	MarkProcessed(ctx context.Context, db *gorm.DB, id, refundID string, at time.Time) (bool, error)

	// RecordFailure bumps the attempt counter and schedules the next try.
	RecordFailure(ctx context.Context, db *gorm.DB, id string, attempts int, nextAttemptAt *time.Time, deadLettered bool, lastError string, at time.Time) error

	// OrphanedPayments finds completed payment records with no refund
	// job, the re-derivation source after a lost enqueue.
	OrphanedPayments(ctx context.Context, db *gorm.DB, limit int) ([]OrphanedPayment, error)
}

// OrphanedPayment is the slice of a payment record the re-derivation
// pass needs.
type OrphanedPayment struct {
	PaymentIntentID string
	UserID          string
	AppID           string
	AmountCents     int
	CompletedAt     time.Time
}

type repo struct{}

func Provide() Repository {
	return &repo{}
}

const selectColumns = `id, payment_intent_id, user_id, app_id, amount_cents, refund_due_at,
	processed, processed_at, refund_id, attempts, next_attempt_at, last_error, last_error_at,
	dead_lettered, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, job *refunddomain.RefundJob) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO refund_jobs
		   (id, payment_intent_id, user_id, app_id, amount_cents, refund_due_at, processed,
		    processed_at, refund_id, attempts, next_attempt_at, last_error, last_error_at,
		    dead_lettered, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.PaymentIntentID,
		job.UserID,
		job.AppID,
		job.AmountCents,
		job.RefundDueAt,
		job.Processed,
		job.ProcessedAt,
		job.RefundID,
		job.Attempts,
		job.NextAttemptAt,
		job.LastError,
		job.LastErrorAt,
		job.DeadLettered,
		job.CreatedAt,
		job.UpdatedAt,
	).Error
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, id string) (*refunddomain.RefundJob, error) {
	var row refunddomain.RefundJob
	err := db.WithContext(ctx).Raw(
		`SELECT `+selectColumns+` FROM refund_jobs WHERE id = ? LIMIT 1`,
		id,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == "" {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) FindByPaymentIntent(ctx context.Context, db *gorm.DB, paymentIntentID string) (*refunddomain.RefundJob, error) {
	var row refunddomain.RefundJob
	err := db.WithContext(ctx).Raw(
		`SELECT `+selectColumns+` FROM refund_jobs WHERE payment_intent_id = ? LIMIT 1`,
		paymentIntentID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == "" {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID string) ([]refunddomain.RefundJob, error) {
	var rows []refunddomain.RefundJob
	err := db.WithContext(ctx).Raw(
		`SELECT `+selectColumns+` FROM refund_jobs WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) Due(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]refunddomain.RefundJob, error) {
	var rows []refunddomain.RefundJob
	err := db.WithContext(ctx).Raw(
		`SELECT `+selectColumns+`
		 FROM refund_jobs
		 WHERE processed = ? AND dead_lettered = ?
		   AND refund_due_at <= ?
		   AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY refund_due_at ASC
		 LIMIT ?`,
		false,
		false,
		at,
		at,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id, refundID string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE refund_jobs
		 SET processed = ?, processed_at = ?, refund_id = ?, updated_at = ?
		 WHERE id = ? AND processed = ?`,
		true,
		at,
		refundID,
		at,
		id,
		false,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) RecordFailure(ctx context.Context, db *gorm.DB, id string, attempts int, nextAttemptAt *time.Time, deadLettered bool, lastError string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE refund_jobs
		 SET attempts = ?, next_attempt_at = ?, dead_lettered = ?, last_error = ?, last_error_at = ?, updated_at = ?
		 WHERE id = ? AND processed = ?`,
		attempts,
		nextAttemptAt,
		deadLettered,
		lastError,
		at,
		at,
		id,
		false,
	).Error
}

func (r *repo) OrphanedPayments(ctx context.Context, db *gorm.DB, limit int) ([]OrphanedPayment, error) {
	var rows []OrphanedPayment
	err := db.WithContext(ctx).Raw(
		`SELECT p.payment_intent_id, p.user_id, p.app_id, p.amount_cents, p.completed_at
		 FROM payment_records p
		 LEFT JOIN refund_jobs j ON j.payment_intent_id = p.payment_intent_id
		 WHERE p.status = ? AND p.payment_intent_id <> '' AND j.id IS NULL
		 ORDER BY p.completed_at ASC
		 LIMIT ?`,
		"completed",
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
