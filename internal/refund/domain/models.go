// Package domain contains the durable refund job queue. Every completed
// unlock payment owes the user 90% back after a 7-day maturity delay;
// jobs carry that obligation across process restarts.
package domain

import (
	"context"
	"errors"
	"time"
)

// MaturityDelay is how long after the charge a refund becomes due.
const MaturityDelay = 7 * 24 * time.Hour

// RefundBasisPoints is the refunded share of the original amount; the
// remaining 10% is the retained operator fee.
const RefundBasisPoints = 9000

// Retry policy for failed refund executions: exponential backoff from
// BackoffBase capped at BackoffCap, dead-letter after MaxAttempts.
const (
	BackoffBase = time.Hour
	BackoffCap  = 24 * time.Hour
	MaxAttempts = 10
)

// RefundJob is one owed refund. The id is derived from the payment
// intent ("refund-<paymentIntentID>") so enqueueing the same charge
// twice collapses into one job. Jobs are never deleted; processed rows
// stay as the audit trail.
type RefundJob struct {
	ID              string     `json:"id" gorm:"primaryKey;type:text"`
	PaymentIntentID string     `json:"payment_intent_id" gorm:"type:text;not null;uniqueIndex:idx_refund_intent"`
	UserID          string     `json:"user_id" gorm:"type:text;not null"`
	AppID           string     `json:"app_id" gorm:"type:text;not null"`
	AmountCents     int        `json:"amount_cents" gorm:"not null"`
	RefundDueAt     time.Time  `json:"refund_due_at" gorm:"not null;index:idx_refund_due"`
	Processed       bool       `json:"processed" gorm:"not null;default:false"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	RefundID        string     `json:"refund_id" gorm:"type:text;not null;default:''"`
	Attempts        int        `json:"attempts" gorm:"not null;default:0"`
	NextAttemptAt   *time.Time `json:"next_attempt_at,omitempty"`
	LastError       string     `json:"last_error" gorm:"type:text;not null;default:''"`
	LastErrorAt     *time.Time `json:"last_error_at,omitempty"`
	DeadLettered    bool       `json:"dead_lettered" gorm:"not null;default:false"`
	CreatedAt       time.Time  `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time  `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (RefundJob) TableName() string { return "refund_jobs" }

// JobID derives the canonical job id for a payment intent.
func JobID(paymentIntentID string) string {
	return "refund-" + paymentIntentID
}

// RefundAmountCents computes the owed refund: exactly 90% of the
// original amount, rounded down to the cent so the retained fee is
// never under-collected.
func RefundAmountCents(originalCents int) int {
	if originalCents <= 0 {
		return 0
	}
	return originalCents * RefundBasisPoints / 10000
}

// EnqueueRequest registers the refund obligation for one completed
// charge. ChargedAt anchors the maturity delay.
type EnqueueRequest struct {
	PaymentIntentID string    `json:"payment_intent_id"`
	UserID          string    `json:"user_id"`
	AppID           string    `json:"app_id"`
	AmountCents     int       `json:"amount_cents"`
	ChargedAt       time.Time `json:"charged_at"`
}

// ProcessResult summarizes one queue tick.
type ProcessResult struct {
	Examined     int `json:"examined"`
	Refunded     int `json:"refunded"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
}

type Service interface {
	// Enqueue is idempotent per payment intent: a duplicate enqueue
	// returns the existing job unchanged.
	Enqueue(ctx context.Context, req EnqueueRequest) (*RefundJob, error)

	// ProcessDue executes every mature, unprocessed, non-dead-lettered
	// job whose backoff window has passed. At-most-once execution per
	// job is guaranteed through the provider idempotency key (the job
	// id), so a crash between refund and persistence cannot pay twice.
	ProcessDue(ctx context.Context, batchSize int) (ProcessResult, error)

	// Rederive recreates jobs for completed payments that have none,
	// covering an enqueue lost after the charge succeeded.
	Rederive(ctx context.Context, batchSize int) (int, error)

	// Jobs lists a user's refund jobs, newest first.
	Jobs(ctx context.Context, userID string) ([]RefundJob, error)
}

var (
	ErrInvalidIntent = errors.New("invalid_payment_intent")
	ErrInvalidAmount = errors.New("invalid_amount")
)
