// Package domain contains the emergency-unlock payment ledger and the
// coordinator contract driving charge, record and override grant.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusRefunded  = "refunded"
	PaymentStatusFailed    = "failed"
)

// DefaultUnlockDurationMinutes applies when a request does not name a
// duration.
const DefaultUnlockDurationMinutes = 60

// PaymentRecord is one unlock attempt's ledger row. Status only ever
// moves forward: pending -> completed -> refunded, or pending -> failed.
type PaymentRecord struct {
	ID                    snowflake.ID `json:"id" gorm:"primaryKey"`
	RequestID             string       `json:"request_id" gorm:"type:text;not null;uniqueIndex:idx_payment_request"`
	UserID                string       `json:"user_id" gorm:"type:text;not null;index:idx_payment_user"`
	AppID                 string       `json:"app_id" gorm:"type:text;not null"`
	PaymentIntentID       string       `json:"payment_intent_id" gorm:"type:text;not null;default:''"`
	AmountCents           int          `json:"amount_cents" gorm:"not null"`
	Currency              string       `json:"currency" gorm:"type:text;not null"`
	Status                string       `json:"status" gorm:"type:text;not null"`
	UnlockDurationMinutes int          `json:"unlock_duration_minutes" gorm:"not null"`
	FailureReason         string       `json:"failure_reason,omitempty" gorm:"type:text;not null;default:''"`
	CreatedAt             time.Time    `json:"created_at" gorm:"not null"`
	CompletedAt           *time.Time   `json:"completed_at,omitempty"`
	RefundedAt            *time.Time   `json:"refunded_at,omitempty"`
}

// TableName sets the database table name.
func (PaymentRecord) TableName() string { return "payment_records" }
