// Package domain contains the per-user limit configuration model.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// DefaultDailyMinutes applies to every tracked app without an explicit
// per-app entry.
const DefaultDailyMinutes = 120

// DefaultUnlockAmountCents is the price of one emergency unlock when no
// user-specific amount is configured.
const DefaultUnlockAmountCents = 300

// DefaultUnlockCurrency is the ISO currency code charged for unlocks.
const DefaultUnlockCurrency = "usd"

// LimitConfig holds one user's daily budgets. DailyLimits maps app id to
// minutes; apps absent from the map fall back to DefaultDailyMinutes.
// When CombinedLimitEnabled is set, a single shared budget of
// CombinedLimitMinutes covers the summed usage of every tracked app.
type LimitConfig struct {
	UserID               string            `json:"user_id" gorm:"primaryKey;type:text"`
	DailyLimits          datatypes.JSONMap `json:"daily_limits" gorm:"type:jsonb;not null;default:'{}'"`
	CombinedLimitEnabled bool              `json:"combined_limit_enabled" gorm:"not null;default:false"`
	CombinedLimitMinutes int               `json:"combined_limit_minutes" gorm:"not null;default:0"`
	UnlockAmountCents    int               `json:"unlock_amount_cents" gorm:"not null;default:0"`
	UnlockCurrency       string            `json:"unlock_currency" gorm:"type:text;not null;default:''"`
	CreatedAt            time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt            time.Time         `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (LimitConfig) TableName() string { return "limit_configs" }
