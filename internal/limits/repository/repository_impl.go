package repository

import (
	"context"
	"encoding/json"
	"time"

	limitsdomain "github.com/smallbiznis/focusgate/internal/limits/domain"
	"gorm.io/gorm"
)

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, userID string) (*limitsdomain.LimitConfig, error)
	Upsert(ctx context.Context, db *gorm.DB, config *limitsdomain.LimitConfig) error
}

type repo struct{}

func Provide() Repository {
	return &repo{}
}

type limitRow struct {
	UserID               string
	DailyLimits          []byte
	CombinedLimitEnabled bool
	CombinedLimitMinutes int
	UnlockAmountCents    int
	UnlockCurrency       string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, userID string) (*limitsdomain.LimitConfig, error) {
	var row limitRow
	err := db.WithContext(ctx).Raw(
		`SELECT user_id, daily_limits, combined_limit_enabled, combined_limit_minutes,
		        unlock_amount_cents, unlock_currency, created_at, updated_at
		 FROM limit_configs
		 WHERE user_id = ?
		 LIMIT 1`,
		userID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.UserID == "" {
		return nil, nil
	}

	config := &limitsdomain.LimitConfig{
		UserID:               row.UserID,
		CombinedLimitEnabled: row.CombinedLimitEnabled,
		CombinedLimitMinutes: row.CombinedLimitMinutes,
		UnlockAmountCents:    row.UnlockAmountCents,
		UnlockCurrency:       row.UnlockCurrency,
		CreatedAt:            row.CreatedAt,
		UpdatedAt:            row.UpdatedAt,
	}
	if len(row.DailyLimits) > 0 {
		if err := json.Unmarshal(row.DailyLimits, &config.DailyLimits); err != nil {
			return nil, err
		}
	}
	return config, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, config *limitsdomain.LimitConfig) error {
	limits, err := json.Marshal(config.DailyLimits)
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO limit_configs
		   (user_id, daily_limits, combined_limit_enabled, combined_limit_minutes,
		    unlock_amount_cents, unlock_currency, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   daily_limits = excluded.daily_limits,
		   combined_limit_enabled = excluded.combined_limit_enabled,
		   combined_limit_minutes = excluded.combined_limit_minutes,
		   unlock_amount_cents = excluded.unlock_amount_cents,
		   unlock_currency = excluded.unlock_currency,
		   updated_at = excluded.updated_at`,
		config.UserID,
		string(limits),
		config.CombinedLimitEnabled,
		config.CombinedLimitMinutes,
		config.UnlockAmountCents,
		config.UnlockCurrency,
		config.CreatedAt,
		config.UpdatedAt,
	).Error
}
