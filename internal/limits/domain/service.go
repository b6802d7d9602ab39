package domain

import (
	"context"
	"errors"
	"sort"
)

// EffectiveLimits is a LimitConfig resolved against the tracked-app
// catalog: every tracked app has a concrete minute budget and the
// combined budget is never zero while enabled.
type EffectiveLimits struct {
	UserID               string         `json:"user_id"`
	DailyLimits          map[string]int `json:"daily_limits"`
	CombinedLimitEnabled bool           `json:"combined_limit_enabled"`
	CombinedLimitMinutes int            `json:"combined_limit_minutes"`
	UnlockAmountCents    int            `json:"unlock_amount_cents"`
	UnlockCurrency       string         `json:"unlock_currency"`
}

// LimitForApp returns the budget for one app id.
func (e EffectiveLimits) LimitForApp(appID string) int {
	if minutes, ok := e.DailyLimits[appID]; ok {
		return minutes
	}
	return DefaultDailyMinutes
}

// FallbackCombinedMinutes derives a combined budget from per-app limits
// for configs written before the combined budget became an explicit
// field: the entry of the lexicographically first app wins, so the
// result is stable across reads.
func FallbackCombinedMinutes(dailyLimits map[string]int) int {
	if len(dailyLimits) == 0 {
		return DefaultDailyMinutes
	}
	apps := make([]string, 0, len(dailyLimits))
	for app := range dailyLimits {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	return dailyLimits[apps[0]]
}

type UpdateRequest struct {
	UserID               string         `json:"-"`
	DailyLimits          map[string]int `json:"daily_limits"`
	CombinedLimitEnabled bool           `json:"combined_limit_enabled"`
	CombinedLimitMinutes int            `json:"combined_limit_minutes"`
	UnlockAmountCents    int            `json:"unlock_amount_cents"`
	UnlockCurrency       string         `json:"unlock_currency"`
}

type Service interface {
	// Get resolves the stored config (or pure defaults when none exists)
	// into effective limits.
	Get(ctx context.Context, userID string) (EffectiveLimits, error)

	// Update replaces the user's config wholesale.
	Update(ctx context.Context, req UpdateRequest) (EffectiveLimits, error)
}

var (
	ErrInvalidUser   = errors.New("invalid_user")
	ErrUnknownApp    = errors.New("unknown_app")
	ErrInvalidLimit  = errors.New("invalid_limit")
	ErrInvalidAmount = errors.New("invalid_amount")
)
