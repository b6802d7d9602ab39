package domain

import (
	"context"
	"errors"

	policydomain "github.com/smallbiznis/focusgate/internal/policy/domain"
)

// Native is the device-side blocking mechanism. Commands address apps by
// platform package identifier, not by app id.
type Native interface {
	Block(ctx context.Context, userID string, packageIDs []string) error
	Unblock(ctx context.Context, userID string, packageID string) error
	CurrentlyBlocked(ctx context.Context, userID string) ([]string, error)
	HasOverlayPermission(ctx context.Context, userID string) (bool, error)
}

// ApplyResult summarizes one enforcement pass.
type ApplyResult struct {
	UserID         string   `json:"user_id"`
	NewlyBlocked   []string `json:"newly_blocked"`
	NewlyUnblocked []string `json:"newly_unblocked"`
	NativeErrors   int      `json:"native_errors"`
}

type GrantOverrideRequest struct {
	UserID          string `json:"user_id"`
	AppID           string `json:"app_id"`
	DurationMinutes int    `json:"duration_minutes"`
	PaymentID       string `json:"payment_id"`
}

type Controller interface {
	// ApplyDecision converges durable state and the native mechanism to
	// the decision. Transitions notify exactly once; re-applying the same
	// decision is a no-op. A pass already in flight for the user drops
	// the new one.
	ApplyDecision(ctx context.Context, decision policydomain.Decision) (ApplyResult, error)

	// GrantTemporaryOverride exempts the app unconditionally until
	// now+duration, replacing any earlier override for the same app.
	GrantTemporaryOverride(ctx context.Context, req GrantOverrideRequest) (*Override, error)

	// IsBlocked is the effective view: blocked flag set and no live
	// override.
	IsBlocked(ctx context.Context, userID, appID string) (bool, error)

	// BlockedApps lists apps the effective view currently blocks.
	BlockedApps(ctx context.Context, userID string) ([]string, error)

	// ExpireDueOverrides handles overrides whose ExpiresAt has passed and
	// that were never expiry-handled: fires the access-expired
	// notification once and re-evaluates the user. The durable sweep
	// backs up in-process expiry timers across restarts.
	ExpireDueOverrides(ctx context.Context, batchSize int) (int, error)
}

var (
	ErrInvalidUser        = errors.New("invalid_user")
	ErrUnknownApp         = errors.New("unknown_app")
	ErrInvalidDuration    = errors.New("invalid_duration")
	ErrEvaluationInFlight = errors.New("evaluation_in_flight")
)
