// Package domain defines the limit-evaluation contract. Evaluation is a
// pure function of usage counters, limit config, the tracked-app catalog
// and the set of active overrides; it never mutates state itself.
package domain

import (
	"context"
	"errors"
	"time"
)

// Reason explains why an app landed in (or stayed out of) the block set.
type Reason string

const (
	ReasonPerAppLimit   Reason = "per_app_limit"
	ReasonCombinedLimit Reason = "combined_limit"
	ReasonOverride      Reason = "override_active"
)

// Decision is the desired enforcement outcome for one user and day.
// BlockedApps is sorted by app id so two evaluations of the same inputs
// compare equal.
type Decision struct {
	UserID       string            `json:"user_id"`
	Day          string            `json:"day"`
	EvaluatedAt  time.Time         `json:"evaluated_at"`
	BlockedApps  []string          `json:"blocked_apps"`
	Reasons      map[string]Reason `json:"reasons"`
	CombinedUsed int               `json:"combined_used,omitempty"`
}

// Blocked reports whether the decision wants the given app blocked.
func (d Decision) Blocked(appID string) bool {
	for _, blocked := range d.BlockedApps {
		if blocked == appID {
			return true
		}
	}
	return false
}

// OverrideSource exposes the apps currently exempt from blocking. The
// block controller owns override storage; evaluation only reads it.
type OverrideSource interface {
	ActiveOverrideApps(ctx context.Context, userID string, at time.Time) (map[string]time.Time, error)
}

type Engine interface {
	// Evaluate computes the desired block set for one user on one day.
	Evaluate(ctx context.Context, userID, day string) (Decision, error)
}

var ErrInvalidUser = errors.New("invalid_user")
