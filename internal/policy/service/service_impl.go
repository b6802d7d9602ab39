package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/smallbiznis/focusgate/internal/clock"
	"github.com/smallbiznis/focusgate/internal/config"
	limitsdomain "github.com/smallbiznis/focusgate/internal/limits/domain"
	policydomain "github.com/smallbiznis/focusgate/internal/policy/domain"
	usagedomain "github.com/smallbiznis/focusgate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Clock     clock.Clock
	Catalog   *config.CatalogHolder
	Usage     usagedomain.Service
	Limits    limitsdomain.Service
	Overrides policydomain.OverrideSource
}

type Engine struct {
	log       *zap.Logger
	clock     clock.Clock
	catalog   *config.CatalogHolder
	usage     usagedomain.Service
	limits    limitsdomain.Service
	overrides policydomain.OverrideSource
}

func NewEngine(p Params) policydomain.Engine {
	return &Engine{
		log:       p.Log.Named("policy.engine"),
		clock:     p.Clock,
		catalog:   p.Catalog,
		usage:     p.Usage,
		limits:    p.Limits,
		overrides: p.Overrides,
	}
}

func (e *Engine) Evaluate(ctx context.Context, userID, day string) (policydomain.Decision, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return policydomain.Decision{}, policydomain.ErrInvalidUser
	}
	now := e.clock.Now()
	if strings.TrimSpace(day) == "" {
		day = now.Format(usagedomain.DayFormat)
	}

	minutes, err := e.usage.MinutesForDay(ctx, userID, day)
	if err != nil {
		return policydomain.Decision{}, err
	}
	limits, err := e.limits.Get(ctx, userID)
	if err != nil {
		return policydomain.Decision{}, err
	}
	active, err := e.overrides.ActiveOverrideApps(ctx, userID, now)
	if err != nil {
		return policydomain.Decision{}, err
	}

	decision := policydomain.Decision{
		UserID:      userID,
		Day:         day,
		EvaluatedAt: now,
		Reasons:     make(map[string]policydomain.Reason),
	}

	catalog := e.catalog.Get()
	if limits.CombinedLimitEnabled {
		total := 0
		for _, app := range catalog.Apps {
			total += minutes[app.ID]
		}
		decision.CombinedUsed = total
		// The shared budget blocks everything at once or nothing at all.
		if total > limits.CombinedLimitMinutes {
			for _, app := range catalog.Apps {
				e.mark(&decision, app.ID, policydomain.ReasonCombinedLimit, active)
			}
		}
	} else {
		for _, app := range catalog.Apps {
			if minutes[app.ID] > limits.LimitForApp(app.ID) {
				e.mark(&decision, app.ID, policydomain.ReasonPerAppLimit, active)
			}
		}
	}

	sort.Strings(decision.BlockedApps)
	e.log.Debug("evaluated limits",
		zap.String("user_id", userID),
		zap.String("day", day),
		zap.Strings("blocked_apps", decision.BlockedApps),
	)
	return decision, nil
}

// mark puts the app in the block set unless an unexpired override
// exempts it.
func (e *Engine) mark(decision *policydomain.Decision, appID string, reason policydomain.Reason, active map[string]time.Time) {
	if _, exempt := active[appID]; exempt {
		decision.Reasons[appID] = policydomain.ReasonOverride
		return
	}
	decision.BlockedApps = append(decision.BlockedApps, appID)
	decision.Reasons[appID] = reason
}
