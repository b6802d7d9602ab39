package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/focusgate/internal/clock"
	"github.com/smallbiznis/focusgate/internal/config"
	limitsdomain "github.com/smallbiznis/focusgate/internal/limits/domain"
	"github.com/smallbiznis/focusgate/internal/limits/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Catalog *config.CatalogHolder
	Repo    repository.Repository
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	catalog *config.CatalogHolder
	repo    repository.Repository
}

func NewService(p Params) limitsdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("limits.service"),
		clock:   p.Clock,
		catalog: p.Catalog,
		repo:    p.Repo,
	}
}

func (s *Service) Get(ctx context.Context, userID string) (limitsdomain.EffectiveLimits, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return limitsdomain.EffectiveLimits{}, limitsdomain.ErrInvalidUser
	}

	stored, err := s.repo.Find(ctx, s.db, userID)
	if err != nil {
		return limitsdomain.EffectiveLimits{}, err
	}
	return s.resolve(userID, stored), nil
}

func (s *Service) Update(ctx context.Context, req limitsdomain.UpdateRequest) (limitsdomain.EffectiveLimits, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return limitsdomain.EffectiveLimits{}, limitsdomain.ErrInvalidUser
	}
	catalog := s.catalog.Get()
	for appID, minutes := range req.DailyLimits {
		if _, ok := catalog.App(appID); !ok {
			s.log.Warn("rejecting limit for untracked app",
				zap.String("user_id", req.UserID),
				zap.String("app_id", appID),
			)
			return limitsdomain.EffectiveLimits{}, limitsdomain.ErrUnknownApp
		}
		if minutes < 0 {
			return limitsdomain.EffectiveLimits{}, limitsdomain.ErrInvalidLimit
		}
	}
	if req.CombinedLimitMinutes < 0 {
		return limitsdomain.EffectiveLimits{}, limitsdomain.ErrInvalidLimit
	}
	if req.UnlockAmountCents < 0 {
		return limitsdomain.EffectiveLimits{}, limitsdomain.ErrInvalidAmount
	}

	now := s.clock.Now()
	entity := &limitsdomain.LimitConfig{
		UserID:               req.UserID,
		DailyLimits:          toJSONMap(req.DailyLimits),
		CombinedLimitEnabled: req.CombinedLimitEnabled,
		CombinedLimitMinutes: req.CombinedLimitMinutes,
		UnlockAmountCents:    req.UnlockAmountCents,
		UnlockCurrency:       strings.ToLower(strings.TrimSpace(req.UnlockCurrency)),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.repo.Upsert(ctx, s.db, entity); err != nil {
		return limitsdomain.EffectiveLimits{}, err
	}

	s.log.Info("limit config updated",
		zap.String("user_id", req.UserID),
		zap.Bool("combined", req.CombinedLimitEnabled),
		zap.Int("apps", len(req.DailyLimits)),
	)
	return s.resolve(req.UserID, entity), nil
}

// resolve fills defaults so callers never see a partial config.
func (s *Service) resolve(userID string, stored *limitsdomain.LimitConfig) limitsdomain.EffectiveLimits {
	effective := limitsdomain.EffectiveLimits{
		UserID:            userID,
		DailyLimits:       make(map[string]int),
		UnlockAmountCents: limitsdomain.DefaultUnlockAmountCents,
		UnlockCurrency:    limitsdomain.DefaultUnlockCurrency,
	}

	catalog := s.catalog.Get()
	defaultMinutes := catalog.DefaultDailyMinutes
	if defaultMinutes <= 0 {
		defaultMinutes = limitsdomain.DefaultDailyMinutes
	}
	for _, app := range catalog.Apps {
		effective.DailyLimits[app.ID] = defaultMinutes
	}

	if stored == nil {
		return effective
	}

	for appID, minutes := range fromJSONMap(stored.DailyLimits) {
		effective.DailyLimits[appID] = minutes
	}
	effective.CombinedLimitEnabled = stored.CombinedLimitEnabled
	effective.CombinedLimitMinutes = stored.CombinedLimitMinutes
	if effective.CombinedLimitEnabled && effective.CombinedLimitMinutes <= 0 {
		// Configs written before the combined budget existed as a column.
		effective.CombinedLimitMinutes = limitsdomain.FallbackCombinedMinutes(fromJSONMap(stored.DailyLimits))
	}
	if stored.UnlockAmountCents > 0 {
		effective.UnlockAmountCents = stored.UnlockAmountCents
	}
	if stored.UnlockCurrency != "" {
		effective.UnlockCurrency = stored.UnlockCurrency
	}
	return effective
}

func toJSONMap(limits map[string]int) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for appID, minutes := range limits {
		out[appID] = minutes
	}
	return out
}

func fromJSONMap(limits datatypes.JSONMap) map[string]int {
	out := make(map[string]int, len(limits))
	for appID, raw := range limits {
		switch v := raw.(type) {
		case float64:
			out[appID] = int(v)
		case int:
			out[appID] = v
		case int64:
			out[appID] = int(v)
		}
	}
	return out
}
