package service

import (
	"context"
	"time"

	"github.com/smallbiznis/focusgate/internal/blocker/repository"
	policydomain "github.com/smallbiznis/focusgate/internal/policy/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// overrideSource reads live overrides straight from storage so the
// policy engine can consult them without depending on the controller.
type overrideSource struct {
	db   *gorm.DB
	repo repository.Repository
}

type OverrideSourceParams struct {
	fx.In

	DB   *gorm.DB
	Repo repository.Repository
}

func NewOverrideSource(p OverrideSourceParams) policydomain.OverrideSource {
	return &overrideSource{db: p.DB, repo: p.Repo}
}

func (s *overrideSource) ActiveOverrideApps(ctx context.Context, userID string, at time.Time) (map[string]time.Time, error) {
	active, err := s.repo.ActiveOverrides(ctx, s.db, userID, at)
	if err != nil {
		return nil, err
	}
	apps := make(map[string]time.Time, len(active))
	for _, override := range active {
		if current, ok := apps[override.AppID]; !ok || override.ExpiresAt.After(current) {
			apps[override.AppID] = override.ExpiresAt
		}
	}
	return apps, nil
}
