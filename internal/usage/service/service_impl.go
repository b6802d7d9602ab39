package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/focusgate/internal/cache"
	"github.com/smallbiznis/focusgate/internal/clock"
	usagedomain "github.com/smallbiznis/focusgate/internal/usage/domain"
	"github.com/smallbiznis/focusgate/internal/usage/repository"
	"github.com/smallbiznis/focusgate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  repository.Repository
	Cache *cache.UsageCache `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  repository.Repository
	cache *cache.UsageCache
}

func NewService(p Params) usagedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usage.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		cache: p.Cache,
	}
}

func (s *Service) Report(ctx context.Context, req usagedomain.ReportUsageRequest) (*usagedomain.UsageRecord, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, usagedomain.ErrInvalidUser
	}
	req.AppID = strings.TrimSpace(req.AppID)
	if req.AppID == "" {
		return nil, usagedomain.ErrInvalidApp
	}
	if req.Minutes < 0 {
		return nil, usagedomain.ErrInvalidMinutes
	}
	day, err := s.normalizeDay(req.Day)
	if err != nil {
		return nil, err
	}

	// Missing usage-access permission means the agent has no real reading.
	// The stored counter keeps its last value; it never resets to zero.
	if !req.PermissionGranted {
		existing, err := s.repo.FindForDay(ctx, s.db, req.UserID, req.AppID, day)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
		return &usagedomain.UsageRecord{UserID: req.UserID, AppID: req.AppID, Day: day}, nil
	}

	record, err := s.upsert(ctx, req.UserID, req.AppID, day, req.Minutes)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, req.UserID, day)
	return record, nil
}

func (s *Service) upsert(ctx context.Context, userID, appID, day string, minutes int) (*usagedomain.UsageRecord, error) {
	now := s.clock.Now()

	existing, err := s.repo.FindForDay(ctx, s.db, userID, appID, day)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		record := &usagedomain.UsageRecord{
			ID:        s.genID.Generate(),
			UserID:    userID,
			AppID:     appID,
			Day:       day,
			Minutes:   minutes,
			CreatedAt: now,
			UpdatedAt: now,
		}
		insertErr := s.repo.Insert(ctx, s.db, record)
		if insertErr == nil {
			return record, nil
		}
		if !db.IsDuplicateKeyErr(insertErr) {
			return nil, insertErr
		}
		// Lost the insert race; fall through to the accumulate path.
		existing, err = s.repo.FindForDay(ctx, s.db, userID, appID, day)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, insertErr
		}
	}

	if minutes > existing.Minutes {
		raised, err := s.repo.RaiseMinutes(ctx, s.db, existing.ID, minutes, now)
		if err != nil {
			return nil, err
		}
		if raised {
			existing.Minutes = minutes
			existing.UpdatedAt = now
		}
	}
	return existing, nil
}

func (s *Service) MinutesForDay(ctx context.Context, userID, day string) (map[string]int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, usagedomain.ErrInvalidUser
	}
	day, err := s.normalizeDay(day)
	if err != nil {
		return nil, err
	}

	if cached, ok := s.cache.Get(ctx, userID, day); ok {
		return cached, nil
	}

	rows, err := s.repo.ListForDay(ctx, s.db, userID, day)
	if err != nil {
		return nil, err
	}
	minutes := make(map[string]int, len(rows))
	for _, row := range rows {
		minutes[row.AppID] = row.Minutes
	}
	s.cache.Set(ctx, userID, day, minutes)
	return minutes, nil
}

func (s *Service) Range(ctx context.Context, req usagedomain.RangeRequest) ([]usagedomain.UsageRecord, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, usagedomain.ErrInvalidUser
	}
	from, err := s.normalizeDay(req.FromDay)
	if err != nil {
		return nil, err
	}
	to, err := s.normalizeDay(req.ToDay)
	if err != nil {
		return nil, err
	}
	if from > to {
		return nil, usagedomain.ErrInvalidRange
	}
	return s.repo.ListRange(ctx, s.db, req.UserID, from, to)
}

func (s *Service) Stats(ctx context.Context, userID string, days int) (usagedomain.Stats, error) {
	if days <= 0 {
		days = 7
	}
	now := s.clock.Now()
	rows, err := s.Range(ctx, usagedomain.RangeRequest{
		UserID:  userID,
		FromDay: now.AddDate(0, 0, -(days - 1)).Format(usagedomain.DayFormat),
		ToDay:   now.Format(usagedomain.DayFormat),
	})
	if err != nil {
		return usagedomain.Stats{}, err
	}

	stats := usagedomain.Stats{
		DailyMinutes: make(map[string]map[string]int),
		TotalMinutes: make(map[string]int),
	}
	for _, row := range rows {
		daily := stats.DailyMinutes[row.Day]
		if daily == nil {
			daily = make(map[string]int)
			stats.DailyMinutes[row.Day] = daily
		}
		daily[row.AppID] = row.Minutes
		stats.TotalMinutes[row.AppID] += row.Minutes
	}
	return stats, nil
}

func (s *Service) ActiveUserIDs(ctx context.Context, day string) ([]string, error) {
	day, err := s.normalizeDay(day)
	if err != nil {
		return nil, err
	}
	return s.repo.DistinctUsers(ctx, s.db, day)
}

// normalizeDay validates the agent-supplied device-local day, defaulting
// to the server's current day when the field is empty.
func (s *Service) normalizeDay(day string) (string, error) {
	day = strings.TrimSpace(day)
	if day == "" {
		return s.clock.Now().Format(usagedomain.DayFormat), nil
	}
	if _, err := time.Parse(usagedomain.DayFormat, day); err != nil {
		return "", usagedomain.ErrInvalidDay
	}
	return day, nil
}
