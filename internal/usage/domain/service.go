package domain

import (
	"context"
	"errors"
)

// ReportUsageRequest carries one absolute daily reading from the device
// agent. PermissionGranted=false means the OS usage-access permission is
// missing; the reading is discarded and the day keeps its last value
// (zero when nothing was ever reported).
type ReportUsageRequest struct {
	UserID            string `json:"user_id"`
	AppID             string `json:"app_id"`
	Day               string `json:"day"`
	Minutes           int    `json:"minutes"`
	PermissionGranted bool   `json:"permission_granted"`
}

type RangeRequest struct {
	UserID  string `json:"user_id"`
	FromDay string `json:"from_day"`
	ToDay   string `json:"to_day"`
}

// Stats aggregates usage for the analytics endpoint.
type Stats struct {
	DailyMinutes map[string]map[string]int `json:"daily_minutes"` // day -> app -> minutes
	TotalMinutes map[string]int            `json:"total_minutes"` // app -> minutes
}

type Service interface {
	// Report upserts today's counter for one app. Counters are monotonic:
	// a reading below the stored value is ignored.
	Report(ctx context.Context, req ReportUsageRequest) (*UsageRecord, error)

	// MinutesForDay returns app -> minutes for one user and day. Apps
	// without a row are absent from the map.
	MinutesForDay(ctx context.Context, userID, day string) (map[string]int, error)

	Range(ctx context.Context, req RangeRequest) ([]UsageRecord, error)
	Stats(ctx context.Context, userID string, days int) (Stats, error)

	// ActiveUserIDs lists users with at least one usage row on the given
	// day; the enforcement sweep evaluates exactly these users.
	ActiveUserIDs(ctx context.Context, day string) ([]string, error)
}

var (
	ErrInvalidUser    = errors.New("invalid_user")
	ErrInvalidApp     = errors.New("invalid_app")
	ErrInvalidDay     = errors.New("invalid_day")
	ErrInvalidMinutes = errors.New("invalid_minutes")
	ErrInvalidRange   = errors.New("invalid_range")
)
