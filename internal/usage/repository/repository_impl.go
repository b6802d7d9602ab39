package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/focusgate/internal/usage/domain"
	"gorm.io/gorm"
)

type Repository interface {
	FindForDay(ctx context.Context, db *gorm.DB, userID, appID, day string) (*usagedomain.UsageRecord, error)
	Insert(ctx context.Context, db *gorm.DB, record *usagedomain.UsageRecord) error
	RaiseMinutes(ctx context.Context, db *gorm.DB, id snowflake.ID, minutes int, updatedAt time.Time) (bool, error)
	ListForDay(ctx context.Context, db *gorm.DB, userID, day string) ([]usagedomain.UsageRecord, error)
	ListRange(ctx context.Context, db *gorm.DB, userID, fromDay, toDay string) ([]usagedomain.UsageRecord, error)
	DistinctUsers(ctx context.Context, db *gorm.DB, day string) ([]string, error)
}

type repo struct{}

func Provide() Repository {
	return &repo{}
}

func (r *repo) FindForDay(ctx context.Context, db *gorm.DB, userID, appID, day string) (*usagedomain.UsageRecord, error) {
	var item usagedomain.UsageRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, app_id, day, minutes, created_at, updated_at
		 FROM usage_records
		 WHERE user_id = ? AND app_id = ? AND day = ?
		 LIMIT 1`,
		userID,
		appID,
		day,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *usagedomain.UsageRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO usage_records (id, user_id, app_id, day, minutes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.UserID,
		record.AppID,
		record.Day,
		record.Minutes,
		record.CreatedAt,
		record.UpdatedAt,
	).Error
}

// RaiseMinutes bumps the counter only when the new reading is higher,
// keeping the column monotonic under concurrent reports.
func (r *repo) RaiseMinutes(ctx context.Context, db *gorm.DB, id snowflake.ID, minutes int, updatedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE usage_records
		 SET minutes = ?, updated_at = ?
		 WHERE id = ? AND minutes < ?`,
		minutes,
		updatedAt,
		id,
		minutes,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListForDay(ctx context.Context, db *gorm.DB, userID, day string) ([]usagedomain.UsageRecord, error) {
	var rows []usagedomain.UsageRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, app_id, day, minutes, created_at, updated_at
		 FROM usage_records
		 WHERE user_id = ? AND day = ?
		 ORDER BY app_id ASC`,
		userID,
		day,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListRange(ctx context.Context, db *gorm.DB, userID, fromDay, toDay string) ([]usagedomain.UsageRecord, error) {
	var rows []usagedomain.UsageRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, app_id, day, minutes, created_at, updated_at
		 FROM usage_records
		 WHERE user_id = ? AND day >= ? AND day <= ?
		 ORDER BY day ASC, app_id ASC`,
		userID,
		fromDay,
		toDay,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) DistinctUsers(ctx context.Context, db *gorm.DB, day string) ([]string, error) {
	var users []string
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT user_id
		 FROM usage_records
		 WHERE day = ?
		 ORDER BY user_id ASC`,
		day,
	).Scan(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}
