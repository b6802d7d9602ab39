package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	blockerdomain "github.com/smallbiznis/focusgate/internal/blocker/domain"
	"gorm.io/gorm"
)

type Repository interface {
	ListStates(ctx context.Context, db *gorm.DB, userID string) ([]blockerdomain.BlockState, error)
	FindState(ctx context.Context, db *gorm.DB, userID, appID string) (*blockerdomain.BlockState, error)
	InsertState(ctx context.Context, db *gorm.DB, state *blockerdomain.BlockState) error

	// UpdateStateVersioned flips the blocked flag only when the row still
	// carries the version the caller read. False return means a
	// concurrent writer won and the caller must re-read.
	UpdateStateVersioned(ctx context.Context, db *gorm.DB, id snowflake.ID, version int64, blocked bool, updatedAt time.Time) (bool, error)

	InsertOverride(ctx context.Context, db *gorm.DB, override *blockerdomain.Override) error
	ActiveOverrides(ctx context.Context, db *gorm.DB, userID string, at time.Time) ([]blockerdomain.Override, error)
	DueOverrides(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]blockerdomain.Override, error)

	// MarkOverrideExpired claims the one-time expiry handling for an
	// override. False return means another worker already claimed it.
	MarkOverrideExpired(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)

	// SupersedeOverrides ends every live override for (user, app) so a
	// fresh grant is the only active one.
	SupersedeOverrides(ctx context.Context, db *gorm.DB, userID, appID string, at time.Time) error
}

type repo struct{}

func Provide() Repository {
	return &repo{}
}

func (r *repo) ListStates(ctx context.Context, db *gorm.DB, userID string) ([]blockerdomain.BlockState, error) {
	var rows []blockerdomain.BlockState
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, app_id, blocked, version, created_at, updated_at
		 FROM block_states
		 WHERE user_id = ?
		 ORDER BY app_id ASC`,
		userID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) FindState(ctx context.Context, db *gorm.DB, userID, appID string) (*blockerdomain.BlockState, error) {
	var row blockerdomain.BlockState
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, app_id, blocked, version, created_at, updated_at
		 FROM block_states
		 WHERE user_id = ? AND app_id = ?
		 LIMIT 1`,
		userID,
		appID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) InsertState(ctx context.Context, db *gorm.DB, state *blockerdomain.BlockState) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO block_states (id, user_id, app_id, blocked, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		state.ID,
		state.UserID,
		state.AppID,
		state.Blocked,
		state.Version,
		state.CreatedAt,
		state.UpdatedAt,
	).Error
}

func (r *repo) UpdateStateVersioned(ctx context.Context, db *gorm.DB, id snowflake.ID, version int64, blocked bool, updatedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE block_states
		 SET blocked = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		blocked,
		updatedAt,
		id,
		version,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) InsertOverride(ctx context.Context, db *gorm.DB, override *blockerdomain.Override) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO block_overrides (id, user_id, app_id, payment_id, expires_at, expired_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		override.ID,
		override.UserID,
		override.AppID,
		override.PaymentID,
		override.ExpiresAt,
		override.ExpiredAt,
		override.CreatedAt,
	).Error
}

func (r *repo) ActiveOverrides(ctx context.Context, db *gorm.DB, userID string, at time.Time) ([]blockerdomain.Override, error) {
	var rows []blockerdomain.Override
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, app_id, payment_id, expires_at, expired_at, created_at
		 FROM block_overrides
		 WHERE user_id = ? AND expired_at IS NULL AND expires_at > ?
		 ORDER BY expires_at DESC`,
		userID,
		at,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) DueOverrides(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]blockerdomain.Override, error) {
	var rows []blockerdomain.Override
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, app_id, payment_id, expires_at, expired_at, created_at
		 FROM block_overrides
		 WHERE expired_at IS NULL AND expires_at <= ?
		 ORDER BY expires_at ASC
		 LIMIT ?`,
		at,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) MarkOverrideExpired(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE block_overrides
		 SET expired_at = ?
		 WHERE id = ? AND expired_at IS NULL`,
		at,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SupersedeOverrides(ctx context.Context, db *gorm.DB, userID, appID string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE block_overrides
		 SET expired_at = ?
		 WHERE user_id = ? AND app_id = ? AND expired_at IS NULL`,
		at,
		userID,
		appID,
	).Error
}
