// Package domain contains the durable enforcement state: per-app block
// flags and paid temporary overrides.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// BlockState is the authoritative per-(user, app) block flag. Version
// guards read-modify-write updates; a row is only rewritten when the
// caller saw the current version.
type BlockState struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID    string       `json:"user_id" gorm:"type:text;not null;uniqueIndex:idx_block_user_app,priority:1"`
	AppID     string       `json:"app_id" gorm:"type:text;not null;uniqueIndex:idx_block_user_app,priority:2"`
	Blocked   bool         `json:"blocked" gorm:"not null;default:false"`
	Version   int64        `json:"version" gorm:"not null;default:0"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time    `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (BlockState) TableName() string { return "block_states" }

// Override is a time-bounded exemption from blocking, granted after a
// paid emergency unlock. ExpiredAt marks the one-time expiry handling
// (notification plus re-evaluation); it is distinct from ExpiresAt
// passing, which alone already ends the exemption.
type Override struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID    string       `json:"user_id" gorm:"type:text;not null;index:idx_override_user"`
	AppID     string       `json:"app_id" gorm:"type:text;not null"`
	PaymentID string       `json:"payment_id" gorm:"type:text;not null;default:''"`
	ExpiresAt time.Time    `json:"expires_at" gorm:"not null;index:idx_override_expires"`
	ExpiredAt *time.Time   `json:"expired_at,omitempty"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Override) TableName() string { return "block_overrides" }

// Active reports whether the override still exempts its app at the
// given instant.
func (o Override) Active(at time.Time) bool {
	return o.ExpiredAt == nil && o.ExpiresAt.After(at)
}
