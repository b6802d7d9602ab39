// Package domain contains persistence models for per-app daily usage counters.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// UsageRecord stores the minutes a user spent in one tracked app on one
// device-local calendar day. Rows are unique per (user, app, day), only
// ever accumulate upward and are never deleted.
type UsageRecord struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID    string       `json:"user_id" gorm:"type:text;not null;uniqueIndex:idx_usage_user_app_day,priority:1"`
	AppID     string       `json:"app_id" gorm:"type:text;not null;uniqueIndex:idx_usage_user_app_day,priority:2"`
	Day       string       `json:"day" gorm:"type:text;not null;uniqueIndex:idx_usage_user_app_day,priority:3"` // YYYY-MM-DD, device-local
	Minutes   int          `json:"minutes" gorm:"not null"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time    `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

// DayFormat is the canonical encoding for the Day column.
const DayFormat = "2006-01-02"
