package postgres

import (
	"time"
)

// RateResourceModel maps to the "rate_resources" table. One row per limited
// resource; admission locks it with SELECT ... FOR UPDATE so concurrent
// checks for the same resource queue behind each other.
type RateResourceModel struct {
	ResourceID string `gorm:"primaryKey;size:191"`
	CreatedAt  time.Time
}

func (RateResourceModel) TableName() string { return "rate_resources" }

// RateEventModel maps to the "rate_events" table.
// Append-only; rows older than the window are deleted on each check.
type RateEventModel struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	ResourceID string    `gorm:"not null;size:191;index:idx_rate_events_resource_at,priority:1"`
	At         time.Time `gorm:"column:admitted_at;not null;index:idx_rate_events_resource_at,priority:2"`
}

func (RateEventModel) TableName() string { return "rate_events" }

// ResultCacheModel maps to the "result_cache" table.
type ResultCacheModel struct {
	Key       string    `gorm:"column:cache_key;primaryKey;size:64"`
	Target    string    `gorm:"type:text;not null"`
	Platform  string    `gorm:"not null;index"`
	Value     string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

func (ResultCacheModel) TableName() string { return "result_cache" }

// Models lists every table in migration order. Shared with the SQLite backend.
func Models() []any {
	return []any{
		&RateResourceModel{},
		&RateEventModel{},
		&ResultCacheModel{},
	}
}
