package models

import (
	"time"

	"gorm.io/gorm"
)

// UsageState is the lifecycle state of an identity's usage record. It is
// always computed from the counters and the plan limits, never stored.
type UsageState string

const (
	UsageFresh     UsageState = "FRESH"
	UsageActive    UsageState = "ACTIVE"
	UsageExhausted UsageState = "EXHAUSTED"
)

// UsageRecord holds the download counters for a single identity. Exactly one
// record exists per identity; it is created lazily on first use and its
// period fields advance in place on rollover, the record is never deleted.
type UsageRecord struct {
	ID             uint           `gorm:"primarykey" json:"-"`
	Identity       string         `gorm:"uniqueIndex;not null" json:"identity"`
	DailyCount     int            `gorm:"not null;default:0" json:"daily_count"`
	MonthlyCount   int            `gorm:"not null;default:0" json:"monthly_count"`
	TotalCount     int            `gorm:"not null;default:0" json:"total_count"`
	DailyResetAt   time.Time      `gorm:"index" json:"daily_reset_at"`
	MonthlyResetAt time.Time      `gorm:"index" json:"monthly_reset_at"`
	Stale          bool           `gorm:"-" json:"stale"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

func (UsageRecord) TableName() string {
	return "usage_records"
}

// NewUsageRecord returns a zero-count record with period boundaries anchored
// at the current day and month.
func NewUsageRecord(identity string, now time.Time) *UsageRecord {
	return &UsageRecord{
		Identity:       identity,
		DailyResetAt:   StartOfDay(now),
		MonthlyResetAt: StartOfMonth(now),
	}
}

// ApplyRollover zeroes the daily and monthly counters whose stored period has
// elapsed and advances the period boundaries. The total counter never resets
// for the lifetime of the identity.
func (r *UsageRecord) ApplyRollover(now time.Time) {
	if day := StartOfDay(now); day.After(r.DailyResetAt) {
		r.DailyCount = 0
		r.DailyResetAt = day
	}
	if month := StartOfMonth(now); month.After(r.MonthlyResetAt) {
		r.MonthlyCount = 0
		r.MonthlyResetAt = month
	}
}

// RolledOver returns a copy of the record with rollover applied, leaving the
// receiver untouched. Pure reads use this so a check never persists a reset.
func (r *UsageRecord) RolledOver(now time.Time) UsageRecord {
	out := *r
	out.ApplyRollover(now)
	return out
}

// Clone returns an independent copy so store implementations never hand out
// aliased records.
func (r *UsageRecord) Clone() *UsageRecord {
	out := *r
	return &out
}

func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func StartOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
