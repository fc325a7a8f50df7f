package models

import (
	"time"
)

// QuotaLedger holds one user's usage counters for one monthly period.
// A new period always starts with a new row, so counters never reset mid-period.
type QuotaLedger struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	UserID         uint      `gorm:"not null;uniqueIndex:ux_quota_ledgers_user_period,priority:1" json:"user_id"`
	Period         string    `gorm:"type:char(7);not null;uniqueIndex:ux_quota_ledgers_user_period,priority:2" json:"period"`
	EventsUsed     int       `gorm:"not null;default:0" json:"events_used"`
	CategoriesUsed int       `gorm:"not null;default:0" json:"categories_used"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	User *User `gorm:"foreignKey:UserID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// PeriodOf returns the ledger period identifier (YYYY-MM, UTC) containing t.
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// PeriodStart returns the first instant of the period containing t.
func PeriodStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PeriodResetAt returns the first instant of the period after the one containing t.
func PeriodResetAt(t time.Time) time.Time {
	return PeriodStart(t).AddDate(0, 1, 0)
}
