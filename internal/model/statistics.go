package model

import "time"

// StatsRowID is the primary key of the single persisted stats row.
const StatsRowID = 1

// Stats counts keys per status, derived from the full record set.
type Stats struct {
	ID            uint      `json:"-" gorm:"primaryKey"`
	TotalKeys     int64     `json:"total_keys"`
	ActiveKeys    int64     `json:"active_keys"`
	SuspendedKeys int64     `json:"suspended_keys"`
	InactiveKeys  int64     `json:"inactive_keys"`
	UpdatedAt     time.Time `json:"-"`
}

func (Stats) TableName() string { return "license_stats" }

// Consistent reports whether the per-status counts add up to the total.
func (s Stats) Consistent() bool {
	return s.ActiveKeys+s.SuspendedKeys+s.InactiveKeys == s.TotalKeys
}

// Count returns the number of keys in the given status.
func (s Stats) Count(status Status) int64 {
	switch status {
	case StatusActive:
		return s.ActiveKeys
	case StatusSuspended:
		return s.SuspendedKeys
	case StatusInactive:
		return s.InactiveKeys
	}
	return 0
}
