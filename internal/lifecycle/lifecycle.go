// Package lifecycle holds the pure state transitions of a license key. Every
// function takes the current time explicitly and never touches storage.
package lifecycle

import (
	"time"

	"github.com/qqqwwwyeee-boop/server5/internal/model"
)

// DaysPerMonth is the fixed month length used for all expiry arithmetic.
const DaysPerMonth = 30

// Largest grants a single call may make.
const (
	MaxMonths = 1200
	MaxHours  = 87600
)

// AddMonths moves t forward by whole 30-day months.
func AddMonths(t time.Time, months int) time.Time {
	return t.AddDate(0, 0, DaysPerMonth*months)
}

func HoursDuration(hours int) time.Duration {
	return time.Duration(hours) * time.Hour
}

// NewKey builds a fresh record for Activate. A zero duration yields a
// permanent key.
func NewKey(key string, months int, now time.Time) *model.LicenseKey {
	now = now.UTC()
	expiry := model.Permanent()
	if months > 0 {
		expiry = model.ExpiresAt(AddMonths(now, months))
	}
	return &model.LicenseKey{
		Key:         model.NormalizeKey(key),
		Status:      model.StatusActive,
		ActivatedAt: now,
		Expiry:      expiry,
		Months:      months,
	}
}

// Extend pushes the expiry forward and revives the key. Permanent keys keep
// their expiry but still accumulate months.
func Extend(k *model.LicenseKey, months int) {
	if !k.Expiry.Permanent {
		k.Expiry = model.ExpiresAt(AddMonths(k.Expiry.Time, months))
	}
	k.Months += months
	k.Status = model.StatusActive
	k.ResumeAt = nil
}

// Suspend sets a new resume time; a second suspension replaces the first.
func Suspend(k *model.LicenseKey, hours int, now time.Time) {
	resume := now.UTC().Add(HoursDuration(hours))
	k.Status = model.StatusSuspended
	k.ResumeAt = &resume
}

func Resume(k *model.LicenseKey) {
	k.Status = model.StatusActive
	k.ResumeAt = nil
}

func Deactivate(k *model.LicenseKey) {
	k.Status = model.StatusInactive
	k.ResumeAt = nil
}

// AutoResume lifts an elapsed suspension. It reports whether the record changed.
func AutoResume(k *model.LicenseKey, now time.Time) bool {
	if k.Status != model.StatusSuspended || k.ResumeAt == nil {
		return false
	}
	if now.Before(*k.ResumeAt) {
		return false
	}
	Resume(k)
	return true
}

// IsExpired reports whether a dated key is past its expiry. It is advisory:
// expiry never changes the stored status.
func IsExpired(k *model.LicenseKey, now time.Time) bool {
	if k.Expiry.Permanent {
		return false
	}
	return !now.Before(k.Expiry.Time)
}

// StatsFromCounts folds per-status counts into Stats.
func StatsFromCounts(counts map[model.Status]int64) model.Stats {
	var s model.Stats
	for status, n := range counts {
		s.TotalKeys += n
		switch status {
		case model.StatusActive:
			s.ActiveKeys += n
		case model.StatusSuspended:
			s.SuspendedKeys += n
		}
	}
	s.InactiveKeys = s.TotalKeys - s.ActiveKeys - s.SuspendedKeys
	return s
}

// ComputeStats counts a full record set.
func ComputeStats(keys []*model.LicenseKey) model.Stats {
	counts := make(map[model.Status]int64, 3)
	for _, k := range keys {
		counts[k.Status]++
	}
	return StatsFromCounts(counts)
}
