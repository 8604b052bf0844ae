package model

import "time"

// CheckLog records one validation call made by protected software.
type CheckLog struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	LicenseKey string    `json:"license_key" gorm:"index"`
	Result     string    `json:"result"` // active, suspended, inactive, blocked, not_found
	DeviceID   string    `json:"device_id"`
	IPAddress  string    `json:"ip_address"`
	UserAgent  string    `json:"user_agent"`
	Timestamp  time.Time `json:"timestamp" gorm:"index"`
}

const (
	CheckResultBlocked  = "blocked"
	CheckResultNotFound = "not_found"
)
