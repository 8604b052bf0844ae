package model

import "time"

// OperationLog is one administrative action against a key.
type OperationLog struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	RequestID string    `json:"request_id" gorm:"size:64;index"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target" gorm:"index"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}
