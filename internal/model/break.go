package model

import "time"

// ScheduledBreak is a recurring daily non-production window for a device.
// Time inside a break is excluded from planned production time.
type ScheduledBreak struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	DeviceID    string `gorm:"index;size:64;not null"`
	StartMinute int    `gorm:"not null"` // minutes since midnight, local plant time
	EndMinute   int    `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
