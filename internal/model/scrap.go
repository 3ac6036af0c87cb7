package model

import "time"

// ScrapEntry is a manually recorded scrap quantity, used for quality
// accounting on devices without a dedicated reject counter channel. Entries
// from both sources are additive.
type ScrapEntry struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	DeviceID   string    `gorm:"index;size:64;not null"`
	JobID      *int64    `gorm:"index"`
	Quantity   int64     `gorm:"not null"`
	ReasonCode int       `gorm:"not null"`
	RecordedAt time.Time `gorm:"index;not null"`
	RecordedBy string    `gorm:"size:128"`
	CreatedAt  time.Time
}
