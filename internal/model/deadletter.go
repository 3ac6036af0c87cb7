package model

import "time"

// DeadLetterEntry is a durable record of a reading batch that could not be
// delivered to the time-series backend. Entries are retried in creation order
// and deleted only after a confirmed write; past the attempt cap they are
// retained for operator intervention, never dropped.
type DeadLetterEntry struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	BatchID      string    `gorm:"uniqueIndex;size:64;not null"`
	Payload      []byte    `gorm:"not null"` // JSON-encoded reading batch
	AttemptCount int       `gorm:"not null"`
	NextRetryAt  time.Time `gorm:"index;not null"`
	Terminal     bool      `gorm:"not null;index"` // attempt cap exceeded, awaiting operator
	LastError    string    `gorm:"size:1024"`
	CreatedAt    time.Time `gorm:"index;not null"`
	UpdatedAt    time.Time
}
