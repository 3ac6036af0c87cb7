package model

import "time"

// Stoppage classifications attached after the fact by operators, plus the
// automatic changeover classification applied when a job is selected but not
// yet producing.
const (
	StoppageUnclassified = "unclassified"
	StoppageClassified   = "classified"
	StoppageChangeover   = "changeover"
	StoppageAutoClosed   = "auto_closed" // shorter than the short-stoppage threshold
)

// StoppageEvent records a contiguous period of zero production rate on a
// device. Rows are opened automatically by the detector and mutated only to
// close the end time or to attach a classification; they are never deleted.
type StoppageEvent struct {
	ID               int64      `gorm:"primaryKey;autoIncrement"`
	DeviceID         string     `gorm:"index;size:64;not null"`
	JobID            *int64     `gorm:"index"`
	StartTime        time.Time  `gorm:"index;not null"`
	EndTime          *time.Time `gorm:"index"`
	Classification   string     `gorm:"size:16;not null"`
	CategoryCode     *int
	Subcode          *int
	OperatorComments string `gorm:"size:1024"`
	ClassifiedBy     string `gorm:"size:128"`
	ClassifiedAt     *time.Time
	AutoDetected     bool `gorm:"not null"`
	Alerted          bool `gorm:"not null"` // long-stoppage alert already sent
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Ongoing reports whether the stoppage is still open.
func (s *StoppageEvent) Ongoing() bool {
	return s.EndTime == nil
}

// DurationAt returns the stoppage duration as of now, using the end time for
// closed stoppages.
func (s *StoppageEvent) DurationAt(now time.Time) time.Duration {
	end := now
	if s.EndTime != nil {
		end = *s.EndTime
	}
	return end.Sub(s.StartTime)
}

// StoppageAnnotation is an append-only correction to a classified stoppage.
// The original event's classification fields stay as first written; the most
// recent annotation wins at read time.
type StoppageAnnotation struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	StoppageID   int64  `gorm:"index;not null"`
	CategoryCode int    `gorm:"not null"`
	Subcode      int    `gorm:"not null"`
	Comments     string `gorm:"size:1024"`
	PerformedBy  string `gorm:"size:128;not null"`
	PerformedAt  time.Time `gorm:"not null"`
}
