package model

import "time"

// Annotation is an immutable audit record of a retrospective job-boundary
// assignment. The most recent non-superseded annotation for a time range is
// authoritative when reconstructing which job owns a span of counts; older
// annotations are retained for audit.
type Annotation struct {
	ID                   int64     `gorm:"primaryKey;autoIncrement"`
	DeviceID             string    `gorm:"index;size:64;not null"`
	OriginalJobID        int64     `gorm:"not null"`
	NewJobID             int64     `gorm:"not null"`
	AdjustedBoundaryTime time.Time `gorm:"not null"`
	Reason               string    `gorm:"size:512;not null"`
	PerformedBy          string    `gorm:"size:128;not null"`
	PerformedAt          time.Time `gorm:"not null"`
	SupersededAnnotationID *int64  `gorm:"index"`
}
