package model

import "time"

// Job statuses. At most one Active job may exist per device at any instant.
const (
	JobStatusActive = "active"
	JobStatusEnded  = "ended"
)

// Job represents a work order running on a device.
type Job struct {
	ID              int64      `gorm:"primaryKey;autoIncrement"`
	DeviceID        string     `gorm:"index;size:64;not null"`
	Name            string     `gorm:"size:256"`
	TargetRate      float64    `gorm:"not null"` // counts per second
	PlannedQuantity int64      `gorm:"not null"`
	StartTime       time.Time  `gorm:"index;not null"`
	EndTime         *time.Time `gorm:"index"`
	Status          string     `gorm:"size:16;not null;index"`
	EndReasonCode   *int       // supplied when a job is ended below the completion threshold
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Active reports whether the job is currently running.
func (j *Job) Active() bool {
	return j.Status == JobStatusActive
}

// Covers reports whether ts falls inside the job's [start, end) interval.
// An open-ended job covers everything at or after its start.
func (j *Job) Covers(ts time.Time) bool {
	if ts.Before(j.StartTime) {
		return false
	}
	return j.EndTime == nil || ts.Before(*j.EndTime)
}
