package model

import "time"

// ReasonCategory is one row of the data-driven stoppage reason matrix. The
// matrix is two lookup tables rather than an enum so plants can reshape it
// without a code change.
type ReasonCategory struct {
	Code      int    `gorm:"primaryKey"`
	Label     string `gorm:"size:128;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time

	// Associations
	Subcodes []ReasonSubcode `gorm:"foreignKey:CategoryCode"`
}

// ReasonSubcode is a second-level reason under a category.
type ReasonSubcode struct {
	CategoryCode int    `gorm:"primaryKey"`
	Code         int    `gorm:"primaryKey"`
	Label        string `gorm:"size:128;not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
