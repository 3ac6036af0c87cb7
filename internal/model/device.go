package model

import "time"

// Device represents a monitored piece of production equipment.
type Device struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:256;not null"`
	Location  string `gorm:"size:128"`
	CreatedAt time.Time
	UpdatedAt time.Time

	// Associations
	Channels []Channel `gorm:"foreignKey:DeviceID"`
}

// Channel represents a single counter channel on a device.
type Channel struct {
	ID              int64  `gorm:"primaryKey;autoIncrement"`
	DeviceID        string `gorm:"index:idx_channel_device,unique;size:64;not null"`
	Channel         int    `gorm:"index:idx_channel_device,unique;not null"`
	Role            string `gorm:"size:16;not null"` // "count" or "reject"
	BitWidth        int    `gorm:"not null"`
	WindowSeconds   int    `gorm:"not null"`
	ImplausibleJump uint64 `gorm:"not null"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
