package models

import (
	"time"
)

type User struct {
	ID            uint    `gorm:"primaryKey"`
	TelegramID    int64   `gorm:"uniqueIndex;not null"`
	Username      string  `gorm:"size:255"`
	FirstName     string  `gorm:"size:255"`
	Balance       float64 `gorm:"not null;default:0"`
	ReferralCount int     `gorm:"not null;default:0"`
	ReferralCode  string  `gorm:"size:32;uniqueIndex"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
