package models

import (
	"time"
)

const (
	WithdrawalPending    = "pending"
	WithdrawalProcessing = "processing"
	WithdrawalCompleted  = "completed"
	WithdrawalFailed     = "failed"
)

type Withdrawal struct {
	ID            uint    `gorm:"primaryKey"`
	UserID        uint    `gorm:"not null;index"`
	User          User    `gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL;"`
	WalletAddress string  `gorm:"size:64;not null"`
	Amount        float64 `gorm:"not null"`
	Status        string  `gorm:"size:16;default:'pending'"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
