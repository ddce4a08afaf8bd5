package models

import (
	"time"
)

// Referral records who invited whom. A user can be referred at most once,
// hence the unique index on ReferredID.
type Referral struct {
	ID         uint `gorm:"primaryKey"`
	ReferrerID uint `gorm:"not null;index"`
	ReferredID uint `gorm:"not null;uniqueIndex"`
	CreatedAt  time.Time
}
