package models

import (
	"time"

	"gorm.io/gorm"
)

// User is an account that can lead or follow groups.
// BrokerAccessToken is stored sealed; only the credentials vault opens it.
type User struct {
	gorm.Model
	Email             string     `gorm:"uniqueIndex;not null" json:"email"`
	Name              string     `json:"name"`
	BrokerUserID      string     `gorm:"index" json:"broker_user_id,omitempty"`
	BrokerAccessToken string     `json:"-"`
	BrokerTokenExpiry *time.Time `json:"-"`
	IsActive          bool       `json:"is_active"`
}
