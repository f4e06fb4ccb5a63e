package models

import (
	"time"

	"gorm.io/gorm"
)

// Notification types.
const (
	NotificationMirrorTrade       = "mirror_trade"
	NotificationMirrorTradeFailed = "mirror_trade_failed"
)

// Notification is a durable, per-user record of a trade event.
// Only the read state changes after creation.
type Notification struct {
	gorm.Model
	UserID  uint       `gorm:"index;not null" json:"user_id"`
	GroupID *uint      `gorm:"index" json:"group_id,omitempty"`
	Type    string     `gorm:"size:50;not null" json:"type"`
	Title   string     `gorm:"size:255;not null" json:"title"`
	Message string     `gorm:"not null" json:"message"`
	Payload string     `json:"payload,omitempty"` // JSON encoded event
	IsRead  bool       `gorm:"default:false" json:"is_read"`
	ReadAt  *time.Time `json:"read_at,omitempty"`
}
