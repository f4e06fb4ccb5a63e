package models

import (
	"time"

	"gorm.io/gorm"
)

// Member roles.
const (
	RoleLeader = "leader"
	RoleMember = "member"
)

// DefaultRiskFactor applies when a member has no risk factor of their own.
const DefaultRiskFactor = 1.0

// Group is a set of followers mirroring one or more leaders.
type Group struct {
	gorm.Model
	Name        string  `gorm:"not null" json:"name"`
	Description string  `json:"description,omitempty"`
	InviteCode  *string `gorm:"uniqueIndex" json:"invite_code,omitempty"`
	IsActive    bool    `json:"is_active"`
	TodaysPnl   float64 `gorm:"not null;default:0" json:"todays_pnl"`
	CreatedBy   uint    `json:"created_by"`
}

// GroupMember links a user to a group with a role.
type GroupMember struct {
	gorm.Model
	GroupID    uint      `gorm:"uniqueIndex:idx_group_user;not null" json:"group_id"`
	UserID     uint      `gorm:"uniqueIndex:idx_group_user;not null" json:"user_id"`
	Role       string    `gorm:"not null" json:"role"`
	IsActive   bool      `json:"is_active"`
	RiskFactor *float64  `json:"risk_factor,omitempty"`
	JoinedAt   time.Time `json:"joined_at"`
}

// EffectiveRiskFactor returns the member's multiplier, defaulting to 1.0.
func (m GroupMember) EffectiveRiskFactor() float64 {
	if m.RiskFactor == nil {
		return DefaultRiskFactor
	}
	return *m.RiskFactor
}
