package models

import (
	"time"

	"gorm.io/gorm"
)

// Trade sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Trade statuses.
const (
	StatusPending   = "PENDING"
	StatusOpen      = "OPEN"
	StatusComplete  = "COMPLETE"
	StatusCancelled = "CANCELLED"
	StatusRejected  = "REJECTED"
)

// Order types understood by the broker.
const (
	TradeTypeMarket = "MARKET"
	TradeTypeLimit  = "LIMIT"
	TradeTypeSL     = "SL"
	TradeTypeSLM    = "SL-M"
)

// Trade is either a leader's own order (FollowerID and ParentTradeID nil)
// or a mirror order placed for a follower (both set, ParentTradeID pointing at the leader row).
// A leader order is stored once per group it is mirrored into, so the broker
// order id is unique per group; IngestedOrder makes it unique across the service.
type Trade struct {
	gorm.Model
	LeaderID      uint       `gorm:"index;not null" json:"leader_id"`
	FollowerID    *uint      `gorm:"index" json:"follower_id,omitempty"`
	GroupID       uint       `gorm:"uniqueIndex:idx_trade_order_group;not null" json:"group_id"`
	ParentTradeID *uint      `gorm:"index" json:"parent_trade_id,omitempty"`
	BrokerOrderID string     `gorm:"uniqueIndex:idx_trade_order_group;not null" json:"broker_order_id"`
	Exchange      string     `json:"exchange"`
	Symbol        string     `gorm:"not null" json:"symbol"`
	Side          string     `gorm:"not null" json:"side"`
	Quantity      int        `gorm:"not null" json:"quantity"`
	Price         *float64   `json:"price,omitempty"`
	TradeType     string     `gorm:"not null;default:MARKET" json:"trade_type"`
	Product       string     `json:"product,omitempty"`
	Status        string     `gorm:"index;not null;default:PENDING" json:"status"`
	TriggerPrice  *float64   `json:"trigger_price,omitempty"`
	ExecutedAt    *time.Time `json:"executed_at,omitempty"`
	ExecutedPrice *float64   `json:"executed_price,omitempty"`
	RealizedPnl   *float64   `json:"realized_pnl,omitempty"`
	UnrealizedPnl *float64   `json:"unrealized_pnl,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CheckedAt     *time.Time `gorm:"index" json:"-"`
}

// IngestedOrder claims a broker order id the first time it is stored, whether it was
// polled from a leader or placed for a follower. An order id is never ingested twice.
type IngestedOrder struct {
	BrokerOrderID string    `gorm:"primaryKey" json:"broker_order_id"`
	UserID        uint      `gorm:"index;not null" json:"user_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// IsMirror reports whether the trade was generated for a follower.
func (t *Trade) IsMirror() bool {
	return t.ParentTradeID != nil
}

// OwnerID is the user whose broker account holds the order.
func (t *Trade) OwnerID() uint {
	if t.FollowerID != nil {
		return *t.FollowerID
	}
	return t.LeaderID
}

// IsTerminal reports whether the broker will not change the order any more.
func (t *Trade) IsTerminal() bool {
	switch t.Status {
	case StatusComplete, StatusCancelled, StatusRejected:
		return true
	}
	return false
}
