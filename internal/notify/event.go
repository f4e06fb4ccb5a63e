package notify

import (
	"encoding/json"
	"time"

	"trade-mirror-go/internal/models"
)

// Event types carried on group channels and in notification payloads.
const (
	EventTrade       = "trade"
	EventTradeUpdate = "trade_update"
	EventMirrorTrade = "mirror_trade"
)

// Event is the tagged object sent to real-time clients.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Encode marshals the event.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// MirrorSummary describes one follower order in a trade event.
type MirrorSummary struct {
	ID         uint   `json:"id"`
	FollowerID uint   `json:"follower_id"`
	Quantity   int    `json:"quantity"`
	Status     string `json:"status"`
}

// TradeData is the payload of a trade event.
type TradeData struct {
	ID           uint            `json:"id"`
	GroupID      uint            `json:"group_id"`
	LeaderID     uint            `json:"leader_id"`
	LeaderName   string          `json:"leader_name,omitempty"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	Quantity     int             `json:"quantity"`
	Price        *float64        `json:"price"`
	ExecutedAt   *time.Time      `json:"executed_at"`
	MirrorTrades []MirrorSummary `json:"mirror_trades"`
}

// TradeUpdateData is the payload of a trade_update event.
type TradeUpdateData struct {
	ID            uint     `json:"id"`
	Status        string   `json:"status"`
	ExecutedPrice *float64 `json:"executed_price"`
	RealizedPnl   *float64 `json:"realized_pnl"`
	UnrealizedPnl *float64 `json:"unrealized_pnl"`
	ErrorMessage  string   `json:"error_message,omitempty"`
}

// MirrorTradeData is the payload of a mirror_trade event.
type MirrorTradeData struct {
	ID            uint       `json:"id"`
	ParentTradeID uint       `json:"parent_trade_id"`
	FollowerID    uint       `json:"follower_id"`
	Symbol        string     `json:"symbol"`
	Side          string     `json:"side"`
	Quantity      int        `json:"quantity"`
	Price         *float64   `json:"price"`
	ExecutedAt    *time.Time `json:"executed_at"`
}

// NewTradeEvent builds the event published once per leader trade.
func NewTradeEvent(leader *models.Trade, leaderName string, mirrors []models.Trade) Event {
	summaries := make([]MirrorSummary, 0, len(mirrors))
	for _, m := range mirrors {
		summaries = append(summaries, MirrorSummary{
			ID:         m.ID,
			FollowerID: m.OwnerID(),
			Quantity:   m.Quantity,
			Status:     m.Status,
		})
	}
	return Event{
		Type: EventTrade,
		Data: TradeData{
			ID:           leader.ID,
			GroupID:      leader.GroupID,
			LeaderID:     leader.LeaderID,
			LeaderName:   leaderName,
			Symbol:       leader.Symbol,
			Side:         leader.Side,
			Quantity:     leader.Quantity,
			Price:        leader.Price,
			ExecutedAt:   leader.ExecutedAt,
			MirrorTrades: summaries,
		},
	}
}

// NewTradeUpdateEvent builds the event published when the broker changes a trade.
func NewTradeUpdateEvent(trade *models.Trade) Event {
	return Event{
		Type: EventTradeUpdate,
		Data: TradeUpdateData{
			ID:            trade.ID,
			Status:        trade.Status,
			ExecutedPrice: trade.ExecutedPrice,
			RealizedPnl:   trade.RealizedPnl,
			UnrealizedPnl: trade.UnrealizedPnl,
			ErrorMessage:  trade.ErrorMessage,
		},
	}
}

// NewMirrorTradeEvent builds the payload stored with a follower's notification.
func NewMirrorTradeEvent(mirror *models.Trade) Event {
	var parent uint
	if mirror.ParentTradeID != nil {
		parent = *mirror.ParentTradeID
	}
	return Event{
		Type: EventMirrorTrade,
		Data: MirrorTradeData{
			ID:            mirror.ID,
			ParentTradeID: parent,
			FollowerID:    mirror.OwnerID(),
			Symbol:        mirror.Symbol,
			Side:          mirror.Side,
			Quantity:      mirror.Quantity,
			Price:         mirror.Price,
			ExecutedAt:    mirror.ExecutedAt,
		},
	}
}
