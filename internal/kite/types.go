package kite

import (
	"encoding/json"
)

// Order parameters accepted by Kite Connect.
const (
	VarietyRegular = "regular"
	ValidityDay    = "DAY"
)

// RawTrade is one undecoded order entry as returned by the broker.
// It is decoded lazily by Normalize so that one malformed entry does not
// spoil the whole batch.
type RawTrade json.RawMessage

// MarshalJSON returns the payload unchanged.
func (r RawTrade) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON keeps a copy of the payload.
func (r *RawTrade) UnmarshalJSON(data []byte) error {
	*r = append((*r)[0:0], data...)
	return nil
}

// orderPayload is the subset of a Kite order we read.
type orderPayload struct {
	OrderID         string  `json:"order_id"`
	Exchange        string  `json:"exchange"`
	TradingSymbol   string  `json:"tradingsymbol"`
	TransactionType string  `json:"transaction_type"`
	OrderType       string  `json:"order_type"`
	Product         string  `json:"product"`
	Quantity        int     `json:"quantity"`
	FilledQuantity  int     `json:"filled_quantity"`
	Price           float64 `json:"price"`
	AveragePrice    float64 `json:"average_price"`
	TriggerPrice    float64 `json:"trigger_price"`
	Status          string  `json:"status"`
	StatusMessage   *string `json:"status_message"`
	OrderTimestamp  string  `json:"order_timestamp"`
}

// OrderSpec describes an order to place.
type OrderSpec struct {
	Symbol       string
	Exchange     string
	Side         string
	OrderType    string
	Product      string
	Quantity     int
	Price        *float64
	TriggerPrice *float64
}

// OrderStatus is the latest state of an order.
type OrderStatus struct {
	OrderID        string
	Status         string
	AveragePrice   float64
	FilledQuantity int
	StatusMessage  string
}

// Position is one entry of the net positions book.
type Position struct {
	TradingSymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange"`
	Product       string  `json:"product"`
	Quantity      int     `json:"quantity"`
	AveragePrice  float64 `json:"average_price"`
	LastPrice     float64 `json:"last_price"`
	PnL           float64 `json:"pnl"`
	Realised      float64 `json:"realised"`
	Unrealised    float64 `json:"unrealised"`
}

type envelope[T any] struct {
	Status string `json:"status"`
	Data   T      `json:"data"`
}

type errorEnvelope struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}

type orderIDResponse struct {
	OrderID string `json:"order_id"`
}

type positionsResponse struct {
	Net []Position `json:"net"`
	Day []Position `json:"day"`
}
