package kite

import (
	"strings"
	"time"

	"trade-mirror-go/internal/models"

	"go.uber.org/zap"
)

// Kite reports timestamps in exchange local time without a zone.
const timestampLayout = "2006-01-02 15:04:05"

var exchangeZone = time.FixedZone("IST", 5*60*60+30*60)

// Normalize maps a broker order into a leader Trade. LeaderID and GroupID are left
// for the caller. It returns nil, after logging why, when the payload cannot be used.
func Normalize(logger *zap.Logger, raw RawTrade) *models.Trade {
	p, err := decodeOrder(raw)
	if err != nil {
		logger.Warn("Skipping undecodable order payload", zap.Error(err))
		return nil
	}

	l := logger.With(zap.String("broker_order_id", p.OrderID))
	skip := func(reason string) *models.Trade {
		l.Warn("Skipping unparseable order", zap.String("reason", reason))
		return nil
	}

	if p.OrderID == "" {
		return skip("missing order_id")
	}
	if p.TradingSymbol == "" {
		return skip("missing tradingsymbol")
	}
	if p.Quantity <= 0 {
		return skip("non-positive quantity")
	}

	side := strings.ToUpper(p.TransactionType)
	if side != models.SideBuy && side != models.SideSell {
		return skip("unknown transaction_type " + p.TransactionType)
	}

	orderType := strings.ToUpper(p.OrderType)
	switch orderType {
	case "":
		orderType = models.TradeTypeMarket
	case models.TradeTypeMarket, models.TradeTypeLimit, models.TradeTypeSL, models.TradeTypeSLM:
	default:
		return skip("unknown order_type " + p.OrderType)
	}

	executedAt, err := time.ParseInLocation(timestampLayout, p.OrderTimestamp, exchangeZone)
	if err != nil {
		return skip("bad order_timestamp " + p.OrderTimestamp)
	}
	executedAt = executedAt.UTC()

	trade := &models.Trade{
		BrokerOrderID: p.OrderID,
		Exchange:      p.Exchange,
		Symbol:        p.TradingSymbol,
		Side:          side,
		Quantity:      p.Quantity,
		TradeType:     orderType,
		Product:       p.Product,
		Status:        normalizeStatus(p.Status),
		ExecutedAt:    &executedAt,
	}

	switch {
	case p.AveragePrice > 0:
		price := p.AveragePrice
		trade.Price = &price
	case p.Price > 0:
		price := p.Price
		trade.Price = &price
	}
	if p.TriggerPrice > 0 {
		trigger := p.TriggerPrice
		trade.TriggerPrice = &trigger
	}
	if p.StatusMessage != nil {
		trade.ErrorMessage = *p.StatusMessage
	}

	return trade
}

// normalizeStatus folds the broker's many intermediate states into OPEN.
func normalizeStatus(status string) string {
	switch strings.ToUpper(status) {
	case models.StatusComplete:
		return models.StatusComplete
	case models.StatusCancelled:
		return models.StatusCancelled
	case models.StatusRejected:
		return models.StatusRejected
	default:
		return models.StatusOpen
	}
}
