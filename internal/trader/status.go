package trader

import (
	"context"
	"time"

	"trade-mirror-go/internal/config"
	"trade-mirror-go/internal/kite"
	"trade-mirror-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// StatusStore is the persistence used by the status refresher.
type StatusStore interface {
	OpenTrades(ctx context.Context, limit int) ([]models.Trade, error)
	MarkChecked(ctx context.Context, ids []uint, at time.Time) error
	ExpireOpenTrades(ctx context.Context, before time.Time, reason string) ([]models.Trade, error)
	CompletedTrades(ctx context.Context, limit int) ([]models.Trade, error)
	UpdateTrade(ctx context.Context, trade *models.Trade) error
}

// UpdatePublisher broadcasts changes to a trade.
type UpdatePublisher interface {
	PublishTradeUpdate(ctx context.Context, trade *models.Trade)
}

// StatusRefresher follows trades the broker has not finished with and
// marks completed trades to market.
type StatusRefresher struct {
	logger    *zap.Logger
	cfg       *config.StatusRefresh
	store     StatusStore
	broker    kite.Broker
	vault     CredentialScope
	publisher UpdatePublisher
	now       func() time.Time
}

const expiredReason = "order expired with the broker's order book"

// NewStatusRefresher creates a StatusRefresher.
func NewStatusRefresher(logger *zap.Logger, cfg *config.StatusRefresh, store StatusStore, broker kite.Broker, vault CredentialScope, publisher UpdatePublisher) *StatusRefresher {
	return &StatusRefresher{
		logger:    logger.Named("status"),
		cfg:       cfg,
		store:     store,
		broker:    broker,
		vault:     vault,
		publisher: publisher,
		now:       time.Now,
	}
}

// Run refreshes on every tick until ctx is done.
func (r *StatusRefresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("Starting status refresher", zap.Duration("interval", r.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping status refresher...")
			return
		case <-ticker.C:
			if _, err := r.RefreshOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Status refresh failed", zap.Error(err))
			}
		}
	}
}

// RefreshOnce expires stale open trades, updates a batch of open trades from the
// order book and completed trades from the positions book. It returns the number
// of trades that changed. Every open trade in the batch moves to the back of the
// queue, so trades that cannot be resolved do not hold up the rest.
func (r *StatusRefresher) RefreshOnce(ctx context.Context) (int, error) {
	now := r.now().UTC()
	changed := 0

	if r.cfg.MaxAge > 0 {
		expired, err := r.store.ExpireOpenTrades(ctx, now.Add(-r.cfg.MaxAge), expiredReason)
		if err != nil {
			return 0, err
		}
		for i := range expired {
			r.logger.Info("Expired open trade",
				zap.Uint("trade_id", expired[i].ID), zap.String("broker_order_id", expired[i].BrokerOrderID))
			r.publisher.PublishTradeUpdate(ctx, &expired[i])
		}
		changed += len(expired)
	}

	open, err := r.store.OpenTrades(ctx, r.cfg.BatchSize)
	if err != nil {
		return changed, err
	}
	ids := make([]uint, len(open))
	for i := range open {
		ids[i] = open[i].ID
	}
	if err := r.store.MarkChecked(ctx, ids, now); err != nil {
		return changed, err
	}

	for owner, trades := range byOwner(open) {
		changed += r.refreshOrders(ctx, owner, trades)
	}

	completed, err := r.store.CompletedTrades(ctx, r.cfg.BatchSize)
	if err != nil {
		return changed, err
	}
	for owner, trades := range byOwner(completed) {
		changed += r.refreshPnl(ctx, owner, trades)
	}

	if changed > 0 {
		r.logger.Info("Refreshed trades", zap.Int("changed", changed))
	}
	return changed, nil
}

func (r *StatusRefresher) refreshOrders(ctx context.Context, owner uint, trades []models.Trade) int {
	l := r.logger.With(zap.Uint("user_id", owner))
	changed := 0

	// a leader order is stored once per group, so ask the broker once per order
	seen := make(map[string]*kite.OrderStatus)

	err := r.vault.With(ctx, owner, func(cred kite.Credential) error {
		for i := range trades {
			trade := &trades[i]
			status, ok := seen[trade.BrokerOrderID]
			if !ok {
				var err error
				status, err = r.broker.GetOrderStatus(ctx, cred, trade.BrokerOrderID)
				if err != nil {
					l.Warn("Could not get order status", zap.String("broker_order_id", trade.BrokerOrderID), zap.Error(err))
					continue
				}
				seen[trade.BrokerOrderID] = status
			}
			if !applyOrderStatus(trade, status) {
				continue
			}
			if err := r.store.UpdateTrade(ctx, trade); err != nil {
				return err
			}
			changed++
			r.publisher.PublishTradeUpdate(ctx, trade)
		}
		return nil
	})
	if err != nil {
		l.Warn("Order status refresh stopped", zap.Error(err))
	}
	return changed
}

func (r *StatusRefresher) refreshPnl(ctx context.Context, owner uint, trades []models.Trade) int {
	l := r.logger.With(zap.Uint("user_id", owner))
	changed := 0

	var positions []kite.Position
	err := r.vault.With(ctx, owner, func(cred kite.Credential) error {
		var err error
		positions, err = r.broker.GetPositions(ctx, cred)
		return err
	})
	if err != nil {
		l.Warn("Could not get positions", zap.Error(err))
		return 0
	}

	bySymbol := make(map[string]kite.Position, len(positions))
	for _, p := range positions {
		bySymbol[p.Exchange+":"+p.TradingSymbol] = p
	}

	for i := range trades {
		trade := &trades[i]
		pos, ok := bySymbol[trade.Exchange+":"+trade.Symbol]
		if !ok || !applyMarkToMarket(trade, pos) {
			continue
		}
		if err := r.store.UpdateTrade(ctx, trade); err != nil {
			l.Error("Failed to save trade PnL", zap.Uint("trade_id", trade.ID), zap.Error(err))
			continue
		}
		changed++
		r.publisher.PublishTradeUpdate(ctx, trade)
	}
	return changed
}

// applyOrderStatus copies the broker state onto the trade and reports whether anything changed.
func applyOrderStatus(trade *models.Trade, status *kite.OrderStatus) bool {
	changed := false
	if status.Status != "" && status.Status != trade.Status {
		trade.Status = status.Status
		changed = true
	}
	if status.AveragePrice > 0 && (trade.ExecutedPrice == nil || *trade.ExecutedPrice != status.AveragePrice) {
		price := status.AveragePrice
		trade.ExecutedPrice = &price
		changed = true
	}
	if status.StatusMessage != "" && status.StatusMessage != trade.ErrorMessage {
		trade.ErrorMessage = status.StatusMessage
		changed = true
	}
	return changed
}

// applyMarkToMarket values a completed trade at the position's last price. Once the position
// is flat the value is booked as realized and the trade leaves the refresh queue.
func applyMarkToMarket(trade *models.Trade, pos kite.Position) bool {
	entry := trade.ExecutedPrice
	if entry == nil {
		entry = trade.Price
	}
	if entry == nil || pos.LastPrice <= 0 {
		return false
	}

	diff := decimal.NewFromFloat(pos.LastPrice).Sub(decimal.NewFromFloat(*entry))
	if trade.Side == models.SideSell {
		diff = diff.Neg()
	}
	pnl, _ := diff.Mul(decimal.NewFromInt(int64(trade.Quantity))).Round(2).Float64()

	if pos.Quantity == 0 {
		zero := 0.0
		trade.RealizedPnl = &pnl
		trade.UnrealizedPnl = &zero
		return true
	}
	if trade.UnrealizedPnl != nil && *trade.UnrealizedPnl == pnl {
		return false
	}
	trade.UnrealizedPnl = &pnl
	return true
}

func byOwner(trades []models.Trade) map[uint][]models.Trade {
	out := make(map[uint][]models.Trade)
	for _, t := range trades {
		out[t.OwnerID()] = append(out[t.OwnerID()], t)
	}
	return out
}
