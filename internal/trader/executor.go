package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trade-mirror-go/internal/config"
	"trade-mirror-go/internal/credentials"
	"trade-mirror-go/internal/kite"
	"trade-mirror-go/internal/models"

	"go.uber.org/zap"
)

// ErrGroupInactive means a leader trade belongs to a group that cannot be mirrored into:
// it is missing, deactivated or has no active leader.
var ErrGroupInactive = errors.New("trader: group inactive")

// MirrorStore is the persistence used while mirroring a leader trade.
type MirrorStore interface {
	FindGroup(ctx context.Context, id uint) (*models.Group, error)
	FindActiveMembers(ctx context.Context, groupID uint) ([]models.GroupMember, error)
	IngestOrder(ctx context.Context, rows ...*models.Trade) (bool, error)
}

// CredentialScope hands out a decrypted broker credential for the duration of fn.
type CredentialScope interface {
	With(ctx context.Context, userID uint, fn func(kite.Credential) error) error
}

// MirrorNotifier records per-follower outcomes of a leader trade.
type MirrorNotifier interface {
	MirrorTradeCreated(ctx context.Context, mirror *models.Trade) error
	MirrorTradeFailed(ctx context.Context, leader *models.Trade, followerID uint, reason string) error
}

// Executor places follower orders for persisted leader trades.
type Executor struct {
	store    MirrorStore
	broker   kite.Broker
	vault    CredentialScope
	notifier MirrorNotifier
	cfg      *config.Kite
	logger   *zap.Logger
	now      func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(store MirrorStore, broker kite.Broker, vault CredentialScope, notifier MirrorNotifier, cfg *config.Kite, logger *zap.Logger) *Executor {
	return &Executor{
		store:    store,
		broker:   broker,
		vault:    vault,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.Named("executor"),
		now:      time.Now,
	}
}

// ExecuteMirrorTrades places one scaled order per active follower of the leader trade's group
// and returns the mirror trades that were created. Followers are committed one at a time, so a
// failing follower never affects the others. An inactive group yields no trades and no error.
func (e *Executor) ExecuteMirrorTrades(ctx context.Context, leader *models.Trade) ([]models.Trade, error) {
	l := e.logger.With(
		zap.Uint("trade_id", leader.ID),
		zap.Uint("group_id", leader.GroupID),
		zap.Uint("leader_id", leader.LeaderID),
		zap.String("symbol", leader.Symbol),
	)

	followers, err := e.followers(ctx, leader)
	if errors.Is(err, ErrGroupInactive) {
		l.Info("Skipping mirror trades", zap.Error(err))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var mirrors []models.Trade
	for _, member := range followers {
		if ctx.Err() != nil {
			l.Warn("Stopping mirror trades early", zap.Error(ctx.Err()))
			break
		}
		mirror := e.mirrorFor(ctx, l, leader, member)
		if mirror != nil {
			mirrors = append(mirrors, *mirror)
		}
	}

	for i := range mirrors {
		if err := e.notifier.MirrorTradeCreated(ctx, &mirrors[i]); err != nil {
			l.Error("Failed to record mirror trade notification",
				zap.Uint("mirror_trade_id", mirrors[i].ID), zap.Error(err))
		}
	}

	l.Info("Mirror trades executed", zap.Int("followers", len(followers)), zap.Int("created", len(mirrors)))
	return mirrors, nil
}

// followers returns the active members of the trade's group other than the leader.
func (e *Executor) followers(ctx context.Context, leader *models.Trade) ([]models.GroupMember, error) {
	group, err := e.store.FindGroup(ctx, leader.GroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load group %d: %w", leader.GroupID, err)
	}
	if group == nil || !group.IsActive {
		return nil, fmt.Errorf("group %d is missing or inactive: %w", leader.GroupID, ErrGroupInactive)
	}

	members, err := e.store.FindActiveMembers(ctx, leader.GroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load members of group %d: %w", leader.GroupID, err)
	}

	hasLeader := false
	followers := make([]models.GroupMember, 0, len(members))
	for _, m := range members {
		if m.Role == models.RoleLeader {
			hasLeader = true
		}
		if m.UserID == leader.LeaderID {
			continue
		}
		followers = append(followers, m)
	}
	if !hasLeader {
		return nil, fmt.Errorf("group %d has no active leader: %w", leader.GroupID, ErrGroupInactive)
	}
	return followers, nil
}

// mirrorFor places and persists the order of one follower. It returns nil when the follower is skipped.
func (e *Executor) mirrorFor(ctx context.Context, l *zap.Logger, leader *models.Trade, member models.GroupMember) *models.Trade {
	l = l.With(zap.Uint("follower_id", member.UserID))

	riskFactor := member.EffectiveRiskFactor()
	qty := Size(leader.Quantity, riskFactor)
	if qty == 0 {
		l.Info("Sized quantity is zero or out of range, skipping follower",
			zap.Float64("risk_factor", riskFactor),
			zap.Int("leader_quantity", leader.Quantity),
		)
		return nil
	}

	spec := e.orderSpec(leader, qty)
	var orderID string
	err := e.vault.With(ctx, member.UserID, func(cred kite.Credential) error {
		var placeErr error
		orderID, placeErr = e.broker.PlaceOrder(ctx, cred, spec)
		return placeErr
	})

	switch {
	case err == nil:
	case credentials.IsUnavailable(err):
		l.Warn("Follower has no usable broker credential, skipping", zap.Error(err))
		return nil
	case kite.IsRejection(err), errors.Is(err, kite.ErrTokenInvalid):
		l.Warn("Follower order rejected", zap.Error(err))
		if nErr := e.notifier.MirrorTradeFailed(ctx, leader, member.UserID, rejectionReason(err)); nErr != nil {
			l.Error("Failed to record rejection notification", zap.Error(nErr))
		}
		return nil
	default:
		// A failed placement may still have reached the exchange, so it is not retried.
		l.Error("Failed to place follower order", zap.Error(err))
		return nil
	}

	followerID := member.UserID
	parentID := leader.ID
	executedAt := e.now().UTC()
	mirror := &models.Trade{
		LeaderID:      leader.LeaderID,
		FollowerID:    &followerID,
		GroupID:       leader.GroupID,
		ParentTradeID: &parentID,
		BrokerOrderID: orderID,
		Exchange:      spec.Exchange,
		Symbol:        leader.Symbol,
		Side:          leader.Side,
		Quantity:      qty,
		Price:         leader.Price,
		TradeType:     leader.TradeType,
		Product:       spec.Product,
		Status:        models.StatusPending,
		TriggerPrice:  leader.TriggerPrice,
		ExecutedAt:    &executedAt,
	}

	// Claiming the order id keeps the follower's own polling from ingesting it as a leader order.
	inserted, err := e.store.IngestOrder(ctx, mirror)
	if err != nil {
		l.Error("Order placed but mirror trade could not be saved",
			zap.String("broker_order_id", orderID), zap.Error(err))
		return nil
	}
	if !inserted {
		l.Warn("Mirror order already ingested", zap.String("broker_order_id", orderID))
		return nil
	}

	l.Info("Mirror trade created",
		zap.Uint("mirror_trade_id", mirror.ID),
		zap.String("broker_order_id", orderID),
		zap.Int("quantity", qty),
	)
	return mirror
}

func (e *Executor) orderSpec(leader *models.Trade, qty int) kite.OrderSpec {
	spec := kite.OrderSpec{
		Symbol:    leader.Symbol,
		Exchange:  leader.Exchange,
		Side:      leader.Side,
		OrderType: leader.TradeType,
		Product:   leader.Product,
		Quantity:  qty,
	}
	if spec.Exchange == "" {
		spec.Exchange = e.cfg.Exchange
	}
	if spec.Product == "" {
		spec.Product = e.cfg.Product
	}
	if spec.OrderType == "" {
		spec.OrderType = models.TradeTypeMarket
	}

	// Market orders carry no price; the leader's fill price is informational only.
	switch spec.OrderType {
	case models.TradeTypeLimit:
		spec.Price = leader.Price
	case models.TradeTypeSL:
		spec.Price = leader.Price
		spec.TriggerPrice = leader.TriggerPrice
	case models.TradeTypeSLM:
		spec.TriggerPrice = leader.TriggerPrice
	}
	return spec
}

func rejectionReason(err error) string {
	var rejection *kite.RejectionError
	if errors.As(err, &rejection) && rejection.Message != "" {
		return rejection.Message
	}
	if errors.Is(err, kite.ErrTokenInvalid) {
		return "broker session expired, please reconnect your account"
	}
	return "order rejected by broker"
}
