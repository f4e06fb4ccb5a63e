package notify

import (
	"context"
	"fmt"
	"strings"

	"trade-mirror-go/internal/models"
	"trade-mirror-go/internal/pubsub"

	"go.uber.org/zap"
)

// NotificationStore persists durable notifications.
type NotificationStore interface {
	InsertNotification(ctx context.Context, n *models.Notification) error
}

// Fanout records durable notifications and broadcasts transient events.
// Broadcasting is best effort: publish failures are logged and never returned.
type Fanout struct {
	store     NotificationStore
	publisher pubsub.Publisher
	logger    *zap.Logger
}

// NewFanout creates a Fanout.
func NewFanout(store NotificationStore, publisher pubsub.Publisher, logger *zap.Logger) *Fanout {
	return &Fanout{
		store:     store,
		publisher: publisher,
		logger:    logger.Named("fanout"),
	}
}

// MirrorTradeCreated stores the follower's notification for a new mirror trade.
func (f *Fanout) MirrorTradeCreated(ctx context.Context, mirror *models.Trade) error {
	payload, err := NewMirrorTradeEvent(mirror).Encode()
	if err != nil {
		return fmt.Errorf("failed to encode mirror trade event: %w", err)
	}

	groupID := mirror.GroupID
	n := &models.Notification{
		UserID:  mirror.OwnerID(),
		GroupID: &groupID,
		Type:    models.NotificationMirrorTrade,
		Title:   fmt.Sprintf("%s trade mirrored", titleCase(mirror.Side)),
		Message: fmt.Sprintf("Placed %s order for %d shares of %s", strings.ToLower(mirror.Side), mirror.Quantity, mirror.Symbol),
		Payload: string(payload),
	}
	return f.store.InsertNotification(ctx, n)
}

// MirrorTradeFailed tells a follower why no mirror trade was created for them.
func (f *Fanout) MirrorTradeFailed(ctx context.Context, leader *models.Trade, followerID uint, reason string) error {
	groupID := leader.GroupID
	n := &models.Notification{
		UserID:  followerID,
		GroupID: &groupID,
		Type:    models.NotificationMirrorTradeFailed,
		Title:   "Trade not mirrored",
		Message: fmt.Sprintf("Could not mirror %s %d %s: %s", strings.ToLower(leader.Side), leader.Quantity, leader.Symbol, reason),
	}
	return f.store.InsertNotification(ctx, n)
}

// PublishTrade broadcasts a leader trade and its mirrors on the group channel.
func (f *Fanout) PublishTrade(ctx context.Context, leader *models.Trade, leaderName string, mirrors []models.Trade) {
	f.publish(ctx, leader.GroupID, NewTradeEvent(leader, leaderName, mirrors))
}

// PublishTradeUpdate broadcasts a status change on the trade's group channel.
func (f *Fanout) PublishTradeUpdate(ctx context.Context, trade *models.Trade) {
	f.publish(ctx, trade.GroupID, NewTradeUpdateEvent(trade))
}

func (f *Fanout) publish(ctx context.Context, groupID uint, event Event) {
	l := f.logger.With(zap.Uint("group_id", groupID), zap.String("type", event.Type))

	msg, err := event.Encode()
	if err != nil {
		l.Error("Failed to encode event", zap.Error(err))
		return
	}
	if err := f.publisher.Publish(ctx, pubsub.GroupChannel(groupID), msg); err != nil {
		l.Warn("Failed to publish event", zap.Error(err))
		return
	}
	l.Debug("Published event")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
