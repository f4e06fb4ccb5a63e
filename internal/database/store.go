package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trade-mirror-go/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the repository used by the mirroring core and the API.
// The ingested order table's primary key is the only guard against duplicate ingestion.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a gorm connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection for tooling and tests.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// IngestOrder claims the broker order id of rows and inserts them in one transaction.
// All rows must carry the same order id. When the id was already claimed nothing is
// written and false is returned.
func (s *Store) IngestOrder(ctx context.Context, rows ...*models.Trade) (bool, error) {
	if len(rows) == 0 {
		return false, nil
	}
	orderID := rows[0].BrokerOrderID

	claimed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.IngestedOrder{BrokerOrderID: orderID, UserID: rows[0].OwnerID()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		for _, row := range rows {
			if row.BrokerOrderID != orderID {
				return fmt.Errorf("trade for order %s in batch of order %s", row.BrokerOrderID, orderID)
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to ingest order %s: %w", orderID, err)
	}
	return claimed, nil
}

// FindTrade returns the trade or nil when it does not exist.
func (s *Store) FindTrade(ctx context.Context, id uint) (*models.Trade, error) {
	var trade models.Trade
	err := s.db.WithContext(ctx).First(&trade, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trade %d: %w", id, err)
	}
	return &trade, nil
}

// UpdateTrade persists the mutable execution fields of a trade.
func (s *Store) UpdateTrade(ctx context.Context, trade *models.Trade) error {
	err := s.db.WithContext(ctx).Model(trade).Select(
		"Status", "ExecutedPrice", "RealizedPnl", "UnrealizedPnl", "ErrorMessage",
	).Updates(trade).Error
	if err != nil {
		return fmt.Errorf("failed to update trade %d: %w", trade.ID, err)
	}
	return nil
}

// OpenTrades returns trades the broker may still change, least recently checked first.
// Trades never checked come before all others.
func (s *Store) OpenTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	var trades []models.Trade
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{models.StatusPending, models.StatusOpen}).
		Order("checked_at IS NOT NULL, checked_at asc, id asc").
		Limit(limit).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load open trades: %w", err)
	}
	return trades, nil
}

// MarkChecked records that the trades were just looked at, moving them to the back of OpenTrades.
func (s *Store) MarkChecked(ctx context.Context, ids []uint, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id IN ?", ids).
		UpdateColumn("checked_at", at).Error
	if err != nil {
		return fmt.Errorf("failed to mark %d trades checked: %w", len(ids), err)
	}
	return nil
}

// ExpireOpenTrades cancels open trades created before the cutoff and returns them.
func (s *Store) ExpireOpenTrades(ctx context.Context, before time.Time, reason string) ([]models.Trade, error) {
	var trades []models.Trade
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("status IN ? AND created_at < ?", []string{models.StatusPending, models.StatusOpen}, before)
		if err := q.Order("id asc").Find(&trades).Error; err != nil {
			return err
		}
		if len(trades) == 0 {
			return nil
		}
		ids := make([]uint, len(trades))
		for i := range trades {
			ids[i] = trades[i].ID
			trades[i].Status = models.StatusCancelled
			trades[i].ErrorMessage = reason
		}
		return tx.Model(&models.Trade{}).Where("id IN ?", ids).Updates(map[string]any{
			"status":        models.StatusCancelled,
			"error_message": reason,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to expire open trades: %w", err)
	}
	return trades, nil
}

// CompletedTrades returns completed trades without a realized PnL, newest first.
func (s *Store) CompletedTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	var trades []models.Trade
	err := s.db.WithContext(ctx).
		Where("status = ? AND realized_pnl IS NULL", models.StatusComplete).
		Order("id desc").
		Limit(limit).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load completed trades: %w", err)
	}
	return trades, nil
}

// TradeFilter narrows ListTrades.
type TradeFilter struct {
	UserID  uint
	GroupID *uint
	Offset  int
	Limit   int
}

// ListTrades returns trades where the user is the leader or the follower, newest first.
func (s *Store) ListTrades(ctx context.Context, f TradeFilter) ([]models.Trade, error) {
	q := s.db.WithContext(ctx).Where("leader_id = ? OR follower_id = ?", f.UserID, f.UserID)
	if f.GroupID != nil {
		q = q.Where("group_id = ?", *f.GroupID)
	}
	var trades []models.Trade
	if err := q.Order("id desc").Offset(f.Offset).Limit(f.Limit).Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, nil
}

// MirrorTrades returns the follower trades generated from a leader trade.
func (s *Store) MirrorTrades(ctx context.Context, parentID uint) ([]models.Trade, error) {
	var trades []models.Trade
	if err := s.db.WithContext(ctx).Where("parent_trade_id = ?", parentID).Order("id asc").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to load mirror trades of %d: %w", parentID, err)
	}
	return trades, nil
}

// SettledTrades returns the group's trades with a realized PnL, oldest first.
func (s *Store) SettledTrades(ctx context.Context, groupID uint) ([]models.Trade, error) {
	var trades []models.Trade
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND realized_pnl IS NOT NULL", groupID).
		Order("executed_at asc").
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load settled trades of group %d: %w", groupID, err)
	}
	return trades, nil
}

// FindGroup returns the group or nil when it does not exist.
func (s *Store) FindGroup(ctx context.Context, id uint) (*models.Group, error) {
	var group models.Group
	err := s.db.WithContext(ctx).First(&group, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load group %d: %w", id, err)
	}
	return &group, nil
}

// FindActiveMembers returns every active member row of a group, leaders included.
func (s *Store) FindActiveMembers(ctx context.Context, groupID uint) ([]models.GroupMember, error) {
	var members []models.GroupMember
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND is_active = ?", groupID, true).
		Order("id asc").
		Find(&members).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load members of group %d: %w", groupID, err)
	}
	return members, nil
}

// IsActiveMember reports whether the user is an active member of an active group.
func (s *Store) IsActiveMember(ctx context.Context, groupID, userID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.GroupMember{}).
		Joins("JOIN groups ON groups.id = group_members.group_id AND groups.deleted_at IS NULL").
		Where("group_members.group_id = ? AND group_members.user_id = ?", groupID, userID).
		Where("group_members.is_active = ? AND groups.is_active = ?", true, true).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return count > 0, nil
}

// MemberGroupIDs returns the active groups the user belongs to in any role.
func (s *Store) MemberGroupIDs(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.GroupMember{}).
		Joins("JOIN groups ON groups.id = group_members.group_id AND groups.deleted_at IS NULL").
		Where("group_members.user_id = ? AND group_members.is_active = ? AND groups.is_active = ?", userID, true, true).
		Order("group_members.group_id asc").
		Pluck("group_members.group_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load groups of user %d: %w", userID, err)
	}
	return ids, nil
}

// ActiveLeaders returns the ids of active users leading at least one active group.
func (s *Store) ActiveLeaders(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.GroupMember{}).
		Distinct("group_members.user_id").
		Joins("JOIN groups ON groups.id = group_members.group_id AND groups.deleted_at IS NULL").
		Joins("JOIN users ON users.id = group_members.user_id AND users.deleted_at IS NULL").
		Where("group_members.role = ? AND group_members.is_active = ?", models.RoleLeader, true).
		Where("groups.is_active = ? AND users.is_active = ?", true, true).
		Order("group_members.user_id asc").
		Pluck("group_members.user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load active leaders: %w", err)
	}
	return ids, nil
}

// LedActiveGroups returns the active groups in which the user is an active leader.
func (s *Store) LedActiveGroups(ctx context.Context, userID uint) ([]models.Group, error) {
	var groups []models.Group
	err := s.db.WithContext(ctx).
		Joins("JOIN group_members ON group_members.group_id = groups.id AND group_members.deleted_at IS NULL").
		Where("group_members.user_id = ? AND group_members.role = ? AND group_members.is_active = ?", userID, models.RoleLeader, true).
		Where("groups.is_active = ?", true).
		Order("groups.id asc").
		Find(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load groups led by %d: %w", userID, err)
	}
	return groups, nil
}

// GetCredential returns the sealed broker token of a user, or nil when none is stored.
func (s *Store) GetCredential(ctx context.Context, userID uint) (*models.StoredCredential, error) {
	var user models.User
	err := s.db.WithContext(ctx).Select("id", "broker_access_token", "broker_token_expiry").First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential of user %d: %w", userID, err)
	}
	if user.BrokerAccessToken == "" {
		return nil, nil
	}
	return &models.StoredCredential{
		UserID:      user.ID,
		SealedToken: user.BrokerAccessToken,
		Expiry:      user.BrokerTokenExpiry,
	}, nil
}

// SaveCredential stores a sealed broker token for a user.
func (s *Store) SaveCredential(ctx context.Context, userID uint, sealed string, expiry *time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Updates(map[string]interface{}{
		"broker_access_token": sealed,
		"broker_token_expiry": expiry,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to save credential of user %d: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("user %d not found", userID)
	}
	return nil
}

// FindUser returns the user or nil when it does not exist.
func (s *Store) FindUser(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).First(&user, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", id, err)
	}
	return &user, nil
}

// InsertNotification stores a durable notification.
func (s *Store) InsertNotification(ctx context.Context, n *models.Notification) error {
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("failed to insert notification for user %d: %w", n.UserID, err)
	}
	return nil
}

// ListNotifications returns a page of the user's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, userID uint, offset, limit int) ([]models.Notification, error) {
	var notifications []models.Notification
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id desc").
		Offset(offset).
		Limit(limit).
		Find(&notifications).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return notifications, nil
}

// MarkNotificationRead marks one of the user's notifications read.
// It returns nil when the notification does not belong to the user.
func (s *Store) MarkNotificationRead(ctx context.Context, id, userID uint) (*models.Notification, error) {
	var n models.Notification
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load notification %d: %w", id, err)
	}
	if n.IsRead {
		return &n, nil
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&n).Updates(map[string]interface{}{"is_read": true, "read_at": now}).Error; err != nil {
		return nil, fmt.Errorf("failed to mark notification %d read: %w", id, err)
	}
	n.IsRead = true
	n.ReadAt = &now
	return &n, nil
}

// MarkAllNotificationsRead marks every unread notification of the user read.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID uint) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": time.Now().UTC()})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// UnreadCount returns the number of unread notifications of the user.
func (s *Store) UnreadCount(ctx context.Context, userID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}
