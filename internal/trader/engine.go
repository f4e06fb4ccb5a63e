package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"trade-mirror-go/internal/config"
	"trade-mirror-go/internal/credentials"
	"trade-mirror-go/internal/kite"
	"trade-mirror-go/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PollStore is the persistence used by the polling scheduler.
type PollStore interface {
	ActiveLeaders(ctx context.Context) ([]uint, error)
	LedActiveGroups(ctx context.Context, userID uint) ([]models.Group, error)
	IngestOrder(ctx context.Context, rows ...*models.Trade) (bool, error)
	FindUser(ctx context.Context, id uint) (*models.User, error)
}

// Mirrorer creates follower trades for a persisted leader trade.
type Mirrorer interface {
	ExecuteMirrorTrades(ctx context.Context, leader *models.Trade) ([]models.Trade, error)
}

// TradePublisher broadcasts a leader trade to the group's live clients.
type TradePublisher interface {
	PublishTrade(ctx context.Context, leader *models.Trade, leaderName string, mirrors []models.Trade)
}

// CycleStats summarises one polling cycle.
type CycleStats struct {
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Leaders      int           `json:"leaders"`
	Failed       int           `json:"failed"`
	NewTrades    int           `json:"new_trades"`
	MirrorTrades int           `json:"mirror_trades"`
}

// PollResult is what a single leader job ingested.
type PollResult struct {
	NewTrades    int
	MirrorTrades int
}

// Engine is the polling scheduler: every cycle it fetches each active leader's
// orders and mirrors the ones it has not seen before.
type Engine struct {
	UUID      string
	Name      string
	StartTime time.Time

	logger    *zap.Logger
	cfg       *config.Polling
	store     PollStore
	broker    kite.Broker
	vault     CredentialScope
	executor  Mirrorer
	publisher TradePublisher

	mu        sync.RWMutex
	lastCycle CycleStats
}

// NewEngine creates a new polling engine.
func NewEngine(logger *zap.Logger, cfg *config.Polling, store PollStore, broker kite.Broker, vault CredentialScope, executor Mirrorer, publisher TradePublisher) *Engine {
	return &Engine{
		UUID:      uuid.NewString(),
		Name:      "trade-mirror",
		StartTime: time.Now(),
		logger:    logger.Named("engine"),
		cfg:       cfg,
		store:     store,
		broker:    broker,
		vault:     vault,
		executor:  executor,
		publisher: publisher,
	}
}

// Run starts the engine's main loop. The first cycle runs immediately.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("Starting polling loop",
		zap.String("uuid", e.UUID),
		zap.Duration("interval", e.cfg.Interval),
		zap.Int("max_concurrency", e.cfg.MaxConcurrency),
	)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := e.RunCycle(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("Polling cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			e.logger.Info("Stopping polling engine...")
			return
		case <-ticker.C:
		}
	}
}

// LastCycle returns the stats of the most recent completed cycle.
func (e *Engine) LastCycle() CycleStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastCycle
}

// RunCycle enumerates the active leaders and runs one job per leader.
// A failing job is logged and does not affect the others.
func (e *Engine) RunCycle(ctx context.Context) (CycleStats, error) {
	stats := CycleStats{StartedAt: time.Now()}

	leaders, err := e.store.ActiveLeaders(ctx)
	if err != nil {
		return stats, fmt.Errorf("could not list active leaders: %w", err)
	}
	stats.Leaders = len(leaders)
	if len(leaders) == 0 {
		e.logger.Debug("No active leaders to poll")
	}

	var failed, newTrades, mirrorTrades atomic.Int64
	var g errgroup.Group
	if e.cfg.MaxConcurrency > 0 {
		g.SetLimit(e.cfg.MaxConcurrency)
	}

	for _, leaderID := range leaders {
		g.Go(func() error {
			res, err := e.PollLeader(ctx, leaderID)
			newTrades.Add(int64(res.NewTrades))
			mirrorTrades.Add(int64(res.MirrorTrades))
			if err != nil {
				failed.Add(1)
				l := e.logger.With(zap.Uint("leader_id", leaderID), zap.Error(err))
				if credentials.IsUnavailable(err) || errors.Is(err, kite.ErrTokenInvalid) {
					l.Warn("Leader cannot be polled")
				} else {
					l.Error("Leader polling job failed")
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	stats.Failed = int(failed.Load())
	stats.NewTrades = int(newTrades.Load())
	stats.MirrorTrades = int(mirrorTrades.Load())
	stats.Duration = time.Since(stats.StartedAt)

	e.mu.Lock()
	e.lastCycle = stats
	e.mu.Unlock()

	e.logger.Info("Polling cycle complete",
		zap.Int("leaders", stats.Leaders),
		zap.Int("failed", stats.Failed),
		zap.Int("new_trades", stats.NewTrades),
		zap.Int("mirror_trades", stats.MirrorTrades),
		zap.Duration("duration", stats.Duration),
	)
	return stats, nil
}

// PollLeader runs one leader job. Transient broker failures are retried with a fixed
// delay up to the configured number of attempts, each attempt bounded by the job timeout.
func (e *Engine) PollLeader(ctx context.Context, leaderID uint) (PollResult, error) {
	var total PollResult
	attempts := e.cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.RetryDelay), uint64(attempts-1)),
		ctx,
	)

	op := func() error {
		attemptCtx := ctx
		if e.cfg.JobTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, e.cfg.JobTimeout)
			defer cancel()
		}

		res, err := e.pollOnce(attemptCtx, leaderID)
		total.NewTrades += res.NewTrades
		total.MirrorTrades += res.MirrorTrades
		if err == nil || kite.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, next time.Duration) {
		e.logger.Warn("Leader polling failed, retrying...",
			zap.Uint("leader_id", leaderID),
			zap.Duration("retry_in", next),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return total, err
	}
	return total, nil
}

// pollOnce fetches the leader's orders and ingests each one into every active group
// the leader leads, in the order returned by the broker.
func (e *Engine) pollOnce(ctx context.Context, leaderID uint) (PollResult, error) {
	var res PollResult
	l := e.logger.With(zap.Uint("leader_id", leaderID))

	var raw []kite.RawTrade
	err := e.vault.With(ctx, leaderID, func(cred kite.Credential) error {
		var fetchErr error
		raw, fetchErr = e.broker.FetchRecentTrades(ctx, cred)
		return fetchErr
	})
	if err != nil {
		return res, err
	}
	if len(raw) == 0 {
		return res, nil
	}

	groups, err := e.store.LedActiveGroups(ctx, leaderID)
	if err != nil {
		return res, err
	}
	if len(groups) == 0 {
		l.Debug("Leader no longer leads an active group")
		return res, nil
	}

	leaderName := ""
	if user, err := e.store.FindUser(ctx, leaderID); err != nil {
		l.Warn("Could not load leader profile", zap.Error(err))
	} else if user != nil {
		leaderName = user.Name
	}

	for _, r := range raw {
		trade := kite.Normalize(l, r)
		if trade == nil {
			continue
		}
		if trade.Status == models.StatusRejected || trade.Status == models.StatusCancelled {
			l.Debug("Skipping order that never executed",
				zap.String("broker_order_id", trade.BrokerOrderID), zap.String("status", trade.Status))
			continue
		}

		// The order id is claimed once for all led groups; a group joined later
		// never gets orders that were already ingested.
		rows := make([]*models.Trade, 0, len(groups))
		for _, group := range groups {
			row := *trade
			row.LeaderID = leaderID
			row.GroupID = group.ID
			rows = append(rows, &row)
		}

		inserted, err := e.store.IngestOrder(ctx, rows...)
		if err != nil {
			return res, err
		}
		if !inserted {
			continue
		}

		for _, row := range rows {
			res.NewTrades++

			tl := l.With(zap.Uint("trade_id", row.ID), zap.Uint("group_id", row.GroupID), zap.String("broker_order_id", row.BrokerOrderID))
			tl.Info("New leader trade",
				zap.String("symbol", row.Symbol),
				zap.String("side", row.Side),
				zap.Int("quantity", row.Quantity),
			)

			mirrors, err := e.executor.ExecuteMirrorTrades(ctx, row)
			if err != nil {
				tl.Error("Failed to execute mirror trades", zap.Error(err))
			}
			res.MirrorTrades += len(mirrors)

			e.publisher.PublishTrade(ctx, row, leaderName, mirrors)
		}
	}
	return res, nil
}
