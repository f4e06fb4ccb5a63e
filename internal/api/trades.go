package api

import (
	"net/http"
	"time"

	"trade-mirror-go/internal/database"
	"trade-mirror-go/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TradeController serves trade history, mirror trades and group statistics.
type TradeController struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewTradeController creates a TradeController.
func NewTradeController(store Store, logger *zap.Logger) *TradeController {
	return &TradeController{store: store, logger: logger.Named("trades"), now: time.Now}
}

// RegisterRoutes mounts the trade routes.
func (c *TradeController) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/trades", c.handleList)
	rg.GET("/trades/:id/mirrors", c.handleMirrors)
	rg.GET("/groups/:id/stats", c.handleGroupStats)
}

func (c *TradeController) handleList(ctx *gin.Context) {
	p, ok := pagination(ctx)
	if !ok {
		return
	}
	var q struct {
		GroupID *uint `form:"group_id"`
	}
	if err := ctx.ShouldBindQuery(&q); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid group_id"})
		return
	}

	trades, err := c.store.ListTrades(ctx.Request.Context(), database.TradeFilter{
		UserID:  currentUser(ctx),
		GroupID: q.GroupID,
		Offset:  p.Skip,
		Limit:   p.Limit,
	})
	if err != nil {
		c.internalError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, trades)
}

// handleMirrors lists the follower trades of a leader trade. The leader sees all of
// them, a group member only their own.
func (c *TradeController) handleMirrors(ctx *gin.Context) {
	id, ok := idParam(ctx, "id")
	if !ok {
		return
	}
	reqCtx := ctx.Request.Context()
	userID := currentUser(ctx)

	trade, err := c.store.FindTrade(reqCtx, id)
	if err != nil {
		c.internalError(ctx, err)
		return
	}
	if trade == nil || trade.IsMirror() {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "trade not found"})
		return
	}

	if trade.LeaderID != userID {
		member, err := c.store.IsActiveMember(reqCtx, trade.GroupID, userID)
		if err != nil {
			c.internalError(ctx, err)
			return
		}
		if !member {
			ctx.JSON(http.StatusForbidden, gin.H{"error": "not a member of this group"})
			return
		}
	}

	mirrors, err := c.store.MirrorTrades(reqCtx, trade.ID)
	if err != nil {
		c.internalError(ctx, err)
		return
	}
	if trade.LeaderID != userID {
		own := mirrors[:0]
		for _, m := range mirrors {
			if m.OwnerID() == userID {
				own = append(own, m)
			}
		}
		mirrors = own
	}
	ctx.JSON(http.StatusOK, mirrors)
}

// StatsDetail holds calculated statistics for a given period.
type StatsDetail struct {
	TotalTrades      int64   `json:"total_trades"`
	ProfitableTrades int64   `json:"profitable_trades"`
	WinRate          float64 `json:"win_rate"`
	TotalProfit      float64 `json:"total_profit"`
}

// SymbolStats is the realized result of one instrument.
type SymbolStats struct {
	RealizedPnl float64 `json:"realized_pnl"`
	TradesCount int     `json:"trades_count"`
}

// StatisticsResponse is the structure for the group stats endpoint.
type StatisticsResponse struct {
	Since24h StatsDetail            `json:"since_24h"`
	AllTime  StatsDetail            `json:"all_time"`
	BySymbol map[string]SymbolStats `json:"by_symbol"`
}

func (c *TradeController) handleGroupStats(ctx *gin.Context) {
	groupID, ok := idParam(ctx, "id")
	if !ok {
		return
	}
	reqCtx := ctx.Request.Context()

	member, err := c.store.IsActiveMember(reqCtx, groupID, currentUser(ctx))
	if err != nil {
		c.internalError(ctx, err)
		return
	}
	if !member {
		ctx.JSON(http.StatusForbidden, gin.H{"error": "not a member of this group"})
		return
	}

	trades, err := c.store.SettledTrades(reqCtx, groupID)
	if err != nil {
		c.internalError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, computeStats(trades, c.now().Add(-24*time.Hour)))
}

func computeStats(trades []models.Trade, since time.Time) StatisticsResponse {
	type acc struct {
		total, profitable int64
		profit            decimal.Decimal
	}
	var recent, all acc
	bySymbol := make(map[string]decimal.Decimal)
	counts := make(map[string]int)

	for _, trade := range trades {
		if trade.RealizedPnl == nil {
			continue
		}
		pnl := decimal.NewFromFloat(*trade.RealizedPnl)

		all.total++
		if pnl.IsPositive() {
			all.profitable++
		}
		all.profit = all.profit.Add(pnl)

		if trade.ExecutedAt != nil && trade.ExecutedAt.After(since) {
			recent.total++
			if pnl.IsPositive() {
				recent.profitable++
			}
			recent.profit = recent.profit.Add(pnl)
		}

		bySymbol[trade.Symbol] = bySymbol[trade.Symbol].Add(pnl)
		counts[trade.Symbol]++
	}

	detail := func(a acc) StatsDetail {
		d := StatsDetail{TotalTrades: a.total, ProfitableTrades: a.profitable}
		d.TotalProfit, _ = a.profit.Float64()
		if a.total > 0 {
			d.WinRate = float64(a.profitable) / float64(a.total)
		}
		return d
	}

	resp := StatisticsResponse{
		Since24h: detail(recent),
		AllTime:  detail(all),
		BySymbol: make(map[string]SymbolStats, len(bySymbol)),
	}
	for symbol, pnl := range bySymbol {
		f, _ := pnl.Float64()
		resp.BySymbol[symbol] = SymbolStats{RealizedPnl: f, TradesCount: counts[symbol]}
	}
	return resp
}

func (c *TradeController) internalError(ctx *gin.Context, err error) {
	c.logger.Error("Request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
