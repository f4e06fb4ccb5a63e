package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"trade-mirror-go/internal/config"
	"trade-mirror-go/internal/database"
	"trade-mirror-go/internal/models"
	"trade-mirror-go/internal/realtime"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Store is the persistence used by the user facing API.
type Store interface {
	ListNotifications(ctx context.Context, userID uint, offset, limit int) ([]models.Notification, error)
	UnreadCount(ctx context.Context, userID uint) (int64, error)
	MarkNotificationRead(ctx context.Context, id, userID uint) (*models.Notification, error)
	MarkAllNotificationsRead(ctx context.Context, userID uint) (int64, error)
	ListTrades(ctx context.Context, f database.TradeFilter) ([]models.Trade, error)
	FindTrade(ctx context.Context, id uint) (*models.Trade, error)
	MirrorTrades(ctx context.Context, parentID uint) ([]models.Trade, error)
	SettledTrades(ctx context.Context, groupID uint) ([]models.Trade, error)
	IsActiveMember(ctx context.Context, groupID, userID uint) (bool, error)
	MemberGroupIDs(ctx context.Context, userID uint) ([]uint, error)
}

// NewRouter builds the gin engine serving the REST and websocket routes.
func NewRouter(store Store, hub *realtime.Hub, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := r.Group("/", requireUser())
	apiGroup := authed.Group("/api")
	NewNotificationController(store, logger).RegisterRoutes(apiGroup)
	NewTradeController(store, logger).RegisterRoutes(apiGroup)
	NewStreamController(store, hub, logger).RegisterRoutes(authed)

	return r
}

// NewServer wraps the router in an http.Server on the configured port.
func NewServer(cfg config.Server, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	l := logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		l.Debug("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
