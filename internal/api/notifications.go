package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NotificationController serves the caller's durable notifications.
type NotificationController struct {
	store  Store
	logger *zap.Logger
}

// NewNotificationController creates a NotificationController.
func NewNotificationController(store Store, logger *zap.Logger) *NotificationController {
	return &NotificationController{store: store, logger: logger.Named("notifications")}
}

// RegisterRoutes mounts the notification routes.
func (c *NotificationController) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/notifications", c.handleList)
	rg.GET("/notifications/unread-count", c.handleUnreadCount)
	rg.POST("/notifications/:id/read", c.handleMarkRead)
	rg.POST("/notifications/read-all", c.handleMarkAllRead)
}

func (c *NotificationController) handleList(ctx *gin.Context) {
	p, ok := pagination(ctx)
	if !ok {
		return
	}
	list, err := c.store.ListNotifications(ctx.Request.Context(), currentUser(ctx), p.Skip, p.Limit)
	if err != nil {
		c.internalError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, list)
}

func (c *NotificationController) handleUnreadCount(ctx *gin.Context) {
	count, err := c.store.UnreadCount(ctx.Request.Context(), currentUser(ctx))
	if err != nil {
		c.internalError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"count": count})
}

func (c *NotificationController) handleMarkRead(ctx *gin.Context) {
	id, ok := idParam(ctx, "id")
	if !ok {
		return
	}
	n, err := c.store.MarkNotificationRead(ctx.Request.Context(), id, currentUser(ctx))
	if err != nil {
		c.internalError(ctx, err)
		return
	}
	if n == nil {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}
	ctx.JSON(http.StatusOK, n)
}

func (c *NotificationController) handleMarkAllRead(ctx *gin.Context) {
	updated, err := c.store.MarkAllNotificationsRead(ctx.Request.Context(), currentUser(ctx))
	if err != nil {
		c.internalError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (c *NotificationController) internalError(ctx *gin.Context, err error) {
	c.logger.Error("Request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
