package api

import (
	"net/http"
	"time"

	"trade-mirror-go/internal/pubsub"
	"trade-mirror-go/internal/realtime"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StreamController upgrades requests to websockets and attaches them to the hub.
type StreamController struct {
	store    Store
	hub      *realtime.Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewStreamController creates a StreamController backed by the hub.
func NewStreamController(store Store, hub *realtime.Hub, logger *zap.Logger) *StreamController {
	return &StreamController{
		store: store,
		hub:   hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin checks happen at the gateway.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.Named("stream"),
	}
}

// RegisterRoutes mounts the user and group websocket endpoints.
func (c *StreamController) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ws", c.handleUserStream)
	rg.GET("/ws/groups/:id/trades", c.handleGroupStream)
}

// handleUserStream follows every active group of the caller.
func (c *StreamController) handleUserStream(ctx *gin.Context) {
	groupIDs, err := c.store.MemberGroupIDs(ctx.Request.Context(), currentUser(ctx))
	if err != nil {
		c.logger.Error("Failed to load groups", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	channels := make([]string, 0, len(groupIDs))
	for _, id := range groupIDs {
		channels = append(channels, pubsub.GroupChannel(id))
	}
	c.serve(ctx, channels)
}

func (c *StreamController) handleGroupStream(ctx *gin.Context) {
	groupID, ok := idParam(ctx, "id")
	if !ok {
		return
	}
	member, err := c.store.IsActiveMember(ctx.Request.Context(), groupID, currentUser(ctx))
	if err != nil {
		c.logger.Error("Failed to check membership", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if !member {
		ctx.JSON(http.StatusForbidden, gin.H{"error": "not a member of this group"})
		return
	}
	c.serve(ctx, []string{pubsub.GroupChannel(groupID)})
}

// serve blocks for the lifetime of the connection.
func (c *StreamController) serve(ctx *gin.Context, channels []string) {
	conn, err := c.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		c.logger.Debug("Upgrade failed", zap.Error(err))
		return
	}

	client := realtime.NewClient(conn, currentUser(ctx), c.logger)
	if err := c.hub.Connect(client, channels...); err != nil {
		c.logger.Warn("Rejecting stream", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	client.Serve(c.hub)
}
