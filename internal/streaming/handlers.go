package streaming

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opencode/sandbox/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

// WSHandler handles WebSocket connections
type WSHandler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewWSHandler creates a new WebSocket handler
func NewWSHandler(hub *Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// Stream handles the WebSocket event stream.
// WS /ws?subjects=pool:claimed,sandbox:status.*
//
// The subjects query parameter seeds initial subscriptions; clients can also
// subscribe and unsubscribe dynamically with SubscriptionMessage frames.
func (h *WSHandler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()

	h.logger.Info("WebSocket connection established",
		zap.String("client_id", clientID))

	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)

	if subjects := c.Query("subjects"); subjects != "" {
		for _, subject := range strings.Split(subjects, ",") {
			subject = strings.TrimSpace(subject)
			if subject == "" {
				continue
			}
			if err := client.Subscribe(subject); err != nil {
				h.logger.Warn("Initial subscribe failed",
					zap.String("subject", subject),
					zap.Error(err))
			}
		}
	}

	go client.WritePump()
	go client.ReadPump()
}

// SetupWebSocketRoutes adds the event stream route to the router
func SetupWebSocketRoutes(router *gin.RouterGroup, handler *WSHandler) {
	router.GET("/ws", handler.Stream)
}
