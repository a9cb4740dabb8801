package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/logger"
	ws "github.com/agor/agor/pkg/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The daemon binds loopback; remote deployments front it with a
		// proxy that enforces origin.
		return true
	},
}

// TokenValidator checks an executor token presented at upgrade time and
// returns the session it was issued for.
type TokenValidator interface {
	Validate(token string) (sessionID string, ok bool)
}

// Handler handles WebSocket connections.
type Handler struct {
	hub       *Hub
	validator TokenValidator
	logger    *logger.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// SetTokenValidator installs the executor token check. Connections that
// present a token are rejected unless it validates; tokenless connections
// are treated as user clients.
func (h *Handler) SetTokenValidator(v TokenValidator) {
	h.validator = v
}

// HandleConnection upgrades HTTP to WebSocket and runs the client pumps.
func (h *Handler) HandleConnection(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = c.GetHeader("Authorization")
	}

	var sessionID string
	if token != "" && h.validator != nil {
		id, ok := h.validator.Validate(token)
		if !ok {
			h.logger.Warn("Rejected connection with invalid executor token",
				zap.String("remote_addr", c.Request.RemoteAddr))
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		sessionID = id
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()

	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr),
		zap.Bool("executor", sessionID != ""))

	client := NewClient(clientID, conn, h.hub, h.logger)

	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// RegisterHealthHandler registers the health check handler.
func RegisterHealthHandler(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "agor",
		})
	})
}
