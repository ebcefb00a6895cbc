package server

import (
	"net/http"
	"strconv"
	"strings"

	"sealed-relay/internal/services"
	"sealed-relay/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler upgrades GET /v1/ws. A token in the query or the
// Authorization header authenticates at upgrade; without one the client must
// send an authenticate frame before the auth timeout.
type WebSocketHandler struct {
	gateway *Gateway
	logger  *WebSocketLogger
}

func NewWebSocketHandler(gateway *Gateway) *WebSocketHandler {
	return &WebSocketHandler{
		gateway: gateway,
		logger:  NewWebSocketLogger(),
	}
}

func (h *WebSocketHandler) Handle(c *gin.Context) {
	var (
		identity services.Identity
		hasToken bool
	)
	if token := h.extractToken(c); token != "" {
		id, err := h.gateway.verifier.Verify(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("invalid token", "UNAUTHORIZED"))
			return
		}
		identity, hasToken = id, true
	}

	requestedDevice := 0
	if raw := c.Query("device_id"); raw != "" {
		// Unparseable ids are ignored like unknown ones.
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			requestedDevice = v
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", uuid.Nil, "", err)
		return
	}

	client := NewClient(h.gateway, conn, requestedDevice)
	if hasToken {
		h.gateway.admit(c.Request.Context(), client, identity)
	}

	go client.writePump()
	go client.readPump()
}

func (h *WebSocketHandler) extractToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}

	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}

	return ""
}
