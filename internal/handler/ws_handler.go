package handler

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/partnerhub/messaging-backend/internal/common"
	"github.com/partnerhub/messaging-backend/internal/middleware"
	"github.com/partnerhub/messaging-backend/internal/ws"
)

// WSHandler handles WebSocket connections
type WSHandler struct {
	hub            *ws.Hub
	invocations    ws.InvocationHandler
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler; an empty origin list allows any origin
func NewWSHandler(hub *ws.Hub, invocations ws.InvocationHandler, allowedOrigins []string) *WSHandler {
	h := &WSHandler{
		hub:            hub,
		invocations:    invocations,
		allowedOrigins: allowedOrigins,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin validates the request origin against allowed origins
func (h *WSHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // Same-origin requests don't have Origin header
	}
	if len(h.allowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.allowedOrigins, origin)
}

// Connect handles GET /ws (websocket upgrade)
// @Summary Realtime messaging channel
// @Tags realtime
// @Param token query string false "bearer token when headers cannot be set"
// @Router /ws [get]
func (h *WSHandler) Connect(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		common.ErrorResponse(c, http.StatusUnauthorized, "Authentication required", nil)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := ws.NewClient(h.hub, conn, userID, h.invocations)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
