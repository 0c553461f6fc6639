package handlers

import (
	"net/http"

	"proxchat/internal/auth"
	"proxchat/internal/ratelimit"
	"proxchat/internal/relay"
	"proxchat/internal/rooms"
	"proxchat/internal/ws"
	"proxchat/pkg/logger"

	"github.com/gorilla/websocket"
)

type WebSocketHandlers struct {
	authService *auth.Service
	coordinator *rooms.Coordinator
	relay       *relay.Relay
	limiter     ratelimit.Limiter
	upgrader    websocket.Upgrader
}

func NewWebSocketHandlers(authService *auth.Service, coordinator *rooms.Coordinator, rel *relay.Relay, limiter ratelimit.Limiter) *WebSocketHandlers {
	return &WebSocketHandlers{
		authService: authService,
		coordinator: coordinator,
		relay:       rel,
		limiter:     limiter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Configure for production
		},
	}
}

func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	user, err := h.authService.GetUserFromToken(r.Context(), tokenStr)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	session := ws.NewSession(conn, user, h.coordinator, h.relay, h.limiter)
	logger.Info("Session %s opened for %s", session.ID(), user.Username)

	go session.WritePump()
	go session.ReadPump()
}
