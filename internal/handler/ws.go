package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/carelink/internal/logger"
	"github.com/carelink/internal/middleware"
	"github.com/carelink/internal/ws"
)

type WSHandler struct {
	hub            *ws.Hub
	cfg            ws.ClientConfig
	allowedOrigins string
	upgrader       websocket.Upgrader
}

// NewWSHandler создаёт обработчик WebSocket. allowedOrigins — как в CORS (через запятую или "*").
func NewWSHandler(hub *ws.Hub, cfg ws.ClientConfig, allowedOrigins string) *WSHandler {
	h := &WSHandler{hub: hub, cfg: cfg, allowedOrigins: strings.TrimSpace(allowedOrigins)}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS апгрейдит соединение уже аутентифицированного пользователя.
// Неактивные и неизвестные отсекаются раньше, в middleware.Authenticate.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentity(r.Context())
	if !ok || identity.ID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !identity.IsActive {
		writeError(w, http.StatusUnauthorized, "account disabled")
		return
	}
	if !h.checkOrigin(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	client := ws.NewClient(h.hub, conn, identity, h.cfg)
	if err := h.hub.Connect(r.Context(), client); err != nil {
		logger.Warnf("ws connect %s: %v", identity.ID, err)
		return
	}
	// соединение живёт дольше запроса, поэтому не r.Context()
	client.Start(context.Background())
}
