package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/ticketmail/internal/auth"
	ws "github.com/vdavid/ticketmail/internal/websocket"
)

// WebSocketHandler handles the /api/v1/ws endpoint for owner notifications.
type WebSocketHandler struct {
	auth   *auth.Authenticator
	hub    *ws.Hub
	logger *logrus.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler instance.
func NewWebSocketHandler(authenticator *auth.Authenticator, hub *ws.Hub, logger *logrus.Logger) *WebSocketHandler {
	return &WebSocketHandler{auth: authenticator, hub: hub, logger: logger}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Served behind a reverse proxy in a trusted environment.
		return true
	},
}

// Handle upgrades the HTTP connection to a WebSocket and registers it with the Hub.
// Browsers can't set headers on WebSocket connections, so the token may come as ?token=...;
// the Authorization header is accepted as a fallback.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r)
	}
	if token == "" {
		h.logger.Debug("WebSocketHandler: no token provided")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	userID, err := h.auth.ValidateToken(token)
	if err != nil {
		h.logger.WithError(err).Info("WebSocketHandler: token validation failed")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).WithField("user", userID).Warn("WebSocketHandler: failed to upgrade connection")
		return
	}

	client := h.hub.Register(userID, conn)
	if client == nil {
		return
	}
	h.logger.WithField("user", userID).Debug("WebSocketHandler: connection established")

	go h.readLoop(userID, client)
}

// readLoop reads until the connection closes, then unregisters the client.
func (h *WebSocketHandler) readLoop(userID string, client *ws.Client) {
	conn := client.Conn()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.hub.Unregister(userID, client)
}
