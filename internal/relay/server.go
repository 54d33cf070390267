package relay

import (
	"errors"
	"log/slog"
	"net/http"

	"livechat/internal/content"

	"github.com/gorilla/websocket"
)

type Server struct {
	hub      *Hub
	upgrader *websocket.Upgrader
	logger   *slog.Logger
}

func NewServer(hub *Hub, logger *slog.Logger) *Server {
	return &Server{
		hub:    hub,
		logger: logger,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Identity is asserted by the client, origins are not restricted
			},
		},
	}
}

// HandleConnections upgrades GET /api/realtime?user=<id> to a websocket bound to that user.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if err := content.ValidateUserID(userID); err != nil {
		http.Error(w, "Invalid user", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade to websocket", "error", err)
		return
	}

	conn := NewConnection(s.hub, ws, userID, s.logger)
	if conn == nil {
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = ws.Close()
		return
	}

	if err := conn.Handle(r.Context()); err != nil && !errors.Is(err, errHubClosed) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Debug("connection ended", "user_id", userID, "error", err)
	}
}
