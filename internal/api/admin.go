package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"livechat/internal/content"
	"livechat/internal/logging"
	"livechat/internal/models"
	"livechat/internal/storage"
)

// AdminHub is the relay view the admin endpoints need. *relay.Hub satisfies it.
type AdminHub interface {
	Publisher
	Online() []string
}

// AdminHandler serves operator endpoints on the loopback admin listener.
type AdminHandler struct {
	storage *storage.BboltStorage
	hub     AdminHub
	logger  *slog.Logger
	now     func() time.Time
}

func NewAdminHandler(st *storage.BboltStorage, hub AdminHub, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &AdminHandler{storage: st, hub: hub, logger: logger, now: time.Now}
}

type PresenceResponse struct {
	Online []string `json:"online"`
}

// PresenceHandler returns the users currently connected to the relay.
func (h *AdminHandler) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	online := h.hub.Online()
	if online == nil {
		online = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(PresenceResponse{Online: online}); err != nil {
		h.logger.Warn("failed to encode presence", "error", err)
	}
}

type AnnounceRequest struct {
	SenderID string `json:"senderId"`
	Text     string `json:"text"`
}

// AnnounceHandler posts a message to the room named in the path on behalf of senderId.
func (h *AdminHandler) AnnounceHandler(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if err := content.ValidateCounterpart(room); err != nil || !models.IsRoom(room) {
		http.Error(w, "Invalid room", http.StatusBadRequest)
		return
	}

	var req AnnounceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := content.Prepare(req.SenderID, models.Message{RecipientID: room, Text: req.Text}, h.now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.storage.AppendMessage(msg); err != nil {
		h.logger.Error("failed to store announcement", "room", room, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	h.hub.Publish(msg)

	h.logger.Info("announcement posted", "room", room, "sender_id", msg.SenderID, "message_id", msg.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		h.logger.Warn("failed to encode announcement", "error", err)
	}
}
