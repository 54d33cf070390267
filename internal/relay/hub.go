package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"livechat/internal/content"
	"livechat/internal/models"
)

const outboxSize = 100

// Hub tracks who is connected and routes messages between them.
// A user may hold several connections; presence lists each user once.
type Hub struct {
	// Map of userID -> set of connection channels
	connectedUsers map[string]map[chan models.ServerEvent]struct{}
	closed         bool

	logger *slog.Logger
	now    func() time.Time

	mu sync.RWMutex
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		connectedUsers: make(map[string]map[chan models.ServerEvent]struct{}),
		logger:         logger,
		now:            time.Now,
	}
}

// Join registers a new connection of userID and broadcasts the new presence snapshot.
// It returns nil once the hub is closed.
func (h *Hub) Join(userID string) chan models.ServerEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	ch := make(chan models.ServerEvent, outboxSize)
	conns, ok := h.connectedUsers[userID]
	if !ok {
		conns = make(map[chan models.ServerEvent]struct{})
		h.connectedUsers[userID] = conns
	}
	conns[ch] = struct{}{}

	h.logger.Debug("user joined", "user_id", userID, "connections", len(conns))
	h.broadcastPresenceLocked()
	return ch
}

// Leave unregisters the connection channel ch of userID and closes it.
func (h *Hub) Leave(userID string, ch chan models.ServerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.connectedUsers[userID]
	if !ok {
		return
	}
	if _, ok := conns[ch]; !ok {
		return
	}
	delete(conns, ch)
	close(ch)

	if len(conns) > 0 {
		return
	}
	delete(h.connectedUsers, userID)
	h.logger.Debug("user left", "user_id", userID)
	h.broadcastPresenceLocked()
}

// Close disconnects everyone. Connections see their channel closed and hang up.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for userID, conns := range h.connectedUsers {
		for ch := range conns {
			close(ch)
		}
		delete(h.connectedUsers, userID)
	}
}

// Dispatch handles an event sent by userID over the realtime channel.
// Messages sent this way are not persisted.
func (h *Hub) Dispatch(userID string, ev models.ClientEvent) error {
	if ev.Type != models.ClientEventTypeSend {
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	if ev.Message == nil {
		return errors.New("send event without message")
	}

	msg, err := content.Prepare(userID, *ev.Message, h.now())
	if err != nil {
		return fmt.Errorf("rejected message from %s: %w", userID, err)
	}
	h.Publish(msg)
	return nil
}

// Publish delivers msg to every connection of its conversation: both participants of
// a direct conversation, or everyone connected for a room. The sender gets the echo.
func (h *Hub) Publish(msg models.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ev := models.ServerEvent{Type: models.ServerEventTypeMessage, Message: &msg}

	if models.IsRoom(msg.ConversationID) {
		for userID, conns := range h.connectedUsers {
			h.sendLocked(userID, conns, ev)
		}
		return
	}

	a, b, ok := models.Participants(msg.ConversationID)
	if !ok {
		h.logger.Warn("dropping message with unknown conversation", "conversation_id", msg.ConversationID)
		return
	}
	for _, userID := range []string{a, b} {
		h.sendLocked(userID, h.connectedUsers[userID], ev)
	}
}

func (h *Hub) broadcastPresenceLocked() {
	ev := models.ServerEvent{Type: models.ServerEventTypePresence, Online: h.onlineLocked()}
	for userID, conns := range h.connectedUsers {
		h.sendLocked(userID, conns, ev)
	}
}

func (h *Hub) sendLocked(userID string, conns map[chan models.ServerEvent]struct{}, ev models.ServerEvent) {
	for ch := range conns {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("outbox full, dropping event", "user_id", userID, "type", ev.Type)
		}
	}
}

// Online returns the sorted ids of connected users.
func (h *Hub) Online() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onlineLocked()
}

func (h *Hub) onlineLocked() []string {
	ids := make([]string, 0, len(h.connectedUsers))
	for id := range h.connectedUsers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.connectedUsers[userID]
	return ok
}
