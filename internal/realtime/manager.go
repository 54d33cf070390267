package realtime

import (
	"context"
	"log/slog"
	"sync"

	"livechat/internal/logging"
	"livechat/internal/models"
)

type Config struct {
	Dialer  Dialer
	Backoff Backoff
	Logger  *slog.Logger
}

// Manager owns the single realtime connection of the signed-in identity.
// Dependents get the handle but only the Manager closes it.
type Manager struct {
	cfg Config

	mu   sync.Mutex
	conn *Conn
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	return &Manager{cfg: cfg}
}

// Ensure reconciles the connection with identity: nil closes it, a new identity
// replaces it, and the same identity keeps the existing one.
func (m *Manager) Ensure(identity *models.Identity) *Conn {
	m.mu.Lock()
	old := m.conn
	switch {
	case identity == nil || identity.ID == "":
		m.conn = nil
	case old != nil && old.identity.ID == identity.ID && !old.isClosed():
		m.mu.Unlock()
		return old
	default:
		m.conn = newConn(*identity, m.cfg)
		go m.conn.run()
	}
	conn := m.conn
	m.mu.Unlock()

	// Status listeners run inside close and may call back into the Manager.
	if old != nil {
		old.close()
	}
	return conn
}

// Connection returns the current connection or nil when there is none.
func (m *Manager) Connection() *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Send writes ev through the current connection.
func (m *Manager) Send(ctx context.Context, ev models.ClientEvent) error {
	conn := m.Connection()
	if conn == nil {
		return models.ErrNotConnected
	}
	return conn.Send(ctx, ev)
}

// Close closes the connection and waits for its goroutine to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		conn.close()
		<-conn.Done()
	}
}
