package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"livechat/internal/logging"
	"livechat/internal/models"
)

type mockWS struct {
	readCh      chan models.ClientEvent
	writeCh     chan any
	closeCh     chan struct{}
	closeOnce   sync.Once
	mu          sync.Mutex
	closed      bool
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan models.ClientEvent, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.closeCh)
	})
	return nil
}

func (m *mockWS) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockWS) WriteJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- v
	return nil
}

func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	select {
	case ev, ok := <-m.readCh:
		if !ok {
			return errors.New("closed")
		}
		if ptr, ok := v.(*models.ClientEvent); ok {
			*ptr = ev
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

type mockHub struct {
	mu         sync.Mutex
	joinCh     chan string
	leaveCh    chan string
	dispatchCh chan models.ClientEvent
	userChans  map[string]chan models.ServerEvent
	refuse     bool
}

func newMockHub() *mockHub {
	return &mockHub{
		joinCh:     make(chan string, 10),
		leaveCh:    make(chan string, 10),
		dispatchCh: make(chan models.ClientEvent, 10),
		userChans:  make(map[string]chan models.ServerEvent),
	}
}

func (m *mockHub) Join(userID string) chan models.ServerEvent {
	if m.refuse {
		return nil
	}
	m.joinCh <- userID
	ch := make(chan models.ServerEvent, 10)
	m.mu.Lock()
	m.userChans[userID] = ch
	m.mu.Unlock()
	return ch
}

func (m *mockHub) Leave(userID string, ch chan models.ServerEvent) {
	m.leaveCh <- userID
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.userChans[userID]; ok && existing == ch {
		close(ch)
		delete(m.userChans, userID)
	}
}

func (m *mockHub) Dispatch(userID string, ev models.ClientEvent) error {
	m.dispatchCh <- ev
	if ev.Message == nil {
		return errors.New("no message")
	}
	return nil
}

func (m *mockHub) channel(userID string) chan models.ServerEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userChans[userID]
}

func TestConnection_Lifecycle(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	userID := "user1"

	conn := NewConnection(hub, ws, userID, logging.Discard())
	if conn == nil {
		t.Fatal("NewConnection returned nil")
	}

	// Verify Join was called
	select {
	case id := <-hub.joinCh:
		if id != userID {
			t.Errorf("Expected Join with %s, got %s", userID, id)
		}
	default:
		t.Error("Join not called on NewConnection")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	// 1. Client -> Hub, a rejected event keeps the connection alive
	ws.readCh <- models.ClientEvent{Type: models.ClientEventTypeSend}
	<-hub.dispatchCh

	clientEv := models.ClientEvent{
		Type:    models.ClientEventTypeSend,
		Message: &models.Message{RecipientID: "u3", Text: "hello"},
	}
	ws.readCh <- clientEv

	select {
	case received := <-hub.dispatchCh:
		if received.Message == nil || received.Message.Text != "hello" {
			t.Errorf("Hub received wrong event: %+v", received)
		}
	case <-time.After(1 * time.Second):
		t.Error("Hub did not receive dispatched event")
	}

	// 2. Hub -> Client
	hub.channel(userID) <- models.ServerEvent{
		Type:   models.ServerEventTypePresence,
		Online: []string{"user1"},
	}

	select {
	case received := <-ws.writeCh:
		ev, ok := received.(models.ServerEvent)
		if !ok {
			t.Fatalf("WS received wrong type: %T", received)
		}
		if len(ev.Online) != 1 || ev.Online[0] != "user1" {
			t.Errorf("WS received wrong content: %+v", ev)
		}
	case <-time.After(1 * time.Second):
		t.Error("WS did not receive server event")
	}

	// 3. Stop
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return after cancel")
	}

	select {
	case id := <-hub.leaveCh:
		if id != userID {
			t.Errorf("Expected Leave with %s, got %s", userID, id)
		}
	default:
		t.Error("Leave not called")
	}

	if !ws.isClosed() {
		t.Error("WS Close not called")
	}
}

func TestConnection_WSError(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	conn := NewConnection(hub, ws, "user2", logging.Discard())

	// Simulate ReadJSON error immediately
	ws.errToReturn = errors.New("read error")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return on error")
	}

	if !ws.isClosed() {
		t.Error("WS Close not called")
	}
}

func TestConnection_HubClosed(t *testing.T) {
	hub := NewHub(logging.Discard())
	ws := newMockWS()

	conn := NewConnection(hub, ws, "user3", logging.Discard())
	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	// Presence snapshot on join
	<-ws.writeCh
	hub.Close()

	select {
	case err := <-done:
		if !errors.Is(err, errHubClosed) {
			t.Errorf("expected errHubClosed, got %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return after hub close")
	}

	if NewConnection(hub, newMockWS(), "user4", logging.Discard()) != nil {
		t.Error("NewConnection should fail on a closed hub")
	}
}

func TestConnection_RefusedJoin(t *testing.T) {
	hub := newMockHub()
	hub.refuse = true
	if NewConnection(hub, newMockWS(), "user1", logging.Discard()) != nil {
		t.Error("expected nil connection when hub refuses join")
	}
}
