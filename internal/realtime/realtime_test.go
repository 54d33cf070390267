package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"livechat/internal/models"

	"github.com/stretchr/testify/require"
)

type mockTransport struct {
	readCh    chan models.ServerEvent
	writeCh   chan any
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		readCh:  make(chan models.ServerEvent, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockTransport) Close() error {
	m.closeOnce.Do(func() { close(m.closeCh) })
	return nil
}

func (m *mockTransport) WriteJSON(v any) error {
	select {
	case m.writeCh <- v:
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

func (m *mockTransport) ReadJSON(v any) error {
	select {
	case ev := <-m.readCh:
		if ptr, ok := v.(*models.ServerEvent); ok {
			*ptr = ev
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

func (m *mockTransport) closed() bool {
	select {
	case <-m.closeCh:
		return true
	default:
		return false
	}
}

type mockDialer struct {
	mu         sync.Mutex
	failures   int
	dialed     chan string
	transports chan *mockTransport
}

func newMockDialer(failures int) *mockDialer {
	return &mockDialer{
		failures:   failures,
		dialed:     make(chan string, 10),
		transports: make(chan *mockTransport, 10),
	}
}

func (d *mockDialer) Dial(ctx context.Context, identityID string) (Transport, error) {
	d.dialed <- identityID

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	t := newMockTransport()
	d.transports <- t
	return t, nil
}

func testManager(dialer Dialer) *Manager {
	return NewManager(Config{
		Dialer:  dialer,
		Backoff: Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
	})
}

type statusChange struct {
	status Status
	err    error
}

func watchStatus(conn *Conn) (<-chan statusChange, *Subscription) {
	ch := make(chan statusChange, 32)
	sub := conn.OnStatus(func(s Status, err error) {
		ch <- statusChange{s, err}
	})
	return ch, sub
}

func waitFor(t *testing.T, ch <-chan statusChange, want Status) statusChange {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case change := <-ch:
			if change.status == want {
				return change
			}
		case <-timeout:
			t.Fatalf("timeout waiting for status %s", want)
		}
	}
}

func TestManager_EnsureLifecycle(t *testing.T) {
	dialer := newMockDialer(0)
	m := testManager(dialer)
	defer m.Close()

	identity := &models.Identity{ID: "u1", Username: "alice"}

	conn := m.Ensure(identity)
	require.NotNil(t, conn)
	require.Equal(t, "u1", <-dialer.dialed)

	statuses, _ := watchStatus(conn)
	waitFor(t, statuses, StatusOpen)
	transport := <-dialer.transports

	// Same identity again is a no-op.
	require.Same(t, conn, m.Ensure(identity))
	require.Same(t, conn, m.Connection())
	select {
	case id := <-dialer.dialed:
		t.Fatalf("unexpected second dial for %s", id)
	default:
	}

	// Logout closes the connection.
	require.Nil(t, m.Ensure(nil))
	require.Nil(t, m.Connection())
	require.Equal(t, StatusClosed, conn.Status())
	waitFor(t, statuses, StatusClosed)

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection goroutine did not exit")
	}
	require.True(t, transport.closed())
}

func TestManager_SwitchIdentity(t *testing.T) {
	dialer := newMockDialer(0)
	m := testManager(dialer)
	defer m.Close()

	first := m.Ensure(&models.Identity{ID: "u1"})
	require.Equal(t, "u1", <-dialer.dialed)

	second := m.Ensure(&models.Identity{ID: "u2"})
	require.Equal(t, "u2", <-dialer.dialed)

	require.NotSame(t, first, second)
	require.Equal(t, StatusClosed, first.Status())
	require.Equal(t, "u2", m.Connection().IdentityID())
}

func TestManager_ListenerMayCallManagerOnClose(t *testing.T) {
	dialer := newMockDialer(0)
	m := testManager(dialer)
	defer m.Close()

	conn := m.Ensure(&models.Identity{ID: "u1"})
	require.Equal(t, "u1", <-dialer.dialed)

	var seen atomic.Pointer[Conn]
	conn.OnStatus(func(s Status, _ error) {
		if s == StatusClosed {
			if c := m.Connection(); c != nil {
				seen.Store(c)
			}
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Ensure(&models.Identity{ID: "u2"})
		m.Ensure(nil)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Ensure blocked while a status listener used the Manager")
	}
	require.Equal(t, StatusClosed, conn.Status())
	require.Nil(t, m.Connection())

	// The replacement was already installed when the old connection reported closed.
	require.NotNil(t, seen.Load())
	require.Equal(t, "u2", seen.Load().IdentityID())
}

func TestManager_EmptyIdentityHoldsNoConnection(t *testing.T) {
	m := testManager(newMockDialer(0))
	require.Nil(t, m.Ensure(&models.Identity{}))
	require.Nil(t, m.Connection())
}

func TestConn_SubscribeOrder(t *testing.T) {
	dialer := newMockDialer(0)
	m := testManager(dialer)
	defer m.Close()

	conn := m.Ensure(&models.Identity{ID: "u1"})
	statuses, _ := watchStatus(conn)
	waitFor(t, statuses, StatusOpen)
	transport := <-dialer.transports

	received := make(chan models.ServerEvent, 10)
	sub := conn.Subscribe(func(ev models.ServerEvent) {
		received <- ev
	})

	for _, id := range []string{"m1", "m2", "m3"} {
		transport.readCh <- models.ServerEvent{
			Type:    models.ServerEventTypeMessage,
			Message: &models.Message{ID: id},
		}
	}

	for _, want := range []string{"m1", "m2", "m3"} {
		select {
		case ev := <-received:
			require.Equal(t, want, ev.Message.ID)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}

	sub.Unsubscribe()
	sub.Unsubscribe()

	// A marker subscriber proves the event was dispatched before asserting silence.
	marker := make(chan struct{}, 1)
	conn.Subscribe(func(models.ServerEvent) { marker <- struct{}{} })
	transport.readCh <- models.ServerEvent{Type: models.ServerEventTypePresence}
	<-marker

	select {
	case ev := <-received:
		t.Fatalf("received event after unsubscribe: %+v", ev)
	default:
	}
}

func TestConn_ReconnectAfterHandshakeFailure(t *testing.T) {
	dialer := newMockDialer(2)
	// Slow enough that the offline state is observable before the retry succeeds.
	m := NewManager(Config{
		Dialer:  dialer,
		Backoff: Backoff{Min: 50 * time.Millisecond, Max: 100 * time.Millisecond, Factor: 2},
	})
	defer m.Close()

	conn := m.Ensure(&models.Identity{ID: "u1"})
	statuses, _ := watchStatus(conn)

	offline := waitFor(t, statuses, StatusOffline)
	require.True(t, models.IsKind(offline.err, models.KindConnection))

	waitFor(t, statuses, StatusOpen)
	require.Len(t, dialer.dialed, 3)
}

func TestConn_ReconnectAfterDrop(t *testing.T) {
	dialer := newMockDialer(0)
	m := testManager(dialer)
	defer m.Close()

	conn := m.Ensure(&models.Identity{ID: "u1"})
	statuses, _ := watchStatus(conn)
	waitFor(t, statuses, StatusOpen)

	first := <-dialer.transports
	_ = first.Close()

	waitFor(t, statuses, StatusOffline)
	waitFor(t, statuses, StatusOpen)

	second := <-dialer.transports
	require.NotSame(t, first, second)
}

func TestConn_Send(t *testing.T) {
	dialer := newMockDialer(0)
	m := testManager(dialer)
	defer m.Close()

	conn := m.Ensure(&models.Identity{ID: "u1"})
	statuses, _ := watchStatus(conn)
	waitFor(t, statuses, StatusOpen)
	transport := <-dialer.transports

	ev := models.ClientEvent{
		Type:    models.ClientEventTypeSend,
		Message: &models.Message{ClientID: "c1", Text: "hi"},
	}
	require.NoError(t, conn.Send(context.Background(), ev))

	select {
	case written := <-transport.writeCh:
		require.Equal(t, ev, written)
	case <-time.After(time.Second):
		t.Fatal("event was not written")
	}

	m.Ensure(nil)
	require.ErrorIs(t, conn.Send(context.Background(), ev), models.ErrNotConnected)
}

func TestConn_SubscribeAfterClose(t *testing.T) {
	m := testManager(newMockDialer(0))
	conn := m.Ensure(&models.Identity{ID: "u1"})
	m.Ensure(nil)

	called := false
	sub := conn.Subscribe(func(models.ServerEvent) { called = true })
	sub.Unsubscribe()
	require.False(t, called)

	var got Status
	conn.OnStatus(func(s Status, _ error) { got = s })
	require.Equal(t, StatusClosed, got)
}

func TestBackoff_Duration(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{50, time.Second},
	}

	for _, tt := range tests {
		if got := b.Duration(tt.attempt); got != tt.want {
			t.Errorf("Duration(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	b.Jitter = 0.2
	for i := 0; i < 100; i++ {
		d := b.Duration(0)
		if d < 80*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("jittered delay %v out of range", d)
		}
	}
	// Jitter never pushes a capped delay past Max, but still spreads it below.
	spread := false
	for i := 0; i < 1000; i++ {
		d := b.Duration(50)
		if d > b.Max || d < 800*time.Millisecond {
			t.Fatalf("jittered capped delay %v out of range", d)
		}
		spread = spread || d < b.Max
	}
	require.True(t, spread, "capped delays lost their jitter")
}

func TestManager_SendWithoutConnection(t *testing.T) {
	m := testManager(newMockDialer(0))
	err := m.Send(context.Background(), models.ClientEvent{Type: models.ClientEventTypeSend})
	require.ErrorIs(t, err, models.ErrNotConnected)
}
