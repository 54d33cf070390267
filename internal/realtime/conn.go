package realtime

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"livechat/internal/models"

	"github.com/gorilla/websocket"
)

// Transport is the minimal surface of a websocket connection the client needs.
// *websocket.Conn satisfies it.
type Transport interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

// Dialer performs the handshake with the relay for one identity.
type Dialer interface {
	Dial(ctx context.Context, identityID string) (Transport, error)
}

// WebSocketDialer dials the relay with the identity id as the "user" query parameter.
type WebSocketDialer struct {
	URL    string
	Dialer *websocket.Dialer
}

func (d WebSocketDialer) Dial(ctx context.Context, identityID string) (Transport, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("user", identityID)
	u.RawQuery = q.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return ws, nil
}

type Status int

const (
	StatusConnecting Status = iota
	StatusOpen
	StatusOffline // handshake failed or transport dropped; a reconnect is scheduled
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusOffline:
		return "offline"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

// EventSource is what presence and conversation consumers read from.
// They may subscribe but never close it.
type EventSource interface {
	Subscribe(handler func(models.ServerEvent)) *Subscription
	OnStatus(handler func(Status, error)) *Subscription
}

// Subscription releases a handler registration. Unsubscribe is idempotent and nil-safe.
type Subscription struct {
	once    sync.Once
	release func()
}

func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.release)
}

// NewSubscription returns a subscription that calls release once.
func NewSubscription(release func()) *Subscription {
	if release == nil {
		release = func() {}
	}
	return &Subscription{release: release}
}

// Combine returns a subscription that releases all of subs.
func Combine(subs ...*Subscription) *Subscription {
	return NewSubscription(func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	})
}

type eventHandler struct {
	id uint64
	fn func(models.ServerEvent)
}

type statusHandler struct {
	id uint64
	fn func(Status, error)
}

// Conn is a live realtime session with the relay, scoped to one identity.
// It reconnects on its own until the Manager closes it.
type Conn struct {
	identity models.Identity
	dialer   Dialer
	backoff  Backoff
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu             sync.Mutex
	status         Status
	lastErr        error
	transport      Transport
	nextID         uint64
	handlers       []eventHandler
	statusHandlers []statusHandler

	// Serializes status notifications so listeners observe transitions in order.
	statusMu sync.Mutex
	writeMu  sync.Mutex
}

func newConn(identity models.Identity, cfg Config) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		identity: identity,
		dialer:   cfg.Dialer,
		backoff:  cfg.Backoff,
		logger:   cfg.Logger.With("user_id", identity.ID),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		status:   StatusConnecting,
	}
}

func (c *Conn) IdentityID() string {
	return c.identity.ID
}

func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Done is closed once the connection is closed and its goroutine has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Subscribe registers handler for server events. Handlers run on the read
// goroutine in the order the transport delivers events and must not block.
func (c *Conn) Subscribe(handler func(models.ServerEvent)) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusClosed {
		return NewSubscription(nil)
	}
	c.nextID++
	id := c.nextID
	c.handlers = append(c.handlers, eventHandler{id: id, fn: handler})

	return NewSubscription(func() { c.removeHandler(id) })
}

// OnStatus registers handler for status changes. It is called right away with the current status.
func (c *Conn) OnStatus(handler func(Status, error)) *Subscription {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()

	c.mu.Lock()
	status, lastErr := c.status, c.lastErr
	sub := NewSubscription(nil)
	if status != StatusClosed {
		c.nextID++
		id := c.nextID
		c.statusHandlers = append(c.statusHandlers, statusHandler{id: id, fn: handler})
		sub = NewSubscription(func() { c.removeStatusHandler(id) })
	}
	c.mu.Unlock()

	handler(status, lastErr)
	return sub
}

func (c *Conn) removeHandler(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, h := range c.handlers {
		if h.id == id {
			c.handlers = append(c.handlers[:i:i], c.handlers[i+1:]...)
			return
		}
	}
}

func (c *Conn) removeStatusHandler(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, h := range c.statusHandlers {
		if h.id == id {
			c.statusHandlers = append(c.statusHandlers[:i:i], c.statusHandlers[i+1:]...)
			return
		}
	}
}

// Send writes ev to the relay. It fails with ErrNotConnected unless the connection is open.
func (c *Conn) Send(ctx context.Context, ev models.ClientEvent) error {
	c.mu.Lock()
	t, status := c.transport, c.status
	c.mu.Unlock()

	if t == nil || status != StatusOpen {
		return models.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		errCh <- t.WriteJSON(ev)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) run() {
	defer close(c.done)

	attempt := 0
	for {
		t, err := c.dialer.Dial(c.ctx, c.identity.ID)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("relay handshake failed", "attempt", attempt, "error", err)
			c.setStatus(StatusOffline, models.NewError(models.KindConnection, "connect", err))
			if !c.wait(c.backoff.Duration(attempt)) {
				return
			}
			attempt++
			continue
		}

		if !c.attach(t) {
			_ = t.Close()
			return
		}
		attempt = 0
		c.logger.Debug("relay connected")
		c.setStatus(StatusOpen, nil)

		err = c.readLoop(t)
		c.detach(t)
		_ = t.Close()
		if c.ctx.Err() != nil {
			return
		}

		c.logger.Warn("relay connection dropped", "error", err)
		c.setStatus(StatusOffline, models.NewError(models.KindConnection, "read", err))
		if !c.wait(c.backoff.Duration(attempt)) {
			return
		}
		attempt++
	}
}

func (c *Conn) readLoop(t Transport) error {
	for {
		var ev models.ServerEvent
		if err := t.ReadJSON(&ev); err != nil {
			return err
		}
		c.dispatch(ev)
	}
}

func (c *Conn) dispatch(ev models.ServerEvent) {
	c.mu.Lock()
	handlers := make([]eventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	for _, h := range handlers {
		h.fn(ev)
	}
}

func (c *Conn) attach(t Transport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusClosed {
		return false
	}
	c.transport = t
	return true
}

func (c *Conn) detach(t Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == t {
		c.transport = nil
	}
}

func (c *Conn) setStatus(status Status, err error) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()

	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.lastErr = err
	handlers := make([]statusHandler, len(c.statusHandlers))
	copy(handlers, c.statusHandlers)
	c.mu.Unlock()

	for _, h := range handlers {
		h.fn(status, err)
	}
}

func (c *Conn) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// close releases the transport and every subscription. Only the Manager calls it.
func (c *Conn) close() {
	c.statusMu.Lock()
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		c.statusMu.Unlock()
		return
	}
	c.status = StatusClosed
	c.lastErr = nil
	t := c.transport
	c.transport = nil
	statusHandlers := c.statusHandlers
	c.handlers = nil
	c.statusHandlers = nil
	c.mu.Unlock()

	for _, h := range statusHandlers {
		h.fn(StatusClosed, nil)
	}
	c.statusMu.Unlock()

	c.cancel()
	if t != nil {
		_ = t.Close()
	}
	c.logger.Debug("relay connection closed")
}

func (c *Conn) isClosed() bool {
	return c.Status() == StatusClosed
}
