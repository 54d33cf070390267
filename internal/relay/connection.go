package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"livechat/internal/models"
)

var errHubClosed = errors.New("hub closed")

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type messageHub interface {
	Join(userID string) chan models.ServerEvent
	Leave(userID string, ch chan models.ServerEvent)
	Dispatch(userID string, ev models.ClientEvent) error
}

type Connection struct {
	ws         wsConnection
	hub        messageHub
	userID     string
	logger     *slog.Logger
	fromClient chan models.ClientEvent
	fromServer chan models.ServerEvent
	errorCh    chan error
}

// NewConnection joins userID to the hub. It returns nil if the hub no longer accepts connections.
func NewConnection(
	hub messageHub,
	ws wsConnection,
	userID string,
	logger *slog.Logger,
) *Connection {
	fromServer := hub.Join(userID)
	if fromServer == nil {
		return nil
	}
	return &Connection{
		ws:         ws,
		hub:        hub,
		userID:     userID,
		logger:     logger.With("user_id", userID),
		fromClient: make(chan models.ClientEvent),
		fromServer: fromServer,
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c.userID, c.fromServer)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpEvents(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpEvents(ctx context.Context) error {
	for {
		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.fromClient:
			// A bad event is the sender's problem, not a reason to hang up.
			if err := c.hub.Dispatch(c.userID, ev); err != nil {
				c.logger.Info("event rejected", "error", err)
			}
		case ev, ok := <-c.fromServer:
			if !ok {
				return errHubClosed
			}
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
