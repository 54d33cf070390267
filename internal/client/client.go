package client

import (
	"log/slog"
	"net/http"

	"livechat/internal/blob"
	"livechat/internal/config"
	"livechat/internal/conversation"
	"livechat/internal/history"
	"livechat/internal/logging"
	"livechat/internal/models"
	"livechat/internal/outbound"
	"livechat/internal/presence"
	"livechat/internal/realtime"
)

// Callbacks receive UI updates. Any of them may be nil.
type Callbacks struct {
	OnStatus   func(status realtime.Status, err error)
	OnPresence func(online []string)
	OnMessages func(messages []models.Message)
	OnError    func(err error)
}

// Client is the messaging core of one signed-in identity: its realtime
// connection, the presence cache, the open conversation and the composer.
type Client struct {
	Identity models.Identity
	Manager  *realtime.Manager
	Conn     *realtime.Conn
	Tracker  *presence.Tracker
	History  *history.Client
	Session  *conversation.Session
	Pipeline *outbound.Pipeline

	subs *realtime.Subscription
}

// New connects identity to the relay. Close releases everything it started.
func New(cfg *config.ClientConfig, identity models.Identity, cb Callbacks, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With("identity_id", identity.ID)
	httpClient := &http.Client{}

	backoff := realtime.DefaultBackoff()
	backoff.Min = cfg.ReconnectMin
	backoff.Max = cfg.ReconnectMax

	c := &Client{
		Identity: identity,
		Manager: realtime.NewManager(realtime.Config{
			Dialer:  realtime.WebSocketDialer{URL: cfg.RelayURL},
			Backoff: backoff,
			Logger:  logger,
		}),
		Tracker: presence.NewTracker(),
		History: history.New(cfg.APIURL, httpClient, cfg.RequestTimeout),
	}
	c.Conn = c.Manager.Ensure(&identity)

	var statusSub *realtime.Subscription
	if cb.OnStatus != nil {
		statusSub = c.Conn.OnStatus(cb.OnStatus)
	}
	c.subs = realtime.Combine(statusSub, c.Tracker.Subscribe(c.Conn, cb.OnPresence))

	c.Session = conversation.New(conversation.Config{
		Identity:     identity,
		Source:       c.Conn,
		Fetcher:      c.History,
		PollInterval: cfg.PollInterval,
		FetchTimeout: cfg.RequestTimeout,
		Logger:       logger,
		OnUpdate:     cb.OnMessages,
		OnError:      cb.OnError,
	})

	c.Pipeline = outbound.New(outbound.Config{
		Conversation: c.Session,
		Uploader:     blob.NewUploader(cfg.APIURL, httpClient),
		Store:        c.History,
		Relay:        c.Manager,
		Delivery:     cfg.Delivery,
		Timeout:      cfg.RequestTimeout,
		Logger:       logger,
		OnError:      cb.OnError,
	})

	return c
}

// Close ends the conversation and closes the connection, in that order.
func (c *Client) Close() {
	c.Session.Close()
	c.subs.Unsubscribe()
	c.Manager.Close()
}
