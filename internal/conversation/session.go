package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"livechat/internal/models"
	"livechat/internal/realtime"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultFetchTimeout = 10 * time.Second
)

var (
	// ErrSuperseded is returned by Open when another conversation was opened
	// before the history arrived. Nothing from the stale fetch is applied.
	ErrSuperseded = errors.New("conversation switched before history arrived")
	ErrNotOpen    = errors.New("no conversation is open")
)

// Fetcher loads the history of the conversation between identityID and counterpartID.
// *history.Client satisfies it.
type Fetcher interface {
	Messages(ctx context.Context, identityID, counterpartID string) ([]models.Message, error)
}

type State int

const (
	StateIdle State = iota
	StateLoading
	StateLive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	}
	return "unknown"
}

type Config struct {
	Identity models.Identity
	// Source delivers pushed messages. May be nil, in which case only polling keeps the transcript fresh.
	Source       realtime.EventSource
	Fetcher      Fetcher
	PollInterval time.Duration
	FetchTimeout time.Duration
	Logger       *slog.Logger

	OnUpdate func(messages []models.Message)
	OnError  func(err error)
}

// Session holds the transcript of the one conversation currently on screen.
type Session struct {
	cfg Config

	mu             sync.Mutex
	state          State
	generation     uint64
	counterpartID  string
	conversationID string
	transcript     *Transcript
	cancel         context.CancelFunc
	sub            *realtime.Subscription

	// Serializes OnUpdate so snapshots are delivered in the order they were taken.
	notifyMu sync.Mutex
	pollers  sync.WaitGroup
}

func New(cfg Config) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{
		cfg:        cfg,
		transcript: NewTranscript(),
	}
}

// Open switches the session to the conversation with counterpartID and loads its history.
//
// The session is Live once Open returns, whether or not the fetch succeeded; a failed
// fetch is returned as a KindHistoryFetch error and retried by the poller.
func (s *Session) Open(ctx context.Context, counterpartID string) error {
	if counterpartID == "" {
		return fmt.Errorf("counterpart id is required")
	}

	s.mu.Lock()
	s.teardownLocked()
	s.generation++
	gen := s.generation
	s.counterpartID = counterpartID
	s.conversationID = models.ConversationID(s.cfg.Identity.ID, counterpartID)
	s.transcript = NewTranscript()
	s.state = StateLoading

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.cfg.Source != nil {
		s.sub = s.cfg.Source.Subscribe(func(ev models.ServerEvent) {
			s.onEvent(gen, ev)
		})
	}
	s.mu.Unlock()
	s.notify(gen)

	fetchCtx, stop := context.WithCancel(ctx)
	defer stop()
	release := context.AfterFunc(runCtx, stop)
	defer release()

	msgs, err := s.fetch(fetchCtx, counterpartID)

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return ErrSuperseded
	}
	if err == nil {
		s.transcript.Merge(msgs...)
	}
	s.state = StateLive
	s.pollers.Add(1)
	go s.poll(runCtx, gen, counterpartID)
	s.mu.Unlock()

	s.notify(gen)

	if err != nil {
		err = models.NewError(models.KindHistoryFetch, "open", err)
		s.cfg.Logger.Warn("history fetch failed", "conversation_id", s.ConversationID(), "error", err)
		s.reportError(err)
		return err
	}
	return nil
}

// Close stops polling, drops the subscription and returns the session to Idle.
// It waits for the poller to exit, so it must not be called from OnUpdate or OnError.
func (s *Session) Close() {
	s.mu.Lock()
	s.teardownLocked()
	s.generation++
	s.state = StateIdle
	s.counterpartID = ""
	s.conversationID = ""
	s.transcript = NewTranscript()
	s.mu.Unlock()

	s.pollers.Wait()
}

func (s *Session) teardownLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.sub.Unsubscribe()
	s.sub = nil
}

func (s *Session) fetch(ctx context.Context, counterpartID string) ([]models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()
	return s.cfg.Fetcher.Messages(ctx, s.cfg.Identity.ID, counterpartID)
}

func (s *Session) poll(ctx context.Context, gen uint64, counterpartID string) {
	defer s.pollers.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs, err := s.fetch(ctx, counterpartID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.cfg.Logger.Debug("history poll failed", "counterpart_id", counterpartID, "error", err)
			s.reportError(models.NewError(models.KindHistoryFetch, "poll", err))
			continue
		}
		s.merge(gen, msgs...)
	}
}

func (s *Session) onEvent(gen uint64, ev models.ServerEvent) {
	if ev.Type != models.ServerEventTypeMessage || ev.Message == nil {
		return
	}
	s.mu.Lock()
	active := s.generation == gen && ev.Message.ConversationID == s.conversationID
	s.mu.Unlock()
	if active {
		s.merge(gen, *ev.Message)
	}
}

func (s *Session) merge(gen uint64, msgs ...models.Message) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	changed := s.transcript.Merge(msgs...)
	s.mu.Unlock()

	if changed {
		s.notify(gen)
	}
}

func (s *Session) notify(gen uint64) {
	if s.cfg.OnUpdate == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	msgs := s.transcript.Messages()
	s.mu.Unlock()

	s.cfg.OnUpdate(msgs)
}

func (s *Session) reportError(err error) {
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

// AddPending shows msg optimistically. msg must carry a client id and belong to the open conversation.
func (s *Session) AddPending(msg models.Message) error {
	if msg.ClientID == "" {
		return fmt.Errorf("pending message has no client id")
	}
	msg.ID = ""

	s.mu.Lock()
	if s.state == StateIdle || msg.ConversationID != s.conversationID {
		s.mu.Unlock()
		return ErrNotOpen
	}
	gen := s.generation
	changed := s.transcript.Merge(msg)
	s.mu.Unlock()

	if changed {
		s.notify(gen)
	}
	return nil
}

// Confirm merges the server copy of a sent message. Messages for another conversation are ignored.
func (s *Session) Confirm(msg models.Message) {
	s.mu.Lock()
	gen, active := s.generation, msg.ConversationID == s.conversationID
	s.mu.Unlock()
	if active {
		s.merge(gen, msg)
	}
}

// Discard removes the optimistic message with clientID after a failed send.
func (s *Session) Discard(clientID string) {
	s.mu.Lock()
	gen := s.generation
	removed := s.transcript.Remove(clientID)
	s.mu.Unlock()

	if removed {
		s.notify(gen)
	}
}

func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.Messages()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) CounterpartID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counterpartID
}

func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

func (s *Session) IdentityID() string {
	return s.cfg.Identity.ID
}
