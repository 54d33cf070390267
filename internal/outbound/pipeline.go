package outbound

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"livechat/internal/config"
	"livechat/internal/logging"
	"livechat/internal/models"

	"github.com/google/uuid"
)

var ErrNoConversation = errors.New("no conversation is open")

// Conversation is the transcript the pipeline writes optimistic messages into.
// *conversation.Session satisfies it.
type Conversation interface {
	IdentityID() string
	CounterpartID() string
	AddPending(msg models.Message) error
	Confirm(msg models.Message)
	Discard(clientID string)
}

// MessageStore persists a message and returns the server copy. *history.Client satisfies it.
type MessageStore interface {
	Send(ctx context.Context, identityID string, msg models.Message) (models.Message, error)
}

// EventSender publishes a realtime event. *realtime.Manager satisfies it.
type EventSender interface {
	Send(ctx context.Context, ev models.ClientEvent) error
}

type Config struct {
	Conversation Conversation
	Uploader     Uploader
	Store        MessageStore // Used by config.DeliveryDurable
	Relay        EventSender  // Used by config.DeliveryRelay
	Delivery     config.Delivery
	Timeout      time.Duration
	Logger       *slog.Logger
	OnError      func(err error)
	Now          func() time.Time
}

// Pipeline owns the composer: the text draft, the staged attachment and sending.
type Pipeline struct {
	cfg Config

	mu     sync.Mutex
	draft  models.Draft
	upload *UploadTask
}

func New(cfg Config) *Pipeline {
	if cfg.Delivery == "" {
		cfg.Delivery = config.DeliveryDurable
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{cfg: cfg}
}

func (p *Pipeline) SetText(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.draft.Text = text
}

// Draft returns the current composer state.
func (p *Pipeline) Draft() models.Draft {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draft
}

// Upload returns the task of the most recent attachment, if any.
func (p *Pipeline) Upload() *UploadTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.upload
}

// RemoveAttachment cancels a running upload and unstages its result. The text draft is kept.
func (p *Pipeline) RemoveAttachment() {
	p.mu.Lock()
	task := p.upload
	p.upload = nil
	p.clearAttachmentLocked()
	p.mu.Unlock()

	if task != nil {
		task.Cancel()
	}
}

func (p *Pipeline) clearAttachmentLocked() {
	p.draft.AttachmentURL = ""
	p.draft.AttachmentType = models.AttachmentTypeNone
	p.draft.AttachmentName = ""
}

// Attach starts uploading r as the staged attachment, replacing any previous one.
// An empty kind is detected from the content. The upload runs until it resolves
// or ctx is done; its result is staged into the draft only if it is still current.
func (p *Pipeline) Attach(ctx context.Context, name string, r io.Reader, size int64, kind models.AttachmentType) *UploadTask {
	body, mime, kind := sniff(r, kind)

	uploadCtx, cancel := context.WithCancel(ctx)
	task := &UploadTask{
		preview: Preview{Name: name, MIME: mime, Type: kind, Size: size},
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	p.mu.Lock()
	previous := p.upload
	p.upload = task
	p.clearAttachmentLocked()
	p.mu.Unlock()

	if previous != nil {
		previous.Cancel()
	}

	go func() {
		defer cancel()
		url, err := p.cfg.Uploader.Upload(uploadCtx, p.cfg.Conversation.IdentityID(), name, body, size, task.setProgress)
		task.resolve(url, err)
		p.finishUpload(task)
		close(task.done)
	}()

	return task
}

func (p *Pipeline) finishUpload(task *UploadTask) {
	p.mu.Lock()
	current := p.upload == task
	if current && !task.Failed() {
		p.draft.AttachmentURL = task.URL()
		p.draft.AttachmentType = task.preview.Type
		p.draft.AttachmentName = task.preview.Name
	}
	p.mu.Unlock()

	if err := task.Err(); err != nil && current {
		p.cfg.Logger.Warn("upload failed", "name", task.preview.Name, "error", err)
		p.report(err)
	}
}

// Send delivers draft to the open conversation.
//
// An empty draft is rejected with ErrEmptyMessage before anything else happens.
// Otherwise the message shows up as pending right away. On success the composer is
// cleared; on failure the pending entry is dropped, the composer is kept and a
// KindSend error is returned.
func (p *Pipeline) Send(ctx context.Context, draft models.Draft) error {
	if draft.Empty() {
		return models.ErrEmptyMessage
	}

	conv := p.cfg.Conversation
	counterpartID := conv.CounterpartID()
	if counterpartID == "" {
		return p.fail(models.NewError(models.KindSend, "send", ErrNoConversation))
	}

	msg := draft.Message(conv.IdentityID(), counterpartID)
	msg.ClientID = uuid.NewString()
	msg.CreatedAt = p.cfg.Now().UnixMilli()
	if err := msg.Validate(); err != nil {
		return p.fail(models.NewError(models.KindSend, "send", err))
	}
	if err := conv.AddPending(msg); err != nil {
		return p.fail(models.NewError(models.KindSend, "send", err))
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if err := p.deliver(ctx, msg); err != nil {
		conv.Discard(msg.ClientID)
		p.cfg.Logger.Warn("send failed", "client_id", msg.ClientID, "delivery", p.cfg.Delivery, "error", err)
		return p.fail(models.NewError(models.KindSend, "send", err))
	}

	p.clearSent(draft)
	return nil
}

// Submit sends the current composer draft.
func (p *Pipeline) Submit(ctx context.Context) error {
	return p.Send(ctx, p.Draft())
}

func (p *Pipeline) deliver(ctx context.Context, msg models.Message) error {
	switch p.cfg.Delivery {
	case config.DeliveryRelay:
		if p.cfg.Relay == nil {
			return models.ErrNotConnected
		}
		// The relay echo confirms the pending entry.
		return p.cfg.Relay.Send(ctx, models.ClientEvent{Type: models.ClientEventTypeSend, Message: &msg})
	default:
		created, err := p.cfg.Store.Send(ctx, msg.SenderID, msg)
		if err != nil {
			return err
		}
		if created.ClientID == "" {
			created.ClientID = msg.ClientID
		}
		p.cfg.Conversation.Confirm(created)
		return nil
	}
}

// clearSent clears what was sent, keeping anything typed or attached since.
func (p *Pipeline) clearSent(sent models.Draft) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draft.Text == sent.Text {
		p.draft.Text = ""
	}
	if sent.AttachmentURL != "" && p.draft.AttachmentURL == sent.AttachmentURL {
		p.clearAttachmentLocked()
		p.upload = nil
	}
}

func (p *Pipeline) fail(err *models.Error) error {
	p.report(err)
	return err
}

func (p *Pipeline) report(err error) {
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
	}
}
