package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"livechat/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const (
	pushTTL        = 60 * 60 // Seconds the push service keeps an undelivered notification
	previewRunes   = 120
	attachmentText = "Sent an attachment"
)

// Subscriptions is where push endpoints are kept. *storage.BboltStorage satisfies it.
type Subscriptions interface {
	ListPushSubscriptions(userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(userID, endpoint string) error
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	// HTTPClient is used to reach push services. Defaults to http.DefaultClient.
	HTTPClient webpush.HTTPClient
}

// Payload is what the service worker receives.
type Payload struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Body           string `json:"body"`
}

// WebPush notifies users who are not connected about new direct messages.
type WebPush struct {
	cfg    Config
	subs   Subscriptions
	logger *slog.Logger
}

func NewWebPush(cfg Config, subs Subscriptions, logger *slog.Logger) *WebPush {
	return &WebPush{cfg: cfg, subs: subs, logger: logger}
}

// NotifyMessage pushes msg to every subscription of recipientID.
// Subscriptions the push service reports as gone are deleted.
func (w *WebPush) NotifyMessage(ctx context.Context, recipientID string, msg models.Message) error {
	subs, err := w.subs.ListPushSubscriptions(recipientID)
	if err != nil {
		return fmt.Errorf("failed to list push subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	payload, err := json.Marshal(Payload{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Body:           preview(msg),
	})
	if err != nil {
		return fmt.Errorf("failed to encode push payload: %w", err)
	}

	var lastErr error
	for _, sub := range subs {
		if err := w.send(ctx, payload, sub); err != nil {
			w.logger.Warn("push delivery failed", "user_id", recipientID, "endpoint", sub.Endpoint, "error", err)
			lastErr = err
		}
	}
	return lastErr
}

func (w *WebPush) send(ctx context.Context, payload []byte, sub models.PushSubscription) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      w.cfg.HTTPClient,
		Subscriber:      w.cfg.Subscriber,
		VAPIDPublicKey:  w.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: w.cfg.VAPIDPrivateKey,
		TTL:             pushTTL,
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		if err := w.subs.DeletePushSubscription(sub.UserID, sub.Endpoint); err != nil {
			return fmt.Errorf("failed to delete expired subscription: %w", err)
		}
		w.logger.Info("removed expired push subscription", "user_id", sub.UserID)
		return nil
	case resp.StatusCode >= 300:
		return fmt.Errorf("push service returned status %d", resp.StatusCode)
	}
	return nil
}

func preview(msg models.Message) string {
	text := msg.Text
	if text == "" && msg.AttachmentURL != "" {
		return attachmentText
	}
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewRunes]) + "…"
}

// GenerateKeys returns a new VAPID key pair.
func GenerateKeys() (privateKey, publicKey string, err error) {
	return webpush.GenerateVAPIDKeys()
}
