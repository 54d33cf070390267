package content

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"livechat/internal/models"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const maxIDLen = 64

var (
	policy   = bluemonday.UGCPolicy()
	markdown = goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Linkify))
	// Underscores are reserved as the separator of direct conversation ids.
	userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9.-]+$`)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Render converts message markdown to HTML that is safe to embed.
func Render(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return strings.TrimSpace(policy.Sanitize(buf.String())), nil
}

// ValidateUserID checks that id is non-empty and contains only
// alphanumerics, dots and dashes.
func ValidateUserID(id string) error {
	if id == "" {
		return errors.New("user id cannot be empty")
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("user id is longer than %d characters", maxIDLen)
	}
	if !userIDRegex.MatchString(id) {
		return errors.New("user id contains invalid characters (allowed: alphanumeric, dot, dash)")
	}
	return nil
}

// ValidateCounterpart accepts a user id or a room id ("room_" followed by a valid id).
func ValidateCounterpart(id string) error {
	if models.IsRoom(id) {
		if err := ValidateUserID(strings.TrimPrefix(id, models.RoomPrefix)); err != nil {
			return fmt.Errorf("invalid room id: %w", err)
		}
		return nil
	}
	return ValidateUserID(id)
}

// Prepare turns a message submitted by senderID into the server copy: it checks
// the addressing and attachment, then stamps id, conversation, time and HTML.
// The client id is kept so the sender can match the echo to its optimistic entry.
func Prepare(senderID string, msg models.Message, now time.Time) (models.Message, error) {
	if err := ValidateUserID(senderID); err != nil {
		return models.Message{}, err
	}
	if err := ValidateCounterpart(msg.RecipientID); err != nil {
		return models.Message{}, fmt.Errorf("invalid recipient: %w", err)
	}
	if msg.RecipientID == senderID {
		return models.Message{}, errors.New("cannot message yourself")
	}
	if err := msg.Validate(); err != nil {
		return models.Message{}, err
	}
	if msg.AttachmentURL != "" {
		if err := validateAttachmentURL(msg.AttachmentURL); err != nil {
			return models.Message{}, err
		}
		if msg.AttachmentType == models.AttachmentTypeNone {
			msg.AttachmentType = models.AttachmentTypeFile
		}
	} else {
		msg.AttachmentType = models.AttachmentTypeNone
		msg.AttachmentName = ""
	}

	html, err := Render(msg.Text)
	if err != nil {
		return models.Message{}, err
	}

	return models.Message{
		ID:             uuid.NewString(),
		ClientID:       msg.ClientID,
		ConversationID: models.ConversationID(senderID, msg.RecipientID),
		SenderID:       senderID,
		RecipientID:    msg.RecipientID,
		Text:           msg.Text,
		HTML:           html,
		AttachmentURL:  msg.AttachmentURL,
		AttachmentType: msg.AttachmentType,
		AttachmentName: Sanitize(msg.AttachmentName),
		CreatedAt:      now.UnixMilli(),
	}, nil
}

func validateAttachmentURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid attachment url: %w", err)
	}
	if u.Scheme == "" && strings.HasPrefix(u.Path, "/") {
		return nil
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("attachment url scheme %q is not allowed", u.Scheme)
	}
	return nil
}
