package models

import (
	"fmt"
	"sort"
	"strings"
)

// IdentityHeader carries the caller's user id on every relay API request.
const IdentityHeader = "X-User-ID"

// Identity is the authenticated user viewing the application.
type Identity struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	FullName       string `json:"fullName"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

type AttachmentType string

const (
	AttachmentTypeNone  AttachmentType = ""
	AttachmentTypeImage AttachmentType = "image"
	AttachmentTypeFile  AttachmentType = "file"
)

func (t AttachmentType) Valid() bool {
	switch t {
	case AttachmentTypeNone, AttachmentTypeImage, AttachmentTypeFile:
		return true
	}
	return false
}

// Message represents a chat message.
type Message struct {
	ID             string         `json:"id,omitempty"`       // Assigned by the server, empty for optimistic drafts
	ClientID       string         `json:"clientId,omitempty"` // Correlation id generated by the sender
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	RecipientID    string         `json:"recipientId,omitempty"` // Counterpart or room id
	Text           string         `json:"text,omitempty"`
	HTML           string         `json:"html,omitempty"`
	AttachmentURL  string         `json:"attachmentUrl,omitempty"`
	AttachmentType AttachmentType `json:"attachmentType,omitempty"`
	AttachmentName string         `json:"attachmentName,omitempty"`
	CreatedAt      int64          `json:"createdAt"` // Unix milliseconds
	Pending        bool           `json:"-"`
}

// Validate checks that the message carries text or an attachment.
func (m Message) Validate() error {
	if strings.TrimSpace(m.Text) == "" && m.AttachmentURL == "" {
		return ErrEmptyMessage
	}
	if !m.AttachmentType.Valid() {
		return fmt.Errorf("unknown attachment type %q", m.AttachmentType)
	}
	return nil
}

// Draft is what the user intends to send: typed text and an optional uploaded asset.
type Draft struct {
	Text           string         `json:"text"`
	AttachmentURL  string         `json:"attachmentUrl,omitempty"`
	AttachmentType AttachmentType `json:"attachmentType,omitempty"`
	AttachmentName string         `json:"attachmentName,omitempty"`
}

func (d Draft) Empty() bool {
	return strings.TrimSpace(d.Text) == "" && d.AttachmentURL == ""
}

// Message converts the draft into an outgoing message addressed to counterpartID.
func (d Draft) Message(senderID, counterpartID string) Message {
	attType := d.AttachmentType
	if d.AttachmentURL == "" {
		attType = AttachmentTypeNone
	} else if attType == AttachmentTypeNone {
		attType = AttachmentTypeFile
	}
	return Message{
		ConversationID: ConversationID(senderID, counterpartID),
		SenderID:       senderID,
		RecipientID:    counterpartID,
		Text:           d.Text,
		AttachmentURL:  d.AttachmentURL,
		AttachmentType: attType,
		AttachmentName: d.AttachmentName,
	}
}

const (
	RoomPrefix = "room_"
	dmPrefix   = "dm_"
)

// IsRoom reports whether id names a group room rather than a user.
func IsRoom(id string) bool {
	return strings.HasPrefix(id, RoomPrefix)
}

// ConversationID returns the id of the thread between selfID and counterpartID.
// Rooms are their own conversation; direct chats get a deterministic id.
func ConversationID(selfID, counterpartID string) string {
	if IsRoom(counterpartID) {
		return counterpartID
	}
	ids := []string{selfID, counterpartID}
	sort.Strings(ids)
	return fmt.Sprintf("%s%s_%s", dmPrefix, ids[0], ids[1])
}

// Participants returns both user ids of a direct conversation.
func Participants(conversationID string) (string, string, bool) {
	if !strings.HasPrefix(conversationID, dmPrefix) {
		return "", "", false
	}
	parts := strings.Split(conversationID[len(dmPrefix):], "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ClientEvent represents an event sent from the client to the relay.
type ClientEvent struct {
	Type    ClientEventType `json:"type"`
	Message *Message        `json:"message,omitempty"`
}

// ServerEvent represents an event pushed by the relay to the client.
type ServerEvent struct {
	Type    ServerEventType `json:"type"`
	Online  []string        `json:"online,omitempty"`
	Message *Message        `json:"message,omitempty"`
}

type ClientEventType string

const (
	ClientEventTypeSend ClientEventType = "send"
)

type ServerEventType string

const (
	ServerEventTypePresence ServerEventType = "presence"
	ServerEventTypeMessage  ServerEventType = "message"
)

// PushSubscription is a browser Web Push subscription as produced by PushSubscription.toJSON().
type PushSubscription struct {
	UserID   string   `json:"-"`
	Endpoint string   `json:"endpoint"`
	Keys     PushKeys `json:"keys"`
}

type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// FileInfo describes an uploaded blob.
type FileInfo struct {
	ID        string `json:"id"`
	Hash      string `json:"-"`
	Name      string `json:"name"`
	MimeType  string `json:"mimeType"`
	Size      int64  `json:"size"`
	OwnerID   string `json:"ownerId"`
	CreatedAt int64  `json:"createdAt"`
}
