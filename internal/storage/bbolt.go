package storage

import (
	"errors"
	"fmt"
	"time"

	"livechat/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketMessages          = []byte("messages")
	bucketFiles             = []byte("files")
	bucketPushSubscriptions = []byte("push_subscriptions")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMessages, bucketFiles, bucketPushSubscriptions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// AppendMessage stores message at the end of its conversation.
// Each conversation is a nested bucket keyed by its own sequence.
func (s *BboltStorage) AppendMessage(message models.Message) error {
	if message.ConversationID == "" {
		return errors.New("message missing conversation id")
	}
	if message.ID == "" {
		return errors.New("message missing id")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		conversation, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(message.ConversationID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		seq, err := conversation.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		dbMessage := DBMessage{
			Seq:            seq,
			ID:             message.ID,
			ClientID:       message.ClientID,
			ConversationID: message.ConversationID,
			SenderID:       message.SenderID,
			RecipientID:    message.RecipientID,
			Text:           message.Text,
			HTML:           message.HTML,
			CreatedAt:      message.CreatedAt,
		}
		if message.AttachmentURL != "" {
			dbMessage.Attachment = &DBAttachment{
				Type: string(message.AttachmentType),
				Name: message.AttachmentName,
				URL:  message.AttachmentURL,
			}
		}

		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := conversation.Put(dbMessage.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		return nil
	})
}

// ListMessages returns the last limit messages of a conversation, oldest first.
// A limit of zero or less returns the whole conversation.
func (s *BboltStorage) ListMessages(conversationID string, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		conversation := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if conversation == nil {
			return nil // No messages for this conversation
		}

		var newestFirst []models.Message
		c := conversation.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(newestFirst) == limit {
				break
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			newestFirst = append(newestFirst, dbMsg.toModel())
		}

		messages = make([]models.Message, len(newestFirst))
		for i, m := range newestFirst {
			messages[len(newestFirst)-1-i] = m
		}
		return nil
	})
	return messages, err
}

func (m *DBMessage) toModel() models.Message {
	msg := models.Message{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		RecipientID:    m.RecipientID,
		Text:           m.Text,
		HTML:           m.HTML,
		CreatedAt:      m.CreatedAt,
	}
	if m.Attachment != nil {
		msg.AttachmentURL = m.Attachment.URL
		msg.AttachmentType = models.AttachmentType(m.Attachment.Type)
		msg.AttachmentName = m.Attachment.Name
	}
	return msg
}

// UpsertPushSubscription stores sub under its user, replacing one with the same endpoint.
func (s *BboltStorage) UpsertPushSubscription(sub models.PushSubscription) error {
	if sub.UserID == "" || sub.Endpoint == "" {
		return errors.New("push subscription missing user id or endpoint")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketPushSubscriptions).CreateBucketIfNotExists([]byte(sub.UserID))
		if err != nil {
			return err
		}
		dbSub := &DBPushSubscription{
			UserID:   sub.UserID,
			Endpoint: sub.Endpoint,
			P256dh:   sub.Keys.P256dh,
			Auth:     sub.Keys.Auth,
		}
		data, err := dbSub.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbSub.Key(), data)
	})
}

func (s *BboltStorage) ListPushSubscriptions(userID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPushSubscriptions).Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, models.PushSubscription{
				UserID:   dbSub.UserID,
				Endpoint: dbSub.Endpoint,
				Keys: models.PushKeys{
					P256dh: dbSub.P256dh,
					Auth:   dbSub.Auth,
				},
			})
			return nil
		})
	})
	return subs, err
}

// DeletePushSubscription removes an expired endpoint.
func (s *BboltStorage) DeletePushSubscription(userID, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPushSubscriptions).Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(endpoint))
	})
}
