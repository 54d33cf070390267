package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBMessage struct {
	Seq            uint64        `msgpack:"seq"`
	ID             string        `msgpack:"id"`
	ClientID       string        `msgpack:"clientId"`
	ConversationID string        `msgpack:"conversationId"`
	SenderID       string        `msgpack:"senderId"`
	RecipientID    string        `msgpack:"recipientId"`
	Text           string        `msgpack:"text"`
	HTML           string        `msgpack:"html"`
	Attachment     *DBAttachment `msgpack:"attachment,omitempty"`
	CreatedAt      int64         `msgpack:"createdAt"`
}

type DBAttachment struct {
	Type string `msgpack:"type"`
	Name string `msgpack:"name"`
	URL  string `msgpack:"url"`
}

func (m *DBMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, m.Seq)
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBPushSubscription struct {
	UserID   string `msgpack:"userId"`
	Endpoint string `msgpack:"endpoint"`
	P256dh   string `msgpack:"p256dh"`
	Auth     string `msgpack:"auth"`
}

func (p *DBPushSubscription) Key() []byte {
	return []byte(p.Endpoint)
}

func (p *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}
