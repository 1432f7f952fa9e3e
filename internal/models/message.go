package models

import (
	"time"

	"github.com/eldtechnologies/chatgw/internal/protocol"
)

// Message status values.
const (
	StatusSent     = 1
	StatusDeleted  = 2
	StatusRecalled = 3
)

// ChatMessage is the durable form of a conversation message.
// IDs are serialized as strings so JSON consumers keep full precision.
type ChatMessage struct {
	ConversationID int64     `json:"conversation_id,string"`
	MessageID      int64     `json:"message_id,string"`
	SenderID       int64     `json:"sender_id,string"`
	ContentType    uint32    `json:"type"`
	Content        []byte    `json:"content"` // base64 in JSON
	Status         int       `json:"status"`
	ReplyToID      int64     `json:"reply_to_id,string,omitempty"`
	IdentityID     int64     `json:"identity_id,string,omitempty"` // not stored in SQL
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FromFrame builds a record from a stamped message frame.
func FromFrame(f *protocol.Frame) *ChatMessage {
	ts := time.UnixMilli(f.Timestamp).UTC()
	return &ChatMessage{
		ConversationID: f.ConversationID,
		MessageID:      f.MessageID,
		SenderID:       f.SenderID,
		ContentType:    f.Content(),
		Content:        append([]byte(nil), f.Body...),
		Status:         StatusSent,
		IdentityID:     f.IdentityID,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
}

// ToFrame renders the record as a MESSAGE frame for delivery.
func (m *ChatMessage) ToFrame() *protocol.Frame {
	f := &protocol.Frame{
		Type:           protocol.MakeType(protocol.OrderMessage, m.ContentType),
		SenderID:       m.SenderID,
		IdentityID:     m.IdentityID,
		ConversationID: m.ConversationID,
		MessageID:      m.MessageID,
		Timestamp:      m.CreatedAt.UnixMilli(),
		Body:           append([]byte(nil), m.Content...),
	}
	return f.Seal()
}

// SendRequest is the body of POST /admin/send.
type SendRequest struct {
	IDs     []int64     `json:"ids"`
	Message ChatMessage `json:"message"`
}
