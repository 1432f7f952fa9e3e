package store

import (
	"context"

	"github.com/eldtechnologies/chatgw/internal/models"
)

// MessageStore is the durable storage contract consumed by the gateway.
// Both PostgresStore and SQLiteStore implement this interface.
type MessageStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// BatchInsert writes msgs atomically. Rows whose (conversation, message)
	// key already exists are skipped, so replaying a batch is safe.
	BatchInsert(ctx context.Context, msgs []*models.ChatMessage) error

	// MaxMessageID returns the highest stored message ID for a conversation,
	// or 0 when it has none.
	MaxMessageID(ctx context.Context, conversationID int64) (int64, error)

	// MemberIDs lists the users in a conversation.
	MemberIDs(ctx context.Context, conversationID int64) ([]int64, error)
}
