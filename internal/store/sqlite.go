package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/chatgw/internal/models"
)

// SQLiteStore handles SQLite database operations. It backs single-node
// deployments and local development.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/chatgw.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/chatgw.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_messages (
		conversation_id INTEGER NOT NULL,
		message_id INTEGER NOT NULL,
		sender_id INTEGER NOT NULL,
		content_type INTEGER NOT NULL,
		content BLOB,
		status INTEGER NOT NULL DEFAULT 1,
		reply_to_id INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, message_id)
	);

	CREATE TABLE IF NOT EXISTS conversation_members (
		conversation_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		joined_at INTEGER NOT NULL DEFAULT (strftime('%s','now')),
		PRIMARY KEY (conversation_id, user_id)
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BatchInsert writes msgs in one transaction, ignoring duplicates.
func (s *SQLiteStore) BatchInsert(ctx context.Context, msgs []*models.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	defer observe("batch_insert", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO chat_messages
			(conversation_id, message_id, sender_id, content_type, content, status, reply_to_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, 0), ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		_, err := stmt.ExecContext(ctx,
			m.ConversationID,
			m.MessageID,
			m.SenderID,
			m.ContentType,
			m.Content,
			m.Status,
			m.ReplyToID,
			m.CreatedAt.UnixMilli(),
			m.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert message %d/%d: %w", m.ConversationID, m.MessageID, err)
		}
	}

	return tx.Commit()
}

// MaxMessageID returns the highest message ID in a conversation.
func (s *SQLiteStore) MaxMessageID(ctx context.Context, conversationID int64) (int64, error) {
	var maxID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(message_id), 0) FROM chat_messages WHERE conversation_id = ?`,
		conversationID,
	).Scan(&maxID)
	return maxID, err
}

// MemberIDs lists the users in a conversation.
func (s *SQLiteStore) MemberIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = ? ORDER BY user_id`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddMembers adds users to a conversation. Membership is owned by an
// external service; this exists for single-node setups and seeding.
func (s *SQLiteStore) AddMembers(ctx context.Context, conversationID int64, userIDs ...int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range userIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO conversation_members (conversation_id, user_id) VALUES (?, ?)`,
			conversationID, id,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CountMessages returns the number of stored messages in a conversation.
func (s *SQLiteStore) CountMessages(ctx context.Context, conversationID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE conversation_id = ?`, conversationID,
	).Scan(&n)
	return n, err
}
