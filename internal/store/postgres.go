package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/chatgw/internal/metrics"
	"github.com/eldtechnologies/chatgw/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	conversation_id BIGINT NOT NULL,
	message_id      BIGINT NOT NULL,
	sender_id       BIGINT NOT NULL,
	content_type    INTEGER NOT NULL,
	content         BYTEA,
	status          SMALLINT NOT NULL DEFAULT 1,
	reply_to_id     BIGINT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (conversation_id, message_id)
);

CREATE TABLE IF NOT EXISTS conversation_members (
	conversation_id BIGINT NOT NULL,
	user_id         BIGINT NOT NULL,
	joined_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (conversation_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_sender ON chat_messages(sender_id);
`

const insertMessageSQL = `
	INSERT INTO chat_messages
		(conversation_id, message_id, sender_id, content_type, content, status, reply_to_id, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7::bigint, 0), $8, $9)
	ON CONFLICT (conversation_id, message_id) DO NOTHING
`

// RunMigrations creates the gateway tables if they do not exist.
func RunMigrations(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("migrations: connect: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrations: apply schema: %w", err)
	}
	return nil
}

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// BatchInsert sends every row in one round trip inside a transaction.
func (s *PostgresStore) BatchInsert(ctx context.Context, msgs []*models.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	defer observe("batch_insert", time.Now())

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, m := range msgs {
			batch.Queue(insertMessageSQL,
				m.ConversationID,
				m.MessageID,
				m.SenderID,
				int32(m.ContentType),
				m.Content,
				int16(m.Status),
				m.ReplyToID,
				m.CreatedAt,
				m.UpdatedAt,
			)
		}

		results := tx.SendBatch(ctx, batch)
		for i := range msgs {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("insert message %d/%d: %w", msgs[i].ConversationID, msgs[i].MessageID, err)
			}
		}
		return results.Close()
	})
}

// MaxMessageID returns the highest message ID in a conversation.
func (s *PostgresStore) MaxMessageID(ctx context.Context, conversationID int64) (int64, error) {
	defer observe("max_message_id", time.Now())

	var maxID int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(message_id), 0)
		FROM chat_messages WHERE conversation_id = $1
	`, conversationID).Scan(&maxID)
	if err != nil {
		return 0, err
	}
	return maxID, nil
}

// MemberIDs lists the users in a conversation.
func (s *PostgresStore) MemberIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	defer observe("member_ids", time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM conversation_members
		WHERE conversation_id = $1
		ORDER BY user_id
	`, conversationID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
