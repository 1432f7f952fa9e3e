package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/eldtechnologies/chatgw/internal/lock"
	"github.com/eldtechnologies/chatgw/internal/models"
	"github.com/eldtechnologies/chatgw/internal/protocol"
	"github.com/eldtechnologies/chatgw/internal/sequence"
)

func newPublishCmd(load loader) *cobra.Command {
	var (
		conversationID int64
		senderID       int64
		text           string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a text message to the event stream",
		Long:  "Allocates the next message ID for the conversation and appends the message to the event stream, where any gateway with stream_enabled saves and delivers it.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if conversationID <= 0 || senderID <= 0 || text == "" {
				return errors.New("--conversation, --sender and --text are required")
			}
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			msgStore, err := openMessageStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer msgStore.Close()
			redisStore, err := openRedis(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer redisStore.Close()

			locker := lock.NewClient(redisStore.Client(), lock.Options{
				Lease:        cfg.LockLease,
				PollInterval: cfg.LockPoll,
			}, logger)
			alloc := sequence.NewAllocator(redisStore, msgStore, locker, sequence.Options{
				CounterTTL: cfg.CounterTTL,
				LockWait:   cfg.LockWait,
			}, logger)

			id, err := alloc.Next(ctx, conversationID)
			if err != nil {
				return fmt.Errorf("allocate message id: %w", err)
			}
			now := time.Now().UTC()
			msg := &models.ChatMessage{
				ConversationID: conversationID,
				MessageID:      id,
				SenderID:       senderID,
				ContentType:    protocol.ContentText,
				Content:        []byte(text),
				Status:         models.StatusSent,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			entryID, err := redisStore.PublishMessage(ctx, cfg.StreamKey, msg)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "published message %d to %s as %s\n", id, cfg.StreamKey, entryID)
			return err
		},
	}

	cmd.Flags().Int64Var(&conversationID, "conversation", 0, "conversation ID")
	cmd.Flags().Int64Var(&senderID, "sender", 0, "sender user ID")
	cmd.Flags().StringVar(&text, "text", "", "message text")
	return cmd
}
