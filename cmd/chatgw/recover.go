package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/eldtechnologies/chatgw/internal/config"
	"github.com/eldtechnologies/chatgw/internal/models"
	"github.com/eldtechnologies/chatgw/internal/pipeline"
	"github.com/eldtechnologies/chatgw/internal/store"
)

const recoverBatchSize = 500

type recoverOptions struct {
	dir    string
	dryRun bool
	remove bool
}

func newRecoverCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Replay write-ahead or dead-letter records into storage",
		Long:  "Replays records a stopped gateway left behind. Inserts are idempotent, so records that were already stored are skipped.",
	}

	walOpts := &recoverOptions{}
	walCmd := &cobra.Command{
		Use:   "wal",
		Short: "Replay write-ahead log segments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if walOpts.dir == "" {
				walOpts.dir = cfg.WALDir
			}
			found, err := pipeline.ReadWAL(walOpts.dir)
			if err != nil {
				return err
			}
			return replay(cmd, cfg, found, walOpts, logger)
		},
	}

	deadOpts := &recoverOptions{}
	deadCmd := &cobra.Command{
		Use:   "dead-letter",
		Short: "Replay dead-letter files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if deadOpts.dir == "" {
				deadOpts.dir = cfg.DeadLetterDir
			}
			found, err := pipeline.ReadDeadLetters(deadOpts.dir)
			if err != nil {
				return err
			}
			for _, rec := range found {
				for i, msg := range rec.Messages {
					logger.Debug().
						Str("file", rec.Path).
						Int64("conversation_id", msg.ConversationID).
						Int64("message_id", msg.MessageID).
						Str("reason", rec.Reasons[i]).
						Msg("dead letter")
				}
			}
			return replay(cmd, cfg, found, deadOpts, logger)
		},
	}

	for _, c := range []struct {
		cmd  *cobra.Command
		opts *recoverOptions
	}{{walCmd, walOpts}, {deadCmd, deadOpts}} {
		c.cmd.Flags().StringVar(&c.opts.dir, "dir", "", "directory to scan (defaults to the configured one)")
		c.cmd.Flags().BoolVar(&c.opts.dryRun, "dry-run", false, "report what would be replayed without writing")
		c.cmd.Flags().BoolVar(&c.opts.remove, "remove", false, "delete each file once its records are stored")
	}

	cmd.AddCommand(walCmd, deadCmd)
	return cmd
}

func replay(cmd *cobra.Command, cfg *config.Config, found []pipeline.Recovered, opts *recoverOptions, logger zerolog.Logger) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	var total, corrupt int
	for _, rec := range found {
		total += len(rec.Messages)
		corrupt += rec.Corrupt
	}
	fmt.Fprintf(out, "%d files, %d records, %d corrupt lines in %s\n", len(found), total, corrupt, opts.dir)
	if opts.dryRun || total == 0 {
		return nil
	}

	msgStore, err := openMessageStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer msgStore.Close()

	stored := 0
	for _, rec := range found {
		if err := insertAll(ctx, msgStore, rec.Messages); err != nil {
			return fmt.Errorf("%s: %w (%d records stored before the failure)", rec.Path, err, stored)
		}
		stored += len(rec.Messages)
		logger.Info().Str("file", rec.Path).Int("records", len(rec.Messages)).Msg("replayed")

		if opts.remove {
			if err := os.Remove(rec.Path); err != nil {
				return err
			}
		}
	}
	fmt.Fprintf(out, "replayed %d records\n", stored)
	return nil
}

func insertAll(ctx context.Context, s store.MessageStore, msgs []*models.ChatMessage) error {
	for start := 0; start < len(msgs); start += recoverBatchSize {
		end := min(start+recoverBatchSize, len(msgs))
		if err := s.BatchInsert(ctx, msgs[start:end]); err != nil {
			return err
		}
	}
	return nil
}
