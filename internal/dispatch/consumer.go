package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatgw/internal/metrics"
	"github.com/eldtechnologies/chatgw/internal/models"
	"github.com/eldtechnologies/chatgw/internal/store"
)

const (
	DefaultStream      = "chat:messages"
	DefaultGroup       = "chatgw"
	DefaultBatchSize   = 100
	DefaultBlock       = 2 * time.Second
	consumerRetryDelay = time.Second
)

// StreamSource is a consumer-group event stream.
type StreamSource interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, stream, group, consumer, start string, count int64, block time.Duration) ([]store.StreamEntry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
}

// BatchSaver persists consumed messages.
type BatchSaver interface {
	BatchInsert(ctx context.Context, msgs []*models.ChatMessage) error
}

// ConsumerOptions configures a stream consumer.
type ConsumerOptions struct {
	Stream    string
	Group     string
	Consumer  string
	BatchSize int64
	Block     time.Duration
}

// Consumer saves messages published by other services and fans them out.
// An entry is acknowledged only after it was saved and dispatched.
type Consumer struct {
	source     StreamSource
	saver      BatchSaver
	dispatcher *Dispatcher
	opts       ConsumerOptions
	logger     zerolog.Logger
}

// NewConsumer creates a consumer. opts.Consumer should be unique per node.
func NewConsumer(source StreamSource, saver BatchSaver, dispatcher *Dispatcher, opts ConsumerOptions, logger zerolog.Logger) *Consumer {
	if opts.Stream == "" {
		opts.Stream = DefaultStream
	}
	if opts.Group == "" {
		opts.Group = DefaultGroup
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Block <= 0 {
		opts.Block = DefaultBlock
	}
	return &Consumer{
		source:     source,
		saver:      saver,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger.With().Str("component", "stream").Str("stream", opts.Stream).Logger(),
	}
}

// Run consumes until ctx is cancelled. Entries left pending by an earlier
// run of the same consumer are processed first.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.source.EnsureGroup(ctx, c.opts.Stream, c.opts.Group); err != nil {
		return err
	}
	c.logger.Info().Str("group", c.opts.Group).Str("consumer", c.opts.Consumer).Msg("stream consumer started")

	pending := true
	for ctx.Err() == nil {
		start, block := ">", c.opts.Block
		if pending {
			start, block = "0", -1
		}

		entries, err := c.source.ReadGroup(ctx, c.opts.Stream, c.opts.Group, c.opts.Consumer, start, c.opts.BatchSize, block)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Error().Err(err).Msg("stream read failed")
			sleep(ctx, consumerRetryDelay)
			continue
		}
		if len(entries) == 0 {
			pending = false
			continue
		}

		if err := c.process(ctx, entries); err != nil {
			c.logger.Error().Err(err).Int("entries", len(entries)).Msg("stream batch failed, will re-read pending")
			pending = true
			sleep(ctx, consumerRetryDelay)
		}
	}
	return nil
}

// process saves, dispatches and acknowledges one batch. Undecodable entries
// are acknowledged so they do not block the group.
func (c *Consumer) process(ctx context.Context, entries []store.StreamEntry) error {
	ids := make([]string, 0, len(entries))
	msgs := make([]*models.ChatMessage, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
		if e.Err != nil || e.Message == nil {
			metrics.StreamMessages.WithLabelValues("malformed").Inc()
			c.logger.Warn().Err(e.Err).Str("entry", e.ID).Msg("dropping malformed stream entry")
			continue
		}
		msgs = append(msgs, e.Message)
	}

	if len(msgs) > 0 {
		if err := c.saver.BatchInsert(ctx, msgs); err != nil {
			metrics.StreamMessages.WithLabelValues("save_failed").Add(float64(len(msgs)))
			return err
		}
		for _, m := range msgs {
			if _, err := c.dispatcher.Dispatch(ctx, m); err != nil {
				// saved; members can still sync it later
				c.logger.Warn().Err(err).Int64("message_id", m.MessageID).Msg("dispatch failed")
			}
		}
		metrics.StreamMessages.WithLabelValues("ok").Add(float64(len(msgs)))
	}

	return c.source.Ack(ctx, c.opts.Stream, c.opts.Group, ids...)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
