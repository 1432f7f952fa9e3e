// Package sequence allocates strictly increasing message IDs per conversation.
//
// The hot path is a single INCR-if-exists on a shared counter. When the
// counter is missing (first message, or it expired) one allocator seeds it
// from storage under the distributed mutex; concurrent allocators that lose
// the race simply retry the increment.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatgw/internal/metrics"
)

const (
	DefaultCounterTTL = time.Hour
	DefaultLockWait   = 60 * time.Second

	maxSeedAttempts = 5
)

var ErrExhausted = errors.New("sequence: counter could not be seeded")

// Counter is the shared per-conversation counter.
type Counter interface {
	IncrementIfExists(ctx context.Context, conversationID int64, ttl time.Duration) (int64, bool, error)
	SeedCounter(ctx context.Context, conversationID, value int64, ttl time.Duration) (bool, error)
}

// MaxIDSource reports the highest message ID already in durable storage.
type MaxIDSource interface {
	MaxMessageID(ctx context.Context, conversationID int64) (int64, error)
}

// Locker runs fn while holding a named cross-process lock.
type Locker interface {
	Do(ctx context.Context, key string, wait time.Duration, fn func(ctx context.Context) error) error
}

// Options tunes the allocator.
type Options struct {
	CounterTTL time.Duration
	LockWait   time.Duration
}

// Allocator hands out message IDs.
type Allocator struct {
	counter Counter
	store   MaxIDSource
	locker  Locker
	opts    Options
	logger  zerolog.Logger
}

// NewAllocator creates an allocator.
func NewAllocator(counter Counter, store MaxIDSource, locker Locker, opts Options, logger zerolog.Logger) *Allocator {
	if opts.CounterTTL <= 0 {
		opts.CounterTTL = DefaultCounterTTL
	}
	if opts.LockWait <= 0 {
		opts.LockWait = DefaultLockWait
	}
	return &Allocator{
		counter: counter,
		store:   store,
		locker:  locker,
		opts:    opts,
		logger:  logger.With().Str("component", "sequence").Logger(),
	}
}

// Next returns the next message ID for conversationID.
func (a *Allocator) Next(ctx context.Context, conversationID int64) (int64, error) {
	for attempt := 0; attempt < maxSeedAttempts; attempt++ {
		id, ok, err := a.counter.IncrementIfExists(ctx, conversationID, a.opts.CounterTTL)
		if err != nil {
			metrics.SequenceAllocations.WithLabelValues("error").Inc()
			return 0, fmt.Errorf("sequence: increment %d: %w", conversationID, err)
		}
		if ok {
			metrics.SequenceAllocations.WithLabelValues("fast").Inc()
			return id, nil
		}

		id, seeded, err := a.seed(ctx, conversationID)
		if err != nil {
			metrics.SequenceAllocations.WithLabelValues("error").Inc()
			return 0, err
		}
		if seeded {
			metrics.SequenceAllocations.WithLabelValues("seeded").Inc()
			return id, nil
		}
	}
	metrics.SequenceAllocations.WithLabelValues("error").Inc()
	return 0, fmt.Errorf("%w: conversation %d", ErrExhausted, conversationID)
}

// seed initializes the counter under the conversation lock. seeded is false
// when another allocator initialized it first; the caller then increments.
func (a *Allocator) seed(ctx context.Context, conversationID int64) (id int64, seeded bool, err error) {
	key := "conversation:" + strconv.FormatInt(conversationID, 10)

	err = a.locker.Do(ctx, key, a.opts.LockWait, func(ctx context.Context) error {
		// someone may have seeded while we waited for the lock
		next, ok, err := a.counter.IncrementIfExists(ctx, conversationID, a.opts.CounterTTL)
		if err != nil {
			return err
		}
		if ok {
			id, seeded = next, true
			return nil
		}

		maxID, err := a.store.MaxMessageID(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("read max message id: %w", err)
		}

		won, err := a.counter.SeedCounter(ctx, conversationID, maxID+1, a.opts.CounterTTL)
		if err != nil {
			return err
		}
		if won {
			id, seeded = maxID+1, true
			a.logger.Debug().
				Int64("conversation_id", conversationID).
				Int64("seed", id).
				Msg("counter seeded from storage")
		}
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("sequence: seed %d: %w", conversationID, err)
	}
	return id, seeded, nil
}
