package dispatch

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

const (
	DefaultLocalTTL  = 2 * time.Minute
	DefaultLocalSize = 10_000
	DefaultSharedTTL = time.Hour
)

// MemberCache is the shared member set cache.
type MemberCache interface {
	CachedMembers(ctx context.Context, conversationID int64) ([]int64, bool, error)
	CacheMembers(ctx context.Context, conversationID int64, ids []int64, ttl time.Duration) error
}

// MemberStore is the source of truth for conversation membership.
type MemberStore interface {
	MemberIDs(ctx context.Context, conversationID int64) ([]int64, error)
}

// MemberOptions configures the lookup chain.
type MemberOptions struct {
	LocalTTL  time.Duration
	LocalSize int
	SharedTTL time.Duration
}

// Members resolves conversation members through a local LRU, then the
// shared cache, then storage. Entries only expire; nothing invalidates them.
type Members struct {
	local  *lru.LRU[int64, []int64]
	shared MemberCache
	store  MemberStore
	ttl    time.Duration
	logger zerolog.Logger
}

// NewMembers builds the lookup chain. shared may be nil.
func NewMembers(shared MemberCache, store MemberStore, opts MemberOptions, logger zerolog.Logger) *Members {
	if opts.LocalTTL <= 0 {
		opts.LocalTTL = DefaultLocalTTL
	}
	if opts.LocalSize <= 0 {
		opts.LocalSize = DefaultLocalSize
	}
	if opts.SharedTTL <= 0 {
		opts.SharedTTL = DefaultSharedTTL
	}
	return &Members{
		local:  lru.NewLRU[int64, []int64](opts.LocalSize, nil, opts.LocalTTL),
		shared: shared,
		store:  store,
		ttl:    opts.SharedTTL,
		logger: logger.With().Str("component", "members").Logger(),
	}
}

// Members returns the member IDs of a conversation.
func (m *Members) Members(ctx context.Context, conversationID int64) ([]int64, error) {
	if ids, ok := m.local.Get(conversationID); ok {
		return ids, nil
	}

	if m.shared != nil {
		ids, ok, err := m.shared.CachedMembers(ctx, conversationID)
		if err != nil {
			m.logger.Warn().Err(err).Int64("conversation_id", conversationID).Msg("shared member cache unavailable")
		} else if ok {
			m.local.Add(conversationID, ids)
			return ids, nil
		}
	}

	ids, err := m.store.MemberIDs(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load members of %d: %w", conversationID, err)
	}
	if len(ids) == 0 {
		return ids, nil
	}

	m.local.Add(conversationID, ids)
	if m.shared != nil {
		if err := m.shared.CacheMembers(ctx, conversationID, ids, m.ttl); err != nil {
			m.logger.Warn().Err(err).Int64("conversation_id", conversationID).Msg("failed to cache members")
		}
	}
	return ids, nil
}
