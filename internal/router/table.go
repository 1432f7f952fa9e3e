// Package router keeps the shared user-to-node routing table in sync with
// local sessions and forwards messages to users connected elsewhere.
package router

import (
	"context"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatgw/internal/session"
	"github.com/eldtechnologies/chatgw/internal/workers"
)

const (
	DefaultCacheSize = 10_000
	DefaultCacheTTL  = 10 * time.Minute
	writeTimeout     = 5 * time.Second
)

// RouteStore is the shared routing hash.
type RouteStore interface {
	SetRoute(ctx context.Context, userID int64, addr string) error
	DeleteRoute(ctx context.Context, userID int64, addr string) (bool, error)
	Routes(ctx context.Context, userIDs []int64) (map[int64]string, error)
}

// Options configures the local route cache.
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
}

// Table mirrors local session changes into the shared routing hash and
// answers lookups through a bounded, expiring local cache.
type Table struct {
	store     RouteStore
	localAddr string
	pool      *workers.Pool
	cache     *lru.LRU[int64, string]
	logger    zerolog.Logger
}

// NewTable creates a table for the node reachable at localAddr. Route writes
// run on pool, keyed by user so they apply in order.
func NewTable(store RouteStore, localAddr string, pool *workers.Pool, opts Options, logger zerolog.Logger) *Table {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	return &Table{
		store:     store,
		localAddr: localAddr,
		pool:      pool,
		cache:     lru.NewLRU[int64, string](opts.CacheSize, nil, opts.CacheTTL),
		logger:    logger.With().Str("component", "router").Logger(),
	}
}

// LocalAddr returns this node's admin address.
func (t *Table) LocalAddr() string { return t.localAddr }

// SessionBound implements session.Listener.
func (t *Table) SessionBound(userID int64, _ session.Conn) {
	t.cache.Add(userID, t.localAddr)
	t.async(userID, func(ctx context.Context) {
		if err := t.store.SetRoute(ctx, userID, t.localAddr); err != nil {
			t.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to write route")
		}
	})
}

// SessionUnbound implements session.Listener. The shared entry is removed
// only while it still names this node.
func (t *Table) SessionUnbound(userID int64, _ session.Conn) {
	t.cache.Remove(userID)
	t.async(userID, func(ctx context.Context) {
		if _, err := t.store.DeleteRoute(ctx, userID, t.localAddr); err != nil {
			t.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to delete route")
		}
	})
}

// Lookup returns the owning node for each user that has one.
func (t *Table) Lookup(ctx context.Context, userIDs []int64) (map[int64]string, error) {
	routes := make(map[int64]string, len(userIDs))
	var missing []int64
	for _, id := range userIDs {
		if addr, ok := t.cache.Get(id); ok {
			routes[id] = addr
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return routes, nil
	}

	found, err := t.store.Routes(ctx, missing)
	if err != nil {
		return routes, err
	}
	for id, addr := range found {
		t.cache.Add(id, addr)
		routes[id] = addr
	}
	return routes, nil
}

// Invalidate drops a cached route, for example after a peer reported the
// user offline.
func (t *Table) Invalidate(userID int64) {
	t.cache.Remove(userID)
}

func (t *Table) async(userID int64, fn func(ctx context.Context)) {
	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		fn(ctx)
	}
	if t.pool == nil {
		task()
		return
	}
	if err := t.pool.Submit(context.Background(), strconv.FormatInt(userID, 10), task); err != nil {
		// pool already closed during shutdown
		task()
	}
}
