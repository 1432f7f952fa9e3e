package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatgw/internal/models"
	"github.com/eldtechnologies/chatgw/internal/store"
	"github.com/eldtechnologies/chatgw/internal/workers"
)

func newRouteStore(t *testing.T) (*store.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := store.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func newTable(t *testing.T, rs RouteStore, addr string) (*Table, *workers.Pool) {
	t.Helper()
	pool := workers.NewPool(2, 16, zerolog.Nop())
	t.Cleanup(pool.Close)
	return NewTable(rs, addr, pool, Options{CacheSize: 16, CacheTTL: time.Minute}, zerolog.Nop()), pool
}

func TestTableFollowsSessions(t *testing.T) {
	rs, mr := newRouteStore(t)
	table, _ := newTable(t, rs, "10.0.0.1:8081")

	table.SessionBound(42, nil)
	require.Eventually(t, func() bool {
		return mr.HGet("gateway:routes", "42") == "10.0.0.1:8081"
	}, time.Second, 5*time.Millisecond)

	table.SessionUnbound(42, nil)
	require.Eventually(t, func() bool {
		return mr.HGet("gateway:routes", "42") == ""
	}, time.Second, 5*time.Millisecond)
}

func TestUnbindKeepsRouteOwnedByAnotherNode(t *testing.T) {
	rs, mr := newRouteStore(t)
	a, poolA := newTable(t, rs, "node-a:8081")
	b, poolB := newTable(t, rs, "node-b:8081")

	a.SessionBound(7, nil)
	poolA.Close()
	b.SessionBound(7, nil)
	poolB.Close()
	require.Equal(t, "node-b:8081", mr.HGet("gateway:routes", "7"))

	// node a learns about the disconnect late; pool closed, so it runs inline
	a.SessionUnbound(7, nil)
	assert.Equal(t, "node-b:8081", mr.HGet("gateway:routes", "7"))
}

func TestLookupUsesCacheThenStore(t *testing.T) {
	rs, mr := newRouteStore(t)
	table, _ := newTable(t, rs, "local:8081")
	ctx := context.Background()

	mr.HSet("gateway:routes", "1", "peer-1:8081")
	mr.HSet("gateway:routes", "2", "peer-2:8081")

	routes, err := table.Lookup(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{1: "peer-1:8081", 2: "peer-2:8081"}, routes)

	// served from the cache until invalidated
	mr.HSet("gateway:routes", "1", "peer-9:8081")
	routes, err = table.Lookup(ctx, []int64{1})
	require.NoError(t, err)
	assert.Equal(t, "peer-1:8081", routes[1])

	table.Invalidate(1)
	routes, err = table.Lookup(ctx, []int64{1})
	require.NoError(t, err)
	assert.Equal(t, "peer-9:8081", routes[1])
}

type staticLocator struct {
	local  string
	routes map[int64]string

	mu          sync.Mutex
	invalidated []int64
}

func (l *staticLocator) LocalAddr() string { return l.local }

func (l *staticLocator) Invalidate(userID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.invalidated = append(l.invalidated, userID)
}

func (l *staticLocator) dropped() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int64(nil), l.invalidated...)
}

func (l *staticLocator) Lookup(_ context.Context, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string)
	for _, id := range ids {
		if addr, ok := l.routes[id]; ok {
			out[id] = addr
		}
	}
	return out, nil
}

type peer struct {
	mu       sync.Mutex
	requests []models.SendRequest
	tokens   []string
	reply    Result
}

func (p *peer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/admin/send" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.tokens = append(p.tokens, r.Header.Get(AdminTokenHeader))
	reply := p.reply
	p.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reply)
}

func (p *peer) received() ([]models.SendRequest, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.SendRequest(nil), p.requests...), append([]string(nil), p.tokens...)
}

func startPeer(t *testing.T, reply Result) (*peer, string) {
	t.Helper()
	p := &peer{reply: reply}
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	return p, strings.TrimPrefix(srv.URL, "http://")
}

func chatMessage() *models.ChatMessage {
	now := time.Now().UTC()
	return &models.ChatMessage{
		ConversationID: 42,
		MessageID:      5,
		SenderID:       1,
		ContentType:    1,
		Content:        []byte("hello"),
		Status:         models.StatusSent,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestForwardGroupsByNode(t *testing.T) {
	p1, addr1 := startPeer(t, Result{Success: true})
	p2, addr2 := startPeer(t, Result{Success: true})

	loc := &staticLocator{
		local:  "local:8081",
		routes: map[int64]string{2: addr1, 3: addr1, 4: addr2, 5: "local:8081"},
	}
	f := NewForwarder(loc, "s3cret", nil, zerolog.Nop())

	n := f.Forward(context.Background(), chatMessage(), []int64{2, 3, 4, 5, 6})
	assert.Equal(t, 3, n)

	reqs, tokens := p1.received()
	require.Len(t, reqs, 1)
	assert.ElementsMatch(t, []int64{2, 3}, reqs[0].IDs)
	assert.Equal(t, int64(5), reqs[0].Message.MessageID)
	assert.Equal(t, []byte("hello"), reqs[0].Message.Content)
	assert.Equal(t, "s3cret", tokens[0])

	reqs, _ = p2.received()
	require.Len(t, reqs, 1)
	assert.Equal(t, []int64{4}, reqs[0].IDs)
}

func TestForwardIsBestEffort(t *testing.T) {
	_, offline := startPeer(t, Result{Success: false, Error: "recipient offline"})
	ok, okAddr := startPeer(t, Result{Success: true})

	loc := &staticLocator{
		local:  "local:8081",
		routes: map[int64]string{2: offline, 3: "127.0.0.1:1", 4: okAddr},
	}
	f := NewForwarder(loc, "", &http.Client{Timeout: time.Second}, zerolog.Nop())

	n := f.Forward(context.Background(), chatMessage(), []int64{2, 3, 4})
	assert.Equal(t, 1, n)
	reqs, _ := ok.received()
	assert.Len(t, reqs, 1)
	assert.ElementsMatch(t, []int64{2, 3}, loc.dropped())
}

func TestFailedForwardRereadsRoute(t *testing.T) {
	_, offline := startPeer(t, Result{Success: false, Error: "recipient offline"})
	moved, movedAddr := startPeer(t, Result{Success: true})

	rs, mr := newRouteStore(t)
	table, _ := newTable(t, rs, "local:8081")
	f := NewForwarder(table, "", nil, zerolog.Nop())
	ctx := context.Background()

	mr.HSet("gateway:routes", "2", offline)
	assert.Zero(t, f.Forward(ctx, chatMessage(), []int64{2}))

	// the user reconnected elsewhere; the stale cached route is gone
	mr.HSet("gateway:routes", "2", movedAddr)
	assert.Equal(t, 1, f.Forward(ctx, chatMessage(), []int64{2}))
	reqs, _ := moved.received()
	require.Len(t, reqs, 1)
	assert.Equal(t, []int64{2}, reqs[0].IDs)
}

func TestForwardNothingRemote(t *testing.T) {
	loc := &staticLocator{local: "local:8081", routes: map[int64]string{2: "local:8081"}}
	f := NewForwarder(loc, "", nil, zerolog.Nop())
	assert.Zero(t, f.Forward(context.Background(), chatMessage(), []int64{2, 3}))
	assert.Zero(t, f.Forward(context.Background(), chatMessage(), nil))
}
