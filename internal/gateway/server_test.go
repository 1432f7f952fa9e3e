package gateway

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatgw/internal/auth"
	"github.com/eldtechnologies/chatgw/internal/dispatch"
	"github.com/eldtechnologies/chatgw/internal/models"
	"github.com/eldtechnologies/chatgw/internal/pipeline"
	"github.com/eldtechnologies/chatgw/internal/protocol"
	"github.com/eldtechnologies/chatgw/internal/session"
	"github.com/eldtechnologies/chatgw/internal/workers"
)

var testSecret = []byte("gateway-test-secret")

type counterAllocator struct {
	mu   sync.Mutex
	next map[int64]int64
	err  error
}

func (a *counterAllocator) Next(_ context.Context, conv int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return 0, a.err
	}
	a.next[conv]++
	return a.next[conv], nil
}

type fakeSaver struct {
	mu     sync.Mutex
	saved  []*models.ChatMessage
	logErr error
	reject error
}

// Submit reports the outcome synchronously, which keeps callbacks in
// submit order like the single pipeline consumer does.
func (s *fakeSaver) Submit(msg *models.ChatMessage, ok pipeline.SuccessFunc, fail pipeline.FailureFunc) error {
	s.mu.Lock()
	if s.reject != nil {
		s.mu.Unlock()
		return s.reject
	}
	if s.logErr != nil {
		err := s.logErr
		s.mu.Unlock()
		fail(msg, err)
		return nil
	}
	s.saved = append(s.saved, msg)
	s.mu.Unlock()
	ok(msg)
	return nil
}

func (s *fakeSaver) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

type members map[int64][]int64

func (m members) Members(_ context.Context, conv int64) ([]int64, error) {
	return m[conv], nil
}

type harness struct {
	addr     string
	registry *session.Registry
	saver    *fakeSaver
	alloc    *counterAllocator
}

func newHarness(t *testing.T, opts Options, configure ...func(*harness)) *harness {
	t.Helper()
	logger := zerolog.Nop()

	h := &harness{
		registry: session.NewRegistry(logger),
		saver:    &fakeSaver{},
		alloc:    &counterAllocator{next: make(map[int64]int64)},
	}
	for _, fn := range configure {
		fn(h)
	}
	pool := workers.NewPool(4, 64, logger)
	fanout := dispatch.New(h.registry, nil, nil, members{42: {1, 2, 3}}, logger)

	srv := NewServer(opts, Deps{
		Registry:  h.registry,
		Validator: auth.NewHMACValidator(testSecret),
		Allocator: h.alloc,
		Saver:     h.saver,
		Fanout:    fanout,
		Pool:      pool,
	}, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	h.addr = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		pool.Close()
	})
	return h
}

type client struct {
	t  *testing.T
	nc net.Conn
}

func (h *harness) dial(t *testing.T) *client {
	t.Helper()
	nc, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	return &client{t: t, nc: nc}
}

func (c *client) send(f *protocol.Frame) {
	c.t.Helper()
	require.NoError(c.t, protocol.WriteFrame(c.nc, f))
}

func (c *client) read() *protocol.Frame {
	c.t.Helper()
	require.NoError(c.t, c.nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	f, err := protocol.ReadFrame(c.nc, 0)
	require.NoError(c.t, err)
	return f
}

func (c *client) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	_, err := c.nc.Read(buf)
	require.Error(c.t, err)
	var ne net.Error
	assert.False(c.t, errors.As(err, &ne) && ne.Timeout(), "expected the server to close the connection")
}

func authFrame(t *testing.T, userID int64) *protocol.Frame {
	t.Helper()
	token, err := auth.NewHMACSigner(testSecret).Sign(userID, time.Minute)
	require.NoError(t, err)
	f := protocol.New(protocol.OrderAuth, protocol.ContentText, []byte(token))
	f.SenderID = userID
	f.IdentityID = 555
	return f
}

func (c *client) login(userID int64) {
	c.t.Helper()
	c.send(authFrame(c.t, userID))
	ack := c.read()
	require.Equal(c.t, protocol.MakeType(protocol.OrderAck, protocol.ContentAck), ack.Type)
	require.Equal(c.t, int64(555), ack.IdentityID)
}

func textMessage(sender, conv, ts int64, body string) *protocol.Frame {
	f := protocol.New(protocol.OrderMessage, protocol.ContentText, []byte(body))
	f.SenderID = sender
	f.ConversationID = conv
	f.Timestamp = ts
	return f
}

func TestMessageIsAckedAndFannedOut(t *testing.T) {
	h := newHarness(t, Options{})
	alice := h.dial(t)
	bob := h.dial(t)
	alice.login(1)
	bob.login(2)

	alice.send(textMessage(1, 42, 1000, "hello bob"))

	ack := alice.read()
	assert.Equal(t, protocol.MakeType(protocol.OrderAck, protocol.ContentText), ack.Type)
	assert.Equal(t, int64(1), ack.MessageID)
	assert.Equal(t, int64(42), ack.ConversationID)

	got := bob.read()
	assert.Equal(t, protocol.MakeType(protocol.OrderMessage, protocol.ContentText), got.Type)
	assert.Equal(t, int64(1), got.SenderID)
	assert.Equal(t, int64(1), got.MessageID)
	assert.Equal(t, []byte("hello bob"), got.Body)

	alice.send(textMessage(1, 42, 1001, "again"))
	assert.Equal(t, int64(2), alice.read().MessageID)
	assert.Equal(t, int64(2), bob.read().MessageID)
	assert.Equal(t, 2, h.saver.count())
}

func TestSenderIDComesFromSession(t *testing.T) {
	h := newHarness(t, Options{})
	alice := h.dial(t)
	bob := h.dial(t)
	alice.login(1)
	bob.login(2)

	// alice claims to be user 3
	alice.send(textMessage(3, 42, 1000, "spoof"))
	alice.read()
	assert.Equal(t, int64(1), bob.read().SenderID)
}

func TestNonAuthFrameBeforeAuthCloses(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial(t)
	c.send(textMessage(1, 42, 1000, "too early"))
	c.expectClosed()
	assert.Zero(t, h.saver.count())
}

func TestBadTokenCloses(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial(t)

	f := authFrame(t, 1)
	f.SenderID = 2 // token is for user 1
	c.send(f)
	c.expectClosed()

	_, ok := h.registry.Get(2)
	assert.False(t, ok)
}

func TestBadMagicCloses(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial(t)
	_, err := c.nc.Write(make([]byte, protocol.HeaderSize))
	require.NoError(t, err)
	c.expectClosed()
}

func TestHeartbeat(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial(t)
	c.send(protocol.New(protocol.OrderHeartbeat, protocol.ContentEmpty, nil))
	pong := c.read()
	assert.Equal(t, protocol.MakeType(protocol.OrderHeartbeat, protocol.ContentAck), pong.Type)
}

func TestDuplicateTimestampGetsFailureAck(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial(t)
	c.login(1)

	c.send(textMessage(1, 42, 1000, "first"))
	c.send(textMessage(1, 42, 1000, "resend"))
	c.send(textMessage(1, 42, 999, "older"))
	c.send(textMessage(1, 42, 1001, "second"))

	// every frame is answered; dropped ones with a failure ack
	var saved []int64
	var duplicates int
	for i := 0; i < 4; i++ {
		ack := c.read()
		require.Equal(t, protocol.OrderAck, ack.Order())
		if ack.Content() == protocol.ContentFailed {
			assert.Equal(t, "duplicate", string(ack.Body))
			duplicates++
			continue
		}
		saved = append(saved, ack.MessageID)
	}
	assert.Equal(t, 2, duplicates)
	assert.Equal(t, []int64{1, 2}, saved)
	assert.Equal(t, 2, h.saver.count())
}

func TestFailureAcks(t *testing.T) {
	t.Run("log failure", func(t *testing.T) {
		h := newHarness(t, Options{}, func(h *harness) { h.saver.logErr = errors.New("wal: disk full") })
		c := h.dial(t)
		c.login(1)

		c.send(textMessage(1, 42, 1000, "hi"))
		ack := c.read()
		assert.Equal(t, protocol.MakeType(protocol.OrderAck, protocol.ContentFailed), ack.Type)
		assert.Equal(t, "wal: disk full", string(ack.Body))
	})

	t.Run("queue full", func(t *testing.T) {
		h := newHarness(t, Options{}, func(h *harness) { h.saver.reject = pipeline.ErrQueueFull })
		c := h.dial(t)
		c.login(1)

		c.send(textMessage(1, 42, 1000, "hi"))
		assert.Equal(t, protocol.ContentFailed, c.read().Content())
	})

	t.Run("allocation", func(t *testing.T) {
		h := newHarness(t, Options{}, func(h *harness) { h.alloc.err = errors.New("lock timeout") })
		c := h.dial(t)
		c.login(1)

		c.send(textMessage(1, 42, 1000, "hi"))
		assert.Equal(t, protocol.ContentFailed, c.read().Content())
		assert.Zero(t, h.saver.count())
	})
}

func TestLastLoginWins(t *testing.T) {
	h := newHarness(t, Options{})
	first := h.dial(t)
	first.login(1)
	second := h.dial(t)
	second.login(1)

	first.expectClosed()
	conn, ok := h.registry.Get(1)
	require.True(t, ok)
	assert.True(t, conn.IsOpen())
}

func TestDisconnectUnbinds(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial(t)
	c.login(1)
	_, ok := h.registry.Get(1)
	require.True(t, ok)

	require.NoError(t, c.nc.Close())
	assert.Eventually(t, func() bool {
		_, ok := h.registry.Get(1)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRateLimitCloses(t *testing.T) {
	h := newHarness(t, Options{FrameRate: 1, FrameBurst: 1})
	c := h.dial(t)
	c.send(protocol.New(protocol.OrderHeartbeat, protocol.ContentEmpty, nil))
	c.read()
	c.send(protocol.New(protocol.OrderHeartbeat, protocol.ContentEmpty, nil))
	c.expectClosed()
}

func TestHeartbeatsDoNotExtendAuthDeadline(t *testing.T) {
	h := newHarness(t, Options{AuthDeadline: 200 * time.Millisecond})
	c := h.dial(t)

	c.send(protocol.New(protocol.OrderHeartbeat, protocol.ContentEmpty, nil))
	c.read()
	time.Sleep(50 * time.Millisecond)
	c.send(protocol.New(protocol.OrderHeartbeat, protocol.ContentEmpty, nil))
	c.read()

	c.expectClosed()
}

func TestAuthDeadlineStopsAfterLogin(t *testing.T) {
	h := newHarness(t, Options{AuthDeadline: 100 * time.Millisecond})
	c := h.dial(t)
	c.login(1)

	time.Sleep(200 * time.Millisecond)
	c.send(protocol.New(protocol.OrderHeartbeat, protocol.ContentEmpty, nil))
	pong := c.read()
	assert.Equal(t, protocol.MakeType(protocol.OrderHeartbeat, protocol.ContentAck), pong.Type)
}

func TestIdleConnectionCloses(t *testing.T) {
	h := newHarness(t, Options{IdleTimeout: 50 * time.Millisecond})
	c := h.dial(t)
	c.expectClosed()
}

func TestRunStagesStopsAtFirstNonForward(t *testing.T) {
	var calls []string
	stage := func(name string, out Outcome) Stage {
		return func(context.Context, *protocol.Frame, *ConnState) Outcome {
			calls = append(calls, name)
			return out
		}
	}

	out := runStages(context.Background(), []Stage{stage("a", Forward), stage("b", Drop), stage("c", Close)}, &protocol.Frame{}, &ConnState{})
	assert.Equal(t, Drop, out)
	assert.Equal(t, []string{"a", "b"}, calls)
	assert.Equal(t, "drop", out.String())
}
