package chatgw

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatgw/internal/protocol"
)

// fakeGateway accepts one connection and hands it to serve.
func fakeGateway(t *testing.T, serve func(nc net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		serve(nc)
	}()
	return ln.Addr().String()
}

func TestAuthSendAndReceive(t *testing.T) {
	received := make(chan *protocol.Frame, 8)
	addr := fakeGateway(t, func(nc net.Conn) {
		for {
			f, err := protocol.ReadFrame(nc, 0)
			if err != nil {
				return
			}
			received <- f
			switch f.Order() {
			case protocol.OrderAuth:
				// an unrelated push first, then the ack
				protocol.WriteFrame(nc, protocol.New(protocol.OrderSync, protocol.ContentText, []byte("contacts")))
				protocol.WriteFrame(nc, protocol.Reply(f, protocol.MakeType(protocol.OrderAck, protocol.ContentAck), nil))
			case protocol.OrderMessage:
				ack := protocol.NewAck(f)
				ack.MessageID = 1
				protocol.WriteFrame(nc, ack)
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.SendText(42, "too early")
	require.ErrorIs(t, err, ErrNotAuthenticated)

	require.NoError(t, c.Auth(ctx, 7, "token"))
	assert.Equal(t, int64(7), c.UserID())
	auth := <-received
	assert.Equal(t, "token", string(auth.Body))
	assert.Equal(t, int64(7), auth.SenderID)

	first, err := c.SendText(42, "one")
	require.NoError(t, err)
	second, err := c.SendText(42, "two")
	require.NoError(t, err)
	assert.Greater(t, second.Timestamp, first.Timestamp)

	ack, err := c.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.MakeType(protocol.OrderAck, protocol.ContentText), ack.Type)
	assert.Equal(t, int64(42), ack.ConversationID)
	assert.Equal(t, int64(1), ack.MessageID)

	msg := <-received
	assert.Equal(t, int64(42), msg.ConversationID)
	assert.Equal(t, int64(7), msg.SenderID)
}

func TestAuthRejected(t *testing.T) {
	addr := fakeGateway(t, func(nc net.Conn) {
		protocol.ReadFrame(nc, 0)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr)
	require.NoError(t, err)
	defer c.Close()

	assert.ErrorIs(t, c.Auth(ctx, 7, "bad"), ErrAuthRejected)
}

func TestReceiveHonoursContext(t *testing.T) {
	addr := fakeGateway(t, func(nc net.Conn) {
		time.Sleep(time.Second)
	})

	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = c.Receive(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDiscover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/gateway/addr", r.URL.Path)
		json.NewEncoder(w).Encode(Addresses{TCP: "10.0.0.1:9000", Admin: "10.0.0.1:8080"})
	}))
	defer srv.Close()

	addrs, err := Discover(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9000", addrs.TCP)
}
