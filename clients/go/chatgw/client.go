// Package chatgw is a client for the chat gateway's binary TCP protocol.
package chatgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/eldtechnologies/chatgw/internal/protocol"
)

var (
	// ErrAuthRejected means the gateway closed the connection instead of
	// acknowledging the handshake.
	ErrAuthRejected = errors.New("chatgw: authentication rejected")
	// ErrNotAuthenticated is returned by Send before Auth succeeded.
	ErrNotAuthenticated = errors.New("chatgw: not authenticated")
)

// Client is one connection to a gateway. Writes are safe for concurrent
// use; Receive must be called from a single goroutine.
type Client struct {
	nc      net.Conn
	maxBody uint32

	wmu    sync.Mutex
	userID int64
	lastTS int64
}

// Dial connects to a gateway TCP address.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc, maxBody: protocol.DefaultMaxBody}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.nc.Close()
}

// UserID returns the authenticated user, or 0.
func (c *Client) UserID() int64 {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.userID
}

// Auth performs the handshake. Frames that arrive before the ack are
// discarded.
func (c *Client) Auth(ctx context.Context, userID int64, token string) error {
	f := protocol.New(protocol.OrderAuth, protocol.ContentText, []byte(token))
	f.SenderID = userID
	if err := c.write(f); err != nil {
		return err
	}

	want := protocol.MakeType(protocol.OrderAck, protocol.ContentAck)
	for {
		resp, err := c.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		if resp.Type == want {
			c.wmu.Lock()
			c.userID = userID
			c.wmu.Unlock()
			return nil
		}
	}
}

// Send writes a message to a conversation and returns the frame as sent.
// The gateway answers with an ACK frame carrying the assigned message ID,
// or an ACK|FAILED frame whose body is the reason.
func (c *Client) Send(conversationID int64, content uint32, body []byte) (*protocol.Frame, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.userID == 0 {
		return nil, ErrNotAuthenticated
	}

	f := protocol.New(protocol.OrderMessage, content, body)
	f.SenderID = c.userID
	f.ConversationID = conversationID
	// the gateway drops frames that do not advance the timestamp
	if f.Timestamp <= c.lastTS {
		f.Timestamp = c.lastTS + 1
	}
	c.lastTS = f.Timestamp

	if err := c.writeLocked(f); err != nil {
		return nil, err
	}
	return f, nil
}

// SendText is Send with a TEXT body.
func (c *Client) SendText(conversationID int64, text string) (*protocol.Frame, error) {
	return c.Send(conversationID, protocol.ContentText, []byte(text))
}

// Heartbeat keeps an idle connection open.
func (c *Client) Heartbeat() error {
	return c.write(protocol.New(protocol.OrderHeartbeat, protocol.ContentEmpty, nil))
}

// Receive reads the next frame. ctx bounds the wait.
func (c *Client) Receive(ctx context.Context) (*protocol.Frame, error) {
	deadline, _ := ctx.Deadline()
	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		c.nc.SetReadDeadline(time.Now())
	})
	defer stop()

	return protocol.ReadFrame(c.nc, c.maxBody)
}

func (c *Client) write(f *protocol.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.writeLocked(f)
}

func (c *Client) writeLocked(f *protocol.Frame) error {
	if err := c.nc.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return protocol.WriteFrame(c.nc, f)
}

// Addresses are a node's advertised endpoints.
type Addresses struct {
	TCP   string `json:"tcp"`
	Admin string `json:"admin"`
}

// Discover asks a node's HTTP API which TCP address clients should use.
func Discover(ctx context.Context, baseURL string) (Addresses, error) {
	var addrs Addresses
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/gateway/addr", nil)
	if err != nil {
		return addrs, err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return addrs, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return addrs, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	err = json.NewDecoder(resp.Body).Decode(&addrs)
	return addrs, err
}
