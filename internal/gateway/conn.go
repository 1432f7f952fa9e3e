package gateway

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/eldtechnologies/chatgw/internal/metrics"
	"github.com/eldtechnologies/chatgw/internal/protocol"
)

var ErrConnClosed = errors.New("gateway: connection closed")

// Conn is one client TCP connection. Send is safe for concurrent use.
type Conn struct {
	id           string
	nc           net.Conn
	writeTimeout time.Duration

	wmu       sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func newConn(nc net.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           ulid.Make().String(),
		nc:           nc,
		writeTimeout: writeTimeout,
	}
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) RemoteAddr() string { return c.nc.RemoteAddr().String() }
func (c *Conn) IsOpen() bool       { return !c.closed.Load() }

// Send writes one frame. The write deadline is the earlier of ctx's
// deadline and the configured write timeout.
func (c *Conn) Send(ctx context.Context, f *protocol.Frame) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	var deadline time.Time
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := protocol.WriteFrame(c.nc, f); err != nil {
		return err
	}
	metrics.FramesSent.WithLabelValues(protocol.OrderName(f.Order())).Inc()
	return nil
}

// Close closes the socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.nc.Close()
	})
	return err
}

// ConnState is the per-connection state the stages share. It is created at
// accept and only touched by the connection's reader goroutine.
type ConnState struct {
	Conn          *Conn
	UserID        int64
	Authenticated bool
	LastTimestamp int64

	limiter     *rate.Limiter
	closeReason string
}

func newConnState(c *Conn, opts Options) *ConnState {
	st := &ConnState{Conn: c}
	if opts.FrameRate > 0 {
		burst := opts.FrameBurst
		if burst <= 0 {
			burst = int(opts.FrameRate)
		}
		st.limiter = rate.NewLimiter(rate.Limit(opts.FrameRate), max(burst, 1))
	}
	return st
}

// closeWith marks the connection for closing and records why.
func (st *ConnState) closeWith(reason string) Outcome {
	st.closeReason = reason
	return Close
}
