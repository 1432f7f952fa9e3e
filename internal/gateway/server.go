// Package gateway accepts client TCP connections and runs every inbound
// frame through an ordered list of stages: rate limit, heartbeat, the
// authentication gate, a duplicate guard and message intake.
package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatgw/internal/auth"
	"github.com/eldtechnologies/chatgw/internal/dispatch"
	"github.com/eldtechnologies/chatgw/internal/metrics"
	"github.com/eldtechnologies/chatgw/internal/models"
	"github.com/eldtechnologies/chatgw/internal/pipeline"
	"github.com/eldtechnologies/chatgw/internal/protocol"
	"github.com/eldtechnologies/chatgw/internal/session"
	"github.com/eldtechnologies/chatgw/internal/workers"
)

const (
	DefaultIdleTimeout  = 3 * time.Minute
	DefaultWriteTimeout = 10 * time.Second
	DefaultAuthTimeout  = 5 * time.Second
	DefaultAuthDeadline = 30 * time.Second
)

// Registry binds authenticated users to their connection.
type Registry interface {
	Bind(userID int64, c session.Conn)
	UnbindConn(c session.Conn) (int64, bool)
}

// Allocator hands out message IDs.
type Allocator interface {
	Next(ctx context.Context, conversationID int64) (int64, error)
}

// Saver is the durable save path.
type Saver interface {
	Submit(msg *models.ChatMessage, onSuccess pipeline.SuccessFunc, onFailure pipeline.FailureFunc) error
}

// Fanout delivers a saved message to the rest of its conversation.
type Fanout interface {
	Dispatch(ctx context.Context, msg *models.ChatMessage) (dispatch.Result, error)
}

// Options configures the TCP server.
type Options struct {
	Addr         string
	MaxFrameSize uint32
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	AuthTimeout  time.Duration
	// AuthDeadline bounds how long a connection may stay unauthenticated.
	// Heartbeats do not extend it.
	AuthDeadline time.Duration
	FrameRate    float64
	FrameBurst   int
}

// Deps are the collaborators the stages call into.
type Deps struct {
	Registry  Registry
	Validator auth.Validator
	Allocator Allocator
	Saver     Saver
	Fanout    Fanout
	Pool      *workers.Pool
}

// Server is the client-facing TCP gateway.
type Server struct {
	opts      Options
	registry  Registry
	validator auth.Validator
	alloc     Allocator
	saver     Saver
	fanout    Fanout
	pool      *workers.Pool
	stages    []Stage
	logger    zerolog.Logger

	mu    sync.Mutex
	ln    net.Listener
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server.
func NewServer(opts Options, deps Deps, logger zerolog.Logger) *Server {
	if opts.MaxFrameSize == 0 {
		opts.MaxFrameSize = protocol.DefaultMaxBody
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = DefaultAuthTimeout
	}
	if opts.AuthDeadline <= 0 {
		opts.AuthDeadline = DefaultAuthDeadline
	}

	s := &Server{
		opts:      opts,
		registry:  deps.Registry,
		validator: deps.Validator,
		alloc:     deps.Allocator,
		saver:     deps.Saver,
		fanout:    deps.Fanout,
		pool:      deps.Pool,
		logger:    logger.With().Str("component", "gateway").Logger(),
		conns:     make(map[*Conn]struct{}),
	}
	s.stages = []Stage{s.rateLimit, s.heartbeat, s.authGate, s.idempotent, s.intake}
	return s
}

// ListenAndServe listens on opts.Addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes every
// open connection and waits for their readers to exit.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("gateway listening")
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.shutdown()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.shutdown()
			return err
		}

		s.wg.Add(1)
		go s.handle(ctx, nc)
	}
}

// Addr returns the listening address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) shutdown() {
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info().Msg("gateway stopped")
}

func (s *Server) track(c *Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

// handle is the connection's reader goroutine.
func (s *Server) handle(ctx context.Context, nc net.Conn) {
	defer s.wg.Done()

	c := newConn(nc, s.opts.WriteTimeout)
	st := newConnState(c, s.opts)
	s.track(c, true)
	metrics.ConnectionsActive.Inc()

	ctx, cancel := context.WithCancel(ctx)
	log := s.logger.With().Str("conn", c.ID()).Str("remote", c.RemoteAddr()).Logger()
	log.Debug().Msg("connection accepted")

	reason := "eof"
	defer func() {
		cancel()
		c.Close()
		s.registry.UnbindConn(c)
		s.track(c, false)
		metrics.ConnectionsActive.Dec()
		metrics.ConnectionsClosed.WithLabelValues(reason).Inc()
		log.Debug().Str("reason", reason).Int64("user_id", st.UserID).Msg("connection closed")
	}()

	authBy := time.Now().Add(s.opts.AuthDeadline)
	for {
		if deadline := s.readDeadline(st, authBy); !deadline.IsZero() {
			if err := nc.SetReadDeadline(deadline); err != nil {
				reason = "closed"
				return
			}
		}

		f, err := protocol.ReadFrame(nc, s.opts.MaxFrameSize)
		if err != nil {
			reason = readFailure(err)
			if reason == "idle" && !st.Authenticated {
				reason = "auth_timeout"
			}
			if reason == "bad_magic" || reason == "too_large" {
				log.Warn().Err(err).Msg("protocol violation")
			}
			return
		}
		metrics.FramesReceived.WithLabelValues(protocol.OrderName(f.Order())).Inc()

		if runStages(ctx, s.stages, f, st) == Close {
			reason = st.closeReason
			return
		}
	}
}

// readDeadline is the idle deadline, capped by authBy until the connection
// authenticates.
func (s *Server) readDeadline(st *ConnState, authBy time.Time) time.Time {
	var deadline time.Time
	if s.opts.IdleTimeout > 0 {
		deadline = time.Now().Add(s.opts.IdleTimeout)
	}
	if !st.Authenticated && (deadline.IsZero() || authBy.Before(deadline)) {
		deadline = authBy
	}
	return deadline
}

func readFailure(err error) string {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "eof"
	case errors.Is(err, protocol.ErrBadMagic):
		return "bad_magic"
	case errors.Is(err, protocol.ErrFrameTooLarge):
		return "too_large"
	case errors.Is(err, net.ErrClosed):
		return "closed"
	case errors.As(err, &ne) && ne.Timeout():
		return "idle"
	}
	return "read_error"
}
