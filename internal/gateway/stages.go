package gateway

import (
	"context"
	"time"

	"github.com/eldtechnologies/chatgw/internal/metrics"
	"github.com/eldtechnologies/chatgw/internal/models"
	"github.com/eldtechnologies/chatgw/internal/protocol"
)

// Outcome tells the reader loop what to do after a stage.
type Outcome int

const (
	// Forward passes the frame to the next stage.
	Forward Outcome = iota
	// Drop stops processing this frame.
	Drop
	// Close tears the connection down.
	Close
)

func (o Outcome) String() string {
	switch o {
	case Forward:
		return "forward"
	case Drop:
		return "drop"
	case Close:
		return "close"
	}
	return "unknown"
}

// Stage is one step of inbound frame processing.
type Stage func(ctx context.Context, f *protocol.Frame, st *ConnState) Outcome

// runStages applies stages in order until one does not forward.
func runStages(ctx context.Context, stages []Stage, f *protocol.Frame, st *ConnState) Outcome {
	for _, stage := range stages {
		if out := stage(ctx, f, st); out != Forward {
			return out
		}
	}
	return Drop
}

func (s *Server) rateLimit(_ context.Context, _ *protocol.Frame, st *ConnState) Outcome {
	if st.limiter != nil && !st.limiter.Allow() {
		return st.closeWith("rate_limited")
	}
	return Forward
}

func (s *Server) heartbeat(ctx context.Context, f *protocol.Frame, st *ConnState) Outcome {
	if f.Order() != protocol.OrderHeartbeat {
		return Forward
	}
	pong := protocol.Reply(f, protocol.MakeType(protocol.OrderHeartbeat, protocol.ContentAck), nil)
	if err := st.Conn.Send(ctx, pong); err != nil {
		s.logger.Debug().Err(err).Str("conn", st.Conn.ID()).Msg("heartbeat reply failed")
	}
	return Drop
}

// authGate lets only an AUTH frame through on an unauthenticated connection.
func (s *Server) authGate(ctx context.Context, f *protocol.Frame, st *ConnState) Outcome {
	if st.Authenticated {
		if f.Order() == protocol.OrderAuth {
			return Drop
		}
		return Forward
	}
	if f.Order() != protocol.OrderAuth {
		metrics.AuthResults.WithLabelValues("rejected").Inc()
		return st.closeWith("unauthenticated")
	}

	actx, cancel := context.WithTimeout(ctx, s.opts.AuthTimeout)
	defer cancel()
	if err := s.validator.Validate(actx, f.SenderID, string(f.Body)); err != nil {
		metrics.AuthResults.WithLabelValues("rejected").Inc()
		s.logger.Warn().
			Err(err).
			Int64("user_id", f.SenderID).
			Str("remote", st.Conn.RemoteAddr()).
			Msg("authentication failed")
		return st.closeWith("auth_failed")
	}

	st.UserID = f.SenderID
	st.Authenticated = true
	s.registry.Bind(st.UserID, st.Conn)
	metrics.AuthResults.WithLabelValues("ok").Inc()

	ack := protocol.Reply(f, protocol.MakeType(protocol.OrderAck, protocol.ContentAck), nil)
	if err := st.Conn.Send(ctx, ack); err != nil {
		return st.closeWith("write_error")
	}
	s.logger.Debug().Int64("user_id", st.UserID).Str("conn", st.Conn.ID()).Msg("authenticated")
	return Drop
}

// idempotent drops message frames that do not advance the connection's
// last seen timestamp, which is how clients' resends show up. The sender
// still gets a failure ack for the dropped frame.
func (s *Server) idempotent(_ context.Context, f *protocol.Frame, st *ConnState) Outcome {
	if f.Order() != protocol.OrderMessage {
		return Forward
	}
	if f.Timestamp <= st.LastTimestamp {
		s.logger.Debug().
			Int64("user_id", st.UserID).
			Int64("timestamp", f.Timestamp).
			Msg("dropping duplicate message frame")
		conn, nack := st.Conn, protocol.NewFailure(f, "duplicate")
		s.later(conn, func() { s.reply(conn, nack, "duplicate") })
		return Drop
	}
	st.LastTimestamp = f.Timestamp
	return Forward
}

// intake hands message frames to the worker pool. Everything else that got
// this far is ignored.
func (s *Server) intake(ctx context.Context, f *protocol.Frame, st *ConnState) Outcome {
	if f.Order() != protocol.OrderMessage || len(f.Body) == 0 {
		return Drop
	}

	req := f.Clone()
	req.SenderID = st.UserID
	conn := st.Conn

	if err := s.pool.Submit(ctx, conn.ID(), func() { s.handleMessage(ctx, conn, req) }); err != nil {
		s.reply(conn, protocol.NewFailure(req, "server busy"), "failure")
	}
	return Drop
}

// handleMessage allocates an ID and submits the record. The sender gets
// exactly one ack: success once the record is logged, failure otherwise.
func (s *Server) handleMessage(ctx context.Context, conn *Conn, req *protocol.Frame) {
	id, err := s.alloc.Next(ctx, req.ConversationID)
	if err != nil {
		s.logger.Error().
			Err(err).
			Int64("conversation_id", req.ConversationID).
			Int64("user_id", req.SenderID).
			Msg("message id allocation failed")
		s.reply(conn, protocol.NewFailure(req, "message id allocation failed"), "failure")
		return
	}

	stamped := req.Clone()
	stamped.MessageID = id
	stamped.Timestamp = time.Now().UnixMilli()
	stamped.Seal()
	msg := models.FromFrame(stamped)

	// delivery to others must not stop when the sender disconnects
	bg := context.WithoutCancel(ctx)
	err = s.saver.Submit(msg,
		func(*models.ChatMessage) {
			s.later(conn, func() {
				s.reply(conn, protocol.NewAck(stamped), "success")
				if _, err := s.fanout.Dispatch(bg, msg); err != nil {
					s.logger.Warn().Err(err).Int64("message_id", msg.MessageID).Msg("fan-out failed")
				}
			})
		},
		func(_ *models.ChatMessage, cause error) {
			s.later(conn, func() {
				s.reply(conn, protocol.NewFailure(stamped, cause.Error()), "failure")
			})
		},
	)
	if err != nil {
		s.logger.Warn().Err(err).Int64("conversation_id", msg.ConversationID).Msg("save pipeline rejected message")
		s.reply(conn, protocol.NewFailure(stamped, err.Error()), "failure")
	}
}

// later runs task on the connection's shard, so acks keep submit order.
// It is called from the pipeline consumer and must not block it; when the
// shard is saturated the task runs on its own goroutine.
func (s *Server) later(conn *Conn, task func()) {
	if !s.pool.TrySubmit(conn.ID(), task) {
		go task()
	}
}

func (s *Server) reply(conn *Conn, f *protocol.Frame, result string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()
	if err := conn.Send(ctx, f); err != nil {
		s.logger.Debug().Err(err).Str("conn", conn.ID()).Msg("ack not delivered")
	}
	metrics.Acks.WithLabelValues(result).Inc()
}
