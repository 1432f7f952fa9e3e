// Package dispatch fans saved messages out to conversation members, locally
// through the session registry and remotely through the router.
package dispatch

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatgw/internal/models"
	"github.com/eldtechnologies/chatgw/internal/protocol"
	"github.com/eldtechnologies/chatgw/internal/session"
)

// Sessions finds local connections.
type Sessions interface {
	Get(userID int64) (session.Conn, bool)
}

// Scheduler takes over a delivery whose first send failed.
type Scheduler interface {
	Schedule(conn session.Conn, recipientID int64, f *protocol.Frame)
}

// Remote delivers to users connected to other nodes.
type Remote interface {
	Forward(ctx context.Context, msg *models.ChatMessage, userIDs []int64) int
}

// MemberSource lists conversation members.
type MemberSource interface {
	Members(ctx context.Context, conversationID int64) ([]int64, error)
}

// Result summarizes one fan-out.
type Result struct {
	Local     int
	Retrying  int
	Forwarded int
	Offline   []int64
}

// Dispatcher delivers messages to their recipients.
type Dispatcher struct {
	sessions Sessions
	retry    Scheduler
	remote   Remote
	members  MemberSource
	logger   zerolog.Logger
}

// New creates a dispatcher. remote may be nil on a single-node deployment.
func New(sessions Sessions, retry Scheduler, remote Remote, members MemberSource, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		sessions: sessions,
		retry:    retry,
		remote:   remote,
		members:  members,
		logger:   logger.With().Str("component", "dispatch").Logger(),
	}
}

// Dispatch sends msg to every member of its conversation except the sender.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *models.ChatMessage) (Result, error) {
	members, err := d.members.Members(ctx, msg.ConversationID)
	if err != nil {
		return Result{}, err
	}

	recipients := make([]int64, 0, len(members))
	for _, id := range members {
		if id != msg.SenderID {
			recipients = append(recipients, id)
		}
	}
	return d.DispatchTo(ctx, msg, recipients), nil
}

// DispatchTo sends msg to the given users: local sessions first, the rest
// through the remote forwarder.
func (d *Dispatcher) DispatchTo(ctx context.Context, msg *models.ChatMessage, recipients []int64) Result {
	res := d.DeliverLocal(ctx, msg.ToFrame(), recipients)
	if len(res.Offline) > 0 && d.remote != nil {
		res.Forwarded = d.remote.Forward(ctx, msg, res.Offline)
	}
	d.logger.Debug().
		Int64("conversation_id", msg.ConversationID).
		Int64("message_id", msg.MessageID).
		Int("local", res.Local).
		Int("retrying", res.Retrying).
		Int("forwarded", res.Forwarded).
		Msg("dispatched")
	return res
}

// DeliverLocal writes f to each recipient connected to this node. A failed
// write is handed to the retry engine. Users without a local session are
// returned in Offline.
func (d *Dispatcher) DeliverLocal(ctx context.Context, f *protocol.Frame, recipients []int64) Result {
	var res Result
	for _, id := range recipients {
		conn, ok := d.sessions.Get(id)
		if !ok {
			res.Offline = append(res.Offline, id)
			continue
		}
		if err := conn.Send(ctx, f); err != nil {
			d.logger.Debug().Err(err).Int64("user_id", id).Msg("send failed, scheduling retry")
			if d.retry != nil {
				d.retry.Schedule(conn, id, f)
			}
			res.Retrying++
			continue
		}
		res.Local++
	}
	return res
}
