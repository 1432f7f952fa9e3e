// Package session tracks which live connection belongs to which user.
package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatgw/internal/metrics"
	"github.com/eldtechnologies/chatgw/internal/protocol"
)

// Conn is the part of a client connection the registry needs.
type Conn interface {
	ID() string
	RemoteAddr() string
	IsOpen() bool
	Send(ctx context.Context, f *protocol.Frame) error
	Close() error
}

// Listener observes binding changes. Callbacks run after the registry lock
// is released and must not block for long.
type Listener interface {
	SessionBound(userID int64, c Conn)
	SessionUnbound(userID int64, c Conn)
}

// Registry is a user ID to connection bijection. One connection per user;
// the most recent bind wins.
type Registry struct {
	mu        sync.RWMutex
	byUser    map[int64]Conn
	byConn    map[string]int64
	listeners []Listener
	logger    zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		byUser: make(map[int64]Conn),
		byConn: make(map[string]int64),
		logger: logger.With().Str("component", "session").Logger(),
	}
}

// AddListener registers l for all future bind and unbind events.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Bind maps userID to c. A previous connection for the same user is closed.
// A connection previously bound to another user is moved.
func (r *Registry) Bind(userID int64, c Conn) {
	r.mu.Lock()
	prev := r.byUser[userID]
	if prev != nil && prev.ID() == c.ID() {
		prev = nil
	}
	if prev != nil {
		delete(r.byConn, prev.ID())
	}

	moved := false
	movedFrom, had := r.byConn[c.ID()]
	if had && movedFrom != userID {
		if cur, ok := r.byUser[movedFrom]; ok && cur.ID() == c.ID() {
			delete(r.byUser, movedFrom)
			moved = true
		}
	}

	r.byUser[userID] = c
	r.byConn[c.ID()] = userID
	listeners := r.listeners
	metrics.SessionsBound.Set(float64(len(r.byUser)))
	r.mu.Unlock()

	if prev != nil {
		r.logger.Info().
			Int64("user_id", userID).
			Str("old_conn", prev.ID()).
			Str("new_conn", c.ID()).
			Msg("session replaced")
		_ = prev.Close()
	}
	if moved {
		for _, l := range listeners {
			l.SessionUnbound(movedFrom, c)
		}
	}
	for _, l := range listeners {
		l.SessionBound(userID, c)
	}
}

// UnbindConn removes c. The user mapping is only removed if it still points
// at c, so a stale disconnect never evicts a newer session.
func (r *Registry) UnbindConn(c Conn) (int64, bool) {
	r.mu.Lock()
	userID, ok := r.byConn[c.ID()]
	if !ok {
		r.mu.Unlock()
		return 0, false
	}
	delete(r.byConn, c.ID())

	removed := false
	if cur, bound := r.byUser[userID]; bound && cur.ID() == c.ID() {
		delete(r.byUser, userID)
		removed = true
	}
	listeners := r.listeners
	metrics.SessionsBound.Set(float64(len(r.byUser)))
	r.mu.Unlock()

	if removed {
		for _, l := range listeners {
			l.SessionUnbound(userID, c)
		}
	}
	return userID, removed
}

// UnbindUser removes the session for userID and returns its connection.
func (r *Registry) UnbindUser(userID int64) (Conn, bool) {
	r.mu.Lock()
	c, ok := r.byUser[userID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.byUser, userID)
	delete(r.byConn, c.ID())
	listeners := r.listeners
	metrics.SessionsBound.Set(float64(len(r.byUser)))
	r.mu.Unlock()

	for _, l := range listeners {
		l.SessionUnbound(userID, c)
	}
	return c, true
}

// Get returns the open connection for userID. Closed connections are
// dropped on the way out and reported as absent.
func (r *Registry) Get(userID int64) (Conn, bool) {
	r.mu.RLock()
	c, ok := r.byUser[userID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !c.IsOpen() {
		r.UnbindConn(c)
		return nil, false
	}
	return c, true
}

// UserOf returns the user bound to c.
func (r *Registry) UserOf(c Conn) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[c.ID()]
	return userID, ok
}

// Online returns the IDs of every bound user.
func (r *Registry) Online() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.byUser))
	for id := range r.byUser {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of bound sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Broadcast sends f to every open session and returns how many succeeded.
func (r *Registry) Broadcast(ctx context.Context, f *protocol.Frame) int {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.byUser))
	for _, c := range r.byUser {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if !c.IsOpen() {
			continue
		}
		if err := c.Send(ctx, f); err != nil {
			r.logger.Debug().Err(err).Str("conn", c.ID()).Msg("broadcast send failed")
			continue
		}
		sent++
	}
	return sent
}

// CloseAll closes and unbinds every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.byUser
	r.byUser = make(map[int64]Conn)
	r.byConn = make(map[string]int64)
	listeners := r.listeners
	metrics.SessionsBound.Set(0)
	r.mu.Unlock()

	for userID, c := range conns {
		_ = c.Close()
		for _, l := range listeners {
			l.SessionUnbound(userID, c)
		}
	}
}
