// Package retry redelivers frames whose first send failed, with exponential
// backoff, until they go through or the target connection is declared dead.
package retry

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatgw/internal/metrics"
	"github.com/eldtechnologies/chatgw/internal/protocol"
	"github.com/eldtechnologies/chatgw/internal/session"
)

const (
	DefaultBase       = 2.0
	DefaultMaxRetries = 5
	DefaultUnit       = time.Second
	sendTimeout       = 5 * time.Second
)

// Options tunes backoff. The delay before retry n is Base^n * Unit.
type Options struct {
	Base       float64
	MaxRetries int
	Unit       time.Duration
}

func (o Options) withDefaults() Options {
	if o.Base <= 1 {
		o.Base = DefaultBase
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Unit <= 0 {
		o.Unit = DefaultUnit
	}
	return o
}

// Delay returns the backoff before retry n.
func (o Options) Delay(n int) time.Duration {
	return time.Duration(math.Pow(o.Base, float64(n)) * float64(o.Unit))
}

// Evictor removes a dead connection's session.
type Evictor interface {
	UnbindConn(c session.Conn) (int64, bool)
}

// Envelope is one pending redelivery.
type Envelope struct {
	Key    string
	Conn   session.Conn
	Frame  *protocol.Frame
	Retry  int
	Expiry time.Time

	index int
}

// Key identifies a logical send: sender, recipient and frame timestamp.
func Key(senderID, recipientID, timestamp int64) string {
	return fmt.Sprintf("%d:%d:%d", senderID, recipientID, timestamp)
}

// Engine is a delay queue of envelopes drained by a single goroutine.
type Engine struct {
	opts    Options
	evictor Evictor
	logger  zerolog.Logger

	mu      sync.Mutex
	queue   envelopeHeap
	byKey   map[string]*Envelope
	wake    chan struct{}
	now     func() time.Time
	running bool

	stop     chan struct{}
	stopOnce sync.Once
}

// NewEngine creates an engine. Call Run to start delivering.
func NewEngine(evictor Evictor, opts Options, logger zerolog.Logger) *Engine {
	return &Engine{
		opts:    opts.withDefaults(),
		evictor: evictor,
		logger:  logger.With().Str("component", "retry").Logger(),
		byKey:   make(map[string]*Envelope),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// Schedule queues f for redelivery to recipientID over conn. An envelope
// already pending for the same logical send is replaced.
func (e *Engine) Schedule(conn session.Conn, recipientID int64, f *protocol.Frame) {
	env := &Envelope{
		Key:   Key(f.SenderID, recipientID, f.Timestamp),
		Conn:  conn,
		Frame: f,
		Retry: 1,
	}

	e.mu.Lock()
	env.Expiry = e.now().Add(e.opts.Delay(env.Retry))
	if old, ok := e.byKey[env.Key]; ok {
		heap.Remove(&e.queue, old.index)
	}
	e.byKey[env.Key] = env
	heap.Push(&e.queue, env)
	metrics.RetryPending.Set(float64(len(e.queue)))
	e.mu.Unlock()

	e.signal()
}

// Pending returns the number of queued envelopes.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Run delivers envelopes as they come due until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("retry: engine already running")
	}
	e.running = true
	e.mu.Unlock()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		env, wait := e.next()
		if env != nil {
			e.attempt(ctx, env)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			e.drop()
			return nil
		case <-e.stop:
			e.drop()
			return nil
		case <-e.wake:
		case <-timer.C:
		}
	}
}

// Close stops Run. Pending envelopes are discarded.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
}

func (e *Engine) drop() {
	e.mu.Lock()
	n := len(e.queue)
	e.queue = nil
	e.byKey = make(map[string]*Envelope)
	e.mu.Unlock()
	metrics.RetryPending.Set(0)
	if n > 0 {
		e.logger.Info().Int("pending", n).Msg("retry engine stopped, pending envelopes dropped")
	}
}

// next pops the earliest due envelope, or reports how long to wait.
func (e *Engine) next() (*Envelope, time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.queue) == 0 {
		return nil, time.Hour
	}
	head := e.queue[0]
	if wait := head.Expiry.Sub(e.now()); wait > 0 {
		return nil, wait
	}
	heap.Pop(&e.queue)
	delete(e.byKey, head.Key)
	metrics.RetryPending.Set(float64(len(e.queue)))
	return head, 0
}

func (e *Engine) attempt(ctx context.Context, env *Envelope) {
	if !env.Conn.IsOpen() {
		metrics.RetryAttempts.WithLabelValues("discarded").Inc()
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	err := env.Conn.Send(sendCtx, env.Frame)
	cancel()
	if err == nil {
		metrics.RetryAttempts.WithLabelValues("delivered").Inc()
		return
	}

	if env.Retry < e.opts.MaxRetries {
		env.Retry++
		e.mu.Lock()
		if _, superseded := e.byKey[env.Key]; !superseded {
			env.Expiry = e.now().Add(e.opts.Delay(env.Retry))
			e.byKey[env.Key] = env
			heap.Push(&e.queue, env)
			metrics.RetryPending.Set(float64(len(e.queue)))
		}
		e.mu.Unlock()
		metrics.RetryAttempts.WithLabelValues("rescheduled").Inc()
		e.logger.Debug().Err(err).Str("key", env.Key).Int("retry", env.Retry).Msg("redelivery failed, rescheduled")
		return
	}

	metrics.RetryAttempts.WithLabelValues("exhausted").Inc()
	e.logger.Warn().
		Err(err).
		Str("key", env.Key).
		Str("conn", env.Conn.ID()).
		Int("retries", env.Retry).
		Msg("retries exhausted, closing connection")
	_ = env.Conn.Close()
	if e.evictor != nil {
		e.evictor.UnbindConn(env.Conn)
	}
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// envelopeHeap orders envelopes by expiry.
type envelopeHeap []*Envelope

func (h envelopeHeap) Len() int           { return len(h) }
func (h envelopeHeap) Less(i, j int) bool { return h[i].Expiry.Before(h[j].Expiry) }
func (h envelopeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *envelopeHeap) Push(x any) {
	env := x.(*Envelope)
	env.index = len(*h)
	*h = append(*h, env)
}

func (h *envelopeHeap) Pop() any {
	old := *h
	n := len(old)
	env := old[n-1]
	old[n-1] = nil
	env.index = -1
	*h = old[:n-1]
	return env
}
