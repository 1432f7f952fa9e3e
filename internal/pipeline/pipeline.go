// Package pipeline is the durable save path for chat messages.
//
// Submit hands a record to a single consumer goroutine which appends it to
// a memory-mapped write-ahead log, adds it to an in-memory batch and then
// reports success. Batches are flushed to storage on a timer and before
// each WAL rotation. Anything that cannot take the normal path ends up in
// the dead-letter log.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/eldtechnologies/chatgw/internal/metrics"
	"github.com/eldtechnologies/chatgw/internal/models"
)

const (
	DefaultQueueCapacity  = 1_000_000
	DefaultFlushInterval  = 5 * time.Second
	DefaultSegmentSize    = 10 << 20
	DefaultDeadLetterSize = 10 << 20
	DefaultFlushWorkers   = 20
	DefaultShutdownGrace  = 10 * time.Second
)

var (
	ErrQueueFull     = errors.New("pipeline: queue full")
	ErrClosed        = errors.New("pipeline: closed")
	ErrInvalidRecord = errors.New("pipeline: record missing conversation or message id")
)

// Flusher is the storage side of the pipeline.
type Flusher interface {
	BatchInsert(ctx context.Context, msgs []*models.ChatMessage) error
}

// Options configures a Pipeline.
type Options struct {
	QueueCapacity     int
	FlushInterval     time.Duration
	WALDir            string
	SegmentSize       int
	Sync              SyncMode
	DeadLetterDir     string
	DeadLetterMaxSize int64
	FlushWorkers      int
	ShutdownGrace     time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = DefaultQueueCapacity
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.SegmentSize <= 0 {
		o.SegmentSize = DefaultSegmentSize
	}
	if o.DeadLetterMaxSize <= 0 {
		o.DeadLetterMaxSize = DefaultDeadLetterSize
	}
	if o.FlushWorkers <= 0 {
		o.FlushWorkers = DefaultFlushWorkers
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = DefaultShutdownGrace
	}
	return o
}

// SuccessFunc is called once a record is in the WAL and the pending batch.
type SuccessFunc func(msg *models.ChatMessage)

// FailureFunc is called when a record could not be logged. The record has
// been handed to the dead-letter log.
type FailureFunc func(msg *models.ChatMessage, err error)

type job struct {
	msg       *models.ChatMessage
	onSuccess SuccessFunc
	onFailure FailureFunc
}

// logWriter is the WAL as seen by the consumer.
type logWriter interface {
	Fits(n int) bool
	Append(line []byte) error
	Rotate() (uint64, error)
	Active() uint64
	Remove(seq uint64) error
	Close() error
}

// deadLetterWriter is the dead-letter log as seen by the pipeline.
type deadLetterWriter interface {
	Append(msg *models.ChatMessage, reason error) error
	Close() error
}

// batch is a set of logged records waiting for storage, with the WAL
// segments they live in.
type batch struct {
	records  []*models.ChatMessage
	segments map[uint64]struct{}
}

func newBatch() *batch {
	return &batch{segments: make(map[uint64]struct{})}
}

// Pipeline is the durable save pipeline.
type Pipeline struct {
	opts   Options
	store  Flusher
	wal    logWriter
	dead   deadLetterWriter
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan *job

	flushReq chan chan struct{}
	pending  *batch // owned by the consumer goroutine
	flushers *errgroup.Group
	tracker  *segmentTracker

	flushCtx    context.Context
	cancelFlush context.CancelFunc
	done        chan struct{}
}

// New opens the WAL and dead-letter log and starts the consumer.
func New(store Flusher, opts Options, logger zerolog.Logger) (*Pipeline, error) {
	opts = opts.withDefaults()
	logger = logger.With().Str("component", "pipeline").Logger()

	wal, err := OpenWAL(opts.WALDir, opts.SegmentSize, opts.Sync)
	if err != nil {
		return nil, err
	}
	if stale := wal.Stale(); len(stale) > 0 {
		logger.Warn().
			Strs("segments", stale).
			Msg("write-ahead segments from a previous run need recovery")
	}

	dead, err := OpenDeadLetter(opts.DeadLetterDir, opts.DeadLetterMaxSize)
	if err != nil {
		wal.Close()
		return nil, err
	}

	p := newPipeline(store, wal, dead, opts, logger)
	go p.run()
	return p, nil
}

func newPipeline(store Flusher, wal logWriter, dead deadLetterWriter, opts Options, logger zerolog.Logger) *Pipeline {
	flushCtx, cancel := context.WithCancel(context.Background())
	g := &errgroup.Group{}
	g.SetLimit(opts.FlushWorkers)

	return &Pipeline{
		opts:        opts,
		store:       store,
		wal:         wal,
		dead:        dead,
		logger:      logger,
		queue:       make(chan *job, opts.QueueCapacity),
		flushReq:    make(chan chan struct{}),
		pending:     newBatch(),
		flushers:    g,
		tracker:     newSegmentTracker(wal, logger),
		flushCtx:    flushCtx,
		cancelFlush: cancel,
		done:        make(chan struct{}),
	}
}

// Submit enqueues msg without blocking. Exactly one of the callbacks will be
// invoked if and only if Submit returns nil.
func (p *Pipeline) Submit(msg *models.ChatMessage, onSuccess SuccessFunc, onFailure FailureFunc) error {
	if msg == nil || msg.ConversationID == 0 || msg.MessageID == 0 {
		metrics.PipelineRecords.WithLabelValues("rejected").Inc()
		return ErrInvalidRecord
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		metrics.PipelineRecords.WithLabelValues("rejected").Inc()
		return ErrClosed
	}

	select {
	case p.queue <- &job{msg: msg, onSuccess: onSuccess, onFailure: onFailure}:
		metrics.PipelineRecords.WithLabelValues("accepted").Inc()
		metrics.PipelineQueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		metrics.PipelineRecords.WithLabelValues("rejected").Inc()
		return ErrQueueFull
	}
}

// Flush synchronously writes the current batch to storage. It is mostly
// useful for tests and admin tooling; the consumer flushes on its own.
func (p *Pipeline) Flush(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case p.flushReq <- reply:
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake, drains the queue, waits for in-flight flushes within
// the grace period and performs a final flush.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	grace, cancel := context.WithTimeout(ctx, p.opts.ShutdownGrace)
	defer cancel()

	select {
	case <-p.done:
	case <-grace.Done():
		// abandon slow storage calls; their records go to the dead-letter log
		p.cancelFlush()
		<-p.done
	}

	var errs []error
	last := p.wal.Active()
	if err := p.wal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close wal: %w", err))
	} else {
		p.tracker.seal(last)
	}
	if err := p.dead.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close dead-letter: %w", err))
	}
	p.cancelFlush()
	return errors.Join(errs...)
}

func (p *Pipeline) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				p.shutdown()
				return
			}
			metrics.PipelineQueueDepth.Set(float64(len(p.queue)))
			p.process(j)
		case <-ticker.C:
			p.flushAsync()
		case reply := <-p.flushReq:
			p.flushSync()
			close(reply)
		}
	}
}

func (p *Pipeline) shutdown() {
	p.flushSync()
	if err := p.flushers.Wait(); err != nil {
		p.logger.Error().Err(err).Msg("flush worker failed")
	}
	p.logger.Info().Msg("pipeline drained")
}

// process logs one record. It never returns an error: failures are routed
// to the dead-letter log and the failure callback.
func (p *Pipeline) process(j *job) {
	line, err := encodeLine(j.msg)
	if err == nil && !p.wal.Fits(len(line)) {
		err = p.rotate()
	}
	if err == nil {
		err = p.wal.Append(line)
	}
	if err != nil {
		p.fail(j, err)
		return
	}

	p.pending.records = append(p.pending.records, j.msg)
	p.pending.segments[p.wal.Active()] = struct{}{}
	metrics.PipelineRecords.WithLabelValues("logged").Inc()

	if j.onSuccess != nil {
		p.safely(func() { j.onSuccess(j.msg) })
	}
}

// rotate flushes the pending batch and moves the WAL to a fresh segment.
func (p *Pipeline) rotate() error {
	p.flushSync()
	sealed, err := p.wal.Rotate()
	if err != nil {
		return fmt.Errorf("rotate wal: %w", err)
	}
	p.tracker.seal(sealed)
	return nil
}

func (p *Pipeline) fail(j *job, cause error) {
	metrics.PipelineRecords.WithLabelValues("failed").Inc()
	p.logger.Error().
		Err(cause).
		Int64("conversation_id", j.msg.ConversationID).
		Int64("message_id", j.msg.MessageID).
		Msg("record could not be logged")

	if err := p.dead.Append(j.msg, cause); err != nil {
		p.logger.Error().Err(err).Msg("dead-letter append failed")
	}
	if j.onFailure != nil {
		p.safely(func() { j.onFailure(j.msg, cause) })
	}
}

func (p *Pipeline) takeBatch() *batch {
	if len(p.pending.records) == 0 {
		return nil
	}
	b := p.pending
	p.pending = newBatch()
	p.tracker.open(b)
	return b
}

func (p *Pipeline) flushAsync() {
	b := p.takeBatch()
	if b == nil {
		return
	}
	p.flushers.Go(func() error {
		p.flush(b)
		return nil
	})
}

func (p *Pipeline) flushSync() {
	if b := p.takeBatch(); b != nil {
		p.flush(b)
	}
}

func (p *Pipeline) flush(b *batch) {
	start := time.Now()
	err := p.store.BatchInsert(p.flushCtx, b.records)
	metrics.PipelineFlushDuration.Observe(time.Since(start).Seconds())

	durable := true
	if err != nil {
		metrics.PipelineFlushes.WithLabelValues("failed").Inc()
		p.logger.Error().
			Err(err).
			Int("records", len(b.records)).
			Msg("batch flush failed, writing to dead-letter")
		for _, msg := range b.records {
			if dlErr := p.dead.Append(msg, err); dlErr != nil {
				durable = false
				p.logger.Error().Err(dlErr).
					Int64("conversation_id", msg.ConversationID).
					Int64("message_id", msg.MessageID).
					Msg("dead-letter append failed")
			}
		}
	} else {
		metrics.PipelineFlushes.WithLabelValues("ok").Inc()
		p.logger.Debug().Int("records", len(b.records)).Dur("took", time.Since(start)).Msg("batch flushed")
	}
	p.tracker.done(b, durable)
}

func (p *Pipeline) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("pipeline callback panicked")
		}
	}()
	fn()
}

func encodeLine(msg *models.ChatMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return append(data, '\n'), nil
}

func decodeLine(line []byte) (*models.ChatMessage, error) {
	var msg models.ChatMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
