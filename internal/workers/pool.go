// Package workers runs tasks on a fixed set of goroutines. Tasks with the
// same key always land on the same goroutine, so they run in submit order.
package workers

import (
	"context"
	"errors"
	"hash/fnv"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
)

var ErrPoolClosed = errors.New("workers: pool closed")

const DefaultQueueSize = 1024

// Pool is a sharded worker pool.
type Pool struct {
	shards []chan func()
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts size workers, each with a queue of queueSize tasks.
// size <= 0 means one worker per CPU.
func NewPool(size, queueSize int, logger zerolog.Logger) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	p := &Pool{
		shards: make([]chan func(), size),
		logger: logger.With().Str("component", "workers").Logger(),
	}
	for i := range p.shards {
		ch := make(chan func(), queueSize)
		p.shards[i] = ch
		p.wg.Add(1)
		go p.work(ch)
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.shards) }

// Submit queues fn on the worker owning key. It blocks while that worker's
// queue is full, until ctx is done.
func (p *Pool) Submit(ctx context.Context, key string, fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.shards[p.shard(key)] <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues fn without blocking. It reports false when the pool is
// closed or the worker's queue is full.
func (p *Pool) TrySubmit(key string, fn func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case p.shards[p.shard(key)] <- fn:
		return true
	default:
		return false
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, ch := range p.shards {
		close(ch)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.shards)))
}

func (p *Pool) work(ch <-chan func()) {
	defer p.wg.Done()
	for fn := range ch {
		p.run(fn)
	}
}

func (p *Pool) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("task panicked")
		}
	}()
	fn()
}
