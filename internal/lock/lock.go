// Package lock provides a reentrant, lease-based distributed mutex on Redis.
//
// Each Mutex owns a random holder ID. The stored value is "<holder>:<depth>"
// with a PX lease. While the mutex is held a background goroutine extends
// the lease every half lease period; if it finds the key gone or owned by
// someone else it stops and closes Lost().
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatgw/internal/metrics"
)

const (
	DefaultLease        = 30 * time.Second
	DefaultPollInterval = 500 * time.Millisecond

	keyPrefix = "lock:"
)

var (
	// ErrNotHeld is returned when releasing a lock this holder does not own.
	ErrNotHeld = errors.New("lock: not held by this holder")
	// ErrLockLost means the lease expired or was taken while we believed we held it.
	ErrLockLost = errors.New("lock: lease lost")
	// ErrLockTimeout is returned by TryLockFor when the wait budget runs out.
	ErrLockTimeout = errors.New("lock: timed out waiting for lock")
)

// Options tunes lease and polling behavior.
type Options struct {
	Lease        time.Duration
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Lease <= 0 {
		o.Lease = DefaultLease
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// Client creates mutexes that share one Redis connection and options.
type Client struct {
	rdb    redis.Scripter
	opts   Options
	logger zerolog.Logger
}

// NewClient creates a lock client.
func NewClient(rdb redis.Scripter, opts Options, logger zerolog.Logger) *Client {
	return &Client{
		rdb:    rdb,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "lock").Logger(),
	}
}

// NewMutex returns a mutex for businessKey with a fresh holder identity.
func (c *Client) NewMutex(businessKey string) *Mutex {
	return &Mutex{
		client: c,
		key:    keyPrefix + businessKey,
		holder: uuid.NewString(),
	}
}

// Do runs fn while holding the mutex for businessKey, waiting at most wait
// to acquire it. The context passed to fn is cancelled if the lease is lost.
func (c *Client) Do(ctx context.Context, businessKey string, wait time.Duration, fn func(ctx context.Context) error) error {
	m := c.NewMutex(businessKey)
	if err := m.TryLockFor(ctx, wait); err != nil {
		return err
	}

	guarded, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.Lost():
			cancel()
		case <-guarded.Done():
		}
	}()

	fnErr := fn(guarded)

	// release even when ctx is already cancelled
	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer releaseCancel()
	if err := m.Unlock(releaseCtx); err != nil {
		c.logger.Error().Err(err).Str("key", m.key).Msg("unlock failed")
		if fnErr == nil {
			return err
		}
	}
	return fnErr
}

// Mutex is a reentrant lock. Reentrancy is per Mutex value: the same value
// may be locked K times and must then be unlocked K times.
type Mutex struct {
	client *Client
	key    string
	holder string

	mu          sync.Mutex
	depth       int64
	lost        chan struct{}
	lostClosed  bool
	stopRenewal context.CancelFunc
	renewDone   chan struct{}
}

// Key returns the Redis key guarding this mutex.
func (m *Mutex) Key() string { return m.key }

// Holder returns the holder identity stored in the key.
func (m *Mutex) Holder() string { return m.holder }

// TryLock attempts a single acquisition.
func (m *Mutex) TryLock(ctx context.Context) (bool, error) {
	lease := m.client.opts.Lease
	depth, err := acquireScript.Run(ctx, m.client.rdb, []string{m.key}, m.holder, lease.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("lock: acquire %s: %w", m.key, err)
	}
	if depth == 0 {
		metrics.LockAcquisitions.WithLabelValues("contended").Inc()
		return false, nil
	}

	m.mu.Lock()
	m.depth = depth
	if depth == 1 {
		m.startRenewalLocked()
	}
	m.mu.Unlock()

	metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
	return true, nil
}

// Lock polls until acquired or ctx is done. Cancellation is returned as
// ctx.Err() and never leaves a lock behind.
func (m *Mutex) Lock(ctx context.Context) error {
	ticker := time.NewTicker(m.client.opts.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := m.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// TryLockFor waits at most wait. Running out of time returns ErrLockTimeout;
// cancellation of ctx itself is returned unchanged.
func (m *Mutex) TryLockFor(ctx context.Context, wait time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	err := m.Lock(waitCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		metrics.LockAcquisitions.WithLabelValues("timeout").Inc()
		return fmt.Errorf("%w: %s after %s", ErrLockTimeout, m.key, wait)
	}
	return err
}

// Unlock releases one level of ownership. Releasing a lock that is not
// held is a caller bug and is reported, never ignored.
func (m *Mutex) Unlock(ctx context.Context) error {
	lease := m.client.opts.Lease
	remaining, err := releaseScript.Run(ctx, m.client.rdb, []string{m.key}, m.holder, lease.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", m.key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case remaining >= 0:
		m.depth = remaining
		if remaining == 0 {
			m.stopRenewalLocked()
		}
		return nil
	case m.depth > 0:
		// we thought we held it: the lease ran out or was stolen
		m.depth = 0
		m.stopRenewalLocked()
		metrics.LockAcquisitions.WithLabelValues("lost").Inc()
		return fmt.Errorf("%w: %s (%s)", ErrLockLost, m.key, releaseStatus(remaining))
	default:
		return fmt.Errorf("%w: %s (%s)", ErrNotHeld, m.key, releaseStatus(remaining))
	}
}

// Lost is closed when renewal discovers the lease is gone. It returns nil
// if the mutex has never been acquired.
func (m *Mutex) Lost() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lost
}

// Depth returns the locally tracked reentrancy depth.
func (m *Mutex) Depth() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth
}

// RenewalPeriod is half the lease, never below one millisecond.
func RenewalPeriod(lease time.Duration) time.Duration {
	period := lease / 2
	if period < time.Millisecond {
		period = time.Millisecond
	}
	return period
}

func (m *Mutex) startRenewalLocked() {
	m.stopRenewalLocked()

	ctx, cancel := context.WithCancel(context.Background())
	m.stopRenewal = cancel
	m.lost = make(chan struct{})
	m.lostClosed = false
	m.renewDone = make(chan struct{})

	go m.renew(ctx, m.lost, m.renewDone)
}

// stopRenewalLocked cancels renewal without waiting: the renew goroutine
// takes m.mu when it reports a loss.
func (m *Mutex) stopRenewalLocked() {
	if m.stopRenewal != nil {
		m.stopRenewal()
		m.stopRenewal = nil
	}
}

func (m *Mutex) renew(ctx context.Context, lost chan struct{}, done chan struct{}) {
	defer close(done)

	lease := m.client.opts.Lease
	ticker := time.NewTicker(RenewalPeriod(lease))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ok, err := renewScript.Run(ctx, m.client.rdb, []string{m.key}, m.holder, lease.Milliseconds()).Int64()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.client.logger.Warn().Err(err).Str("key", m.key).Msg("lease renewal failed")
			continue
		}
		if ok == 0 {
			m.client.logger.Error().
				Str("key", m.key).
				Str("holder", m.holder).
				Msg("lease lost, renewal stopped")
			metrics.LockAcquisitions.WithLabelValues("lost").Inc()

			m.mu.Lock()
			if m.lost == lost && !m.lostClosed {
				close(lost)
				m.lostClosed = true
			}
			m.mu.Unlock()
			return
		}
	}
}
