package pipeline

import (
	"sync"

	"github.com/rs/zerolog"
)

// segmentTracker deletes a WAL segment once it is sealed and every batch
// holding its records has reached storage or the dead-letter log.
type segmentTracker struct {
	mu       sync.Mutex
	wal      logWriter
	inflight map[uint64]int
	sealed   map[uint64]bool
	retain   map[uint64]bool
	logger   zerolog.Logger
}

func newSegmentTracker(wal logWriter, logger zerolog.Logger) *segmentTracker {
	return &segmentTracker{
		wal:      wal,
		inflight: make(map[uint64]int),
		sealed:   make(map[uint64]bool),
		retain:   make(map[uint64]bool),
		logger:   logger,
	}
}

func (t *segmentTracker) open(b *batch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for seq := range b.segments {
		t.inflight[seq]++
	}
}

// done records a finished batch. durable is false when some record reached
// neither storage nor the dead-letter log; its segment is then kept.
func (t *segmentTracker) done(b *batch, durable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for seq := range b.segments {
		t.inflight[seq]--
		if !durable {
			t.retain[seq] = true
		}
		if t.inflight[seq] <= 0 {
			delete(t.inflight, seq)
			if t.sealed[seq] {
				t.removeLocked(seq)
			}
		}
	}
}

func (t *segmentTracker) seal(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealed[seq] = true
	if t.inflight[seq] == 0 {
		t.removeLocked(seq)
	}
}

func (t *segmentTracker) removeLocked(seq uint64) {
	delete(t.sealed, seq)
	if t.retain[seq] {
		delete(t.retain, seq)
		t.logger.Warn().Uint64("segment", seq).Msg("keeping wal segment with undelivered records")
		return
	}
	if err := t.wal.Remove(seq); err != nil {
		t.logger.Error().Err(err).Uint64("segment", seq).Msg("remove wal segment")
	}
}
