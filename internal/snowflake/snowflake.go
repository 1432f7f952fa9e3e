// Package snowflake generates roughly time-ordered 63-bit unique IDs.
//
// Layout, most significant first: 41 bits of milliseconds since Epoch,
// 5 bits datacenter, 5 bits worker, 12 bits per-millisecond sequence.
package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// Epoch is 2023-01-01T00:00:00Z in unix milliseconds.
	Epoch int64 = 1672531200000

	workerBits     = 5
	datacenterBits = 5
	sequenceBits   = 12

	MaxWorkerID     = -1 ^ (-1 << workerBits)
	MaxDatacenterID = -1 ^ (-1 << datacenterBits)
	sequenceMask    = -1 ^ (-1 << sequenceBits)

	workerShift     = sequenceBits
	datacenterShift = sequenceBits + workerBits
	timestampShift  = sequenceBits + workerBits + datacenterBits

	// maxBackwardDrift is how far the clock may step back before NextID fails.
	maxBackwardDrift = 5 * time.Millisecond
)

var ErrClockMovedBackwards = errors.New("snowflake: clock moved backwards")

// Generator is safe for concurrent use.
type Generator struct {
	mu           sync.Mutex
	datacenterID int64
	workerID     int64
	sequence     int64
	lastStamp    int64
	now          func() int64
}

// New validates the node coordinates and returns a generator.
func New(datacenterID, workerID int64) (*Generator, error) {
	if datacenterID < 0 || datacenterID > MaxDatacenterID {
		return nil, fmt.Errorf("snowflake: datacenter id must be between 0 and %d", MaxDatacenterID)
	}
	if workerID < 0 || workerID > MaxWorkerID {
		return nil, fmt.Errorf("snowflake: worker id must be between 0 and %d", MaxWorkerID)
	}
	return &Generator{
		datacenterID: datacenterID,
		workerID:     workerID,
		lastStamp:    -1,
		now:          func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// NextID returns the next ID. Small clock regressions are absorbed by
// waiting; larger ones return ErrClockMovedBackwards.
func (g *Generator) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now()
	if ts < g.lastStamp {
		drift := time.Duration(g.lastStamp-ts) * time.Millisecond
		if drift > maxBackwardDrift {
			return 0, fmt.Errorf("%w by %s", ErrClockMovedBackwards, drift)
		}
		time.Sleep(drift)
		ts = g.now()
		if ts < g.lastStamp {
			return 0, fmt.Errorf("%w by %s", ErrClockMovedBackwards, drift)
		}
	}

	if ts == g.lastStamp {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			for ts <= g.lastStamp {
				ts = g.now()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastStamp = ts

	return (ts-Epoch)<<timestampShift |
		g.datacenterID<<datacenterShift |
		g.workerID<<workerShift |
		g.sequence, nil
}

// MustNextID panics if the clock has moved backwards beyond tolerance.
func (g *Generator) MustNextID() int64 {
	id, err := g.NextID()
	if err != nil {
		panic(err)
	}
	return id
}

// Time extracts the creation time of id.
func Time(id int64) time.Time {
	return time.UnixMilli((id >> timestampShift) + Epoch)
}

// DatacenterID extracts the datacenter of id.
func DatacenterID(id int64) int64 {
	return (id >> datacenterShift) & MaxDatacenterID
}

// WorkerID extracts the worker of id.
func WorkerID(id int64) int64 {
	return (id >> workerShift) & MaxWorkerID
}

// Sequence extracts the in-millisecond sequence of id.
func Sequence(id int64) int64 {
	return id & sequenceMask
}
