package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// SyncMode controls when mapped WAL pages are forced to disk.
type SyncMode int

const (
	// SyncNone leaves write-back to the OS page cache.
	SyncNone SyncMode = iota
	// SyncOnRotate msyncs a segment when it is sealed or closed.
	SyncOnRotate
	// SyncAlways msyncs after every append.
	SyncAlways
)

// ParseSyncMode accepts "none", "rotate" or "always".
func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return SyncNone, nil
	case "rotate", "flush":
		return SyncOnRotate, nil
	case "always":
		return SyncAlways, nil
	}
	return SyncNone, fmt.Errorf("pipeline: unknown wal sync mode %q", s)
}

const (
	segmentPrefix = "wal-"
	segmentSuffix = ".log"
)

var (
	ErrSegmentFull    = errors.New("wal: segment full")
	ErrRecordTooLarge = errors.New("wal: record larger than segment")
	ErrWALClosed      = errors.New("wal: closed")
)

// segment is one memory-mapped, fixed-size log file.
type segment struct {
	seq    uint64
	path   string
	file   *os.File
	data   []byte
	offset int
}

// WAL is an append-only log of fixed-size mmap segments. It has exactly one
// writer, the pipeline consumer, and is not safe for concurrent use.
type WAL struct {
	dir         string
	segmentSize int
	mode        SyncMode
	active      *segment
	nextSeq     uint64
	stale       []string
}

// OpenWAL starts a fresh segment in dir. Segments left by a previous run are
// never reused or deleted; they are reported by Stale for recovery.
func OpenWAL(dir string, segmentSize int, mode SyncMode) (*WAL, error) {
	if segmentSize <= 0 {
		return nil, fmt.Errorf("wal: invalid segment size %d", segmentSize)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	existing, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{dir: dir, segmentSize: segmentSize, mode: mode, nextSeq: 1}
	for _, s := range existing {
		w.stale = append(w.stale, s.path)
		if s.seq >= w.nextSeq {
			w.nextSeq = s.seq + 1
		}
	}

	active, err := w.openSegment()
	if err != nil {
		return nil, err
	}
	w.active = active
	return w, nil
}

// Stale lists segments written by an earlier process.
func (w *WAL) Stale() []string { return w.stale }

// Active returns the sequence number of the segment being written.
func (w *WAL) Active() uint64 {
	if w.active == nil {
		return 0
	}
	return w.active.seq
}

// Fits reports whether n more bytes fit in the active segment.
func (w *WAL) Fits(n int) bool {
	return w.active != nil && w.active.offset+n <= len(w.active.data)
}

// Append writes line to the active segment.
func (w *WAL) Append(line []byte) error {
	if len(line) > w.segmentSize {
		return fmt.Errorf("%w: %d > %d", ErrRecordTooLarge, len(line), w.segmentSize)
	}
	if w.active == nil {
		return ErrWALClosed
	}
	if !w.Fits(len(line)) {
		return ErrSegmentFull
	}

	s := w.active
	copy(s.data[s.offset:], line)
	s.offset += len(line)

	if w.mode == SyncAlways {
		if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
			return fmt.Errorf("wal: msync: %w", err)
		}
	}
	return nil
}

// Rotate opens the next segment and then seals the active one. It returns
// the sealed segment's sequence number. When the next segment cannot be
// opened the active segment stays in place.
func (w *WAL) Rotate() (uint64, error) {
	if w.active == nil {
		return 0, ErrWALClosed
	}
	next, err := w.openSegment()
	if err != nil {
		return 0, err
	}
	old := w.active
	w.active = next
	return old.seq, w.seal(old)
}

// Remove deletes a sealed segment. It only touches immutable state, so it
// may be called from flush goroutines while the consumer keeps appending.
func (w *WAL) Remove(seq uint64) error {
	err := os.Remove(w.segmentPath(seq))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Close seals the active segment. An empty active segment is removed.
func (w *WAL) Close() error {
	if w.active == nil {
		return nil
	}
	s := w.active
	w.active = nil
	empty := s.offset == 0
	if err := w.seal(s); err != nil {
		return err
	}
	if empty {
		return os.Remove(s.path)
	}
	return nil
}

func (w *WAL) segmentPath(seq uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s%020d%s", segmentPrefix, seq, segmentSuffix))
}

// openSegment creates the next segment file. A failed attempt still consumes
// its sequence number so a retry never collides with a leftover file.
func (w *WAL) openSegment() (*segment, error) {
	seq := w.nextSeq
	w.nextSeq++
	path := w.segmentPath(seq)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: create segment: %w", err)
	}
	if err := f.Truncate(int64(w.segmentSize)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("wal: size segment: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, w.segmentSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("wal: mmap segment: %w", err)
	}
	return &segment{seq: seq, path: path, file: f, data: data}, nil
}

// seal unmaps s and trims the file to the bytes actually written.
func (w *WAL) seal(s *segment) error {
	if w.mode != SyncNone {
		if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
			return fmt.Errorf("wal: msync: %w", err)
		}
	}
	if err := unix.Munmap(s.data); err != nil {
		return fmt.Errorf("wal: munmap: %w", err)
	}
	s.data = nil
	if err := s.file.Truncate(int64(s.offset)); err != nil {
		s.file.Close()
		return fmt.Errorf("wal: trim segment: %w", err)
	}
	return s.file.Close()
}

type segmentFile struct {
	seq  uint64
	path string
}

func listSegments(dir string) ([]segmentFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var out []segmentFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, segmentFile{seq: seq, path: filepath.Join(dir, name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out, nil
}
