package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eldtechnologies/chatgw/internal/metrics"
	"github.com/eldtechnologies/chatgw/internal/models"
)

const (
	deadLetterPrefix = "dead-letter-"
	deadLetterSuffix = ".log"
	dayLayout        = "20060102"
)

var ErrDeadLetterTooLarge = errors.New("dead-letter: record exceeds file size limit")

// DeadLetterEntry is one line of a dead-letter file.
type DeadLetterEntry struct {
	Reason   string              `json:"reason"`
	FailedAt time.Time           `json:"failed_at"`
	Message  *models.ChatMessage `json:"message"`
}

// DeadLetter is an append-only, fsynced log rotated by day and by size.
// Files are named dead-letter-YYYYMMDD-N.log.
type DeadLetter struct {
	dir     string
	maxSize int64

	mu    sync.Mutex
	file  *os.File
	day   string
	index int
	size  int64
	now   func() time.Time
}

// OpenDeadLetter prepares dir. Files are opened lazily on first append.
func OpenDeadLetter(dir string, maxSize int64) (*DeadLetter, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("dead-letter: invalid max size %d", maxSize)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &DeadLetter{dir: dir, maxSize: maxSize, now: time.Now}, nil
}

// Append writes one entry and syncs it to disk.
func (d *DeadLetter) Append(msg *models.ChatMessage, reason error) error {
	why := "unknown"
	if reason != nil {
		why = reason.Error()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	line, err := json.Marshal(DeadLetterEntry{Reason: why, FailedAt: d.now().UTC(), Message: msg})
	if err != nil {
		return fmt.Errorf("dead-letter: encode: %w", err)
	}
	line = append(line, '\n')
	if int64(len(line)) > d.maxSize {
		return fmt.Errorf("%w: %d > %d", ErrDeadLetterTooLarge, len(line), d.maxSize)
	}

	if err := d.ensureFile(int64(len(line))); err != nil {
		return err
	}
	if _, err := d.file.Write(line); err != nil {
		return fmt.Errorf("dead-letter: write: %w", err)
	}
	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("dead-letter: sync: %w", err)
	}
	d.size += int64(len(line))
	metrics.DeadLetters.Inc()
	return nil
}

// Close closes the current file.
func (d *DeadLetter) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// ensureFile rotates when the day changes or the next write would overflow.
func (d *DeadLetter) ensureFile(n int64) error {
	day := d.now().Format(dayLayout)

	if d.file != nil && day == d.day && d.size+n <= d.maxSize {
		return nil
	}

	if d.file != nil {
		if err := d.file.Close(); err != nil {
			return fmt.Errorf("dead-letter: close: %w", err)
		}
		d.file = nil
	}

	if day != d.day {
		// resume after files written earlier today by this or a previous process
		d.day = day
		d.index = d.lastIndex(day)
	}

	for {
		path := d.path(day, d.index)
		info, err := os.Stat(path)
		switch {
		case err == nil && info.Size()+n > d.maxSize:
			d.index++
			continue
		case err != nil && !errors.Is(err, os.ErrNotExist):
			return err
		}

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("dead-letter: open: %w", err)
		}
		d.file = f
		d.size = 0
		if info != nil {
			d.size = info.Size()
		}
		return nil
	}
}

func (d *DeadLetter) path(day string, index int) string {
	return filepath.Join(d.dir, fmt.Sprintf("%s%s-%d%s", deadLetterPrefix, day, index, deadLetterSuffix))
}

func (d *DeadLetter) lastIndex(day string) int {
	files, _ := listDeadLetterFiles(d.dir)
	last := 0
	for _, f := range files {
		fday, idx, ok := parseDeadLetterName(filepath.Base(f))
		if ok && fday == day && idx > last {
			last = idx
		}
	}
	return last
}

// parseDeadLetterName splits "dead-letter-YYYYMMDD-N.log" into its day and
// index.
func parseDeadLetterName(name string) (day string, index int, ok bool) {
	rest, found := strings.CutPrefix(name, deadLetterPrefix)
	if !found {
		return "", 0, false
	}
	rest, found = strings.CutSuffix(rest, deadLetterSuffix)
	if !found {
		return "", 0, false
	}
	day, idx, found := strings.Cut(rest, "-")
	if !found || len(day) != len(dayLayout) {
		return "", 0, false
	}
	index, err := strconv.Atoi(idx)
	if err != nil {
		return "", 0, false
	}
	return day, index, true
}

// listDeadLetterFiles returns the dead-letter files in dir in the order
// they were written: by day, then by numeric index. Names that do not
// parse sort last.
func listDeadLetterFiles(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, deadLetterPrefix+"*"+deadLetterSuffix))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(matches, func(i, j int) bool {
		di, ii, oki := parseDeadLetterName(filepath.Base(matches[i]))
		dj, ij, okj := parseDeadLetterName(filepath.Base(matches[j]))
		switch {
		case oki != okj:
			return oki
		case !oki:
			return matches[i] < matches[j]
		case di != dj:
			return di < dj
		}
		return ii < ij
	})
	return matches, nil
}
