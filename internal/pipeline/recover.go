package pipeline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/eldtechnologies/chatgw/internal/models"
)

// Recovered holds what a recovery scan found in one file.
type Recovered struct {
	Path     string
	Messages []*models.ChatMessage
	Reasons  []string // dead-letter only, parallel to Messages
	Corrupt  int      // lines that could not be decoded
}

// ReadWAL decodes every segment in dir, oldest first. Reading a segment
// stops at the first NUL byte, which marks the unwritten tail of a segment
// that was never sealed.
func ReadWAL(dir string) ([]Recovered, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	out := make([]Recovered, 0, len(segments))
	for _, s := range segments {
		data, err := os.ReadFile(s.path)
		if err != nil {
			return out, fmt.Errorf("read %s: %w", s.path, err)
		}
		if i := bytes.IndexByte(data, 0); i >= 0 {
			data = data[:i]
		}

		rec := Recovered{Path: s.path}
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			msg, err := decodeLine(line)
			if err != nil {
				rec.Corrupt++
				continue
			}
			rec.Messages = append(rec.Messages, msg)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ReadDeadLetters decodes every dead-letter file in dir.
func ReadDeadLetters(dir string) ([]Recovered, error) {
	files, err := listDeadLetterFiles(dir)
	if err != nil {
		return nil, err
	}

	out := make([]Recovered, 0, len(files))
	for _, path := range files {
		rec, err := readDeadLetterFile(path)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func readDeadLetterFile(path string) (Recovered, error) {
	rec := Recovered{Path: path}

	f, err := os.Open(path)
	if err != nil {
		return rec, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 64<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var entry DeadLetterEntry
		if err := json.Unmarshal(line, &entry); err != nil || entry.Message == nil {
			rec.Corrupt++
			continue
		}
		rec.Messages = append(rec.Messages, entry.Message)
		rec.Reasons = append(rec.Reasons, entry.Reason)
	}
	if err := sc.Err(); err != nil {
		return rec, fmt.Errorf("read %s: %w", path, err)
	}
	return rec, nil
}
