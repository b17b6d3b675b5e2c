package transcript

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileStore appends entries to a per-session text file. The file is opened
// once and flushed after every entry so a crash loses at most the entry
// being written.
type FileStore struct {
	f *os.File
	w *bufio.Writer
}

func NewFileStore(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create transcript dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript file: %w", err)
	}
	return &FileStore{f: f, w: bufio.NewWriter(f)}, nil
}

func (s *FileStore) Append(e LogEntry) error {
	label := string(e.Speaker)
	if e.Degraded {
		label += " [low-confidence]"
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if _, err := fmt.Fprintf(s.w, "[%s] %s:\n%s\n\n", ts.UTC().Format(time.RFC3339), label, e.Text); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *FileStore) Close() error {
	if err := s.w.Flush(); err != nil {
		_ = s.f.Close()
		return err
	}
	return s.f.Close()
}
