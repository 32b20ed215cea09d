package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/backfill-cli/internal/model"
)

// FileSink appends audit entries to a JSONL file, one entry per line.
type FileSink struct {
	mu   sync.Mutex
	path string
}

// NewFileSink creates a sink for path, creating parent directories.
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, eris.New("audit: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrap(err, "audit: create dir")
	}
	return &FileSink{path: path}, nil
}

// Path returns the file location.
func (s *FileSink) Path() string { return s.path }

// WriteAudit appends one line.
func (s *FileSink) WriteAudit(_ context.Context, e model.AuditEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "audit: marshal entry")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return eris.Wrap(err, "audit: open log")
	}
	defer f.Close() //nolint:errcheck
	if _, err := f.Write(append(data, '\n')); err != nil {
		return eris.Wrap(err, "audit: append entry")
	}
	return nil
}

// ReadJSONL reads every entry from a JSONL audit file. A missing file yields
// no entries.
func ReadJSONL(path string) ([]model.AuditEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "audit: open log")
	}
	defer f.Close() //nolint:errcheck

	var entries []model.AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e model.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, eris.Wrapf(err, "audit: parse line %d", lineNo)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "audit: read log")
	}
	return entries, nil
}
