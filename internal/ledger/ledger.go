// Package ledger implements a generic append-only JSONL writer, grounded in
// the teacher's internal/security.AuditLogger: open once in append mode
// with 0600 permissions, marshal outside the lock, serialize only the
// file write. Used for the Decision Ledger (spec §4.8), the implicit
// feedback log, and the promotion audit log (spec §4.9) — three append-only
// logs with identical durability requirements and no relational queries.
package ledger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Writer appends JSON-encoded records, one per line, to a single file.
// Thread-safe: multiple goroutines can append concurrently.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
	path   string
}

// Open creates or appends to the ledger file at path, creating parent
// directories as needed. File permissions are 0600 (owner read/write only).
func Open(path string, logger *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating ledger directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", path, err)
	}
	return &Writer{file: f, logger: logger, path: path}, nil
}

// Append serializes record as JSON and writes it as a single line.
// Marshal happens outside the lock; only the file write is serialized.
func (w *Writer) Append(record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling ledger record: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	_, writeErr := w.file.Write(data)
	w.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing ledger record to %s: %w", w.path, writeErr)
	}
	if w.logger != nil {
		w.logger.Debug("ledger record appended", slog.String("path", w.path))
	}
	return nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
