package metaralph

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	"github.com/kaitd/kaitd/internal/domain"
)

// RoastHistory is the bounded verdict file kept for observability: every
// verdict is appended as one JSON line, and once the file holds twice the
// retention cap it is compacted down to the newest cap records via
// temp-file rename.
type RoastHistory struct {
	mu     sync.Mutex
	path   string
	cap    int
	count  int
	logger *slog.Logger
}

// OpenRoastHistory opens (or creates) the verdict file at path, retaining
// at most cap records after compaction.
func OpenRoastHistory(path string, cap int, logger *slog.Logger) (*RoastHistory, error) {
	if cap <= 0 {
		cap = 1000
	}
	h := &RoastHistory{path: path, cap: cap, logger: logger}
	h.count = h.countLines()
	return h, nil
}

// Record appends one verdict, compacting when the file grows past 2x cap.
// Errors are logged, not returned: roast history is observability, and a
// full disk must not stall the pipeline.
func (h *RoastHistory) Record(v domain.Verdict) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	data = append(data, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		h.logf("opening roast history", err)
		return
	}
	if _, err := f.Write(data); err != nil {
		h.logf("appending roast history", err)
		_ = f.Close()
		return
	}
	_ = f.Close()

	h.count++
	if h.count > 2*h.cap {
		h.compact()
	}
}

// Recent returns up to limit of the newest verdicts, oldest first.
func (h *RoastHistory) Recent(limit int) []domain.Verdict {
	h.mu.Lock()
	defer h.mu.Unlock()

	lines := h.readLines()
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	out := make([]domain.Verdict, 0, len(lines))
	for _, line := range lines {
		var v domain.Verdict
		if err := json.Unmarshal(line, &v); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func (h *RoastHistory) compact() {
	lines := h.readLines()
	if len(lines) > h.cap {
		lines = lines[len(lines)-h.cap:]
	}

	tmp := h.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		h.logf("compacting roast history", err)
		return
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		h.logf("flushing compacted roast history", err)
		_ = f.Close()
		return
	}
	_ = f.Close()
	if err := os.Rename(tmp, h.path); err != nil {
		h.logf("replacing roast history", err)
		return
	}
	h.count = len(lines)
}

func (h *RoastHistory) readLines() [][]byte {
	f, err := os.Open(h.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		lines = append(lines, line)
	}
	return lines
}

func (h *RoastHistory) countLines() int {
	return len(h.readLines())
}

func (h *RoastHistory) logf(msg string, err error) {
	if h.logger != nil {
		h.logger.Warn(msg+" failed", slog.String("error", err.Error()))
	}
}
