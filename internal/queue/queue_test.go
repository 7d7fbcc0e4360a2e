package queue

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/kaitd/kaitd/internal/domain"
)

func testEntry(i int) domain.QueueEntry {
	return domain.QueueEntry{
		Event: domain.Event{
			EventID:   fmt.Sprintf("ev-%04d", i),
			SessionID: "s1",
			Kind:      domain.KindPreTool,
			Tool:      "Bash",
			TsNS:      int64(i),
			Source:    "observe",
		},
		Priority: domain.PriorityLow,
	}
}

func openTestQueue(t *testing.T, maxSize int64) *Queue {
	t.Helper()
	q, err := Open(t.TempDir(), maxSize, slog.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestAppendReadCommit(t *testing.T) {
	q := openTestQueue(t, 0)

	for i := 0; i < 5; i++ {
		if err := q.Append(testEntry(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	batch, tok, err := q.ReadBatch(3)
	if err != nil {
		t.Fatalf("ReadBatch: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batch))
	}
	if batch[0].Event.EventID != "ev-0000" {
		t.Errorf("first entry = %s, want ev-0000", batch[0].Event.EventID)
	}

	// Without commit, re-reading returns the same records.
	again, _, err := q.ReadBatch(3)
	if err != nil {
		t.Fatalf("ReadBatch again: %v", err)
	}
	if again[0].Event.EventID != "ev-0000" {
		t.Error("uncommitted batch should be re-read from the same offset")
	}

	if err := q.Commit(tok); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	rest, _, err := q.ReadBatch(10)
	if err != nil {
		t.Fatalf("ReadBatch after commit: %v", err)
	}
	if len(rest) != 2 || rest[0].Event.EventID != "ev-0003" {
		t.Errorf("after commit got %d entries starting %s, want 2 starting ev-0003", len(rest), rest[0].Event.EventID)
	}
}

func TestCommitSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, 0, slog.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := q.Append(testEntry(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	_, tok, err := q.ReadBatch(2)
	if err != nil {
		t.Fatalf("ReadBatch: %v", err)
	}
	if err := q.Commit(tok); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	_ = q.Close()

	q2, err := Open(dir, 0, slog.Default())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q2.Close()

	batch, _, err := q2.ReadBatch(10)
	if err != nil {
		t.Fatalf("ReadBatch after reopen: %v", err)
	}
	if len(batch) != 2 || batch[0].Event.EventID != "ev-0002" {
		t.Errorf("after reopen got %d entries starting %s, want 2 starting ev-0002", len(batch), batch[0].Event.EventID)
	}
}

func TestOverflowMerge(t *testing.T) {
	q := openTestQueue(t, 0)

	if err := q.Append(testEntry(0)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	for i := 1; i < 4; i++ {
		if err := q.AppendOverflow(testEntry(i)); err != nil {
			t.Fatalf("AppendOverflow: %v", err)
		}
	}

	merged, err := q.MergeOverflow()
	if err != nil {
		t.Fatalf("MergeOverflow: %v", err)
	}
	if merged != 3 {
		t.Errorf("merged = %d, want 3", merged)
	}

	batch, _, err := q.ReadBatch(10)
	if err != nil {
		t.Fatalf("ReadBatch: %v", err)
	}
	if len(batch) != 4 {
		t.Errorf("total entries = %d, want 4", len(batch))
	}

	// Second merge is a no-op.
	merged, err = q.MergeOverflow()
	if err != nil || merged != 0 {
		t.Errorf("second merge = (%d, %v), want (0, nil)", merged, err)
	}
}

func TestRotation(t *testing.T) {
	// Tiny threshold so a handful of records triggers rotation.
	q := openTestQueue(t, 256)

	for i := 0; i < 10; i++ {
		if err := q.Append(testEntry(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	rotated, err := q.MaybeRotate()
	if err != nil {
		t.Fatalf("MaybeRotate: %v", err)
	}
	if !rotated {
		t.Fatal("expected rotation at threshold")
	}

	// Writes continue into the fresh primary.
	for i := 10; i < 13; i++ {
		if err := q.Append(testEntry(i)); err != nil {
			t.Fatalf("Append after rotation: %v", err)
		}
	}

	// Reads drain the rotated file first, in order, then the primary.
	var all []domain.QueueEntry
	for {
		batch, tok, err := q.ReadBatch(4)
		if err != nil {
			t.Fatalf("ReadBatch: %v", err)
		}
		if len(batch) == 0 {
			break
		}
		if err := q.Commit(tok); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		all = append(all, batch...)
	}
	if len(all) != 13 {
		t.Fatalf("drained %d entries, want 13", len(all))
	}
	for i, e := range all {
		want := fmt.Sprintf("ev-%04d", i)
		if e.Event.EventID != want {
			t.Fatalf("entry %d = %s, want %s (rotation must preserve order)", i, e.Event.EventID, want)
		}
	}
}

func TestDepth(t *testing.T) {
	q := openTestQueue(t, 0)
	if d := q.Depth(); d != 0 {
		t.Errorf("empty depth = %d", d)
	}
	for i := 0; i < 6; i++ {
		_ = q.Append(testEntry(i))
	}
	_ = q.AppendOverflow(testEntry(6))
	if d := q.Depth(); d != 7 {
		t.Errorf("depth = %d, want 7", d)
	}
	_, tok, _ := q.ReadBatch(4)
	_ = q.Commit(tok)
	if d := q.Depth(); d != 3 {
		t.Errorf("depth after commit = %d, want 3", d)
	}
}

func TestPartialTrailingLineLeftForNextRead(t *testing.T) {
	q := openTestQueue(t, 0)
	_ = q.Append(testEntry(0))

	// Simulate an in-flight append: raw bytes without the trailing newline.
	q.writeMu.Lock()
	_, _ = q.file.Write([]byte(`{"event":{"event_id":"partial"`))
	q.writeMu.Unlock()

	batch, _, err := q.ReadBatch(10)
	if err != nil {
		t.Fatalf("ReadBatch: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("got %d entries, want 1 (partial line must not be consumed)", len(batch))
	}
}
