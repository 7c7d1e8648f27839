package feedback

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

type fakeBoard struct {
	mu      sync.Mutex
	value   string
	patches int
	failN   int // fail the first failN PatchFeedback calls
}

func (f *fakeBoard) GetFeedback(pageID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, nil
}

func (f *fakeBoard) PatchFeedback(pageID string, runs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches++
	if f.failN > 0 {
		f.failN--
		return errors.New("transient provider error")
	}
	f.value = strings.Join(runs, "")
	return nil
}

func TestAppend_GrowsValueStrictlyAndNeverRemovesPriorBytes(t *testing.T) {
	board := &fakeBoard{}
	ch := New(board, nil, 0)

	if err := ch.Append("p1", "T-1", Refining, "starting", "", ""); err != nil {
		t.Fatalf("Append: %v", err)
	}
	firstLen := len(board.value)
	firstValue := board.value

	if err := ch.Append("p1", "T-1", Processing, "continuing", "details", ""); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(board.value) <= firstLen {
		t.Fatalf("second append did not grow the value: %d -> %d", firstLen, len(board.value))
	}
	if !strings.Contains(board.value, firstValue) {
		t.Fatalf("second append lost bytes from the first entry")
	}
}

func TestAppend_EntryFormat(t *testing.T) {
	board := &fakeBoard{}
	ch := New(board, nil, 0)

	if err := ch.Append("p1", "T-1", Processing, "did the thing", "some detail", "boom"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !strings.Contains(board.value, "PROCESSING: did the thing") {
		t.Errorf("entry missing stage/message: %q", board.value)
	}
	if !strings.Contains(board.value, "Details: some detail") {
		t.Errorf("entry missing details line: %q", board.value)
	}
	if !strings.Contains(board.value, "Error: boom") {
		t.Errorf("entry missing error line: %q", board.value)
	}
}

func TestAppend_RetriesTransientErrors(t *testing.T) {
	board := &fakeBoard{failN: 2}
	ch := New(board, nil, 0)

	if err := ch.Append("p1", "T-1", Refining, "msg", "", ""); err != nil {
		t.Fatalf("Append should succeed after retries, got %v", err)
	}
	if board.patches != 3 {
		t.Errorf("expected 3 PatchFeedback attempts (2 failures + 1 success), got %d", board.patches)
	}
}

func TestChunk_SplitsLongContent(t *testing.T) {
	content := strings.Repeat("a", 5000)
	pieces := chunk(content, DefaultChunkSize)
	if len(pieces) < 2 {
		t.Fatalf("expected content >= 2000 chars to split into >= 2 chunks, got %d", len(pieces))
	}
	var rebuilt strings.Builder
	for _, p := range pieces {
		if len(p) > DefaultChunkSize {
			t.Errorf("chunk exceeds max size: %d > %d", len(p), DefaultChunkSize)
		}
		rebuilt.WriteString(p)
	}
	if rebuilt.String() != content {
		t.Error("chunking must be lossless when pieces are concatenated back together")
	}
}

func TestChunk_PrefersBreakPoints(t *testing.T) {
	// Build a window where a paragraph break occurs comfortably after the
	// 70% mark, so the splitter should cut there rather than hard-splitting
	// through the second paragraph.
	para := strings.Repeat("x", 1600) + "\n\n" + strings.Repeat("y", 1600)
	pieces := chunk(para, DefaultChunkSize)
	if len(pieces) == 0 {
		t.Fatal("expected at least one piece")
	}
	if strings.Contains(pieces[0], "y") {
		t.Errorf("split point landed inside the second paragraph instead of at the \\n\\n break")
	}
}

func TestChunk_NoSplitInsideTimestampHeader(t *testing.T) {
	// A content string shorter than the chunk size should not be split at
	// all, so a timestamp header at the very start is always intact.
	entry := "[2026-07-31 12:00:00] PROCESSING: short message"
	pieces := chunk(entry, DefaultChunkSize)
	if len(pieces) != 1 || pieces[0] != entry {
		t.Fatalf("short content should not be split, got %d pieces", len(pieces))
	}
}

func TestParse_CountsEntriesStagesAndErrors(t *testing.T) {
	content := "[2026-07-31 10:00:00] REFINING: starting\n\n" +
		"[2026-07-31 10:01:00] PROCESSING: step failed\n  Error: boom\n\n" +
		"[2026-07-31 10:02:00] FINALIZING: done"

	summary := Parse(content)
	if summary.EntryCount != 3 {
		t.Errorf("EntryCount = %d, want 3", summary.EntryCount)
	}
	if summary.Stages[Refining] != 1 || summary.Stages[Processing] != 1 || summary.Stages[Finalizing] != 1 {
		t.Errorf("unexpected stage counts: %+v", summary.Stages)
	}
	if !summary.HasError {
		t.Error("expected HasError true given an Error: line")
	}
	if summary.LastTimestamp.IsZero() {
		t.Error("expected a non-zero LastTimestamp")
	}
}

func TestParse_IgnoresNonEntryText(t *testing.T) {
	summary := Parse("just some plain text\n\nwithout any timestamp headers")
	if summary.EntryCount != 0 {
		t.Errorf("EntryCount = %d, want 0 for content with no timestamp headers", summary.EntryCount)
	}
}
