// Package feedback implements NOMAD's feedback/audit channel: a
// thread-safe, append-only writer to a task's rich-text Feedback property,
// chunking entries to the provider's per-block character limit and
// preserving ordering under concurrent writers.
package feedback

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ddcodepl/nomad/internal/models"
	"github.com/ddcodepl/nomad/internal/store"
	"gorm.io/gorm"
)

// Stage is one of the fixed feedback stages a task passes through.
type Stage string

const (
	Refining         Stage = "REFINING"
	Preparing        Stage = "PREPARING"
	Processing       Stage = "PROCESSING"
	Copying          Stage = "COPYING"
	Finalizing       Stage = "FINALIZING"
	StatusTransition Stage = "STATUS_TRANSITION"
	ErrorHandling    Stage = "ERROR_HANDLING"
)

// DefaultChunkSize is the provider's per-block character limit.
const DefaultChunkSize = 2000

// breakPoints are tried in preference order when splitting a chunk window.
var breakPoints = []string{"\n\n", "\n", ". ", ", ", " "}

// BoardClient is the narrow surface the feedback channel needs from the
// board: read the current rich-text value and patch it back as one or more
// runs.
type BoardClient interface {
	GetFeedback(pageID string) (string, error)
	PatchFeedback(pageID string, runs []string) error
}

// Channel serializes all feedback writes within the process behind one
// lock. NOMAD's call graph never re-enters Append from within itself, so
// a plain Mutex suffices.
type Channel struct {
	board     BoardClient
	db        *gorm.DB
	chunkSize int
	mu        sync.Mutex
}

// New constructs a Channel bound to a board client and the history store.
// chunkSize <= 0 uses DefaultChunkSize.
func New(board BoardClient, db *gorm.DB, chunkSize int) *Channel {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Channel{board: board, db: db, chunkSize: chunkSize}
}

// formatEntry renders one feedback entry in its fixed layout.
func formatEntry(stage Stage, message, details, errText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", time.Now().Format("2006-01-02 15:04:05"), stage, message)
	if details != "" {
		fmt.Fprintf(&b, "\n  Details: %s", details)
	}
	if errText != "" {
		fmt.Fprintf(&b, "\n  Error: %s", errText)
	}
	return b.String()
}

// chunk splits content into pieces of at most size characters, preferring
// break points in breakPoints order, provided the break point occurs at or
// after 70% of the window; otherwise a hard split is used.
func chunk(content string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var pieces []string
	remaining := content
	for len(remaining) > size {
		window := remaining[:size]
		splitAt := -1
		minPos := int(float64(size) * 0.7)
		for _, bp := range breakPoints {
			if idx := strings.LastIndex(window, bp); idx >= minPos {
				splitAt = idx + len(bp)
				break
			}
		}
		if splitAt <= 0 {
			splitAt = size
		}
		pieces = append(pieces, remaining[:splitAt])
		remaining = remaining[splitAt:]
	}
	if remaining != "" {
		pieces = append(pieces, remaining)
	}
	return pieces
}

// Append formats and appends one feedback entry to pageID's Feedback
// property, retrying transient provider errors up to 3 attempts with
// exponential backoff.
func (c *Channel) Append(pageID, taskID string, stage Stage, message, details, errText string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := formatEntry(stage, message, details, errText)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := c.appendOnce(pageID, taskID, entry); err != nil {
			lastErr = err
			if attempt < 2 {
				time.Sleep(time.Duration(1<<attempt) * time.Second)
				continue
			}
			return fmt.Errorf("feedback: append to %s after retries: %w", pageID, lastErr)
		}
		return nil
	}
	return lastErr
}

func (c *Channel) appendOnce(pageID, taskID, entry string) error {
	current, err := c.board.GetFeedback(pageID)
	if err != nil {
		return fmt.Errorf("feedback: read current value: %w", err)
	}

	combined := entry
	if current != "" {
		combined = current + "\n\n" + entry
	}

	runs := chunk(combined, c.chunkSize)
	if err := c.board.PatchFeedback(pageID, runs); err != nil {
		return fmt.Errorf("feedback: patch: %w", err)
	}

	if c.db != nil {
		for i, run := range runs {
			_ = store.RecordFeedback(c.db, &models.FeedbackEntry{
				TaskID:     taskID,
				ChunkIndex: i,
				ChunkTotal: len(runs),
				Content:    run,
			})
		}
	}

	verify, verr := c.board.GetFeedback(pageID)
	if verr != nil || !strings.Contains(verify, strings.TrimSpace(entry)) {
		// Post-write verify failed: logged, not retried as a whole
		// concatenation.
		fmt.Printf("[feedback] warning: post-write verify failed for %s\n", pageID)
	}
	return nil
}

// Summary is the non-destructive parse result of Parse.
type Summary struct {
	EntryCount    int
	Stages        map[Stage]int
	LastTimestamp time.Time
	HasError      bool
}

var entryHeaderPrefix = "["

// Parse recognizes entries in content by their leading "[timestamp]"
// header and reports counts, stages covered, last timestamp, and whether
// any line mentions "error".
func Parse(content string) Summary {
	summary := Summary{Stages: make(map[Stage]int)}
	for _, block := range strings.Split(content, "\n\n") {
		line := strings.SplitN(block, "\n", 2)[0]
		if !strings.HasPrefix(line, entryHeaderPrefix) {
			continue
		}
		end := strings.Index(line, "]")
		if end < 0 {
			continue
		}
		ts, err := time.Parse("2006-01-02 15:04:05", line[1:end])
		if err != nil {
			continue
		}
		summary.EntryCount++
		if ts.After(summary.LastTimestamp) {
			summary.LastTimestamp = ts
		}
		rest := strings.TrimSpace(line[end+1:])
		if colonIdx := strings.Index(rest, ":"); colonIdx > 0 {
			summary.Stages[Stage(strings.TrimSpace(rest[:colonIdx]))]++
		}
		if strings.Contains(strings.ToLower(block), "error") {
			summary.HasError = true
		}
	}
	return summary
}
