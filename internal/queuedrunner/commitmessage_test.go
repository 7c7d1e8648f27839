package queuedrunner

import (
	"strings"
	"testing"

	"github.com/ddcodepl/nomad/internal/filestore"
)

func TestGenerateCommitMessage_NoChanges(t *testing.T) {
	msg := GenerateCommitMessage("Add widgets", "NOMAD-1", nil)
	if !strings.Contains(msg, "feat: Add widgets (NOMAD-1)") {
		t.Errorf("missing summary line: %q", msg)
	}
	if !strings.Contains(msg, "Modified files: none") {
		t.Errorf("expected 'none' for an empty change list: %q", msg)
	}
	if !strings.Contains(msg, "Task ID: NOMAD-1") {
		t.Errorf("missing task id line: %q", msg)
	}
	if !strings.Contains(msg, "Auto-committed by nomad") {
		t.Errorf("missing trailer: %q", msg)
	}
}

func TestGenerateCommitMessage_ThreeOrFewerFiles(t *testing.T) {
	changes := []filestore.FileChange{
		{Path: "src/a.py", Kind: filestore.Modified},
		{Path: "src/b.py", Kind: filestore.Created},
	}
	msg := GenerateCommitMessage("Fix bug", "NOMAD-2", changes)
	if !strings.Contains(msg, "Modified files: src/a.py, src/b.py") {
		t.Errorf("expected both files listed: %q", msg)
	}
}

func TestGenerateCommitMessage_MoreThanThreeFiles(t *testing.T) {
	changes := []filestore.FileChange{
		{Path: "a.py", Kind: filestore.Modified},
		{Path: "b.py", Kind: filestore.Modified},
		{Path: "c.py", Kind: filestore.Modified},
		{Path: "d.py", Kind: filestore.Modified},
		{Path: "e.py", Kind: filestore.Created},
	}
	msg := GenerateCommitMessage("Big change", "NOMAD-3", changes)
	if !strings.Contains(msg, "Modified files: a.py, b.py, c.py and 2 more") {
		t.Errorf("expected truncated file list with 'and N more': %q", msg)
	}
}

func TestGenerateCommitMessage_FirstLineWithinLimit(t *testing.T) {
	msg := GenerateCommitMessage("Add widgets", "NOMAD-1", nil)
	firstLine := strings.SplitN(msg, "\n", 2)[0]
	if len(firstLine) > 72 {
		t.Errorf("first line length = %d, exceeds the 72-char commit-message limit", len(firstLine))
	}
}
