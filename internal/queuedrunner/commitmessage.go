package queuedrunner

import (
	"fmt"
	"strings"

	"github.com/ddcodepl/nomad/internal/filestore"
)

// orchestratorName appears in the generated commit message's trailer.
const orchestratorName = "nomad"

// GenerateCommitMessage renders the queued runner's generated commit
// message: a feat: summary line, an
// "Implemented task" line, a modified-files line (<=3 listed, else "first
// 3 and N more"), a Task ID line, and an auto-committed trailer.
func GenerateCommitMessage(title, ticketID string, changes []filestore.FileChange) string {
	var files []string
	for _, c := range changes {
		files = append(files, c.Path)
	}

	var modifiedLine string
	switch {
	case len(files) == 0:
		modifiedLine = "none"
	case len(files) <= 3:
		modifiedLine = strings.Join(files, ", ")
	default:
		modifiedLine = fmt.Sprintf("%s and %d more", strings.Join(files[:3], ", "), len(files)-3)
	}

	return fmt.Sprintf(
		"feat: %s (%s)\n\nImplemented task: %s\nModified files: %s\nTask ID: %s\n\U0001F916 Auto-committed by %s",
		title, ticketID, title, modifiedLine, ticketID, orchestratorName,
	)
}
