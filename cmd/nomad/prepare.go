package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ddcodepl/nomad/internal/board"
	"github.com/ddcodepl/nomad/internal/feedback"
	"github.com/ddcodepl/nomad/internal/filestore"
	"github.com/ddcodepl/nomad/internal/statemachine"
	"github.com/ddcodepl/nomad/internal/vcs"
)

// prepareProcessor handles the Refined -> Prepare Tasks -> Preparing Tasks
// -> Ready to run subgraph: selecting one ticket at a time (to avoid
// contention on the decomposer's single canonical output file), invoking
// the decomposer CLI, copying its output, and transitioning forward.
type prepareProcessor struct {
	board         *board.Client
	machine       *statemachine.Machine
	files         *filestore.Service
	vcsSvc        *vcs.Service
	tasksDir      string
	projRoot      string
	taskmasterDir string
	feedback      *feedback.Channel
}

// canonicalPath is the decomposer's fixed singleton output location.
func (p *prepareProcessor) canonicalPath() string {
	return filepath.Join(p.projRoot, ".taskmaster", "tasks", "tasks.json")
}

// handleRefined advances every Refined page straight into the Prepare
// Tasks handler within the same dispatch pass, matching the dispatcher's
// "transition then immediately handle" rule for this status pair.
func (p *prepareProcessor) handleRefined(ctx context.Context, pageIDs []string) error {
	results := p.machine.BatchTransition(pageIDs, statemachine.Refined, statemachine.PrepareTasks)
	var advanced []string
	for _, r := range results {
		if r.Accepted {
			advanced = append(advanced, r.PageID)
		} else {
			log.Printf("nomad: refined->prepare %s: %v", r.PageID, r.Err)
		}
	}
	if len(advanced) == 0 {
		return nil
	}
	return p.handlePrepareTasks(ctx, advanced)
}

// handlePrepareTasks selects exactly one ticket, runs the decomposer CLI
// against it, copies its output to the per-ticket location, and uploads a
// file reference onto the page. A ticket's failure is recorded on the board
// and does not fail the dispatch cycle.
func (p *prepareProcessor) handlePrepareTasks(ctx context.Context, pageIDs []string) error {
	if len(pageIDs) == 0 {
		return nil
	}
	if err := p.prepareOne(ctx, pageIDs[0]); err != nil {
		log.Printf("nomad: prepare %s: %v", pageIDs[0], err)
	}
	return nil
}

// prepareOne runs the full decomposition pipeline for one page, returning
// an error when the ticket ends up Failed (or could not start).
func (p *prepareProcessor) prepareOne(ctx context.Context, pageID string) error {
	page, err := p.board.GetPage(ctx, pageID)
	if err != nil {
		return fmt.Errorf("prepare: get page %s: %w", pageID, err)
	}
	meta := board.ExtractTaskMeta(page)

	_, accepted, err := p.machine.Transition(pageID, statemachine.PrepareTasks, statemachine.PreparingTasks, true)
	if err != nil || !accepted {
		p.note(pageID, meta.TicketID, "could not move to Preparing Tasks", errString(err))
		return fmt.Errorf("prepare: %s: could not move to Preparing Tasks: %w", meta.TicketID, err)
	}

	markdownPath, err := p.refinedMarkdownPath(meta.TicketID)
	if err != nil {
		p.fail(pageID, meta.TicketID, "refined markdown not found", err)
		return err
	}

	if err := p.runDecomposer(ctx, markdownPath); err != nil {
		p.fail(pageID, meta.TicketID, "decomposer run failed", err)
		return err
	}

	copyResult, err := p.files.SavePerTicket(meta.TicketID)
	if err != nil {
		p.fail(pageID, meta.TicketID, "copy decomposition output failed", err)
		return err
	}

	if err := p.board.UploadTasksFileRef(ctx, pageID, copyResult.DestPath); err != nil {
		log.Printf("nomad: %s: upload tasks file ref failed (non-fatal): %v", meta.TicketID, err)
	}

	backupDir := filepath.Join(filepath.Dir(p.canonicalPath()), "backups")
	if err := filestore.CleanupBackups(backupDir, 7*24*time.Hour); err != nil {
		log.Printf("nomad: cleanup backups: %v", err)
	}

	_, accepted, err = p.machine.Transition(pageID, statemachine.PreparingTasks, statemachine.ReadyToRun, true)
	if err != nil || !accepted {
		p.note(pageID, meta.TicketID, "decomposition complete but transition to Ready to run failed", errString(err))
	}
	return nil
}

// handlePreparingTasks is the completion check for tickets whose decomposer
// run may have finished asynchronously: a per-ticket JSON exists, is
// well-formed, and has a non-empty tasks array, or the canonical file was
// modified within the last 10 minutes and has a non-empty tasks array.
func (p *prepareProcessor) handlePreparingTasks(ctx context.Context, pageIDs []string) error {
	for _, pageID := range pageIDs {
		page, err := p.board.GetPage(ctx, pageID)
		if err != nil {
			continue
		}
		meta := board.ExtractTaskMeta(page)
		if p.decompositionReady(meta.TicketID) {
			_, accepted, err := p.machine.Transition(pageID, statemachine.PreparingTasks, statemachine.ReadyToRun, true)
			if err != nil || !accepted {
				log.Printf("nomad: preparing->ready %s: %v", pageID, err)
			}
		}
	}
	return nil
}

// decompositionReady checks the completion condition: a per-ticket JSON
// file with a non-empty tasks array, or the canonical file modified within
// the last 10 minutes and holding a non-empty tasks array.
func (p *prepareProcessor) decompositionReady(ticketID string) bool {
	perTicket := filepath.Join(p.tasksDir, "tasks", ticketID+".json")
	if hasNonEmptyTasks(perTicket) {
		return true
	}
	if info, err := os.Stat(p.canonicalPath()); err == nil {
		if time.Since(info.ModTime()) < 10*time.Minute {
			return hasNonEmptyTasks(p.canonicalPath())
		}
	}
	return false
}

// hasNonEmptyTasks reports whether path is at least 50 bytes, parses as the
// decomposer's rooted document, and contains at least one tag-keyed object
// with a non-empty tasks array.
func hasNonEmptyTasks(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil || len(data) < 50 {
		return false
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	for _, raw := range doc {
		var tag struct {
			Tasks []json.RawMessage `json:"tasks"`
		}
		if err := json.Unmarshal(raw, &tag); err == nil && len(tag.Tasks) > 0 {
			return true
		}
	}
	return false
}

// refinedMarkdownPath locates the refinement pool's output for ticketID,
// the decomposer's input document.
func (p *prepareProcessor) refinedMarkdownPath(ticketID string) (string, error) {
	path := filepath.Join(p.tasksDir, "refined", ticketID+".md")
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("refined markdown for %s not found at %s", ticketID, path)
	}
	return path, nil
}

// runDecomposer invokes `task-master parse-prd <path> --force` with CWD set
// to the project root, and validates the exit-success contract: the
// canonical file exists afterward, parses as a JSON object, is at least 50
// bytes, and contains a tag-keyed object with a tasks or metadata field.
func (p *prepareProcessor) runDecomposer(ctx context.Context, markdownPath string) error {
	bin := "task-master"
	if p.taskmasterDir != "" {
		bin = filepath.Join(p.taskmasterDir, "task-master")
	}
	cmd := exec.CommandContext(ctx, bin, "parse-prd", markdownPath, "--force")
	cmd.Dir = p.projRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("task-master parse-prd: %w: %s", err, out)
	}

	data, err := os.ReadFile(p.canonicalPath())
	if err != nil {
		return fmt.Errorf("canonical file missing after decomposer run: %w", err)
	}
	if len(data) < 50 {
		return fmt.Errorf("canonical file too small: %d bytes", len(data))
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("canonical file is not a JSON object: %w", err)
	}
	for _, raw := range doc {
		var tag struct {
			Tasks    json.RawMessage `json:"tasks"`
			Metadata json.RawMessage `json:"metadata"`
		}
		if err := json.Unmarshal(raw, &tag); err == nil && (tag.Tasks != nil || tag.Metadata != nil) {
			return nil
		}
	}
	return fmt.Errorf("canonical file has no tag-keyed object with tasks or metadata")
}

func (p *prepareProcessor) fail(pageID, ticketID, message string, err error) {
	_, _, _ = p.machine.Transition(pageID, statemachine.PreparingTasks, statemachine.Failed, false)
	p.note(pageID, ticketID, message, errString(err))
}

func (p *prepareProcessor) note(pageID, ticketID, message, errText string) {
	if p.feedback == nil {
		return
	}
	_ = p.feedback.Append(pageID, ticketID, feedback.Preparing, message, "", errText)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
