// Package queuedrunner implements NOMAD's queued runner: the strictly
// serial processor for the "Queued to run -> In progress -> {Done|Failed}"
// subgraph, driving the copy -> invoke -> diff -> summarize -> commit ->
// transition pipeline for a single queued task.
package queuedrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/ddcodepl/nomad/internal/engineinvoker"
	"github.com/ddcodepl/nomad/internal/feedback"
	"github.com/ddcodepl/nomad/internal/filestore"
	"github.com/ddcodepl/nomad/internal/statemachine"
	"github.com/ddcodepl/nomad/internal/vcs"
)

// Page is the narrow view of a board page the runner needs.
type Page struct {
	PageID     string
	TicketID   string
	Title      string
	Commit     bool
	NewBranch  bool
	BaseBranch string
	BranchName string
}

// BoardClient is the surface the runner needs from the board, beyond the
// state machine: checking at most one In-progress task and re-reading a
// page's Commit checkbox before the optional commit step.
type BoardClient interface {
	CountInProgress(ctx context.Context) (int, error)
	GetPage(ctx context.Context, pageID string) (Page, error)
}

// Runner processes one "Queued to run" page at a time.
type Runner struct {
	board    BoardClient
	machine  *statemachine.Machine
	files    *filestore.Service
	engine   *engineinvoker.Invoker
	vcs      *vcs.Service
	feedback *feedback.Channel
	tasksDir string
	fileExt  string
}

// Opts configures a Runner.
type Opts struct {
	Board    BoardClient
	Machine  *statemachine.Machine
	Files    *filestore.Service
	Engine   *engineinvoker.Invoker
	VCS      *vcs.Service
	Feedback *feedback.Channel
	TasksDir string
	FileExt  string // default ".py"
}

// New constructs a Runner.
func New(opts Opts) *Runner {
	ext := opts.FileExt
	if ext == "" {
		ext = ".py"
	}
	return &Runner{
		board:    opts.Board,
		machine:  opts.Machine,
		files:    opts.Files,
		engine:   opts.Engine,
		vcs:      opts.VCS,
		feedback: opts.Feedback,
		tasksDir: opts.TasksDir,
		fileExt:  ext,
	}
}

// Outcome is the terminal result of processing one page.
type Outcome string

const (
	OutcomeDone    Outcome = "Done"
	OutcomeFailed  Outcome = "Failed"
	OutcomeSkipped Outcome = "Skipped"
)

// ProcessOne runs the full queued-run pipeline for one page. At most one
// task may be In progress at a time; violating that skips the task rather
// than erroring, since the external engine's own file-level mutual
// exclusion bounds the consequence of a race.
func (r *Runner) ProcessOne(ctx context.Context, pageID string) Outcome {
	inProgress, err := r.board.CountInProgress(ctx)
	if err != nil {
		log.Printf("queuedrunner: count in-progress: %v", err)
		return OutcomeSkipped
	}
	if inProgress > 0 {
		return OutcomeSkipped
	}

	page, err := r.board.GetPage(ctx, pageID)
	if err != nil {
		log.Printf("queuedrunner: get page %s: %v", pageID, err)
		return OutcomeSkipped
	}

	_, accepted, err := r.machine.Transition(pageID, statemachine.QueuedToRun, statemachine.InProgress, true)
	if err != nil || !accepted {
		r.note(page, feedback.StatusTransition, "could not move to In progress", "", errString(err))
		return OutcomeSkipped
	}

	if outcome := r.run(ctx, page); outcome != OutcomeDone {
		r.fail(page, outcome)
		return OutcomeFailed
	}

	_, accepted, err = r.machine.Transition(pageID, statemachine.InProgress, statemachine.Done, true)
	if err != nil || !accepted {
		r.note(page, feedback.StatusTransition, "could not move to Done", "", errString(err))
		return OutcomeFailed
	}
	return OutcomeDone
}

func (r *Runner) run(ctx context.Context, page Page) Outcome {
	// Phase 1: locate the per-ticket artifact.
	artifactPath, err := r.locateArtifact(page.TicketID)
	if err != nil {
		r.note(page, feedback.Copying, "decomposition artifact not found", "", err.Error())
		return OutcomeFailed
	}

	// Phase 2: copy into the decomposer's canonical location.
	copyResult, err := r.files.CopyArtifact(page.TicketID, artifactPath)
	if err != nil {
		r.note(page, feedback.Copying, "artifact copy failed", artifactPath, err.Error())
		return OutcomeFailed
	}
	r.note(page, feedback.Copying, "copied decomposition artifact", copyResult.DestPath, "")

	// Phase 3: optional branch creation. Branch outcome never gates the
	// rest of the run.
	if page.NewBranch {
		r.maybeCreateBranch(page)
	}

	// Phase 4: snapshot the source tree before the engine runs.
	repoRoot := r.vcs.RepoDir
	before, err := filestore.SnapshotTree(repoRoot, r.fileExt)
	if err != nil {
		r.note(page, feedback.Processing, "pre-run snapshot failed", "", err.Error())
		return OutcomeFailed
	}

	// Phase 5: invoke the engine.
	prompt := fmt.Sprintf("Implement task %s (%s) as described in %s.", page.TicketID, page.Title, copyResult.DestPath)
	result := r.engine.Run(ctx, page.TicketID, page.PageID, prompt)
	switch result.Kind {
	case engineinvoker.Timeout:
		r.note(page, feedback.Processing, "engine run timed out", "", "timeout")
		return OutcomeFailed
	case engineinvoker.Cancelled:
		r.note(page, feedback.Processing, "engine run cancelled", "", "")
		return OutcomeFailed
	case engineinvoker.Failed:
		r.note(page, feedback.Processing, "engine run failed", "", errString(result.Err))
		return OutcomeFailed
	}

	// Phase 6: re-snapshot and diff.
	after, err := filestore.SnapshotTree(repoRoot, r.fileExt)
	if err != nil {
		r.note(page, feedback.Processing, "post-run snapshot failed", "", err.Error())
		return OutcomeFailed
	}
	changes := filestore.DetectChanges(before, after)
	if len(changes) == 0 {
		log.Printf("queuedrunner: %s: engine run produced no file changes", page.TicketID)
		r.note(page, feedback.Processing, "engine run produced no file changes", "", "")
	}

	// Phase 7: write the summary artifact.
	summaryPath, err := r.writeSummary(page, changes)
	if err != nil {
		r.note(page, feedback.Finalizing, "summary write failed", "", err.Error())
	} else {
		r.note(page, feedback.Finalizing, "wrote run summary", summaryPath, "")
	}

	// Phase 8: optional commit, re-reading the Commit checkbox off the board
	// first (a human may have toggled it while the engine ran). Failure here
	// is logged, not fatal to the task.
	if fresh, err := r.board.GetPage(ctx, page.PageID); err == nil {
		page.Commit = fresh.Commit
	}
	if page.Commit {
		r.maybeCommit(page, changes)
	}

	return OutcomeDone
}

// maybeCreateBranch creates a task branch per the page's New Branch
// checkbox. The Branch Name text override, when set, replaces the title as
// the slug source; the Base Branch override replaces the default base.
func (r *Runner) maybeCreateBranch(page Page) {
	base := page.BaseBranch
	if base == "" {
		base = "main"
	}
	title := page.Title
	if page.BranchName != "" {
		title = page.BranchName
	}
	result := r.vcs.CreateBranchForTask(page.TicketID, title, base, false)
	switch result.Kind {
	case vcs.BranchCreated:
		r.note(page, feedback.Processing, "created branch", result.Name, "")
	case vcs.BranchAlreadyExists:
		r.note(page, feedback.Processing, "branch already exists", result.Name, "")
	default:
		log.Printf("queuedrunner: %s: branch creation failed (non-fatal): %v", page.TicketID, result.Err)
		r.note(page, feedback.Processing, "branch creation failed", result.Name, errString(result.Err))
	}
}

// locateArtifact finds <TasksDir>/tasks/<ticketID>.json, falling back to
// any *.json file whose stem contains ticketID.
func (r *Runner) locateArtifact(ticketID string) (string, error) {
	primary := filepath.Join(r.tasksDir, "tasks", ticketID+".json")
	if _, err := os.Stat(primary); err == nil {
		return primary, nil
	}
	dir := filepath.Join(r.tasksDir, "tasks")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("queuedrunner: read %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") && strings.Contains(e.Name(), ticketID) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("queuedrunner: no artifact found for %s under %s", ticketID, dir)
}

// writeSummary renders <TasksDir>/summary/<ticketID>.md combining ticket
// metadata, the completed subtasks parsed from the decomposition JSON, and
// the change list.
func (r *Runner) writeSummary(page Page, changes []filestore.FileChange) (string, error) {
	path := filepath.Join(r.tasksDir, "summary", page.TicketID+".md")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s — %s\n\n", page.TicketID, page.Title)

	if subtasks := r.completedSubtasks(page.TicketID); len(subtasks) > 0 {
		b.WriteString("## Completed subtasks\n\n")
		for _, st := range subtasks {
			fmt.Fprintf(&b, "- %s\n", st)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Changes\n\n")
	if len(changes) == 0 {
		b.WriteString("Modified: (no file changes detected)\n")
	} else {
		var files []string
		for _, c := range changes {
			files = append(files, string(c.Kind)+": "+c.Path)
		}
		fmt.Fprintf(&b, "Modified: %s\n", strings.Join(files, ", "))
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// completedSubtasks parses the per-ticket decomposition JSON and returns
// the titles of subtasks whose status marks them finished.
func (r *Runner) completedSubtasks(ticketID string) []string {
	data, err := os.ReadFile(filepath.Join(r.tasksDir, "tasks", ticketID+".json"))
	if err != nil {
		return nil
	}
	var doc map[string]struct {
		Tasks []struct {
			Title  string `json:"title"`
			Status string `json:"status"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	var out []string
	for _, tag := range doc {
		for _, task := range tag.Tasks {
			switch strings.ToLower(task.Status) {
			case "done", "completed":
				out = append(out, task.Title)
			}
		}
	}
	return out
}

// maybeCommit stages and commits changes with a generated message, per
// the optional end-of-run commit. Commit failure is logged, never fails
// the task.
func (r *Runner) maybeCommit(page Page, changes []filestore.FileChange) {
	message := GenerateCommitMessage(page.Title, page.TicketID, changes)
	result := r.vcs.ExecuteCommit(vcs.CommitOpts{TicketID: page.TicketID, Message: message, StageAll: true})
	if result.Err != nil {
		log.Printf("queuedrunner: %s: commit failed (non-fatal): %v", page.TicketID, result.Err)
		r.note(page, feedback.Finalizing, "commit failed", "", result.Err.Error())
		return
	}
	if result.Kind == vcs.CommitSucceeded {
		r.note(page, feedback.Finalizing, "committed changes", result.Hash, "")
	}
}

func (r *Runner) fail(page Page, outcome Outcome) {
	_, _, _ = r.machine.Transition(page.PageID, statemachine.InProgress, statemachine.Failed, false)
}

func (r *Runner) note(page Page, stage feedback.Stage, message, details, errText string) {
	if r.feedback == nil {
		return
	}
	_ = r.feedback.Append(page.PageID, page.TicketID, stage, message, details, errText)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
