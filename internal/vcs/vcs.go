// Package vcs implements NOMAD's commit/branch service: a thin wrapper
// over a handful of git operations with message/name validation and a
// soft-rollback primitive. Everything shells out to the system git binary.
package vcs

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ddcodepl/nomad/internal/models"
	"github.com/ddcodepl/nomad/internal/store"
	"gorm.io/gorm"
)

// DefaultTimeout is the per-operation git command timeout.
const DefaultTimeout = 30 * time.Second

// CommitResultKind enumerates execute_commit's result variants.
type CommitResultKind string

const (
	CommitSucceeded CommitResultKind = "succeeded"
	CommitNoChanges CommitResultKind = "no_changes" // not an error
	CommitFailed    CommitResultKind = "failed"
)

// CommitResult is the outcome of ExecuteCommit.
type CommitResult struct {
	Kind  CommitResultKind
	Hash  string
	Files []string
	Err   error
}

// Service wraps git plumbing for one repo directory, recording every
// commit/branch attempt to the history store.
type Service struct {
	RepoDir string
	db      *gorm.DB
	timeout time.Duration
}

// New constructs a Service bound to repoDir, recording operations to db
// (may be nil to disable history recording).
func New(repoDir string, db *gorm.DB) *Service {
	return &Service{RepoDir: repoDir, db: db, timeout: DefaultTimeout}
}

func (s *Service) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = s.RepoDir
	done := make(chan struct {
		out []byte
		err error
	}, 1)
	go func() {
		out, err := cmd.CombinedOutput()
		done <- struct {
			out []byte
			err error
		}{out, err}
	}()
	select {
	case r := <-done:
		return strings.TrimSpace(string(r.out)), r.err
	case <-time.After(s.timeout):
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return "", fmt.Errorf("vcs: git %s timed out after %s", strings.Join(args, " "), s.timeout)
	}
}

// IsGitRepo reports whether RepoDir is inside a git working tree.
func (s *Service) IsGitRepo() bool {
	_, err := s.run("rev-parse", "--git-dir")
	return err == nil
}

// Status runs `git status --porcelain` and reports whether the working
// tree has any changes.
func (s *Service) Status() (clean bool, lines []string, err error) {
	out, err := s.run("status", "--porcelain")
	if err != nil {
		return false, nil, fmt.Errorf("vcs: git status: %w", err)
	}
	if out == "" {
		return true, nil, nil
	}
	return false, strings.Split(out, "\n"), nil
}

var placeholderMessages = map[string]bool{
	"wip": true, "temp": true, "fix": true, "update": true, "change": true,
}

// ValidateCommitMessage enforces the message contract: non-empty,
// at least 5 characters, first line no more than 72 characters, and not a
// blocklisted placeholder.
func ValidateCommitMessage(message string) error {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return fmt.Errorf("vcs: commit message is empty")
	}
	if len(trimmed) < 5 {
		return fmt.Errorf("vcs: commit message is too short")
	}
	firstLine := strings.SplitN(trimmed, "\n", 2)[0]
	if len(firstLine) > 72 {
		return fmt.Errorf("vcs: commit message first line exceeds 72 characters")
	}
	if placeholderMessages[strings.ToLower(strings.TrimSpace(firstLine))] {
		return fmt.Errorf("vcs: commit message %q is a placeholder", firstLine)
	}
	return nil
}

// CommitOpts configures ExecuteCommit.
type CommitOpts struct {
	TicketID string
	Message  string
	Paths    []string // specific paths to stage; empty + StageAll stages everything
	StageAll bool
	DryRun   bool
}

// ExecuteCommit stages and commits: refuses outside a git
// tree, reports NO_CHANGES (not an error) on an empty working tree,
// validates the message, stages per opts, commits, and parses the
// resulting hash and changed-file list.
func (s *Service) ExecuteCommit(opts CommitOpts) CommitResult {
	record := func(r CommitResult) CommitResult {
		if s.db != nil {
			errMsg := ""
			if r.Err != nil {
				errMsg = r.Err.Error()
			}
			_ = store.RecordCommit(s.db, &models.CommitOperation{
				TaskID:     opts.TicketID,
				CommitHash: r.Hash,
				Message:    opts.Message,
				FilesCount: len(r.Files),
				Succeeded:  r.Kind == CommitSucceeded,
				Error:      errMsg,
			})
		}
		return r
	}

	if !s.IsGitRepo() {
		return record(CommitResult{Kind: CommitFailed, Err: fmt.Errorf("vcs: %s is not a git working tree", s.RepoDir)})
	}

	clean, _, err := s.Status()
	if err != nil {
		return record(CommitResult{Kind: CommitFailed, Err: err})
	}
	if clean {
		return record(CommitResult{Kind: CommitNoChanges})
	}

	if err := ValidateCommitMessage(opts.Message); err != nil {
		return record(CommitResult{Kind: CommitFailed, Err: err})
	}

	if opts.DryRun {
		return record(CommitResult{Kind: CommitSucceeded})
	}

	if opts.StageAll {
		if _, err := s.run("add", "."); err != nil {
			return record(CommitResult{Kind: CommitFailed, Err: fmt.Errorf("vcs: git add .: %w", err)})
		}
	} else if len(opts.Paths) > 0 {
		args := append([]string{"add"}, opts.Paths...)
		if _, err := s.run(args...); err != nil {
			return record(CommitResult{Kind: CommitFailed, Err: fmt.Errorf("vcs: git add: %w", err)})
		}
	}

	if _, err := s.run("commit", "-m", opts.Message); err != nil {
		return record(CommitResult{Kind: CommitFailed, Err: fmt.Errorf("vcs: git commit: %w", err)})
	}

	hash, err := s.run("rev-parse", "HEAD")
	if err != nil {
		return record(CommitResult{Kind: CommitFailed, Err: fmt.Errorf("vcs: rev-parse HEAD: %w", err)})
	}

	filesOut, _ := s.run("diff-tree", "--no-commit-id", "--name-only", "-r", hash)
	var files []string
	if filesOut != "" {
		files = strings.Split(filesOut, "\n")
	}

	return record(CommitResult{Kind: CommitSucceeded, Hash: hash, Files: files})
}

// RollbackCommit performs a soft reset to hash^, restoring the working
// tree's staged state without discarding file contents.
func (s *Service) RollbackCommit(hash string) error {
	if _, err := s.run("reset", "--soft", hash+"^"); err != nil {
		return fmt.Errorf("vcs: rollback to %s^: %w", hash, err)
	}
	return nil
}

// BranchResultKind enumerates create_branch_for_task's result variants.
type BranchResultKind string

const (
	BranchCreated       BranchResultKind = "created"
	BranchAlreadyExists BranchResultKind = "already_exists"
	BranchFailed        BranchResultKind = "failed"
)

// BranchResult is the outcome of CreateBranchForTask.
type BranchResult struct {
	Kind BranchResultKind
	Name string
	Err  error
}

// localBranchExists reports whether name exists as a local branch.
func (s *Service) localBranchExists(name string) bool {
	out, err := s.run("branch", "--list", name)
	return err == nil && strings.TrimSpace(out) != ""
}

// baseRefExists reports whether base exists locally or as origin/<base>.
func (s *Service) baseRefExists(base string) (string, bool) {
	if _, err := s.run("rev-parse", "--verify", base); err == nil {
		return base, true
	}
	remote := "origin/" + base
	if _, err := s.run("rev-parse", "--verify", remote); err == nil {
		return remote, true
	}
	return "", false
}

// CreateBranchForTask creates (or force-moves) a branch named
// "<sanitized taskID>-<sanitized slug of taskTitle>" from base, which must
// exist locally or as origin/<base>.
func (s *Service) CreateBranchForTask(taskID, taskTitle, base string, force bool) BranchResult {
	record := func(r BranchResult) BranchResult {
		if s.db != nil {
			errMsg := ""
			if r.Err != nil {
				errMsg = r.Err.Error()
			}
			_ = store.RecordBranch(s.db, &models.BranchOperation{
				TaskID:        taskID,
				RequestedName: taskTitle,
				SanitizedName: r.Name,
				BaseBranch:    base,
				Succeeded:     r.Kind == BranchCreated,
				Error:         errMsg,
			})
		}
		return r
	}

	name := BuildBranchName(taskID, taskTitle)

	if !s.IsGitRepo() {
		return record(BranchResult{Kind: BranchFailed, Name: name, Err: fmt.Errorf("vcs: %s is not a git working tree", s.RepoDir)})
	}

	if s.localBranchExists(name) && !force {
		return record(BranchResult{Kind: BranchAlreadyExists, Name: name})
	}

	resolvedBase, ok := s.baseRefExists(base)
	if !ok {
		return record(BranchResult{Kind: BranchFailed, Name: name, Err: fmt.Errorf("vcs: base branch %q not found locally or as origin/%s", base, base)})
	}

	var err error
	if force {
		_, err = s.run("branch", "-f", name, resolvedBase)
	} else {
		_, err = s.run("checkout", "-b", name, resolvedBase)
	}
	if err != nil {
		return record(BranchResult{Kind: BranchFailed, Name: name, Err: fmt.Errorf("vcs: create branch %q: %w", name, err)})
	}
	return record(BranchResult{Kind: BranchCreated, Name: name})
}

// RecentCommits returns the last n one-line commit summaries on branch.
func (s *Service) RecentCommits(branch string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	out, err := s.run("log", "--oneline", fmt.Sprintf("-%d", n), branch)
	if err != nil {
		return nil, fmt.Errorf("vcs: recent commits on %s: %w", branch, err)
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// ChangedFiles returns files with uncommitted staged+unstaged changes.
func (s *Service) ChangedFiles() ([]string, error) {
	out, err := s.run("diff", "--name-only", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("vcs: changed files: %w", err)
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}
