package vcs

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// initTestRepo creates a git repo with one commit and returns its working
// directory with one initial commit.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	for _, args := range [][]string{
		{"git", "init", "-b", "main"},
		{"git", "config", "user.name", "Test"},
		{"git", "config", "user.email", "test@test.com"},
	} {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("%v: %s\n%s", args, err, out)
		}
	}

	readme := filepath.Join(dir, "README.md")
	if err := os.WriteFile(readme, []byte("# test\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, args := range [][]string{
		{"git", "add", "."},
		{"git", "commit", "-m", "initial commit"},
	} {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("%v: %s\n%s", args, err, out)
		}
	}
	return dir
}

func TestValidateCommitMessage(t *testing.T) {
	cases := []struct {
		name    string
		message string
		wantErr bool
	}{
		{"valid", "feat: implement the thing", false},
		{"empty", "", true},
		{"too short", "fi", true},
		{"placeholder wip", "wip", true},
		{"placeholder case insensitive", "WIP", true},
		{"placeholder fix", "fix", true},
		{"first line too long", string(make([]byte, 80)), true},
		{"multiline body ok as long as first line short", "feat: short\n\nlonger body text here that is fine", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateCommitMessage(tc.message)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateCommitMessage(%q) error = %v, wantErr %v", tc.message, err, tc.wantErr)
			}
		})
	}
}

func TestExecuteCommit_NoChangesOnCleanTree(t *testing.T) {
	dir := initTestRepo(t)
	svc := New(dir, nil)

	result := svc.ExecuteCommit(CommitOpts{TicketID: "T-1", Message: "feat: nothing changed", StageAll: true})
	if result.Kind != CommitNoChanges {
		t.Fatalf("expected CommitNoChanges on a clean tree, got %s (err=%v)", result.Kind, result.Err)
	}
	if result.Err != nil {
		t.Errorf("NO_CHANGES must not be reported as an error: %v", result.Err)
	}
}

func TestExecuteCommit_Succeeds(t *testing.T) {
	dir := initTestRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "x.py"), []byte("print(1)\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	svc := New(dir, nil)
	result := svc.ExecuteCommit(CommitOpts{TicketID: "T-2", Message: "feat: add x.py", StageAll: true})
	if result.Kind != CommitSucceeded {
		t.Fatalf("expected CommitSucceeded, got %s (err=%v)", result.Kind, result.Err)
	}
	if result.Hash == "" {
		t.Error("expected a non-empty commit hash")
	}
	found := false
	for _, f := range result.Files {
		if f == "x.py" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected x.py in changed files, got %v", result.Files)
	}
}

func TestExecuteCommit_RejectsInvalidMessage(t *testing.T) {
	dir := initTestRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "x.py"), []byte("print(1)\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	svc := New(dir, nil)
	result := svc.ExecuteCommit(CommitOpts{TicketID: "T-3", Message: "wip", StageAll: true})
	if result.Kind != CommitFailed {
		t.Fatalf("expected CommitFailed for a placeholder message, got %s", result.Kind)
	}
}

func TestExecuteCommit_NotAGitRepo(t *testing.T) {
	dir := t.TempDir()
	svc := New(dir, nil)
	result := svc.ExecuteCommit(CommitOpts{TicketID: "T-4", Message: "feat: whatever", StageAll: true})
	if result.Kind != CommitFailed {
		t.Fatalf("expected CommitFailed outside a git tree, got %s", result.Kind)
	}
}

func TestRollbackCommit(t *testing.T) {
	dir := initTestRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "x.py"), []byte("print(1)\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	svc := New(dir, nil)
	result := svc.ExecuteCommit(CommitOpts{TicketID: "T-5", Message: "feat: add x.py", StageAll: true})
	if result.Kind != CommitSucceeded {
		t.Fatalf("setup commit failed: %s (%v)", result.Kind, result.Err)
	}

	if err := svc.RollbackCommit(result.Hash); err != nil {
		t.Fatalf("RollbackCommit: %v", err)
	}

	clean, _, err := svc.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if clean {
		t.Fatal("after a soft reset, x.py should still be staged (not a clean tree)")
	}
}

func TestCreateBranchForTask(t *testing.T) {
	dir := initTestRepo(t)
	svc := New(dir, nil)

	result := svc.CreateBranchForTask("TASK-7", "Fix: Login Bug!", "main", false)
	if result.Kind != BranchCreated {
		t.Fatalf("expected BranchCreated, got %s (err=%v)", result.Kind, result.Err)
	}
	if result.Name != "TASK-7-Fix-Login-Bug!" {
		t.Errorf("branch name = %q, want %q", result.Name, "TASK-7-Fix-Login-Bug!")
	}
	if !svc.localBranchExists(result.Name) {
		t.Error("expected branch to exist locally after creation")
	}
}

func TestCreateBranchForTask_AlreadyExists(t *testing.T) {
	dir := initTestRepo(t)
	svc := New(dir, nil)

	first := svc.CreateBranchForTask("TASK-8", "Add widgets", "main", false)
	if first.Kind != BranchCreated {
		t.Fatalf("setup branch creation failed: %s", first.Kind)
	}

	cmd := exec.Command("git", "checkout", "main")
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("checkout main: %s\n%s", err, out)
	}

	second := svc.CreateBranchForTask("TASK-8", "Add widgets", "main", false)
	if second.Kind != BranchAlreadyExists {
		t.Fatalf("expected BranchAlreadyExists, got %s", second.Kind)
	}
}

func TestCreateBranchForTask_MissingBase(t *testing.T) {
	dir := initTestRepo(t)
	svc := New(dir, nil)

	result := svc.CreateBranchForTask("TASK-9", "Whatever", "does-not-exist", false)
	if result.Kind != BranchFailed {
		t.Fatalf("expected BranchFailed for a missing base branch, got %s", result.Kind)
	}
}

func TestIsGitRepo(t *testing.T) {
	dir := initTestRepo(t)
	if !New(dir, nil).IsGitRepo() {
		t.Error("expected IsGitRepo true inside a git working tree")
	}
	if New(t.TempDir(), nil).IsGitRepo() {
		t.Error("expected IsGitRepo false outside a git working tree")
	}
}
