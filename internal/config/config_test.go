package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const fullYAML = `
tasks_dir: /work/tasks
taskmaster_dir: /usr/local/bin/task-master
project_root: /work/repo

refine:
  max_concurrent_tasks: 5

engine:
  timeout_sec: 900
  max_retries: 4
  kill_grace_sec: 10

dispatch:
  poll_interval_sec: 30
  cooldown_sec: 60

board:
  page_size: 50
`

const minimalYAML = `
tasks_dir: /work/tasks
`

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("NOTION_TOKEN", "secret_abc123")
	t.Setenv("NOTION_BOARD_DB", "abcdef1234567890abcdef1234567890")
	t.Setenv("OPENAI_API_KEY", "sk-test")
}

func writeYAML(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "nomad.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	setRequiredEnv(t)
	path := writeYAML(t, fullYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.TasksDir != "/work/tasks" {
		t.Errorf("TasksDir = %q, want %q", cfg.TasksDir, "/work/tasks")
	}
	if cfg.Refine.MaxConcurrentTasks != 5 {
		t.Errorf("Refine.MaxConcurrentTasks = %d, want 5", cfg.Refine.MaxConcurrentTasks)
	}
	if cfg.Engine.TimeoutSec != 900 {
		t.Errorf("Engine.TimeoutSec = %d, want 900", cfg.Engine.TimeoutSec)
	}
	if cfg.Engine.MaxRetries != 4 {
		t.Errorf("Engine.MaxRetries = %d, want 4", cfg.Engine.MaxRetries)
	}
	if cfg.Dispatch.PollIntervalSec != 30 {
		t.Errorf("Dispatch.PollIntervalSec = %d, want 30", cfg.Dispatch.PollIntervalSec)
	}
	if cfg.Board.PageSize != 50 {
		t.Errorf("Board.PageSize = %d, want 50", cfg.Board.PageSize)
	}
	if cfg.NotionToken != "secret_abc123" {
		t.Errorf("NotionToken = %q, want from env", cfg.NotionToken)
	}
}

func TestLoad_MinimalConfig_AppliesDefaults(t *testing.T) {
	setRequiredEnv(t)
	path := writeYAML(t, minimalYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Refine.MaxConcurrentTasks != 3 {
		t.Errorf("Refine.MaxConcurrentTasks = %d, want default 3", cfg.Refine.MaxConcurrentTasks)
	}
	if cfg.Engine.TimeoutSec != 1800 {
		t.Errorf("Engine.TimeoutSec = %d, want default 1800", cfg.Engine.TimeoutSec)
	}
	if cfg.Engine.MaxRetries != 2 {
		t.Errorf("Engine.MaxRetries = %d, want default 2", cfg.Engine.MaxRetries)
	}
	if cfg.Dispatch.PollIntervalSec != 60 {
		t.Errorf("Dispatch.PollIntervalSec = %d, want default 60", cfg.Dispatch.PollIntervalSec)
	}
	if cfg.Dispatch.CooldownSec != 120 {
		t.Errorf("Dispatch.CooldownSec = %d, want default 120", cfg.Dispatch.CooldownSec)
	}
	if cfg.Feedback.ChunkSize != 2000 {
		t.Errorf("Feedback.ChunkSize = %d, want default 2000", cfg.Feedback.ChunkSize)
	}
	if cfg.Board.BaseURL != "https://api.notion.com/v1" {
		t.Errorf("Board.BaseURL = %q, want default", cfg.Board.BaseURL)
	}
	if cfg.Board.PageSize != 100 {
		t.Errorf("Board.PageSize = %d, want default 100", cfg.Board.PageSize)
	}
}

func TestLoad_NoYAML_UsesEnvAndDefaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TASKS_DIR", "/env/tasks")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TasksDir != "/env/tasks" {
		t.Errorf("TasksDir = %q, want %q", cfg.TasksDir, "/env/tasks")
	}
	if cfg.Refine.MaxConcurrentTasks != 3 {
		t.Errorf("Refine.MaxConcurrentTasks = %d, want default 3", cfg.Refine.MaxConcurrentTasks)
	}
}

func TestLoad_MissingYAMLFile_NotAnError(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TASKS_DIR", "/env/tasks")

	cfg, err := Load("/nonexistent/nomad.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TasksDir != "/env/tasks" {
		t.Errorf("TasksDir = %q, want %q", cfg.TasksDir, "/env/tasks")
	}
}

func TestLoad_MissingNotionToken(t *testing.T) {
	t.Setenv("NOTION_BOARD_DB", "abcdef1234567890abcdef1234567890")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("TASKS_DIR", "/work/tasks")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for missing NOTION_TOKEN")
	}
	if !strings.Contains(err.Error(), "NOTION_TOKEN is required") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "NOTION_TOKEN is required")
	}
}

func TestLoad_InvalidBoardDB(t *testing.T) {
	t.Setenv("NOTION_TOKEN", "secret_abc123")
	t.Setenv("NOTION_BOARD_DB", "not-a-valid-id")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("TASKS_DIR", "/work/tasks")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for malformed NOTION_BOARD_DB")
	}
	if !strings.Contains(err.Error(), "32 hex characters") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "32 hex characters")
	}
}

func TestLoad_BoardDBWithDashes(t *testing.T) {
	t.Setenv("NOTION_TOKEN", "secret_abc123")
	t.Setenv("NOTION_BOARD_DB", "abcdef12-3456-7890-abcd-ef1234567890")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("TASKS_DIR", "/work/tasks")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.NotionBoardDB == "" {
		t.Error("NotionBoardDB should be set")
	}
}

func TestLoad_MissingTasksDir(t *testing.T) {
	t.Setenv("NOTION_TOKEN", "secret_abc123")
	t.Setenv("NOTION_BOARD_DB", "abcdef1234567890abcdef1234567890")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for missing TASKS_DIR")
	}
	if !strings.Contains(err.Error(), "TASKS_DIR is required") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "TASKS_DIR is required")
	}
}

func TestLoad_NoLLMCredential(t *testing.T) {
	t.Setenv("NOTION_TOKEN", "secret_abc123")
	t.Setenv("NOTION_BOARD_DB", "abcdef1234567890abcdef1234567890")
	t.Setenv("TASKS_DIR", "/work/tasks")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for missing LLM credential")
	}
	if !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Errorf("error = %q, want to mention OPENAI_API_KEY", err.Error())
	}
}

func TestLoad_OpenRouterOnly_Satisfies(t *testing.T) {
	t.Setenv("NOTION_TOKEN", "secret_abc123")
	t.Setenv("NOTION_BOARD_DB", "abcdef1234567890abcdef1234567890")
	t.Setenv("TASKS_DIR", "/work/tasks")
	t.Setenv("OPENROUTER_API_KEY", "or-test")

	if _, err := Load(""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoad_MultipleValidationErrors(t *testing.T) {
	_, err := Load("")
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"NOTION_TOKEN is required", "NOTION_BOARD_DB is required", "TASKS_DIR is required"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q: %s", want, msg)
		}
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	setRequiredEnv(t)
	path := writeYAML(t, ":::invalid")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: parse")
	}
}

func TestLoad_TelegraphRequiresChannel(t *testing.T) {
	setRequiredEnv(t)
	path := writeYAML(t, minimalYAML+`
telegraph:
  platform: slack
  slack:
    bot_token: xoxb-test
    app_token: xapp-test
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing telegraph channel")
	}
	if !strings.Contains(err.Error(), "telegraph.channel is required") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "telegraph.channel is required")
	}
}

func TestLoad_TelegraphUnsupportedPlatform(t *testing.T) {
	setRequiredEnv(t)
	path := writeYAML(t, minimalYAML+`
telegraph:
  platform: irc
  channel: "#general"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unsupported platform")
	}
	if !strings.Contains(err.Error(), `"irc" is not supported`) {
		t.Errorf("error = %q, want to mention unsupported platform", err.Error())
	}
}

func TestLoad_TelegraphSlackResolvesEnvTokens(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-resolved")
	path := writeYAML(t, minimalYAML+`
telegraph:
  platform: slack
  channel: "#deploys"
  slack:
    bot_token: "${SLACK_BOT_TOKEN}"
    app_token: "xapp-literal"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telegraph.Slack.BotToken != "xoxb-resolved" {
		t.Errorf("Slack.BotToken = %q, want resolved env value", cfg.Telegraph.Slack.BotToken)
	}
	if cfg.Telegraph.Slack.AppToken != "xapp-literal" {
		t.Errorf("Slack.AppToken = %q, want literal value unchanged", cfg.Telegraph.Slack.AppToken)
	}
}

func TestResolveEnvVars_UnsetVariable(t *testing.T) {
	os.Unsetenv("NOMAD_TEST_UNSET_VAR")
	got := resolveEnvVars("prefix-${NOMAD_TEST_UNSET_VAR}-suffix")
	if got != "prefix--suffix" {
		t.Errorf("resolveEnvVars = %q, want %q", got, "prefix--suffix")
	}
}

func TestIsValidDatabaseID(t *testing.T) {
	cases := map[string]bool{
		"abcdef1234567890abcdef1234567890":       true,
		"abcdef12-3456-7890-abcd-ef1234567890":   true,
		"too-short":                              false,
		"":                                       false,
		"zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz":       false,
	}
	for id, want := range cases {
		if got := isValidDatabaseID(id); got != want {
			t.Errorf("isValidDatabaseID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestLoad_MaxConcurrentTasksFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("NOMAD_MAX_CONCURRENT_TASKS", "7")
	path := writeYAML(t, minimalYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Refine.MaxConcurrentTasks != 7 {
		t.Errorf("Refine.MaxConcurrentTasks = %d, want 7 from env", cfg.Refine.MaxConcurrentTasks)
	}
}

func TestLoad_YAMLOverridesMaxConcurrentTasksEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("NOMAD_MAX_CONCURRENT_TASKS", "7")
	path := writeYAML(t, fullYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Refine.MaxConcurrentTasks != 5 {
		t.Errorf("Refine.MaxConcurrentTasks = %d, want yaml value 5", cfg.Refine.MaxConcurrentTasks)
	}
}
