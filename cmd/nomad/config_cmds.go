package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ddcodepl/nomad/internal/config"
)

const configHelpText = `NOMAD configuration
===================

Required environment variables:
  NOTION_TOKEN                board auth token
  NOTION_BOARD_DB              board database id (32 hex chars, dashes optional)
  TASKS_DIR                    root directory for on-disk artifacts

Optional environment variables:
  TASKMASTER_DIR                path to the decomposer CLI, if not on PATH
  NOMAD_MAX_CONCURRENT_TASKS    refinement pool size (default 3)
  OPENAI_API_KEY                 )
  OPENROUTER_API_KEY             ) at least one required for refinement
  ANTHROPIC_API_KEY              )

Optional nomad.yaml (in the working directory) tunes operational knobs:
  tasks_dir, taskmaster_dir, project_root
  refine.max_concurrent_tasks
  engine.timeout_sec, engine.max_retries, engine.kill_grace_sec
  dispatch.poll_interval_sec, dispatch.cooldown_sec, dispatch.cache_ttl_sec
  feedback.chunk_size
  board.base_url, board.page_size, board.http_timeout_sec
  dashboard.addr (empty disables the local observability server)
  telegraph.platform (slack|discord), telegraph.channel, telegraph.digest.cron
`

const defaultConfigYAML = `tasks_dir: ./tasks
project_root: .
refine:
  max_concurrent_tasks: 3
engine:
  timeout_sec: 1800
  max_retries: 2
  kill_grace_sec: 5
dispatch:
  poll_interval_sec: 60
  cooldown_sec: 120
  cache_ttl_sec: 300
feedback:
  chunk_size: 2000
board:
  base_url: https://api.notion.com/v1
dashboard:
  addr: ""
telegraph:
  platform: ""
`

func runConfigHelp(cmd *cobra.Command) error {
	fmt.Fprint(cmd.OutOrStdout(), configHelpText)
	return nil
}

func runConfigCreate(cmd *cobra.Command) error {
	path := configFileName
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists; remove it first to regenerate", path)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", absConfigPath())
	return nil
}

func runConfigStatus(cmd *cobra.Command) error {
	cfg, err := config.Load(configFileName)
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "configuration invalid: %v\n", err)
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config file: %s\n", absConfigPath())
	fmt.Fprintf(out, "project_root: %s\n", cfg.ProjectRoot)
	fmt.Fprintf(out, "tasks_dir: %s\n", cfg.TasksDir)
	fmt.Fprintf(out, "board.base_url: %s\n", cfg.Board.BaseURL)
	fmt.Fprintf(out, "refine.max_concurrent_tasks: %d\n", cfg.Refine.MaxConcurrentTasks)
	fmt.Fprintf(out, "dispatch.poll_interval_sec: %d\n", cfg.Dispatch.PollIntervalSec)
	fmt.Fprintf(out, "dashboard.addr: %q\n", cfg.Dashboard.Addr)
	fmt.Fprintf(out, "telegraph.platform: %q\n", cfg.Telegraph.Platform)
	credentialPresence := func(name, v string) string {
		if v == "" {
			return name + ": MISSING"
		}
		return name + ": present"
	}
	fmt.Fprintln(out, credentialPresence("NOTION_TOKEN", cfg.NotionToken))
	fmt.Fprintln(out, credentialPresence("NOTION_BOARD_DB", cfg.NotionBoardDB))
	fmt.Fprintln(out, credentialPresence("OPENAI_API_KEY/OPENROUTER_API_KEY/ANTHROPIC_API_KEY",
		firstNonEmpty(cfg.OpenAIKey, cfg.OpenRouterKey, cfg.AnthropicKey)))
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
