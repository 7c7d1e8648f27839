// Package config provides environment- and YAML-based configuration loading
// for NOMAD. Board and LLM credentials are read from the environment;
// operational tunables load from an optional nomad.yaml.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config is the top-level NOMAD configuration.
type Config struct {
	// Credentials, sourced from the environment and never read from YAML.
	NotionToken   string `yaml:"-"`
	NotionBoardDB string `yaml:"-"`
	OpenAIKey     string `yaml:"-"`
	OpenRouterKey string `yaml:"-"`
	AnthropicKey  string `yaml:"-"`

	TasksDir      string `yaml:"tasks_dir"`
	TaskmasterDir string `yaml:"taskmaster_dir"`
	ProjectRoot   string `yaml:"project_root"`

	Refine    RefineConfig    `yaml:"refine"`
	Engine    EngineConfig    `yaml:"engine"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Feedback  FeedbackConfig  `yaml:"feedback"`
	Board     BoardConfig     `yaml:"board"`
	Telegraph TelegraphConfig `yaml:"telegraph"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// RefineConfig tunes the refinement worker pool.
type RefineConfig struct {
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"` // default 3
}

// EngineConfig tunes the engine invoker's process lifecycle.
type EngineConfig struct {
	TimeoutSec    int `yaml:"timeout_sec"`     // default 1800
	MaxRetries    int `yaml:"max_retries"`     // default 2
	KillGraceSec  int `yaml:"kill_grace_sec"`  // default 5
	RingBufferLen int `yaml:"ring_buffer_len"` // default 200
}

// DispatchConfig tunes the multi-status dispatcher's scheduling loop.
type DispatchConfig struct {
	PollIntervalSec  int `yaml:"poll_interval_sec"`  // default 60
	CooldownSec      int `yaml:"cooldown_sec"`       // default 120
	CooldownPruneSec int `yaml:"cooldown_prune_sec"` // default 3600
	CacheTTLSec      int `yaml:"cache_ttl_sec"`      // default 300
	MaxRetries       int `yaml:"max_retries"`        // default 3
}

// FeedbackConfig tunes the feedback channel's chunking.
type FeedbackConfig struct {
	ChunkSize int `yaml:"chunk_size"` // default 2000
}

// BoardConfig tunes the board HTTP client.
type BoardConfig struct {
	BaseURL     string `yaml:"base_url"`
	PageSize    int    `yaml:"page_size"`
	HTTPTimeout int    `yaml:"http_timeout_sec"` // default 60
}

// DashboardConfig controls the optional local observability HTTP surface.
type DashboardConfig struct {
	Addr string `yaml:"addr"` // empty disables the dashboard
}

// TelegraphConfig holds settings for the optional Slack/Discord digest bridge.
type TelegraphConfig struct {
	Platform string        `yaml:"platform"` // "slack" or "discord"; empty disables
	Channel  string        `yaml:"channel"`
	Slack    SlackConfig   `yaml:"slack"`
	Discord  DiscordConfig `yaml:"discord"`
	Digest   DigestConfig  `yaml:"digest"`
}

// SlackConfig holds Slack credentials, ${VAR}-interpolated from the environment.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

// DiscordConfig holds Discord credentials, ${VAR}-interpolated from the environment.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DigestConfig controls the periodic success-rate digest message.
type DigestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"` // 5-field cron expression
}

// Load reads required credentials from the environment, merges in an
// optional YAML tuning file at yamlPath (a missing file is not an error),
// and returns a validated Config.
func Load(yamlPath string) (*Config, error) {
	var cfg Config
	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", yamlPath, err)
			}
		case os.IsNotExist(err):
			// optional file; proceed with defaults
		default:
			return nil, fmt.Errorf("config: read %s: %w", yamlPath, err)
		}
	}

	cfg.loadCredentials()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadCredentials populates the env-only fields. Kept separate from
// applyDefaults so tests can construct a Config without touching os.Getenv.
func (c *Config) loadCredentials() {
	c.NotionToken = os.Getenv("NOTION_TOKEN")
	c.NotionBoardDB = os.Getenv("NOTION_BOARD_DB")
	c.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	c.OpenRouterKey = os.Getenv("OPENROUTER_API_KEY")
	c.AnthropicKey = os.Getenv("ANTHROPIC_API_KEY")
	if c.TasksDir == "" {
		c.TasksDir = os.Getenv("TASKS_DIR")
	}
	if c.TaskmasterDir == "" {
		c.TaskmasterDir = os.Getenv("TASKMASTER_DIR")
	}
	if c.ProjectRoot == "" {
		c.ProjectRoot = os.Getenv("PROJECT_ROOT")
	}
	if c.Refine.MaxConcurrentTasks == 0 {
		if v, err := strconv.Atoi(os.Getenv("NOMAD_MAX_CONCURRENT_TASKS")); err == nil && v > 0 {
			c.Refine.MaxConcurrentTasks = v
		}
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.ProjectRoot == "" {
		c.ProjectRoot = "."
	}
	if c.Refine.MaxConcurrentTasks == 0 {
		c.Refine.MaxConcurrentTasks = 3
	}
	if c.Engine.TimeoutSec == 0 {
		c.Engine.TimeoutSec = 1800
	}
	if c.Engine.MaxRetries == 0 {
		c.Engine.MaxRetries = 2
	}
	if c.Engine.KillGraceSec == 0 {
		c.Engine.KillGraceSec = 5
	}
	if c.Engine.RingBufferLen == 0 {
		c.Engine.RingBufferLen = 200
	}
	if c.Dispatch.PollIntervalSec == 0 {
		c.Dispatch.PollIntervalSec = 60
	}
	if c.Dispatch.CooldownSec == 0 {
		c.Dispatch.CooldownSec = 120
	}
	if c.Dispatch.CooldownPruneSec == 0 {
		c.Dispatch.CooldownPruneSec = 3600
	}
	if c.Dispatch.CacheTTLSec == 0 {
		c.Dispatch.CacheTTLSec = 300
	}
	if c.Dispatch.MaxRetries == 0 {
		c.Dispatch.MaxRetries = 3
	}
	if c.Feedback.ChunkSize == 0 {
		c.Feedback.ChunkSize = 2000
	}
	if c.Board.BaseURL == "" {
		c.Board.BaseURL = "https://api.notion.com/v1"
	}
	if c.Board.PageSize == 0 || c.Board.PageSize > 100 {
		c.Board.PageSize = 100
	}
	if c.Board.HTTPTimeout == 0 {
		c.Board.HTTPTimeout = 60
	}

	if c.Telegraph.Platform != "" {
		c.Telegraph.Slack.BotToken = resolveEnvVars(c.Telegraph.Slack.BotToken)
		c.Telegraph.Slack.AppToken = resolveEnvVars(c.Telegraph.Slack.AppToken)
		c.Telegraph.Discord.BotToken = resolveEnvVars(c.Telegraph.Discord.BotToken)
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	if c.NotionToken == "" {
		errs = append(errs, "NOTION_TOKEN is required")
	}
	if c.NotionBoardDB == "" {
		errs = append(errs, "NOTION_BOARD_DB is required")
	} else if !isValidDatabaseID(c.NotionBoardDB) {
		errs = append(errs, "NOTION_BOARD_DB must be 32 hex characters (dashes optional)")
	}
	if c.TasksDir == "" {
		errs = append(errs, "TASKS_DIR is required")
	}
	if c.OpenAIKey == "" && c.OpenRouterKey == "" && c.AnthropicKey == "" {
		errs = append(errs, "at least one of OPENAI_API_KEY, OPENROUTER_API_KEY, ANTHROPIC_API_KEY is required")
	}

	if c.Telegraph.Platform != "" {
		switch c.Telegraph.Platform {
		case "slack":
			if c.Telegraph.Slack.BotToken == "" {
				errs = append(errs, "telegraph.slack.bot_token is required when platform is slack")
			}
			if c.Telegraph.Slack.AppToken == "" {
				errs = append(errs, "telegraph.slack.app_token is required when platform is slack")
			}
		case "discord":
			if c.Telegraph.Discord.BotToken == "" {
				errs = append(errs, "telegraph.discord.bot_token is required when platform is discord")
			}
		default:
			errs = append(errs, fmt.Sprintf("telegraph.platform %q is not supported (use slack or discord)", c.Telegraph.Platform))
		}
		if c.Telegraph.Channel == "" {
			errs = append(errs, "telegraph.channel is required when a platform is configured")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

var dbIDRe = regexp.MustCompile(`^[0-9a-fA-F-]{32,36}$`)

// isValidDatabaseID reports whether id looks like a Notion database ID:
// 32 hex characters, with or without UUID dashes.
func isValidDatabaseID(id string) bool {
	stripped := strings.ReplaceAll(id, "-", "")
	if len(stripped) != 32 {
		return false
	}
	return dbIDRe.MatchString(id)
}

// resolveEnvVars replaces ${VAR_NAME} tokens in s with the corresponding
// environment variable value. Unset variables resolve to empty string.
func resolveEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarRe.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}
