// Package config provides YAML-based configuration loading for Stationmaster.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Stationmaster configuration, loaded from
// stationmaster.yaml.
type Config struct {
	Platform    string          `yaml:"platform"` // "slack", "discord", or "mock"
	Channel     string          `yaml:"channel"`  // default channel to post to
	Slack       SlackConfig     `yaml:"slack"`
	Discord     DiscordConfig   `yaml:"discord"`
	SessionsDir string          `yaml:"sessions_dir"`
	Executor    ExecutorConfig  `yaml:"executor"`
	Trace       TraceConfig     `yaml:"trace"`
	Workflow    WorkflowConfig  `yaml:"workflow"`
	Dashboard   DashboardConfig `yaml:"dashboard"`

	// ReconcileCron is a 5-field cron expression controlling how often
	// stale persisted run flags are reconciled against live tasks.
	ReconcileCron string `yaml:"reconcile_cron"`

	ProfileDefault string                   `yaml:"profile_default"`
	Profiles       map[string]ProfileConfig `yaml:"profiles"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken string `yaml:"app_token"` // xapp-...
	BotToken string `yaml:"bot_token"` // xoxb-...
}

// DiscordConfig holds Discord Gateway credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// ExecutorConfig configures the external codex CLI executor.
type ExecutorConfig struct {
	Command          string   `yaml:"command"` // codex binary, default "codex"
	Args             []string `yaml:"args"`    // extra args inserted before "exec"
	Model            string   `yaml:"model"`   // default model (may be empty)
	WorkDir          string   `yaml:"work_dir"`
	TimeoutSec       int      `yaml:"timeout_sec"`
	HistoryWindow    int      `yaml:"history_window"`
	HistoryCharLimit int      `yaml:"history_char_limit"`
	Sandbox          string   `yaml:"sandbox"`
}

// TraceConfig selects the trace store backend. When Host is set, a
// MySQL-compatible server is used; otherwise a local sqlite file.
type TraceConfig struct {
	Path     string `yaml:"path"` // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// WorkflowConfig bounds the plan/review loop and cancellation behavior.
type WorkflowConfig struct {
	MaxReviewRounds         int   `yaml:"max_review_rounds"`
	ReviewOnlyWithArtifacts *bool `yaml:"review_only_with_artifacts"`
	CancelWaitSec           int   `yaml:"cancel_wait_sec"`
	MultiEnabled            bool  `yaml:"multi_enabled"`
	MultiMaxRetries         int   `yaml:"multi_max_retries"`
}

// DashboardConfig configures the read-only HTTP status server.
type DashboardConfig struct {
	Addr string `yaml:"addr"` // empty disables the dashboard
}

// ProfileConfig defines an execution profile selectable via /profile.
type ProfileConfig struct {
	Model            string                 `yaml:"model"`
	WorkingDirectory string                 `yaml:"working_directory"`
	Agents           map[string]AgentConfig `yaml:"agents"`
}

// AgentConfig overrides the model and/or system instructions for one
// stage-agent key (e.g. "plan.reviewer", "developer").
type AgentConfig struct {
	Model        string `yaml:"model"`
	Instructions string `yaml:"instructions"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReviewArtifactsGate reports whether the plan workflow should skip the
// reviewer when the workspace diff is empty. Defaults to true.
func (w WorkflowConfig) ReviewArtifactsGate() bool {
	if w.ReviewOnlyWithArtifacts == nil {
		return true
	}
	return *w.ReviewOnlyWithArtifacts
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Platform == "" {
		c.Platform = "mock"
	}
	if c.SessionsDir == "" {
		c.SessionsDir = defaultStatePath("sessions")
	}
	if c.Executor.Command == "" {
		c.Executor.Command = "codex"
	}
	if c.Executor.TimeoutSec == 0 {
		c.Executor.TimeoutSec = 300
	}
	if c.Executor.HistoryWindow == 0 {
		c.Executor.HistoryWindow = 12
	}
	if c.Executor.HistoryCharLimit == 0 {
		c.Executor.HistoryCharLimit = 6000
	}
	if c.Executor.Sandbox == "" {
		c.Executor.Sandbox = "workspace-write"
	}
	if c.Trace.Path == "" && c.Trace.Host == "" {
		c.Trace.Path = defaultStatePath("traces.db")
	}
	if c.Trace.Host != "" && c.Trace.Port == 0 {
		c.Trace.Port = 3306
	}
	if c.Trace.Host != "" && c.Trace.Database == "" {
		c.Trace.Database = "stationmaster"
	}
	if c.Workflow.MaxReviewRounds == 0 {
		c.Workflow.MaxReviewRounds = 3
	}
	if c.Workflow.MultiMaxRetries == 0 {
		c.Workflow.MultiMaxRetries = 1
	}
	if c.ReconcileCron == "" {
		c.ReconcileCron = "*/5 * * * *"
	}
	if c.ProfileDefault == "" {
		c.ProfileDefault = "default"
	}
}

// defaultStatePath returns ~/.stationmaster/<name>, falling back to a
// relative path when the home directory cannot be resolved.
func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".stationmaster", name)
	}
	return filepath.Join(home, ".stationmaster", name)
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Platform {
	case "slack":
		if c.Slack.BotToken == "" {
			errs = append(errs, "slack.bot_token is required for platform=slack")
		}
		if c.Slack.AppToken == "" {
			errs = append(errs, "slack.app_token is required for platform=slack")
		}
	case "discord":
		if c.Discord.BotToken == "" {
			errs = append(errs, "discord.bot_token is required for platform=discord")
		}
	case "mock":
		// no credentials needed
	default:
		errs = append(errs, fmt.Sprintf("unsupported platform %q (slack, discord, mock)", c.Platform))
	}
	if c.Workflow.MaxReviewRounds < 1 {
		errs = append(errs, "workflow.max_review_rounds must be >= 1")
	}
	for name := range c.Profiles {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, "profile name must not be empty")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
