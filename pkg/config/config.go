// Package config loads steward.yaml: server, upstream repository, agent,
// queue and workflow defaults. Database settings stay on the environment and
// are read by pkg/database directly.
package config

import (
	"fmt"
	"time"
)

// Config is the fully resolved configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	GitHub   GitHubConfig   `yaml:"github"`
	Agent    AgentConfig    `yaml:"agent"`
	Queue    QueueConfig    `yaml:"queue"`
	Defaults WorkflowConfig `yaml:"defaults"`
}

// ServerConfig holds the HTTP ingress settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// WebhookSecret verifies X-Hub-Signature-256 on inbound deliveries.
	// Usually set via {{.STEWARD_WEBHOOK_SECRET}}.
	WebhookSecret string `yaml:"webhook_secret"`
}

// GitHubConfig names the repository and accounts the steward operates on.
type GitHubConfig struct {
	Owner         string `yaml:"owner"`
	Repo          string `yaml:"repo"`
	ProjectNumber int    `yaml:"project_number"`
	// BotUsername is the account the steward acts as; its own events are
	// ignored by routing.
	BotUsername      string `yaml:"bot_username"`
	ReviewerUsername string `yaml:"reviewer_username"`
	Token            string `yaml:"token"`
	// APIBase and GraphQLURL override the public endpoints for GHES.
	APIBase    string `yaml:"api_base"`
	GraphQLURL string `yaml:"graphql_url"`
}

// AgentConfig configures the coding-agent subprocess.
type AgentConfig struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
}

// QueueConfig tunes the dispatch worker pool.
type QueueConfig struct {
	MaxWorkers        int           `yaml:"max_workers"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	OrphanThreshold   time.Duration `yaml:"orphan_threshold"`
}

// WorkflowConfig holds per-issue workflow defaults.
type WorkflowConfig struct {
	// MaxRetries caps consecutive CI failures before an issue is parked.
	MaxRetries int    `yaml:"max_retries"`
	BaseBranch string `yaml:"base_branch"`
	DryRun     bool   `yaml:"dry_run"`
}

// DefaultConfig returns the built-in defaults; loaded YAML overrides them
// field by field.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Agent: AgentConfig{
			Command: "claude",
			Timeout: 10 * time.Minute,
		},
		Queue: QueueConfig{
			MaxWorkers:        2,
			PollInterval:      5 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			OrphanThreshold:   2 * time.Minute,
		},
		Defaults: WorkflowConfig{
			MaxRetries: 3,
			BaseBranch: "main",
		},
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Server.validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.GitHub.validate(); err != nil {
		return fmt.Errorf("github: %w", err)
	}
	if err := c.Agent.validate(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	if err := c.Queue.validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if err := c.Defaults.validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	return nil
}

func (c *ServerConfig) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	return nil
}

func (c *GitHubConfig) validate() error {
	if c.Owner == "" {
		return fmt.Errorf("owner is required")
	}
	if c.Repo == "" {
		return fmt.Errorf("repo is required")
	}
	if c.BotUsername == "" {
		return fmt.Errorf("bot_username is required")
	}
	return nil
}

func (c *AgentConfig) validate() error {
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

func (c *QueueConfig) validate() error {
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.OrphanThreshold <= c.HeartbeatInterval {
		return fmt.Errorf("orphan_threshold must exceed heartbeat_interval")
	}
	return nil
}

func (c *WorkflowConfig) validate() error {
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive")
	}
	if c.BaseBranch == "" {
		return fmt.Errorf("base_branch is required")
	}
	return nil
}
