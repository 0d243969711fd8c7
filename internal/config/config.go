// Package config loads and validates the runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/minibot/internal/observability"
)

// Config is the top-level configuration.
type Config struct {
	Workspace string                  `yaml:"workspace"`
	Provider  ProviderConfig          `yaml:"provider"`
	Agent     AgentConfig             `yaml:"agent"`
	Tools     ToolsConfig             `yaml:"tools"`
	Heartbeat HeartbeatConfig         `yaml:"heartbeat"`
	Metrics   MetricsConfig           `yaml:"metrics"`
	Logging   observability.LogConfig `yaml:"logging"`
}

// ProviderConfig selects and authenticates the completion endpoint.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	APIBase string `yaml:"api_base"`
	Model   string `yaml:"model"`
}

// AgentConfig tunes the processing loop.
type AgentConfig struct {
	// MaxIterations caps model-call/tool-call rounds per message.
	MaxIterations int `yaml:"max_iterations"`

	// MaxTokens is the completion output budget per model call.
	MaxTokens int `yaml:"max_tokens"`

	Temperature float32 `yaml:"temperature"`

	// ContextWindow overrides discovery when > 0.
	ContextWindow int `yaml:"context_window"`
}

// ToolsConfig configures the built-in tool set.
type ToolsConfig struct {
	ExecTimeout         time.Duration `yaml:"exec_timeout"`
	RestrictToWorkspace bool          `yaml:"restrict_to_workspace"`
	BraveAPIKey         string        `yaml:"brave_api_key"`
}

// HeartbeatConfig controls the periodic self-prompt trigger.
type HeartbeatConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the configuration defaults applied before file values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Workspace: filepath.Join(home, ".minibot"),
		Provider: ProviderConfig{
			Model: "gpt-4o",
		},
		Agent: AgentConfig{
			MaxIterations: 20,
			MaxTokens:     4096,
			Temperature:   0.7,
		},
		Tools: ToolsConfig{
			ExecTimeout: 60 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Interval: 30 * time.Minute,
		},
		Metrics: MetricsConfig{
			Addr: ":9091",
		},
		Logging: observability.LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file, expanding ${ENV_VAR} references, and applies
// it over the defaults. A missing path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate checks invariants and normalizes degenerate values.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace must be set")
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 20
	}
	if c.Agent.MaxTokens <= 0 {
		c.Agent.MaxTokens = 4096
	}
	if c.Agent.ContextWindow < 0 {
		return fmt.Errorf("agent.context_window must be >= 0")
	}
	if c.Tools.ExecTimeout <= 0 {
		c.Tools.ExecTimeout = 60 * time.Second
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = 30 * time.Minute
	}
	return nil
}
