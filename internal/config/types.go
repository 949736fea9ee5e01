// Package config provides configuration loading for taskforged.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harrowlabs/taskforge/internal/logging"
)

// Duration wraps time.Duration for text unmarshaling (YAML, env vars).
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Secret wraps strings that must never appear in logs or serialized output.
// Use Value() to access the actual value.
type Secret string

// String implements fmt.Stringer. Always redacted.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// Value returns the actual secret value. Use sparingly.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether the secret has a non-empty value.
func (s Secret) IsSet() bool { return s != "" }

// MarshalJSON implements json.Marshaler. Always redacted.
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("[REDACTED]")
}

// Config is the full taskforged configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Logging      logging.Config     `koanf:"logging"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Retry        RetryConfig        `koanf:"retry"`
	Stages       []StageConfig      `koanf:"stages"`
	Workspace    WorkspaceConfig    `koanf:"workspace"`
	GitHub       GitHubConfig       `koanf:"github"`
	LLM          LLMConfig          `koanf:"llm"`
	NATS         NATSConfig         `koanf:"nats"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// OrchestratorConfig sizes the worker pool.
type OrchestratorConfig struct {
	Workers int `koanf:"workers"`
}

// RetryConfig tunes the backoff policy.
type RetryConfig struct {
	BaseBackoff Duration `koanf:"base_backoff"`
	MaxBackoff  Duration `koanf:"max_backoff"`
}

// StageConfig overrides one pipeline stage's timeout or attempt budget. The
// stage name must match a stage in the default pipeline.
type StageConfig struct {
	Name        string   `koanf:"name"`
	Timeout     Duration `koanf:"timeout"`
	MaxAttempts int      `koanf:"max_attempts"`
}

// WorkspaceConfig locates the clone working area.
type WorkspaceConfig struct {
	Dir string `koanf:"dir"`
}

// GitHubConfig holds source-control provider settings.
type GitHubConfig struct {
	Token      Secret `koanf:"token"`
	BaseBranch string `koanf:"base_branch"`
}

// LLMConfig holds the code-intelligence provider settings.
type LLMConfig struct {
	APIKey  Secret `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`

	// RequestsPerMinute caps generation calls across all workers.
	RequestsPerMinute int `koanf:"requests_per_minute"`
}

// NATSConfig configures the optional transition publisher.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

// Validate checks invariants not expressible as defaults.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server: port %d out of range", c.Server.Port)
	}
	if c.Orchestrator.Workers < 1 {
		return fmt.Errorf("orchestrator: workers must be >= 1")
	}
	if c.Retry.MaxBackoff.Duration() < c.Retry.BaseBackoff.Duration() {
		return fmt.Errorf("retry: max_backoff below base_backoff")
	}
	for _, s := range c.Stages {
		if s.Name == "" {
			return fmt.Errorf("stages: override with empty name")
		}
		if s.MaxAttempts < 0 {
			return fmt.Errorf("stages: %s max_attempts negative", s.Name)
		}
	}
	return nil
}
