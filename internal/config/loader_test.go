package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8640, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Orchestrator.Workers)
	assert.Equal(t, 2*time.Second, cfg.Retry.BaseBackoff.Duration())
	assert.Equal(t, 5*time.Minute, cfg.Retry.MaxBackoff.Duration())
	assert.Equal(t, "main", cfg.GitHub.BaseBranch)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 30, cfg.LLM.RequestsPerMinute)
	assert.NotEmpty(t, cfg.Workspace.Dir)
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  port: 9000
orchestrator:
  workers: 8
retry:
  base_backoff: 1s
  max_backoff: 30s
stages:
  - name: generate
    timeout: 10m
    max_attempts: 5
github:
  token: ghp_secret
  base_branch: develop
nats:
  enabled: true
`))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Orchestrator.Workers)
	assert.Equal(t, time.Second, cfg.Retry.BaseBackoff.Duration())
	require.Len(t, cfg.Stages, 1)
	assert.Equal(t, "generate", cfg.Stages[0].Name)
	assert.Equal(t, 10*time.Minute, cfg.Stages[0].Timeout.Duration())
	assert.Equal(t, 5, cfg.Stages[0].MaxAttempts)
	assert.Equal(t, "develop", cfg.GitHub.BaseBranch)
	assert.Equal(t, "ghp_secret", cfg.GitHub.Token.Value())
	assert.True(t, cfg.NATS.Enabled)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("TASKFORGE_SERVER_PORT", "7777")
	t.Setenv("TASKFORGE_GITHUB_BASE_BRANCH", "trunk")
	t.Setenv("TASKFORGE_LLM_API_KEY", "sk-test")

	cfg, err := Load(writeConfig(t, "server:\n  port: 9000\n"))
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "trunk", cfg.GitHub.BaseBranch)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey.Value())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8640, cfg.Server.Port)
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [not a map"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad port", "server:\n  port: 99999\n", "out of range"},
		{"bad log level", "logging:\n  level: loud\n", "invalid log level"},
		{"backoff inverted", "retry:\n  base_backoff: 1m\n  max_backoff: 1s\n", "max_backoff"},
		{"negative workers", "orchestrator:\n  workers: -1\n", "workers"},
		{"nameless stage override", "stages:\n  - timeout: 5s\n", "empty name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())

	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(data))

	empty := Secret("")
	assert.Equal(t, "", empty.String())
	assert.False(t, empty.IsSet())
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
