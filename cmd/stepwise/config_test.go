package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/pkg/schema"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func testFlags(t *testing.T) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("db", "", "")
	fs.String("log-level", "", "")
	fs.String("log-format", "", "")
	fs.String("agent-binary", "", "")
	fs.String("model", "", "")
	fs.String("timeout", "", "")
	fs.Int("max-retries", 0, "")
	fs.Int("concurrency", 0, "")
	fs.String("fallback", "", "")
	fs.Bool("strict-cancellation", false, "")
	return fs
}

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadSettings_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	s, err := loadSettings("", nil, envMap(nil))

	require.NoError(t, err)
	assert.Equal(t, "info", s.LogLevel)
	assert.Equal(t, "text", s.LogFormat)
	assert.Equal(t, "claude", s.Agent.Binary)
	assert.Equal(t, "stepwise.db", filepath.Base(s.DBPath))
	assert.Empty(t, s.Engine)
}

func TestLoadSettings_File(t *testing.T) {
	path := writeSettings(t, `
db_path: /tmp/runs.db
log_level: debug
agent:
  name: gemini
  binary: gemini-cli
  args: ["--yolo"]
  binaries:
    claude: /usr/local/bin/claude
engine:
  max_retries: 1
  failover:
    fallback_services: [claude]
`)

	s, err := loadSettings(path, nil, envMap(nil))

	require.NoError(t, err)
	assert.Equal(t, "/tmp/runs.db", s.DBPath)
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, "text", s.LogFormat)
	assert.Equal(t, "gemini", s.Agent.Name)
	assert.Equal(t, []string{"--yolo"}, s.Agent.Args)
	assert.Equal(t, "/usr/local/bin/claude", s.Agent.Binaries["claude"])

	cfg, err := engine.LoadConfig(s.Engine)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, []string{"claude"}, cfg.Failover.FallbackServices)
}

func TestLoadSettings_ExplicitMissingFile(t *testing.T) {
	_, err := loadSettings(filepath.Join(t.TempDir(), "nope.yaml"), nil, envMap(nil))

	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestLoadSettings_BadYAML(t *testing.T) {
	path := writeSettings(t, "log_level: [unterminated")

	_, err := loadSettings(path, nil, envMap(nil))

	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestLoadSettings_Layering(t *testing.T) {
	path := writeSettings(t, `
log_level: debug
log_format: json
agent:
  model: file-model
engine:
  max_retries: 1
  max_concurrency: 2
`)
	env := envMap(map[string]string{
		"STEPWISE_LOG_LEVEL":         "warn",
		"STEPWISE_AGENT_MODEL":       "env-model",
		"STEPWISE_MAX_RETRIES":       "4",
		"STEPWISE_FALLBACK_SERVICES": "gemini,openai",
	})
	flags := testFlags(t)
	require.NoError(t, flags.Set("log-level", "error"))
	require.NoError(t, flags.Set("max-retries", "7"))
	require.NoError(t, flags.Set("strict-cancellation", "true"))

	s, err := loadSettings(path, flags, env)
	require.NoError(t, err)

	// flag > env > file
	assert.Equal(t, "error", s.LogLevel)
	assert.Equal(t, "json", s.LogFormat)
	assert.Equal(t, "env-model", s.Agent.Model)

	cfg, err := engine.LoadConfig(s.Engine)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 2, cfg.MaxConcurrency)
	assert.True(t, cfg.StrictCancellation)
	assert.Equal(t, []string{"gemini", "openai"}, cfg.Failover.FallbackServices)
}

func TestLoadSettings_UnchangedFlagsKeepLowerLayers(t *testing.T) {
	path := writeSettings(t, "db_path: /data/file.db\n")

	s, err := loadSettings(path, testFlags(t), envMap(nil))

	require.NoError(t, err)
	assert.Equal(t, "/data/file.db", s.DBPath)
	assert.NotContains(t, s.Engine, "max_retries")
}

func TestSetPath(t *testing.T) {
	m := map[string]any{"failover": "scalar"}

	setPath(m, "max_retries", "2")
	setPath(m, "failover.max_failover_attempts", "3")
	setPath(m, "failover.failover_on_timeout", "false")

	assert.Equal(t, map[string]any{
		"max_retries": "2",
		"failover": map[string]any{
			"max_failover_attempts": "3",
			"failover_on_timeout":   "false",
		},
	}, m)
}

func TestAgentServices(t *testing.T) {
	got := agentServices(AgentSettings{
		Name:     "claude",
		Binaries: map[string]string{"openai": "codex", "claude": "claude", "gemini": "gemini"},
	})

	assert.Equal(t, []string{"agent", "claude", "gemini", "openai"}, got)
}

func TestLoadSettings_Plugins(t *testing.T) {
	path := writeSettings(t, `
plugins:
  - name: github
    command: github-mcp
    args: [stdio]
    env: ["TOKEN=x"]
`)

	s, err := loadSettings(path, nil, envMap(nil))

	require.NoError(t, err)
	require.Len(t, s.Plugins, 1)
	assert.Equal(t, "github", s.Plugins[0].Name)
	assert.Equal(t, []string{"stdio"}, s.Plugins[0].Args)
	assert.Equal(t, []string{"TOKEN=x"}, s.Plugins[0].Env)
}
