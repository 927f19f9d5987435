package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/rendis/stepwise/internal/plugins"
	"github.com/rendis/stepwise/pkg/schema"
)

// Settings holds all CLI configuration.
// Priority: flags > env vars > settings.yaml > defaults.
type Settings struct {
	DBPath    string           `yaml:"db_path"`
	LogLevel  string           `yaml:"log_level"`
	LogFormat string           `yaml:"log_format"`
	Agent     AgentSettings    `yaml:"agent"`
	Engine    map[string]any   `yaml:"engine"`
	Plugins   []plugins.Config `yaml:"plugins"`
}

// AgentSettings configures the agent CLI behind agent.* actions and
// sub-agent steps.
type AgentSettings struct {
	Name     string            `yaml:"name"`
	Binary   string            `yaml:"binary"`
	Args     []string          `yaml:"args"`
	Model    string            `yaml:"model"`
	Timeout  string            `yaml:"timeout"`
	WorkDir  string            `yaml:"workdir"`
	Binaries map[string]string `yaml:"binaries"`
}

func defaultSettings() Settings {
	return Settings{
		DBPath:    filepath.Join(stepwiseDir(), "stepwise.db"),
		LogLevel:  "info",
		LogFormat: "text",
		Agent:     AgentSettings{Name: "claude", Binary: "claude"},
		Engine:    map[string]any{},
	}
}

func stepwiseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepwise"
	}
	return filepath.Join(home, ".stepwise")
}

func settingsPath() string {
	return filepath.Join(stepwiseDir(), "settings.yaml")
}

// envEngineKeys maps STEPWISE_* variables onto engine config keys.
var envEngineKeys = map[string]string{
	"STEPWISE_DEFAULT_TIMEOUT":       "default_timeout",
	"STEPWISE_MAX_RETRIES":           "max_retries",
	"STEPWISE_RETRY_BASE_DELAY":      "retry_base_delay",
	"STEPWISE_RETRY_MAX_DELAY":       "retry_max_delay",
	"STEPWISE_BREAKER_THRESHOLD":     "breaker_threshold",
	"STEPWISE_BREAKER_COOLDOWN":      "breaker_cooldown",
	"STEPWISE_MAX_CONCURRENCY":       "max_concurrency",
	"STEPWISE_STRICT_CANCELLATION":   "strict_cancellation",
	"STEPWISE_FALLBACK_SERVICES":     "failover.fallback_services",
	"STEPWISE_FAILOVER_ON_TIMEOUT":   "failover.failover_on_timeout",
	"STEPWISE_MAX_FAILOVER_ATTEMPTS": "failover.max_failover_attempts",
}

// loadSettings layers defaults, the settings file, the environment and
// explicitly set flags. An explicit configPath must exist; the default file
// is optional.
func loadSettings(configPath string, flags *pflag.FlagSet, getenv func(string) string) (Settings, error) {
	s := defaultSettings()

	path, explicit := configPath, configPath != ""
	if !explicit {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, schema.NewErrorf(schema.ErrCodeValidation, "parse settings %s: %v", path, err).WithCause(err)
		}
	case explicit || !os.IsNotExist(err):
		return s, schema.NewErrorf(schema.ErrCodeNotFound, "read settings %s: %v", path, err).WithCause(err)
	}
	if s.Engine == nil {
		s.Engine = map[string]any{}
	}

	if v := getenv("STEPWISE_DB_PATH"); v != "" {
		s.DBPath = v
	}
	if v := getenv("STEPWISE_LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := getenv("STEPWISE_LOG_FORMAT"); v != "" {
		s.LogFormat = v
	}
	if v := getenv("STEPWISE_AGENT_BINARY"); v != "" {
		s.Agent.Binary = v
	}
	if v := getenv("STEPWISE_AGENT_MODEL"); v != "" {
		s.Agent.Model = v
	}
	for env, key := range envEngineKeys {
		if v := getenv(env); v != "" {
			setPath(s.Engine, key, v)
		}
	}

	if flags != nil {
		applyFlags(&s, flags)
	}
	return s, nil
}

func applyFlags(s *Settings, flags *pflag.FlagSet) {
	str := func(name string, dst *string) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	str("db", &s.DBPath)
	str("log-level", &s.LogLevel)
	str("log-format", &s.LogFormat)
	str("agent-binary", &s.Agent.Binary)
	str("model", &s.Agent.Model)

	engineFlags := map[string]string{
		"timeout":     "default_timeout",
		"max-retries": "max_retries",
		"concurrency": "max_concurrency",
		"fallback":    "failover.fallback_services",
	}
	for name, key := range engineFlags {
		if f := flags.Lookup(name); f != nil && f.Changed {
			setPath(s.Engine, key, f.Value.String())
		}
	}
	if f := flags.Lookup("strict-cancellation"); f != nil && f.Changed {
		setPath(s.Engine, "strict_cancellation", f.Value.String())
	}
}

// setPath writes v at a dotted key, creating nested maps as needed.
func setPath(m map[string]any, key string, v any) {
	parts := strings.Split(key, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}
