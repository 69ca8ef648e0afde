// Package config loads daemon configuration.
//
// Search order: GOBBY_CONFIG, ./.gobby/config.yaml, ~/.gobby/config.yaml,
// then built-in defaults. Environment variables with the GOBBY_ prefix
// override file values (GOBBY_DAEMON_PORT, GOBBY_CONDUCTOR_AUTONOMOUS, ...).
// Configuration is loaded once at startup; only workflow, skill, and agent
// directories are watched for hot reload.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root daemon configuration.
type Config struct {
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Store     StoreConfig     `mapstructure:"store"`
	Tasks     TasksConfig     `mapstructure:"tasks"`
	Workflows WorkflowsConfig `mapstructure:"workflows"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Webhooks  []Webhook       `mapstructure:"webhooks"`
	Conductor ConductorConfig `mapstructure:"conductor"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type DaemonConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"` // sqlite file; ":memory:" in tests
}

type TasksConfig struct {
	ValidationEnabled    bool          `mapstructure:"validation_enabled"`
	MaxValidationFails   int           `mapstructure:"max_validation_fails"`
	CreateFixSubtask     bool          `mapstructure:"create_fix_subtask"`
	UseExternalValidator bool          `mapstructure:"use_external_validator"`
	DiffTruncationBytes  int           `mapstructure:"diff_truncation_bytes"`
	SyncDebounce         time.Duration `mapstructure:"sync_debounce"`
	StealthMode          bool          `mapstructure:"stealth_mode"`
	CompactionAge        time.Duration `mapstructure:"compaction_age"`
	MaxSubtasks          int           `mapstructure:"max_subtasks"`
}

type WorkflowsConfig struct {
	GlobalDir  string `mapstructure:"global_dir"`
	DefaultSet string `mapstructure:"default"` // workflow auto-activated on session start, empty = none
}

type AgentsConfig struct {
	MaxDepth        int           `mapstructure:"max_depth"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
	DefaultMaxTurns int           `mapstructure:"default_max_turns"`
	KillTimeout     time.Duration `mapstructure:"kill_timeout"`
	CloneRetention  time.Duration `mapstructure:"clone_retention"`
	StaleThreshold  time.Duration `mapstructure:"stale_threshold"`
	GlobalDir       string        `mapstructure:"global_dir"`
}

type LLMConfig struct {
	DefaultProvider string                    `mapstructure:"default_provider"`
	DefaultModel    string                    `mapstructure:"default_model"`
	Providers       map[string]ProviderConfig `mapstructure:"providers"`
}

type ProviderConfig struct {
	Type    string `mapstructure:"type"` // anthropic | openai
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

type Webhook struct {
	URL        string            `mapstructure:"url"`
	Events     []string          `mapstructure:"events"`
	RetryCount int               `mapstructure:"retry_count"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	CanBlock   bool              `mapstructure:"can_block"`
	Headers    map[string]string `mapstructure:"headers"`
}

type ConductorConfig struct {
	Autonomous  bool `mapstructure:"autonomous"`
	TokenBudget int  `mapstructure:"token_budget"`
	MaxParallel int  `mapstructure:"max_parallel"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Dir    string `mapstructure:"dir"`
	Stderr bool   `mapstructure:"stderr"`
}

// Home returns the gobby home directory (~/.gobby), creating it if missing.
func Home() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	dir := filepath.Join(home, ".gobby")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create gobby home: %w", err)
	}
	return dir, nil
}

func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("daemon.host", "127.0.0.1")
	v.SetDefault("daemon.port", 7133)
	v.SetDefault("store.path", filepath.Join(home, "gobby.db"))
	v.SetDefault("tasks.validation_enabled", true)
	v.SetDefault("tasks.max_validation_fails", 3)
	v.SetDefault("tasks.create_fix_subtask", true)
	v.SetDefault("tasks.diff_truncation_bytes", 200_000)
	v.SetDefault("tasks.sync_debounce", 5*time.Second)
	v.SetDefault("tasks.compaction_age", 30*24*time.Hour)
	v.SetDefault("tasks.max_subtasks", 10)
	v.SetDefault("workflows.global_dir", filepath.Join(home, "workflows"))
	v.SetDefault("agents.max_depth", 1)
	v.SetDefault("agents.poll_interval", 5*time.Second)
	v.SetDefault("agents.default_timeout", 30*time.Minute)
	v.SetDefault("agents.default_max_turns", 50)
	v.SetDefault("agents.kill_timeout", 5*time.Second)
	v.SetDefault("agents.clone_retention", 7*24*time.Hour)
	v.SetDefault("agents.stale_threshold", 48*time.Hour)
	v.SetDefault("agents.global_dir", filepath.Join(home, "agents"))
	v.SetDefault("llm.default_provider", "anthropic")
	v.SetDefault("conductor.autonomous", false)
	v.SetDefault("conductor.max_parallel", 2)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dir", filepath.Join(home, "logs"))
	v.SetDefault("logging.stderr", false)
}

// Load reads configuration from the standard locations. Same inputs always
// produce the same in-memory structures; no side channels.
func Load() (*Config, error) {
	home, err := Home()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, home)

	v.SetEnvPrefix("GOBBY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("conductor.autonomous", "GOBBY_CONDUCTOR_AUTONOMOUS")
	_ = v.BindEnv("conductor.token_budget", "GOBBY_TOKEN_BUDGET")

	if override := os.Getenv("GOBBY_CONFIG"); override != "" {
		v.SetConfigFile(override)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", override, err)
		}
	} else {
		for _, candidate := range []string{
			filepath.Join(".gobby", "config.yaml"),
			filepath.Join(home, "config.yaml"),
		} {
			if _, statErr := os.Stat(candidate); statErr == nil {
				v.SetConfigFile(candidate)
				if err := v.ReadInConfig(); err != nil {
					return nil, fmt.Errorf("read config %s: %w", candidate, err)
				}
				break
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Daemon.Port <= 0 || c.Daemon.Port > 65535 {
		return fmt.Errorf("daemon.port out of range: %d", c.Daemon.Port)
	}
	if c.Tasks.MaxValidationFails < 1 {
		return fmt.Errorf("tasks.max_validation_fails must be >= 1")
	}
	if c.Agents.MaxDepth < 1 {
		return fmt.Errorf("agents.max_depth must be >= 1")
	}
	for name, p := range c.LLM.Providers {
		switch p.Type {
		case "anthropic", "openai":
		default:
			return fmt.Errorf("llm.providers.%s: unknown type %q", name, p.Type)
		}
	}
	return nil
}

// BaseURL returns the daemon HTTP endpoint for CLI clients.
func (c *Config) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Daemon.Host, c.Daemon.Port)
}
