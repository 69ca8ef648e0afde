package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GOBBY_CONFIG", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Daemon.Host)
	assert.Equal(t, 7133, cfg.Daemon.Port)
	assert.Equal(t, 3, cfg.Tasks.MaxValidationFails)
	assert.Equal(t, 1, cfg.Agents.MaxDepth)
	assert.Equal(t, 5*time.Second, cfg.Agents.PollInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.Agents.CloneRetention)
	assert.False(t, cfg.Conductor.Autonomous)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GOBBY_CONDUCTOR_AUTONOMOUS", "true")
	t.Setenv("GOBBY_TOKEN_BUDGET", "50000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Conductor.Autonomous)
	assert.Equal(t, 50000, cfg.Conductor.TokenBudget)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := &Config{}
	cfg.Daemon.Port = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownProviderType(t *testing.T) {
	cfg := &Config{}
	cfg.Daemon.Port = 7133
	cfg.Tasks.MaxValidationFails = 3
	cfg.Agents.MaxDepth = 1
	cfg.LLM.Providers = map[string]ProviderConfig{
		"x": {Type: "mystery"},
	}
	assert.Error(t, cfg.Validate())
}
