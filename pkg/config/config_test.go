package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jordanhubbard/autorun/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.HTTPPort != 8765 {
		t.Errorf("expected HTTP port 8765, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Store.Backend != "file" {
		t.Errorf("expected file store, got %s", cfg.Store.Backend)
	}
	if cfg.Store.Key != "autoRun" {
		t.Errorf("expected store key autoRun, got %s", cfg.Store.Key)
	}
	if cfg.MessageBus.Enabled {
		t.Error("expected message bus disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestDefaultAutoRunTimings(t *testing.T) {
	ar := DefaultAutoRunConfig()

	assert.Equal(t, 20*time.Second, ar.Cooldown)
	assert.Equal(t, 30*time.Second, ar.StartDelay)
	assert.Equal(t, []time.Duration{15 * time.Second, 30 * time.Second, 60 * time.Second}, ar.RetryBackoff)
	assert.Equal(t, 3, ar.StopRecoveryAttempts)
	assert.Equal(t, 60*time.Second, ar.StopRecoveryDelay)
	assert.Equal(t, 10*time.Minute, ar.ScanBlockedDelay)
	assert.Equal(t, 30*time.Minute, ar.ScanEligibleDelay)
	assert.Equal(t, 120*time.Second, ar.RewardsPoll)
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv("AUTORUN_TEST_PASSWORD", "hunter2")

	path := filepath.Join(t.TempDir(), "autorun.yaml")
	yamlData := `
server:
  http_port: 9999
backend:
  url: http://middleware:8000
  password: ${AUTORUN_TEST_PASSWORD}
auto_run:
  cooldown: 5s
  retry_backoff: [1s, 2s]
agents:
  - type: trader
    display_name: Trader
    service_public_id: valory/trader:0.1.0
    home_chain: gnosis
  - type: memeooorr
    service_public_id: dvilela/memeooorr:0.1.0
    home_chain: base
    required_env_vars: [TWEEPY_BEARER_TOKEN]
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0o600))

	cfg, err := LoadConfigFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "http://middleware:8000", cfg.Backend.URL)
	assert.Equal(t, "hunter2", cfg.Backend.Password)
	assert.Equal(t, 5*time.Second, cfg.AutoRun.Cooldown)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, cfg.AutoRun.RetryBackoff)
	// untouched fields keep their defaults
	assert.Equal(t, 30*time.Second, cfg.AutoRun.StartDelay)
	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, "Trader", cfg.Agents[0].Name())
	assert.Equal(t, "memeooorr", cfg.Agents[1].Name())
	assert.Equal(t, []string{"TWEEPY_BEARER_TOKEN"}, cfg.Agents[1].RequiredEnvVars)
}

func TestLoadConfigRejectsDuplicateAgents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autorun.yaml")
	yamlData := `
agents:
  - type: trader
  - type: trader
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0o600))

	_, err := LoadConfigFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate agent type")
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestConfiguredAgentsSkipsDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents = append(cfg.Agents,
		cfgAgent("a", false),
		cfgAgent("b", true),
		cfgAgent("c", false),
	)

	got := cfg.ConfiguredAgents()
	require.Len(t, got, 2)
	assert.Equal(t, "a", string(got[0].Type))
	assert.Equal(t, "c", string(got[1].Type))
}

func cfgAgent(agentType string, disabled bool) models.AgentConfig {
	return models.AgentConfig{Type: models.AgentType(agentType), Disabled: disabled}
}
