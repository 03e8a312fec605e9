package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Bus.Capacity)
	assert.Equal(t, 5*time.Minute, cfg.Bus.DefaultTTL)
	assert.Equal(t, 100, cfg.ContextStore.MaxHistory)
	assert.Equal(t, 10, cfg.Orchestrator.MaxConcurrentWorkflows)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Audit.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agenthub.yaml")
	data := `
bus:
  capacity: 64
orchestrator:
  max_concurrent_workflows: 3
  agent_capacities:
    code_engineer: 2
    test_agent: 4
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Bus.Capacity)
	assert.Equal(t, 3, cfg.Orchestrator.MaxConcurrentWorkflows)
	assert.Equal(t, 2, cfg.Orchestrator.AgentCapacities["code_engineer"])
	assert.Equal(t, 4, cfg.Orchestrator.AgentCapacities["test_agent"])
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("AGENTHUB_BUS_CAPACITY", "42")
	t.Setenv("AGENTHUB_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Bus.Capacity)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero bus capacity", func(c *Config) { c.Bus.Capacity = 0 }},
		{"zero history", func(c *Config) { c.ContextStore.MaxHistory = 0 }},
		{"zero workflows", func(c *Config) { c.Orchestrator.MaxConcurrentWorkflows = 0 }},
		{"negative capacity", func(c *Config) {
			c.Orchestrator.AgentCapacities = map[string]int{"code_engineer": -1}
		}},
		{"audit without dsn", func(c *Config) { c.Audit.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func validConfig() *Config {
	return &Config{
		Bus:          BusConfig{Capacity: 100},
		ContextStore: ContextStoreConfig{MaxHistory: 10},
		Orchestrator: OrchestratorConfig{MaxConcurrentWorkflows: 5},
	}
}

func TestManagerLoadsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduling.yaml")
	require.NoError(t, os.WriteFile(path, []byte("preemption_gap: 1\n"), 0o644))

	m, err := NewManager(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer func() { _ = m.Stop() }()

	vals, ok := m.Values("scheduling.yaml")
	require.True(t, ok)
	assert.Equal(t, 1, vals["preemption_gap"])

	changed := make(chan ChangeEvent, 4)
	m.OnChange("scheduling.yaml", func(ev ChangeEvent) error {
		changed <- ev
		return nil
	})

	require.NoError(t, os.WriteFile(path, []byte("preemption_gap: 2\n"), 0o644))
	select {
	case ev := <-changed:
		assert.Equal(t, 2, ev.Values["preemption_gap"])
	case <-time.After(3 * time.Second):
		t.Fatal("change handler not invoked")
	}
}

func TestManagerValidatorRejectsBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduling.yaml")
	require.NoError(t, os.WriteFile(path, []byte("preemption_gap: 1\n"), 0o644))

	m, err := NewManager(dir, zap.NewNop())
	require.NoError(t, err)
	m.SetValidator("scheduling.yaml", func(values map[string]interface{}) error {
		if _, ok := values["preemption_gap"]; !ok {
			return errors.New("preemption_gap required")
		}
		return nil
	})
	require.NoError(t, m.Start())
	defer func() { _ = m.Stop() }()

	// A reload that fails validation keeps the previous values.
	require.NoError(t, os.WriteFile(path, []byte("other_key: 1\n"), 0o644))
	assert.Error(t, m.Reload("scheduling.yaml"))

	vals, ok := m.Values("scheduling.yaml")
	require.True(t, ok)
	assert.Equal(t, 1, vals["preemption_gap"])
}

func TestManagerRequiresDirectory(t *testing.T) {
	_, err := NewManager("", zap.NewNop())
	assert.Error(t, err)
}
