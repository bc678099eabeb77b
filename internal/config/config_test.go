package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "deepseek-chat", cfg.LLM.Model)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
	assert.Equal(t, "sqlite", cfg.Storage.VectorBackend)
	assert.Equal(t, 3, cfg.Agent.MaxRounds)
	assert.Equal(t, 3, cfg.Agent.Concurrency)
	assert.Equal(t, 6, cfg.Agent.MaxSteps)
	assert.Equal(t, 5, cfg.Agent.HistoryRounds)
	assert.Equal(t, 0.7, cfg.Memory.CommitThreshold)
	assert.Equal(t, 50, cfg.Tools.GraphQueryLimit)
	assert.Equal(t, 8000, cfg.Server.Port)

	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "deepseek-chat", cfg.LLM.Model)
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
llm:
  model: test-model
  timeout: 30s
agent:
  max_rounds: 5
storage:
  graph_path: /tmp/g.db
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test-model", cfg.LLM.Model)
	assert.Equal(t, 30*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 5, cfg.Agent.MaxRounds)
	assert.Equal(t, "/tmp/g.db", cfg.Storage.GraphPath)
	// Untouched sections keep defaults.
	assert.Equal(t, 0.7, cfg.Memory.CommitThreshold)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  model: from-yaml\n"), 0o644))

	t.Setenv("LLM_MODEL", "from-env")
	t.Setenv("TOP_K", "9")
	t.Setenv("COMMIT_THRESHOLD", "0.5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.LLM.Model)
	assert.Equal(t, 9, cfg.Tools.TopK)
	assert.Equal(t, 0.5, cfg.Memory.CommitThreshold)
}

func TestReasoningLLMFallsBackToBase(t *testing.T) {
	t.Setenv("LLM_API_KEY", "sk-base")
	t.Setenv("LLM_MODEL", "base-model")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sk-base", cfg.ReasoningLLM.APIKey)
	assert.Equal(t, "base-model", cfg.ReasoningLLM.Model)
	assert.Equal(t, cfg.LLM.Timeout, cfg.ReasoningLLM.Timeout)
}

func TestReasoningLLMKeepsExplicitValues(t *testing.T) {
	t.Setenv("LLM_MODEL", "base-model")
	t.Setenv("REASONING_LLM_MODEL", "reasoner")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "reasoner", cfg.ReasoningLLM.Model)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero rounds", func(c *Config) { c.Agent.MaxRounds = 0 }},
		{"zero concurrency", func(c *Config) { c.Agent.Concurrency = 0 }},
		{"zero steps", func(c *Config) { c.Agent.MaxSteps = 0 }},
		{"threshold above one", func(c *Config) { c.Memory.CommitThreshold = 1.5 }},
		{"negative threshold", func(c *Config) { c.Memory.CommitThreshold = -0.1 }},
		{"zero graph limit", func(c *Config) { c.Tools.GraphQueryLimit = 0 }},
		{"unknown vector backend", func(c *Config) { c.Storage.VectorBackend = "redis" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
