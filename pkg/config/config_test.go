package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "merge", cfg.Engine.ReorderPolicy)
	assert.Equal(t, 4, cfg.Pipeline.Contexts)
}

func TestLoadFromYAMLFile(t *testing.T) {
	content := `
engine:
  reorderPolicy: direct
  reorderPoolSize: 2048
  modPoolSize: 512
  idleTimeoutSec: 60
pipeline:
  contexts: 2
  queueCapacity: 500
rewrite:
  rules:
    - match: "cat"
      replace: "tiger"
logging:
  level: debug
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg := DefaultConfig()
	require.NoError(t, LoadFromFile(path, cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "direct", cfg.Engine.ReorderPolicy)
	assert.Equal(t, 2048, cfg.Engine.ReorderPoolSize)
	assert.Equal(t, 512, cfg.Engine.ModPoolSize)
	assert.Equal(t, 60, cfg.Engine.IdleTimeoutSec)
	assert.Equal(t, 2, cfg.Pipeline.Contexts)
	assert.Equal(t, 500, cfg.Pipeline.QueueCapacity)
	require.Len(t, cfg.Rewrite.Rules, 1)
	assert.Equal(t, "cat", cfg.Rewrite.Rules[0].Match)
	assert.Equal(t, "tiger", cfg.Rewrite.Rules[0].Replace)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFromJSONFile(t *testing.T) {
	content := `{"pipeline": {"contexts": 6, "queueCapacity": 200}}`
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg := DefaultConfig()
	require.NoError(t, LoadFromFile(path, cfg))
	assert.Equal(t, 6, cfg.Pipeline.Contexts)
	assert.Equal(t, 200, cfg.Pipeline.QueueCapacity)
	// Untouched sections keep their defaults.
	assert.Equal(t, 1024, cfg.Engine.ReorderPoolSize)
}

func TestLoadFromFileErrors(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, LoadFromFile("/nonexistent/config.yaml", cfg))

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0o644))
	assert.Error(t, LoadFromFile(path, cfg))
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TCPMBOX_REORDER_POLICY", "direct")
	t.Setenv("TCPMBOX_CONTEXTS", "3")
	t.Setenv("TCPMBOX_QUEUE_CAPACITY", "250")
	t.Setenv("TCPMBOX_LOG_LEVEL", "warn")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	assert.Equal(t, "direct", cfg.Engine.ReorderPolicy)
	assert.Equal(t, 3, cfg.Pipeline.Contexts)
	assert.Equal(t, 250, cfg.Pipeline.QueueCapacity)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad policy", func(c *Config) { c.Engine.ReorderPolicy = "random" }},
		{"zero reorder pool", func(c *Config) { c.Engine.ReorderPoolSize = 0 }},
		{"zero mod pool", func(c *Config) { c.Engine.ModPoolSize = 0 }},
		{"negative idle timeout", func(c *Config) { c.Engine.IdleTimeoutSec = -1 }},
		{"zero contexts", func(c *Config) { c.Pipeline.Contexts = 0 }},
		{"zero queue", func(c *Config) { c.Pipeline.QueueCapacity = 0 }},
		{"empty rule match", func(c *Config) { c.Rewrite.Rules = []ReplaceRule{{Match: "", Replace: "x"}} }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
