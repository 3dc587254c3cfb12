package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 1, cfg.Pipeline.NodeReflexionRounds)
	assert.Equal(t, 1, cfg.Pipeline.ResolutionVotes)
	assert.Equal(t, 10, cfg.Pipeline.Concurrency)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, uint32(3), cfg.CircuitBreaker.MinRequests)
	assert.Contains(t, cfg.NLP.Models, "default")
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "chronograph.yaml")
	content := `
nlp:
  models:
    default:
      provider: anthropic
      model: claude-3-5-haiku-latest
    fast:
      provider: openai
      model: gpt-4o-mini
  router_rules:
    - stage: node_reflexion
      provider: fast
pipeline:
  resolution_votes: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("ANTHROPIC_API_KEY", "anthropic-key")
	t.Setenv("OPENAI_API_KEY", "openai-key")
	t.Setenv("MAX_REFLEXION_ITERATIONS", "4")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "anthropic-key", cfg.NLP.Models["default"].APIKey)
	assert.Equal(t, "openai-key", cfg.NLP.Models["fast"].APIKey)
	require.Len(t, cfg.NLP.RouterRules, 1)
	assert.Equal(t, "node_reflexion", cfg.NLP.RouterRules[0].Stage)
	assert.Equal(t, 3, cfg.Pipeline.ResolutionVotes)
	assert.Equal(t, 4, cfg.Pipeline.NodeReflexionRounds)
	assert.Equal(t, 4, cfg.Pipeline.EdgeReflexionRounds)
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SEMAPHORE_LIMIT=7\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("SEMAPHORE_LIMIT") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Pipeline.Concurrency)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero votes", func(c *Config) { c.Pipeline.ResolutionVotes = 0 }, true},
		{"negative rounds", func(c *Config) { c.Pipeline.EdgeReflexionRounds = -1 }, true},
		{"zero concurrency", func(c *Config) { c.Pipeline.Concurrency = 0 }, true},
		{"missing default provider", func(c *Config) {
			c.NLP.Models = map[string]NLPModelConfig{"fast": {Provider: "openai"}}
		}, true},
		{"rule without stage", func(c *Config) {
			c.NLP.RouterRules = []RouterRule{{Provider: "default"}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
