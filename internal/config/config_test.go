package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Corphon/SceneBreakdown/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "breakdown.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BREAKDOWN_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "file", cfg.StorageBackend)
	assert.Equal(t, "anthropic", cfg.Primary.Name)
	assert.Greater(t, cfg.Pipeline.EpisodeBudgetCap, cfg.Pipeline.PerSceneBudgetCap)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeConfig(t, `
port: "9090"
storageBackend: sqlite
primary:
  name: openrouter
  model: some/model
secondary:
  name: google
pipeline:
  perSceneBudgetCap: 5000
  episodeBudgetCap: 40000
  fallbackBudget: 100
`)
	t.Setenv("PORT", "7070")
	t.Setenv("SECONDARY_MODEL", "gemini-2.0-flash")
	t.Setenv("EPISODE_BUDGET_CAP", "45000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, "sqlite", cfg.StorageBackend)
	assert.Equal(t, "openrouter", cfg.Primary.Name)
	assert.Equal(t, "gemini-2.0-flash", cfg.Secondary.Model)

	opts := cfg.Pipeline.Options()
	assert.Equal(t, 5000.0, opts.PerUnitCap)
	assert.Equal(t, 45000.0, opts.CollectionCap)
	assert.Equal(t, 100.0, opts.FallbackBudget)
}

func TestLoadDecryptsAPIKeys(t *testing.T) {
	t.Chdir(t.TempDir())
	sealed, err := utils.SealSetting("sk-live", "s3cret")
	require.NoError(t, err)

	t.Setenv("BREAKDOWN_SECRET", "s3cret")
	t.Setenv("PRIMARY_API_KEY", sealed)

	cfg, err := Load(writeConfig(t, "primary:\n  name: anthropic\n"))
	require.NoError(t, err)
	assert.Equal(t, "sk-live", cfg.Primary.APIKey)
	assert.Equal(t, "sk-live", cfg.Primary.ProviderSettings()["api_key"])
}

func TestValidateRejectsBadCaps(t *testing.T) {
	cases := map[string]func(c *Config){
		"zero per-scene cap":     func(c *Config) { c.Pipeline.PerSceneBudgetCap = 0 },
		"negative episode cap":   func(c *Config) { c.Pipeline.EpisodeBudgetCap = -1 },
		"episode below scene":    func(c *Config) { c.Pipeline.EpisodeBudgetCap = c.Pipeline.PerSceneBudgetCap - 1 },
		"fallback above cap":     func(c *Config) { c.Pipeline.FallbackBudget = c.Pipeline.PerSceneBudgetCap + 1 },
		"no primary provider":    func(c *Config) { c.Primary.Name = " " },
		"unknown storage engine": func(c *Config) { c.StorageBackend = "redis" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsBadEnvNumber(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PER_SCENE_BUDGET_CAP", "lots")
	_, err := Load(writeConfig(t, "port: \"1\"\n"))
	assert.Error(t, err)
}
