// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Corphon/SceneBreakdown/internal/breakdown"
	"github.com/Corphon/SceneBreakdown/internal/storage"
	"github.com/Corphon/SceneBreakdown/internal/utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 包含应用程序的所有配置
type Config struct {
	// 基础配置
	Port      string `yaml:"port"`
	DataDir   string `yaml:"dataDir"`
	LogDir    string `yaml:"logDir"`
	LogLevel  string `yaml:"logLevel"`
	DebugMode bool   `yaml:"debugMode"`

	// 存储后端: file | sqlite
	StorageBackend string `yaml:"storageBackend"`

	// 生成服务，按顺序尝试
	Primary   ProviderConfig `yaml:"primary"`
	Secondary ProviderConfig `yaml:"secondary"`

	// 响应缓存
	CacheEnabled    bool `yaml:"cacheEnabled"`
	CacheTTLMinutes int  `yaml:"cacheTtlMinutes"`

	Pipeline PipelineConfig `yaml:"pipeline"`

	// 批处理与 API
	BatchConcurrency int `yaml:"batchConcurrency"`
	RateLimitPerMin  int `yaml:"rateLimitPerMin"`
}

// ProviderConfig selects one registered generation backend.
type ProviderConfig struct {
	Name     string            `yaml:"name"`
	APIKey   string            `yaml:"apiKey"`
	Model    string            `yaml:"model"`
	BaseURL  string            `yaml:"baseUrl"`
	Settings map[string]string `yaml:"settings"`
}

// Enabled reports whether a provider name is configured.
func (p ProviderConfig) Enabled() bool {
	return strings.TrimSpace(p.Name) != ""
}

// ProviderSettings flattens the config into the map llm providers initialise from.
func (p ProviderConfig) ProviderSettings() map[string]string {
	out := make(map[string]string, len(p.Settings)+3)
	for k, v := range p.Settings {
		out[k] = v
	}
	if p.APIKey != "" {
		out["api_key"] = p.APIKey
	}
	if p.Model != "" {
		out["default_model"] = p.Model
	}
	if p.BaseURL != "" {
		out["base_url"] = p.BaseURL
	}
	return out
}

// PipelineConfig holds the breakdown tuning values. Budget caps are product
// decisions and are never hard-coded in the pipeline.
type PipelineConfig struct {
	PerSceneBudgetCap float64 `yaml:"perSceneBudgetCap"`
	EpisodeBudgetCap  float64 `yaml:"episodeBudgetCap"`
	FallbackBudget    float64 `yaml:"fallbackBudget"`
	MaxSceneChars     int     `yaml:"maxSceneChars"`
	Temperature       float64 `yaml:"temperature"`
	MaxTokens         int     `yaml:"maxTokens"`
	BackfillMaxTokens int     `yaml:"backfillMaxTokens"`
}

// Options converts the config section into pipeline options.
func (p PipelineConfig) Options() breakdown.Options {
	return breakdown.Options{
		PerUnitCap:        p.PerSceneBudgetCap,
		CollectionCap:     p.EpisodeBudgetCap,
		FallbackBudget:    p.FallbackBudget,
		MaxSceneChars:     p.MaxSceneChars,
		Temperature:       p.Temperature,
		MaxTokens:         p.MaxTokens,
		BackfillMaxTokens: p.BackfillMaxTokens,
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	opts := breakdown.DefaultOptions()
	return &Config{
		Port:           "8080",
		DataDir:        "data",
		LogDir:         "logs",
		LogLevel:       "info",
		StorageBackend: storage.BackendFile,
		Primary: ProviderConfig{
			Name: "anthropic",
		},
		CacheEnabled:    false,
		CacheTTLMinutes: 30,
		Pipeline: PipelineConfig{
			PerSceneBudgetCap: opts.PerUnitCap,
			EpisodeBudgetCap:  opts.CollectionCap,
			FallbackBudget:    opts.FallbackBudget,
			MaxSceneChars:     opts.MaxSceneChars,
			Temperature:       opts.Temperature,
			MaxTokens:         opts.MaxTokens,
			BackfillMaxTokens: opts.BackfillMaxTokens,
		},
		BatchConcurrency: 2,
		RateLimitPerMin:  60,
	}
}

// Load 加载配置：默认值 → YAML 文件 → 环境变量
//
// path may be empty; BREAKDOWN_CONFIG is consulted next. A missing .env file
// is not an error.
func Load(path string) (*Config, error) {
	// 尝试加载.env文件（可选）
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = os.Getenv("BREAKDOWN_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.revealSecrets(os.Getenv("BREAKDOWN_SECRET")); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.LogDir = getEnv("LOG_DIR", c.LogDir)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.DebugMode = getEnvBool("DEBUG_MODE", c.DebugMode)
	c.StorageBackend = getEnv("STORAGE_BACKEND", c.StorageBackend)

	c.Primary.Name = getEnv("PRIMARY_PROVIDER", c.Primary.Name)
	c.Primary.APIKey = getEnv("PRIMARY_API_KEY", c.Primary.APIKey)
	c.Primary.Model = getEnv("PRIMARY_MODEL", c.Primary.Model)
	c.Secondary.Name = getEnv("SECONDARY_PROVIDER", c.Secondary.Name)
	c.Secondary.APIKey = getEnv("SECONDARY_API_KEY", c.Secondary.APIKey)
	c.Secondary.Model = getEnv("SECONDARY_MODEL", c.Secondary.Model)

	var err error
	if c.Pipeline.PerSceneBudgetCap, err = getEnvFloat("PER_SCENE_BUDGET_CAP", c.Pipeline.PerSceneBudgetCap); err != nil {
		return err
	}
	if c.Pipeline.EpisodeBudgetCap, err = getEnvFloat("EPISODE_BUDGET_CAP", c.Pipeline.EpisodeBudgetCap); err != nil {
		return err
	}
	return nil
}

// revealSecrets decrypts "enc:" prefixed API keys.
func (c *Config) revealSecrets(secret string) error {
	for _, p := range []*ProviderConfig{&c.Primary, &c.Secondary} {
		key, err := utils.RevealSetting(p.APIKey, secret)
		if err != nil {
			return fmt.Errorf("decrypt api key for provider %q: %w", p.Name, err)
		}
		p.APIKey = key
	}
	return nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if !c.Primary.Enabled() {
		return fmt.Errorf("primary provider must be configured")
	}
	if c.Pipeline.PerSceneBudgetCap <= 0 {
		return fmt.Errorf("per-scene budget cap must be positive, got %v", c.Pipeline.PerSceneBudgetCap)
	}
	if c.Pipeline.EpisodeBudgetCap <= 0 {
		return fmt.Errorf("episode budget cap must be positive, got %v", c.Pipeline.EpisodeBudgetCap)
	}
	if c.Pipeline.EpisodeBudgetCap < c.Pipeline.PerSceneBudgetCap {
		return fmt.Errorf("episode budget cap (%v) is below per-scene cap (%v)",
			c.Pipeline.EpisodeBudgetCap, c.Pipeline.PerSceneBudgetCap)
	}
	if c.Pipeline.FallbackBudget < 0 || c.Pipeline.FallbackBudget > c.Pipeline.PerSceneBudgetCap {
		return fmt.Errorf("fallback budget must be within [0, %v]", c.Pipeline.PerSceneBudgetCap)
	}
	switch c.StorageBackend {
	case storage.BackendFile, storage.BackendSQLite:
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
	if c.BatchConcurrency < 1 {
		c.BatchConcurrency = 1
	}
	return nil
}

// EnsureDirs 确保数据与日志目录存在
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.LogDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// LogFile returns the server log path under LogDir.
func (c *Config) LogFile() string {
	if c.LogDir == "" {
		return ""
	}
	return filepath.Join(c.LogDir, "breakdown.log")
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
	return f, nil
}
