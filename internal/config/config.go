// Package config loads the service configuration through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider kinds understood by backend.New
const (
	KindOpenAI           = "openai"
	KindOpenAICompatible = "openai-compatible"
	KindGrok             = "grok"
	KindMiniMax          = "minimax"
	KindAnthropic        = "anthropic"
	KindOllama           = "ollama"
	KindGemini           = "gemini"
	KindEinoOpenAI       = "eino-openai"
)

// Tier names
const (
	TierSimple  = "simple"
	TierMedium  = "medium"
	TierComplex = "complex"
)

// Config holds application configuration
type Config struct {
	Server    ServerConfig              `mapstructure:"server" yaml:"server"`
	Log       LogConfig                 `mapstructure:"log" yaml:"log"`
	Telemetry TelemetryConfig           `mapstructure:"telemetry" yaml:"telemetry"`
	Storage   StorageConfig             `mapstructure:"storage" yaml:"storage"`
	Session   SessionConfig             `mapstructure:"session" yaml:"session"`
	Worker    WorkerConfig              `mapstructure:"worker" yaml:"worker"`
	Budget    BudgetConfig              `mapstructure:"budget" yaml:"budget"`
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	Tiers     map[string]TierConfig     `mapstructure:"tiers" yaml:"tiers"`
	Stages    map[string]string         `mapstructure:"stages" yaml:"stages"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LogConfig configures the slog handler
type LogConfig struct {
	Dir    string `mapstructure:"dir" yaml:"dir"`
	Debug  bool   `mapstructure:"debug" yaml:"debug"`
	Stderr bool   `mapstructure:"stderr" yaml:"stderr"`
}

// TelemetryConfig configures the OpenTelemetry exporters
type TelemetryConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Dir            string        `mapstructure:"dir" yaml:"dir"`
	ServiceName    string        `mapstructure:"service_name" yaml:"service_name"`
	MetricInterval time.Duration `mapstructure:"metric_interval" yaml:"metric_interval"`
}

// StorageConfig locates the artifact database
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// SessionConfig controls session retention
type SessionConfig struct {
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// WorkerConfig bounds background pipeline execution
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
	QueueSize   int `mapstructure:"queue_size" yaml:"queue_size"`
}

// BudgetConfig holds budgeter settings shared by all tiers
type BudgetConfig struct {
	MinPromptTokens int `mapstructure:"min_prompt_tokens" yaml:"min_prompt_tokens"`
}

// ProviderConfig describes one provider profile
type ProviderConfig struct {
	Kind              string        `mapstructure:"kind" yaml:"kind"`
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey            string        `mapstructure:"api_key" yaml:"-"`
	APIKeyEnv         string        `mapstructure:"api_key_env" yaml:"api_key_env,omitempty"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Cooldown          time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// TierConfig describes a complexity tier and its fallback chain
type TierConfig struct {
	Description   string       `mapstructure:"description" yaml:"description"`
	ContextTokens int          `mapstructure:"context_tokens" yaml:"context_tokens"`
	MaxTokens     int          `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature   float64      `mapstructure:"temperature" yaml:"temperature"`
	Chain         []ChainEntry `mapstructure:"chain" yaml:"chain"`
}

// ChainEntry is one (provider, model) step of a tier chain
type ChainEntry struct {
	Provider    string `mapstructure:"provider" yaml:"provider"`
	Model       string `mapstructure:"model" yaml:"model"`
	Description string `mapstructure:"description" yaml:"description"`
	Cost        string `mapstructure:"cost" yaml:"cost"`
	Speed       string `mapstructure:"speed" yaml:"speed"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	dataDir := defaultDataDir()

	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Dir: filepath.Join(dataDir, "logs"),
		},
		Telemetry: TelemetryConfig{
			Enabled:        true,
			Dir:            filepath.Join(dataDir, "telemetry"),
			ServiceName:    "snippetai",
			MetricInterval: time.Minute,
		},
		Storage: StorageConfig{
			Path: filepath.Join(dataDir, "artifacts.db"),
		},
		Session: SessionConfig{
			TTL:           2 * time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		Worker: WorkerConfig{
			Concurrency: 8,
			QueueSize:   64,
		},
		Budget: BudgetConfig{
			MinPromptTokens: 512,
		},
		Providers: map[string]ProviderConfig{
			"openai": {
				Kind:              KindOpenAI,
				BaseURL:           "https://api.openai.com/v1",
				APIKeyEnv:         "OPENAI_API_KEY",
				RequestsPerMinute: 60,
				Cooldown:          30 * time.Second,
				Timeout:           5 * time.Minute,
			},
			"anthropic": {
				Kind:              KindAnthropic,
				BaseURL:           "https://api.anthropic.com",
				APIKeyEnv:         "ANTHROPIC_API_KEY",
				RequestsPerMinute: 50,
				Cooldown:          30 * time.Second,
				Timeout:           5 * time.Minute,
			},
			"gemini": {
				Kind:              KindGemini,
				BaseURL:           "https://generativelanguage.googleapis.com/v1beta",
				APIKeyEnv:         "GEMINI_API_KEY",
				RequestsPerMinute: 60,
				Cooldown:          30 * time.Second,
				Timeout:           5 * time.Minute,
			},
			"minimax": {
				Kind:              KindMiniMax,
				BaseURL:           "https://openrouter.ai/api/v1",
				APIKeyEnv:         "MINIMAX_API_KEY",
				RequestsPerMinute: 20,
				Cooldown:          time.Minute,
				Timeout:           5 * time.Minute,
			},
			"grok": {
				Kind:              KindGrok,
				BaseURL:           "https://api.x.ai/v1",
				APIKeyEnv:         "GROK_API_KEY",
				RequestsPerMinute: 60,
				Cooldown:          30 * time.Second,
				Timeout:           5 * time.Minute,
			},
			"deepseek": {
				Kind:              KindEinoOpenAI,
				BaseURL:           "https://api.deepseek.com",
				APIKeyEnv:         "DEEPSEEK_API_KEY",
				RequestsPerMinute: 60,
				Cooldown:          30 * time.Second,
				Timeout:           5 * time.Minute,
			},
			"ollama": {
				Kind:     KindOllama,
				BaseURL:  "http://localhost:11434",
				Cooldown: 10 * time.Second,
				Timeout:  10 * time.Minute,
			},
		},
		Tiers: map[string]TierConfig{
			TierSimple: {
				Description:   "Fast models for explanations and short answers",
				ContextTokens: 4000,
				MaxTokens:     2048,
				Temperature:   0.3,
				Chain: []ChainEntry{
					{Provider: "gemini", Model: "gemini-2.5-flash", Description: "Fast model for code explanations", Cost: "low", Speed: "fast"},
					{Provider: "openai", Model: "gpt-4o-mini", Description: "Backup model for explanations", Cost: "low", Speed: "fast"},
					{Provider: "ollama", Model: "llama3:latest", Description: "Most cost-effective for explanations", Cost: "very_low", Speed: "very_fast"},
				},
			},
			TierMedium: {
				Description:   "Balanced models for everyday code generation",
				ContextTokens: 8000,
				MaxTokens:     4096,
				Temperature:   0.4,
				Chain: []ChainEntry{
					{Provider: "gemini", Model: "gemini-2.5-flash", Description: "High-reasoning model for complex code generation", Cost: "medium", Speed: "medium"},
					{Provider: "gemini", Model: "gemini-2.0-flash", Description: "Faster fallback model for code generation", Cost: "low", Speed: "fast"},
					{Provider: "minimax", Model: "minimax/minimax-m2:free", Description: "Most cost-effective model for basic code", Cost: "very_low", Speed: "very_fast"},
				},
			},
			TierComplex: {
				Description:   "High-reasoning models for multi-step solving",
				ContextTokens: 16000,
				MaxTokens:     8192,
				Temperature:   0.2,
				Chain: []ChainEntry{
					{Provider: "anthropic", Model: "claude-sonnet-4-20250514", Description: "High-reasoning model for multi-step solving", Cost: "high", Speed: "medium"},
					{Provider: "openai", Model: "gpt-4o", Description: "Alternate high-reasoning model", Cost: "high", Speed: "medium"},
					{Provider: "deepseek", Model: "deepseek-chat", Description: "Cost-effective reasoning fallback", Cost: "low", Speed: "medium"},
				},
			},
		},
		Stages: map[string]string{
			"code":         TierMedium,
			"explanation":  TierSimple,
			"architecture": TierComplex,
			"coder":        TierComplex,
			"tester":       TierMedium,
			"refiner":      TierComplex,
		},
	}
}

// Load reads configuration from path (or the default search locations when path is
// empty) and merges environment variables prefixed with SNIPPETAI_. A missing file
// is not an error; defaults apply.
func Load(path string) (*Config, error) {
	defaults := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(expandPath(path))
	} else {
		v.SetConfigName("snippetai")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "snippetai"))
		}
	}

	// Example: SNIPPETAI_SERVER_ADDR, SNIPPETAI_WORKER_CONCURRENCY
	v.SetEnvPrefix("SNIPPETAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, defaults)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := defaults
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Log.Dir = expandPath(cfg.Log.Dir)
	cfg.Telemetry.Dir = expandPath(cfg.Telemetry.Dir)
	cfg.Storage.Path = expandPath(cfg.Storage.Path)
	cfg.resolveCredentials(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers scalar defaults so env overrides reach them during Unmarshal
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("log.dir", d.Log.Dir)
	v.SetDefault("log.debug", d.Log.Debug)
	v.SetDefault("log.stderr", d.Log.Stderr)
	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.dir", d.Telemetry.Dir)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.metric_interval", d.Telemetry.MetricInterval)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("session.ttl", d.Session.TTL)
	v.SetDefault("session.sweep_interval", d.Session.SweepInterval)
	v.SetDefault("worker.concurrency", d.Worker.Concurrency)
	v.SetDefault("worker.queue_size", d.Worker.QueueSize)
	v.SetDefault("budget.min_prompt_tokens", d.Budget.MinPromptTokens)
}

// resolveCredentials fills API keys from the environment when the file leaves them empty
func (c *Config) resolveCredentials(getenv func(string) string) {
	for id, p := range c.Providers {
		if p.APIKey == "" && p.APIKeyEnv != "" {
			p.APIKey = getenv(p.APIKeyEnv)
			c.Providers[id] = p
		}
	}
}

// Validate checks the configuration for common errors and inconsistencies.
// Missing credentials are not checked here; they surface at first dispatch.
func (c *Config) Validate() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive")
	}
	if c.Worker.QueueSize < 0 {
		return fmt.Errorf("worker.queue_size cannot be negative")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.Budget.MinPromptTokens <= 0 {
		return fmt.Errorf("budget.min_prompt_tokens must be positive")
	}

	for id, p := range c.Providers {
		switch p.Kind {
		case KindOpenAI, KindOpenAICompatible, KindGrok, KindMiniMax, KindAnthropic, KindOllama, KindGemini, KindEinoOpenAI:
		default:
			return fmt.Errorf("provider '%s' has unknown kind '%s'", id, p.Kind)
		}
		if p.RequestsPerMinute < 0 {
			return fmt.Errorf("provider '%s' requests_per_minute cannot be negative", id)
		}
	}

	for _, name := range c.TierNames() {
		tier := c.Tiers[name]
		if tier.ContextTokens <= 0 {
			return fmt.Errorf("tier '%s' context_tokens must be positive", name)
		}
		for i, entry := range tier.Chain {
			if _, ok := c.Providers[entry.Provider]; !ok {
				return fmt.Errorf("tier '%s' chain entry %d references unknown provider '%s'", name, i, entry.Provider)
			}
			if entry.Model == "" {
				return fmt.Errorf("tier '%s' chain entry %d has no model", name, i)
			}
		}
	}

	for stage, tier := range c.Stages {
		if _, ok := c.Tiers[tier]; !ok {
			return fmt.Errorf("stage '%s' mapped to unknown tier '%s'", stage, tier)
		}
	}
	return nil
}

// TierNames returns the configured tier names in a stable order
func (c *Config) TierNames() []string {
	names := make([]string, 0, len(c.Tiers))
	for name := range c.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func defaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".snippetai"
	}
	return filepath.Join(homeDir, ".snippetai")
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
