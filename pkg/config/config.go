// Package config loads and validates gateway configuration from a YAML file
// with environment variable overrides. Configuration is loaded once at
// startup and passed by reference; only the per-service enabled flag is
// mutable afterwards (via orchestrator admin endpoints).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the gateway and orchestrator.
type Config struct {
	Gateway      GatewayConfig   `yaml:"gateway"`
	Orchestrator FanoutConfig    `yaml:"orchestrator"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	Breaker      BreakerConfig   `yaml:"breaker"`
	Cache        CacheConfig     `yaml:"cache"`
	Chunker      ChunkerConfig   `yaml:"chunker"`
	LLM          LLMConfig       `yaml:"llm"`
	Services     []ServiceConfig `yaml:"services"`
}

// GatewayConfig holds the HTTP surface and storage settings.
type GatewayConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	OrchestratorURL string `yaml:"orchestrator_url"`
	DBPath          string `yaml:"db_path"`
	HistoryLimit    int    `yaml:"history_limit"` // turns of history fed to the assembler
}

// FanoutConfig controls the orchestrator's parallel dispatch.
type FanoutConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	MaxParallel    int           `yaml:"max_parallel"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// RateLimitConfig is the default outbound rate limit per service.
type RateLimitConfig struct {
	RequestsPerWindow int           `yaml:"requests_per_window"`
	WindowSeconds     int           `yaml:"window_seconds"`
	BurstSize         int           `yaml:"burst_size"`
	WaitTimeout       time.Duration `yaml:"wait_timeout"`
}

// BreakerConfig is the default circuit breaker tuning per service.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// CacheConfig tunes the multi-layer cache.
type CacheConfig struct {
	RedisURL  string        `yaml:"redis_url"`
	L1MaxSize int           `yaml:"l1_max_size"`
	L1TTL     time.Duration `yaml:"l1_ttl"`
	L2TTL     time.Duration `yaml:"l2_ttl"`
}

// ChunkerConfig tunes document splitting for LLM context fit.
type ChunkerConfig struct {
	MaxChunkSize    int    `yaml:"max_chunk_size"` // tokens
	MinChunkSize    int    `yaml:"min_chunk_size"`
	ChunkOverlap    int    `yaml:"chunk_overlap"`
	MaxChunksPerDoc int    `yaml:"max_chunks_per_doc"`
	Model           string `yaml:"model"` // model family for token estimation
}

// LLMConfig selects the completion provider used for routing and answers.
// The API key is resolved from the environment variable named by APIKeyEnv
// unless a per-user key arrives via settings.
type LLMConfig struct {
	Provider  string `yaml:"provider"` // anthropic, openai, ollama
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	OllamaURL string `yaml:"ollama_url"`
}

// ServiceConfig describes one integration service known to the orchestrator.
// Immutable after startup except for Enabled.
type ServiceConfig struct {
	Name     string        `yaml:"name"`
	BaseURL  string        `yaml:"base_url"`
	Enabled  bool          `yaml:"enabled"`
	Priority int           `yaml:"priority"` // lower = preferred
	Timeout  time.Duration `yaml:"timeout"`
	Keywords []string      `yaml:"keywords"`
}

// DefaultConfig returns the built-in configuration used when no file is
// provided. Service URLs follow the local development port layout.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ListenAddr:      ":8001",
			OrchestratorURL: "http://localhost:8002",
			DBPath:          "atlas.db",
			HistoryLimit:    5,
		},
		Orchestrator: FanoutConfig{
			ListenAddr:     ":8002",
			MaxParallel:    10,
			DefaultTimeout: 10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 100,
			WindowSeconds:     60,
			BurstSize:         10,
			WaitTimeout:       30 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 3,
			Timeout:          30 * time.Second,
		},
		Cache: CacheConfig{
			RedisURL:  "redis://localhost:6379",
			L1MaxSize: 500,
			L1TTL:     300 * time.Second,
			L2TTL:     3600 * time.Second,
		},
		Chunker: ChunkerConfig{
			MaxChunkSize:    512,
			MinChunkSize:    100,
			ChunkOverlap:    50,
			MaxChunksPerDoc: 20,
			Model:           "gpt-4",
		},
		LLM: LLMConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-20250514",
			APIKeyEnv: "ATLAS_LLM_API_KEY",
			OllamaURL: "http://localhost:11434",
		},
		Services: DefaultServices(),
	}
}

// DefaultServices returns the built-in integration service registry.
func DefaultServices() []ServiceConfig {
	return []ServiceConfig{
		{
			Name:     "confluence",
			BaseURL:  "http://localhost:8015",
			Enabled:  true,
			Priority: 1,
			Timeout:  10 * time.Second,
			Keywords: []string{"document", "wiki", "page", "documentation", "guide", "article"},
		},
		{
			Name:     "jira",
			BaseURL:  "http://localhost:8016",
			Enabled:  true,
			Priority: 1,
			Timeout:  10 * time.Second,
			Keywords: []string{"issue", "ticket", "bug", "task", "story", "epic", "sprint"},
		},
		{
			Name:     "slack",
			BaseURL:  "http://localhost:8010",
			Enabled:  true,
			Priority: 2,
			Timeout:  10 * time.Second,
			Keywords: []string{"message", "chat", "channel", "discussion", "conversation"},
		},
		{
			Name:     "github",
			BaseURL:  "http://localhost:8011",
			Enabled:  true,
			Priority: 2,
			Timeout:  10 * time.Second,
			Keywords: []string{"code", "repository", "commit", "pr", "pull request", "branch"},
		},
		{
			Name:     "web",
			BaseURL:  "http://localhost:8012",
			Enabled:  true,
			Priority: 5,
			Timeout:  10 * time.Second,
			Keywords: []string{"news", "current", "latest", "external"},
		},
	}
}

// Load reads configuration from the given path. An empty path returns the
// defaults. Values absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override connection points
// without editing the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ATLAS_REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
	}
	if v := os.Getenv("ATLAS_DB_PATH"); v != "" {
		cfg.Gateway.DBPath = v
	}
	if v := os.Getenv("ATLAS_ORCHESTRATOR_URL"); v != "" {
		cfg.Gateway.OrchestratorURL = v
	}
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		cfg.LLM.OllamaURL = v
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxParallel <= 0 {
		return fmt.Errorf("orchestrator.max_parallel must be positive, got %d", c.Orchestrator.MaxParallel)
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limit window must be positive")
	}
	if c.Chunker.MaxChunkSize < c.Chunker.MinChunkSize {
		return fmt.Errorf("chunker.max_chunk_size (%d) must be >= min_chunk_size (%d)",
			c.Chunker.MaxChunkSize, c.Chunker.MinChunkSize)
	}

	seen := make(map[string]bool, len(c.Services))
	for i := range c.Services {
		s := &c.Services[i]
		if s.Name == "" {
			return fmt.Errorf("services[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate service name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Timeout <= 0 {
			s.Timeout = c.Orchestrator.DefaultTimeout
		}
	}
	return nil
}

// ServiceByName returns the service config with the given name, or nil.
func (c *Config) ServiceByName(name string) *ServiceConfig {
	for i := range c.Services {
		if c.Services[i].Name == name {
			return &c.Services[i]
		}
	}
	return nil
}

// APIKey resolves the configured LLM API key from the environment.
func (c *LLMConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}
