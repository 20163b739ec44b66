package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
	if len(cfg.Services) != 5 {
		t.Errorf("services = %d", len(cfg.Services))
	}
}

func TestValidateRejectsDuplicateServices(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Services = append(cfg.Services, ServiceConfig{Name: "jira", Timeout: time.Second})
	if err := cfg.Validate(); err == nil {
		t.Error("duplicate service name accepted")
	}
}

func TestValidateRejectsMissingName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Services = append(cfg.Services, ServiceConfig{BaseURL: "http://x"})
	if err := cfg.Validate(); err == nil {
		t.Error("unnamed service accepted")
	}
}

func TestValidateRejectsBadFanout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Orchestrator.MaxParallel = 0
	if err := cfg.Validate(); err == nil {
		t.Error("max_parallel 0 accepted")
	}
}

func TestValidateRejectsChunkerInversion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Chunker.MaxChunkSize = 50
	cfg.Chunker.MinChunkSize = 100
	if err := cfg.Validate(); err == nil {
		t.Error("max < min accepted")
	}
}

func TestValidateFillsServiceTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Orchestrator.DefaultTimeout = 7 * time.Second
	cfg.Services = append(cfg.Services, ServiceConfig{Name: "custom"})
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := cfg.ServiceByName("custom").Timeout; got != 7*time.Second {
		t.Errorf("timeout = %v", got)
	}
}

func TestServiceByName(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ServiceByName("jira") == nil {
		t.Error("jira missing")
	}
	if cfg.ServiceByName("gitlab") != nil {
		t.Error("unknown service found")
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.ListenAddr != ":8001" {
		t.Errorf("listen addr = %q", cfg.Gateway.ListenAddr)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atlas.yaml")
	data := []byte(`
gateway:
  listen_addr: ":9999"
  history_limit: 3
orchestrator:
  max_parallel: 4
llm:
  provider: ollama
  model: llama3
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.ListenAddr != ":9999" || cfg.Gateway.HistoryLimit != 3 {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Orchestrator.MaxParallel != 4 {
		t.Errorf("max_parallel = %d", cfg.Orchestrator.MaxParallel)
	}
	if cfg.LLM.Provider != "ollama" {
		t.Errorf("provider = %q", cfg.LLM.Provider)
	}
	// Untouched sections keep their defaults.
	if cfg.RateLimit.RequestsPerWindow != 100 {
		t.Errorf("rate limit = %+v", cfg.RateLimit)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atlas.yaml")
	if err := os.WriteFile(path, []byte("orchestrator:\n  max_parallel: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("invalid config accepted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ATLAS_DB_PATH", "/tmp/override.db")
	t.Setenv("ATLAS_ORCHESTRATOR_URL", "http://orch:8002")
	t.Setenv("ATLAS_REDIS_URL", "redis://cache:6379")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.DBPath != "/tmp/override.db" {
		t.Errorf("db path = %q", cfg.Gateway.DBPath)
	}
	if cfg.Gateway.OrchestratorURL != "http://orch:8002" {
		t.Errorf("orchestrator url = %q", cfg.Gateway.OrchestratorURL)
	}
	if cfg.Cache.RedisURL != "redis://cache:6379" {
		t.Errorf("redis url = %q", cfg.Cache.RedisURL)
	}
}

func TestAPIKeyFromEnv(t *testing.T) {
	t.Setenv("ATLAS_LLM_API_KEY", "sk-test")

	llm := LLMConfig{APIKeyEnv: "ATLAS_LLM_API_KEY"}
	if got := llm.APIKey(); got != "sk-test" {
		t.Errorf("got %q", got)
	}
	if got := (&LLMConfig{}).APIKey(); got != "" {
		t.Errorf("empty env var name gave %q", got)
	}
}
