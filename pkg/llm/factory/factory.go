// Package factory constructs resilient LLM clients from configuration.
// It lives outside pkg/llm so provider subpackages can depend on the
// interface without an import cycle.
package factory

import (
	"fmt"

	"atlas/pkg/config"
	"atlas/pkg/llm"
	"atlas/pkg/llm/anthropic"
	"atlas/pkg/llm/ollama"
	"atlas/pkg/llm/openai"
)

// New creates a resilient client for the configured provider. apiKey
// overrides the environment-resolved key when non-empty (per-user keys
// from settings).
func New(cfg *config.LLMConfig, apiKey string) (llm.Client, error) {
	if apiKey == "" {
		apiKey = cfg.APIKey()
	}

	var base llm.Client
	switch cfg.Provider {
	case "anthropic":
		if apiKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key (set %s)", cfg.APIKeyEnv)
		}
		base = anthropic.New(apiKey, cfg.Model)
	case "openai":
		if apiKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key (set %s)", cfg.APIKeyEnv)
		}
		base = openai.New(apiKey, cfg.Model)
	case "ollama":
		base = ollama.New(cfg.OllamaURL, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}

	return llm.NewResilientClient(base), nil
}
