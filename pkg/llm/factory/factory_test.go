package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/pkg/config"
)

func TestNewOllamaNeedsNoKey(t *testing.T) {
	cfg := &config.LLMConfig{Provider: "ollama", Model: "llama3", OllamaURL: "http://localhost:11434"}

	client, err := New(cfg, "")
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, "llama3", client.ModelName())
}

func TestNewHostedProvidersRequireKey(t *testing.T) {
	tests := []struct {
		name     string
		provider string
	}{
		{name: "anthropic without key", provider: "anthropic"},
		{name: "openai without key", provider: "openai"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.LLMConfig{Provider: tt.provider, Model: "m", APIKeyEnv: "ATLAS_TEST_UNSET_KEY"}
			_, err := New(cfg, "")
			assert.Error(t, err)
		})
	}
}

func TestNewWithExplicitKey(t *testing.T) {
	cfg := &config.LLMConfig{Provider: "anthropic", Model: "claude-sonnet-4-20250514"}

	client, err := New(cfg, "sk-per-user")
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-20250514", client.ModelName())
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(&config.LLMConfig{Provider: "bedrock"}, "key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown llm provider")
}
