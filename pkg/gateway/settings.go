package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"atlas/pkg/record"
	"atlas/pkg/store"
)

// Settings is the per-user configuration posted by the client. LLM
// fields are required; each integration becomes enabled when its
// credential tuple is complete.
type Settings struct {
	LLMProvider string `json:"llm_provider"`
	LLMModel    string `json:"llm_model"`
	LLMAPIKey   string `json:"llm_api_key"`

	AtlassianDomain   string `json:"atlassian_domain,omitempty"`
	AtlassianEmail    string `json:"atlassian_email,omitempty"`
	AtlassianAPIToken string `json:"atlassian_api_token,omitempty"`

	SlackBotToken  string `json:"slack_bot_token,omitempty"`
	SlackUserToken string `json:"slack_user_token,omitempty"`
	GitHubToken    string `json:"github_token,omitempty"`

	EnableWebSearch bool `json:"enable_web_search"`
	UseStreaming    bool `json:"use_streaming"`
}

// Validate checks the required fields.
func (s *Settings) Validate() error {
	if s.LLMProvider == "" || s.LLMModel == "" {
		return fmt.Errorf("llm_provider and llm_model are required")
	}
	return nil
}

func (s *Settings) hasAtlassian() bool {
	return s.AtlassianDomain != "" && s.AtlassianEmail != "" && s.AtlassianAPIToken != ""
}

// EnabledServices derives the live service set from credentials. The
// Atlassian tuple enables both confluence and jira; web search is a
// plain toggle.
func (s *Settings) EnabledServices() []string {
	var services []string
	if s.hasAtlassian() {
		services = append(services, record.SourceConfluence.String(), record.SourceJira.String())
	}
	if s.SlackBotToken != "" {
		services = append(services, record.SourceSlack.String())
	}
	if s.GitHubToken != "" {
		services = append(services, record.SourceGitHub.String())
	}
	if s.EnableWebSearch {
		services = append(services, record.SourceWeb.String())
	}
	return services
}

// HasService reports whether the named service is enabled by these
// settings.
func (s *Settings) HasService(name string) bool {
	for _, svc := range s.EnabledServices() {
		if svc == name {
			return true
		}
	}
	return false
}

// ErrNotConfigured is returned when a user has no stored settings.
var ErrNotConfigured = errors.New("user settings not configured")

const settingsKeyPrefix = "settings:"

// SettingsStore persists per-user settings as JSON in the shared KV
// store. Upserts are idempotent.
type SettingsStore struct {
	db *store.Store
}

// NewSettingsStore wraps the store.
func NewSettingsStore(db *store.Store) *SettingsStore {
	return &SettingsStore{db: db}
}

// Save upserts one user's settings.
func (s *SettingsStore) Save(userID string, settings *Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return s.db.SetSetting(settingsKeyPrefix+userID, string(data))
}

// Load returns one user's settings, or ErrNotConfigured.
func (s *SettingsStore) Load(userID string) (*Settings, error) {
	raw, err := s.db.GetSetting(settingsKeyPrefix + userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, err
	}

	var settings Settings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return nil, fmt.Errorf("corrupt settings for %s: %w", userID, err)
	}
	return &settings, nil
}
