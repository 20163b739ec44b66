package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"atlas/pkg/logx"
	"atlas/pkg/record"
)

// Jira searches issues through the Jira Cloud REST API using JQL full
// text matching.
type Jira struct {
	baseURL string
	email   string
	token   string
	logger  *logx.Logger
}

// NewJira creates the Jira adapter from Atlassian credentials.
func NewJira(creds Credentials) *Jira {
	return &Jira{
		baseURL: strings.TrimRight(creds.AtlassianBaseURL, "/"),
		email:   creds.AtlassianEmail,
		token:   creds.AtlassianToken,
		logger:  logx.NewLogger("jira"),
	}
}

// Name implements envelope.Backend.
func (j *Jira) Name() string {
	return record.SourceJira.String()
}

type jiraSearchResponse struct {
	Issues []struct {
		Key    string `json:"key"`
		Fields struct {
			Summary     string `json:"summary"`
			Description string `json:"description"`
			Status      struct {
				Name string `json:"name"`
			} `json:"status"`
			Assignee *struct {
				DisplayName string `json:"displayName"`
			} `json:"assignee"`
			Priority struct {
				Name string `json:"name"`
			} `json:"priority"`
		} `json:"fields"`
	} `json:"issues"`
}

// Search runs a JQL text search ordered by last update.
func (j *Jira) Search(ctx context.Context, q record.SearchQuery) ([]record.Record, error) {
	jql := fmt.Sprintf(`text ~ "%s" ORDER BY updated DESC`, escapeJQL(q.Query))

	body, err := json.Marshal(map[string]any{
		"jql":        jql,
		"maxResults": q.Limit,
		"fields":     []string{"summary", "description", "status", "assignee", "priority"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal jira search: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.baseURL+"/rest/api/2/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build jira request: %w", err)
	}
	req.SetBasicAuth(j.email, j.token)
	req.Header.Set("Content-Type", "application/json")

	var payload jiraSearchResponse
	if err := doJSON(j.Name(), req, &payload); err != nil {
		return nil, err
	}

	records := make([]record.Record, 0, len(payload.Issues))
	for _, issue := range payload.Issues {
		assignee := "Unassigned"
		if issue.Fields.Assignee != nil {
			assignee = issue.Fields.Assignee.DisplayName
		}
		records = append(records, record.Record{
			ID:      issue.Key,
			Title:   fmt.Sprintf("%s: %s", issue.Key, issue.Fields.Summary),
			Content: issue.Fields.Description,
			Source:  j.Name(),
			URL:     j.baseURL + "/browse/" + issue.Key,
			Metadata: map[string]any{
				"status":   issue.Fields.Status.Name,
				"assignee": assignee,
				"priority": issue.Fields.Priority.Name,
			},
		})
	}
	j.logger.Debug("jql search returned %d issues", len(records))
	return records, nil
}

// Ping verifies credentials against the myself endpoint.
func (j *Jira) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.baseURL+"/rest/api/2/myself", nil)
	if err != nil {
		return fmt.Errorf("build jira ping: %w", err)
	}
	req.SetBasicAuth(j.email, j.token)
	return doJSON(j.Name(), req, nil)
}

// escapeJQL guards the quoted JQL literal against breakout.
func escapeJQL(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
