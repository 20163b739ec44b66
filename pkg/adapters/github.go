package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"atlas/pkg/logx"
	"atlas/pkg/record"
)

const githubAPIBase = "https://api.github.com"

// GitHub searches issues and pull requests through the GitHub search
// API. A token raises rate limits and reaches private repositories;
// the adapter works unauthenticated for public search.
type GitHub struct {
	token  string
	logger *logx.Logger
}

// NewGitHub creates the GitHub adapter.
func NewGitHub(creds Credentials) *GitHub {
	return &GitHub{
		token:  creds.GitHubToken,
		logger: logx.NewLogger("github"),
	}
}

// Name implements envelope.Backend.
func (g *GitHub) Name() string {
	return record.SourceGitHub.String()
}

func (g *GitHub) header() http.Header {
	h := http.Header{
		"Accept":     {"application/vnd.github.v3+json"},
		"User-Agent": {"atlas-integration"},
	}
	if g.token != "" {
		h.Set("Authorization", "token "+g.token)
	}
	return h
}

type githubSearchResponse struct {
	Items []struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		Body    string `json:"body"`
		HTMLURL string `json:"html_url"`
		State   string `json:"state"`
		RepoURL string `json:"repository_url"`
		User    struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"items"`
}

// Search runs an issue and pull request search ordered by last update.
func (g *GitHub) Search(ctx context.Context, q record.SearchQuery) ([]record.Record, error) {
	endpoint := githubAPIBase + "/search/issues?" + url.Values{
		"q":        {q.Query},
		"per_page": {strconv.Itoa(q.Limit)},
		"sort":     {"updated"},
	}.Encode()

	var payload githubSearchResponse
	if err := getJSON(ctx, g.Name(), endpoint, g.header(), &payload); err != nil {
		return nil, err
	}

	records := make([]record.Record, 0, len(payload.Items))
	for _, item := range payload.Items {
		records = append(records, record.Record{
			ID:      fmt.Sprintf("%s#%d", item.RepoURL, item.Number),
			Title:   item.Title,
			Content: item.Body,
			Source:  g.Name(),
			URL:     item.HTMLURL,
			Metadata: map[string]any{
				"state":  item.State,
				"author": item.User.Login,
				"number": item.Number,
			},
		})
	}
	g.logger.Debug("issue search returned %d items", len(records))
	return records, nil
}

// Ping checks API reachability via the rate limit endpoint, which
// never consumes search quota.
func (g *GitHub) Ping(ctx context.Context) error {
	return getJSON(ctx, g.Name(), githubAPIBase+"/rate_limit", g.header(), nil)
}
