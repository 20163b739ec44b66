// Package adapters holds the vendor-specific backends hosted by the
// integration service runtime. Each adapter translates the uniform
// search contract into one vendor API and maps responses to the common
// record shape at the boundary; raw vendor payloads never leave this
// package.
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"atlas/pkg/envelope"
	"atlas/pkg/record"
)

// Credentials carries the per-vendor secrets an adapter needs.
type Credentials struct {
	// Atlassian (shared by jira and confluence).
	AtlassianBaseURL string
	AtlassianEmail   string
	AtlassianToken   string

	// Slack. Search requires a user token; the bot token is the
	// fallback and serves auth probes.
	SlackBotToken  string
	SlackUserToken string

	// GitHub.
	GitHubToken string
}

// New constructs the named adapter. Unknown names are an error; the
// caller owns the valid set.
func New(name string, creds Credentials) (envelope.Backend, error) {
	switch record.ParseSource(name) {
	case record.SourceJira:
		return NewJira(creds), nil
	case record.SourceConfluence:
		return NewConfluence(creds), nil
	case record.SourceSlack:
		return NewSlack(creds), nil
	case record.SourceGitHub:
		return NewGitHub(creds), nil
	case record.SourceWeb:
		return NewWeb(), nil
	default:
		return nil, fmt.Errorf("unknown adapter %q", name)
	}
}

// httpClient is shared by all adapters; per-call deadlines come from
// the caller's context.
//
//nolint:gochecknoglobals
var httpClient = &http.Client{Timeout: 30 * time.Second}

// getJSON performs one GET and decodes the JSON body into out. Non-2xx
// statuses become typed envelope errors so the runtime's retry and
// breaker policies apply.
func getJSON(ctx context.Context, service, url string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", service, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return doJSON(service, req, out)
}

func doJSON(service string, req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", service, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusTooManyRequests {
		return &envelope.RateLimitedError{Service: service, RetryAfter: retryAfterHint(resp)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512)) //nolint:errcheck
		return &envelope.UpstreamError{
			Service: service,
			Status:  resp.StatusCode,
			Body:    strings.TrimSpace(string(data)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &envelope.MalformedError{Service: service, Cause: err}
	}
	return nil
}

func retryAfterHint(resp *http.Response) time.Duration {
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// stopWords are dropped when condensing a natural language question
// into vendor search terms.
//
//nolint:gochecknoglobals
var stopWords = map[string]bool{
	"what": true, "is": true, "the": true, "status": true, "of": true,
	"a": true, "an": true, "for": true, "in": true, "on": true, "to": true,
	"how": true, "where": true, "when": true, "why": true, "can": true,
	"i": true, "get": true, "find": true, "show": true, "me": true,
	"about": true,
}

// condenseQuery strips stop words and short tokens; a query reduced to
// nothing is returned unchanged.
func condenseQuery(query string) string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if !stopWords[w] && len(w) > 2 {
			terms = append(terms, w)
		}
	}
	if len(terms) == 0 {
		return query
	}
	return strings.Join(terms, " ")
}

//nolint:gochecknoglobals
var excessBlankLines = regexp.MustCompile(`\n{3,}`)

func collapseBlankLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if t := strings.TrimSpace(l); t != "" {
			kept = append(kept, t)
		}
	}
	return strings.TrimSpace(excessBlankLines.ReplaceAllString(strings.Join(kept, "\n"), "\n\n"))
}

func truncate(s string, n int) string {
	return record.ClampBytes(s, n)
}
