package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"atlas/pkg/logx"
	"atlas/pkg/record"
)

// confluenceContentCap bounds page content before it leaves the
// adapter; the runtime's chunker applies the token-level bound.
const confluenceContentCap = 2000

// Confluence searches wiki pages through the Confluence Cloud CQL API.
type Confluence struct {
	baseURL string
	email   string
	token   string
	logger  *logx.Logger
}

// NewConfluence creates the Confluence adapter from Atlassian
// credentials.
func NewConfluence(creds Credentials) *Confluence {
	return &Confluence{
		baseURL: strings.TrimRight(creds.AtlassianBaseURL, "/"),
		email:   creds.AtlassianEmail,
		token:   creds.AtlassianToken,
		logger:  logx.NewLogger("confluence"),
	}
}

// Name implements envelope.Backend.
func (c *Confluence) Name() string {
	return record.SourceConfluence.String()
}

type confluenceSearchResponse struct {
	Results []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Body  struct {
			Storage struct {
				Value string `json:"value"`
			} `json:"storage"`
		} `json:"body"`
		Space struct {
			Key string `json:"key"`
		} `json:"space"`
		Version struct {
			When string `json:"when"`
		} `json:"version"`
	} `json:"results"`
}

// Search condenses the question into terms and runs a CQL text search
// ordered by last modification.
func (c *Confluence) Search(ctx context.Context, q record.SearchQuery) ([]record.Record, error) {
	cql := fmt.Sprintf(`text ~ "%s" ORDER BY lastmodified DESC`, escapeJQL(condenseQuery(q.Query)))
	c.logger.Debug("cql query: %s", cql)

	endpoint := c.baseURL + "/wiki/rest/api/content/search?" + url.Values{
		"cql":    {cql},
		"limit":  {strconv.Itoa(q.Limit)},
		"expand": {"body.storage,space,version"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build confluence request: %w", err)
	}
	req.SetBasicAuth(c.email, c.token)

	var payload confluenceSearchResponse
	if err := doJSON(c.Name(), req, &payload); err != nil {
		return nil, err
	}

	records := make([]record.Record, 0, len(payload.Results))
	for _, page := range payload.Results {
		records = append(records, record.Record{
			ID:      page.ID,
			Title:   page.Title,
			Content: truncate(stripHTML(page.Body.Storage.Value), confluenceContentCap),
			Source:  c.Name(),
			URL:     fmt.Sprintf("%s/wiki/spaces/%s/pages/%s", c.baseURL, page.Space.Key, page.ID),
			Metadata: map[string]any{
				"space":         page.Space.Key,
				"last_modified": page.Version.When,
			},
		})
	}
	c.logger.Debug("cql search returned %d pages", len(records))
	return records, nil
}

// Ping verifies credentials by listing one space.
func (c *Confluence) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/wiki/rest/api/space?limit=1", nil)
	if err != nil {
		return fmt.Errorf("build confluence ping: %w", err)
	}
	req.SetBasicAuth(c.email, c.token)
	return doJSON(c.Name(), req, nil)
}

// stripHTML flattens Confluence storage-format HTML into plain text
// suitable for LLM consumption. Script and style subtrees are dropped.
func stripHTML(markup string) string {
	if markup == "" {
		return ""
	}
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return markup
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "head", "meta", "link":
				return
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString("\n")
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)

	return collapseBlankLines(b.String())
}
