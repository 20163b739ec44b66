package adapters

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"atlas/pkg/envelope"
	"atlas/pkg/logx"
	"atlas/pkg/record"
)

const (
	duckduckgoEndpoint = "https://html.duckduckgo.com/html/"
	webUserAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

// Web searches the public web through the DuckDuckGo HTML endpoint. No
// credentials needed; results are always ranked last by the router.
type Web struct {
	logger *logx.Logger
}

// NewWeb creates the web search adapter.
func NewWeb() *Web {
	return &Web{logger: logx.NewLogger("web")}
}

// Name implements envelope.Backend.
func (w *Web) Name() string {
	return record.SourceWeb.String()
}

// Search scrapes the result list from the HTML search page.
func (w *Web) Search(ctx context.Context, q record.SearchQuery) ([]record.Record, error) {
	form := url.Values{"q": {q.Query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, duckduckgoEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build web search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", webUserAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web search request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &envelope.RateLimitedError{Service: w.Name()}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &envelope.UpstreamError{Service: w.Name(), Status: resp.StatusCode}
	}

	root, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse web search page: %w", err)
	}

	results := parseResults(root, q.Limit)
	w.logger.Debug("web search returned %d results", len(results))
	return results, nil
}

// Ping issues a trivial search to verify the endpoint answers.
func (w *Web) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, duckduckgoEndpoint, nil)
	if err != nil {
		return fmt.Errorf("build web ping: %w", err)
	}
	req.Header.Set("User-Agent", webUserAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("web ping: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return &envelope.UpstreamError{Service: w.Name(), Status: resp.StatusCode}
	}
	return nil
}

// parseResults walks the page for result blocks: a div with class
// "result" containing an anchor classed "result__a" (title + link) and
// optionally one classed "result__snippet".
func parseResults(root *html.Node, limit int) []record.Record {
	var out []record.Record

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(out) >= limit {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "result") {
			title, href := findAnchor(n, "result__a")
			snippet, _ := findAnchor(n, "result__snippet")
			if title != "" {
				out = append(out, record.Record{
					ID:      webResultID(href),
					Title:   title,
					Content: snippet,
					Source:  record.SourceWeb.String(),
					URL:     href,
				})
			}
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	return out
}

func hasClass(n *html.Node, class string) bool {
	for _, attr := range n.Attr {
		if attr.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(attr.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

// findAnchor returns the text and href of the first anchor with the
// given class under n.
func findAnchor(n *html.Node, class string) (text, href string) {
	var walk func(*html.Node) bool
	walk = func(node *html.Node) bool {
		if node.Type == html.ElementNode && node.Data == "a" && hasClass(node, class) {
			text = strings.TrimSpace(nodeText(node))
			for _, attr := range node.Attr {
				if attr.Key == "href" {
					href = attr.Val
				}
			}
			return true
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			if walk(child) {
				return true
			}
		}
		return false
	}
	walk(n)
	return text, href
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return b.String()
}

// webResultID derives a stable id from the result URL.
func webResultID(href string) string {
	sum := sha256.Sum256([]byte(href))
	return hex.EncodeToString(sum[:8])
}
