// Package record defines the universal retrieved-document shape shared by
// every adapter, the orchestrator, and the RAG assembler.
package record

import (
	"fmt"
	"unicode/utf8"
)

// Source identifies an originating knowledge service.
type Source string

// Known sources, in default priority order (lower listed first).
const (
	SourceJira       Source = "jira"
	SourceConfluence Source = "confluence"
	SourceSlack      Source = "slack"
	SourceGitHub     Source = "github"
	SourceWeb        Source = "web"
	SourceUnknown    Source = "unknown"
)

// ParseSource maps a wire string to a Source tag. Unrecognized strings map
// to SourceUnknown rather than failing; adapters own their vendor strings.
func ParseSource(s string) Source {
	switch Source(s) {
	case SourceJira, SourceConfluence, SourceSlack, SourceGitHub, SourceWeb:
		return Source(s)
	default:
		return SourceUnknown
	}
}

func (s Source) String() string {
	return string(s)
}

// Record is the uniform retrieved-document shape. (Source, ID) uniquely
// identifies a record across the system; the ranker deduplicates on that
// compound key.
type Record struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Content  string         `json:"content"`
	Source   string         `json:"source"`
	URL      string         `json:"url,omitempty"`
	Score    float64        `json:"score,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Key returns the compound dedup key.
func (r *Record) Key() string {
	return fmt.Sprintf("%s:%s", r.Source, r.ID)
}

// SearchQuery is the uniform search request accepted by every integration
// service.
type SearchQuery struct {
	Query   string         `json:"query"`
	Limit   int            `json:"limit"`
	Filters map[string]any `json:"filters,omitempty"`
}

// DefaultLimit is applied when a SearchQuery arrives without one.
const DefaultLimit = 10

// Normalize fills in defaults.
func (q *SearchQuery) Normalize() {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
}

// ClampBytes trims s to at most limit bytes, stepping the cut back so it
// never lands inside a multi-byte UTF-8 rune.
func ClampBytes(s string, limit int) string {
	if limit >= len(s) {
		return s
	}
	if limit < 0 {
		limit = 0
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
