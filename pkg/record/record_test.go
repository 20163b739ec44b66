package record

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestParseSource(t *testing.T) {
	if ParseSource("jira") != SourceJira {
		t.Error("jira did not parse")
	}
	if ParseSource("web") != SourceWeb {
		t.Error("web did not parse")
	}
	if ParseSource("gitlab") != SourceUnknown {
		t.Error("unrecognized source did not map to unknown")
	}
	if ParseSource("") != SourceUnknown {
		t.Error("empty source did not map to unknown")
	}
}

func TestRecordKey(t *testing.T) {
	r := Record{ID: "PROJ-42", Source: "jira"}
	if r.Key() != "jira:PROJ-42" {
		t.Errorf("key = %q", r.Key())
	}
}

func TestSearchQueryNormalize(t *testing.T) {
	q := SearchQuery{Query: "deploy"}
	q.Normalize()
	if q.Limit != DefaultLimit {
		t.Errorf("limit = %d, want %d", q.Limit, DefaultLimit)
	}

	q = SearchQuery{Query: "deploy", Limit: 3}
	q.Normalize()
	if q.Limit != 3 {
		t.Errorf("explicit limit overwritten: %d", q.Limit)
	}
}

func TestClampBytes(t *testing.T) {
	if got := ClampBytes("short", 10); got != "short" {
		t.Errorf("under-limit string changed: %q", got)
	}
	if got := ClampBytes("abcdef", 3); got != "abc" {
		t.Errorf("ascii clamp = %q", got)
	}
	// The limit lands inside the two-byte é; the cut steps back to the
	// previous rune boundary.
	if got := ClampBytes("héllo", 2); got != "h" {
		t.Errorf("multibyte clamp = %q", got)
	}
	if got := ClampBytes("日本語", -1); got != "" {
		t.Errorf("negative limit = %q", got)
	}

	clamped := ClampBytes(strings.Repeat("日", 40), 100)
	if !utf8.ValidString(clamped) {
		t.Errorf("clamp split a rune: %q", clamped)
	}
	if len(clamped) > 100 {
		t.Errorf("clamp exceeded limit: %d bytes", len(clamped))
	}
}
