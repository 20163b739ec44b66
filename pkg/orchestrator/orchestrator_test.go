package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"atlas/pkg/config"
	"atlas/pkg/record"
)

func fanoutConfig(services ...config.ServiceConfig) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Services = services
	cfg.RateLimit = config.RateLimitConfig{
		RequestsPerWindow: 1000,
		WindowSeconds:     60,
		BurstSize:         100,
		WaitTimeout:       2 * time.Second,
	}
	cfg.Breaker = config.BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	}
	return cfg
}

func svcConfig(name, baseURL string, priority int, keywords ...string) config.ServiceConfig {
	return config.ServiceConfig{
		Name:     name,
		BaseURL:  baseURL,
		Enabled:  true,
		Priority: priority,
		Timeout:  2 * time.Second,
		Keywords: keywords,
	}
}

func integrationStub(records []record.Record) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"results": records}) //nolint:errcheck
		case "/health":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestSelectServicesKeywordMatch(t *testing.T) {
	o := New(fanoutConfig(
		svcConfig("confluence", "http://x", 1, "document", "wiki"),
		svcConfig("jira", "http://x", 1, "ticket", "bug"),
		svcConfig("slack", "http://x", 2, "message"),
	), nil, nil)

	got := o.SelectServices("find the wiki page about onboarding", nil)
	if len(got) != 1 || got[0] != "confluence" {
		t.Errorf("selected = %v", got)
	}
}

func TestSelectServicesPriorityOrder(t *testing.T) {
	o := New(fanoutConfig(
		svcConfig("slack", "http://x", 2, "deploy"),
		svcConfig("jira", "http://x", 1, "deploy"),
	), nil, nil)

	got := o.SelectServices("deploy checklist", nil)
	if len(got) != 2 {
		t.Fatalf("selected = %v", got)
	}
	if got[0] != "jira" {
		t.Errorf("priority order wrong: %v", got)
	}
}

func TestSelectServicesFallback(t *testing.T) {
	o := New(fanoutConfig(
		svcConfig("confluence", "http://x", 1, "wiki"),
		svcConfig("jira", "http://x", 1, "ticket"),
		svcConfig("slack", "http://x", 2, "message"),
	), nil, nil)

	got := o.SelectServices("completely unrelated phrase", nil)
	if len(got) != 3 {
		t.Errorf("fallback selected = %v", got)
	}
}

func TestSelectServicesExplicitFiltered(t *testing.T) {
	cfg := fanoutConfig(
		svcConfig("jira", "http://x", 1, "ticket"),
		svcConfig("slack", "http://x", 2, "message"),
	)
	o := New(cfg, nil, nil)
	o.SetServiceEnabled("slack", false)

	got := o.SelectServices("anything", []string{"slack", "jira", "nonexistent"})
	if len(got) != 1 || got[0] != "jira" {
		t.Errorf("selected = %v", got)
	}
}

func TestSelectServicesSkipsDisabled(t *testing.T) {
	o := New(fanoutConfig(
		svcConfig("jira", "http://x", 1, "ticket"),
		svcConfig("slack", "http://x", 2, "ticket"),
	), nil, nil)
	o.SetServiceEnabled("slack", false)

	got := o.SelectServices("ticket triage", nil)
	if len(got) != 1 || got[0] != "jira" {
		t.Errorf("selected = %v", got)
	}
}

func TestRankScoring(t *testing.T) {
	o := New(fanoutConfig(
		svcConfig("jira", "http://x", 1, "ticket"),
		svcConfig("web", "http://x", 5, "news"),
	), nil, nil)

	records := []record.Record{
		{ID: "w", Source: "web", Title: "deploy", Content: "deploy"},
		{ID: "j", Source: "jira", Title: "deploy", Content: "deploy"},
	}

	ranked := o.Rank(records, "deploy")
	if len(ranked) != 2 {
		t.Fatalf("ranked = %d", len(ranked))
	}
	// Same term hits; jira wins on the priority bonus (5-1 vs 5-5).
	if ranked[0].ID != "j" {
		t.Errorf("first = %s", ranked[0].ID)
	}
	if ranked[0].Score != 2+1+4 {
		t.Errorf("score = %.1f", ranked[0].Score)
	}
}

func TestRankDeduplicates(t *testing.T) {
	o := New(fanoutConfig(svcConfig("jira", "http://x", 1)), nil, nil)

	records := []record.Record{
		{ID: "1", Source: "jira", Title: "first"},
		{ID: "1", Source: "jira", Title: "duplicate"},
		{ID: "1", Source: "confluence", Title: "different source"},
	}

	ranked := o.Rank(records, "")
	if len(ranked) != 2 {
		t.Fatalf("ranked = %d, want duplicates collapsed", len(ranked))
	}
}

func TestRankDeterministic(t *testing.T) {
	o := New(fanoutConfig(svcConfig("jira", "http://x", 1)), nil, nil)
	records := []record.Record{
		{ID: "a", Source: "jira", Title: "tie"},
		{ID: "b", Source: "jira", Title: "tie"},
	}

	first := o.Rank(append([]record.Record(nil), records...), "tie")
	second := o.Rank(append([]record.Record(nil), records...), "tie")
	if first[0].ID != second[0].ID {
		t.Error("tie order not stable")
	}
	if first[0].ID != "a" {
		t.Errorf("tie broke input order: %s first", first[0].ID)
	}
}

func TestSearchAggregates(t *testing.T) {
	jiraSrv := integrationStub([]record.Record{{ID: "J-1", Title: "deploy ticket"}})
	defer jiraSrv.Close()
	confSrv := integrationStub([]record.Record{{ID: "c1", Title: "deploy page"}})
	defer confSrv.Close()

	o := New(fanoutConfig(
		svcConfig("jira", jiraSrv.URL, 1, "deploy"),
		svcConfig("confluence", confSrv.URL, 1, "deploy"),
	), nil, nil)

	resp, err := o.Search(context.Background(), Query{Query: "deploy"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Errorf("results = %d", len(resp.Results))
	}
	if len(resp.SourcesQueried) != 2 {
		t.Errorf("queried = %v", resp.SourcesQueried)
	}
	if len(resp.SourcesResponded) != 2 {
		t.Errorf("responded = %v", resp.SourcesResponded)
	}

	// Source backfill happens before ranking.
	for _, r := range resp.Results {
		if r.Source == "" {
			t.Errorf("record %s missing source", r.ID)
		}
	}
}

func TestSearchToleratesFailedService(t *testing.T) {
	okSrv := integrationStub([]record.Record{{ID: "1", Title: "hit"}})
	defer okSrv.Close()
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusBadRequest)
	}))
	defer badSrv.Close()

	o := New(fanoutConfig(
		svcConfig("jira", okSrv.URL, 1, "hit"),
		svcConfig("slack", badSrv.URL, 2, "hit"),
	), nil, nil)

	resp, err := o.Search(context.Background(), Query{Query: "hit"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Errorf("results = %d", len(resp.Results))
	}
	if len(resp.SourcesResponded) != 1 || resp.SourcesResponded[0] != "jira" {
		t.Errorf("responded = %v", resp.SourcesResponded)
	}
}

func TestSearchUsesSourceQueries(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var q record.SearchQuery
		_ = json.NewDecoder(r.Body).Decode(&q) //nolint:errcheck
		gotQuery = q.Query
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []record.Record{}}) //nolint:errcheck
	}))
	defer srv.Close()

	o := New(fanoutConfig(svcConfig("jira", srv.URL, 1)), nil, nil)

	_, err := o.Search(context.Background(), Query{
		Query:         "raw user question",
		Services:      []string{"jira"},
		SourceQueries: map[string]string{"jira": "optimized jql terms"},
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if gotQuery != "optimized jql terms" {
		t.Errorf("service saw query %q", gotQuery)
	}
}

func TestSearchStripsMetadataUnlessRequested(t *testing.T) {
	srv := integrationStub([]record.Record{
		{ID: "1", Title: "t", Metadata: map[string]any{"status": "open"}},
	})
	defer srv.Close()

	o := New(fanoutConfig(svcConfig("jira", srv.URL, 1)), nil, nil)

	resp, err := o.Search(context.Background(), Query{Query: "t", Services: []string{"jira"}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.Results[0].Metadata != nil {
		t.Error("metadata kept without include_metadata")
	}

	resp, err = o.Search(context.Background(), Query{Query: "t", Services: []string{"jira"}, IncludeMetadata: true})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.Results[0].Metadata == nil {
		t.Error("metadata stripped despite include_metadata")
	}
}

func TestSearchAppliesLimit(t *testing.T) {
	var many []record.Record
	for i := 0; i < 20; i++ {
		many = append(many, record.Record{ID: string(rune('a' + i)), Title: "hit"})
	}
	srv := integrationStub(many)
	defer srv.Close()

	o := New(fanoutConfig(svcConfig("jira", srv.URL, 1)), nil, nil)

	resp, err := o.Search(context.Background(), Query{Query: "hit", Limit: 5, Services: []string{"jira"}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) != 5 {
		t.Errorf("results = %d, want limit applied", len(resp.Results))
	}
}

func TestStreamSearchProtocol(t *testing.T) {
	okSrv := integrationStub([]record.Record{{ID: "1", Title: "hit"}})
	defer okSrv.Close()
	emptySrv := integrationStub(nil)
	defer emptySrv.Close()

	o := New(fanoutConfig(
		svcConfig("jira", okSrv.URL, 1, "hit"),
		svcConfig("confluence", emptySrv.URL, 1, "hit"),
	), nil, nil)

	var events []StreamEvent
	err := o.StreamSearch(context.Background(), Query{Query: "hit"}, func(ev StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	if len(events) != 4 {
		t.Fatalf("events = %d: %+v", len(events), events)
	}
	if events[0].Type != EventStart || len(events[0].Services) != 2 {
		t.Errorf("first event = %+v", events[0])
	}
	if events[len(events)-1].Type != EventDone {
		t.Errorf("last event = %+v", events[len(events)-1])
	}

	types := map[string]int{}
	for _, ev := range events[1 : len(events)-1] {
		types[ev.Type]++
	}
	if types[EventResults] != 1 || types[EventNoResults] != 1 {
		t.Errorf("middle events = %v", types)
	}

	done := events[len(events)-1]
	if done.TotalResults != 1 || len(done.TopResults) != 1 {
		t.Errorf("done event = %+v", done)
	}
}

func TestStreamSearchEmitErrorCancels(t *testing.T) {
	srv := integrationStub([]record.Record{{ID: "1"}})
	defer srv.Close()

	o := New(fanoutConfig(svcConfig("jira", srv.URL, 1, "hit")), nil, nil)

	calls := 0
	err := o.StreamSearch(context.Background(), Query{Query: "hit"}, func(_ StreamEvent) error {
		calls++
		return context.Canceled
	})
	if err == nil {
		t.Fatal("emit error not propagated")
	}
	if calls != 1 {
		t.Errorf("emit called %d times after failure", calls)
	}
}

func TestServicesStatus(t *testing.T) {
	o := New(fanoutConfig(
		svcConfig("jira", "http://x", 1, "ticket"),
		svcConfig("slack", "http://y", 2, "message"),
	), nil, nil)

	status := o.ServicesStatus()
	if len(status) != 2 {
		t.Fatalf("status entries = %d", len(status))
	}
	js := status["jira"]
	if !js.Enabled || js.URL != "http://x" || js.Priority != 1 {
		t.Errorf("jira status = %+v", js)
	}
	if js.Status != StatusUnknown {
		t.Errorf("unprobed status = %s", js.Status)
	}
}

func TestSetServiceEnabled(t *testing.T) {
	o := New(fanoutConfig(svcConfig("jira", "http://x", 1)), nil, nil)

	if !o.SetServiceEnabled("jira", false) {
		t.Error("toggle of known service failed")
	}
	if o.HasEnabledService("jira") {
		t.Error("service still enabled after disable")
	}
	if o.SetServiceEnabled("nope", true) {
		t.Error("toggle of unknown service succeeded")
	}
}

func TestRefreshHealth(t *testing.T) {
	healthy := integrationStub(nil)
	defer healthy.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusInternalServerError)
	}))
	defer down.Close()

	o := New(fanoutConfig(
		svcConfig("jira", healthy.URL, 1),
		svcConfig("slack", down.URL, 2),
	), nil, nil)

	o.RefreshHealth(context.Background())

	status := o.ServicesStatus()
	if status["jira"].Status != StatusHealthy {
		t.Errorf("jira status = %s", status["jira"].Status)
	}
	if status["slack"].Status != StatusUnhealthy {
		t.Errorf("slack status = %s", status["slack"].Status)
	}
}
