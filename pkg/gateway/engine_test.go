package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"atlas/pkg/config"
	"atlas/pkg/record"
	"atlas/pkg/router"
	"atlas/pkg/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	db := openTestDB(t)
	cfg := config.DefaultConfig()
	orch := NewOrchestratorClient("http://127.0.0.1:1") // unreachable; client degrades to empty results
	return NewEngine(cfg, db, orch, nil), db
}

// ollamaSettings builds without API keys or network calls.
func ollamaSettings() *Settings {
	return &Settings{
		LLMProvider:       "ollama",
		LLMModel:          "llama3",
		AtlassianDomain:   "https://example.atlassian.net",
		AtlassianEmail:    "dev@example.com",
		AtlassianAPIToken: "tok",
	}
}

func TestSelectServicesIntersection(t *testing.T) {
	e, _ := newTestEngine(t)

	settings := &Settings{
		LLMProvider:       "ollama",
		LLMModel:          "llama3",
		AtlassianDomain:   "https://x",
		AtlassianEmail:    "e",
		AtlassianAPIToken: "t",
		EnableWebSearch:   true,
	}
	analysis := &router.Analysis{
		Sources: []record.Source{record.SourceJira, record.SourceSlack, record.SourceWeb},
	}

	got := e.selectServices(analysis, settings)
	// Slack is not enabled; router order (web last) is preserved.
	if len(got) != 2 || got[0] != "jira" || got[1] != "web" {
		t.Errorf("selected = %v", got)
	}
}

func TestSelectServicesEmptyIntersectionFallsBack(t *testing.T) {
	e, _ := newTestEngine(t)

	settings := &Settings{LLMProvider: "ollama", LLMModel: "llama3", SlackBotToken: "xoxb"}
	analysis := &router.Analysis{Sources: []record.Source{record.SourceJira}}

	got := e.selectServices(analysis, settings)
	if len(got) != 1 || got[0] != "slack" {
		t.Errorf("selected = %v, want everything enabled", got)
	}
}

func TestBuildLLMReusesClient(t *testing.T) {
	e, _ := newTestEngine(t)

	s := ollamaSettings()
	first, err := e.buildLLM(s)
	if err != nil {
		t.Fatalf("build llm: %v", err)
	}
	second, err := e.buildLLM(s)
	if err != nil {
		t.Fatalf("build llm: %v", err)
	}
	// Repeat requests with the same provider, model, and key share one
	// client so its failure history carries over between turns.
	if first != second {
		t.Error("same settings produced distinct clients")
	}

	other := ollamaSettings()
	other.LLMModel = "phi4:latest"
	third, err := e.buildLLM(other)
	if err != nil {
		t.Fatalf("build llm: %v", err)
	}
	if third == first {
		t.Error("different model shares a client")
	}
}

func TestChatUnconfiguredUser(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Chat(context.Background(), "nobody", "sess", "hello")
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v", err)
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.settings.Save("u", ollamaSettings()); err != nil {
		t.Fatal(err)
	}

	_, err := e.Chat(context.Background(), "u", "sess", "   ")
	var invalid *InvalidInputError
	if !errors.As(err, &invalid) {
		t.Errorf("err = %v, want InvalidInputError", err)
	}
}

func TestChatRequiresSetupForMissingSlack(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.settings.Save("u", ollamaSettings()); err != nil {
		t.Fatal(err)
	}

	// Pattern-routed to team_communication, which requires slack; the
	// stored settings have no slack token.
	res, err := e.Chat(context.Background(), "u", "sess", "was there a slack thread about the outage?")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !res.RequiresSetup {
		t.Fatal("requires_setup not set")
	}
	if res.Response == "" {
		t.Error("empty setup message")
	}
	if res.Sources == nil || res.Context == nil {
		t.Error("setup result carries nil slices")
	}
}

func TestChatStreamSetupEnvelope(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.settings.Save("u", ollamaSettings()); err != nil {
		t.Fatal(err)
	}

	var events []Event
	err := e.ChatStream(context.Background(), "u", "sess", "was there a slack thread about the outage?",
		func(ev Event) error {
			events = append(events, ev)
			return nil
		})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Type != EventStart {
		t.Errorf("first = %s", events[0].Type)
	}
	if events[1].Type != EventChunk || events[1].Text == "" {
		t.Errorf("second = %+v", events[1])
	}
	if events[2].Type != EventDone {
		t.Errorf("last = %s", events[2].Type)
	}
}

func TestChatStreamUnconfiguredUser(t *testing.T) {
	e, _ := newTestEngine(t)

	err := e.ChatStream(context.Background(), "nobody", "sess", "hi", func(_ Event) error { return nil })
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v", err)
	}
}

func TestLoadHistoryPairsTurns(t *testing.T) {
	e, db := newTestEngine(t)
	if err := db.EnsureSession("sess", ""); err != nil {
		t.Fatal(err)
	}

	for _, m := range []struct{ role, content string }{
		{"user", "q1"},
		{"assistant", "a1"},
		{"user", "q2"},
		{"assistant", "a2"},
	} {
		if _, err := db.AppendMessage("sess", m.role, m.content, nil); err != nil {
			t.Fatal(err)
		}
	}

	turns, err := e.loadHistory("sess")
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("turns = %d", len(turns))
	}
	if turns[0].User != "q1" || turns[0].Assistant != "a1" {
		t.Errorf("first turn = %+v", turns[0])
	}
	if turns[1].User != "q2" || turns[1].Assistant != "a2" {
		t.Errorf("second turn = %+v", turns[1])
	}
}

func TestLoadHistoryDanglingUser(t *testing.T) {
	e, db := newTestEngine(t)
	if err := db.EnsureSession("sess", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := db.AppendMessage("sess", "user", "unanswered", nil); err != nil {
		t.Fatal(err)
	}

	turns, err := e.loadHistory("sess")
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if len(turns) != 1 || turns[0].User != "unanswered" || turns[0].Assistant != "" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestPersistTurn(t *testing.T) {
	e, db := newTestEngine(t)

	docs := []record.Record{{ID: "1", Source: "jira", Title: "T"}}
	e.persistTurn("sess", "the question", "the answer", docs)

	history, err := db.History("sess", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d messages", len(history))
	}
	if history[0].Role != "user" || history[1].Role != "assistant" {
		t.Errorf("roles = %s, %s", history[0].Role, history[1].Role)
	}
	if len(history[1].Sources) != 1 {
		t.Errorf("assistant sources = %d", len(history[1].Sources))
	}

	sess, err := db.GetSession("sess")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if sess.Title != "the question" {
		t.Errorf("session title = %q", sess.Title)
	}
}

func TestUsedSources(t *testing.T) {
	docs := []record.Record{
		{Source: "jira"},
		{Source: "jira"},
		{Source: "confluence"},
		{Source: ""},
	}
	got := usedSources(docs)
	if len(got) != 2 || got[0] != "jira" || got[1] != "confluence" {
		t.Errorf("used = %v", got)
	}
}

func TestSummarize(t *testing.T) {
	docs := []record.Record{
		{Title: "", Source: "", URL: "u"},
		{Title: "ok", Source: "jira"},
	}
	got := summarize(docs)
	if len(got) != 2 {
		t.Fatalf("summaries = %d", len(got))
	}
	if got[0].Title != "Untitled" || got[0].Source != "unknown" {
		t.Errorf("fallbacks = %+v", got[0])
	}

	var many []record.Record
	for i := 0; i < 8; i++ {
		many = append(many, record.Record{Title: "t", Source: "jira"})
	}
	if got := summarize(many); len(got) != 5 {
		t.Errorf("summaries = %d, want capped at 5", len(got))
	}
}

func TestSummarizeTrimsTitleOnRuneBoundary(t *testing.T) {
	// 3-byte runes: the 100-byte cap lands mid-rune unless the cut is
	// aligned.
	docs := []record.Record{{Title: strings.Repeat("障害対応", 20), Source: "jira"}}

	got := summarize(docs)
	if len(got) != 1 {
		t.Fatalf("summaries = %d", len(got))
	}
	if !utf8.ValidString(got[0].Title) {
		t.Errorf("title cut mid-rune: %q", got[0].Title)
	}
	if len(got[0].Title) > 100 {
		t.Errorf("title = %d bytes", len(got[0].Title))
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("short question"); got != "short question" {
		t.Errorf("got %q", got)
	}
	if got := firstLine("line one\nline two"); got != "line one" {
		t.Errorf("got %q", got)
	}

	long := ""
	for i := 0; i < 100; i++ {
		long += "x"
	}
	if got := firstLine(long); len(got) > 81 {
		t.Errorf("len = %d", len(got))
	}
}

func TestPreview(t *testing.T) {
	if got := preview(nil); got == nil || len(got) != 0 {
		t.Errorf("nil docs preview = %v", got)
	}

	docs := []record.Record{{ID: "1"}, {ID: "2"}, {ID: "3"}, {ID: "4"}}
	if got := preview(docs); len(got) != 3 {
		t.Errorf("preview = %d", len(got))
	}
}
