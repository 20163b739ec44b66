package router

import (
	"context"
	"errors"
	"testing"

	"atlas/pkg/llm"
	"atlas/pkg/record"
)

// fakeLLM returns a canned completion or error.
type fakeLLM struct {
	content string
	err     error
}

func (f *fakeLLM) Complete(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	if f.err != nil {
		return llm.CompletionResponse{}, f.err
	}
	return llm.CompletionResponse{Content: f.content}, nil
}

func (f *fakeLLM) Stream(_ context.Context, _ llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	close(ch)
	return ch, nil
}

func (f *fakeLLM) ModelName() string { return "fake" }

func TestTicketIDPattern(t *testing.T) {
	r := New(nil)
	a := r.Analyze(context.Background(), "what is the status of ctt-123?")

	if a.Intent != IntentTicketLookup {
		t.Fatalf("intent = %s", a.Intent)
	}
	if a.Confidence != 0.95 {
		t.Errorf("confidence = %.2f", a.Confidence)
	}
	if len(a.Sources) != 1 || a.Sources[0] != record.SourceJira {
		t.Errorf("sources = %v", a.Sources)
	}
	ids := a.Entities["ticket_ids"]
	if len(ids) != 1 || ids[0] != "CTT-123" {
		t.Errorf("ticket ids = %v", ids)
	}
}

func TestDocumentationPattern(t *testing.T) {
	r := New(nil)
	a := r.Analyze(context.Background(), "How do I set up the local dev environment?")

	if a.Intent != IntentDocumentation {
		t.Fatalf("intent = %s", a.Intent)
	}
	want := []record.Source{record.SourceConfluence, record.SourceJira}
	if len(a.Sources) != len(want) {
		t.Fatalf("sources = %v", a.Sources)
	}
	for i, s := range want {
		if a.Sources[i] != s {
			t.Errorf("sources[%d] = %s, want %s", i, a.Sources[i], s)
		}
	}
}

func TestStatusPattern(t *testing.T) {
	r := New(nil)
	a := r.Analyze(context.Background(), "what is happening with the current sprint")

	if a.Intent != IntentProjectStatus {
		t.Errorf("intent = %s", a.Intent)
	}
}

func TestCommunicationPattern(t *testing.T) {
	r := New(nil)
	a := r.Analyze(context.Background(), "was there a slack thread on the outage?")

	if a.Intent != IntentTeamCommunication {
		t.Fatalf("intent = %s", a.Intent)
	}
	if a.Sources[0] != record.SourceSlack {
		t.Errorf("first source = %s, want slack", a.Sources[0])
	}
}

func TestIssuePattern(t *testing.T) {
	r := New(nil)
	a := r.Analyze(context.Background(), "known login error after upgrade")

	if a.Intent != IntentTicketSearch {
		t.Errorf("intent = %s", a.Intent)
	}
}

func TestFallbackWithoutLLM(t *testing.T) {
	r := New(nil)
	a := r.Analyze(context.Background(), "quarterly planning overview")

	if a.Intent != IntentUnknown {
		t.Fatalf("intent = %s", a.Intent)
	}
	if a.Confidence != 0.5 {
		t.Errorf("confidence = %.2f", a.Confidence)
	}
	want := []record.Source{record.SourceJira, record.SourceConfluence, record.SourceSlack}
	if len(a.Sources) != len(want) {
		t.Fatalf("sources = %v", a.Sources)
	}
	for i, s := range want {
		if a.Sources[i] != s {
			t.Errorf("sources[%d] = %s", i, a.Sources[i])
		}
	}
}

func TestLLMAnalysisParsesJSON(t *testing.T) {
	client := &fakeLLM{content: `Here is the analysis:
{
  "intent": "general_knowledge",
  "sources": ["web", "confluence"],
  "optimized_queries": {"confluence": "kubernetes ingress"},
  "confidence": 0.9,
  "reasoning": "external topic"
}`}
	r := New(client)
	a := r.Analyze(context.Background(), "what is a kubernetes ingress")

	if a.Intent != IntentGeneralKnowledge {
		t.Fatalf("intent = %s", a.Intent)
	}
	// Web must be pushed after internal sources.
	if a.Sources[len(a.Sources)-1] != record.SourceWeb {
		t.Errorf("web not last: %v", a.Sources)
	}
	if a.SourceQueries["confluence"] != "kubernetes ingress" {
		t.Errorf("optimized query not used: %v", a.SourceQueries)
	}
	if a.SourceQueries["web"] != "what is a kubernetes ingress" {
		t.Errorf("missing optimized query not defaulted: %v", a.SourceQueries)
	}
}

func TestLLMFailureFallsBack(t *testing.T) {
	r := New(&fakeLLM{err: errors.New("provider down")})
	a := r.Analyze(context.Background(), "quarterly planning overview")

	if a.Intent != IntentUnknown {
		t.Errorf("intent = %s, want fallback", a.Intent)
	}
}

func TestLLMGarbageFallsBack(t *testing.T) {
	r := New(&fakeLLM{content: "I cannot answer that."})
	a := r.Analyze(context.Background(), "quarterly planning overview")

	if a.Intent != IntentUnknown {
		t.Errorf("intent = %s, want fallback", a.Intent)
	}
}

func TestRequiredSource(t *testing.T) {
	if src, ok := RequiredSource(IntentTicketLookup); !ok || src != record.SourceJira {
		t.Errorf("ticket_lookup required = %s, %v", src, ok)
	}
	if src, ok := RequiredSource(IntentTeamCommunication); !ok || src != record.SourceSlack {
		t.Errorf("team_communication required = %s, %v", src, ok)
	}
	if _, ok := RequiredSource(IntentDocumentation); ok {
		t.Error("documentation should not require a source")
	}
}

func TestRequiredSourceMessage(t *testing.T) {
	if msg := RequiredSourceMessage(IntentTicketLookup); msg == "" {
		t.Error("empty setup message for ticket_lookup")
	}
	if msg := RequiredSourceMessage(IntentGeneralKnowledge); msg != "" {
		t.Errorf("unexpected setup message: %q", msg)
	}
}

func TestParseIntent(t *testing.T) {
	if ParseIntent("documentation") != IntentDocumentation {
		t.Error("documentation did not parse")
	}
	if ParseIntent("nonsense") != IntentUnknown {
		t.Error("unrecognized intent did not map to unknown")
	}
}

func TestWebLast(t *testing.T) {
	got := webLast([]record.Source{record.SourceWeb, record.SourceJira, record.SourceSlack})
	if got[len(got)-1] != record.SourceWeb {
		t.Errorf("web not moved last: %v", got)
	}
	if len(got) != 3 {
		t.Errorf("len = %d", len(got))
	}
}
