// Package router classifies user queries into intents and selects the
// knowledge sources to search. Classification is an ordered pipeline:
// deterministic pattern rules first, LLM analysis when no rule fires, and
// a fixed internal-sources fallback when both fail.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"atlas/pkg/llm"
	"atlas/pkg/logx"
	"atlas/pkg/record"
)

// Intent is the closed set of query classifications.
type Intent string

// Known intents.
const (
	IntentTicketLookup      Intent = "ticket_lookup"
	IntentTicketSearch      Intent = "ticket_search"
	IntentDocumentation     Intent = "documentation"
	IntentProjectStatus     Intent = "project_status"
	IntentTeamCommunication Intent = "team_communication"
	IntentPersonLookup      Intent = "person_lookup"
	IntentGeneralKnowledge  Intent = "general_knowledge"
	IntentCodeRelated       Intent = "code_related"
	IntentUnknown           Intent = "unknown"
)

// ParseIntent maps a wire string to an Intent, defaulting to unknown.
func ParseIntent(s string) Intent {
	switch Intent(s) {
	case IntentTicketLookup, IntentTicketSearch, IntentDocumentation,
		IntentProjectStatus, IntentTeamCommunication, IntentPersonLookup,
		IntentGeneralKnowledge, IntentCodeRelated:
		return Intent(s)
	default:
		return IntentUnknown
	}
}

// Analysis is the router's verdict on one query.
type Analysis struct {
	Query         string              `json:"query"`
	Intent        Intent              `json:"intent"`
	Entities      map[string][]string `json:"entities,omitempty"`
	Sources       []record.Source     `json:"sources"`
	SourceQueries map[string]string   `json:"source_queries"`
	Confidence    float64             `json:"confidence"`
	Reasoning     string              `json:"reasoning"`
}

// Pattern tier rules. Compiled once; matching is case-insensitive via
// pre-lowered input except for the ticket ID rule, which needs case.
var (
	ticketIDPattern = regexp.MustCompile(`\b([A-Za-z]{2,10}-\d+)\b`)

	docPatterns = []*regexp.Regexp{
		regexp.MustCompile(`how (do|to|can) (i|we)|guide|tutorial|documentation|docs|procedure|process|steps`),
		regexp.MustCompile(`where (can i|do i|is)|find .*(document|guide|page|wiki)`),
		regexp.MustCompile(`runbook|playbook|handbook|manual`),
	}
	statusPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(status|progress|update) (of|on|for)`),
		regexp.MustCompile(`sprint|release|milestone|roadmap`),
		regexp.MustCompile(`what.*(happening|going on|progress)`),
	}
	commPatterns = []*regexp.Regexp{
		regexp.MustCompile(`slack|message|chat|discussion|thread`),
		regexp.MustCompile(`did (anyone|someone)|who said|was there`),
		regexp.MustCompile(`(meeting|standup|sync|call) (notes|summary)`),
	}
	personPatterns = []*regexp.Regexp{
		regexp.MustCompile(`who (is|are|was)|contact|owner|assignee|responsible`),
		regexp.MustCompile(`team|person|people|member`),
	}
	issuePatterns = []*regexp.Regexp{
		regexp.MustCompile(`bug|issue|error|problem|fix|broken`),
		regexp.MustCompile(`(tickets?|issues?) (about|related|for|with)`),
	}

	jsonObjectPattern = regexp.MustCompile(`\{[\s\S]*\}`)
)

// Router classifies queries. The LLM client may be nil, in which case
// tier B is skipped and unmatched queries go straight to the fallback.
type Router struct {
	llm    llm.Client
	logger *logx.Logger
}

// New creates a router.
func New(client llm.Client) *Router {
	return &Router{
		llm:    client,
		logger: logx.NewLogger("router"),
	}
}

// Analyze runs the classification pipeline. It always returns a usable
// Analysis; failures degrade tier by tier rather than erroring.
func (r *Router) Analyze(ctx context.Context, query string) *Analysis {
	if a := r.patternAnalysis(query); a != nil {
		r.logger.Info("pattern match: intent=%s confidence=%.2f", a.Intent, a.Confidence)
		return a
	}

	if r.llm != nil {
		a, err := r.llmAnalysis(ctx, query)
		if err == nil {
			r.logger.Info("llm analysis: intent=%s confidence=%.2f", a.Intent, a.Confidence)
			return a
		}
		r.logger.Warn("llm analysis failed, using fallback: %v", err)
	}

	return fallbackAnalysis(query)
}

// patternAnalysis is tier A: deterministic rules for common query shapes.
func (r *Router) patternAnalysis(query string) *Analysis {
	lower := strings.ToLower(query)

	if matches := ticketIDPattern.FindAllString(query, -1); len(matches) > 0 {
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = strings.ToUpper(m)
		}
		return &Analysis{
			Query:         query,
			Intent:        IntentTicketLookup,
			Entities:      map[string][]string{"ticket_ids": ids},
			Sources:       []record.Source{record.SourceJira},
			SourceQueries: queriesFor(query, record.SourceJira),
			Confidence:    0.95,
			Reasoning:     fmt.Sprintf("detected ticket ID(s): %s", strings.Join(ids, ", ")),
		}
	}

	if matchAny(docPatterns, lower) {
		return &Analysis{
			Query:         query,
			Intent:        IntentDocumentation,
			Sources:       []record.Source{record.SourceConfluence, record.SourceJira},
			SourceQueries: queriesFor(query, record.SourceConfluence, record.SourceJira),
			Confidence:    0.85,
			Reasoning:     "query appears to be looking for documentation or guides",
		}
	}

	if matchAny(statusPatterns, lower) {
		return &Analysis{
			Query:         query,
			Intent:        IntentProjectStatus,
			Sources:       []record.Source{record.SourceJira, record.SourceConfluence, record.SourceSlack},
			SourceQueries: queriesFor(query, record.SourceJira, record.SourceConfluence, record.SourceSlack),
			Confidence:    0.8,
			Reasoning:     "query appears to be about project or sprint status",
		}
	}

	if matchAny(commPatterns, lower) {
		return &Analysis{
			Query:         query,
			Intent:        IntentTeamCommunication,
			Sources:       []record.Source{record.SourceSlack, record.SourceConfluence},
			SourceQueries: queriesFor(query, record.SourceSlack, record.SourceConfluence),
			Confidence:    0.85,
			Reasoning:     "query appears to be about team communications",
		}
	}

	if matchAny(personPatterns, lower) {
		return &Analysis{
			Query:         query,
			Intent:        IntentPersonLookup,
			Sources:       []record.Source{record.SourceJira, record.SourceSlack, record.SourceConfluence},
			SourceQueries: queriesFor(query, record.SourceJira, record.SourceSlack, record.SourceConfluence),
			Confidence:    0.75,
			Reasoning:     "query appears to be looking for person or team information",
		}
	}

	if matchAny(issuePatterns, lower) {
		return &Analysis{
			Query:         query,
			Intent:        IntentTicketSearch,
			Sources:       []record.Source{record.SourceJira, record.SourceConfluence},
			SourceQueries: queriesFor(query, record.SourceJira, record.SourceConfluence),
			Confidence:    0.8,
			Reasoning:     "query appears to be searching for bugs or issues",
		}
	}

	return nil
}

const analysisPromptTemplate = `Analyze this user query and determine the best way to answer it.

Query: %q

Respond in JSON format with:
{
    "intent": "<one of: ticket_lookup, ticket_search, documentation, project_status, team_communication, person_lookup, general_knowledge, code_related, unknown>",
    "entities": {
        "ticket_ids": ["list of any ticket IDs like CTT-123"],
        "project_names": ["list of project names mentioned"],
        "person_names": ["list of person names mentioned"],
        "keywords": ["important search keywords"]
    },
    "sources": ["ordered list of best sources: jira, confluence, slack, github, web"],
    "optimized_queries": {
        "jira": "optimized search query for Jira",
        "confluence": "optimized search query for Confluence",
        "slack": "optimized search query for Slack"
    },
    "confidence": <0.0 to 1.0>,
    "reasoning": "brief explanation of your analysis"
}

Important:
- For internal/organizational queries, do NOT include "web" in sources
- "web" should only be included for general knowledge questions about external topics
- Prioritize: jira > confluence > slack > web`

const analysisSystemPrompt = "You are a query analysis assistant. Analyze queries and return structured JSON responses. Be concise and accurate."

// llmAnalysisResponse mirrors the JSON the model is asked to produce.
type llmAnalysisResponse struct {
	Intent           string              `json:"intent"`
	Entities         map[string][]string `json:"entities"`
	Sources          []string            `json:"sources"`
	OptimizedQueries map[string]string   `json:"optimized_queries"`
	Confidence       float64             `json:"confidence"`
	Reasoning        string              `json:"reasoning"`
}

// llmAnalysis is tier B: ask the model for a structured classification.
func (r *Router) llmAnalysis(ctx context.Context, query string) (*Analysis, error) {
	req := llm.NewCompletionRequest([]llm.Message{
		llm.NewSystemMessage(analysisSystemPrompt),
		llm.NewUserMessage(fmt.Sprintf(analysisPromptTemplate, query)),
	})
	req.Temperature = 0.2
	req.MaxTokens = 1024

	resp, err := r.llm.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("classification completion: %w", err)
	}

	raw := jsonObjectPattern.FindString(resp.Content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in classification response")
	}

	var parsed llmAnalysisResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("parse classification response: %w", err)
	}

	var sources []record.Source
	for _, s := range parsed.Sources {
		if src := record.ParseSource(strings.ToLower(s)); src != record.SourceUnknown {
			sources = append(sources, src)
		}
	}
	sources = webLast(sources)
	if len(sources) == 0 {
		sources = []record.Source{record.SourceJira, record.SourceConfluence}
	}

	sourceQueries := make(map[string]string, len(sources))
	for _, src := range sources {
		if q, ok := parsed.OptimizedQueries[src.String()]; ok && q != "" {
			sourceQueries[src.String()] = q
		} else {
			sourceQueries[src.String()] = query
		}
	}

	confidence := parsed.Confidence
	if confidence <= 0 {
		confidence = 0.7
	}
	reasoning := parsed.Reasoning
	if reasoning == "" {
		reasoning = "llm analysis"
	}

	return &Analysis{
		Query:         query,
		Intent:        ParseIntent(parsed.Intent),
		Entities:      parsed.Entities,
		Sources:       sources,
		SourceQueries: sourceQueries,
		Confidence:    confidence,
		Reasoning:     reasoning,
	}, nil
}

// fallbackAnalysis searches all internal sources at low confidence.
func fallbackAnalysis(query string) *Analysis {
	return &Analysis{
		Query:         query,
		Intent:        IntentUnknown,
		Sources:       []record.Source{record.SourceJira, record.SourceConfluence, record.SourceSlack},
		SourceQueries: queriesFor(query, record.SourceJira, record.SourceConfluence, record.SourceSlack),
		Confidence:    0.5,
		Reasoning:     "fallback analysis, searching all internal sources",
	}
}

// RequiredSource reports the single source an intent cannot do without.
func RequiredSource(intent Intent) (record.Source, bool) {
	switch intent {
	case IntentTicketLookup:
		return record.SourceJira, true
	case IntentTeamCommunication:
		return record.SourceSlack, true
	default:
		return record.SourceUnknown, false
	}
}

// RequiredSourceMessage is the user-facing setup prompt for a missing
// required source.
func RequiredSourceMessage(intent Intent) string {
	switch intent {
	case IntentTicketLookup:
		return "This query requires Jira access. Please configure your Jira credentials in Settings."
	case IntentTeamCommunication:
		return "This query requires Slack access. Please configure your Slack Bot Token in Settings to search Slack messages."
	default:
		return ""
	}
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// webLast enforces that the web source, if present, is tried after all
// internal sources.
func webLast(sources []record.Source) []record.Source {
	out := sources[:0]
	hasWeb := false
	for _, s := range sources {
		if s == record.SourceWeb {
			hasWeb = true
			continue
		}
		out = append(out, s)
	}
	if hasWeb {
		out = append(out, record.SourceWeb)
	}
	return out
}

func queriesFor(query string, sources ...record.Source) map[string]string {
	out := make(map[string]string, len(sources))
	for _, s := range sources {
		out[s.String()] = query
	}
	return out
}
