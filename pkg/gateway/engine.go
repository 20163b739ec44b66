package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"atlas/pkg/config"
	"atlas/pkg/llm"
	"atlas/pkg/llm/factory"
	"atlas/pkg/logx"
	"atlas/pkg/metrics"
	"atlas/pkg/orchestrator"
	"atlas/pkg/rag"
	"atlas/pkg/record"
	"atlas/pkg/router"
	"atlas/pkg/store"
)

// contextPreviewCount limits the context echoed back in chat responses
// and stream events.
const contextPreviewCount = 3

// ChatResult is the outcome of one synchronous chat turn.
type ChatResult struct {
	Response      string          `json:"response"`
	Sources       []string        `json:"sources"`
	Context       []record.Record `json:"context"`
	RequiresSetup bool            `json:"requires_setup,omitempty"`
}

// DocumentSummary is the trimmed view of one context document sent in
// stream events.
type DocumentSummary struct {
	Title  string `json:"title"`
	Source string `json:"source"`
	URL    string `json:"url"`
}

// Stream event types, in protocol order.
const (
	EventStart   = "start"
	EventSources = "sources"
	EventContext = "context"
	EventChunk   = "chunk"
	EventError   = "error"
	EventDone    = "done"
)

// Event is one SSE payload from a streaming chat.
type Event struct {
	Type        string            `json:"type"`
	Sources     []string          `json:"sources,omitempty"`
	Count       int               `json:"count,omitempty"`
	UsedSources []string          `json:"used_sources,omitempty"`
	Documents   []DocumentSummary `json:"documents,omitempty"`
	Text        string            `json:"text,omitempty"`
	Message     string            `json:"message,omitempty"`
}

// Engine runs the chat pipeline: validation, settings, routing,
// context gathering through the orchestrator, and grounded answering.
type Engine struct {
	cfg      *config.Config
	store    *store.Store
	settings *SettingsStore
	orch     *OrchestratorClient
	index    *rag.FallbackIndex
	metrics  *metrics.Recorder
	logger   *logx.Logger

	llmMu      sync.Mutex
	llmClients map[llmKey]llm.Client
}

// llmKey identifies one shared LLM client.
type llmKey struct {
	provider string
	model    string
	apiKey   string
}

// NewEngine wires the pipeline. rec may be nil.
func NewEngine(cfg *config.Config, db *store.Store, orch *OrchestratorClient, rec *metrics.Recorder) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    db,
		settings: NewSettingsStore(db),
		orch:     orch,
		index:      rag.NewFallbackIndex(),
		metrics:    rec,
		logger:     logx.NewLogger("gateway"),
		llmClients: make(map[llmKey]llm.Client),
	}
}

// Settings exposes the settings store to the HTTP surface.
func (e *Engine) Settings() *SettingsStore {
	return e.settings
}

// buildLLM returns the per-user LLM client. Settings override the
// deployment defaults field by field. Clients are shared across requests
// with the same provider, model, and key so breaker and retry state
// accumulates instead of resetting every turn.
func (e *Engine) buildLLM(s *Settings) (llm.Client, error) {
	lc := e.cfg.LLM
	if s.LLMProvider != "" {
		lc.Provider = s.LLMProvider
	}
	if s.LLMModel != "" {
		lc.Model = s.LLMModel
	}

	key := llmKey{provider: lc.Provider, model: lc.Model, apiKey: s.LLMAPIKey}
	e.llmMu.Lock()
	defer e.llmMu.Unlock()
	if client, ok := e.llmClients[key]; ok {
		return client, nil
	}
	client, err := factory.New(&lc, s.LLMAPIKey)
	if err != nil {
		return nil, err
	}
	e.llmClients[key] = client
	return client, nil
}

// turn is one prepared chat turn.
type preparedChat struct {
	query    string
	analysis *router.Analysis
	services []string
	history  []rag.Turn
	asm      *rag.Assembler
	setup    string // non-empty: requires_setup message, stop here
}

// prepare runs the shared front half of both chat modes: validation,
// settings, routing, required-source policy, and history load.
func (e *Engine) prepare(ctx context.Context, settings *Settings, sessionID, message string) (*preparedChat, error) {
	query, err := rag.ValidateQuery(message)
	if err != nil {
		return nil, &InvalidInputError{Reason: err.Error()}
	}

	client, err := e.buildLLM(settings)
	if err != nil {
		return nil, fmt.Errorf("build llm client: %w", err)
	}
	asm := rag.NewAssembler(client, e.index)

	analysis := router.New(client).Analyze(ctx, query)

	if required, ok := router.RequiredSource(analysis.Intent); ok && !settings.HasService(required.String()) {
		return &preparedChat{setup: router.RequiredSourceMessage(analysis.Intent)}, nil
	}

	services := e.selectServices(analysis, settings)
	history, err := e.loadHistory(sessionID)
	if err != nil {
		e.logger.Warn("history load failed for %s: %v", sessionID, err)
	}

	return &preparedChat{
		query:    query,
		analysis: analysis,
		services: services,
		history:  history,
		asm:      asm,
	}, nil
}

// selectServices intersects the router's sources with the enabled set,
// preserving router order so web stays last. An empty intersection
// falls back to everything enabled.
func (e *Engine) selectServices(analysis *router.Analysis, settings *Settings) []string {
	enabled := settings.EnabledServices()
	isEnabled := make(map[string]bool, len(enabled))
	for _, s := range enabled {
		isEnabled[s] = true
	}

	var out []string
	for _, src := range analysis.Sources {
		if isEnabled[src.String()] {
			out = append(out, src.String())
		}
	}
	if len(out) == 0 {
		out = enabled
	}
	return out
}

// gather fetches context through the orchestrator and backfills from
// the fallback index.
func (e *Engine) gather(ctx context.Context, p *preparedChat) []record.Record {
	if len(p.services) == 0 {
		return p.asm.Supplement(p.query, nil)
	}
	results := e.orch.Search(ctx, orchestrator.Query{
		Query:         p.query,
		Limit:         record.DefaultLimit,
		Services:      p.services,
		SourceQueries: p.analysis.SourceQueries,
	})
	return p.asm.Supplement(p.query, results)
}

// Chat runs one synchronous turn and persists it.
func (e *Engine) Chat(ctx context.Context, userID, sessionID, message string) (*ChatResult, error) {
	start := time.Now()

	settings, err := e.settings.Load(userID)
	if err != nil {
		return nil, err
	}

	p, err := e.prepare(ctx, settings, sessionID, message)
	if err != nil {
		return nil, err
	}
	if p.setup != "" {
		return &ChatResult{Response: p.setup, Sources: []string{}, Context: []record.Record{}, RequiresSetup: true}, nil
	}

	docs := e.gather(ctx, p)
	answer, err := p.asm.Answer(ctx, p.query, docs, p.history)
	if err != nil {
		e.recordQuery("chat", "error", start)
		return nil, err
	}

	e.persistTurn(sessionID, message, answer, docs)
	e.recordQuery("chat", "ok", start)

	return &ChatResult{
		Response: answer,
		Sources:  p.services,
		Context:  preview(docs),
	}, nil
}

// ChatStream runs one streaming turn, emitting the start → sources →
// context → chunk… → done envelope. Any failure emits a single error
// event and ends the stream.
func (e *Engine) ChatStream(ctx context.Context, userID, sessionID, message string, emit func(Event) error) error {
	start := time.Now()

	settings, err := e.settings.Load(userID)
	if err != nil {
		return err
	}

	if err := emit(Event{Type: EventStart}); err != nil {
		return err
	}

	p, err := e.prepare(ctx, settings, sessionID, message)
	if err != nil {
		e.recordQuery("chat_stream", "error", start)
		return emit(Event{Type: EventError, Message: err.Error()})
	}
	if p.setup != "" {
		if err := emit(Event{Type: EventChunk, Text: p.setup}); err != nil {
			return err
		}
		return emit(Event{Type: EventDone, Sources: []string{}})
	}

	if err := emit(Event{Type: EventSources, Sources: p.services}); err != nil {
		return err
	}

	docs := e.gather(ctx, p)
	used := usedSources(docs)
	summaries := summarize(docs)
	if err := emit(Event{Type: EventContext, Count: len(docs), UsedSources: used, Documents: summaries}); err != nil {
		return err
	}

	chunks, err := p.asm.StreamAnswer(ctx, p.query, docs, p.history)
	if err != nil {
		e.recordQuery("chat_stream", "error", start)
		return emit(Event{Type: EventError, Message: err.Error()})
	}

	var full string
	for chunk := range chunks {
		if chunk.Error != nil {
			e.recordQuery("chat_stream", "error", start)
			return emit(Event{Type: EventError, Message: chunk.Error.Error()})
		}
		if chunk.Content != "" {
			full += chunk.Content
			if err := emit(Event{Type: EventChunk, Text: chunk.Content}); err != nil {
				return err
			}
		}
	}

	e.persistTurn(sessionID, message, full, docs)
	e.recordQuery("chat_stream", "ok", start)

	return emit(Event{Type: EventDone, Sources: p.services, UsedSources: used, Documents: summaries})
}

// loadHistory pairs stored messages into user/assistant turns.
func (e *Engine) loadHistory(sessionID string) ([]rag.Turn, error) {
	limit := e.cfg.Gateway.HistoryLimit
	if limit <= 0 {
		limit = 5
	}
	messages, err := e.store.History(sessionID, 2*limit)
	if err != nil {
		return nil, err
	}

	var turns []rag.Turn
	var pending *rag.Turn
	for _, msg := range messages {
		switch msg.Role {
		case "user":
			if pending != nil {
				turns = append(turns, *pending)
			}
			pending = &rag.Turn{User: msg.Content}
		case "assistant":
			if pending != nil {
				pending.Assistant = msg.Content
				turns = append(turns, *pending)
				pending = nil
			}
		}
	}
	if pending != nil {
		turns = append(turns, *pending)
	}
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// persistTurn writes the user and assistant messages after the answer
// is complete. Persistence failures are logged, never surfaced.
func (e *Engine) persistTurn(sessionID, message, answer string, docs []record.Record) {
	if err := e.store.EnsureSession(sessionID, firstLine(message)); err != nil {
		e.logger.Warn("persist turn: %v", err)
		return
	}
	if _, err := e.store.AppendMessage(sessionID, "user", message, nil); err != nil {
		e.logger.Warn("persist user turn: %v", err)
	}
	if _, err := e.store.AppendMessage(sessionID, "assistant", answer, preview(docs)); err != nil {
		e.logger.Warn("persist assistant turn: %v", err)
	}
}

func (e *Engine) recordQuery(tier, status string, start time.Time) {
	if e.metrics != nil {
		e.metrics.RecordQuery(tier, status, time.Since(start))
	}
}

// InvalidInputError marks a query rejected by validation; the HTTP
// surface maps it to 400.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return e.Reason
}

func preview(docs []record.Record) []record.Record {
	if len(docs) > contextPreviewCount {
		docs = docs[:contextPreviewCount]
	}
	if docs == nil {
		docs = []record.Record{}
	}
	return docs
}

func usedSources(docs []record.Record) []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range docs {
		if d.Source != "" && !seen[d.Source] {
			seen[d.Source] = true
			out = append(out, d.Source)
		}
	}
	return out
}

func summarize(docs []record.Record) []DocumentSummary {
	limit := len(docs)
	if limit > 5 {
		limit = 5
	}
	out := make([]DocumentSummary, 0, limit)
	for _, d := range docs[:limit] {
		title := record.ClampBytes(d.Title, 100)
		if title == "" {
			title = "Untitled"
		}
		source := d.Source
		if source == "" {
			source = record.SourceUnknown.String()
		}
		out = append(out, DocumentSummary{Title: title, Source: source, URL: d.URL})
	}
	return out
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' || i >= 80 {
			return s[:i]
		}
	}
	return s
}
