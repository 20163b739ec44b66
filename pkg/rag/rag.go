// Package rag assembles grounded answers: security preflight on the
// user query, prompt construction from retrieved evidence and chat
// history, and completion or streaming through the configured LLM.
package rag

import (
	"context"
	"fmt"
	"strings"

	"atlas/pkg/llm"
	"atlas/pkg/logx"
	"atlas/pkg/record"
)

// Prompt assembly limits.
const (
	historyTurnLimit    = 5
	contextDocLimit     = 5
	contentExcerptLimit = 500
)

// Turn is one prior user/assistant exchange fed into the prompt.
type Turn struct {
	User      string `json:"user_message"`
	Assistant string `json:"bot_response"`
}

// basePrompt is the role description appended after the security
// preamble.
const basePrompt = `You are Atlas AI, an intelligent assistant with comprehensive access to organizational knowledge including Confluence documentation, Jira project management data, Slack messages, GitHub code, and many other integrations.

Your core capabilities:
- Access to internal documentation (Confluence wiki pages, guides, procedures)
- Project tracking and issue management (Jira tickets, sprints, epics)
- Communication history (Slack messages, Teams chats)
- Code repositories (GitHub repos, PRs, issues)
- Real-time information retrieval (web search, current events)
- Multi-turn conversation understanding with full context awareness

Guidelines for responses:
1. **Accuracy First**: Base answers strictly on provided context. If information is insufficient, clearly state limitations.
2. **Source Attribution**: Always cite specific sources with titles and URLs when available.
3. **Context Awareness**: Consider the entire conversation history to provide coherent, contextually relevant responses.
4. **Structured Clarity**: Use markdown formatting for better readability (headings, lists, code blocks, tables).
5. **Actionable Insights**: When discussing tickets or tasks, provide actionable next steps or recommendations.
6. **Professional Tone**: Maintain a helpful, professional, and concise communication style.

When answering:
- Prioritize recent conversation context to understand user intent
- Cross-reference information across sources when relevant
- Highlight any conflicts or inconsistencies in the data
- Suggest related resources or follow-up questions when appropriate`

// Assembler turns a query plus retrieved evidence into a grounded
// answer.
type Assembler struct {
	llm    llm.Client
	index  *FallbackIndex
	logger *logx.Logger
}

// NewAssembler creates an assembler over the given LLM client. index
// may be nil to disable the fallback store.
func NewAssembler(client llm.Client, index *FallbackIndex) *Assembler {
	return &Assembler{
		llm:    client,
		index:  index,
		logger: logx.NewLogger("rag"),
	}
}

// Supplement backfills thin retrievals from the fallback index and
// remembers fresh evidence for later queries. Called with the ranked
// records before prompt assembly.
func (a *Assembler) Supplement(query string, records []record.Record) []record.Record {
	if a.index == nil {
		return records
	}
	if len(records) >= 2 {
		a.index.Add(records, "")
		return records
	}

	extra := a.index.Search(query, contextDocLimit-len(records))
	if len(extra) > 0 {
		a.logger.Info("fallback index supplied %d documents", len(extra))
	}
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		seen[r.Key()] = true
	}
	for _, r := range extra {
		if !seen[r.Key()] {
			records = append(records, r)
		}
	}
	a.index.Add(records, "")
	return records
}

// buildMessages assembles the system and user messages from the query,
// evidence, and prior turns.
func (a *Assembler) buildMessages(query string, docs []record.Record, history []Turn) []llm.Message {
	var ctxParts []string
	limit := len(docs)
	if limit > contextDocLimit {
		limit = contextDocLimit
	}
	for _, doc := range docs[:limit] {
		content := record.ClampBytes(doc.Content, contentExcerptLimit)
		title := doc.Title
		if title == "" {
			title = "N/A"
		}
		url := doc.URL
		if url == "" {
			url = "N/A"
		}
		source := doc.Source
		if source == "" {
			source = string(record.SourceUnknown)
		}
		ctxParts = append(ctxParts, fmt.Sprintf("Source: %s\nTitle: %s\nURL: %s\nContent: %s", source, title, url, content))
	}

	var histParts []string
	turns := history
	if len(turns) > historyTurnLimit {
		turns = turns[len(turns)-historyTurnLimit:]
	}
	for _, t := range turns {
		histParts = append(histParts, fmt.Sprintf("User: %s\nAssistant: %s", t.User, t.Assistant))
	}

	var parts []string
	if len(histParts) > 0 {
		parts = append(parts, "**Previous Conversation:**\n"+strings.Join(histParts, "\n\n")+"\n")
	}
	if len(ctxParts) > 0 {
		parts = append(parts, "**Retrieved Context:**\n"+strings.Join(ctxParts, "\n\n")+"\n")
	} else {
		parts = append(parts, "No supporting documents were retrieved for this question. Answer from the conversation history where possible and clearly state that no supporting documents were found.\n")
	}
	parts = append(parts, "**Current Question:** "+query+"\n")
	parts = append(parts, "Please provide a comprehensive, well-structured answer based on the conversation history and retrieved context. Include source citations where applicable.")

	return []llm.Message{
		llm.NewSystemMessage(SecureSystemPrompt(basePrompt)),
		llm.NewUserMessage(strings.Join(parts, "\n")),
	}
}

// Answer produces one full grounded completion.
func (a *Assembler) Answer(ctx context.Context, query string, docs []record.Record, history []Turn) (string, error) {
	req := llm.NewCompletionRequest(a.buildMessages(query, docs, history))
	resp, err := a.llm.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("rag answer: %w", err)
	}
	return resp.Content, nil
}

// StreamAnswer streams the grounded completion token by token. The
// channel is closed after the final chunk; errors arrive as a chunk
// with Error set.
func (a *Assembler) StreamAnswer(ctx context.Context, query string, docs []record.Record, history []Turn) (<-chan llm.StreamChunk, error) {
	req := llm.NewCompletionRequest(a.buildMessages(query, docs, history))
	return a.llm.Stream(ctx, req)
}
