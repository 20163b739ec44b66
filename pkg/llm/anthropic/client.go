// Package anthropic provides the Anthropic Claude implementation of the
// llm.Client interface.
package anthropic

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"atlas/pkg/llm"
)

// Client wraps the Anthropic API client.
type Client struct {
	client anthropic.Client
	model  anthropic.Model
}

// New creates a Claude client for the given model.
func New(apiKey, model string) *Client {
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// ModelName implements llm.Client.
func (c *Client) ModelName() string {
	return string(c.model)
}

// buildParams converts a request to Anthropic message params. System
// messages move to the top-level system parameter; consecutive user
// messages merge to satisfy the API's strict role alternation.
func (c *Client) buildParams(in llm.CompletionRequest) (anthropic.MessageNewParams, error) {
	var systemParts []string
	var merged []llm.Message
	var pendingUser []string

	flushUser := func() {
		if len(pendingUser) > 0 {
			merged = append(merged, llm.NewUserMessage(strings.Join(pendingUser, "\n\n")))
			pendingUser = nil
		}
	}

	for _, msg := range in.Messages {
		switch msg.Role {
		case llm.RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case llm.RoleAssistant:
			flushUser()
			merged = append(merged, msg)
		default:
			pendingUser = append(pendingUser, msg.Content)
		}
	}
	flushUser()

	if len(merged) == 0 {
		return anthropic.MessageNewParams{}, llm.NewError(llm.ErrorTypeBadPrompt, "no non-system messages in request")
	}
	if merged[len(merged)-1].Role != llm.RoleUser {
		return anthropic.MessageNewParams{}, llm.NewError(llm.ErrorTypeBadPrompt, "conversation must end with a user message")
	}

	messages := make([]anthropic.MessageParam, 0, len(merged))
	for _, msg := range merged {
		messages = append(messages, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(msg.Role),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
		})
	}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   int64(in.MaxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
	}
	if len(systemParts) > 0 {
		params.System = []anthropic.TextBlockParam{{
			Text: strings.Join(systemParts, "\n\n"),
			Type: "text",
		}}
	}
	return params, nil
}

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	params, err := c.buildParams(in)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, llm.Classify(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.CompletionResponse{}, llm.NewError(llm.ErrorTypeEmptyResponse, "empty response from Claude API")
	}

	var text strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	if text.Len() == 0 {
		return llm.CompletionResponse{}, llm.NewError(llm.ErrorTypeEmptyResponse, "no text content in Claude response")
	}

	return llm.CompletionResponse{
		Content: text.String(),
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// Stream implements llm.Client using the Messages streaming API.
func (c *Client) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	params, err := c.buildParams(in)
	if err != nil {
		return nil, err
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	ch := make(chan llm.StreamChunk)

	go func() {
		defer close(ch)

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					select {
					case ch <- llm.StreamChunk{Content: delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			}
		}

		// Sends stay guarded so an abandoned consumer cannot strand
		// this goroutine.
		if err := stream.Err(); err != nil {
			select {
			case ch <- llm.StreamChunk{Error: llm.Classify(err)}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case ch <- llm.StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}
