// Package ollama provides the Ollama implementation of the llm.Client
// interface. Ollama is a local runtime for open-source models, used when
// no hosted provider key is configured.
package ollama

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"atlas/pkg/llm"
)

// Client wraps the Ollama API client.
type Client struct {
	client *api.Client
	model  string
}

// New creates an Ollama client. hostURL is the server URL, e.g.
// "http://localhost:11434"; invalid URLs fall back to that default.
func New(hostURL, model string) *Client {
	parsed, err := url.Parse(hostURL)
	if err != nil || parsed.Host == "" {
		parsed, _ = url.Parse("http://localhost:11434") //nolint:errcheck // constant URL
	}
	return &Client{
		client: api.NewClient(parsed, http.DefaultClient),
		model:  model,
	}
}

// ModelName implements llm.Client.
func (c *Client) ModelName() string {
	return c.model
}

func (c *Client) buildRequest(in llm.CompletionRequest, stream bool) *api.ChatRequest {
	messages := make([]api.Message, 0, len(in.Messages))
	for _, msg := range in.Messages {
		messages = append(messages, api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	return &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}
}

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	var content strings.Builder
	var usage llm.Usage

	err := c.client.Chat(ctx, c.buildRequest(in, false), func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		if resp.Done {
			usage.PromptTokens = resp.Metrics.PromptEvalCount
			usage.CompletionTokens = resp.Metrics.EvalCount
		}
		return nil
	})
	if err != nil {
		return llm.CompletionResponse{}, llm.Classify(err)
	}
	if content.Len() == 0 {
		return llm.CompletionResponse{}, llm.NewError(llm.ErrorTypeEmptyResponse, "empty response from Ollama")
	}

	return llm.CompletionResponse{Content: content.String(), Usage: usage}, nil
}

// Stream implements llm.Client with true incremental streaming.
func (c *Client) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)

	go func() {
		defer close(ch)

		err := c.client.Chat(ctx, c.buildRequest(in, true), func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				select {
				case ch <- llm.StreamChunk{Content: resp.Message.Content}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
		// Sends stay guarded so an abandoned consumer cannot strand
		// this goroutine.
		if err != nil {
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
