// Package openai provides the OpenAI implementation of the llm.Client
// interface using the official Go SDK.
package openai

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"atlas/pkg/llm"
)

// Client wraps the official OpenAI chat completions client.
type Client struct {
	client openai.Client
	model  string
}

// New creates an OpenAI client for the given model.
func New(apiKey, model string) *Client {
	return &Client{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// ModelName implements llm.Client.
func (c *Client) ModelName() string {
	return c.model
}

func (c *Client) buildParams(in llm.CompletionRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(in.Messages))
	for _, msg := range in.Messages {
		switch msg.Role {
		case llm.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case llm.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	return openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		MaxTokens:   openai.Int(int64(in.MaxTokens)),
		Temperature: openai.Float(float64(in.Temperature)),
	}
}

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.buildParams(in))
	if err != nil {
		return llm.CompletionResponse{}, llm.Classify(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return llm.CompletionResponse{}, llm.NewError(llm.ErrorTypeEmptyResponse, "empty response from OpenAI")
	}

	return llm.CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

// Stream implements llm.Client using the chat completions streaming API.
func (c *Client) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.buildParams(in))
	ch := make(chan llm.StreamChunk)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				select {
				case ch <- llm.StreamChunk{Content: chunk.Choices[0].Delta.Content}:
				case <-ctx.Done():
					return
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
