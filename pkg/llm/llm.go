// Package llm defines the language model client interface used for query
// routing and answer generation, plus resilience middleware shared by all
// provider implementations.
package llm

import "context"

// Role identifies the speaker of a conversation message.
type Role string

const (
	// RoleSystem carries instructions or context for the model.
	RoleSystem Role = "system"
	// RoleUser carries input from the human user.
	RoleUser Role = "user"
	// RoleAssistant carries prior model output.
	RoleAssistant Role = "assistant"
)

// Message is one turn in a conversation.
type Message struct {
	Role    Role
	Content string
}

// CompletionRequest is a request to generate a completion.
type CompletionRequest struct {
	Messages    []Message
	Temperature float32
	MaxTokens   int
}

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// CompletionResponse is the result of a completion request.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// StreamChunk is one piece of a streamed completion.
type StreamChunk struct {
	Error   error
	Content string
	Done    bool
}

// Client is the interface all providers implement.
type Client interface {
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// Stream generates a completion as a stream of chunks. The channel is
	// closed after the Done or Error chunk.
	Stream(ctx context.Context, in CompletionRequest) (<-chan StreamChunk, error)

	// ModelName returns the model this client targets.
	ModelName() string
}

// NewCompletionRequest creates a request with default generation settings.
func NewCompletionRequest(messages []Message) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   4096,
		Temperature: 0.7,
	}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}
