// Package llm defines the Provider interface for text completion backends.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama instance) and exposes one blocking completion call. The classifier
// and the generator are the only consumers; both build short prompts and
// read a single reply, so streaming and tool calling are not part of the
// contract.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"

	"github.com/MrWong99/chorus/pkg/types"
)

// Usage holds token accounting returned by the backend, in the model's
// native token unit.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message drives the reply.
	Messages []types.Message

	// SystemPrompt is sent ahead of Messages in the provider's system slot.
	SystemPrompt string

	// Temperature controls randomness in [0, 2]. Zero uses the provider
	// default.
	Temperature float64

	// MaxTokens caps the reply. Zero uses the provider default.
	MaxTokens int

	// JSONMode asks the model to reply with a single JSON object. Providers
	// without a native JSON mode ignore it; callers must still parse
	// defensively.
	JSONMode bool
}

// CompletionResponse is the model's full reply.
type CompletionResponse struct {
	Content string

	// FinishReason is the backend's stop reason ("stop", "length") when it
	// reports one.
	FinishReason string

	Usage Usage
}

// Provider is the abstraction over any completion backend. Complete must
// return promptly once ctx is done.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
