// Package llm defines the Provider interface for language model backends.
//
// A Provider hides the vendor SDK (OpenAI, Anthropic, a local Ollama, ...)
// behind one surface the turn controller can use for streaming completions,
// token counting and capability checks. Implementations must be safe for
// concurrent use and must close any channel they return when the stream ends
// or the context is cancelled.
package llm

import (
	"context"

	"github.com/voxloop/voxloop/pkg/types"
)

// Finish reason values carried on a stream's final [Chunk]. Adapters
// normalise their backend's reason strings to these.
const (
	// FinishStop is natural end of generation.
	FinishStop = "stop"

	// FinishLength means the completion hit its token cap.
	FinishLength = "length"

	// FinishToolCalls means the model stopped to request tool execution.
	FinishToolCalls = "tool_calls"

	// FinishError marks a mid-stream failure; the chunk's Text carries the
	// cause.
	FinishError = "error"
)

// Provider is the abstraction over an LLM backend. Every method must react
// promptly to context cancellation.
type Provider interface {
	// StreamCompletion starts a completion and returns a channel of chunks.
	// The implementation closes the channel when generation finishes or ctx
	// is cancelled; callers must drain it. Failures before the stream opens
	// (bad credentials, malformed request) come back as the error return;
	// failures mid-stream surface as a Chunk with FinishReason
	// [FinishError]. The channel is never nil when the error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete runs the request to completion and returns the whole
	// response. For callers that have no use for incremental output.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many context-window tokens the messages
	// would occupy. Used for budget enforcement before sending a request;
	// the estimate need not be exact but should not undercount.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities reports static model metadata. It is assumed constant
	// for the lifetime of the Provider.
	Capabilities() types.ModelCapabilities
}

// CompletionRequest carries one model invocation. Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history; the last entry usually
	// carries the user turn that drives the response.
	Messages []types.Message

	// Tools lists the function definitions offered to the model. Check
	// Capabilities().SupportsToolCalling before populating this.
	Tools []types.ToolDefinition

	// Temperature controls sampling randomness in [0.0, 2.0]. Zero requests
	// the provider default.
	Temperature float64

	// MaxTokens caps generated completion tokens. Zero means the provider
	// default, usually the model's MaxOutputTokens.
	MaxTokens int

	// SystemPrompt is injected ahead of the history. Providers without a
	// native system slot prepend it as a "system"-role message.
	SystemPrompt string
}

// Chunk is one fragment of a streaming completion. Any combination of the
// fields may be set on a single chunk.
type Chunk struct {
	// Text is the incremental text, possibly empty.
	Text string

	// FinishReason is set on the final chunk: [FinishStop], [FinishLength],
	// [FinishToolCalls], or [FinishError] for mid-stream failures. Empty on
	// non-final chunks.
	FinishReason string

	// ToolCalls carries tool invocations the model is requesting.
	ToolCalls []types.ToolCall
}

// CompletionResponse is the result of a non-streaming Complete call.
type CompletionResponse struct {
	// Content is the assistant's full reply text. Empty when the model
	// answers only with tool calls.
	Content string

	// ToolCalls lists requested tool invocations; the caller executes them
	// and appends results to the conversation.
	ToolCalls []types.ToolCall

	// Usage holds token accounting for this exchange.
	Usage Usage
}

// Usage is token accounting as reported by the backend. Counts are in the
// model's native token unit and differ between vendors for the same text.
type Usage struct {
	// PromptTokens covers the input messages and system prompt.
	PromptTokens int

	// CompletionTokens covers the generated response.
	CompletionTokens int

	// TotalTokens is the sum; some providers return it directly.
	TotalTokens int
}
