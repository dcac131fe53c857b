package resilience

import (
	"context"

	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/types"
)

// LLMFallback wraps a chain of [llm.Provider] backends behind one provider
// interface. Every backend gets its own circuit breaker; a request goes to
// the first backend whose breaker admits it, falling through the chain on
// failure.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates a fallback chain with primary as the preferred
// backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a provider to the end of the chain.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete runs the request against the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens a stream on the first healthy backend. Failover only
// covers establishing the stream; once chunks are flowing, mid-stream errors
// surface to the caller unchanged.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// CountTokens counts with the first healthy backend's tokenizer. Counts can
// differ slightly between vendors; callers treat them as estimates anyway.
func (f *LLMFallback) CountTokens(messages []types.Message) (int, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities reports the primary's capabilities; they are static metadata
// and do not participate in failover.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	return f.primary().Capabilities()
}

func (f *LLMFallback) primary() llm.Provider {
	return f.group.entries[0].value
}
