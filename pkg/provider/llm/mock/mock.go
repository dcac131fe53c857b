// Package mock is a configurable test double for llm.Provider. Responses are
// set through exported fields before use; every invocation is recorded so
// tests can assert on what the orchestrator sent.
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: "Hello!"},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/types"
)

// StreamCall records one StreamCompletion invocation.
type StreamCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// CompleteCall records one Complete invocation.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// CountTokensCall records one CountTokens invocation.
type CountTokensCall struct {
	Messages []types.Message
}

// Provider implements llm.Provider. Zero-value response fields produce zero
// returns with nil errors; set the Err fields to inject failures. Configure
// before use; the mock only guards its own call records, not concurrent
// reconfiguration.
type Provider struct {
	mu sync.Mutex

	// StreamChunks is emitted, in order, on every StreamCompletion channel.
	StreamChunks []llm.Chunk

	// StreamScript overrides StreamChunks per call: the nth call emits
	// StreamScript[n]. Calls past the end fall back to StreamChunks. Handy
	// for multi-round tool call tests.
	StreamScript [][]llm.Chunk

	// StreamErr, when set, fails StreamCompletion before a channel opens.
	StreamErr error

	// CompleteResponse and CompleteErr are returned by Complete.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// TokenCount and CountTokensErr are returned by CountTokens.
	TokenCount     int
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	// Call records, appended in invocation order.
	StreamCalls           []StreamCall
	CompleteCalls         []CompleteCall
	CountTokensCalls      []CountTokensCall
	CapabilitiesCallCount int
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion records the call and plays back the configured chunks on
// a fresh channel. With StreamErr set it returns that error and no channel.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	if p.StreamErr != nil {
		p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	source := p.StreamChunks
	if n := len(p.StreamCalls); n < len(p.StreamScript) {
		source = p.StreamScript[n]
	}
	chunks := append([]llm.Chunk(nil), source...)
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns the configured response pair.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	return p.CompleteResponse, p.CompleteErr
}

// CountTokens records a copy of messages and returns the configured pair.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CountTokensCalls = append(p.CountTokensCalls, CountTokensCall{
		Messages: append([]types.Message(nil), messages...),
	})
	return p.TokenCount, p.CountTokensErr
}

// Capabilities records the call and returns ModelCapabilities.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ModelCapabilities
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CompleteCalls = nil
	p.CountTokensCalls = nil
	p.CapabilitiesCallCount = 0
}
