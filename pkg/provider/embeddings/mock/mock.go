// Package mock is the embeddings.Provider test double.
//
// Fill in the result fields, hand the Provider to code under test, then
// inspect the recorded calls:
//
//	p := &mock.Provider{
//	    EmbedResult:     []float32{0.1, 0.2, 0.3},
//	    DimensionsValue: 3,
//	    ModelIDValue:    "test-embed-v1",
//	}
//	vec, _ := p.Embed(ctx, "hello world")
package mock

import (
	"context"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// EmbedCall is one recorded Embed invocation.
type EmbedCall struct {
	Ctx  context.Context
	Text string
}

// EmbedBatchCall is one recorded EmbedBatch invocation. Texts is a copy, so
// later mutation by the caller cannot corrupt the record.
type EmbedBatchCall struct {
	Ctx   context.Context
	Texts []string
}

// Provider implements embeddings.Provider with canned answers and call
// recording. Safe for concurrent use.
type Provider struct {
	mu sync.Mutex

	// canned responses
	EmbedResult      []float32   // returned by Embed
	EmbedErr         error       // returned by Embed when non-nil
	EmbedBatchResult [][]float32 // returned by EmbedBatch; nil yields per-text nil vectors
	EmbedBatchErr    error       // returned by EmbedBatch when non-nil
	DimensionsValue  int         // returned by Dimensions
	ModelIDValue     string      // returned by ModelID

	// call records, in order
	EmbedCalls          []EmbedCall
	EmbedBatchCalls     []EmbedBatchCall
	DimensionsCallCount int
	ModelIDCallCount    int
}

// Embed records the call and returns EmbedResult, EmbedErr.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Text: text})
	return p.EmbedResult, p.EmbedErr
}

// EmbedBatch records the call and returns EmbedBatchResult, EmbedBatchErr.
// When EmbedBatchResult is nil the caller still gets one (nil) vector per
// input text so length checks pass.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, EmbedBatchCall{
		Ctx:   ctx,
		Texts: append([]string(nil), texts...),
	})
	if p.EmbedBatchErr != nil {
		return nil, p.EmbedBatchErr
	}
	if p.EmbedBatchResult != nil {
		return p.EmbedBatchResult, nil
	}
	return make([][]float32, len(texts)), nil
}

// Dimensions counts the call and returns DimensionsValue.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DimensionsCallCount++
	return p.DimensionsValue
}

// ModelID counts the call and returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ModelIDCallCount++
	return p.ModelIDValue
}

// Reset drops all recorded calls, keeping the configured responses.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = nil
	p.EmbedBatchCalls = nil
	p.DimensionsCallCount = 0
	p.ModelIDCallCount = 0
}
