package resilience

import (
	"context"

	"github.com/voxloop/voxloop/pkg/provider/stt"
)

// STTFallback wraps a chain of [stt.Provider] backends behind one provider
// interface, with a circuit breaker per backend.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates a fallback chain with primary as the preferred
// backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a provider to the end of the chain.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a transcription stream on the first healthy backend.
// Failover only covers opening the stream; errors on an established session
// surface through its handle.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
