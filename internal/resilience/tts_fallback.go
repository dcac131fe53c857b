package resilience

import (
	"context"

	"github.com/voxloop/voxloop/pkg/provider/tts"
	"github.com/voxloop/voxloop/pkg/types"
)

// TTSFallback wraps a chain of [tts.Provider] backends behind one provider
// interface, with a circuit breaker per backend.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a fallback chain with primary as the preferred
// backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a provider to the end of the chain.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// SynthesizeStream opens an audio stream on the first healthy backend.
// Failover only covers stream setup; once synthesis is running, errors
// surface through the stream itself.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*tts.Stream, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (*tts.Stream, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}

// ListVoices asks the first healthy backend for its voice catalogue.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// CloneVoice builds a voice profile on the first healthy backend.
func (f *TTSFallback) CloneVoice(ctx context.Context, samples [][]byte) (*types.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (*types.VoiceProfile, error) {
		return p.CloneVoice(ctx, samples)
	})
}
