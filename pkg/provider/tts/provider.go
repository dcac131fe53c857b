// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or a
// local OpenAI-compatible server) and presents a uniform streaming interface.
// The primary entry point is SynthesizeStream, which accepts a channel of text
// fragments and returns a Stream emitting raw PCM audio bytes as they become
// available — enabling low-latency pipelining between LLM output and audio
// playback.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"sync/atomic"

	"github.com/voxloop/voxloop/pkg/types"
)

// Stream carries the synthesized audio for one SynthesizeStream call.
//
// The Audio channel is closed by the provider when synthesis finishes, fails,
// or the context is cancelled. After Audio closes, Err reports whether the
// stream ended cleanly.
type Stream struct {
	// Audio emits raw PCM audio byte slices as they are synthesised.
	// Closed by the provider when the stream ends.
	Audio <-chan []byte

	streamErr atomic.Pointer[error]
}

// SetErr records the terminal error of the stream. Providers call this at most
// once, before closing the Audio channel. Consumers must not call it.
func (s *Stream) SetErr(err error) {
	if err != nil {
		s.streamErr.Store(&err)
	}
}

// Err returns the error that terminated the stream, or nil for a clean end.
// Only meaningful after the Audio channel has closed.
func (s *Stream) Err() error {
	if p := s.streamErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a Stream whose Audio channel emits raw PCM audio byte slices as
	// they are synthesised. This design allows the caller to pipe LLM
	// streaming output directly into synthesis without waiting for the full
	// text to be available.
	//
	// The Stream's Audio channel is closed by the implementation when all
	// text has been synthesised or when ctx is cancelled. The caller must
	// drain the Audio channel to avoid blocking the provider's internal
	// goroutines, then check Stream.Err to distinguish a clean end from a
	// synthesis failure.
	//
	// voice specifies the voice profile to use for synthesis. Providers
	// should return an error if the requested voice is not available.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*Stream, error)

	// ListVoices returns all voice profiles available from this provider. The
	// list reflects the provider's current catalogue and may change between
	// calls if the underlying service adds or removes voices.
	//
	// Returns an error if the provider cannot be reached or if ctx is
	// cancelled before the list is retrieved.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)

	// CloneVoice creates a new voice profile by training on the supplied
	// audio samples. Each element of samples must be raw PCM or a
	// provider-supported encoded format (e.g., WAV, MP3 — consult the
	// implementation).
	//
	// This is an expensive operation and should not be called in the hot
	// path. Returns a pointer to the newly created VoiceProfile (with a
	// provider-assigned ID) or an error if cloning fails. A nil samples slice
	// or an empty slice should return an error rather than panic.
	CloneVoice(ctx context.Context, samples [][]byte) (*types.VoiceProfile, error)
}
