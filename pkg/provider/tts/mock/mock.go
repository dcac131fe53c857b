// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify that
// the correct VoiceProfile and text fragments are passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeChunks: [][]byte{[]byte("audio1"), []byte("audio2")},
//	    ListVoicesResult: []types.VoiceProfile{{ID: "v1", Name: "Alice"}},
//	}
//	stream, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/tts"
	"github.com/voxloop/voxloop/pkg/types"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Text is the text input channel passed to SynthesizeStream.
	Text <-chan string
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice types.VoiceProfile
}

// ListVoicesCall records a single invocation of ListVoices.
type ListVoicesCall struct {
	// Ctx is the context passed to ListVoices.
	Ctx context.Context
}

// CloneVoiceCall records a single invocation of CloneVoice.
type CloneVoiceCall struct {
	// Ctx is the context passed to CloneVoice.
	Ctx context.Context
	// Samples is a copy of the audio samples passed to CloneVoice.
	Samples [][]byte
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeChunks is the sequence of audio byte slices emitted on the
	// Stream once the text channel has been fully consumed. Ignored when
	// EchoText is set.
	SynthesizeChunks [][]byte

	// EchoText, when true, emits one audio chunk per received text fragment,
	// containing the fragment's bytes. This lets tests correlate emitted audio
	// with the sentences that were dispatched for synthesis.
	EchoText bool

	// StreamErr, if non-nil, is recorded on the Stream before its Audio
	// channel closes, simulating a mid-synthesis failure.
	StreamErr error

	// SynthesizeErr, if non-nil, is returned as the error from
	// SynthesizeStream instead of starting a stream.
	SynthesizeErr error

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []types.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// CloneVoiceResult is returned by CloneVoice. May be nil.
	CloneVoiceResult *types.VoiceProfile

	// CloneVoiceErr, if non-nil, is returned as the error from CloneVoice.
	CloneVoiceErr error

	// --- Call records ---

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []SynthesizeStreamCall

	// ListVoicesCalls records every call to ListVoices in order.
	ListVoicesCalls []ListVoicesCall

	// CloneVoiceCalls records every call to CloneVoice in order.
	CloneVoiceCalls []CloneVoiceCall

	// receivedTexts[i] holds the fragments consumed from the text channel of
	// the ith SynthesizeStream call. Appended to concurrently by the stream
	// goroutine; read it via ReceivedTexts after the stream has closed.
	receivedTexts [][]string
}

// SynthesizeStream records the call and, if SynthesizeErr is nil, returns a
// Stream that consumes the text channel and emits audio per the configured
// fields.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*tts.Stream, error) {
	p.mu.Lock()
	callIdx := len(p.SynthesizeStreamCalls)
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Ctx: ctx, Text: text, Voice: voice})
	p.receivedTexts = append(p.receivedTexts, nil)
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.SynthesizeChunks))
	copy(chunks, p.SynthesizeChunks)
	echo := p.EchoText
	streamErr := p.StreamErr
	p.mu.Unlock()

	ch := make(chan []byte, 64)
	stream := &tts.Stream{Audio: ch}

	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case fragment, ok := <-text:
				if !ok {
					if !echo {
						for _, audio := range chunks {
							select {
							case <-ctx.Done():
								return
							case ch <- audio:
							}
						}
					}
					stream.SetErr(streamErr)
					return
				}
				p.mu.Lock()
				p.receivedTexts[callIdx] = append(p.receivedTexts[callIdx], fragment)
				p.mu.Unlock()
				if echo {
					select {
					case <-ctx.Done():
						return
					case ch <- []byte(fragment):
					}
				}
			}
		}
	}()
	return stream, nil
}

// ReceivedTexts returns the text fragments consumed from the text channel of
// the ith SynthesizeStream call. Only stable once that call's stream has
// closed. Thread-safe.
func (p *Provider) ReceivedTexts(i int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.receivedTexts) {
		return nil
	}
	out := make([]string, len(p.receivedTexts[i]))
	copy(out, p.receivedTexts[i])
	return out
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls = append(p.ListVoicesCalls, ListVoicesCall{Ctx: ctx})
	return p.ListVoicesResult, p.ListVoicesErr
}

// CloneVoice records the call and returns CloneVoiceResult, CloneVoiceErr.
func (p *Provider) CloneVoice(ctx context.Context, samples [][]byte) (*types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	samplesCopy := make([][]byte, len(samples))
	copy(samplesCopy, samples)
	p.CloneVoiceCalls = append(p.CloneVoiceCalls, CloneVoiceCall{Ctx: ctx, Samples: samplesCopy})
	return p.CloneVoiceResult, p.CloneVoiceErr
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
	p.ListVoicesCalls = nil
	p.CloneVoiceCalls = nil
	p.receivedTexts = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
