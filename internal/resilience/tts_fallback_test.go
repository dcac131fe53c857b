package resilience

import (
	"context"
	"errors"
	"testing"

	ttsmock "github.com/voxloop/voxloop/pkg/provider/tts/mock"
	"github.com/voxloop/voxloop/pkg/types"
)

func ttsChain(primary, secondary *ttsmock.Provider) *TTSFallback {
	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)
	return fb
}

// textInput returns a closed channel that yields the given sentences.
func textInput(sentences ...string) chan string {
	ch := make(chan string, len(sentences))
	for _, s := range sentences {
		ch <- s
	}
	close(ch)
	return ch
}

// drainAudio collects every chunk as a string for easy comparison.
func drainAudio(audio <-chan []byte) []string {
	var out []string
	for chunk := range audio {
		out = append(out, string(chunk))
	}
	return out
}

func TestTTSFallbackSynthesizeStream(t *testing.T) {
	t.Parallel()

	t.Run("healthy primary synthesizes", func(t *testing.T) {
		t.Parallel()
		primary := &ttsmock.Provider{
			SynthesizeChunks: [][]byte{[]byte("audio1"), []byte("audio2")},
		}
		secondary := &ttsmock.Provider{
			SynthesizeChunks: [][]byte{[]byte("fallback-audio")},
		}
		fb := ttsChain(primary, secondary)

		stream, err := fb.SynthesizeStream(context.Background(), textInput("hello"), types.VoiceProfile{
			ID:   "v1",
			Name: "TestVoice",
		})
		if err != nil {
			t.Fatalf("SynthesizeStream: %v", err)
		}

		chunks := drainAudio(stream.Audio)
		if err := stream.Err(); err != nil {
			t.Fatalf("stream ended with error: %v", err)
		}
		if len(chunks) != 2 || chunks[0] != "audio1" || chunks[1] != "audio2" {
			t.Errorf("chunks = %q, want [audio1 audio2]", chunks)
		}
		if got := len(secondary.SynthesizeStreamCalls); got != 0 {
			t.Errorf("secondary received %d calls, want 0", got)
		}
	})

	t.Run("failing primary falls through", func(t *testing.T) {
		t.Parallel()
		primary := &ttsmock.Provider{SynthesizeErr: errors.New("primary down")}
		secondary := &ttsmock.Provider{
			SynthesizeChunks: [][]byte{[]byte("fallback-audio")},
		}
		fb := ttsChain(primary, secondary)

		stream, err := fb.SynthesizeStream(context.Background(), textInput("hello"), types.VoiceProfile{})
		if err != nil {
			t.Fatalf("SynthesizeStream: %v", err)
		}

		chunks := drainAudio(stream.Audio)
		if len(chunks) != 1 || chunks[0] != "fallback-audio" {
			t.Errorf("chunks = %q, want [fallback-audio]", chunks)
		}
		if got := len(secondary.SynthesizeStreamCalls); got != 1 {
			t.Errorf("secondary received %d calls, want 1", got)
		}
	})

	t.Run("whole chain failing", func(t *testing.T) {
		t.Parallel()
		fb := ttsChain(
			&ttsmock.Provider{SynthesizeErr: errors.New("primary down")},
			&ttsmock.Provider{SynthesizeErr: errors.New("secondary down")},
		)

		_, err := fb.SynthesizeStream(context.Background(), textInput(), types.VoiceProfile{})
		if !errors.Is(err, ErrAllFailed) {
			t.Fatalf("err = %v, want ErrAllFailed", err)
		}
	})
}

func TestTTSFallbackListVoices(t *testing.T) {
	t.Parallel()
	fb := ttsChain(
		&ttsmock.Provider{ListVoicesErr: errors.New("primary down")},
		&ttsmock.Provider{
			ListVoicesResult: []types.VoiceProfile{
				{ID: "v1", Name: "Alice"},
				{ID: "v2", Name: "Bob"},
			},
		},
	)

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}
	if voices[0].Name != "Alice" {
		t.Errorf("voices[0].Name = %q, want Alice", voices[0].Name)
	}
}

func TestTTSFallbackCloneVoice(t *testing.T) {
	t.Parallel()
	fb := ttsChain(
		&ttsmock.Provider{CloneVoiceErr: errors.New("primary down")},
		&ttsmock.Provider{
			CloneVoiceResult: &types.VoiceProfile{ID: "cloned-v1", Name: "ClonedVoice"},
		},
	)

	voice, err := fb.CloneVoice(context.Background(), [][]byte{[]byte("sample-audio")})
	if err != nil {
		t.Fatalf("CloneVoice: %v", err)
	}
	if voice.ID != "cloned-v1" {
		t.Errorf("voice.ID = %q, want cloned-v1", voice.ID)
	}
}
