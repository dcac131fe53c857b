package whisper_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/provider/stt/whisper"
	"github.com/voxloop/voxloop/pkg/types"
)

// nativeProvider loads the model named by WHISPER_MODEL_PATH, skipping the
// test when the variable is unset. These are integration tests; they need a
// real ggml model file and the whisper.cpp static library.
func nativeProvider(t *testing.T, opts ...whisper.NativeOption) *whisper.NativeProvider {
	t.Helper()
	path := os.Getenv("WHISPER_MODEL_PATH")
	if path == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	p, err := whisper.NewNative(path, opts...)
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func nativeStream(t *testing.T, p *whisper.NativeProvider) stt.SessionHandle {
	t.Helper()
	h, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	return h
}

func TestNewNativeValidation(t *testing.T) {
	t.Parallel()

	if _, err := whisper.NewNative(""); err == nil {
		t.Fatal("expected error for empty model path")
	}
	if _, err := whisper.NewNative("/nonexistent/path/to/model.bin"); err == nil {
		t.Fatal("expected error for invalid model path")
	}
}

func TestNewNativeOptions(t *testing.T) {
	p := nativeProvider(t,
		whisper.WithNativeLanguage("en"),
		whisper.WithNativeSampleRate(16000),
		whisper.WithNativeSilenceThresholdMs(300),
		whisper.WithNativeMaxBufferDurationMs(5000),
	)
	if p == nil {
		t.Fatal("expected non-nil NativeProvider")
	}
}

func TestNativeStartStream(t *testing.T) {
	p := nativeProvider(t)

	t.Run("handle is usable", func(t *testing.T) {
		h := nativeStream(t, p)
		defer h.Close()
		if h.Partials() == nil {
			t.Error("Partials() returned nil channel")
		}
		if h.Finals() == nil {
			t.Error("Finals() returned nil channel")
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1}); err == nil {
			t.Fatal("expected error for cancelled context")
		}
	})
}

func TestNativeSetKeywordsUnsupported(t *testing.T) {
	p := nativeProvider(t)
	h := nativeStream(t, p)
	defer h.Close()

	if err := h.SetKeywords([]types.KeywordBoost{{Keyword: "test", Boost: 5}}); err == nil {
		t.Fatal("expected error from SetKeywords")
	}
}

func TestNativeSilenceOnlyEmitsNothing(t *testing.T) {
	p := nativeProvider(t,
		whisper.WithNativeSilenceThresholdMs(50),
		whisper.WithNativeSampleRate(16000),
	)
	h := nativeStream(t, p)

	_ = h.SendAudio(quietPCM(16000))
	time.Sleep(150 * time.Millisecond)
	h.Close()

	select {
	case tr, open := <-h.Finals():
		if open {
			t.Errorf("unexpected transcript for silence-only audio: %q", tr.Text)
		}
	default:
	}
}

func TestNativeSpeechThenSilenceTranscribes(t *testing.T) {
	p := nativeProvider(t,
		whisper.WithNativeLanguage("en"),
		whisper.WithNativeSilenceThresholdMs(100),
		whisper.WithNativeSampleRate(16000),
	)
	h := nativeStream(t, p)
	defer h.Close()

	if err := h.SendAudio(loudPCM(1600)); err != nil {
		t.Fatalf("SendAudio speech: %v", err)
	}
	if err := h.SendAudio(quietPCM(1600)); err != nil {
		t.Fatalf("SendAudio silence: %v", err)
	}

	// The text depends on the model; only presence and finality are
	// asserted here.
	select {
	case tr := <-h.Finals():
		if !tr.IsFinal {
			t.Error("final transcript should have IsFinal = true")
		}
		t.Logf("transcribed text: %q", tr.Text)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for final transcript")
	}
}

func TestNativeClose(t *testing.T) {
	p := nativeProvider(t)

	t.Run("idempotent", func(t *testing.T) {
		h := nativeStream(t, p)
		if err := h.Close(); err != nil {
			t.Fatalf("first Close: %v", err)
		}
		if err := h.Close(); err != nil {
			t.Fatalf("second Close: %v", err)
		}
	})

	t.Run("SendAudio after Close fails", func(t *testing.T) {
		h := nativeStream(t, p)
		h.Close()
		time.Sleep(50 * time.Millisecond)
		if err := h.SendAudio(loudPCM(100)); err == nil {
			t.Fatal("SendAudio after Close should fail")
		}
	})

	t.Run("closes both channels", func(t *testing.T) {
		h := nativeStream(t, p)
		h.Close()

		for name, ch := range map[string]<-chan types.Transcript{
			"Partials": h.Partials(),
			"Finals":   h.Finals(),
		} {
			select {
			case _, open := <-ch:
				if open {
					t.Errorf("%s should be closed after Close()", name)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out waiting for %s to close", name)
			}
		}
	})
}
