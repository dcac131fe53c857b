package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/provider/stt/whisper"
	"github.com/voxloop/voxloop/pkg/types"
)

// inferenceServer answers POST /inference with {"text": text} and counts the
// requests it serves.
func inferenceServer(t *testing.T, text string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": text})
	}))
}

// loudPCM returns n samples of a 16-bit square wave loud enough to register
// as speech for the energy detector.
func loudPCM(n int) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000)
		if i%36 < 18 {
			v = -8000
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

// quietPCM returns n zero samples.
func quietPCM(n int) []byte {
	return make([]byte, n*2)
}

// startSession builds a provider against srv with a 16 kHz mono stream and
// fails the test if anything refuses.
func startSession(t *testing.T, srv *httptest.Server, opts ...whisper.Option) stt.SessionHandle {
	t.Helper()
	p, err := whisper.New(srv.URL, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	return h
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("empty server URL", func(t *testing.T) {
		if _, err := whisper.New(""); err == nil {
			t.Fatal("expected error for empty serverURL")
		}
	})

	t.Run("valid URL", func(t *testing.T) {
		p, err := whisper.New("http://localhost:8080")
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if p == nil {
			t.Fatal("expected non-nil Provider")
		}
	})

	t.Run("all options accepted", func(t *testing.T) {
		_, err := whisper.New("http://localhost:8080",
			whisper.WithModel("small"),
			whisper.WithLanguage("de"),
			whisper.WithSampleRate(16000),
			whisper.WithSilenceThresholdMs(300),
			whisper.WithMaxBufferDurationMs(5000),
		)
		if err != nil {
			t.Fatalf("New with options: %v", err)
		}
	})
}

func TestStartStream(t *testing.T) {
	t.Parallel()
	srv := inferenceServer(t, "", nil)
	defer srv.Close()

	t.Run("handle is usable", func(t *testing.T) {
		h := startSession(t, srv)
		defer h.Close()
		if h.Partials() == nil {
			t.Error("Partials() returned nil channel")
		}
		if h.Finals() == nil {
			t.Error("Finals() returned nil channel")
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		p, _ := whisper.New(srv.URL)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1}); err == nil {
			t.Fatal("expected error for cancelled context")
		}
	})
}

func TestSetKeywordsUnsupported(t *testing.T) {
	t.Parallel()
	srv := inferenceServer(t, "", nil)
	defer srv.Close()

	h := startSession(t, srv)
	defer h.Close()

	if err := h.SetKeywords([]types.KeywordBoost{{Keyword: "Voxloop", Boost: 5}}); err == nil {
		t.Fatal("expected error from SetKeywords")
	}
	if err := h.SetKeywords(nil); err == nil {
		t.Fatal("expected error from SetKeywords(nil)")
	}
}

func TestSilenceOnlyNeverHitsServer(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := inferenceServer(t, "unexpected", &hits)
	defer srv.Close()

	h := startSession(t, srv,
		whisper.WithSilenceThresholdMs(50),
		whisper.WithSampleRate(16000),
	)

	// One second of pure silence. Leading silence is dropped, so no
	// utterance forms and no request goes out.
	_ = h.SendAudio(quietPCM(16000))
	time.Sleep(150 * time.Millisecond)
	h.Close()

	if n := hits.Load(); n != 0 {
		t.Errorf("server hit %d time(s) on silence-only audio, want 0", n)
	}
}

func TestSpeechThenSilenceEmitsTranscripts(t *testing.T) {
	t.Parallel()
	const want = "Hello darkness my old friend"
	srv := inferenceServer(t, want, nil)
	defer srv.Close()

	h := startSession(t, srv,
		whisper.WithSilenceThresholdMs(100),
		whisper.WithSampleRate(16000),
	)
	defer h.Close()

	// 100 ms of speech then 100 ms of silence, enough trailing quiet to
	// commit the utterance.
	if err := h.SendAudio(loudPCM(1600)); err != nil {
		t.Fatalf("SendAudio speech: %v", err)
	}
	if err := h.SendAudio(quietPCM(1600)); err != nil {
		t.Fatalf("SendAudio silence: %v", err)
	}

	select {
	case tr := <-h.Partials():
		if tr.Text != want {
			t.Errorf("partial text = %q, want %q", tr.Text, want)
		}
		if tr.IsFinal {
			t.Error("partial should have IsFinal = false")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for partial")
	}

	select {
	case tr := <-h.Finals():
		if tr.Text != want {
			t.Errorf("final text = %q, want %q", tr.Text, want)
		}
		if !tr.IsFinal {
			t.Error("final should have IsFinal = true")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for final")
	}
}

func TestBufferCapForcesFlush(t *testing.T) {
	t.Parallel()
	const want = "arcane surge"
	srv := inferenceServer(t, want, nil)
	defer srv.Close()

	// Silence threshold far out of reach; only the 200 ms size cap can
	// trigger the flush.
	h := startSession(t, srv,
		whisper.WithSilenceThresholdMs(10_000),
		whisper.WithMaxBufferDurationMs(200),
		whisper.WithSampleRate(16000),
	)
	defer h.Close()

	if err := h.SendAudio(loudPCM(3360)); err != nil { // 210 ms at 16 kHz
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case tr := <-h.Finals():
		if tr.Text != want {
			t.Errorf("final text = %q, want %q", tr.Text, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for forced-flush transcript")
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	srv := inferenceServer(t, "", nil)
	defer srv.Close()

	t.Run("closes both channels", func(t *testing.T) {
		h := startSession(t, srv)
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

	t.Run("idempotent", func(t *testing.T) {
		h := startSession(t, srv)
		if err := h.Close(); err != nil {
			t.Fatalf("first Close: %v", err)
		}
		if err := h.Close(); err != nil {
			t.Fatalf("second Close: %v", err)
		}
	})

	t.Run("SendAudio after Close fails", func(t *testing.T) {
		h := startSession(t, srv)
		h.Close()
		time.Sleep(50 * time.Millisecond)
		if err := h.SendAudio(loudPCM(100)); err == nil {
			t.Fatal("SendAudio after Close should fail")
		}
	})
}

func TestCloseFlushesPendingSpeech(t *testing.T) {
	t.Parallel()
	const want = "sword of destiny"
	srv := inferenceServer(t, want, nil)
	defer srv.Close()

	// Threshold so large only Close can flush.
	h := startSession(t, srv,
		whisper.WithSilenceThresholdMs(60_000),
		whisper.WithSampleRate(16000),
	)

	_ = h.SendAudio(loudPCM(1600))
	time.Sleep(50 * time.Millisecond) // let the worker buffer the chunk
	h.Close()

	// Finals is closed now; anything that did arrive must carry the text.
	for tr := range h.Finals() {
		if tr.Text != want {
			t.Errorf("close-flush transcript = %q, want %q", tr.Text, want)
		}
	}
}

func TestServerErrorIsSwallowed(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := startSession(t, srv,
		whisper.WithSilenceThresholdMs(100),
		whisper.WithSampleRate(16000),
	)
	defer h.Close()

	_ = h.SendAudio(loudPCM(1600))
	_ = h.SendAudio(quietPCM(1600))

	// The failed inference must not surface a transcript, and the session
	// must keep running.
	select {
	case tr, open := <-h.Finals():
		if open {
			t.Errorf("expected no finals on server error, got %q", tr.Text)
		}
	case <-time.After(3 * time.Second):
	}
}

func TestEmptyTranscriptionIsDropped(t *testing.T) {
	t.Parallel()
	srv := inferenceServer(t, "", nil)
	defer srv.Close()

	h := startSession(t, srv,
		whisper.WithSilenceThresholdMs(100),
		whisper.WithSampleRate(16000),
	)
	defer h.Close()

	_ = h.SendAudio(loudPCM(1600))
	_ = h.SendAudio(quietPCM(1600))

	select {
	case tr := <-h.Finals():
		if tr.Text == "" {
			t.Error("empty-text transcript leaked onto Finals")
		}
	case <-time.After(2 * time.Second):
		// Nothing emitted: correct for an empty server response.
	}
}

func TestConcurrentSendAudio(t *testing.T) {
	t.Parallel()
	srv := inferenceServer(t, "hello", nil)
	defer srv.Close()

	h := startSession(t, srv,
		whisper.WithSilenceThresholdMs(100),
		whisper.WithSampleRate(16000),
	)
	defer h.Close()

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 10; j++ {
				_ = h.SendAudio(loudPCM(160))
			}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
}
