package energy

import (
	"encoding/binary"
	"testing"

	"github.com/voxloop/voxloop/pkg/provider/vad"
	"github.com/voxloop/voxloop/pkg/types"
)

// ─── Helpers ───

// pcmFrame builds a 20ms 16kHz mono frame where every sample has the given
// amplitude.
func pcmFrame(amplitude int16) []byte {
	const samples = 16000 * 20 / 1000
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(amplitude))
	}
	return buf
}

func newTestSession(t *testing.T, cfg vad.Config) vad.SessionHandle {
	t.Helper()
	sess, err := New().NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return sess
}

var defaultCfg = vad.Config{
	SampleRate:        16000,
	FrameSizeMs:       20,
	SpeechThreshold:   0.5,
	SilenceThreshold:  0.35,
	SpeechStartFrames: 2,
	SpeechEndFrames:   3,
}

// Amplitudes chosen so rms() lands clearly above/below the thresholds:
// 32767/32768 ≈ 1.0 (speech), 0 = 0.0 (silence).
var (
	loud  = pcmFrame(32767)
	quiet = pcmFrame(0)
)

// ─── Config validation ───

func TestNewSessionValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  vad.Config
	}{
		{"zero sample rate", vad.Config{FrameSizeMs: 20, SpeechThreshold: 0.5, SilenceThreshold: 0.3}},
		{"zero frame size", vad.Config{SampleRate: 16000, SpeechThreshold: 0.5, SilenceThreshold: 0.3}},
		{"speech threshold above 1", vad.Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 1.5, SilenceThreshold: 0.3}},
		{"silence above speech", vad.Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 0.4, SilenceThreshold: 0.6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New().NewSession(tt.cfg); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

// ─── Detection ───

func TestSpeechStartRequiresConsecutiveFrames(t *testing.T) {
	t.Parallel()
	sess := newTestSession(t, defaultCfg)
	defer sess.Close()

	ev, err := sess.ProcessFrame(loud)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != types.VADSilence {
		t.Fatalf("first loud frame: got %v, want VADSilence (debounce)", ev.Type)
	}

	ev, _ = sess.ProcessFrame(loud)
	if ev.Type != types.VADSpeechStart {
		t.Fatalf("second loud frame: got %v, want VADSpeechStart", ev.Type)
	}
	if ev.Probability < 0.9 {
		t.Fatalf("probability = %f, want near 1.0", ev.Probability)
	}

	ev, _ = sess.ProcessFrame(loud)
	if ev.Type != types.VADSpeechContinue {
		t.Fatalf("third loud frame: got %v, want VADSpeechContinue", ev.Type)
	}
}

func TestSpeechEndRequiresConsecutiveSilence(t *testing.T) {
	t.Parallel()
	sess := newTestSession(t, defaultCfg)
	defer sess.Close()

	sess.ProcessFrame(loud)
	sess.ProcessFrame(loud) // SpeechStart

	// Two quiet frames are not enough with SpeechEndFrames=3.
	for i := 0; i < 2; i++ {
		ev, _ := sess.ProcessFrame(quiet)
		if ev.Type != types.VADSpeechContinue {
			t.Fatalf("quiet frame %d: got %v, want VADSpeechContinue", i+1, ev.Type)
		}
	}

	ev, _ := sess.ProcessFrame(quiet)
	if ev.Type != types.VADSpeechEnd {
		t.Fatalf("third quiet frame: got %v, want VADSpeechEnd", ev.Type)
	}

	ev, _ = sess.ProcessFrame(quiet)
	if ev.Type != types.VADSilence {
		t.Fatalf("after end: got %v, want VADSilence", ev.Type)
	}
}

func TestBriefPauseDoesNotEndSpeech(t *testing.T) {
	t.Parallel()
	sess := newTestSession(t, defaultCfg)
	defer sess.Close()

	sess.ProcessFrame(loud)
	sess.ProcessFrame(loud) // SpeechStart

	// A quiet frame followed by a loud one resets the silence streak.
	sess.ProcessFrame(quiet)
	sess.ProcessFrame(loud)
	sess.ProcessFrame(quiet)
	sess.ProcessFrame(quiet)
	ev, _ := sess.ProcessFrame(loud)
	if ev.Type != types.VADSpeechContinue {
		t.Fatalf("got %v, want VADSpeechContinue (pause shorter than hangover)", ev.Type)
	}
}

func TestResetClearsState(t *testing.T) {
	t.Parallel()
	sess := newTestSession(t, defaultCfg)
	defer sess.Close()

	sess.ProcessFrame(loud)
	sess.ProcessFrame(loud) // in speech now
	sess.Reset()

	ev, _ := sess.ProcessFrame(quiet)
	if ev.Type != types.VADSilence {
		t.Fatalf("after reset: got %v, want VADSilence", ev.Type)
	}
}

// ─── Frame size and lifecycle ───

func TestWrongFrameSizeRejected(t *testing.T) {
	t.Parallel()
	sess := newTestSession(t, defaultCfg)
	defer sess.Close()

	if _, err := sess.ProcessFrame(make([]byte, 10)); err == nil {
		t.Fatal("expected error for wrong frame size, got nil")
	}
}

func TestProcessAfterCloseFails(t *testing.T) {
	t.Parallel()
	sess := newTestSession(t, defaultCfg)

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := sess.ProcessFrame(loud); err == nil {
		t.Fatal("expected error after Close, got nil")
	}
}
