// Package energy implements an RMS energy gate as a vad.Engine.
//
// The detector computes the root-mean-square amplitude of each 16-bit PCM
// frame, normalizes it to [0.0, 1.0], and applies hysteresis: a frame counts
// as speech above Config.SpeechThreshold and as silence below
// Config.SilenceThreshold. Debounce counters require several consecutive
// frames of each class before a SpeechStart or SpeechEnd event fires, which
// suppresses clicks and brief pauses.
//
// Energy gating is crude compared to model-based VAD but has zero startup
// cost and no native dependencies, which makes it the default detector and
// the one used throughout the test suite.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/vad"
	"github.com/voxloop/voxloop/pkg/types"
)

// Engine creates RMS energy sessions. The zero value is ready to use.
type Engine struct{}

// New returns a ready-to-use energy Engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg and returns a session with fresh debounce state.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame size %dms", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %f out of range [0,1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %f must be in [0, %f]", cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	startFrames := cfg.SpeechStartFrames
	if startFrames < 1 {
		startFrames = 1
	}
	endFrames := cfg.SpeechEndFrames
	if endFrames < 1 {
		endFrames = 1
	}
	// 16-bit mono PCM: 2 bytes per sample.
	frameBytes := cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2
	return &session{
		cfg:         cfg,
		frameBytes:  frameBytes,
		startFrames: startFrames,
		endFrames:   endFrames,
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

type session struct {
	mu          sync.Mutex
	cfg         vad.Config
	frameBytes  int
	startFrames int
	endFrames   int

	inSpeech      bool
	speechStreak  int
	silenceStreak int
	closed        bool
}

// ProcessFrame classifies one PCM frame. See the package documentation for
// the hysteresis rules.
func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.VADEvent{}, errors.New("energy: session closed")
	}
	if len(frame) != s.frameBytes {
		return types.VADEvent{}, fmt.Errorf("energy: frame size %d bytes, want %d", len(frame), s.frameBytes)
	}

	prob := rms(frame)

	if prob >= s.cfg.SpeechThreshold {
		s.speechStreak++
		s.silenceStreak = 0
	} else if prob < s.cfg.SilenceThreshold {
		s.silenceStreak++
		s.speechStreak = 0
	} else {
		// Between the two thresholds the current classification holds.
		s.speechStreak = 0
		s.silenceStreak = 0
	}

	switch {
	case !s.inSpeech && s.speechStreak >= s.startFrames:
		s.inSpeech = true
		s.speechStreak = 0
		return types.VADEvent{Type: types.VADSpeechStart, Probability: prob}, nil
	case s.inSpeech && s.silenceStreak >= s.endFrames:
		s.inSpeech = false
		s.silenceStreak = 0
		return types.VADEvent{Type: types.VADSpeechEnd, Probability: prob}, nil
	case s.inSpeech:
		return types.VADEvent{Type: types.VADSpeechContinue, Probability: prob}, nil
	default:
		return types.VADEvent{Type: types.VADSilence, Probability: prob}, nil
	}
}

// Reset clears debounce state, returning the session to silence.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
	s.speechStreak = 0
	s.silenceStreak = 0
}

// Close marks the session unusable. Safe to call more than once.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ vad.SessionHandle = (*session)(nil)

// rms returns the normalized root-mean-square amplitude of a little-endian
// 16-bit PCM frame, in [0.0, 1.0].
func rms(frame []byte) float64 {
	if len(frame) < 2 {
		return 0
	}
	var sum float64
	n := len(frame) / 2
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(frame[i*2:]))
		f := float64(sample)
		sum += f * f
	}
	return math.Sqrt(sum/float64(n)) / 32768.0
}
