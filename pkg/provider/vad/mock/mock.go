// Package mock holds test doubles for the vad interfaces.
//
// Engine checks that sessions open with the expected Config; Session scripts
// VADEvent responses and records the frames it was fed:
//
//	sess := &mock.Session{
//	    EventResult: types.VADEvent{Type: types.VADSpeechStart, Probability: 0.9},
//	}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/vad"
	"github.com/voxloop/voxloop/pkg/types"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// NewSessionCall is one recorded Engine.NewSession invocation.
type NewSessionCall struct {
	Cfg vad.Config
}

// Engine implements vad.Engine with a fixed session and call recording.
// Safe for concurrent use.
type Engine struct {
	mu sync.Mutex

	Session       vad.SessionHandle // returned by NewSession; nil yields a fresh default Session
	NewSessionErr error             // returned by NewSession when non-nil

	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Reset drops the recorded calls.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = nil
}

// ProcessFrameCall is one recorded Session.ProcessFrame invocation. Frame is
// a copy, insulated from later caller mutation.
type ProcessFrameCall struct {
	Frame []byte
}

// Session implements vad.SessionHandle. Script, when non-empty, is consumed
// one event per ProcessFrame call; EventResult answers everything after.
// Safe for concurrent use.
type Session struct {
	mu sync.Mutex

	EventResult     types.VADEvent
	Script          []types.VADEvent
	ProcessFrameErr error // returned by every ProcessFrame call when non-nil
	CloseErr        error // returned by Close

	ProcessFrameCalls []ProcessFrameCall
	ResetCallCount    int
	CloseCallCount    int
}

// ProcessFrame records the frame and returns the next scripted event (or
// EventResult) plus ProcessFrameErr.
func (s *Session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProcessFrameCalls = append(s.ProcessFrameCalls, ProcessFrameCall{
		Frame: append([]byte(nil), frame...),
	})
	if len(s.Script) > 0 {
		ev := s.Script[0]
		s.Script = s.Script[1:]
		return ev, s.ProcessFrameErr
	}
	return s.EventResult, s.ProcessFrameErr
}

// Reset bumps ResetCallCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close bumps CloseCallCount and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// ResetCalls drops all recorded history, keeping the configured responses.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProcessFrameCalls = nil
	s.ResetCallCount = 0
	s.CloseCallCount = 0
}
