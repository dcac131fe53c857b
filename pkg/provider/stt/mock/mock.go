// Package mock holds test doubles for the stt interfaces.
//
// Provider checks that streams open with the expected StreamConfig; Session
// lets the test feed Transcript values through channels it owns and records
// the audio it was handed:
//
//	sess := &mock.Session{
//	    PartialsCh: make(chan types.Transcript, 1),
//	    FinalsCh:   make(chan types.Transcript, 1),
//	}
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/types"
)

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)

// StartStreamCall is one recorded Provider.StartStream invocation.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider implements stt.Provider with a fixed session and call recording.
// Safe for concurrent use.
type Provider struct {
	mu sync.Mutex

	Session        stt.SessionHandle // returned by StartStream; nil yields a default Session with buffered channels
	StartStreamErr error             // returned by StartStream when non-nil

	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return &Session{
		PartialsCh: make(chan types.Transcript, 16),
		FinalsCh:   make(chan types.Transcript, 16),
	}, nil
}

// Reset drops the recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// SendAudioCall is one recorded Session.SendAudio invocation. Chunk is a
// copy, insulated from later caller mutation.
type SendAudioCall struct {
	Chunk []byte
}

// SetKeywordsCall is one recorded Session.SetKeywords invocation.
type SetKeywordsCall struct {
	Keywords []types.KeywordBoost
}

// Session implements stt.SessionHandle. The test owns PartialsCh and
// FinalsCh: it sends the transcripts the consumer should see and closes the
// channels to end the stream. Safe for concurrent use.
type Session struct {
	mu sync.Mutex

	PartialsCh chan types.Transcript // handed out by Partials()
	FinalsCh   chan types.Transcript // handed out by Finals()

	SendAudioErr   error // returned by every SendAudio call
	SetKeywordsErr error // returned by every SetKeywords call
	ErrResult      error // returned by Err; set before closing FinalsCh to fake a provider failure
	CloseErr       error // returned by Close

	SendAudioCalls   []SendAudioCall
	SetKeywordsCalls []SetKeywordsCall
	CloseCallCount   int
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{
		Chunk: append([]byte(nil), chunk...),
	})
	return s.SendAudioErr
}

// Partials returns PartialsCh, which the test must have initialised.
func (s *Session) Partials() <-chan types.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PartialsCh
}

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan types.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FinalsCh
}

// Err returns ErrResult.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrResult
}

// SetKeywords records the keyword list and returns SetKeywordsErr.
func (s *Session) SetKeywords(keywords []types.KeywordBoost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SetKeywordsCalls = append(s.SetKeywordsCalls, SetKeywordsCall{
		Keywords: append([]types.KeywordBoost(nil), keywords...),
	})
	return s.SetKeywordsErr
}

// SendAudioCallCount reports how often SendAudio ran.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// CloseCount reports how often Close ran.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
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
	s.SendAudioCalls = nil
	s.SetKeywordsCalls = nil
	s.CloseCallCount = 0
}
