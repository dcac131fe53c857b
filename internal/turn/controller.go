package turn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/pkg/event"
	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/provider/tts"
	"github.com/voxloop/voxloop/pkg/types"
)

const (
	// defaultMaxToolRounds bounds how many times the model may request
	// tools within one turn before the turn fails.
	defaultMaxToolRounds = 4

	// defaultSentenceQueue is the buffer depth between sentence assembly
	// and the TTS stream. Kept small so "spoken so far" tracks what the
	// user actually hears.
	defaultSentenceQueue = 2

	defaultSTTTimeout = 10 * time.Second
	defaultLLMTimeout = 60 * time.Second
	defaultTTSTimeout = 30 * time.Second
)

// ToolExecutor runs a single tool invocation requested by the model.
// Implementations enforce their own per-tool timeouts.
type ToolExecutor interface {
	Execute(ctx context.Context, call types.ToolCall) (string, error)
}

// Corrector cleans up a final transcript before it reaches the model.
// Correction is best effort; on error the original text is used.
type Corrector interface {
	Correct(ctx context.Context, transcript types.Transcript) (string, error)
}

// Config assembles the providers and policy for a Controller. LLM, TTS, and
// Emitter are required; STT may be nil for text-only sessions.
type Config struct {
	STT       stt.Provider
	STTConfig stt.StreamConfig
	LLM       llm.Provider
	TTS       tts.Provider
	Voice     types.VoiceProfile

	// STTName, LLMName, and TTSName identify the configured vendors in
	// error values and events (e.g. "deepgram", "openai", "elevenlabs").
	STTName string
	LLMName string
	TTSName string

	// SystemPrompt is sent with every completion request.
	SystemPrompt string

	// Tools offered to the model; nil disables tool calling.
	Tools []types.ToolDefinition

	// Exec runs tool invocations. Required when Tools is non-empty.
	Exec ToolExecutor

	// Corrector optionally post-processes final transcripts.
	Corrector Corrector

	// Temperature and MaxTokens are passed through to completion requests.
	Temperature float64
	MaxTokens   int

	// MaxToolRounds bounds tool-call recursion per turn. <= 0 selects the
	// default.
	MaxToolRounds int

	// MaxSentenceLen is the no-punctuation cut-off for sentence assembly.
	MaxSentenceLen int

	// SentenceQueue is the sentence buffer depth in front of TTS.
	SentenceQueue int

	// STTTimeout bounds the wait for a final transcript after end of
	// speech. LLMTimeout bounds one completion round. TTSTimeout bounds
	// the idle gap between consecutive audio chunks. <= 0 selects
	// defaults; expiry surfaces as a *types.ProviderError.
	STTTimeout time.Duration
	LLMTimeout time.Duration
	TTSTimeout time.Duration

	Emitter *event.Emitter
	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Controller executes the pipeline for one turn at a time. It is created
// once per session and reused across turns; all per-turn state lives in the
// [Turn] value.
type Controller struct {
	cfg Config
	log *slog.Logger
}

// New validates cfg and creates a Controller.
func New(cfg Config) (*Controller, error) {
	var errs []error
	if cfg.LLM == nil {
		errs = append(errs, errors.New("turn: LLM provider is required"))
	}
	if cfg.TTS == nil {
		errs = append(errs, errors.New("turn: TTS provider is required"))
	}
	if cfg.Emitter == nil {
		errs = append(errs, errors.New("turn: event emitter is required"))
	}
	if len(cfg.Tools) > 0 && cfg.Exec == nil {
		errs = append(errs, errors.New("turn: tool executor is required when tools are configured"))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaultMaxToolRounds
	}
	if cfg.SentenceQueue <= 0 {
		cfg.SentenceQueue = defaultSentenceQueue
	}
	if cfg.STTTimeout <= 0 {
		cfg.STTTimeout = defaultSTTTimeout
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = defaultLLMTimeout
	}
	if cfg.TTSTimeout <= 0 {
		cfg.TTSTimeout = defaultTTSTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	return &Controller{cfg: cfg, log: cfg.Logger.With("component", "turn")}, nil
}

// STTTimeout exposes the configured final-transcript wait for the session's
// listening loop.
func (c *Controller) STTTimeout() time.Duration { return c.cfg.STTTimeout }

func (c *Controller) provErr(phase types.PipelinePhase, err error) *types.ProviderError {
	var name string
	switch phase {
	case types.PhaseSTT:
		name = c.cfg.STTName
	case types.PhaseLLM:
		name = c.cfg.LLMName
	case types.PhaseTTS:
		name = c.cfg.TTSName
	}
	return &types.ProviderError{Phase: phase, Provider: name, Err: err}
}

// FinalResult is delivered on [Listener.Final] when listening ends.
type FinalResult struct {
	// Text is the full corrected transcript of the utterance. May be
	// empty when the provider recognised no speech.
	Text string

	// Err is non-nil when the STT session ended abnormally.
	Err error
}

// Listener is an open STT stream for one turn. The session feeds it audio
// frames while the user is speaking, calls Finish on end of speech, and then
// awaits Final. Abort discards the stream without waiting for a transcript.
type Listener struct {
	c          *Controller
	t          *Turn
	handle     stt.SessionHandle
	final      chan FinalResult
	finishOnce sync.Once
}

// NewListener opens the STT stream for turn t and starts forwarding partial
// transcripts to the event sink. The turn enters StateListening.
func (c *Controller) NewListener(ctx context.Context, t *Turn) (*Listener, error) {
	if c.cfg.STT == nil {
		return nil, c.provErr(types.PhaseSTT, errors.New("no STT provider configured"))
	}

	t.SetState(StateListening)
	t.markSTTStart()

	handle, err := c.cfg.STT.StartStream(ctx, c.cfg.STTConfig)
	if err != nil {
		c.cfg.Metrics.RecordProviderError(ctx, c.cfg.STTName, "stt")
		return nil, c.provErr(types.PhaseSTT, err)
	}
	c.cfg.Metrics.RecordProviderRequest(ctx, c.cfg.STTName, "stt", "ok")

	l := &Listener{
		c:      c,
		t:      t,
		handle: handle,
		final:  make(chan FinalResult, 1),
	}
	go l.pump(ctx)
	return l, nil
}

// Feed forwards one audio frame to the STT provider.
func (l *Listener) Feed(frame []byte) error {
	if err := l.handle.SendAudio(frame); err != nil {
		return l.c.provErr(types.PhaseSTT, err)
	}
	return nil
}

// Finish signals end of speech. The provider flushes buffered audio and the
// final transcript is delivered on Final. Safe to call more than once.
func (l *Listener) Finish() {
	l.finishOnce.Do(func() {
		// Close may block until the provider has flushed; keep the
		// session loop responsive.
		go func() { _ = l.handle.Close() }()
	})
}

// Abort tears down the stream without delivering a transcript.
func (l *Listener) Abort() {
	l.Finish()
}

// Final returns the channel on which the end-of-listening result arrives.
// Exactly one value is sent, after Finish (or after the provider ends the
// stream on its own).
func (l *Listener) Final() <-chan FinalResult {
	return l.final
}

// pump drains partial and final transcripts until the provider closes both
// channels, forwarding partials to the event sink and accumulating finals
// into the turn's transcript.
func (l *Listener) pump(ctx context.Context) {
	partials := l.handle.Partials()
	finals := l.handle.Finals()

	var segments []string
	for partials != nil || finals != nil {
		select {
		case p, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if p.Text != "" {
				l.c.cfg.Emitter.Emit(event.Event{
					Kind:   event.KindTranscriptPartial,
					TurnID: l.t.ID,
					Text:   p.Text,
				})
			}
		case f, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if text := strings.TrimSpace(f.Text); text != "" {
				segments = append(segments, text)
			}
		}
	}

	if err := l.handle.Err(); err != nil {
		l.c.cfg.Metrics.RecordProviderError(ctx, l.c.cfg.STTName, "stt")
		l.final <- FinalResult{Err: l.c.provErr(types.PhaseSTT, err)}
		return
	}

	text := strings.Join(segments, " ")
	if text != "" && l.c.cfg.Corrector != nil {
		corrected, err := l.c.cfg.Corrector.Correct(ctx, types.Transcript{Text: text, IsFinal: true})
		if err != nil {
			l.c.log.Warn("transcript correction failed, using raw text", "turn", l.t.ID, "error", err)
		} else {
			text = corrected
		}
	}

	l.t.setTranscript(text)
	l.t.markSTTEnd()
	l.c.cfg.Metrics.STTDuration.Record(ctx, l.t.Latency().STT.Seconds())
	l.final <- FinalResult{Text: text}
}
