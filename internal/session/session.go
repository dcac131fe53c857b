// Package session implements the per-connection aggregate: conversation
// history, the active turn, the metrics accumulator, and lifecycle.
//
// A [Session] is an actor. A single run-loop goroutine owns all mutable state
// and serializes every transition — audio frames, text input, interrupts, the
// STT final transcript, and turn outcomes all funnel through it, so no two
// phases of the same session ever execute concurrently. Different sessions
// are fully independent.
//
// At most one non-terminal turn exists per session. When the user speaks (or
// sends text) while the assistant is thinking or speaking, the active turn is
// interrupted: its in-flight LLM/TTS streams are cancelled, the text spoken
// so far is preserved as a truncated assistant history entry, and the new
// utterance becomes the next turn immediately.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/resilience"
	"github.com/voxloop/voxloop/internal/turn"
	"github.com/voxloop/voxloop/pkg/event"
	"github.com/voxloop/voxloop/pkg/provider/vad"
	"github.com/voxloop/voxloop/pkg/types"
)

const (
	// defaultFailureLimit is the number of consecutive errored turns after
	// which the session refuses new turns.
	defaultFailureLimit = 3

	// defaultFailureReset is how long the session stays suspended before
	// probing providers again.
	defaultFailureReset = 30 * time.Second
)

// Recorder persists committed history entries outside the session. Recording
// is best effort and asynchronous; failures are logged, never surfaced to the
// conversation.
type Recorder interface {
	Record(ctx context.Context, sessionID string, entry types.HistoryEntry) error
}

// Config assembles the collaborators for a Session. Sink is required; VAD may
// be nil for text-only sessions.
type Config struct {
	// ID identifies the session in events and logs. Empty selects a random
	// UUID.
	ID string

	// Pipeline configures the turn controller (providers, prompt, tools,
	// timeouts). Its Emitter field is set by the session.
	Pipeline turn.Config

	// VAD gates audio input: a turn starts on speech-start and the STT
	// stream is flushed on speech-end. Required for ProcessAudio.
	VAD       vad.Engine
	VADConfig vad.Config

	// Sink receives the session's ordered event stream.
	Sink event.Sink

	// FailureLimit is the consecutive errored-turn count that suspends the
	// session; FailureReset is the suspension backoff. <= 0 selects
	// defaults.
	FailureLimit int
	FailureReset time.Duration

	// Recorder optionally persists history entries as they are committed.
	Recorder Recorder

	// Compactor optionally bounds the conversation history's token
	// footprint, summarising the oldest entries when it grows past the
	// configured threshold.
	Compactor *Compactor

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Snapshot is the session's accumulated metrics, updated at turn boundaries
// and read through [Session.Metrics].
type Snapshot struct {
	TurnsCompleted   int
	TurnsInterrupted int
	TurnsErrored     int

	// Cumulative per-phase latency across completed turns.
	STTTotal time.Duration
	LLMTotal time.Duration
	TTSTotal time.Duration

	// LastTurn is the latency breakdown of the most recently completed
	// turn.
	LastTurn event.TurnLatency
}

// outcome is the result of one turn's respond goroutine.
type outcome struct {
	t   *turn.Turn
	err error
}

// Session is a per-connection voice conversation. All exported methods are
// safe for concurrent use; they synchronize with the run loop and return once
// it has processed the request.
type Session struct {
	id      string
	cfg     Config
	ctrl    *turn.Controller
	emitter *event.Emitter
	vadSess vad.SessionHandle
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	cmds     chan func()
	turnDone chan outcome
	stopCh   chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}

	// Run-loop-owned state. The loop goroutine is the only writer; other
	// goroutines may read it only after loopDone is closed.
	history    []types.HistoryEntry
	compacting bool
	nextTurn   uint64
	active     *turn.Turn
	turnCtx    context.Context
	turnCancel context.CancelFunc
	listener   *turn.Listener
	sttTimer   *time.Timer
	preRoll    [][]byte
	snapshot   Snapshot
}

// New creates a session, emits session.created, and starts the run loop. The
// caller must eventually call Stop.
func New(cfg Config) (*Session, error) {
	if cfg.Sink == nil {
		return nil, errors.New("session: event sink is required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.FailureLimit <= 0 {
		cfg.FailureLimit = defaultFailureLimit
	}
	if cfg.FailureReset <= 0 {
		cfg.FailureReset = defaultFailureReset
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	emitter := event.NewEmitter(cfg.ID, cfg.Sink)
	cfg.Pipeline.Emitter = emitter
	if cfg.Pipeline.Metrics == nil {
		cfg.Pipeline.Metrics = cfg.Metrics
	}
	if cfg.Pipeline.Logger == nil {
		cfg.Pipeline.Logger = cfg.Logger
	}
	ctrl, err := turn.New(cfg.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	var vadSess vad.SessionHandle
	if cfg.VAD != nil {
		vadSess, err = cfg.VAD.NewSession(cfg.VADConfig)
		if err != nil {
			return nil, fmt.Errorf("session: starting VAD: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      cfg.ID,
		cfg:     cfg,
		ctrl:    ctrl,
		emitter: emitter,
		vadSess: vadSess,
		metrics: cfg.Metrics,
		log:     cfg.Logger.With("component", "session", "session_id", cfg.ID),
		ctx:     ctx,
		cancel:  cancel,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "session " + cfg.ID,
			MaxFailures:  cfg.FailureLimit,
			ResetTimeout: cfg.FailureReset,
		}),
		cmds:     make(chan func()),
		turnDone: make(chan outcome, 1),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}

	s.metrics.ActiveSessions.Add(ctx, 1)
	s.emitter.Emit(event.Event{Kind: event.KindSessionCreated})
	go s.run()
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// ProcessAudio feeds one audio frame into the pipeline. Frames drive the VAD;
// speech-start opens a turn (interrupting any assistant output in progress),
// speech frames are forwarded to the open STT stream, and speech-end flushes
// it. Frames outside a listening window are classified and dropped.
func (s *Session) ProcessAudio(frame []byte) error {
	if len(frame) == 0 {
		return &types.InputError{Reason: "empty audio frame"}
	}
	return s.do(func() error { return s.handleAudio(frame) })
}

// ProcessText submits a user text message, skipping the listening phase. If
// the assistant is currently thinking or speaking, the active turn is
// interrupted first. Text input while the user is speaking is rejected with a
// *types.StateError.
func (s *Session) ProcessText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return &types.InputError{Reason: "empty text message"}
	}
	return s.do(func() error { return s.handleText(text) })
}

// Interrupt cancels the active turn, if any. Equivalent to barge-in without a
// new utterance: the session returns to idle.
func (s *Session) Interrupt() error {
	return s.do(func() error {
		s.interruptActive()
		return nil
	})
}

// History returns a copy of the committed conversation history.
func (s *Session) History() []types.HistoryEntry {
	var out []types.HistoryEntry
	s.query(func() {
		out = make([]types.HistoryEntry, len(s.history))
		copy(out, s.history)
	})
	return out
}

// Metrics returns the accumulated per-session metrics.
func (s *Session) Metrics() Snapshot {
	var snap Snapshot
	s.query(func() { snap = s.snapshot })
	return snap
}

// State returns the active turn's state, or StateIdle when no turn is in
// flight.
func (s *Session) State() turn.State {
	st := turn.StateIdle
	s.query(func() {
		if s.active != nil {
			st = s.active.State()
		}
	})
	return st
}

// Stop tears the session down: the active turn is interrupted, the VAD
// session is closed, and session.closed is emitted as the final event. Stop
// blocks until teardown completes and is safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.loopDone
}

// do runs fn on the run loop and returns its error. After Stop it fails with
// a *types.SessionFatalError without touching session state.
func (s *Session) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case s.cmds <- func() { reply <- fn() }:
		return <-reply
	case <-s.loopDone:
		return &types.SessionFatalError{Reason: "session stopped"}
	}
}

// query runs fn on the run loop, or directly once the loop has exited (the
// closed loopDone channel orders the loop's final writes before our reads).
func (s *Session) query(fn func()) {
	select {
	case <-s.loopDone:
		fn()
		return
	default:
	}
	done := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(done) }:
		<-done
	case <-s.loopDone:
		fn()
	}
}
