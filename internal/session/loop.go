package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voxloop/voxloop/internal/resilience"
	"github.com/voxloop/voxloop/internal/turn"
	"github.com/voxloop/voxloop/pkg/event"
	"github.com/voxloop/voxloop/pkg/types"
)

// run is the session's actor loop. It owns all mutable state and is the only
// goroutine that transitions turns, commits history, and emits lifecycle
// events.
func (s *Session) run() {
	defer close(s.loopDone)
	for {
		var finalCh <-chan turn.FinalResult
		if s.listener != nil {
			finalCh = s.listener.Final()
		}
		var sttTimeout <-chan time.Time
		if s.sttTimer != nil {
			sttTimeout = s.sttTimer.C
		}

		select {
		case cmd := <-s.cmds:
			cmd()
		case res := <-finalCh:
			s.handleFinal(res)
		case o := <-s.turnDone:
			s.handleOutcome(o)
		case <-sttTimeout:
			s.sttTimer = nil
			s.handleSTTTimeout()
		case <-s.stopCh:
			s.teardown()
			return
		}
	}
}

// admit rejects new turns while the session is suspended after too many
// consecutive provider failures.
func (s *Session) admit() error {
	if s.breaker.State() == resilience.StateOpen {
		return &types.SessionFatalError{
			Reason: "provider failure limit reached",
			Err:    resilience.ErrCircuitOpen,
		}
	}
	return nil
}

// handleText begins a text turn, interrupting any assistant output in
// progress.
func (s *Session) handleText(text string) error {
	if err := s.admit(); err != nil {
		return err
	}
	if s.active != nil {
		if st := s.active.State(); st == turn.StateListening {
			return &types.StateError{Op: "processText", State: st.String()}
		}
		s.interruptActive()
	}

	t := s.beginTurn()
	s.emitter.Emit(event.Event{Kind: event.KindTranscriptFinal, TurnID: t.ID, Text: text})
	s.commit(t.ID, types.Message{Role: "user", Content: text}, false)
	s.startRespond(t)
	return nil
}

// handleAudio classifies one frame through the VAD and advances the listening
// state machine accordingly.
func (s *Session) handleAudio(frame []byte) error {
	if s.vadSess == nil {
		return &types.InputError{Reason: "audio input requires a VAD engine"}
	}
	ev, err := s.vadSess.ProcessFrame(frame)
	if err != nil {
		return &types.InputError{Reason: err.Error()}
	}

	if s.listener == nil {
		s.bufferPreRoll(frame)
	}

	if ev.Type == types.VADSpeechStart {
		if s.active != nil && s.active.State() != turn.StateListening {
			// Barge-in: the user is speaking over the assistant.
			if err := s.admit(); err != nil {
				return err
			}
			s.interruptActive()
		}
		if s.active == nil {
			if err := s.admit(); err != nil {
				return err
			}
			return s.beginListening()
		}
	}

	if s.listener == nil {
		// Not listening: silence, or trailing frames after speech-end.
		return nil
	}
	if err := s.listener.Feed(frame); err != nil {
		t := s.active
		s.failTurn(t, err)
		return err
	}
	if ev.Type == types.VADSpeechEnd {
		s.listener.Finish()
		s.sttTimer = time.NewTimer(s.ctrl.STTTimeout())
	}
	return nil
}

// beginTurn creates the next turn and announces it.
func (s *Session) beginTurn() *turn.Turn {
	s.nextTurn++
	t := turn.NewTurn(s.nextTurn)
	s.active = t
	s.turnCtx, s.turnCancel = context.WithCancel(s.ctx)
	s.emitter.Emit(event.Event{Kind: event.KindTurnStarted, TurnID: t.ID})
	s.log.Debug("turn started", "turn", t.ID)
	return t
}

// bufferPreRoll keeps the most recent frames seen while no listener is open.
// The VAD debounces speech-start over several frames, so the utterance's first
// frames arrive before the listener exists; beginListening replays them.
func (s *Session) bufferPreRoll(frame []byte) {
	n := s.cfg.VADConfig.SpeechStartFrames
	if n < 1 {
		n = 1
	}
	s.preRoll = append(s.preRoll, append([]byte(nil), frame...))
	if drop := len(s.preRoll) - n; drop > 0 {
		s.preRoll = append(s.preRoll[:0], s.preRoll[drop:]...)
	}
}

// beginListening opens a turn and its STT stream for a new utterance and
// feeds it the buffered pre-roll frames, ending with the one that triggered
// speech-start.
func (s *Session) beginListening() error {
	t := s.beginTurn()
	l, err := s.ctrl.NewListener(s.turnCtx, t)
	if err != nil {
		s.failTurn(t, err)
		return err
	}
	s.listener = l
	for _, f := range s.preRoll {
		if err := l.Feed(f); err != nil {
			s.failTurn(t, err)
			return err
		}
	}
	s.preRoll = s.preRoll[:0]
	return nil
}

// handleFinal consumes the end-of-listening result: transcript failure fails
// the turn, an empty transcript ends it quietly, and otherwise the transcript
// is committed and the respond phase starts.
func (s *Session) handleFinal(res turn.FinalResult) {
	s.stopSTTTimer()
	s.listener = nil
	t := s.active

	if res.Err != nil {
		s.failTurn(t, res.Err)
		return
	}
	if res.Text == "" {
		// The provider recognised no speech. End the turn without
		// bothering the model.
		t.SetState(turn.StateDone)
		s.emitter.Emit(event.Event{Kind: event.KindTurnEnded, TurnID: t.ID, EndReason: event.EndCompleted})
		s.log.Debug("turn ended with empty transcript", "turn", t.ID)
		s.clearTurn()
		return
	}

	s.emitter.Emit(event.Event{Kind: event.KindTranscriptFinal, TurnID: t.ID, Text: res.Text})
	s.commit(t.ID, types.Message{Role: "user", Content: res.Text}, false)
	s.startRespond(t)
}

// handleSTTTimeout fails the active turn when no final transcript arrived
// within the configured wait after end of speech.
func (s *Session) handleSTTTimeout() {
	t := s.active
	if t == nil {
		return
	}
	s.failTurn(t, &types.ProviderError{
		Phase:    types.PhaseSTT,
		Provider: s.cfg.Pipeline.STTName,
		Err:      fmt.Errorf("no final transcript within %s: %w", s.ctrl.STTTimeout(), context.DeadlineExceeded),
	})
}

// startRespond launches the thinking/speaking phases for t in a goroutine.
// The outcome comes back on turnDone; the loop stays free to process barge-in
// and queries meanwhile.
func (s *Session) startRespond(t *turn.Turn) {
	msgs := s.messages()
	ctx := s.turnCtx
	go func() {
		s.turnDone <- outcome{t: t, err: s.ctrl.Respond(ctx, t, msgs)}
	}()
}

// handleOutcome resolves a finished respond goroutine. Outcomes from a turn
// that was already superseded (interrupted, or failed from the loop's side)
// are dropped; that turn's terminal bookkeeping already happened.
func (s *Session) handleOutcome(o outcome) {
	if o.t != s.active {
		return
	}
	if o.err == nil {
		s.completeTurn(o.t)
		return
	}
	if errors.Is(o.err, context.Canceled) {
		// Cancelled from outside the pipeline without an interrupt
		// having cleared the turn; treat as interrupted.
		s.interruptActive()
		return
	}
	s.failTurn(o.t, o.err)
}

// completeTurn commits the assistant's side of the exchange, announces
// completion, and folds the turn's latencies into the session accumulator.
func (s *Session) completeTurn(t *turn.Turn) {
	t.SetState(turn.StateDone)

	for _, msg := range t.Exchange() {
		s.commit(t.ID, msg, false)
	}
	if text := t.ResponseText(); text != "" {
		s.commit(t.ID, types.Message{Role: "assistant", Content: text}, false)
	}

	lat := t.Latency()
	s.emitter.Emit(event.Event{Kind: event.KindTurnEnded, TurnID: t.ID, EndReason: event.EndCompleted})
	s.emitter.Emit(event.Event{Kind: event.KindTurnMetrics, TurnID: t.ID, Latency: &lat})

	s.snapshot.TurnsCompleted++
	s.snapshot.STTTotal += lat.STT
	s.snapshot.LLMTotal += lat.LLM
	s.snapshot.TTSTotal += lat.TTS
	s.snapshot.LastTurn = lat
	s.metrics.RecordTurn(s.ctx, "completed")
	s.metrics.TurnDuration.Record(s.ctx, lat.Total.Seconds())
	_ = s.breaker.Execute(func() error { return nil })

	s.log.Debug("turn completed", "turn", t.ID,
		"stt", lat.STT, "llm", lat.LLM, "tts", lat.TTS, "total", lat.Total)
	s.clearTurn()
}

// interruptActive cuts the active turn short. The event cut-off is raised
// before anything else so no further streaming events from the superseded
// turn reach the sink; the text spoken so far is preserved as a truncated
// assistant history entry.
func (s *Session) interruptActive() {
	t := s.active
	if t == nil {
		return
	}
	s.emitter.CancelThrough(t.ID)
	if s.listener != nil {
		s.listener.Abort()
		s.listener = nil
		s.vadSess.Reset()
	}
	s.stopSTTTimer()
	t.SetState(turn.StateInterrupted)
	if s.turnCancel != nil {
		s.turnCancel()
	}

	for _, msg := range t.Exchange() {
		s.commit(t.ID, msg, false)
	}
	if spoken := t.SpokenText(); spoken != "" {
		s.commit(t.ID, types.Message{Role: "assistant", Content: spoken}, true)
	}

	s.emitter.Emit(event.Event{Kind: event.KindTurnEnded, TurnID: t.ID, EndReason: event.EndInterrupted})
	s.snapshot.TurnsInterrupted++
	s.metrics.RecordTurn(s.ctx, "interrupted")
	s.log.Info("turn interrupted", "turn", t.ID, "state", t.State().String())
	s.clearTurn()
}

// failTurn resolves the active turn as errored: completed tool rounds stay in
// history (and, for a synthesis failure, the text already spoken survives as
// a truncated entry), the failure is reported with its pipeline phase, and
// the consecutive-failure breaker advances.
func (s *Session) failTurn(t *turn.Turn, err error) {
	if s.listener != nil {
		s.listener.Abort()
		s.listener = nil
	}
	s.stopSTTTimer()
	s.emitter.CancelThrough(t.ID)
	t.SetState(turn.StateErrored)
	if s.turnCancel != nil {
		s.turnCancel()
	}

	var phase string
	var perr *types.ProviderError
	if errors.As(err, &perr) {
		phase = string(perr.Phase)
	}

	for _, msg := range t.Exchange() {
		s.commit(t.ID, msg, false)
	}
	if spoken := t.SpokenText(); spoken != "" && phase == string(types.PhaseTTS) {
		s.commit(t.ID, types.Message{Role: "assistant", Content: spoken}, true)
	}

	s.emitter.Emit(event.Event{Kind: event.KindError, TurnID: t.ID, Phase: phase, Message: err.Error()})
	s.emitter.Emit(event.Event{Kind: event.KindTurnEnded, TurnID: t.ID, EndReason: event.EndErrored})
	s.snapshot.TurnsErrored++
	s.metrics.RecordTurn(s.ctx, "errored")
	s.log.Warn("turn failed", "turn", t.ID, "phase", phase, "error", err)
	s.clearTurn()

	_ = s.breaker.Execute(func() error { return err })
	if s.breaker.State() == resilience.StateOpen {
		s.emitter.Emit(event.Event{
			Kind:    event.KindError,
			Message: fmt.Sprintf("session suspended after %d consecutive provider failures", s.cfg.FailureLimit),
		})
		s.log.Error("session suspended", "consecutive_failures", s.cfg.FailureLimit)
	}
}

// clearTurn releases the active turn's resources. The turn context is always
// cancelled here; a completed pipeline has nothing left running on it.
func (s *Session) clearTurn() {
	if s.turnCancel != nil {
		s.turnCancel()
	}
	s.active = nil
	s.turnCtx = nil
	s.turnCancel = nil
}

func (s *Session) stopSTTTimer() {
	if s.sttTimer != nil {
		s.sttTimer.Stop()
		s.sttTimer = nil
	}
}

// commit appends one history entry and hands it to the recorder, if any.
func (s *Session) commit(turnID uint64, msg types.Message, truncated bool) {
	entry := types.HistoryEntry{
		Message:   msg,
		TurnID:    turnID,
		Truncated: truncated,
		Timestamp: time.Now(),
	}
	s.history = append(s.history, entry)
	if s.cfg.Recorder != nil {
		go func() {
			if err := s.cfg.Recorder.Record(s.ctx, s.id, entry); err != nil {
				s.log.Warn("history persistence failed", "turn", turnID, "error", err)
			}
		}()
	}
	s.maybeCompact()
}

// maybeCompact kicks off asynchronous history compaction when the configured
// compactor reports the history has outgrown its token budget. At most one
// compaction runs at a time; the summary replaces the compacted prefix via
// the run loop, so new commits racing with the summarisation only ever append
// behind the retained suffix.
func (s *Session) maybeCompact() {
	if s.cfg.Compactor == nil || s.compacting || !s.cfg.Compactor.NeedsCompaction(s.history) {
		return
	}
	s.compacting = true
	snapshot := make([]types.HistoryEntry, len(s.history))
	copy(snapshot, s.history)

	go func() {
		summary, keepFrom, err := s.cfg.Compactor.Compact(s.ctx, snapshot)
		_ = s.do(func() error {
			s.compacting = false
			if err != nil {
				s.log.Warn("history compaction failed", "error", err)
				return nil
			}
			compacted := make([]types.HistoryEntry, 0, 1+len(s.history)-keepFrom)
			compacted = append(compacted, summary)
			compacted = append(compacted, s.history[keepFrom:]...)
			s.history = compacted
			s.log.Info("history compacted", "dropped", keepFrom, "retained", len(compacted))
			return nil
		})
	}()
}

// messages projects the committed history into the message list sent to the
// model.
func (s *Session) messages() []types.Message {
	msgs := make([]types.Message, len(s.history))
	for i, e := range s.history {
		msgs[i] = e.Message
	}
	return msgs
}

// teardown runs exactly once, from the run loop, when Stop is called.
func (s *Session) teardown() {
	s.interruptActive()
	s.cancel()
	if s.vadSess != nil {
		_ = s.vadSess.Close()
	}
	s.emitter.Emit(event.Event{Kind: event.KindSessionClosed})
	s.metrics.ActiveSessions.Add(context.Background(), -1)
	s.log.Info("session closed",
		"turns_completed", s.snapshot.TurnsCompleted,
		"turns_interrupted", s.snapshot.TurnsInterrupted,
		"turns_errored", s.snapshot.TurnsErrored)
}
