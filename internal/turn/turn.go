// Package turn implements the per-turn pipeline state machine: one user
// utterance in, one assistant response out.
//
// A [Turn] moves through Idle → ListeningSTT → ThinkingLLM → SpeakingTTS and
// back to Idle, with Interrupted and Errored as terminal side exits. The
// [Controller] executes the pipeline for a single turn: a [Listener] streams
// audio into the STT provider until end of speech, then Respond drives the
// LLM stream, executes tool rounds, assembles sentences, and feeds them to a
// single TTS stream whose audio chunks are published in sequence.
//
// The controller never mutates conversation history and never decides when a
// turn is interrupted — both belong to the owning session, which serializes
// all transitions. Cancelling the context passed to Respond aborts the open
// LLM and TTS streams promptly; the session then records the turn as
// interrupted or errored based on what it observed.
package turn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxloop/voxloop/pkg/event"
	"github.com/voxloop/voxloop/pkg/types"
)

// State is the lifecycle state of a Turn.
type State int32

const (
	// StateIdle is the initial state before any input arrives.
	StateIdle State = iota

	// StateListening means the STT stream is open and consuming audio.
	StateListening

	// StateThinking means the LLM stream is producing output.
	StateThinking

	// StateSpeaking means at least one sentence has been dispatched to TTS
	// and audio chunks are flowing. Entered as soon as the first sentence
	// is ready; the LLM may still be generating later sentences.
	StateSpeaking

	// StateDone means all audio was delivered and the turn completed.
	StateDone

	// StateInterrupted means the turn was cut short by barge-in or an
	// explicit cancel.
	StateInterrupted

	// StateErrored means a pipeline stage failed.
	StateErrored
)

// String returns the state name used in logs, events, and StateError values.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateListening:
		return "ListeningSTT"
	case StateThinking:
		return "ThinkingLLM"
	case StateSpeaking:
		return "SpeakingTTS"
	case StateDone:
		return "Done"
	case StateInterrupted:
		return "Interrupted"
	case StateErrored:
		return "Errored"
	}
	return "Unknown"
}

// Terminal reports whether no further pipeline work can happen in this state.
func (s State) Terminal() bool {
	return s == StateDone || s == StateInterrupted || s == StateErrored
}

// ToolUse records one executed tool invocation within a turn.
type ToolUse struct {
	// Call is the invocation the model requested.
	Call types.ToolCall

	// Result is the tool output, or the error text surfaced to the model.
	Result string

	// Failed marks an invocation whose executor returned an error.
	Failed bool
}

// Turn is one user-utterance-to-assistant-response cycle. All mutating
// methods are called either by the Controller's pipeline goroutine or by the
// owning session's run loop; the internal mutex makes cross-goroutine reads
// (interrupt handling, tests) safe at any time.
type Turn struct {
	// ID is the session-monotonic turn number, starting at 1.
	ID uint64

	// StartedAt is when user input began this turn.
	StartedAt time.Time

	state atomic.Int32

	mu          sync.Mutex
	transcript  string
	response    string
	spoken      string
	toolUses    []ToolUse
	exchange    []types.Message
	audioChunks uint64

	sttStart, sttEnd time.Time
	llmStart, llmEnd time.Time
	ttsStart, ttsEnd time.Time
}

// NewTurn creates a turn in StateIdle.
func NewTurn(id uint64) *Turn {
	return &Turn{ID: id, StartedAt: time.Now()}
}

// State returns the current lifecycle state.
func (t *Turn) State() State { return State(t.state.Load()) }

// SetState records a state transition. The owning session is responsible for
// only requesting legal transitions; SetState itself ignores attempts to
// leave a terminal state so a racing pipeline goroutine cannot resurrect an
// interrupted turn.
func (t *Turn) SetState(s State) {
	for {
		cur := t.state.Load()
		if State(cur).Terminal() {
			return
		}
		if t.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Transcript returns the final user transcript, empty until listening ends.
func (t *Turn) Transcript() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transcript
}

func (t *Turn) setTranscript(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transcript = text
}

// ResponseText returns the assistant text accumulated so far.
func (t *Turn) ResponseText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.response
}

func (t *Turn) appendResponse(fragment string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.response += fragment
}

// SpokenText returns the concatenation of all sentences dispatched to TTS so
// far. After an interruption this is the text preserved in history as the
// truncated assistant message.
func (t *Turn) SpokenText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spoken
}

func (t *Turn) addSpoken(sentence string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.spoken != "" {
		t.spoken += " "
	}
	t.spoken += sentence
}

// ToolUses returns the tools executed during this turn, in order.
func (t *Turn) ToolUses() []ToolUse {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ToolUse, len(t.toolUses))
	copy(out, t.toolUses)
	return out
}

// Exchange returns the tool-round messages (assistant tool-call requests and
// tool results) produced during the LLM phase, in conversation order. The
// session commits these to history when the turn completes.
func (t *Turn) Exchange() []types.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Message, len(t.exchange))
	copy(out, t.exchange)
	return out
}

func (t *Turn) recordToolRound(assistant types.Message, uses []ToolUse, results []types.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.toolUses = append(t.toolUses, uses...)
	t.exchange = append(t.exchange, assistant)
	t.exchange = append(t.exchange, results...)
}

// AudioChunks returns the number of audio chunks emitted so far.
func (t *Turn) AudioChunks() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.audioChunks
}

// nextChunkSeq increments and returns the 1-based audio sequence number.
func (t *Turn) nextChunkSeq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.audioChunks++
	return t.audioChunks
}

func (t *Turn) markSTTStart() { t.stamp(&t.sttStart) }
func (t *Turn) markSTTEnd()   { t.stamp(&t.sttEnd) }
func (t *Turn) markLLMStart() { t.stamp(&t.llmStart) }
func (t *Turn) markLLMEnd()   { t.stamp(&t.llmEnd) }
func (t *Turn) markTTSStart() { t.stamp(&t.ttsStart) }
func (t *Turn) markTTSEnd()   { t.stamp(&t.ttsEnd) }

func (t *Turn) stamp(field *time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if field.IsZero() {
		*field = time.Now()
	}
}

// Latency computes the per-phase latency breakdown from the recorded phase
// timestamps. Phases that never ran report zero.
func (t *Turn) Latency() event.TurnLatency {
	t.mu.Lock()
	defer t.mu.Unlock()

	var l event.TurnLatency
	if !t.sttStart.IsZero() && !t.sttEnd.IsZero() {
		l.STT = t.sttEnd.Sub(t.sttStart)
	}
	if !t.llmStart.IsZero() && !t.llmEnd.IsZero() {
		l.LLM = t.llmEnd.Sub(t.llmStart)
	}
	if !t.ttsStart.IsZero() && !t.ttsEnd.IsZero() {
		l.TTS = t.ttsEnd.Sub(t.ttsStart)
	}
	l.Total = time.Since(t.StartedAt)
	return l
}
