// Package event defines the typed events a voice session emits to its caller
// and the ordered, bounded delivery machinery behind them.
//
// Every observable thing that happens inside a session — turn lifecycle,
// transcription, streamed response text, synthesised audio, tool invocations,
// metrics, errors — is published as an [Event] through a [Sink]. Delivery is
// strictly ordered per session: events appear on the wire in the order the
// turn state machine produced them. After an interruption, events from the
// superseded turn are cut off so the caller never receives stale audio behind
// the new turn's output.
//
// The JSON field tags define the wire format used by the WebSocket transport;
// audio payloads are base64-encoded by encoding/json's default []byte rule.
package event

import "time"

// Kind identifies the type of an [Event].
type Kind string

const (
	// KindSessionCreated is emitted once when a session becomes ready.
	KindSessionCreated Kind = "session.created"

	// KindSessionClosed is emitted once when a session has been torn down.
	// It is the last event a session ever emits.
	KindSessionClosed Kind = "session.closed"

	// KindTurnStarted is emitted when user input begins a new turn.
	KindTurnStarted Kind = "turn.started"

	// KindTurnEnded is emitted when a turn reaches a terminal state.
	// EndReason distinguishes completion, interruption, and error.
	KindTurnEnded Kind = "turn.ended"

	// KindTranscriptPartial carries a low-latency interim STT result.
	// Partials may be revised by later partials and are never committed
	// to conversation history.
	KindTranscriptPartial Kind = "transcript.partial"

	// KindTranscriptFinal carries the authoritative transcript of the
	// user's utterance, as committed to conversation history.
	KindTranscriptFinal Kind = "transcript.final"

	// KindResponseDelta carries an incremental fragment of the assistant's
	// response text as the LLM streams it.
	KindResponseDelta Kind = "response.delta"

	// KindResponseFinal carries the full assistant response text once the
	// LLM stream has completed.
	KindResponseFinal Kind = "response.final"

	// KindAudioChunk carries one chunk of synthesised audio. Seq numbers
	// chunks within a turn starting at 1, with no gaps unless the turn was
	// interrupted — callers detect truncation by the sequence stopping.
	KindAudioChunk Kind = "audio.chunk"

	// KindToolCall announces that the model requested a tool invocation.
	KindToolCall Kind = "tool.call"

	// KindToolResult carries the outcome of a tool invocation, including
	// failures (Tool.IsError true).
	KindToolResult Kind = "tool.result"

	// KindTurnMetrics carries the latency breakdown of a completed turn.
	KindTurnMetrics Kind = "turn.metrics"

	// KindError reports a turn-level or session-level failure. Phase names
	// the pipeline stage that failed; Message is human-readable.
	KindError Kind = "error"
)

// streaming reports whether this kind is produced by an in-flight pipeline
// stage, as opposed to the turn lifecycle bookkeeping. Streaming events from
// a cancelled turn are suppressed by the [Emitter]; lifecycle events always
// pass so the caller sees how the turn ended.
func (k Kind) streaming() bool {
	switch k {
	case KindTranscriptPartial, KindTranscriptFinal,
		KindResponseDelta, KindResponseFinal,
		KindAudioChunk, KindToolCall, KindToolResult:
		return true
	}
	return false
}

// EndReason explains why a turn reached a terminal state.
type EndReason string

const (
	// EndCompleted means all audio for the turn was delivered.
	EndCompleted EndReason = "completed"

	// EndInterrupted means the turn was cut short by barge-in or an
	// explicit cancel.
	EndInterrupted EndReason = "interrupted"

	// EndErrored means a pipeline stage failed.
	EndErrored EndReason = "errored"
)

// ToolInfo describes a tool invocation for KindToolCall and KindToolResult
// events.
type ToolInfo struct {
	// CallID is the provider-assigned identifier of this invocation.
	CallID string `json:"call_id"`

	// Name is the tool name.
	Name string `json:"name"`

	// Arguments is the JSON-encoded argument string the model supplied.
	Arguments string `json:"arguments,omitempty"`

	// Result is the tool's output, set only on KindToolResult.
	Result string `json:"result,omitempty"`

	// IsError marks a failed invocation; Result then holds the error text
	// that was also surfaced to the model.
	IsError bool `json:"is_error,omitempty"`
}

// TurnLatency is the per-phase latency breakdown of one turn, attached to
// KindTurnMetrics events and retained as the session's last-turn breakdown.
type TurnLatency struct {
	// STT is the time from turn start to the final transcript. Zero for
	// text input, which skips the listening phase.
	STT time.Duration `json:"stt"`

	// LLM is the time from final transcript to the end of the model
	// stream, including any tool rounds.
	LLM time.Duration `json:"llm"`

	// TTS is the time from the first dispatched sentence to the last
	// delivered audio chunk.
	TTS time.Duration `json:"tts"`

	// Total is the wall-clock duration of the whole turn.
	Total time.Duration `json:"total"`
}

// Event is a single observable occurrence within a session. Only the fields
// relevant to Kind are populated; the rest are zero and omitted from JSON.
type Event struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	// TurnID is the turn this event belongs to. Zero for session-level
	// events (session.created, session.closed, session-fatal errors).
	TurnID uint64 `json:"turn_id,omitempty"`

	// Text carries transcript text, response deltas, or the final
	// response, depending on Kind.
	Text string `json:"text,omitempty"`

	// Audio is the payload of a KindAudioChunk event.
	Audio []byte `json:"audio,omitempty"`

	// Seq is the 1-based audio chunk sequence number within the turn.
	Seq uint64 `json:"seq,omitempty"`

	// EndReason is set on KindTurnEnded events.
	EndReason EndReason `json:"end_reason,omitempty"`

	// Tool is set on KindToolCall and KindToolResult events.
	Tool *ToolInfo `json:"tool,omitempty"`

	// Latency is set on KindTurnMetrics events.
	Latency *TurnLatency `json:"latency,omitempty"`

	// Phase names the pipeline stage a KindError event originated from
	// ("stt", "llm", "tts", or empty for session-level failures).
	Phase string `json:"phase,omitempty"`

	// Message is the human-readable description on KindError events.
	Message string `json:"message,omitempty"`
}

// Sink receives events from a session. Implementations must preserve the
// order in which Emit is called; the session layer guarantees Emit is never
// called concurrently for the same logical stream position.
type Sink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to the [Sink] interface.
type SinkFunc func(ev Event)

// Emit calls f(ev).
func (f SinkFunc) Emit(ev Event) { f(ev) }
