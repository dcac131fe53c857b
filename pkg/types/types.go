// Package types holds the data structures shared across Voxloop packages.
//
// Providers, the turn controller, the session layer and the event sink all
// speak in these types. Anything domain-specific stays in its own package;
// only the cross-cutting structures live here, which also keeps import
// cycles out.
package types

import "time"

// AudioFrame is the atomic unit of audio transport: frames go into the VAD,
// forward to STT and come back out of TTS.
type AudioFrame struct {
	// Data is raw PCM; sample rate and channel count follow the pipeline
	// config.
	Data []byte

	// SampleRate in Hz, e.g. 16000 on the STT input side, 24000 out of TTS.
	SampleRate int

	// Channels is 1 for mono capture, 2 for stereo playback.
	Channels int

	// Timestamp is the capture time relative to session start.
	Timestamp time.Duration
}

// Transcript is a speech-to-text result. Partial (interim) and final
// transcripts share this shape, distinguished by IsFinal.
type Transcript struct {
	Text string

	// IsFinal separates authoritative transcripts from interim ones.
	IsFinal bool

	// Confidence in 0.0 to 1.0; zero when the provider reports none.
	Confidence float64

	// Words carries per-word detail where the provider supports it
	// (Deepgram does); nil otherwise.
	Words []WordDetail

	// Timestamp is the utterance start relative to session start.
	Timestamp time.Duration

	// Duration is the utterance length.
	Duration time.Duration
}

// WordDetail is per-word STT metadata.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// VADEvent is the voice-activity verdict for one audio frame.
type VADEvent struct {
	Type VADEventType

	// Probability is the speech likelihood in 0.0 to 1.0.
	Probability float64
}

// VADEventType enumerates the detection states.
type VADEventType int

const (
	// VADSpeechStart marks the first frame of speech.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue marks ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd marks the frame where speech stopped.
	VADSpeechEnd

	// VADSilence marks a frame with no speech.
	VADSilence
)

// KeywordBoost asks an STT provider to favour a keyword during recognition,
// typically for product names and other domain proper nouns.
type KeywordBoost struct {
	Keyword string

	// Boost intensity on the provider's own scale.
	Boost float64
}

// Message is one entry in an LLM conversation.
type Message struct {
	// Role is "system", "user", "assistant" or "tool".
	Role string

	Content string

	// Name optionally identifies the participant in multi-speaker contexts.
	Name string

	// ToolCalls lists the tool invocations an assistant message requested.
	ToolCalls []ToolCall

	// ToolCallID ties a Role "tool" message back to the call it answers.
	ToolCallID string
}

// HistoryEntry is a Message committed to a session's conversation history,
// annotated with the turn that produced it.
type HistoryEntry struct {
	Message

	// TurnID is the turn during which the entry was committed.
	TurnID uint64

	// Truncated marks an assistant entry cut short by an interruption;
	// Content then holds only what was actually spoken.
	Truncated bool

	// Timestamp is the commit time.
	Timestamp time.Time
}

// ToolCall is a tool invocation the LLM asked for.
type ToolCall struct {
	// ID is assigned by the provider and must accompany the tool result.
	ID string

	Name string

	// Arguments is the JSON-encoded argument payload.
	Arguments string
}

// ToolDefinition describes a tool offered to the LLM.
type ToolDefinition struct {
	Name string

	// Description goes into the prompt, so write it for the model.
	Description string

	// Parameters is a JSON Schema for the tool's input.
	Parameters map[string]any
}

// VoiceProfile is a TTS voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable label.
	Name string

	// Provider names the TTS backend the voice belongs to.
	Provider string

	// PitchShift in -10 to +10, 0 meaning unchanged.
	PitchShift float64

	// SpeedFactor in 0.5 to 2.0, 1.0 meaning unchanged.
	SpeedFactor float64

	// Metadata carries provider-specific attributes such as gender or
	// accent.
	Metadata map[string]string
}

// ModelCapabilities describes what an LLM model can do.
type ModelCapabilities struct {
	// ContextWindow is the combined input and output token budget.
	ContextWindow int

	// MaxOutputTokens bounds a single completion.
	MaxOutputTokens int

	// SupportsToolCalling means native function calling.
	SupportsToolCalling bool

	// SupportsVision means image inputs are accepted.
	SupportsVision bool

	// SupportsStreaming means streamed completions work.
	SupportsStreaming bool
}
