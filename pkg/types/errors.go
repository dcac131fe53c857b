package types

import (
	"errors"
	"fmt"
)

// PipelinePhase identifies the pipeline stage an error originated from.
type PipelinePhase string

const (
	PhaseVAD PipelinePhase = "vad"
	PhaseSTT PipelinePhase = "stt"
	PhaseLLM PipelinePhase = "llm"
	PhaseTTS PipelinePhase = "tts"
)

// InputError indicates malformed caller input (empty audio frame, wrong sample
// rate, text input when none is allowed). Input errors are rejected at the
// session boundary and never start a turn.
type InputError struct {
	// Reason describes what was wrong with the input.
	Reason string
}

func (e *InputError) Error() string {
	return "invalid input: " + e.Reason
}

// ProviderError wraps a failure from an external provider call. It records the
// pipeline phase and provider name so callers can tell a failed transcription
// apart from a failed synthesis without string matching.
type ProviderError struct {
	// Phase is the pipeline stage that failed.
	Phase PipelinePhase

	// Provider is the configured provider name (e.g., "deepgram", "elevenlabs").
	Provider string

	// Err is the underlying cause.
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider %q: %v", e.Phase, e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ToolExecutionError indicates a tool invoked by the LLM failed.
// It is reported to the LLM as a tool result, not raised to the caller,
// unless the tool round limit is exhausted.
type ToolExecutionError struct {
	// Tool is the name of the tool that failed.
	Tool string

	// CallID is the provider-assigned tool call identifier.
	CallID string

	// Err is the underlying cause.
	Err error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q (call %s): %v", e.Tool, e.CallID, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// StateError indicates an operation was attempted in a turn state that does
// not permit it.
type StateError struct {
	// Op is the rejected operation.
	Op string

	// State is the turn state the session was in.
	State string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("operation %q not permitted in state %s", e.Op, e.State)
}

// SessionFatalError indicates the session is unrecoverable and has stopped
// accepting input. Raised after the consecutive provider failure limit is
// exceeded or when the session's run loop cannot continue.
type SessionFatalError struct {
	// Reason describes why the session died.
	Reason string

	// Err is the last underlying error, if any.
	Err error
}

func (e *SessionFatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session fatal: %s: %v", e.Reason, e.Err)
	}
	return "session fatal: " + e.Reason
}

func (e *SessionFatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err is (or wraps) a SessionFatalError.
func IsFatal(err error) bool {
	var fe *SessionFatalError
	return errors.As(err, &fe)
}
