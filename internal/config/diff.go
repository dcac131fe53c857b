package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider swaps,
// history storage, and MCP server changes require a restart.
type ConfigDiff struct {
	// LogLevelChanged is true when server.log_level differs; NewLogLevel
	// holds the new value.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SystemPromptChanged is true when the session system prompt differs.
	// Applies to sessions started after the reload.
	SystemPromptChanged bool

	// VoiceChanged is true when the session voice profile differs.
	VoiceChanged bool

	// TuningChanged is true when any session generation tunable differs
	// (temperature, max_tokens, max_tool_rounds, timeouts, failure limits).
	TuningChanged bool

	// KeywordsChanged is true when the domain keyword list differs. New
	// keywords apply to STT boosts and transcript correction of sessions
	// started after the reload.
	KeywordsChanged bool

	// TranscriptChanged is true when transcript correction settings differ.
	TranscriptChanged bool
}

// Changed reports whether the diff contains any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SystemPromptChanged || d.VoiceChanged ||
		d.TuningChanged || d.KeywordsChanged || d.TranscriptChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session.SystemPrompt != new.Session.SystemPrompt {
		d.SystemPromptChanged = true
	}
	if old.Session.Voice != new.Session.Voice {
		d.VoiceChanged = true
	}
	if tuningDiffers(old.Session, new.Session) {
		d.TuningChanged = true
	}
	if !slices.Equal(old.Session.Keywords, new.Session.Keywords) {
		d.KeywordsChanged = true
	}
	if old.Transcript != new.Transcript {
		d.TranscriptChanged = true
	}

	return d
}

func tuningDiffers(old, new SessionConfig) bool {
	return old.Temperature != new.Temperature ||
		old.MaxTokens != new.MaxTokens ||
		old.MaxToolRounds != new.MaxToolRounds ||
		old.MaxSentenceLen != new.MaxSentenceLen ||
		old.SentenceQueue != new.SentenceQueue ||
		old.STTTimeout != new.STTTimeout ||
		old.LLMTimeout != new.LLMTimeout ||
		old.TTSTimeout != new.TTSTimeout ||
		old.FailureLimit != new.FailureLimit ||
		old.FailureReset != new.FailureReset ||
		old.ContextWindow != new.ContextWindow
}
