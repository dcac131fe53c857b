package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/voxloop/voxloop/internal/toolhost"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per capability.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"deepgram", "whisper", "whisper-native"},
	"tts":        {"elevenlabs", "coqui"},
	"vad":        {"energy"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Suspicious but workable values are logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// Fallback vendors need a name and piggyback on the same name check.
	for kind, entry := range map[string]ProviderEntry{
		"llm": cfg.Providers.LLM,
		"stt": cfg.Providers.STT,
		"tts": cfg.Providers.TTS,
	} {
		for i, fb := range entry.Fallbacks {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d]: name is required", kind, i))
				continue
			}
			validateProviderName(kind, fb.Name)
		}
	}
	if n := len(cfg.Providers.VAD.Fallbacks) + len(cfg.Providers.Embeddings.Fallbacks); n > 0 {
		errs = append(errs, errors.New("providers.vad and providers.embeddings do not support fallbacks"))
	}

	// The cascaded pipeline cannot run without an LLM and a TTS provider.
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; sessions cannot generate responses")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("providers.tts is not configured; sessions cannot speak responses")
	}

	errs = append(errs, validateSession(cfg)...)

	// Transcript correction thresholds
	if t := cfg.Transcript.PhoneticThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("transcript.phonetic_threshold %.2f is out of range [0, 1]", t))
	}
	if t := cfg.Transcript.FuzzyThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("transcript.fuzzy_threshold %.2f is out of range [0, 1]", t))
	}
	if t := cfg.Transcript.LLMTemperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("transcript.llm_temperature %.2f is out of range [0, 2]", t))
	}
	if cfg.Transcript.LLMCorrection && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("transcript.llm_correction requires providers.llm to be configured"))
	}

	// Embeddings ↔ history dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.History.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but history.embedding_dimensions is not set; defaulting to 1536")
	}
	if cfg.History.PostgresDSN != "" && cfg.Providers.Embeddings.Name == "" {
		slog.Warn("history.postgres_dsn is set but providers.embeddings is not; semantic history search will be unavailable")
	}

	// MCP servers
	mcpNamesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := mcpNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			mcpNamesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == toolhost.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == toolhost.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateSession checks the session and VAD tunables.
func validateSession(cfg *Config) []error {
	var errs []error
	s := cfg.Session

	if s.Temperature < 0 || s.Temperature > 2 {
		errs = append(errs, fmt.Errorf("session.temperature %.2f is out of range [0, 2]", s.Temperature))
	}
	if s.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("session.max_tokens %d is negative", s.MaxTokens))
	}
	if s.ContextWindow < 0 {
		errs = append(errs, fmt.Errorf("session.context_window %d is negative", s.ContextWindow))
	}
	if s.Voice.SpeedFactor != 0 {
		if s.Voice.SpeedFactor < 0.5 || s.Voice.SpeedFactor > 2.0 {
			errs = append(errs, fmt.Errorf("session.voice.speed_factor %.2f is out of range [0.5, 2.0]", s.Voice.SpeedFactor))
		}
	}
	if s.Voice.PitchShift < -10 || s.Voice.PitchShift > 10 {
		errs = append(errs, fmt.Errorf("session.voice.pitch_shift %.2f is out of range [-10, 10]", s.Voice.PitchShift))
	}
	if s.Voice.Provider != "" && cfg.Providers.TTS.Name != "" && s.Voice.Provider != cfg.Providers.TTS.Name {
		slog.Warn("session voice provider does not match configured TTS provider",
			"voice_provider", s.Voice.Provider,
			"tts_provider", cfg.Providers.TTS.Name,
		)
	}
	for _, d := range []struct {
		name string
		val  int64
	}{
		{"session.stt_timeout", int64(s.STTTimeout)},
		{"session.llm_timeout", int64(s.LLMTimeout)},
		{"session.tts_timeout", int64(s.TTSTimeout)},
		{"session.failure_reset", int64(s.FailureReset)},
	} {
		if d.val < 0 {
			errs = append(errs, fmt.Errorf("%s is negative", d.name))
		}
	}
	if s.SampleRate != 0 && !slices.Contains([]int{8000, 16000, 48000}, s.SampleRate) {
		slog.Warn("unusual session sample_rate — most providers expect 8000, 16000, or 48000 Hz",
			"sample_rate", s.SampleRate)
	}

	// VAD thresholds
	if t := s.VAD.SpeechThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("session.vad.speech_threshold %.2f is out of range [0, 1]", t))
	}
	if t := s.VAD.SilenceThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("session.vad.silence_threshold %.2f is out of range [0, 1]", t))
	}
	if s.VAD.SpeechThreshold != 0 && s.VAD.SilenceThreshold > s.VAD.SpeechThreshold {
		errs = append(errs, fmt.Errorf("session.vad.silence_threshold %.2f must be ≤ speech_threshold %.2f",
			s.VAD.SilenceThreshold, s.VAD.SpeechThreshold))
	}

	// Keywords
	for i, k := range s.Keywords {
		prefix := fmt.Sprintf("session.keywords[%d]", i)
		if k.Keyword == "" {
			errs = append(errs, fmt.Errorf("%s.keyword is required", prefix))
		}
		if k.Boost < 0 || k.Boost > 10 {
			errs = append(errs, fmt.Errorf("%s.boost %.2f is out of range [0, 10]", prefix, k.Boost))
		}
	}

	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
