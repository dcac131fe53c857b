package config_test

import (
	"strings"
	"testing"

	"github.com/voxloop/voxloop/internal/config"
)

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  tls:
    cert_file: /etc/voxloop/server.pem
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for TLS without key file, got nil")
	}
	if !strings.Contains(err.Error(), "key_file") {
		t.Errorf("error should mention key_file, got: %v", err)
	}
}

func TestValidate_InvalidTemperature(t *testing.T) {
	t.Parallel()
	yaml := `
session:
  temperature: 3.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for temperature out of range, got nil")
	}
	if !strings.Contains(err.Error(), "temperature") {
		t.Errorf("error should mention temperature, got: %v", err)
	}
}

func TestValidate_InvalidSpeedFactor(t *testing.T) {
	t.Parallel()
	yaml := `
session:
  voice:
    speed_factor: 5.0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid speed_factor, got nil")
	}
}

func TestValidate_InvalidPitchShift(t *testing.T) {
	t.Parallel()
	yaml := `
session:
  voice:
    pitch_shift: -20
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid pitch_shift, got nil")
	}
}

func TestValidate_NegativeTimeout(t *testing.T) {
	t.Parallel()
	yaml := `
session:
  llm_timeout: -5s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative timeout, got nil")
	}
	if !strings.Contains(err.Error(), "llm_timeout") {
		t.Errorf("error should mention llm_timeout, got: %v", err)
	}
}

func TestValidate_VADThresholdOrdering(t *testing.T) {
	t.Parallel()
	yaml := `
session:
  vad:
    speech_threshold: 0.4
    silence_threshold: 0.6
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for silence_threshold > speech_threshold, got nil")
	}
	if !strings.Contains(err.Error(), "silence_threshold") {
		t.Errorf("error should mention silence_threshold, got: %v", err)
	}
}

func TestValidate_VADThresholdRange(t *testing.T) {
	t.Parallel()
	yaml := `
session:
  vad:
    speech_threshold: 1.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for speech_threshold out of range, got nil")
	}
}

func TestValidate_EmptyKeyword(t *testing.T) {
	t.Parallel()
	yaml := `
session:
  keywords:
    - boost: 2.0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for keyword without text, got nil")
	}
	if !strings.Contains(err.Error(), "keyword") {
		t.Errorf("error should mention keyword, got: %v", err)
	}
}

func TestValidate_KeywordBoostRange(t *testing.T) {
	t.Parallel()
	yaml := `
session:
  keywords:
    - keyword: Catherine
      boost: 50
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for boost out of range, got nil")
	}
}

func TestValidate_LLMCorrectionRequiresLLMProvider(t *testing.T) {
	t.Parallel()
	yaml := `
transcript:
  llm_correction: true
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for llm_correction without LLM provider, got nil")
	}
	if !strings.Contains(err.Error(), "llm_correction") {
		t.Errorf("error should mention llm_correction, got: %v", err)
	}
}

func TestValidate_TranscriptThresholdRange(t *testing.T) {
	t.Parallel()
	yaml := `
transcript:
  phonetic_threshold: 1.4
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for phonetic_threshold out of range, got nil")
	}
}

func TestValidate_DuplicateMCPServerNames(t *testing.T) {
	t.Parallel()
	yaml := `
mcp:
  servers:
    - name: tools
      transport: stdio
      command: /bin/a
    - name: tools
      transport: stdio
      command: /bin/b
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate MCP server names, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
}

func TestValidate_MCPMissingCommand(t *testing.T) {
	t.Parallel()
	yaml := `
mcp:
  servers:
    - name: badserver
      transport: stdio
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing stdio command, got nil")
	}
}

func TestValidate_MCPMissingURL(t *testing.T) {
	t.Parallel()
	yaml := `
mcp:
  servers:
    - name: webserver
      transport: streamable-http
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing streamable-http url, got nil")
	}
}

func TestValidate_MCPInvalidTransport(t *testing.T) {
	t.Parallel()
	yaml := `
mcp:
  servers:
    - name: badtransport
      transport: grpc
      command: /bin/server
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid transport, got nil")
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
session:
  temperature: 9
mcp:
  servers:
    - transport: stdio
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
	if !strings.Contains(errStr, "temperature") {
		t.Errorf("error should mention temperature, got: %v", err)
	}
	if !strings.Contains(errStr, "name is required") {
		t.Errorf("error should mention missing server name, got: %v", err)
	}
}

func TestValidate_FallbackNameRequired(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
    fallbacks:
      - model: claude-sonnet-4-5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for fallback without name, got nil")
	}
	if !strings.Contains(err.Error(), "fallbacks[0]") {
		t.Errorf("error should point at the fallback entry, got: %v", err)
	}
}

func TestValidate_FallbacksRejectedForVAD(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  vad:
    name: energy
    fallbacks:
      - name: energy
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for vad fallbacks, got nil")
	}
	if !strings.Contains(err.Error(), "do not support fallbacks") {
		t.Errorf("error should reject vad fallbacks, got: %v", err)
	}
}

func TestValidate_NegativeContextWindow(t *testing.T) {
	t.Parallel()
	yaml := `
session:
  context_window: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative context_window, got nil")
	}
	if !strings.Contains(err.Error(), "context_window") {
		t.Errorf("error should mention context_window, got: %v", err)
	}
}

func TestValidate_FullConfigIsValid(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
  stt:
    name: deepgram
  tts:
    name: elevenlabs
session:
  temperature: 0.7
  voice:
    provider: elevenlabs
    speed_factor: 1.0
  vad:
    speech_threshold: 0.5
    silence_threshold: 0.35
transcript:
  llm_correction: true
history:
  postgres_dsn: "postgres://localhost/test"
  embedding_dimensions: 1536
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	// Sanity-check that the map is populated.
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	llmNames := config.ValidProviderNames["llm"]
	if len(llmNames) == 0 {
		t.Fatal("ValidProviderNames[\"llm\"] should not be empty")
	}
	// Check that "openai" is in the LLM list.
	found := false
	for _, n := range llmNames {
		if n == "openai" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"llm\"] should contain \"openai\"")
	}
}
