package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/types"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty provider name")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestNewBackends(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		model    string
		opts     []anyllmlib.Option
	}{
		{"openai", "openai", "gpt-4o", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}},
		{"openai mixed case", "OpenAI", "gpt-4o", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}},
		{"anthropic", "anthropic", "claude-3-5-sonnet-latest", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
		{"ollama needs no key", "ollama", "llama3", nil},
		{"llamacpp needs no key", "llamacpp", "llama3", nil},
		{"llamafile needs no key", "llamafile", "llama3", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.provider, tt.model, tt.opts...)
			if err != nil {
				t.Fatalf("New(%q): %v", tt.provider, err)
			}
			if p.model != tt.model {
				t.Errorf("model = %q, want %q", p.model, tt.model)
			}
		})
	}
}

// Relies on OPENAI_API_KEY being absent from the test environment.
func TestNewOpenAIMissingKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o"); err == nil {
		t.Fatal("expected error when no API key is available")
	}
}

func TestParams(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o"}
	req := llm.CompletionRequest{
		SystemPrompt: "You are helpful.",
		Messages: []types.Message{
			{Role: "user", Content: "What's the weather?", Name: "alice"},
			{Role: "assistant", ToolCalls: []types.ToolCall{
				{ID: "call_1", Name: "get_weather", Arguments: `{"city":"Berlin"}`},
			}},
			{Role: "tool", Content: "sunny", ToolCallID: "call_1"},
		},
		Temperature: 0.6,
		MaxTokens:   256,
		Tools: []types.ToolDefinition{
			{Name: "get_weather", Description: "Current weather for a city"},
		},
	}

	params := p.params(req)

	if params.Model != "gpt-4o" {
		t.Errorf("Model = %q, want gpt-4o", params.Model)
	}
	if len(params.Messages) != 4 {
		t.Fatalf("got %d messages, want 4 (system + 3)", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem || params.Messages[0].ContentString() != "You are helpful." {
		t.Errorf("messages[0] = %+v, want system prompt", params.Messages[0])
	}
	if params.Messages[1].Name != "alice" {
		t.Errorf("messages[1].Name = %q, want alice", params.Messages[1].Name)
	}
	tc := params.Messages[2].ToolCalls
	if len(tc) != 1 || tc[0].ID != "call_1" || tc[0].Type != "function" ||
		tc[0].Function.Name != "get_weather" || tc[0].Function.Arguments != `{"city":"Berlin"}` {
		t.Errorf("messages[2].ToolCalls = %+v", tc)
	}
	if params.Messages[3].ToolCallID != "call_1" || params.Messages[3].ContentString() != "sunny" {
		t.Errorf("messages[3] = %+v, want tool result", params.Messages[3])
	}
	if params.Temperature == nil || *params.Temperature != 0.6 {
		t.Errorf("Temperature = %v, want 0.6", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("MaxTokens = %v, want 256", params.MaxTokens)
	}
	if len(params.Tools) != 1 || params.Tools[0].Function.Name != "get_weather" || params.Tools[0].Type != "function" {
		t.Errorf("Tools = %+v", params.Tools)
	}
}

func TestParamsZeroTuning(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o"}
	params := p.params(llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	if params.Temperature != nil {
		t.Error("zero temperature should stay unset")
	}
	if params.MaxTokens != nil {
		t.Error("zero max tokens should stay unset")
	}
	if len(params.Messages) != 1 {
		t.Errorf("got %d messages, want 1 (no system prompt)", len(params.Messages))
	}
}

func TestToolCallAssembler(t *testing.T) {
	t.Parallel()

	var a toolCallAssembler
	if a.any() {
		t.Error("fresh assembler should report no calls")
	}

	// ID and name arrive on the first fragment; arguments are split across
	// fragments.
	a.add(0, anyllmlib.ToolCall{ID: "call_1", Function: anyllmlib.FunctionCall{Name: "get_weather", Arguments: `{"city":`}})
	a.add(0, anyllmlib.ToolCall{Function: anyllmlib.FunctionCall{Arguments: `"Berlin"}`}})
	a.add(1, anyllmlib.ToolCall{ID: "call_2", Function: anyllmlib.FunctionCall{Name: "get_time", Arguments: `{}`}})

	if !a.any() {
		t.Error("assembler should report calls after add")
	}
	calls := a.finished()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].ID != "call_1" || calls[0].Name != "get_weather" || calls[0].Arguments != `{"city":"Berlin"}` {
		t.Errorf("calls[0] = %+v", calls[0])
	}
	if calls[1].ID != "call_2" || calls[1].Name != "get_time" {
		t.Errorf("calls[1] = %+v", calls[1])
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model   string
		window  int
		maxOut  int
		vision  bool
		tooling bool
	}{
		{"gpt-4o-mini", 128_000, 16_384, true, true},
		{"gpt-4o", 128_000, 16_384, true, true},
		{"gpt-4-turbo", 128_000, 4_096, true, true},
		{"gpt-4", 8_192, 4_096, false, true},
		{"gpt-3.5-turbo", 16_385, 4_096, false, true},
		{"o1-mini", 128_000, 65_536, false, false},
		{"o1", 200_000, 100_000, true, true},
		{"o3-mini", 200_000, 100_000, false, true},
		{"claude-3-5-sonnet-latest", 200_000, 8_192, true, true},
		{"claude-3-haiku-20240307", 200_000, 8_192, true, true},
		{"claude-3-opus-20240229", 200_000, 4_096, true, true},
		{"claude-future-model", 200_000, 8_192, true, true},
		{"gemini-2.0-flash", 1_048_576, 8_192, true, true},
		{"gemini-1.5-pro", 2_097_152, 8_192, true, true},
		{"gemini-1.5-flash", 1_048_576, 8_192, true, true},
		{"gemini-pro", 128_000, 8_192, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := modelCapabilities(tt.model)
			if caps.ContextWindow != tt.window {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tt.window)
			}
			if caps.MaxOutputTokens != tt.maxOut {
				t.Errorf("MaxOutputTokens = %d, want %d", caps.MaxOutputTokens, tt.maxOut)
			}
			if caps.SupportsVision != tt.vision {
				t.Errorf("SupportsVision = %v, want %v", caps.SupportsVision, tt.vision)
			}
			if caps.SupportsToolCalling != tt.tooling {
				t.Errorf("SupportsToolCalling = %v, want %v", caps.SupportsToolCalling, tt.tooling)
			}
			if !caps.SupportsStreaming {
				t.Error("SupportsStreaming should always be true")
			}
		})
	}

	t.Run("unknown model gets defaults", func(t *testing.T) {
		caps := modelCapabilities("my-custom-model")
		if caps.ContextWindow <= 0 || caps.MaxOutputTokens <= 0 {
			t.Errorf("defaults should be positive: %+v", caps)
		}
		if !caps.SupportsStreaming {
			t.Error("defaults should support streaming")
		}
	})

	t.Run("matching ignores case", func(t *testing.T) {
		if modelCapabilities("GPT-4O").ContextWindow != modelCapabilities("gpt-4o").ContextWindow {
			t.Error("case should not affect the lookup")
		}
	})
}

func TestCountTokens(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o"}

	count, err := p.CountTokens(nil)
	if err != nil {
		t.Fatalf("CountTokens(nil): %v", err)
	}
	if count != 0 {
		t.Errorf("empty messages = %d tokens, want 0", count)
	}

	one, _ := p.CountTokens([]types.Message{{Role: "user", Content: "Hello"}})
	if one <= 0 {
		t.Errorf("single message = %d tokens, want > 0", one)
	}
	two, _ := p.CountTokens([]types.Message{
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi there, how can I help?"},
	})
	if two <= one {
		t.Errorf("two messages (%d) should cost more than one (%d)", two, one)
	}
}

func TestCapabilitiesUsesModel(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "claude-3-opus-20240229"}
	if got, want := p.Capabilities(), modelCapabilities("claude-3-opus-20240229"); got != want {
		t.Errorf("Capabilities() = %+v, want %+v", got, want)
	}
}
