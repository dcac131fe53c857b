// Package anyllm implements llm.Provider on top of
// github.com/mozilla-ai/any-llm-go, which speaks to OpenAI, Anthropic,
// Gemini, Ollama, DeepSeek, Mistral, Groq and local llama.cpp/llamafile
// servers through one interface.
//
//	p, err := anyllm.New("anthropic", "claude-3-5-sonnet-latest",
//	    anyllmlib.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/types"
)

// backends maps a provider name to its any-llm-go constructor. Each backend
// falls back to its usual environment variable (OPENAI_API_KEY and friends)
// when no API key option is passed.
var backends = map[string]func(...anyllmlib.Option) (anyllmlib.Provider, error){
	"openai":    wrap(anyllmoai.New),
	"anthropic": wrap(anthropic.New),
	"gemini":    wrap(gemini.New),
	"ollama":    wrap(ollama.New),
	"deepseek":  wrap(deepseek.New),
	"mistral":   wrap(mistral.New),
	"groq":      wrap(groq.New),
	"llamacpp":  wrap(llamacpp.New),
	"llamafile": wrap(llamafile.New),
}

// wrap adapts a constructor returning a concrete provider type to the
// anyllmlib.Provider interface, since function types are not covariant.
func wrap[P anyllmlib.Provider](construct func(...anyllmlib.Option) (P, error)) func(...anyllmlib.Option) (anyllmlib.Provider, error) {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		return construct(opts...)
	}
}

// Provider adapts an any-llm-go backend to llm.Provider.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New creates a Provider for the named backend ("openai", "anthropic",
// "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp",
// "llamafile") and model. opts are passed through to the backend, for
// example anyllmlib.WithAPIKey or anyllmlib.WithBaseURL.
func New(providerName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	construct, ok := backends[strings.ToLower(providerName)]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported provider %q; supported: %s",
			providerName, strings.Join(backendNames(), ", "))
	}
	backend, err := construct(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Provider{backend: backend, model: model}, nil
}

func backendNames() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StreamCompletion implements llm.Provider. Tool call fragments arriving
// across chunks are assembled and emitted once on the finishing chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	backendChunks, backendErrs := p.backend.CompletionStream(ctx, p.params(req))

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		var calls toolCallAssembler
		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			out := llm.Chunk{
				Text:         choice.Delta.Content,
				FinishReason: choice.FinishReason,
			}
			for i, tc := range choice.Delta.ToolCalls {
				calls.add(i, tc)
			}
			if choice.FinishReason == anyllmlib.FinishReasonToolCalls ||
				(choice.FinishReason != "" && calls.any()) {
				out.ToolCalls = calls.finished()
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		// The error channel yields after the chunk channel closes.
		if err := <-backendErrs; err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: llm.FinishError, Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// toolCallAssembler merges streamed tool call fragments by choice index.
// Argument text arrives in pieces; IDs and names may only be present on the
// first fragment.
type toolCallAssembler struct {
	byIndex map[int]*types.ToolCall
}

func (a *toolCallAssembler) add(i int, tc anyllmlib.ToolCall) {
	if a.byIndex == nil {
		a.byIndex = map[int]*types.ToolCall{}
	}
	call, ok := a.byIndex[i]
	if !ok {
		call = &types.ToolCall{}
		a.byIndex[i] = call
	}
	if tc.ID != "" {
		call.ID = tc.ID
	}
	if tc.Function.Name != "" {
		call.Name = tc.Function.Name
	}
	call.Arguments += tc.Function.Arguments
}

func (a *toolCallAssembler) any() bool { return len(a.byIndex) > 0 }

func (a *toolCallAssembler) finished() []types.ToolCall {
	out := make([]types.ToolCall, 0, len(a.byIndex))
	for i := 0; i < len(a.byIndex); i++ {
		if call, ok := a.byIndex[i]; ok {
			out = append(out, *call)
		}
	}
	return out
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in response")
	}

	choice := resp.Choices[0]
	result := &llm.CompletionResponse{Content: choice.Message.ContentString()}
	if resp.Usage != nil {
		result.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// CountTokens implements llm.Provider with a character-based estimate of
// about four characters per token plus per-message overhead.
// TODO: swap in a real tokenizer (tiktoken-go) for per-model accuracy.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
	}
	return total, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return modelCapabilities(p.model)
}

// params converts a CompletionRequest into any-llm-go CompletionParams.
func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message
	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		msg := anyllmlib.Message{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: anyllmlib.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, msg)
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}
	return params
}

// capsRule matches a family of model names to a capability set. Prefix rules
// use HasPrefix; contains rules use Contains. Rules are checked in order, so
// more specific names come first.
type capsRule struct {
	prefix   string
	contains string
	caps     types.ModelCapabilities
}

func rule(window, maxOut int, vision, tools bool) types.ModelCapabilities {
	return types.ModelCapabilities{
		ContextWindow:       window,
		MaxOutputTokens:     maxOut,
		SupportsVision:      vision,
		SupportsToolCalling: tools,
		SupportsStreaming:   true,
	}
}

var capsRules = []capsRule{
	// OpenAI GPT-4 family.
	{prefix: "gpt-4o-mini", caps: rule(128_000, 16_384, true, true)},
	{prefix: "gpt-4o", caps: rule(128_000, 16_384, true, true)},
	{prefix: "gpt-4-turbo", caps: rule(128_000, 4_096, true, true)},
	{prefix: "gpt-4", caps: rule(8_192, 4_096, false, true)},
	{prefix: "gpt-3.5-turbo", caps: rule(16_385, 4_096, false, true)},

	// OpenAI o-series reasoning models. o1-mini has no tool calling.
	{prefix: "o1-mini", caps: rule(128_000, 65_536, false, false)},
	{prefix: "o1", caps: rule(200_000, 100_000, true, true)},
	{prefix: "o3-mini", caps: rule(200_000, 100_000, false, true)},
	{prefix: "o3", caps: rule(200_000, 100_000, true, true)},

	// Anthropic Claude.
	{contains: "claude-3-5-sonnet", caps: rule(200_000, 8_192, true, true)},
	{contains: "claude-3-sonnet", caps: rule(200_000, 8_192, true, true)},
	{contains: "claude-3-5-haiku", caps: rule(200_000, 8_192, true, true)},
	{contains: "claude-3-haiku", caps: rule(200_000, 8_192, true, true)},
	{contains: "claude-3-opus", caps: rule(200_000, 4_096, true, true)},
	{prefix: "claude", caps: rule(200_000, 8_192, true, true)},

	// Google Gemini.
	{contains: "gemini-2.0-flash", caps: rule(1_048_576, 8_192, true, true)},
	{contains: "gemini-1.5-pro", caps: rule(2_097_152, 8_192, true, true)},
	{contains: "gemini-1.5-flash", caps: rule(1_048_576, 8_192, true, true)},
	{prefix: "gemini", caps: rule(128_000, 8_192, true, true)},
}

// modelCapabilities looks up caps for known OpenAI, Anthropic and Gemini
// model names. Unknown models get conservative defaults.
func modelCapabilities(model string) types.ModelCapabilities {
	lower := strings.ToLower(model)
	for _, r := range capsRules {
		if r.prefix != "" && strings.HasPrefix(lower, r.prefix) {
			return r.caps
		}
		if r.contains != "" && strings.Contains(lower, r.contains) {
			return r.caps
		}
	}
	return rule(128_000, 4_096, false, true)
}
