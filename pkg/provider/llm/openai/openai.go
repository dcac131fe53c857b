// Package openai implements llm.Provider against the OpenAI chat completion
// API using the official Go SDK.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/types"
)

// Provider is an OpenAI-backed llm.Provider.
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

// Option adds SDK request options at construction time.
type Option func(*[]option.RequestOption)

// WithBaseURL points the client at an alternative API endpoint, for example
// an Azure OpenAI deployment or a local proxy.
func WithBaseURL(url string) Option {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithBaseURL(url))
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithOrganization(org))
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// New constructs a Provider for the given model. apiKey and model are
// required.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, o := range opts {
		o(&reqOpts)
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// StreamCompletion implements llm.Provider. Tool call fragments spread over
// chunks are merged by index and emitted once on the finishing chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		pending := map[int]*types.ToolCall{}
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			out := llm.Chunk{
				Text:         choice.Delta.Content,
				FinishReason: choice.FinishReason,
			}
			for _, tc := range choice.Delta.ToolCalls {
				mergeToolCall(pending, tc)
			}
			if choice.FinishReason == "tool_calls" || (choice.FinishReason != "" && len(pending) > 0) {
				for i := 0; i < len(pending); i++ {
					if tc, ok := pending[i]; ok {
						out.ToolCalls = append(out.ToolCalls, *tc)
					}
				}
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: llm.FinishError, Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// mergeToolCall folds one streamed tool call fragment into pending. The ID
// and function name may only appear on the first fragment for an index;
// argument JSON arrives piecewise.
func mergeToolCall(pending map[int]*types.ToolCall, tc oai.ChatCompletionChunkChoiceDeltaToolCall) {
	idx := int(tc.Index)
	call, ok := pending[idx]
	if !ok {
		call = &types.ToolCall{}
		pending[idx] = call
	}
	if tc.ID != "" {
		call.ID = tc.ID
	}
	if tc.Function.Name != "" {
		call.Name = tc.Function.Name
	}
	call.Arguments += tc.Function.Arguments
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}

	choice := resp.Choices[0]
	result := &llm.CompletionResponse{
		Content: choice.Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
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

// CountTokens implements llm.Provider with a rough four-characters-per-token
// estimate plus per-message overhead.
// TODO: replace with tiktoken-go for per-model accuracy.
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

func caps(window, maxOut int, vision, tools bool) types.ModelCapabilities {
	return types.ModelCapabilities{
		ContextWindow:       window,
		MaxOutputTokens:     maxOut,
		SupportsVision:      vision,
		SupportsToolCalling: tools,
		SupportsStreaming:   true,
	}
}

// modelCapabilities maps known OpenAI model families to their limits. More
// specific prefixes are checked first. Unknown models get the gpt-4-class
// defaults.
func modelCapabilities(model string) types.ModelCapabilities {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-4o-mini"),
		strings.HasPrefix(lower, "gpt-4o"):
		return caps(128_000, 16_384, true, true)
	case strings.HasPrefix(lower, "gpt-4-turbo"):
		return caps(128_000, 4_096, true, true)
	case strings.HasPrefix(lower, "gpt-4"):
		return caps(8_192, 4_096, false, true)
	case strings.HasPrefix(lower, "gpt-3.5-turbo"):
		return caps(16_385, 4_096, false, true)
	case strings.HasPrefix(lower, "o1-mini"):
		// o1-mini has no tool calling.
		return caps(128_000, 65_536, false, false)
	case strings.HasPrefix(lower, "o1"):
		return caps(200_000, 100_000, true, true)
	case strings.HasPrefix(lower, "o3-mini"):
		return caps(200_000, 100_000, false, true)
	case strings.HasPrefix(lower, "o3"):
		return caps(200_000, 100_000, true, true)
	default:
		return caps(128_000, 4_096, false, true)
	}
}

// params converts a CompletionRequest into OpenAI SDK params.
func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := sdkMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}
	return params, nil
}

// sdkMessage converts one types.Message to the SDK's message union.
func sdkMessage(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil
	case "user":
		return oai.UserMessage(m.Content), nil
	case "tool":
		return oai.ToolMessage(m.Content, m.ToolCallID), nil
	case "assistant":
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		if m.Name != "" {
			asst.Name = oai.String(m.Name)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}
