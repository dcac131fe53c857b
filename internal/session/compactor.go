package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/types"
)

// charsPerToken is the heuristic ratio used for token estimation.
// English text averages roughly 4 characters per token across common
// LLM tokenizers. This avoids a per-commit provider round trip.
const charsPerToken = 4

// summarisationPrompt is the system prompt sent to the LLM when compacting
// old conversation history.
const summarisationPrompt = `Summarise the following voice conversation between a user and an assistant.
Preserve: key facts, user preferences, decisions, commitments made by the assistant,
and any unresolved requests. Be concise but keep everything needed to continue
the conversation coherently.`

// Summariser produces a concise summary of a conversation segment.
type Summariser interface {
	Summarise(ctx context.Context, messages []types.Message) (string, error)
}

// LLMSummariser uses an LLM provider to summarise conversations.
type LLMSummariser struct {
	llm llm.Provider
}

// NewLLMSummariser creates an [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

// Summarise formats the messages into a transcript and asks the model for a
// condensed summary.
func (s *LLMSummariser) Summarise(ctx context.Context, messages []types.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var b strings.Builder
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarisationPrompt,
		Messages: []types.Message{
			{Role: "user", Content: b.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarise: %w", err)
	}
	if resp == nil {
		return "", fmt.Errorf("summarise: empty response")
	}
	return strings.TrimSpace(resp.Content), nil
}

// Compactor bounds the token footprint of a session's conversation history.
// When the estimated size exceeds ThresholdRatio × MaxTokens, the oldest half
// of the entries is summarised into a single system entry.
//
// Compactor is stateless; the session owns the history and applies the
// replacement it returns.
type Compactor struct {
	maxTokens      int
	thresholdRatio float64
	summariser     Summariser
}

// CompactorConfig configures a [Compactor].
type CompactorConfig struct {
	// MaxTokens is the provider's context window size (e.g., 128000).
	MaxTokens int

	// ThresholdRatio is the fraction of MaxTokens at which compaction is
	// triggered. Defaults to 0.75 if zero or negative.
	ThresholdRatio float64

	// Summariser compresses the dropped entries. Must not be nil.
	Summariser Summariser
}

// NewCompactor creates a Compactor. Returns an error when Summariser is nil
// or MaxTokens is not positive.
func NewCompactor(cfg CompactorConfig) (*Compactor, error) {
	if cfg.Summariser == nil {
		return nil, fmt.Errorf("compactor: summariser is required")
	}
	if cfg.MaxTokens <= 0 {
		return nil, fmt.Errorf("compactor: max tokens must be positive")
	}
	ratio := cfg.ThresholdRatio
	if ratio <= 0 {
		ratio = 0.75
	}
	return &Compactor{
		maxTokens:      cfg.MaxTokens,
		thresholdRatio: ratio,
		summariser:     cfg.Summariser,
	}, nil
}

// NeedsCompaction reports whether history's estimated token count exceeds
// the configured threshold. Histories of one entry or fewer are never
// compacted.
func (c *Compactor) NeedsCompaction(history []types.HistoryEntry) bool {
	if len(history) <= 1 {
		return false
	}
	tokens := 0
	for _, e := range history {
		tokens += estimateTokens(e.Message)
	}
	return tokens > int(float64(c.maxTokens)*c.thresholdRatio)
}

// Compact summarises the oldest half of history and returns the summary
// entry plus the index the retained suffix starts at. The caller replaces
// history[:keepFrom] with the summary entry. Compact does not mutate history.
func (c *Compactor) Compact(ctx context.Context, history []types.HistoryEntry) (summary types.HistoryEntry, keepFrom int, err error) {
	half := len(history) / 2
	if half == 0 {
		half = 1
	}

	msgs := make([]types.Message, half)
	for i, e := range history[:half] {
		msgs[i] = e.Message
	}

	text, err := c.summariser.Summarise(ctx, msgs)
	if err != nil {
		return types.HistoryEntry{}, 0, err
	}

	return types.HistoryEntry{
		Message: types.Message{
			Role:    "system",
			Content: "[Previous conversation summary]: " + text,
		},
		Timestamp: time.Now().UTC(),
	}, half, nil
}

// estimateTokens estimates the token footprint of a message, counting the
// role tag and a small structural overhead.
func estimateTokens(m types.Message) int {
	chars := len(m.Content) + len(m.Role) + len(m.Name)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Arguments)
	}
	return chars/charsPerToken + 4
}
