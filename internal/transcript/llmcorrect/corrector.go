// Package llmcorrect is the language-model pass of transcript correction,
// catching keyword mishearings the phonetic matcher missed.
//
// The [Corrector] hands the raw transcript plus the known keyword list to an
// [llm.Provider] under a deliberately conservative system prompt: fix only
// words that look like misheard keywords, answer as structured JSON with the
// corrected text and an itemised substitution list. The reply is then
// verified token by token against the input, and any edit the model made
// without declaring it is reverted. An unparseable reply degrades to the
// original text with no error, because the pipeline has to keep moving.
package llmcorrect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/types"
)

const defaultTemperature = 0.1

// promptTemplate carries the correction rules; the keyword list is slotted
// in per request so configuration changes take effect immediately.
const promptTemplate = `You are a transcript correction assistant for a voice conversation system.

Your task: fix misheard domain keywords in the provided transcript text.

Rules:
- ONLY correct words that appear to be misheard versions of the known keywords listed below.
- Do NOT change ordinary words, grammar, punctuation, or sentence structure.
- Be conservative — if you are not confident a word is a misheard keyword, leave it unchanged.
- Preserve the original capitalisation style of the surrounding text where possible.
- Keywords in the corrected text should match the canonical spelling from the keyword list exactly.

Known keywords:
%s

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "corrected_text": "<full corrected transcript>",
  "corrections": [
    {"original": "<original word>", "corrected": "<corrected word>", "confidence": <0.0-1.0>}
  ]
}

If no corrections are needed, return an empty corrections array and corrected_text equal to the input.`

// Correction is one word-level substitution the model declared. The
// pipeline maps these onto [transcript.Correction] values with Method
// "llm".
type Correction struct {
	Original   string  // word as transcribed
	Corrected  string  // canonical keyword the model substituted
	Confidence float64 // model-reported confidence, 0.0 to 1.0
}

// Corrector fixes keyword mishearings through an [llm.Provider]. Safe for
// concurrent use.
//
// There is no per-request model override: to correct with a specific model,
// construct the provider around that model.
type Corrector struct {
	llm         llm.Provider
	temperature float64
}

// Option configures a [Corrector].
type Option func(*Corrector)

// WithTemperature overrides the sampling temperature. The 0.1 default keeps
// corrections close to deterministic.
func WithTemperature(temp float64) Option {
	return func(c *Corrector) { c.temperature = temp }
}

// New returns a [Corrector] backed by provider.
func New(provider llm.Provider, opts ...Option) *Corrector {
	c := &Corrector{
		llm:         provider,
		temperature: defaultTemperature,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct asks the model to fix misheard keywords in text.
// lowConfidenceSpans, when present, are pointed out to the model as likely
// mishearing sites. Undeclared edits in the reply are reverted before
// returning.
//
// A reply that fails to parse yields (text, nil, nil): graceful
// degradation, not an error. Network failures and context cancellation do
// return errors.
func (c *Corrector) Correct(
	ctx context.Context,
	text string,
	keywords []string,
	lowConfidenceSpans []string,
) (string, []Correction, error) {
	if len(keywords) == 0 {
		return text, nil, nil
	}

	userMsg := text
	if len(lowConfidenceSpans) > 0 {
		userMsg = fmt.Sprintf(
			"Transcript: %s\n\nLow-confidence spans that may be misheard: %s",
			text, strings.Join(lowConfidenceSpans, ", "),
		)
	}

	resp, err := c.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: keywordPrompt(keywords),
		Temperature:  c.temperature,
		Messages: []types.Message{
			{Role: "user", Content: userMsg},
		},
	})
	if err != nil {
		return text, nil, fmt.Errorf("llm corrector: complete: %w", err)
	}

	corrected, corrections, decodeErr := decodeReply(resp.Content, text)
	if decodeErr != nil {
		return text, nil, nil //nolint:nilerr // unparseable reply degrades to the input
	}

	corrected, corrections = verifyCorrectedText(text, corrected, corrections)
	return corrected, corrections, nil
}

func keywordPrompt(keywords []string) string {
	var sb strings.Builder
	for _, k := range keywords {
		sb.WriteString("- ")
		sb.WriteString(k)
		sb.WriteByte('\n')
	}
	return fmt.Sprintf(promptTemplate, sb.String())
}

// decodeReply parses the model's JSON, dropping no-op and empty-original
// substitutions. Code fences are stripped first because some models wrap
// JSON in markdown no matter what the prompt says.
func decodeReply(content, originalText string) (string, []Correction, error) {
	var r struct {
		CorrectedText string `json:"corrected_text"`
		Corrections   []struct {
			Original   string  `json:"original"`
			Corrected  string  `json:"corrected"`
			Confidence float64 `json:"confidence"`
		} `json:"corrections"`
	}
	if err := json.Unmarshal([]byte(trimCodeFence(content)), &r); err != nil {
		return "", nil, fmt.Errorf("llm corrector: parse response: %w", err)
	}
	if r.CorrectedText == "" {
		return originalText, nil, nil
	}

	corrections := make([]Correction, 0, len(r.Corrections))
	for _, c := range r.Corrections {
		if c.Original == c.Corrected || c.Original == "" {
			continue
		}
		corrections = append(corrections, Correction{
			Original:   c.Original,
			Corrected:  c.Corrected,
			Confidence: c.Confidence,
		})
	}
	return r.CorrectedText, corrections, nil
}

func trimCodeFence(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
