package transcript

import (
	"context"
	"strings"

	"github.com/voxloop/voxloop/internal/transcript/llmcorrect"
	"github.com/voxloop/voxloop/internal/transcript/phonetic"
	"github.com/voxloop/voxloop/pkg/types"
)

const defaultConfidenceFloor = 0.5

// CorrectionPipeline is the standard [Pipeline]: an optional phonetic stage
// followed by an optional LLM stage. With no options both stages are off and
// Correct passes text through untouched. Safe for concurrent use.
type CorrectionPipeline struct {
	phonetic     PhoneticMatcher
	llmCorrector *llmcorrect.Corrector
	llmThreshold float64
}

var _ Pipeline = (*CorrectionPipeline)(nil)

// PipelineOption configures a [CorrectionPipeline].
type PipelineOption func(*CorrectionPipeline)

// WithPhoneticMatcher enables the phonetic stage.
func WithPhoneticMatcher(m PhoneticMatcher) PipelineOption {
	return func(p *CorrectionPipeline) { p.phonetic = m }
}

// WithLLMCorrector enables the LLM stage.
func WithLLMCorrector(c *llmcorrect.Corrector) PipelineOption {
	return func(p *CorrectionPipeline) { p.llmCorrector = c }
}

// WithLLMOnLowConfidence sets the word-confidence floor below which an
// uncorrected word is handed to the LLM stage for review. The default is
// 0.5. Transcripts with no per-word confidence data always reach the LLM
// stage when one is configured.
func WithLLMOnLowConfidence(threshold float64) PipelineOption {
	return func(p *CorrectionPipeline) { p.llmThreshold = threshold }
}

// NewPipeline builds a [CorrectionPipeline] from the given options.
func NewPipeline(opts ...PipelineOption) *CorrectionPipeline {
	p := &CorrectionPipeline{llmThreshold: defaultConfidenceFloor}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Correct runs the configured stages in order. The phonetic stage scans the
// tokenised text for keyword matches, including multi-word keywords matched
// as n-gram windows. Words the phonetic stage did not touch and whose STT
// confidence sits below the threshold become the low-confidence spans given
// to the LLM stage; that stage is skipped entirely when per-word confidence
// exists and nothing fell below the floor. Cancellation of ctx aborts a
// pending LLM call.
func (p *CorrectionPipeline) Correct(
	ctx context.Context,
	t types.Transcript,
	keywords []string,
) (*CorrectedTranscript, error) {
	text := t.Text
	corrections := []Correction{}

	if p.phonetic != nil && len(keywords) > 0 {
		text, corrections = p.matchKeywords(text, keywords, corrections)
	}

	if p.llmCorrector != nil && len(keywords) > 0 {
		spans := p.suspectWords(t.Words, corrections)
		if len(t.Words) == 0 || len(spans) > 0 {
			reviewed, extra, err := p.llmCorrector.Correct(ctx, text, keywords, spans)
			if err != nil {
				return nil, err
			}
			text = reviewed
			for _, c := range extra {
				corrections = append(corrections, Correction{
					Original:   c.Original,
					Corrected:  c.Corrected,
					Confidence: c.Confidence,
					Method:     "llm",
				})
			}
		}
	}

	return &CorrectedTranscript{
		Original:    t,
		Corrected:   text,
		Corrections: corrections,
	}, nil
}

// matchKeywords walks the token stream trying n-gram windows at each
// position, widest first, so that a multi-word keyword beats a partial
// single-word match. Matched windows are replaced by the keyword; unmatched
// tokens pass through. Phonetic corrections are appended to acc.
func (p *CorrectionPipeline) matchKeywords(text string, keywords []string, acc []Correction) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, acc
	}

	match, width := p.matcherFor(keywords)
	if width == 0 {
		return text, acc
	}

	var out []string
	for i := 0; i < len(tokens); {
		n := min(width, len(tokens)-i)
		for ; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			keyword, conf, ok := match(window)
			if !ok {
				continue
			}
			out = append(out, strings.Fields(keyword)...)
			acc = append(acc, Correction{
				Original:   window,
				Corrected:  keyword,
				Confidence: conf,
				Method:     "phonetic",
			})
			break
		}
		if n == 0 {
			out = append(out, tokens[i])
			n = 1
		}
		i += n
	}

	return strings.Join(out, " "), acc
}

// matcherFor returns the window-match function and the widest keyword's word
// count. The concrete [phonetic.Matcher] gets its precomputed fast path;
// any other matcher goes through the plain interface.
func (p *CorrectionPipeline) matcherFor(keywords []string) (func(string) (string, float64, bool), int) {
	if pm, ok := p.phonetic.(*phonetic.Matcher); ok {
		ks := phonetic.Prepare(keywords)
		return func(w string) (string, float64, bool) {
			return pm.MatchPrepared(w, ks)
		}, ks.MaxWords()
	}

	width := 1
	for _, k := range keywords {
		width = max(width, len(strings.Fields(k)))
	}
	return func(w string) (string, float64, bool) {
		return p.phonetic.Match(w, keywords)
	}, width
}

// suspectWords returns the words whose STT confidence falls below the
// threshold, excluding anything the phonetic stage already fixed.
func (p *CorrectionPipeline) suspectWords(words []types.WordDetail, fixed []Correction) []string {
	fixedSet := make(map[string]struct{}, len(fixed))
	for _, c := range fixed {
		fixedSet[strings.ToLower(c.Original)] = struct{}{}
	}

	var spans []string
	for _, w := range words {
		if _, ok := fixedSet[strings.ToLower(w.Word)]; ok {
			continue
		}
		if w.Confidence < p.llmThreshold {
			spans = append(spans, w.Word)
		}
	}
	return spans
}

// KeywordCorrector binds a [Pipeline] to a fixed keyword list, giving the
// turn controller a single-transcript correction call.
type KeywordCorrector struct {
	pipeline Pipeline
	keywords []string
}

// NewKeywordCorrector returns a corrector that runs every transcript through
// p with the given keywords. The Keyword fields of the configured
// [types.KeywordBoost] list are the usual source.
func NewKeywordCorrector(p Pipeline, keywords []string) *KeywordCorrector {
	return &KeywordCorrector{pipeline: p, keywords: keywords}
}

// Correct applies the pipeline and returns only the corrected text.
func (k *KeywordCorrector) Correct(ctx context.Context, t types.Transcript) (string, error) {
	res, err := k.pipeline.Correct(ctx, t, k.keywords)
	if err != nil {
		return "", err
	}
	return res.Corrected, nil
}
