// Package phonetic implements pronunciation-based keyword matching using
// Double Metaphone encoding combined with Jaro-Winkler string similarity for
// ranked candidate selection.
//
// The algorithm proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each word in the input and for each known keyword. If any code from the
//     input overlaps with any code from a keyword, the keyword becomes a
//     phonetic candidate.
//
//  2. Jaro-Winkler ranking: Among phonetic candidates, the keyword with the
//     highest Jaro-Winkler similarity (computed on the original strings,
//     case-insensitive) is selected — provided its score exceeds the
//     configurable phonetic threshold.
//
//     When no phonetic candidate is found, a secondary pass tests pure
//     Jaro-Winkler similarity against all keywords using a higher fuzzy
//     threshold (default 0.85).
//
// Multi-word keywords (e.g., "living room lights") are supported: the matcher
// computes phonetic codes for each word and considers the best pairwise score
// across all word pairs when ranking candidates.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched keyword to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the matcher falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher is a phonetic keyword matcher. All methods are safe for concurrent
// use — the Matcher is read-only after construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a new [Matcher] configured with the supplied options.
// Default thresholds are 0.70 for phonetic matches and 0.85 for fuzzy
// fallback matches.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// preparedKeyword holds the precomputed tokens and phonetic codes of one
// keyword.
type preparedKeyword struct {
	original string
	lower    string
	tokens   []string
	codes    map[string]struct{}
}

// KeywordSet holds precomputed phonetic data for a keyword list, so that
// repeated matching (one call per n-gram window of a transcript) does not
// re-encode every keyword each time.
type KeywordSet struct {
	keywords []preparedKeyword
	maxWords int
}

// Prepare precomputes phonetic codes for the given keywords. Blank entries
// are skipped.
func Prepare(keywords []string) *KeywordSet {
	ks := &KeywordSet{}
	for _, kw := range keywords {
		lower := strings.ToLower(strings.TrimSpace(kw))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		if len(tokens) > ks.maxWords {
			ks.maxWords = len(tokens)
		}
		ks.keywords = append(ks.keywords, preparedKeyword{
			original: strings.TrimSpace(kw),
			lower:    lower,
			tokens:   tokens,
			codes:    codesForTokens(tokens),
		})
	}
	return ks
}

// MaxWords returns the largest token count of any keyword in the set, or 0
// for an empty set.
func (ks *KeywordSet) MaxWords() int { return ks.maxWords }

// Match attempts to find the keyword from keywords that is most phonetically
// similar to word.
//
// word may be a single word or a space-separated phrase (n-gram). When word
// contains multiple tokens, the matcher checks whether any token phonetically
// aligns with any token in a multi-word keyword, then ranks by Jaro-Winkler
// on the full strings.
//
// When matched is false, corrected equals word unchanged and confidence is 0.
func (m *Matcher) Match(word string, keywords []string) (corrected string, confidence float64, matched bool) {
	return m.MatchPrepared(word, Prepare(keywords))
}

// MatchPrepared is [Matcher.Match] against a precomputed [KeywordSet]. This
// is the fast path for callers that slide a window over a transcript.
func (m *Matcher) MatchPrepared(word string, ks *KeywordSet) (corrected string, confidence float64, matched bool) {
	if ks == nil || len(ks.keywords) == 0 || strings.TrimSpace(word) == "" {
		return word, 0, false
	}

	wordLower := strings.ToLower(strings.TrimSpace(word))
	wordTokens := strings.Fields(wordLower)
	inputCodes := codesForTokens(wordTokens)

	type candidate struct {
		keyword  string
		score    float64
		phonetic bool
	}

	var best candidate

	for _, kw := range ks.keywords {
		phoneticMatch := codesOverlap(inputCodes, kw.codes)

		// Best Jaro-Winkler score across several comparison strategies, to
		// handle multi-word mismatches robustly.
		jwScore := bestJWScore(wordTokens, kw.tokens, wordLower, kw.lower)

		if phoneticMatch {
			if jwScore >= m.phoneticThreshold {
				if !best.phonetic || jwScore > best.score {
					best = candidate{keyword: kw.original, score: jwScore, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if jwScore >= m.fuzzyThreshold && jwScore > best.score {
				best = candidate{keyword: kw.original, score: jwScore, phonetic: false}
			}
		}
	}

	if best.keyword != "" {
		return best.keyword, best.score, true
	}
	return word, 0, false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when the word is too short or
// contains no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	// Iterate over the smaller set for efficiency.
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the input
// and the keyword using three strategies:
//
//  1. Full-string comparison (e.g., "there most at" vs "thermostat").
//  2. Space-stripped comparison (e.g., "theremostat" vs "thermostat").
//  3. Best pairwise word comparison — the maximum JW score between any input
//     token and any keyword token (useful when one spoken word corresponds to
//     one keyword word).
//
// longTolerance is passed as false to use standard Jaro-Winkler scoring.
func bestJWScore(inputTokens, keywordTokens []string, inputFull, keywordFull string) float64 {
	// Strategy 1: full strings.
	score := matchr.JaroWinkler(inputFull, keywordFull, false)

	// Strategy 2: concatenated (no spaces).
	if len(inputTokens) > 1 || len(keywordTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(keywordTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	// Strategy 3: best pairwise token score.
	for _, it := range inputTokens {
		for _, kt := range keywordTokens {
			if s := matchr.JaroWinkler(it, kt, false); s > score {
				score = s
			}
		}
	}

	return score
}
