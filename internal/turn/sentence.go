package turn

import "strings"

// defaultMaxSentenceLen is the fallback cut-off for responses with no
// sentence punctuation, so a single run-on reply cannot buffer unboundedly
// before TTS starts.
const defaultMaxSentenceLen = 240

// sentenceSplitter accumulates streamed text fragments and yields complete
// speakable units: whole sentences when boundary punctuation appears, or a
// length-capped slice when none does.
type sentenceSplitter struct {
	buf    strings.Builder
	maxLen int
}

func newSentenceSplitter(maxLen int) *sentenceSplitter {
	if maxLen <= 0 {
		maxLen = defaultMaxSentenceLen
	}
	return &sentenceSplitter{maxLen: maxLen}
}

// push appends fragment and returns all speakable units completed by it, in
// order. Returned units are trimmed of the leading whitespace that followed
// the previous boundary.
func (sp *sentenceSplitter) push(fragment string) []string {
	sp.buf.WriteString(fragment)

	var units []string
	for {
		s := sp.buf.String()
		idx := firstSentenceBoundary(s)
		if idx < 0 {
			if len(s) < sp.maxLen {
				break
			}
			// No boundary in an over-long buffer: cut at the last space
			// before the cap, or hard-cut when there is none.
			idx = strings.LastIndexByte(s[:sp.maxLen], ' ')
			if idx <= 0 {
				idx = sp.maxLen - 1
			}
		}
		unit := strings.TrimSpace(s[:idx+1])
		rest := strings.TrimLeft(s[idx+1:], " \t\n\r")
		sp.buf.Reset()
		sp.buf.WriteString(rest)
		if unit != "" {
			units = append(units, unit)
		}
	}
	return units
}

// flush returns any remaining partial sentence and resets the splitter.
func (sp *sentenceSplitter) flush() string {
	rest := strings.TrimSpace(sp.buf.String())
	sp.buf.Reset()
	return rest
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?' that
// is immediately followed by a whitespace character, or -1 if no such
// boundary exists in s.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}
