// Package transcript corrects final speech-to-text transcripts before they
// reach the model.
//
// STT engines routinely mangle domain vocabulary: contact names, device
// names, and product terms come out as whatever common word sounds closest.
// The [Pipeline] fixes these with two optional stages. A [PhoneticMatcher]
// aligns misheard words against the keyword list by pronunciation, entirely
// in-process, cheap enough to sit on the real-time path. An LLM pass then
// reviews whatever the phonetic stage left unresolved, spending one model
// call only on transcripts that carry low-confidence words.
//
// Every substitution is reported as a [Correction] naming the stage that
// produced it, so callers can audit or display what was changed.
//
// All interfaces in this package must be implemented concurrency-safe.
package transcript

import (
	"context"

	"github.com/voxloop/voxloop/pkg/types"
)

// Pipeline turns a raw [types.Transcript] into corrected text using the
// given keyword list: the domain terms a deployment wants recognised
// verbatim in transcripts.
type Pipeline interface {
	// Correct never returns a nil result on success. When nothing needs
	// fixing, Corrected equals transcript.Text and Corrections is empty
	// but non-nil.
	Correct(ctx context.Context, transcript types.Transcript, keywords []string) (*CorrectedTranscript, error)
}

// PhoneticMatcher resolves one word (or short phrase) to the keyword it most
// plausibly was, judged by pronunciation similarity. No network access, no
// model calls.
//
// When matched is false, corrected must be the input word unchanged and
// confidence must be 0. The similarity cutoff that makes a match "good
// enough" is the implementation's to choose.
type PhoneticMatcher interface {
	Match(word string, keywords []string) (corrected string, confidence float64, matched bool)
}

// Correction is one word-level substitution applied by the pipeline.
type Correction struct {
	Original  string // text as heard by the STT provider
	Corrected string // replacement chosen by the pipeline

	// Confidence grades the substitution in [0.0, 1.0]. Above 0.9 is
	// near-certain; below 0.5 is speculative.
	Confidence float64

	// Method names the producing stage: "phonetic" or "llm".
	Method string
}

// CorrectedTranscript is what [Pipeline.Correct] returns: the untouched
// input transcript, the corrected text ready for conversation history and
// model context, and the ordered substitutions that transformed one into
// the other.
type CorrectedTranscript struct {
	Original    types.Transcript
	Corrected   string
	Corrections []Correction
}
