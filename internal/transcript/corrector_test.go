package transcript_test

import (
	"context"
	"testing"
	"time"

	"github.com/voxloop/voxloop/internal/transcript"
	"github.com/voxloop/voxloop/internal/transcript/llmcorrect"
	"github.com/voxloop/voxloop/internal/transcript/phonetic"
	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/provider/llm/mock"
	"github.com/voxloop/voxloop/pkg/types"
)

func makeTranscript(text string, words ...types.WordDetail) types.Transcript {
	return types.Transcript{
		Text:       text,
		IsFinal:    true,
		Confidence: 0.85,
		Words:      words,
		Timestamp:  time.Second,
		Duration:   3 * time.Second,
	}
}

// --- Both stages ---

func TestCorrectionPipeline_BothStages(t *testing.T) {
	t.Parallel()

	phonMatcher := phonetic.New()
	mockLLM := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"corrected_text": "Catherine is in the living room.", "corrections": [{"original": "katrin", "corrected": "Catherine", "confidence": 0.9}]}`,
		},
	}
	llmCorrector := llmcorrect.New(mockLLM)

	pipeline := transcript.NewPipeline(
		transcript.WithPhoneticMatcher(phonMatcher),
		transcript.WithLLMCorrector(llmCorrector),
		transcript.WithLLMOnLowConfidence(0.5),
	)

	// Low-confidence word detail to trigger LLM stage.
	wordDetails := []types.WordDetail{
		{Word: "katrin", Start: 0, End: time.Second, Confidence: 0.3},
		{Word: "is", Start: time.Second, End: 2 * time.Second, Confidence: 0.9},
		{Word: "living", Start: 2 * time.Second, End: 3 * time.Second, Confidence: 0.9},
	}

	tr := makeTranscript("katrin is in the living room.", wordDetails...)
	result, err := pipeline.Correct(context.Background(), tr, []string{"Catherine", "Living Room Lamp"})
	if err != nil {
		t.Fatalf("Correct returned error: %v", err)
	}

	if result == nil {
		t.Fatal("Correct returned nil result")
	}
	if result.Original.Text != tr.Text {
		t.Errorf("Original.Text=%q, want %q", result.Original.Text, tr.Text)
	}
	// Corrections slice must be non-nil.
	if result.Corrections == nil {
		t.Error("Corrections is nil, want non-nil (even if empty)")
	}
	// LLM stage must have run for the low-confidence span.
	if len(mockLLM.CompleteCalls) != 1 {
		t.Errorf("LLM called %d times, want 1", len(mockLLM.CompleteCalls))
	}
}

// --- Phonetic only ---

func TestCorrectionPipeline_PhoneticOnly(t *testing.T) {
	t.Parallel()

	phonMatcher := phonetic.New()
	pipeline := transcript.NewPipeline(
		transcript.WithPhoneticMatcher(phonMatcher),
	)

	tr := makeTranscript("turn on the living rum lamp")
	result, err := pipeline.Correct(context.Background(), tr, []string{"Living Room Lamp", "Catherine"})
	if err != nil {
		t.Fatalf("Correct returned error: %v", err)
	}

	if result.Corrections == nil {
		t.Error("Corrections is nil, want non-nil")
	}

	// Any corrections applied must come from the phonetic stage.
	for _, c := range result.Corrections {
		if c.Method != "phonetic" {
			t.Errorf("expected phonetic correction, got method=%q", c.Method)
		}
	}
}

// --- LLM only ---

func TestCorrectionPipeline_LLMOnly(t *testing.T) {
	t.Parallel()

	mockLLM := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"corrected_text": "Catherine arrived.", "corrections": [{"original": "katrin", "corrected": "Catherine", "confidence": 0.88}]}`,
		},
	}
	llmCorrector := llmcorrect.New(mockLLM)
	pipeline := transcript.NewPipeline(
		transcript.WithLLMCorrector(llmCorrector),
	)

	// No per-word data → LLM always runs.
	tr := makeTranscript("katrin arrived.")
	result, err := pipeline.Correct(context.Background(), tr, []string{"Catherine"})
	if err != nil {
		t.Fatalf("Correct returned error: %v", err)
	}

	if result == nil {
		t.Fatal("result is nil")
	}
	// LLM should have been called.
	if len(mockLLM.CompleteCalls) == 0 {
		t.Fatal("LLM was not called")
	}
	// Final text should come from LLM response.
	if result.Corrected != "Catherine arrived." {
		t.Errorf("Corrected=%q, want %q", result.Corrected, "Catherine arrived.")
	}
	// LLM corrections should be present.
	llmCorrectionFound := false
	for _, c := range result.Corrections {
		if c.Method == "llm" {
			llmCorrectionFound = true
			break
		}
	}
	if !llmCorrectionFound {
		t.Error("no LLM correction found in result.Corrections")
	}
}

// --- Low-confidence filtering ---

func TestCorrectionPipeline_LowConfidenceFiltering(t *testing.T) {
	t.Parallel()

	mockLLM := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"corrected_text": "Catherine speaks softly.", "corrections": []}`,
		},
	}
	llmCorrector := llmcorrect.New(mockLLM)
	pipeline := transcript.NewPipeline(
		transcript.WithLLMCorrector(llmCorrector),
		transcript.WithLLMOnLowConfidence(0.5),
	)

	// All words above threshold → LLM should NOT be called.
	wordDetails := []types.WordDetail{
		{Word: "catherine", Confidence: 0.95},
		{Word: "speaks", Confidence: 0.98},
		{Word: "softly", Confidence: 0.92},
	}
	tr := makeTranscript("catherine speaks softly.", wordDetails...)
	result, err := pipeline.Correct(context.Background(), tr, []string{"Catherine"})
	if err != nil {
		t.Fatalf("Correct returned error: %v", err)
	}
	if result == nil {
		t.Fatal("result is nil")
	}
	if len(mockLLM.CompleteCalls) != 0 {
		t.Errorf("LLM called %d times, want 0 (all words high-confidence)", len(mockLLM.CompleteCalls))
	}
}

func TestCorrectionPipeline_LLMRunsOnLowConfidence(t *testing.T) {
	t.Parallel()

	mockLLM := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"corrected_text": "katrin speaks softly.", "corrections": []}`,
		},
	}
	llmCorrector := llmcorrect.New(mockLLM)
	pipeline := transcript.NewPipeline(
		transcript.WithLLMCorrector(llmCorrector),
		transcript.WithLLMOnLowConfidence(0.5),
	)

	// One word below threshold → LLM should be called.
	wordDetails := []types.WordDetail{
		{Word: "katrin", Confidence: 0.2}, // low confidence
		{Word: "speaks", Confidence: 0.98},
		{Word: "softly", Confidence: 0.92},
	}
	tr := makeTranscript("katrin speaks softly.", wordDetails...)
	_, err := pipeline.Correct(context.Background(), tr, []string{"Catherine"})
	if err != nil {
		t.Fatalf("Correct returned error: %v", err)
	}
	if len(mockLLM.CompleteCalls) != 1 {
		t.Errorf("LLM called %d times, want 1 (one low-confidence word)", len(mockLLM.CompleteCalls))
	}
}

// --- No stages configured ---

func TestCorrectionPipeline_NoStages(t *testing.T) {
	t.Parallel()

	pipeline := transcript.NewPipeline()
	tr := makeTranscript("katrin speaks.")
	result, err := pipeline.Correct(context.Background(), tr, []string{"Catherine"})
	if err != nil {
		t.Fatalf("Correct returned error: %v", err)
	}
	if result.Corrected != tr.Text {
		t.Errorf("Corrected=%q, want original %q when no stages configured", result.Corrected, tr.Text)
	}
	if len(result.Corrections) != 0 {
		t.Errorf("expected 0 corrections with no stages, got %d", len(result.Corrections))
	}
}

// --- Original preserved ---

func TestCorrectionPipeline_OriginalPreserved(t *testing.T) {
	t.Parallel()

	phonMatcher := phonetic.New()
	pipeline := transcript.NewPipeline(
		transcript.WithPhoneticMatcher(phonMatcher),
	)

	tr := makeTranscript("geoff entered the kitchen.")
	result, err := pipeline.Correct(context.Background(), tr, []string{"Geoff"})
	if err != nil {
		t.Fatalf("Correct returned error: %v", err)
	}

	// Original must always equal the input transcript.
	if result.Original.Text != tr.Text {
		t.Errorf("Original.Text=%q, want %q", result.Original.Text, tr.Text)
	}
}

// --- Turn-controller adapter ---

func TestKeywordCorrector(t *testing.T) {
	t.Parallel()

	pipeline := transcript.NewPipeline(
		transcript.WithPhoneticMatcher(phonetic.New()),
	)
	c := transcript.NewKeywordCorrector(pipeline, []string{"Catherine"})

	got, err := c.Correct(context.Background(), types.Transcript{Text: "call katherine please", IsFinal: true})
	if err != nil {
		t.Fatalf("Correct returned error: %v", err)
	}
	if got != "call Catherine please" {
		t.Errorf("Correct = %q, want %q", got, "call Catherine please")
	}
}
