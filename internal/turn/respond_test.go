package turn_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxloop/voxloop/internal/turn"
	"github.com/voxloop/voxloop/pkg/event"
	"github.com/voxloop/voxloop/pkg/provider/llm"
	llmmock "github.com/voxloop/voxloop/pkg/provider/llm/mock"
	ttsmock "github.com/voxloop/voxloop/pkg/provider/tts/mock"
	"github.com/voxloop/voxloop/pkg/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// recordSink collects emitted events; safe for concurrent Emit.
type recordSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *recordSink) Emit(ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordSink) all() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordSink) ofKind(k event.Kind) []event.Event {
	var out []event.Event
	for _, ev := range s.all() {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

// execFunc adapts a function to the turn.ToolExecutor interface.
type execFunc func(ctx context.Context, call types.ToolCall) (string, error)

func (f execFunc) Execute(ctx context.Context, call types.ToolCall) (string, error) {
	return f(ctx, call)
}

func newTestController(t *testing.T, cfg turn.Config) (*turn.Controller, *recordSink) {
	t.Helper()
	sink := &recordSink{}
	cfg.Emitter = event.NewEmitter("test-session", sink)
	if cfg.LLMName == "" {
		cfg.LLMName = "mockllm"
	}
	if cfg.TTSName == "" {
		cfg.TTSName = "mocktts"
	}
	if cfg.STTName == "" {
		cfg.STTName = "mockstt"
	}
	c, err := turn.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, sink
}

func userMessage(text string) []types.Message {
	return []types.Message{{Role: "user", Content: text}}
}

// ─── streaming and sentence dispatch ─────────────────────────────────────────

func TestRespondStreamsTextAndAudio(t *testing.T) {
	t.Parallel()

	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Hello there. "},
			{Text: "Nice to meet you!"},
			{FinishReason: "stop"},
		},
	}
	ttsP := &ttsmock.Provider{EchoText: true}
	c, sink := newTestController(t, turn.Config{LLM: llmP, TTS: ttsP})

	tn := turn.NewTurn(1)
	if err := c.Respond(context.Background(), tn, userMessage("hi")); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	if got, want := tn.ResponseText(), "Hello there. Nice to meet you!"; got != want {
		t.Errorf("response text = %q, want %q", got, want)
	}
	if got, want := tn.SpokenText(), "Hello there. Nice to meet you!"; got != want {
		t.Errorf("spoken text = %q, want %q", got, want)
	}

	wantUnits := []string{"Hello there.", "Nice to meet you!"}
	if got := ttsP.ReceivedTexts(0); !equalStrings(got, wantUnits) {
		t.Errorf("dispatched sentences = %q, want %q", got, wantUnits)
	}

	deltas := sink.ofKind(event.KindResponseDelta)
	if len(deltas) != 2 {
		t.Fatalf("got %d response deltas, want 2", len(deltas))
	}
	finals := sink.ofKind(event.KindResponseFinal)
	if len(finals) != 1 || finals[0].Text != "Hello there. Nice to meet you!" {
		t.Errorf("response final = %+v", finals)
	}

	chunks := sink.ofKind(event.KindAudioChunk)
	if len(chunks) != 2 {
		t.Fatalf("got %d audio chunks, want 2", len(chunks))
	}
	for i, ev := range chunks {
		if ev.Seq != uint64(i+1) {
			t.Errorf("chunk %d has seq %d, want %d", i, ev.Seq, i+1)
		}
		if string(ev.Audio) != wantUnits[i] {
			t.Errorf("chunk %d audio = %q, want %q", i, ev.Audio, wantUnits[i])
		}
	}
	if got := tn.AudioChunks(); got != 2 {
		t.Errorf("turn audio chunk count = %d, want 2", got)
	}
	if tn.State() != turn.StateSpeaking {
		t.Errorf("state = %v, want SpeakingTTS", tn.State())
	}
}

func TestRespondDeliversAudioArrivingAfterModelStreamEnds(t *testing.T) {
	t.Parallel()

	// The mock withholds synthesized audio until its text stream is closed,
	// which happens only after the model round has finished. Synthesis must
	// keep running past the round's deadline context for that audio to reach
	// the sink.
	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "All done here. "},
			{FinishReason: llm.FinishStop},
		},
	}
	ttsP := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("a1"), []byte("a2")}}
	c, sink := newTestController(t, turn.Config{LLM: llmP, TTS: ttsP})

	tn := turn.NewTurn(1)
	if err := c.Respond(context.Background(), tn, userMessage("hi")); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	chunks := sink.ofKind(event.KindAudioChunk)
	if len(chunks) != 2 {
		t.Fatalf("got %d audio chunks, want 2", len(chunks))
	}
	for i, ev := range chunks {
		if ev.Seq != uint64(i+1) {
			t.Errorf("chunk %d has seq %d, want %d", i, ev.Seq, i+1)
		}
	}
	if got := tn.AudioChunks(); got != 2 {
		t.Errorf("turn audio chunk count = %d, want 2", got)
	}
}

func TestRespondEntersSpeakingOnFirstSentence(t *testing.T) {
	t.Parallel()

	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "First sentence done. "},
			{FinishReason: "stop"},
		},
	}
	ttsP := &ttsmock.Provider{EchoText: true}
	c, _ := newTestController(t, turn.Config{LLM: llmP, TTS: ttsP})

	tn := turn.NewTurn(1)
	if err := c.Respond(context.Background(), tn, userMessage("hi")); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if tn.State() != turn.StateSpeaking {
		t.Errorf("state = %v, want SpeakingTTS", tn.State())
	}
	if tn.Latency().TTS < 0 {
		t.Error("TTS latency is negative")
	}
}

func TestRespondMaxLenFallbackDispatchesUnpunctuatedText(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("word ", 30) // no sentence punctuation at all
	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: long},
			{FinishReason: "stop"},
		},
	}
	ttsP := &ttsmock.Provider{EchoText: true}
	c, _ := newTestController(t, turn.Config{LLM: llmP, TTS: ttsP, MaxSentenceLen: 40})

	tn := turn.NewTurn(1)
	if err := c.Respond(context.Background(), tn, userMessage("hi")); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	units := ttsP.ReceivedTexts(0)
	if len(units) < 3 {
		t.Fatalf("got %d units, want several from length-capped splitting", len(units))
	}
	for _, u := range units {
		if len(u) > 40 {
			t.Errorf("unit %q exceeds the length cap", u)
		}
	}
}

func TestRespondNoSpeakableOutputSkipsTTS(t *testing.T) {
	t.Parallel()

	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{FinishReason: "stop"}},
	}
	ttsP := &ttsmock.Provider{EchoText: true}
	c, sink := newTestController(t, turn.Config{LLM: llmP, TTS: ttsP})

	tn := turn.NewTurn(1)
	if err := c.Respond(context.Background(), tn, userMessage("hi")); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if len(ttsP.SynthesizeStreamCalls) != 0 {
		t.Errorf("TTS called %d times for an empty response, want 0", len(ttsP.SynthesizeStreamCalls))
	}
	if got := sink.ofKind(event.KindAudioChunk); len(got) != 0 {
		t.Errorf("got %d audio chunks, want 0", len(got))
	}
}

// ─── tool rounds ─────────────────────────────────────────────────────────────

var timeTool = []types.ToolDefinition{{
	Name:        "get_time",
	Description: "Returns the current time.",
	Parameters:  map[string]any{"type": "object"},
}}

func TestRespondExecutesToolRound(t *testing.T) {
	t.Parallel()

	llmP := &llmmock.Provider{
		StreamScript: [][]llm.Chunk{
			{
				{ToolCalls: []types.ToolCall{{ID: "call_1", Name: "get_time", Arguments: "{}"}}, FinishReason: "tool_calls"},
			},
			{
				{Text: "It is noon. "},
				{FinishReason: "stop"},
			},
		},
	}
	ttsP := &ttsmock.Provider{EchoText: true}

	var calls []types.ToolCall
	var mu sync.Mutex
	exec := execFunc(func(_ context.Context, call types.ToolCall) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, call)
		return "12:00", nil
	})

	c, sink := newTestController(t, turn.Config{LLM: llmP, TTS: ttsP, Tools: timeTool, Exec: exec})

	tn := turn.NewTurn(1)
	if err := c.Respond(context.Background(), tn, userMessage("what time is it?")); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	if len(calls) != 1 || calls[0].Name != "get_time" {
		t.Fatalf("executed tools = %+v, want one get_time call", calls)
	}

	// The second completion round must carry the tool exchange.
	if len(llmP.StreamCalls) != 2 {
		t.Fatalf("got %d completion rounds, want 2", len(llmP.StreamCalls))
	}
	msgs := llmP.StreamCalls[1].Req.Messages
	last := msgs[len(msgs)-1]
	if last.Role != "tool" || last.ToolCallID != "call_1" || last.Content != "12:00" {
		t.Errorf("last round-2 message = %+v, want tool result for call_1", last)
	}
	secondToLast := msgs[len(msgs)-2]
	if secondToLast.Role != "assistant" || len(secondToLast.ToolCalls) != 1 {
		t.Errorf("assistant tool-call message missing, got %+v", secondToLast)
	}

	// Events: one tool.call, one tool.result, in that order before response text.
	callEvs := sink.ofKind(event.KindToolCall)
	resultEvs := sink.ofKind(event.KindToolResult)
	if len(callEvs) != 1 || callEvs[0].Tool.Name != "get_time" {
		t.Errorf("tool.call events = %+v", callEvs)
	}
	if len(resultEvs) != 1 || resultEvs[0].Tool.Result != "12:00" || resultEvs[0].Tool.IsError {
		t.Errorf("tool.result events = %+v", resultEvs)
	}

	// The exchange is collected on the turn for the session to commit.
	exchange := tn.Exchange()
	if len(exchange) != 2 {
		t.Fatalf("exchange has %d messages, want 2", len(exchange))
	}
	uses := tn.ToolUses()
	if len(uses) != 1 || uses[0].Result != "12:00" || uses[0].Failed {
		t.Errorf("tool uses = %+v", uses)
	}
}

func TestRespondToolFailureIsSurfacedToModel(t *testing.T) {
	t.Parallel()

	llmP := &llmmock.Provider{
		StreamScript: [][]llm.Chunk{
			{
				{ToolCalls: []types.ToolCall{{ID: "call_1", Name: "get_time", Arguments: "{}"}}, FinishReason: "tool_calls"},
			},
			{
				{Text: "I could not check the time. "},
				{FinishReason: "stop"},
			},
		},
	}
	ttsP := &ttsmock.Provider{EchoText: true}
	exec := execFunc(func(context.Context, types.ToolCall) (string, error) {
		return "", errors.New("clock service unavailable")
	})

	c, sink := newTestController(t, turn.Config{LLM: llmP, TTS: ttsP, Tools: timeTool, Exec: exec})

	tn := turn.NewTurn(1)
	if err := c.Respond(context.Background(), tn, userMessage("what time is it?")); err != nil {
		t.Fatalf("Respond returned %v; tool failures must not fail the turn", err)
	}

	results := sink.ofKind(event.KindToolResult)
	if len(results) != 1 || !results[0].Tool.IsError {
		t.Fatalf("tool.result events = %+v, want one error result", results)
	}
	if !strings.Contains(results[0].Tool.Result, "clock service unavailable") {
		t.Errorf("error result %q does not carry the cause", results[0].Tool.Result)
	}

	// The model received the error text and got to recover in round 2.
	msgs := llmP.StreamCalls[1].Req.Messages
	last := msgs[len(msgs)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "clock service unavailable") {
		t.Errorf("tool message = %+v, want error content", last)
	}
}

func TestRespondToolRoundLimit(t *testing.T) {
	t.Parallel()

	// The model asks for a tool on every round, forever.
	looping := []llm.Chunk{
		{ToolCalls: []types.ToolCall{{ID: "call_n", Name: "get_time", Arguments: "{}"}}, FinishReason: "tool_calls"},
	}
	llmP := &llmmock.Provider{StreamChunks: looping}
	ttsP := &ttsmock.Provider{EchoText: true}
	exec := execFunc(func(context.Context, types.ToolCall) (string, error) { return "12:00", nil })

	c, _ := newTestController(t, turn.Config{
		LLM: llmP, TTS: ttsP, Tools: timeTool, Exec: exec, MaxToolRounds: 2,
	})

	tn := turn.NewTurn(1)
	err := c.Respond(context.Background(), tn, userMessage("loop"))
	var perr *types.ProviderError
	if !errors.As(err, &perr) || perr.Phase != types.PhaseLLM {
		t.Fatalf("err = %v, want LLM ProviderError for exceeded tool rounds", err)
	}
	if len(llmP.StreamCalls) != 2 {
		t.Errorf("got %d completion rounds, want exactly MaxToolRounds", len(llmP.StreamCalls))
	}
}

// ─── failures ────────────────────────────────────────────────────────────────

func TestRespondLLMStartFailure(t *testing.T) {
	t.Parallel()

	llmP := &llmmock.Provider{StreamErr: errors.New("401 unauthorized")}
	ttsP := &ttsmock.Provider{EchoText: true}
	c, _ := newTestController(t, turn.Config{LLM: llmP, TTS: ttsP})

	err := c.Respond(context.Background(), turn.NewTurn(1), userMessage("hi"))
	var perr *types.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProviderError", err)
	}
	if perr.Phase != types.PhaseLLM || perr.Provider != "mockllm" {
		t.Errorf("got phase %q provider %q, want llm/mockllm", perr.Phase, perr.Provider)
	}
}

func TestRespondModelStreamError(t *testing.T) {
	t.Parallel()

	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Starting to answ"},
			{FinishReason: llm.FinishError},
		},
	}
	ttsP := &ttsmock.Provider{EchoText: true}
	c, _ := newTestController(t, turn.Config{LLM: llmP, TTS: ttsP})

	err := c.Respond(context.Background(), turn.NewTurn(1), userMessage("hi"))
	var perr *types.ProviderError
	if !errors.As(err, &perr) || perr.Phase != types.PhaseLLM {
		t.Fatalf("err = %v, want LLM ProviderError", err)
	}
}

func TestRespondTTSStartFailure(t *testing.T) {
	t.Parallel()

	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Hello there. "},
			{FinishReason: "stop"},
		},
	}
	ttsP := &ttsmock.Provider{SynthesizeErr: errors.New("voice not found")}
	c, _ := newTestController(t, turn.Config{LLM: llmP, TTS: ttsP})

	err := c.Respond(context.Background(), turn.NewTurn(1), userMessage("hi"))
	var perr *types.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProviderError", err)
	}
	if perr.Phase != types.PhaseTTS || perr.Provider != "mocktts" {
		t.Errorf("got phase %q provider %q, want tts/mocktts", perr.Phase, perr.Provider)
	}
}

func TestRespondTTSStreamFailure(t *testing.T) {
	t.Parallel()

	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Hello there. "},
			{FinishReason: "stop"},
		},
	}
	ttsP := &ttsmock.Provider{EchoText: true, StreamErr: errors.New("synthesis aborted")}
	c, _ := newTestController(t, turn.Config{LLM: llmP, TTS: ttsP})

	err := c.Respond(context.Background(), turn.NewTurn(1), userMessage("hi"))
	var perr *types.ProviderError
	if !errors.As(err, &perr) || perr.Phase != types.PhaseTTS {
		t.Fatalf("err = %v, want TTS ProviderError", err)
	}
}

func TestRespondCancellation(t *testing.T) {
	t.Parallel()

	// Many unpunctuated fragments so cancellation lands mid-stream, before
	// any sentence is dispatched.
	var chunks []llm.Chunk
	for i := 0; i < 50; i++ {
		chunks = append(chunks, llm.Chunk{Text: fmt.Sprintf("word%d ", i)})
	}
	chunks = append(chunks, llm.Chunk{FinishReason: "stop"})
	llmP := &llmmock.Provider{StreamChunks: chunks}
	ttsP := &ttsmock.Provider{EchoText: true}

	ctx, cancel := context.WithCancel(context.Background())
	sink := &recordSink{}
	cancelOnFirstDelta := event.SinkFunc(func(ev event.Event) {
		sink.Emit(ev)
		if ev.Kind == event.KindResponseDelta {
			cancel()
		}
	})

	cfg := turn.Config{
		LLM: llmP, TTS: ttsP,
		LLMName: "mockllm", TTSName: "mocktts",
		Emitter: event.NewEmitter("test-session", cancelOnFirstDelta),
	}
	c, err := turn.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	respondErr := c.Respond(ctx, turn.NewTurn(1), userMessage("hi"))
	if !errors.Is(respondErr, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", respondErr)
	}
	if got := sink.ofKind(event.KindAudioChunk); len(got) != 0 {
		t.Errorf("got %d audio chunks after cancellation, want 0", len(got))
	}
}

func TestRespondLLMTimeout(t *testing.T) {
	t.Parallel()

	// A stream that never finishes: the mock emits nothing and leaves the
	// channel open until its context is cancelled by the round timeout.
	llmP := &hangingLLM{}
	ttsP := &ttsmock.Provider{EchoText: true}
	c, _ := newTestController(t, turn.Config{
		LLM: llmP, TTS: ttsP,
		LLMTimeout: 30 * time.Millisecond,
	})

	err := c.Respond(context.Background(), turn.NewTurn(1), userMessage("hi"))
	var perr *types.ProviderError
	if !errors.As(err, &perr) || perr.Phase != types.PhaseLLM {
		t.Fatalf("err = %v, want LLM ProviderError from round timeout", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want wrapped DeadlineExceeded", err)
	}
}

// hangingLLM keeps its stream open until the context is cancelled.
type hangingLLM struct{}

func (h *hangingLLM) StreamCompletion(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (h *hangingLLM) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errors.New("not implemented")
}

func (h *hangingLLM) CountTokens([]types.Message) (int, error) { return 0, nil }

func (h *hangingLLM) Capabilities() types.ModelCapabilities { return types.ModelCapabilities{} }

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
