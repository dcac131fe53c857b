package turn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voxloop/voxloop/pkg/event"
	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/provider/tts"
	"github.com/voxloop/voxloop/pkg/types"
)

// Respond drives the thinking and speaking phases of turn t: it streams the
// LLM completion over history, executes any tool rounds, assembles sentences
// and feeds them to a single TTS stream, and publishes response deltas and
// numbered audio chunks to the event sink.
//
// Respond blocks until all audio has been delivered or the turn fails.
// Cancelling ctx aborts the open provider streams promptly; Respond then
// returns the context error so the session can record the interruption.
// Respond does not mutate conversation history — committed messages are
// collected on t for the session to apply.
func (c *Controller) Respond(ctx context.Context, t *Turn, history []types.Message) error {
	t.SetState(StateThinking)
	t.markLLMStart()

	req := llm.CompletionRequest{
		Messages:     history,
		Tools:        c.cfg.Tools,
		Temperature:  c.cfg.Temperature,
		MaxTokens:    c.cfg.MaxTokens,
		SystemPrompt: c.cfg.SystemPrompt,
	}

	sp := newSentenceSplitter(c.cfg.MaxSentenceLen)
	speech := &speechStream{c: c, t: t, ctx: ctx}

	for round := 0; ; round++ {
		roundCtx, cancel := context.WithTimeout(ctx, c.cfg.LLMTimeout)
		ch, err := c.cfg.LLM.StreamCompletion(roundCtx, req)
		if err != nil {
			cancel()
			c.cfg.Metrics.RecordProviderError(ctx, c.cfg.LLMName, "llm")
			return c.provErr(types.PhaseLLM, err)
		}
		c.cfg.Metrics.RecordProviderRequest(ctx, c.cfg.LLMName, "llm", "ok")

		calls, finish, err := c.consumeStream(roundCtx, t, ch, sp, speech)
		cancel()
		if err != nil {
			return err
		}
		if finish == llm.FinishError {
			c.cfg.Metrics.RecordProviderError(ctx, c.cfg.LLMName, "llm")
			return c.provErr(types.PhaseLLM, errors.New("model stream failed"))
		}
		if finish == "" {
			// The stream ended without a finish chunk: either a
			// cancellation, a round timeout, or a provider that closes
			// cleanly without one.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if roundCtx.Err() != nil {
				c.cfg.Metrics.RecordProviderError(ctx, c.cfg.LLMName, "llm")
				return c.provErr(types.PhaseLLM, roundCtx.Err())
			}
		}

		if len(calls) == 0 {
			break
		}
		if round+1 >= c.cfg.MaxToolRounds {
			return c.provErr(types.PhaseLLM,
				fmt.Errorf("tool round limit %d exceeded", c.cfg.MaxToolRounds))
		}
		roundMsgs, err := c.runTools(ctx, t, calls)
		if err != nil {
			return err
		}
		msgs := make([]types.Message, 0, len(req.Messages)+len(roundMsgs))
		msgs = append(msgs, req.Messages...)
		msgs = append(msgs, roundMsgs...)
		req.Messages = msgs
	}

	t.markLLMEnd()
	c.cfg.Metrics.LLMDuration.Record(ctx, t.Latency().LLM.Seconds())

	if rest := sp.flush(); rest != "" {
		if err := speech.dispatch(rest); err != nil {
			return err
		}
	}

	c.cfg.Emitter.Emit(event.Event{
		Kind:   event.KindResponseFinal,
		TurnID: t.ID,
		Text:   t.ResponseText(),
	})

	if err := speech.finish(); err != nil {
		return err
	}
	if speech.started() {
		t.markTTSEnd()
		c.cfg.Metrics.TTSDuration.Record(ctx, t.Latency().TTS.Seconds())
	}
	return nil
}

// consumeStream reads one completion round from ch, forwarding text deltas
// to the event sink, pushing completed sentences to speech, and collecting
// tool-call requests. It returns the collected calls and the finish reason
// ("" when the channel closed without one).
func (c *Controller) consumeStream(ctx context.Context, t *Turn, ch <-chan llm.Chunk, sp *sentenceSplitter, speech *speechStream) (calls []types.ToolCall, finish string, err error) {
	for {
		select {
		case <-ctx.Done():
			go drainChunks(ch)
			return calls, "", nil
		case chunk, ok := <-ch:
			if !ok {
				return calls, "", nil
			}
			if chunk.Text != "" {
				t.appendResponse(chunk.Text)
				c.cfg.Emitter.Emit(event.Event{
					Kind:   event.KindResponseDelta,
					TurnID: t.ID,
					Text:   chunk.Text,
				})
				for _, unit := range sp.push(chunk.Text) {
					if err := speech.dispatch(unit); err != nil {
						go drainChunks(ch)
						return nil, "", err
					}
				}
			}
			if len(chunk.ToolCalls) > 0 {
				calls = append(calls, chunk.ToolCalls...)
			}
			if chunk.FinishReason != "" {
				go drainChunks(ch)
				return calls, chunk.FinishReason, nil
			}
		}
	}
}

// runTools executes the model's tool requests in order and returns the
// messages to append to the completion request: the assistant tool-call
// message followed by one tool-result message per call. Tool failures are
// surfaced to the model as error results, not returned; only a cancelled
// context aborts the round.
func (c *Controller) runTools(ctx context.Context, t *Turn, calls []types.ToolCall) ([]types.Message, error) {
	assistant := types.Message{Role: "assistant", ToolCalls: calls}
	uses := make([]ToolUse, 0, len(calls))
	results := make([]types.Message, 0, len(calls))

	for _, call := range calls {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.cfg.Emitter.Emit(event.Event{
			Kind:   event.KindToolCall,
			TurnID: t.ID,
			Tool:   &event.ToolInfo{CallID: call.ID, Name: call.Name, Arguments: call.Arguments},
		})

		start := time.Now()
		result, err := c.cfg.Exec.Execute(ctx, call)
		c.cfg.Metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())

		failed := err != nil
		if failed {
			terr := &types.ToolExecutionError{Tool: call.Name, CallID: call.ID, Err: err}
			c.log.Warn("tool execution failed", "tool", call.Name, "call_id", call.ID, "error", err)
			c.cfg.Metrics.RecordToolCall(ctx, call.Name, "error")
			result = terr.Error()
		} else {
			c.cfg.Metrics.RecordToolCall(ctx, call.Name, "ok")
		}

		c.cfg.Emitter.Emit(event.Event{
			Kind:   event.KindToolResult,
			TurnID: t.ID,
			Tool: &event.ToolInfo{
				CallID:    call.ID,
				Name:      call.Name,
				Arguments: call.Arguments,
				Result:    result,
				IsError:   failed,
			},
		})

		uses = append(uses, ToolUse{Call: call, Result: result, Failed: failed})
		results = append(results, types.Message{Role: "tool", Content: result, ToolCallID: call.ID})
	}

	t.recordToolRound(assistant, uses, results)

	msgs := make([]types.Message, 0, 1+len(results))
	msgs = append(msgs, assistant)
	msgs = append(msgs, results...)
	return msgs, nil
}

// drainChunks discards remaining chunks so the provider's goroutine does not
// block after the consumer stops early.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}

// speechStream lazily opens the turn's single TTS stream on the first
// dispatched sentence and pumps its audio chunks to the event sink. The
// sentence channel's small buffer is the bounded queue between LLM sentence
// assembly and synthesis.
type speechStream struct {
	c *Controller
	t *Turn

	// ctx is the turn-level context. Synthesis spans LLM rounds, so the
	// stream and pump must run under it, not under a round's timeout
	// context.
	ctx context.Context

	textCh   chan string
	stream   *tts.Stream
	pumpDone chan error

	// result holds the pump outcome once consumed from pumpDone.
	result     error
	haveResult bool
}

// started reports whether any sentence has been dispatched.
func (s *speechStream) started() bool { return s.textCh != nil }

// dispatch queues one sentence for synthesis, opening the TTS stream on
// first use. Blocks while the sentence queue is full; returns early if the
// audio pump fails or the turn is cancelled.
func (s *speechStream) dispatch(sentence string) error {
	if s.haveResult {
		return s.earlyEnd()
	}
	if s.textCh == nil {
		textCh := make(chan string, s.c.cfg.SentenceQueue)
		stream, err := s.c.cfg.TTS.SynthesizeStream(s.ctx, textCh, s.c.cfg.Voice)
		if err != nil {
			s.c.cfg.Metrics.RecordProviderError(s.ctx, s.c.cfg.TTSName, "tts")
			return s.c.provErr(types.PhaseTTS, err)
		}
		s.c.cfg.Metrics.RecordProviderRequest(s.ctx, s.c.cfg.TTSName, "tts", "ok")
		s.textCh = textCh
		s.stream = stream
		s.pumpDone = make(chan error, 1)
		s.t.markTTSStart()
		s.t.SetState(StateSpeaking)
		go func() { s.pumpDone <- s.pump() }()
	}

	select {
	case s.textCh <- sentence:
		s.t.addSpoken(sentence)
		return nil
	case err := <-s.pumpDone:
		s.result, s.haveResult = err, true
		return s.earlyEnd()
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// finish closes the sentence channel and waits for the remaining audio to be
// delivered. Returns nil when the stream completed cleanly or was never
// opened.
func (s *speechStream) finish() error {
	if s.textCh == nil {
		return nil
	}
	close(s.textCh)
	if s.haveResult {
		return s.result
	}
	select {
	case err := <-s.pumpDone:
		s.result, s.haveResult = err, true
		return err
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// earlyEnd converts a pump that ended while sentences were still being
// dispatched into the error to fail the turn with.
func (s *speechStream) earlyEnd() error {
	if s.result != nil {
		return s.result
	}
	return s.c.provErr(types.PhaseTTS, errors.New("audio stream ended before synthesis finished"))
}

// pump forwards audio chunks from the TTS stream to the event sink with
// 1-based sequence numbers, enforcing the idle timeout between chunks.
func (s *speechStream) pump() error {
	idle := time.NewTimer(s.c.cfg.TTSTimeout)
	defer idle.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case <-idle.C:
			s.c.cfg.Metrics.RecordProviderError(s.ctx, s.c.cfg.TTSName, "tts")
			return s.c.provErr(types.PhaseTTS,
				fmt.Errorf("no audio for %s: %w", s.c.cfg.TTSTimeout, context.DeadlineExceeded))
		case chunk, ok := <-s.stream.Audio:
			if !ok {
				if err := s.stream.Err(); err != nil {
					s.c.cfg.Metrics.RecordProviderError(s.ctx, s.c.cfg.TTSName, "tts")
					return s.c.provErr(types.PhaseTTS, err)
				}
				return nil
			}
			if len(chunk) == 0 {
				continue
			}
			s.c.cfg.Emitter.Emit(event.Event{
				Kind:   event.KindAudioChunk,
				TurnID: s.t.ID,
				Audio:  chunk,
				Seq:    s.t.nextChunkSeq(),
			})
			s.c.cfg.Metrics.AudioChunks.Add(s.ctx, 1)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.c.cfg.TTSTimeout)
		}
	}
}
