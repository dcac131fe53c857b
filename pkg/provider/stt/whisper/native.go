// NativeProvider links whisper.cpp through its CGO bindings instead of going
// over HTTP. Building it needs libwhisper.a and whisper.h reachable via
// LIBRARY_PATH and C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/types"
)

var (
	_ stt.Provider      = (*NativeProvider)(nil)
	_ stt.SessionHandle = (*nativeSession)(nil)
)

// NativeProvider implements stt.Provider with in-process whisper.cpp
// inference. The model loads once and is shared by every session; each
// session derives its own whisper context because contexts are not
// thread-safe.
type NativeProvider struct {
	model    whisperlib.Model
	language string

	// segmentation parameters, same meaning as on the HTTP Provider
	rate      int
	silenceMs int
	maxBufMs  int
}

// NativeOption configures a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the BCP-47 transcription language (e.g. "en",
// "de"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeSampleRate declares the sample rate (Hz) of PCM passed to
// SendAudio. Defaults to 16000.
func WithNativeSampleRate(rate int) NativeOption {
	return func(p *NativeProvider) { p.rate = rate }
}

// WithNativeSilenceThresholdMs sets how much consecutive silence (ms) ends
// an utterance. Defaults to 500.
func WithNativeSilenceThresholdMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.silenceMs = ms }
}

// WithNativeMaxBufferDurationMs caps buffered audio (ms) before a forced
// flush. Defaults to 10000.
func WithNativeMaxBufferDurationMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.maxBufMs = ms }
}

// NewNative loads the whisper.cpp model at modelPath and returns a provider
// around it. Call Close to release the model.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:     model,
		language:  defaultLanguage,
		rate:      defaultSampleRate,
		silenceMs: defaultSilenceMs,
		maxBufMs:  defaultMaxBufferMs,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the shared whisper model.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// StartStream opens a session that accepts audio immediately. cfg values
// override provider defaults when set. Sessions are independent; each one
// creates fresh whisper contexts from the shared model.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = p.rate
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}

	s := &nativeSession{
		model:    p.model,
		language: lang,
		channels: channels,
		seg:      newSegmenter(rate, channels, p.silenceMs, p.maxBufMs),
		audio:    make(chan []byte, audioChanBuf),
		partials: make(chan types.Transcript, transcriptChanBuf),
		finals:   make(chan types.Transcript, transcriptChanBuf),
		quit:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run(ctx)

	return s, nil
}

// nativeSession is one live in-process transcription stream. The segmenter
// is confined to the run goroutine.
type nativeSession struct {
	model    whisperlib.Model
	language string
	channels int

	seg *segmenter

	audio    chan []byte
	partials chan types.Transcript
	finals   chan types.Transcript

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// SendAudio queues raw 16-bit little-endian PCM. It fails once the session
// is closed.
func (s *nativeSession) SendAudio(chunk []byte) error {
	select {
	case <-s.quit:
		return errors.New("whisper: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.quit:
		return errors.New("whisper: session is closed")
	}
}

// Partials emits interim transcripts. Closed when the session ends.
func (s *nativeSession) Partials() <-chan types.Transcript { return s.partials }

// Finals emits authoritative transcripts. Closed when the session ends.
func (s *nativeSession) Finals() <-chan types.Transcript { return s.finals }

// Err always returns nil: native inference failures are logged and the
// stream keeps running.
func (s *nativeSession) Err() error { return nil }

// SetKeywords always fails; whisper.cpp has no boosting API.
func (s *nativeSession) SetKeywords(_ []types.KeywordBoost) error {
	return fmt.Errorf("whisper: %w", errNotSupported)
}

// Close flushes buffered speech for one last transcription, closes both
// transcript channels and stops the worker. Safe to call repeatedly.
func (s *nativeSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.wg.Wait()
	})
	return nil
}

// run drains the audio channel through the segmenter and feeds each
// completed utterance to the bindings.
func (s *nativeSession) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.finals)
	defer close(s.partials)

	for {
		select {
		case <-ctx.Done():
			s.emit(s.seg.drain())
			return

		case <-s.quit:
			s.emit(s.seg.drain())
			return

		case chunk, ok := <-s.audio:
			if !ok {
				s.emit(s.seg.drain())
				return
			}
			loud := rmsEnergy(chunk) >= silenceRMS
			if utterance := s.seg.push(chunk, loud); utterance != nil {
				s.emit(utterance)
			}
		}
	}
}

// emit transcribes one utterance and publishes the text as a partial plus a
// final. Inference errors are logged, not surfaced. Sends are non-blocking
// so a stalled reader cannot wedge shutdown.
func (s *nativeSession) emit(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	text, err := s.infer(pcm)
	if err != nil {
		slog.Error("whisper native inference failed", "error", err)
		return
	}
	if text == "" {
		return
	}
	select {
	case s.partials <- types.Transcript{Text: text, IsFinal: false}:
	default:
	}
	select {
	case s.finals <- types.Transcript{Text: text, IsFinal: true}:
	default:
	}
}

// infer downmixes pcm to float32 mono, runs whisper.cpp over a fresh
// context and joins the resulting segment texts.
func (s *nativeSession) infer(pcm []byte) (string, error) {
	samples := pcmToFloat32Mono(pcm, s.channels)

	wctx, err := s.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(s.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", s.language, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
