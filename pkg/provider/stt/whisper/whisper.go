// Package whisper adapts whisper.cpp to the streaming stt.Provider contract.
//
// Two providers live here. Provider (this file) talks to a running
// whisper-server binary over its REST API (POST /inference). NativeProvider
// (native.go) links whisper.cpp directly through its Go bindings. Both share
// the same segmentation strategy: whisper.cpp transcribes whole utterances,
// not rolling audio, so incoming PCM is buffered until an energy detector
// sees enough trailing silence, then the utterance is submitted as one batch
// request.
//
// True low-latency partials are therefore impossible. Each committed
// utterance produces a partial and a final carrying the same text; the
// partial keeps UI activity indicators alive while Finals feeds session
// logging and the LLM.
//
//	p, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	    whisper.WithSilenceThresholdMs(500),
//	)
//	handle, err := p.StartStream(ctx, cfg)
//	handle.SendAudio(pcmChunk)
//	transcript := <-handle.Finals()
//	handle.Close()
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/types"
)

const (
	inferencePath = "/inference"

	// sampleBytes is the size of one 16-bit signed little-endian PCM sample,
	// the only format whisper.cpp accepts.
	sampleBytes = 2

	// silenceRMS is the root-mean-square level (in 16-bit PCM units, max
	// 32767) below which a chunk counts as silent.
	silenceRMS = 300.0

	defaultLanguage     = "en"
	defaultSampleRate   = 16000
	defaultSilenceMs    = 500
	defaultMaxBufferMs  = 10_000
	transcriptChanBuf   = 64
	audioChanBuf        = 256
	finalFlushTimeout   = 30 * time.Second
	defaultInferTimeout = 30 * time.Second
)

var _ stt.Provider = (*Provider)(nil)

// errNotSupported backs SetKeywords; whisper.cpp has no boosting API.
var errNotSupported = errors.New("keyword boosting is not supported by whisper.cpp")

// Provider implements stt.Provider against a whisper-server HTTP endpoint.
// It is safe to open any number of concurrent sessions; each one owns its
// buffer and worker goroutine.
type Provider struct {
	serverURL string
	model     string
	language  string
	rate      int
	silenceMs int
	maxBufMs  int
	client    *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithModel names the model the server should use (e.g. "base.en",
// "small"). Left empty, the server sticks with whatever it was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language hint sent with each inference
// request (e.g. "en", "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSampleRate declares the sample rate (Hz) of PCM passed to SendAudio.
// Buffer limits and silence windows are derived from it. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.rate = rate }
}

// WithSilenceThresholdMs sets how much consecutive silence (ms) ends an
// utterance and triggers transcription. Lower values respond faster but may
// split sentences. Defaults to 500.
func WithSilenceThresholdMs(ms int) Option {
	return func(p *Provider) { p.silenceMs = ms }
}

// WithMaxBufferDurationMs caps how much audio (ms) may accumulate before a
// flush is forced even without silence, bounding memory during continuous
// speech. Defaults to 10000.
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) { p.maxBufMs = ms }
}

// New returns a Provider for the whisper-server at serverURL
// (e.g. "http://localhost:8080"). serverURL must not be empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: serverURL,
		language:  defaultLanguage,
		rate:      defaultSampleRate,
		silenceMs: defaultSilenceMs,
		maxBufMs:  defaultMaxBufferMs,
		client:    &http.Client{Timeout: defaultInferTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a session that accepts audio immediately. cfg.SampleRate,
// cfg.Channels and cfg.Language override the provider defaults when set.
// No network traffic happens until the first utterance flush, so the only
// possible error here is an already-cancelled context.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
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

	s := &session{
		serverURL: p.serverURL,
		model:     p.model,
		language:  lang,
		rate:      rate,
		channels:  channels,
		client:    p.client,
		seg:       newSegmenter(rate, channels, p.silenceMs, p.maxBufMs),
		audio:     make(chan []byte, audioChanBuf),
		partials:  make(chan types.Transcript, transcriptChanBuf),
		finals:    make(chan types.Transcript, transcriptChanBuf),
		quit:      make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run(ctx)

	return s, nil
}

// session is one live transcription stream. The segmenter and everything it
// buffers are touched only from the run goroutine, so no lock guards them.
type session struct {
	serverURL string
	model     string
	language  string
	rate      int
	channels  int
	client    *http.Client

	seg *segmenter

	audio    chan []byte
	partials chan types.Transcript
	finals   chan types.Transcript

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// terminalErr records a failed final flush. Mid-session inference errors
	// are dropped because the stream keeps running.
	terminalErr atomic.Pointer[error]
}

// SendAudio queues raw 16-bit little-endian PCM matching the sample rate and
// channel count agreed at StartStream. It fails once the session is closed.
func (s *session) SendAudio(chunk []byte) error {
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

// Partials emits interim transcripts. With whisper.cpp every partial is the
// twin of a final with identical text. Closed when the session ends.
func (s *session) Partials() <-chan types.Transcript { return s.partials }

// Finals emits authoritative transcripts for session logging and LLM input.
// Closed when the session ends.
func (s *session) Finals() <-chan types.Transcript { return s.finals }

// Err reports the error that ended the session, nil for a clean shutdown.
func (s *session) Err() error {
	if p := s.terminalErr.Load(); p != nil {
		return *p
	}
	return nil
}

// SetKeywords always fails; the session stays usable afterwards.
func (s *session) SetKeywords(_ []types.KeywordBoost) error {
	return fmt.Errorf("whisper: %w", errNotSupported)
}

// Close flushes buffered speech for one last transcription, closes both
// transcript channels and releases the worker. Safe to call repeatedly.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.wg.Wait()
	})
	return nil
}

// run drains the audio channel through the segmenter and dispatches each
// completed utterance to the server.
func (s *session) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.finals)
	defer close(s.partials)

	finish := func() {
		utterance := s.seg.drain()
		if len(utterance) == 0 {
			return
		}
		fctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
		defer cancel()
		if err := s.emit(fctx, utterance); err != nil {
			werr := fmt.Errorf("whisper: final flush: %w", err)
			s.terminalErr.Store(&werr)
		}
	}

	for {
		select {
		case <-ctx.Done():
			finish()
			return

		case <-s.quit:
			finish()
			return

		case chunk, ok := <-s.audio:
			if !ok {
				finish()
				return
			}
			loud := rmsEnergy(chunk) >= silenceRMS
			if utterance := s.seg.push(chunk, loud); utterance != nil {
				// Inference failures here are swallowed; the next utterance
				// gets a fresh attempt.
				s.emit(ctx, utterance)
			}
		}
	}
}

// emit transcribes one utterance and publishes the text as a partial plus a
// final. Sends are non-blocking: if a reader has fallen this far behind the
// transcript is skipped rather than wedging shutdown.
func (s *session) emit(ctx context.Context, pcm []byte) error {
	text, err := s.transcribe(ctx, pcm)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	select {
	case s.partials <- types.Transcript{Text: text, IsFinal: false}:
	default:
	}
	select {
	case s.finals <- types.Transcript{Text: text, IsFinal: true}:
	default:
	}
	return nil
}

// transcribe wraps pcm in a WAV container and posts it to /inference as
// multipart/form-data, returning the transcribed text.
func (s *session) transcribe(ctx context.Context, pcm []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(pcmToWAV(pcm, s.rate, s.channels)); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if s.language != "" {
		if err := mw.WriteField("language", s.language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if s.model != "" {
		if err := mw.WriteField("model", s.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+inferencePath, &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return result.Text, nil
}

// segmenter turns a chunked PCM stream into discrete utterances. Leading
// silence is discarded; once speech starts, chunks accumulate until either
// enough trailing silence passes or the buffer hits its size cap.
type segmenter struct {
	thresholdMs int
	maxBytes    int
	bytesPerMs  int

	pcm      []byte
	speaking bool
	quietMs  int
}

func newSegmenter(rate, channels, silenceMs, maxBufMs int) *segmenter {
	perMs := rate * channels * sampleBytes / 1000
	if perMs <= 0 {
		perMs = 32 // 16 kHz mono 16-bit
	}
	return &segmenter{
		thresholdMs: silenceMs,
		maxBytes:    maxBufMs * perMs,
		bytesPerMs:  perMs,
	}
}

// push feeds one chunk. A non-nil return is a finished utterance the caller
// owns; the segmenter has already reset for the next one.
func (g *segmenter) push(chunk []byte, loud bool) []byte {
	if !loud {
		if !g.speaking {
			return nil
		}
		g.quietMs += len(chunk) / g.bytesPerMs
		g.pcm = append(g.pcm, chunk...)
		if g.quietMs >= g.thresholdMs {
			return g.take()
		}
		return nil
	}

	g.speaking = true
	g.quietMs = 0
	g.pcm = append(g.pcm, chunk...)
	if g.maxBytes > 0 && len(g.pcm) >= g.maxBytes {
		return g.take()
	}
	return nil
}

// drain returns whatever speech is still buffered, or nil.
func (g *segmenter) drain() []byte { return g.take() }

func (g *segmenter) take() []byte {
	out := g.pcm
	speaking := g.speaking
	g.pcm = nil
	g.speaking = false
	g.quietMs = 0
	if !speaking || len(out) == 0 {
		return nil
	}
	return out
}

// pcmToWAV wraps raw 16-bit little-endian PCM in a minimal RIFF container.
func pcmToWAV(pcm []byte, rate, channels int) []byte {
	blockAlign := channels * sampleBytes
	byteRate := rate * blockAlign

	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // PCM format tag
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(rate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(8*sampleBytes))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}

// rmsEnergy returns the root-mean-square level of a 16-bit little-endian PCM
// buffer, in sample units (0 to 32767). Empty buffers return 0.
func rmsEnergy(pcm []byte) float64 {
	n := len(pcm) / sampleBytes
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
