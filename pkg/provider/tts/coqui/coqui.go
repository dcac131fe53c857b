// Package coqui implements tts.Provider on top of a locally running Coqui TTS
// server.
//
// Two server flavours are supported, selected with [WithAPIMode]:
//
//   - [APIModeStandard] (default): the stock Coqui TTS server image
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis goes through GET /api/tts with
//     query parameters and the voice catalogue comes from GET /details.
//
//   - [APIModeXTTS]: the XTTS v2 API server. Synthesis goes through
//     POST /tts_to_audio/ with a JSON body, voices come from
//     GET /studio_speakers, and voice cloning is available via
//     POST /clone_speaker.
//
// Both servers are batch-oriented: one HTTP round trip per utterance, no
// streaming socket. SynthesizeStream therefore gathers incoming text
// fragments into whole sentences and synthesises a few sentences ahead
// concurrently, emitting the audio strictly in sentence order.
//
//	p, err := coqui.New("http://localhost:5002",
//	    coqui.WithLanguage("en"),
//	    coqui.WithTimeout(15*time.Second),
//	)
//	stream, err := p.SynthesizeStream(ctx, textCh, voice)
package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/voxloop/voxloop/pkg/provider/tts"
	"github.com/voxloop/voxloop/pkg/types"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	xttsSynthPath  = "/tts_to_audio/"
	xttsVoicesPath = "/studio_speakers"
	xttsClonePath  = "/clone_speaker"
	stdSynthPath   = "/api/tts"
	stdDetailsPath = "/details"

	// lookahead bounds how many synthesis requests run concurrently. More
	// hides server latency, at the cost of extra load.
	lookahead = 4

	audioChanBuf = 256
	pcmChunkSize = 4096
)

// APIMode selects which Coqui server API the provider targets.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server. Supports voice
	// cloning and studio speaker listing.
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server. The default.
	// No voice cloning.
	APIModeStandard APIMode = "standard"
)

// Option configures a [Provider].
type Option func(*Provider)

// WithLanguage sets the language code sent to the server ("en", "de", ...).
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithAPIMode selects the server flavour; see [APIModeStandard] and
// [APIModeXTTS].
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.mode = mode }
}

// WithOutputSampleRate resamples synthesised PCM to the given rate (for
// example 48000 for wideband playback). Zero leaves audio at the model's
// native rate.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) { p.outputRate = rate }
}

// Provider is a Coqui-backed tts.Provider. Safe for concurrent use.
type Provider struct {
	baseURL    string
	language   string
	mode       APIMode
	outputRate int
	client     *http.Client
}

// New creates a Provider for the Coqui server at serverURL, for example
// "http://localhost:5002". The zero-option configuration targets the standard
// server with language "en".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		baseURL:  strings.TrimRight(serverURL, "/"),
		language: defaultLanguage,
		mode:     APIModeStandard,
		client:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// SynthesizeStream reads text fragments from text, splits them into whole
// sentences and synthesises each sentence with one HTTP call. Returned WAV
// payloads are stripped to raw PCM and emitted on the stream's Audio channel
// in sentence order, even though up to lookahead requests run concurrently.
//
// The Audio channel closes when all input has been synthesised or ctx is
// cancelled; the caller must drain it and then check Stream.Err.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (*tts.Stream, error) {
	// XTTS needs a speaker_wav reference. The standard server can run
	// single-speaker models without one.
	if voice.ID == "" && p.mode == APIModeXTTS {
		return nil, errors.New("coqui: voice.ID must not be empty (required for XTTS mode)")
	}

	audioCh := make(chan []byte, audioChanBuf)
	stream := &tts.Stream{Audio: audioCh}

	sentences := make(chan string, lookahead)
	go p.gatherSentences(ctx, text, sentences)

	// pending preserves sentence order: the dispatcher enqueues one result
	// slot per sentence, the collector drains slots front to back.
	pending := make(chan chan synthResult, lookahead)
	go p.dispatch(ctx, sentences, pending, voice)
	go p.collect(ctx, pending, audioCh, stream)

	return stream, nil
}

type synthResult struct {
	pcm []byte
	err error
}

// gatherSentences buffers text fragments and forwards complete sentences.
// Whatever is left in the buffer when the input closes is flushed as a final
// sentence.
func (p *Provider) gatherSentences(ctx context.Context, text <-chan string, out chan<- string) {
	defer close(out)
	var split sentenceSplitter
	for {
		select {
		case fragment, ok := <-text:
			if !ok {
				if rest := split.flush(); rest != "" {
					select {
					case out <- rest:
					case <-ctx.Done():
					}
				}
				return
			}
			for _, s := range split.feed(fragment) {
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatch starts one synthesis goroutine per sentence and enqueues its
// result slot. The pending channel's capacity is what limits concurrency.
func (p *Provider) dispatch(ctx context.Context, sentences <-chan string, pending chan<- chan synthResult, voice types.VoiceProfile) {
	defer close(pending)
	for {
		select {
		case sentence, ok := <-sentences:
			if !ok {
				return
			}
			slot := make(chan synthResult, 1)
			select {
			case pending <- slot:
			case <-ctx.Done():
				return
			}
			go func() {
				pcm, err := p.synthesize(ctx, sentence, voice)
				slot <- synthResult{pcm: pcm, err: err}
			}()
		case <-ctx.Done():
			return
		}
	}
}

// collect drains result slots in order and chunks PCM onto the audio channel.
// The first synthesis error ends the stream.
func (p *Provider) collect(ctx context.Context, pending <-chan chan synthResult, audioCh chan<- []byte, stream *tts.Stream) {
	defer close(audioCh)
	for {
		select {
		case slot, ok := <-pending:
			if !ok {
				return
			}
			select {
			case res := <-slot:
				if res.err != nil {
					if ctx.Err() == nil {
						stream.SetErr(res.err)
					}
					return
				}
				for pcm := res.pcm; len(pcm) > 0; {
					end := min(pcmChunkSize, len(pcm))
					select {
					case audioCh <- pcm[:end]:
					case <-ctx.Done():
						return
					}
					pcm = pcm[end:]
				}
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// synthesize issues one synthesis request in the configured mode and returns
// raw PCM with the WAV container stripped and, when configured, resampled.
func (p *Provider) synthesize(ctx context.Context, sentence string, voice types.VoiceProfile) ([]byte, error) {
	var (
		req *http.Request
		err error
	)
	if p.mode == APIModeStandard {
		q := url.Values{}
		q.Set("text", sentence)
		if voice.ID != "" {
			q.Set("speaker_id", voice.ID)
		}
		if p.language != "" {
			q.Set("language_id", p.language)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+stdSynthPath+"?"+q.Encode(), nil)
	} else {
		payload, merr := json.Marshal(struct {
			Text       string `json:"text"`
			SpeakerWav string `json:"speaker_wav"`
			Language   string `json:"language"`
		}{sentence, voice.ID, p.language})
		if merr != nil {
			return nil, fmt.Errorf("coqui: marshal tts request: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+xttsSynthPath, bytes.NewReader(payload))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}

	pcm, format, err := stripWAV(wav)
	if err != nil {
		return nil, err
	}
	if p.outputRate > 0 && format.sampleRate != p.outputRate && format.channels == 1 {
		pcm = resampleLinear16(pcm, format.sampleRate, p.outputRate)
	}
	return pcm, nil
}

// ListVoices returns the server's voice catalogue. In XTTS mode this is the
// studio speaker list; in standard mode it is derived from the loaded model's
// /details (one profile per speaker, or a single profile named after the
// model for single-speaker models).
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	if p.mode == APIModeStandard {
		var details struct {
			ModelName string   `json:"model_name"`
			Speakers  []string `json:"speakers"`
		}
		if err := p.getJSON(ctx, stdDetailsPath, &details); err != nil {
			return nil, err
		}
		if len(details.Speakers) == 0 {
			name := details.ModelName
			if name == "" {
				name = "default"
			}
			return []types.VoiceProfile{voiceProfile(name, "single-speaker", name)}, nil
		}
		speakers := append([]string(nil), details.Speakers...)
		sort.Strings(speakers)
		profiles := make([]types.VoiceProfile, 0, len(speakers))
		for _, spk := range speakers {
			profiles = append(profiles, voiceProfile(spk, "speaker", details.ModelName))
		}
		return profiles, nil
	}

	// XTTS: only the speaker names matter, values stay undecoded.
	var speakers map[string]json.RawMessage
	if err := p.getJSON(ctx, xttsVoicesPath, &speakers); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(speakers))
	for name := range speakers {
		names = append(names, name)
	}
	sort.Strings(names)
	profiles := make([]types.VoiceProfile, 0, len(names))
	for _, name := range names {
		profiles = append(profiles, voiceProfile(name, "studio", ""))
	}
	return profiles, nil
}

// CloneVoice uploads WAV samples to POST /clone_speaker and returns the new
// speaker's profile. Only available in XTTS mode; each sample must be a
// complete WAV file.
func (p *Provider) CloneVoice(ctx context.Context, samples [][]byte) (*types.VoiceProfile, error) {
	if p.mode == APIModeStandard {
		return nil, errors.New("coqui: voice cloning is not supported in standard API mode")
	}
	if len(samples) == 0 {
		return nil, errors.New("coqui: CloneVoice requires at least one audio sample")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for i, sample := range samples {
		name := fmt.Sprintf("sample_%02d.wav", i)
		fw, err := mw.CreateFormFile("wav_files", name)
		if err != nil {
			return nil, fmt.Errorf("coqui: create form file %s: %w", name, err)
		}
		if _, err := fw.Write(sample); err != nil {
			return nil, fmt.Errorf("coqui: write form file %s: %w", name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("coqui: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+xttsClonePath, &body)
	if err != nil {
		return nil, fmt.Errorf("coqui: create clone-speaker request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: POST %s: %w", xttsClonePath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: POST %s returned status %d", xttsClonePath, resp.StatusCode)
	}

	var cloned struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&cloned); err != nil {
		return nil, fmt.Errorf("coqui: decode clone-speaker response: %w", err)
	}
	if cloned.Name == "" {
		return nil, errors.New("coqui: clone-speaker response missing name")
	}

	profile := voiceProfile(cloned.Name, "cloned", "")
	return &profile, nil
}

// getJSON issues GET baseURL+path and decodes the JSON response into v.
func (p *Provider) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("coqui: create request for %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coqui: GET %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("coqui: decode %s response: %w", path, err)
	}
	return nil
}

func voiceProfile(name, kind, modelName string) types.VoiceProfile {
	meta := map[string]string{"type": kind}
	if modelName != "" {
		meta["model_name"] = modelName
	}
	return types.VoiceProfile{ID: name, Name: name, Provider: "coqui", Metadata: meta}
}

// sentenceSplitter accumulates text fragments and yields whole sentences. A
// sentence ends at '.', '!' or '?' followed by whitespace or end of input, so
// "Dr. Who" and "3.14" inside a fragment do not split early.
type sentenceSplitter struct {
	buf strings.Builder
}

// feed appends fragment and returns each complete sentence now available.
func (sp *sentenceSplitter) feed(fragment string) []string {
	sp.buf.WriteString(fragment)
	var out []string
	for {
		s := sp.buf.String()
		idx := sentenceEnd(s)
		if idx < 0 {
			return out
		}
		sp.buf.Reset()
		sp.buf.WriteString(s[idx+1:])
		if sentence := strings.TrimSpace(s[:idx+1]); sentence != "" {
			out = append(out, sentence)
		}
	}
}

// flush returns whatever partial sentence remains and empties the buffer.
func (sp *sentenceSplitter) flush() string {
	rest := strings.TrimSpace(sp.buf.String())
	sp.buf.Reset()
	return rest
}

// sentenceEnd returns the index of the first sentence-ending punctuation that
// sits at the end of s or before whitespace, or -1.
func sentenceEnd(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}

// wavFormat is the audio format read from a RIFF "fmt " chunk.
type wavFormat struct {
	sampleRate int
	channels   int
}

// stripWAV walks the RIFF chunks in wav and returns the raw PCM payload of
// the "data" chunk together with the format. Walking the chunks is safer than
// assuming a fixed 44-byte header; servers differ in what they put before the
// data chunk.
func stripWAV(wav []byte) ([]byte, wavFormat, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, wavFormat{}, errors.New("coqui: response is not a RIFF/WAVE container")
	}

	// Until a fmt chunk is seen, fall back to the Coqui default format.
	format := wavFormat{sampleRate: 22050, channels: 1}

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				f := wav[offset+8:]
				format.channels = int(binary.LittleEndian.Uint16(f[2:4]))
				format.sampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			}
		case "data":
			return wav[offset+8:], format, nil
		}

		// Chunks are word-aligned.
		offset += 8 + chunkSize + chunkSize%2
	}
	return nil, wavFormat{}, errors.New("coqui: WAV response missing data chunk")
}

// resampleLinear16 resamples little-endian 16-bit mono PCM from srcRate to
// dstRate with linear interpolation.
func resampleLinear16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcN := len(pcm) / 2
	dstN := int(int64(srcN) * int64(dstRate) / int64(srcRate))
	if dstN == 0 {
		return nil
	}

	out := make([]byte, dstN*2)
	step := float64(srcRate) / float64(dstRate)
	for i := 0; i < dstN; i++ {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)

		s0 := int16(pcm[j*2]) | int16(pcm[j*2+1])<<8
		s1 := s0
		if j+1 < srcN {
			s1 = int16(pcm[(j+1)*2]) | int16(pcm[(j+1)*2+1])<<8
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
