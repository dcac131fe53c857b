// Package deepgram implements stt.Provider on the Deepgram streaming
// WebSocket API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/types"
)

const (
	listenEndpoint    = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the Deepgram model ("nova-3", "base", ...).
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default recognition language ("en", "de-DE", ...).
// A per-stream language in StreamConfig takes precedence.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithSampleRate sets the default sample rate in Hz. A per-stream rate in
// StreamConfig takes precedence.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// Provider is a Deepgram-backed stt.Provider.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
}

var _ stt.Provider = (*Provider)(nil)

// New creates a Provider. apiKey is required.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials the listen endpoint and returns a live session. Audio
// goes out as binary frames; transcripts come back as JSON Results events.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.streamURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		conn:     conn,
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		audio:    make(chan []byte, 256),
		quit:     make(chan struct{}),
	}
	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// streamURL builds the listen URL for cfg, falling back to the provider
// defaults for language and sample rate.
func (p *Provider) streamURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(listenEndpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	} else {
		q.Set("language", p.language)
	}
	if cfg.SampleRate != 0 {
		q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	} else {
		q.Set("sample_rate", strconv.Itoa(p.sampleRate))
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	for _, kw := range cfg.Keywords {
		// Deepgram boost syntax is "word:boost".
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

var errNotSupported = errors.New("mid-session keyword updates are not supported")

// session is one live streaming connection, implementing stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	partials chan types.Transcript
	finals   chan types.Transcript
	audio    chan []byte

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// terminalErr is set at most once, by readLoop, before the transcript
	// channels close.
	terminalErr atomic.Pointer[error]

	kwMu     sync.RWMutex
	keywords []types.KeywordBoost
}

// SendAudio queues one PCM chunk for delivery.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.quit:
		return errors.New("deepgram: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.quit:
		return errors.New("deepgram: session is closed")
	}
}

func (s *session) Partials() <-chan types.Transcript { return s.partials }

func (s *session) Finals() <-chan types.Transcript { return s.finals }

// Err reports the error that terminated the session; nil for a clean end.
func (s *session) Err() error {
	if p := s.terminalErr.Load(); p != nil {
		return *p
	}
	return nil
}

// SetKeywords records the list but always errors: Deepgram only accepts
// keywords at stream start, in the URL.
func (s *session) SetKeywords(keywords []types.KeywordBoost) error {
	s.kwMu.Lock()
	s.keywords = keywords
	s.kwMu.Unlock()
	return fmt.Errorf("deepgram: %w", errNotSupported)
}

// Close flushes pending audio with a CloseStream message, waits for the
// loops and closes the socket.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.quit:
			// Flush whatever is already queued, then stop.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// A failure during our own Close is a clean end; anything
			// else is terminal.
			select {
			case <-s.quit:
			default:
				werr := fmt.Errorf("deepgram: read: %w", err)
				s.terminalErr.Store(&werr)
			}
			return
		}

		t, ok := parseResults(msg)
		if !ok {
			continue
		}
		out := s.partials
		if t.IsFinal {
			out = s.finals
		}
		select {
		case out <- t:
		case <-s.quit:
		}
	}
}

// resultsEvent mirrors the fields of a Deepgram Results message we consume.
type resultsEvent struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseResults converts one raw WebSocket message into a Transcript. The
// second return is false for non-Results events, unparseable payloads and
// responses without alternatives.
func parseResults(data []byte) (types.Transcript, bool) {
	var ev resultsEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return types.Transcript{}, false
	}
	if ev.Type != "Results" || len(ev.Channel.Alternatives) == 0 {
		return types.Transcript{}, false
	}

	alt := ev.Channel.Alternatives[0]
	words := make([]types.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, types.WordDetail{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}
	return types.Transcript{
		Text:       alt.Transcript,
		IsFinal:    ev.IsFinal,
		Confidence: alt.Confidence,
		Words:      words,
	}, true
}
