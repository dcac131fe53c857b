// Package ollama embeds text through a local Ollama server.
//
// Ollama (https://ollama.com) serves local models; its /api/embed endpoint
// produces dense float32 vectors from models like nomic-embed-text,
// mxbai-embed-large and all-minilm.
//
//	p, err := ollama.New("", "nomic-embed-text") // http://localhost:11434
//	vec, err := p.Embed(ctx, "query: Hello, world!")
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/voxloop/voxloop/pkg/provider/embeddings"
)

// DefaultBaseURL points at a locally running Ollama instance.
const DefaultBaseURL = "http://localhost:11434"

const embedPath = "/api/embed"

var _ embeddings.Provider = (*Provider)(nil)

// modelDims maps recognisable model-name substrings to their output vector
// length. Models not listed here get probed on the first Dimensions call.
var modelDims = []struct {
	substr string
	dims   int
}{
	{"nomic-embed-text", 768},
	{"mxbai-embed-large", 1024},
	{"all-minilm", 384},
}

// Provider implements embeddings.Provider on top of Ollama's /api/embed.
// It is safe for concurrent use.
//
// The vector dimension comes from, in order: the WithDimensions option, the
// built-in model table, or a one-off probe request whose result is cached.
type Provider struct {
	baseURL string
	model   string
	client  *http.Client

	// dims is zero until resolved; probeOnce fills it lazily for models the
	// table does not know.
	dims      int
	probeOnce sync.Once
}

// Option configures a Provider.
type Option func(*Provider)

// WithTimeout bounds each HTTP request. Zero or negative means no timeout,
// which is the default.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.client.Timeout = d
		}
	}
}

// WithDimensions fixes the embedding dimension up front, skipping both the
// model table and the probe request for unknown models.
func WithDimensions(dims int) Option {
	return func(p *Provider) { p.dims = dims }
}

// New returns a Provider for the Ollama server at baseURL (DefaultBaseURL
// when empty; a trailing slash is tolerated). model names the embedding
// model, e.g. "nomic-embed-text", and must not be empty.
func New(baseURL string, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	p := &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}

	if p.dims == 0 {
		p.dims = lookupDims(model)
	}
	return p, nil
}

// Embed returns the vector for one text string. Text is forwarded verbatim;
// model-specific prefixes like "query: " are the caller's concern.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.requestEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("ollama embeddings: embed: empty response")
	}
	return vecs[0], nil
}

// EmbedBatch embeds all texts in a single /api/embed call, result[i]
// matching texts[i]. An empty or nil texts slice returns (nil, nil) without
// touching the network; any failure returns nil, never partial results.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.requestEmbeddings(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed batch: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("ollama embeddings: embed batch: expected %d embeddings, got %d", len(texts), len(vecs))
	}
	return vecs, nil
}

// Dimensions reports the vector length this provider produces. For models
// with no configured or tabled dimension it probes the live server once and
// caches the answer; a failed probe reports 0.
func (p *Provider) Dimensions() int {
	if p.dims != 0 {
		return p.dims
	}
	p.probeOnce.Do(func() {
		vecs, err := p.requestEmbeddings(context.Background(), []string{"probe"})
		if err == nil && len(vecs) > 0 {
			p.dims = len(vecs[0])
		}
	})
	return p.dims
}

// ModelID returns the Ollama model name given to New.
func (p *Provider) ModelID() string {
	return p.model
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// requestEmbeddings posts texts to /api/embed and returns the raw vectors.
func (p *Provider) requestEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+embedPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("empty embeddings in response")
	}
	return result.Embeddings, nil
}

func lookupDims(model string) int {
	lower := strings.ToLower(model)
	for _, e := range modelDims {
		if strings.Contains(lower, e.substr) {
			return e.dims
		}
	}
	return 0
}
