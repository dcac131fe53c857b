// Package openai embeds text through the OpenAI embeddings API.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/voxloop/voxloop/pkg/provider/embeddings"
)

// DefaultModel is used when New gets an empty model name.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider on the official OpenAI SDK.
type Provider struct {
	client oai.Client
	model  string
}

// Option appends SDK request options during New.
type Option func(*[]option.RequestOption)

// WithBaseURL points the client at a different API endpoint, e.g. an
// OpenAI-compatible gateway.
func WithBaseURL(url string) Option {
	return func(o *[]option.RequestOption) {
		*o = append(*o, option.WithBaseURL(url))
	}
}

// WithOrganization stamps the organization ID onto every request.
func WithOrganization(org string) Option {
	return func(o *[]option.RequestOption) {
		*o = append(*o, option.WithOrganization(org))
	}
}

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(o *[]option.RequestOption) {
		*o = append(*o, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// New returns a Provider authenticated with apiKey. An empty model falls
// back to DefaultModel.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, o := range opts {
		o(&reqOpts)
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
	}, nil
}

// Embed returns the vector for a single text string.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response")
	}
	return float64ToFloat32(resp.Data[0].Embedding), nil
}

// EmbedBatch embeds all texts in one API call. The API may return entries
// out of order, so results are placed by their reported index.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed batch: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	result := make([][]float32, len(texts))
	for _, e := range resp.Data {
		if int(e.Index) >= len(texts) {
			return nil, fmt.Errorf("openai embeddings: unexpected index %d", e.Index)
		}
		result[e.Index] = float64ToFloat32(e.Embedding)
	}
	return result, nil
}

// Dimensions reports the vector length for the configured model.
func (p *Provider) Dimensions() int {
	return modelDimensions(p.model)
}

// ModelID returns the model name given to New.
func (p *Provider) ModelID() string {
	return p.model
}

func modelDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "text-embedding-3-large"):
		return 3072
	case strings.Contains(lower, "text-embedding-3-small"),
		strings.Contains(lower, "text-embedding-ada-002"):
		return 1536
	default:
		return 1536
	}
}

// The SDK hands embeddings back as float64; the rest of the pipeline works
// in float32.
func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
