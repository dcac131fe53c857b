// Package embeddings abstracts text-to-vector backends.
//
// A provider turns text into dense float32 vectors via a hosted API or a
// local model. The memory layer uses those vectors for semantic retrieval,
// transcript search and similarity ranking. Implementations must be safe
// for concurrent use.
package embeddings

import "context"

// Provider is a text-embedding backend.
//
// Every vector a given Provider instance returns has the same length,
// reported by Dimensions. Vectors from different instances only belong in
// the same similarity computation when both instances run the same model.
type Provider interface {
	// Embed returns the embedding for one text string, a slice of length
	// Dimensions(). Text passes through verbatim; any model-specific
	// formatting (such as a "query: " retrieval prefix) is the caller's
	// job.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds several strings in one backend call, which beats
	// looping over Embed for throughput. Element i of the result matches
	// texts[i]. There are no partial results: any failure returns a nil
	// slice and the error.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the fixed vector length for this provider, determined
	// by the model and constant for the provider's lifetime.
	Dimensions() int

	// ModelID names the embedding model (e.g. "text-embedding-3-small"),
	// for logging and for checking that a session sticks to one model.
	ModelID() string
}
