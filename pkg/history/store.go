// Package history defines persistent storage for committed conversation
// history. Sessions keep the authoritative history in memory; a Store receives
// entries as they are committed and makes past conversations searchable by
// recency, keyword, and semantic similarity.
//
// Two implementations are provided: [MemoryStore] for tests and DSN-less
// deployments, and the PostgreSQL store in this package backed by pgx with a
// pgvector embedding column. Both are safe for concurrent use.
package history

import (
	"context"
	"time"

	"github.com/voxloop/voxloop/pkg/types"
)

// Entry is one stored history record: a committed message annotated with the
// session it belongs to.
type Entry struct {
	// SessionID identifies the owning session.
	SessionID string

	// HistoryEntry is the committed message as the session recorded it.
	types.HistoryEntry
}

// Result is a search hit. Distance is only meaningful for semantic search
// (cosine distance, lower is more similar); keyword search leaves it zero.
type Result struct {
	Entry

	Distance float64
}

// SearchOpts filters search results. Zero values mean "no filter".
type SearchOpts struct {
	// SessionID restricts results to a single session.
	SessionID string

	// Role restricts results to one message role ("user", "assistant", "tool").
	Role string

	// After and Before bound the commit timestamp (exclusive).
	After  time.Time
	Before time.Time

	// Limit caps the number of results. Zero means no limit for keyword
	// search; semantic search always requires a positive topK.
	Limit int
}

// Store persists committed history entries and serves retrieval queries.
//
// Append is called from the session's asynchronous recording path, so
// implementations should not assume call ordering across sessions.
type Store interface {
	// Append stores one committed entry for sessionID.
	Append(ctx context.Context, sessionID string, entry types.HistoryEntry) error

	// Recent returns the entries committed for sessionID within the given
	// window, ordered chronologically (oldest first).
	Recent(ctx context.Context, sessionID string, window time.Duration) ([]types.HistoryEntry, error)

	// SearchKeyword performs a full-text search over entry content.
	SearchKeyword(ctx context.Context, query string, opts SearchOpts) ([]Result, error)

	// SearchSemantic returns the topK entries most similar to query,
	// ordered by ascending distance. Requires an embeddings provider;
	// implementations return an error when none is configured.
	SearchSemantic(ctx context.Context, query string, topK int, opts SearchOpts) ([]Result, error)

	// Close releases the store's resources.
	Close()
}
