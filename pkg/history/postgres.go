package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/voxloop/voxloop/pkg/provider/embeddings"
	"github.com/voxloop/voxloop/pkg/types"
)

// ErrNoEmbedder is returned by semantic search when the store was built
// without an embeddings provider.
var ErrNoEmbedder = errors.New("history: no embeddings provider configured")

var _ Store = (*PostgresStore)(nil)

// PostgresStore persists history entries in a PostgreSQL table with a GIN
// full-text index and a pgvector HNSW index over per-entry embeddings.
//
// Embeddings are computed at append time when an embeddings provider is
// supplied; without one, entries are stored with a NULL embedding and only
// keyword search is available. All methods are safe for concurrent use.
type PostgresStore struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

const ddlHistoryEntries = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS history_entries (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    turn_id      BIGINT       NOT NULL,
    role         TEXT         NOT NULL,
    content      TEXT         NOT NULL,
    truncated    BOOLEAN      NOT NULL DEFAULT false,
    embedding    vector(%d),
    committed_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_history_session
    ON history_entries (session_id, committed_at);

CREATE INDEX IF NOT EXISTS idx_history_fts
    ON history_entries USING GIN (to_tsvector('english', content));

CREATE INDEX IF NOT EXISTS idx_history_embedding
    ON history_entries USING hnsw (embedding vector_cosine_ops);
`

// Migrate creates or ensures the history table and its indexes exist. It is
// idempotent and safe to call on every application start.
//
// embeddingDimensions must match the configured embedding model (e.g., 1536
// for OpenAI text-embedding-3-small). Changing it after the first migration
// requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, fmt.Sprintf(ddlHistoryEntries, embeddingDimensions)); err != nil {
		return fmt.Errorf("history migrate: %w", err)
	}
	return nil
}

// NewPostgres connects to the PostgreSQL database at dsn, registers pgvector
// types on every connection, and runs [Migrate]. embedder may be nil, which
// disables semantic search.
func NewPostgres(ctx context.Context, dsn string, embeddingDimensions int, embedder embeddings.Provider) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so the embedding
	// column can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, embedder: embedder}, nil
}

// Append implements [Store]. The entry's embedding is computed synchronously;
// the session already records asynchronously, so this does not sit on the
// conversation path.
func (s *PostgresStore) Append(ctx context.Context, sessionID string, entry types.HistoryEntry) error {
	var vec any
	if s.embedder != nil && entry.Content != "" {
		emb, err := s.embedder.Embed(ctx, entry.Content)
		if err != nil {
			return fmt.Errorf("history: embed entry: %w", err)
		}
		vec = pgvector.NewVector(emb)
	}

	const q = `
		INSERT INTO history_entries
		    (session_id, turn_id, role, content, truncated, embedding, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, q,
		sessionID,
		int64(entry.TurnID),
		entry.Role,
		entry.Content,
		entry.Truncated,
		vec,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

// Recent implements [Store].
func (s *PostgresStore) Recent(ctx context.Context, sessionID string, window time.Duration) ([]types.HistoryEntry, error) {
	const q = `
		SELECT turn_id, role, content, truncated, committed_at
		FROM   history_entries
		WHERE  session_id   = $1
		  AND  committed_at >= now() - ($2::bigint * interval '1 microsecond')
		ORDER  BY committed_at`

	rows, err := s.pool.Query(ctx, q, sessionID, window.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.HistoryEntry, error) {
		var (
			e      types.HistoryEntry
			turnID int64
		)
		if err := row.Scan(&turnID, &e.Role, &e.Content, &e.Truncated, &e.Timestamp); err != nil {
			return types.HistoryEntry{}, err
		}
		e.TurnID = uint64(turnID)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history: scan rows: %w", err)
	}
	if entries == nil {
		entries = []types.HistoryEntry{}
	}
	return entries, nil
}

// SearchKeyword implements [Store]. It performs a PostgreSQL full-text search
// over the content column; the query goes through plainto_tsquery so no
// operator syntax is required.
func (s *PostgresStore) SearchKeyword(ctx context.Context, query string, opts SearchOpts) ([]Result, error) {
	args := []any{query} // $1 = FTS query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', content) @@ plainto_tsquery('english', $1)",
	}
	conditions = appendFilters(conditions, next, opts)

	q := "SELECT session_id, turn_id, role, content, truncated, committed_at\n" +
		"FROM   history_entries\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY committed_at"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: keyword search: %w", err)
	}

	results, err := pgx.CollectRows(rows, scanResult(false))
	if err != nil {
		return nil, fmt.Errorf("history: scan rows: %w", err)
	}
	if results == nil {
		results = []Result{}
	}
	return results, nil
}

// SearchSemantic implements [Store]. It embeds the query and returns the topK
// entries by ascending cosine distance.
func (s *PostgresStore) SearchSemantic(ctx context.Context, query string, topK int, opts SearchOpts) ([]Result, error) {
	if s.embedder == nil {
		return nil, ErrNoEmbedder
	}
	if topK <= 0 {
		return nil, fmt.Errorf("history: semantic search: topK must be positive, got %d", topK)
	}

	emb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("history: embed query: %w", err)
	}

	args := []any{pgvector.NewVector(emb)} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"embedding IS NOT NULL"}
	conditions = appendFilters(conditions, next, opts)

	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT session_id, turn_id, role, content, truncated, committed_at,
		       embedding <=> $1 AS distance
		FROM   history_entries
		WHERE  %s
		ORDER  BY distance
		LIMIT  %s`, strings.Join(conditions, "\n  AND  "), limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: semantic search: %w", err)
	}

	results, err := pgx.CollectRows(rows, scanResult(true))
	if err != nil {
		return nil, fmt.Errorf("history: scan rows: %w", err)
	}
	if results == nil {
		results = []Result{}
	}
	return results, nil
}

// Close implements [Store].
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// appendFilters adds the SearchOpts conditions shared by both search paths.
func appendFilters(conditions []string, next func(any) string, opts SearchOpts) []string {
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if opts.Role != "" {
		conditions = append(conditions, "role = "+next(opts.Role))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "committed_at > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "committed_at < "+next(opts.Before))
	}
	return conditions
}

// scanResult builds a row scanner for search results, with or without the
// trailing distance column.
func scanResult(withDistance bool) func(pgx.CollectableRow) (Result, error) {
	return func(row pgx.CollectableRow) (Result, error) {
		var (
			r      Result
			turnID int64
		)
		dest := []any{&r.SessionID, &turnID, &r.Role, &r.Content, &r.Truncated, &r.Timestamp}
		if withDistance {
			dest = append(dest, &r.Distance)
		}
		if err := row.Scan(dest...); err != nil {
			return Result{}, err
		}
		r.TurnID = uint64(turnID)
		return r, nil
	}
}
