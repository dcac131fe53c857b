package history

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/voxloop/voxloop/pkg/provider/embeddings"
	"github.com/voxloop/voxloop/pkg/types"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process [Store] used for tests and deployments without
// a configured database. Keyword search is a case-insensitive substring match;
// semantic search uses cosine distance over embeddings computed at append
// time. Safe for concurrent use.
type MemoryStore struct {
	embedder embeddings.Provider

	mu      sync.RWMutex
	entries []memoryEntry
}

type memoryEntry struct {
	Entry
	embedding []float32
}

// NewMemory returns an empty in-memory store. embedder may be nil, which
// disables semantic search.
func NewMemory(embedder embeddings.Provider) *MemoryStore {
	return &MemoryStore{embedder: embedder}
}

// Append implements [Store].
func (s *MemoryStore) Append(ctx context.Context, sessionID string, entry types.HistoryEntry) error {
	me := memoryEntry{Entry: Entry{SessionID: sessionID, HistoryEntry: entry}}
	if s.embedder != nil && entry.Content != "" {
		emb, err := s.embedder.Embed(ctx, entry.Content)
		if err != nil {
			return fmt.Errorf("history: embed entry: %w", err)
		}
		me.embedding = emb
	}

	s.mu.Lock()
	s.entries = append(s.entries, me)
	s.mu.Unlock()
	return nil
}

// Recent implements [Store].
func (s *MemoryStore) Recent(_ context.Context, sessionID string, window time.Duration) ([]types.HistoryEntry, error) {
	cutoff := time.Now().Add(-window)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []types.HistoryEntry{}
	for _, e := range s.entries {
		if e.SessionID == sessionID && !e.Timestamp.Before(cutoff) {
			out = append(out, e.HistoryEntry)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// SearchKeyword implements [Store].
func (s *MemoryStore) SearchKeyword(_ context.Context, query string, opts SearchOpts) ([]Result, error) {
	needle := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := []Result{}
	for _, e := range s.entries {
		if !matchesOpts(e.Entry, opts) {
			continue
		}
		if !strings.Contains(strings.ToLower(e.Content), needle) {
			continue
		}
		results = append(results, Result{Entry: e.Entry})
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
	}
	return results, nil
}

// SearchSemantic implements [Store].
func (s *MemoryStore) SearchSemantic(ctx context.Context, query string, topK int, opts SearchOpts) ([]Result, error) {
	if s.embedder == nil {
		return nil, ErrNoEmbedder
	}
	if topK <= 0 {
		return nil, fmt.Errorf("history: semantic search: topK must be positive, got %d", topK)
	}

	queryEmb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("history: embed query: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := []Result{}
	for _, e := range s.entries {
		if e.embedding == nil || !matchesOpts(e.Entry, opts) {
			continue
		}
		results = append(results, Result{
			Entry:    e.Entry,
			Distance: cosineDistance(queryEmb, e.embedding),
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Close implements [Store]. It discards all stored entries.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}

func matchesOpts(e Entry, opts SearchOpts) bool {
	if opts.SessionID != "" && e.SessionID != opts.SessionID {
		return false
	}
	if opts.Role != "" && e.Role != opts.Role {
		return false
	}
	if !opts.After.IsZero() && !e.Timestamp.After(opts.After) {
		return false
	}
	if !opts.Before.IsZero() && !e.Timestamp.Before(opts.Before) {
		return false
	}
	return true
}

// cosineDistance returns 1 - cosine similarity, matching pgvector's <=>
// operator. Mismatched or zero-magnitude vectors yield the maximum distance.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
