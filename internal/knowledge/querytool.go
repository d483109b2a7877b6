package knowledge

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tenderworks/api_prospector/internal/metering"
	"tenderworks/api_prospector/pkg/logging"
)

// QueryTool answers text queries against the indexed document chunks by
// combining vector similarity with lexical full-text matching. Store or
// embedding failures are hard failures; there is no degraded mode.
type QueryTool struct {
	store    *Store
	embedder *Embedder
	limit    int
	logger   logging.Logger
}

func NewQueryTool(store *Store, embedder *Embedder, limit int, logger logging.Logger) *QueryTool {
	if limit <= 0 {
		limit = 8
	}
	return &QueryTool{store: store, embedder: embedder, limit: limit, logger: logger}
}

// QueryByText embeds the query, runs both searches, and merges results by
// best score with vector hits preferred on ties.
func (q *QueryTool) QueryByText(ctx context.Context, tenantID, query string) ([]Chunk, error) {
	start := time.Now()

	embedding, err := q.embedder.EmbedQuery(ctx, query)
	if err != nil {
		queryCallsTotal.WithLabelValues("hybrid", "error").Inc()
		return nil, err
	}
	metering.RecordEmbedding(ctx)

	vectorHits, err := q.store.Search(ctx, tenantID, embedding, q.limit)
	if err != nil {
		queryCallsTotal.WithLabelValues("hybrid", "error").Inc()
		return nil, fmt.Errorf("vector search: %w", err)
	}

	lexicalHits, err := q.store.SearchLexical(ctx, tenantID, query, q.limit)
	if err != nil {
		queryCallsTotal.WithLabelValues("hybrid", "error").Inc()
		return nil, fmt.Errorf("lexical search: %w", err)
	}

	merged := mergeChunks(vectorHits, lexicalHits, q.limit)

	metering.RecordSearchQuery(ctx)
	queryCallsTotal.WithLabelValues("hybrid", "success").Inc()
	queryDuration.WithLabelValues("hybrid").Observe(time.Since(start).Seconds())
	return merged, nil
}

func mergeChunks(vectorHits, lexicalHits []Chunk, limit int) []Chunk {
	seen := make(map[string]bool, len(vectorHits))
	merged := make([]Chunk, 0, len(vectorHits)+len(lexicalHits))
	for _, chunk := range vectorHits {
		seen[chunk.ID] = true
		merged = append(merged, chunk)
	}
	for _, chunk := range lexicalHits {
		if seen[chunk.ID] {
			continue
		}
		merged = append(merged, chunk)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Similarity > merged[j].Similarity
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
