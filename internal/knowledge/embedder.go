package knowledge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tenderworks/api_prospector/pkg/llm"
)

const maxEmbedBatchSize = 2048

// Embedder wraps the embedding client for query and index embedding.
type Embedder struct {
	client llm.EmbeddingClient
}

func NewEmbedder(client llm.EmbeddingClient) (*Embedder, error) {
	if client == nil {
		return nil, errors.New("embedding client is required")
	}
	return &Embedder{client: client}, nil
}

// EmbedQuery embeds a single search query.
func (e *Embedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if query == "" {
		return nil, errors.New("query is required")
	}
	start := time.Now()
	vectors, err := e.client.Embed(ctx, []string{query})
	embedDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		embedCallsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("embed query: %w", err)
	}
	embedCallsTotal.WithLabelValues("success").Inc()
	if len(vectors) == 0 {
		return nil, errors.New("no embedding returned")
	}
	return vectors[0], nil
}

// EmbedTexts embeds a batch of chunk texts, splitting oversized batches.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	start := time.Now()
	defer func() {
		embedDuration.Observe(time.Since(start).Seconds())
	}()

	if len(texts) <= maxEmbedBatchSize {
		vectors, err := e.client.Embed(ctx, texts)
		if err != nil {
			embedCallsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("embed texts: %w", err)
		}
		embedCallsTotal.WithLabelValues("success").Inc()
		return vectors, nil
	}

	var all [][]float32
	for i := 0; i < len(texts); i += maxEmbedBatchSize {
		end := i + maxEmbedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := e.client.Embed(ctx, texts[i:end])
		if err != nil {
			embedCallsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("embed batch %d: %w", i/maxEmbedBatchSize, err)
		}
		all = append(all, batch...)
	}
	embedCallsTotal.WithLabelValues("success").Inc()
	return all, nil
}
