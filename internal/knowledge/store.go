package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"
)

// Chunk is one indexed slice of a tenant document.
type Chunk struct {
	ID         string
	TenantID   string
	FileID     string
	Filename   string
	Text       string
	Index      int
	Embedding  []float32
	Metadata   map[string]any
	Similarity float64
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Search runs a cosine-similarity query over the tenant's indexed chunks.
func (s *Store) Search(ctx context.Context, tenantID string, embedding []float32, limit int) ([]Chunk, error) {
	if tenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	if len(embedding) == 0 {
		return nil, errors.New("embedding is required")
	}
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id,
			tenant_id,
			file_id,
			filename,
			chunk_text,
			chunk_index,
			metadata,
			1 - (embedding <=> $2) AS similarity
		FROM prospector.document_chunks
		WHERE tenant_id = $1
		ORDER BY embedding <=> $2
		LIMIT $3
	`, tenantID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("search document chunks: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

// SearchLexical runs a full-text query over the same chunks, for terms that
// embed poorly (reference numbers, codes, exact names).
func (s *Store) SearchLexical(ctx context.Context, tenantID, query string, limit int) ([]Chunk, error) {
	if tenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	if query == "" {
		return nil, errors.New("query is required")
	}
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id,
			tenant_id,
			file_id,
			filename,
			chunk_text,
			chunk_index,
			metadata,
			ts_rank(to_tsvector('simple', chunk_text), plainto_tsquery('simple', $2)) AS similarity
		FROM prospector.document_chunks
		WHERE tenant_id = $1
		  AND to_tsvector('simple', chunk_text) @@ plainto_tsquery('simple', $2)
		ORDER BY similarity DESC
		LIMIT $3
	`, tenantID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("lexical search document chunks: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		var chunk Chunk
		var metadataBytes []byte
		if err := rows.Scan(
			&chunk.ID,
			&chunk.TenantID,
			&chunk.FileID,
			&chunk.Filename,
			&chunk.Text,
			&chunk.Index,
			&metadataBytes,
			&chunk.Similarity,
		); err != nil {
			return nil, fmt.Errorf("scan document chunk: %w", err)
		}
		if len(metadataBytes) > 0 {
			if err := json.Unmarshal(metadataBytes, &chunk.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document chunks: %w", err)
	}
	return chunks, nil
}

// Upsert replaces the indexed chunks of each file covered by the batch.
func (s *Store) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	byFile := make(map[string]string)
	for _, chunk := range chunks {
		if chunk.TenantID == "" {
			return errors.New("tenant id is required for chunk")
		}
		if chunk.FileID == "" {
			return errors.New("file id is required for chunk")
		}
		byFile[chunk.FileID] = chunk.TenantID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for fileID, tenantID := range byFile {
		if _, execErr := tx.ExecContext(ctx, `
			DELETE FROM prospector.document_chunks
			WHERE tenant_id = $1 AND file_id = $2
		`, tenantID, fileID); execErr != nil {
			return fmt.Errorf("delete existing chunks: %w", execErr)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO prospector.document_chunks (
			tenant_id,
			file_id,
			filename,
			chunk_text,
			chunk_index,
			embedding,
			metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		metadataBytes, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		if _, err := stmt.ExecContext(
			ctx,
			chunk.TenantID,
			chunk.FileID,
			chunk.Filename,
			chunk.Text,
			chunk.Index,
			pgvector.NewVector(chunk.Embedding),
			metadataBytes,
		); err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// DeleteByFile removes all indexed chunks of one file.
func (s *Store) DeleteByFile(ctx context.Context, tenantID, fileID string) error {
	if tenantID == "" {
		return errors.New("tenant id is required")
	}
	if fileID == "" {
		return errors.New("file id is required")
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM prospector.document_chunks
		WHERE tenant_id = $1 AND file_id = $2
	`, tenantID, fileID); err != nil {
		return fmt.Errorf("delete chunks by file: %w", err)
	}
	return nil
}
