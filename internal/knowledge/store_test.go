package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestStoreSearch(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewStore(db)
	metadata := map[string]any{"page": 4}
	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}

	rows := sqlmock.NewRows([]string{
		"id",
		"tenant_id",
		"file_id",
		"filename",
		"chunk_text",
		"chunk_index",
		"metadata",
		"similarity",
	}).AddRow(
		"chunk-1",
		"tenant",
		"file-1",
		"tender_2026.pdf",
		"chunk text",
		1,
		metadataBytes,
		0.99,
	)

	mock.ExpectQuery("SELECT id").WithArgs("tenant", sqlmock.AnyArg(), 2).WillReturnRows(rows)

	results, err := store.Search(context.Background(), "tenant", []float32{0.1, 0.2}, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].FileID != "file-1" || results[0].Filename != "tender_2026.pdf" {
		t.Fatalf("unexpected chunk: %+v", results[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStoreSearchLexical(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewStore(db)

	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "file_id", "filename", "chunk_text", "chunk_index", "metadata", "similarity",
	}).AddRow("chunk-2", "tenant", "file-2", "pricing.xlsx", "reference RFT-2026-014", 0, []byte(`{}`), 0.4)

	mock.ExpectQuery("SELECT id").WithArgs("tenant", "RFT-2026-014", 5).WillReturnRows(rows)

	results, err := store.SearchLexical(context.Background(), "tenant", "RFT-2026-014", 5)
	if err != nil {
		t.Fatalf("lexical search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "chunk-2" {
		t.Fatalf("unexpected results: %+v", results)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStoreUpsert(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewStore(db)

	chunks := []Chunk{
		{
			TenantID:  "tenant",
			FileID:    "file-1",
			Filename:  "tender_2026.pdf",
			Text:      "chunk one",
			Index:     0,
			Embedding: []float32{0.1},
			Metadata:  map[string]any{"section": "one"},
		},
		{
			TenantID:  "tenant",
			FileID:    "file-1",
			Filename:  "tender_2026.pdf",
			Text:      "chunk two",
			Index:     1,
			Embedding: []float32{0.2},
			Metadata:  map[string]any{"section": "two"},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM prospector\\.document_chunks").WithArgs("tenant", "file-1").WillReturnResult(sqlmock.NewResult(1, 2))
	mock.ExpectPrepare("INSERT INTO prospector\\.document_chunks")
	mock.ExpectExec("INSERT INTO prospector\\.document_chunks").WithArgs(
		"tenant",
		"file-1",
		"tender_2026.pdf",
		"chunk one",
		0,
		sqlmock.AnyArg(),
		sqlmock.AnyArg(),
	).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO prospector\\.document_chunks").WithArgs(
		"tenant",
		"file-1",
		"tender_2026.pdf",
		"chunk two",
		1,
		sqlmock.AnyArg(),
		sqlmock.AnyArg(),
	).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.Upsert(context.Background(), chunks); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStoreDeleteByFile(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewStore(db)

	mock.ExpectExec("DELETE FROM prospector\\.document_chunks").WithArgs("tenant", "file-1").WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.DeleteByFile(context.Background(), "tenant", "file-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStoreSearchRequiresTenant(t *testing.T) {
	store := NewStore(&sql.DB{})
	if _, err := store.Search(context.Background(), "", []float32{0.1}, 1); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMergeChunksPrefersBestScores(t *testing.T) {
	vector := []Chunk{
		{ID: "a", Similarity: 0.9},
		{ID: "b", Similarity: 0.5},
	}
	lexical := []Chunk{
		{ID: "b", Similarity: 0.7}, // duplicate, vector hit wins
		{ID: "c", Similarity: 0.8},
	}

	merged := mergeChunks(vector, lexical, 2)
	if len(merged) != 2 {
		t.Fatalf("expected 2 merged chunks, got %d", len(merged))
	}
	if merged[0].ID != "a" || merged[1].ID != "c" {
		t.Fatalf("unexpected merge order: %v, %v", merged[0].ID, merged[1].ID)
	}
}
