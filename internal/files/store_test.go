package files

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestListPreviews(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT id, filename, COALESCE\\(preview, ''\\)").
		WithArgs("tenant-a").
		WillReturnRows(sqlmock.NewRows([]string{"id", "filename", "preview"}).
			AddRow("file-1", "tender_2026.pdf", "Annual road maintenance tender").
			AddRow("file-2", "pricing.xlsx", "Unit prices"))

	store := NewStore(db, nil)
	previews, err := store.ListPreviews(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(previews) != 2 {
		t.Fatalf("expected 2 previews, got %d", len(previews))
	}
	if previews[0].Filename != "tender_2026.pdf" {
		t.Fatalf("unexpected first preview: %+v", previews[0])
	}
}

func TestResolveFileID(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT id").
		WithArgs("tenant-a", "tender_2026.pdf").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("file-1"))

	store := NewStore(db, nil)
	id, err := store.ResolveFileID(context.Background(), "tenant-a", "tender_2026.pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "file-1" {
		t.Fatalf("expected file-1, got %q", id)
	}
}

func TestResolveFileIDAmbiguous(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	// Two catalog rows carry the same filename; the resolver must refuse to
	// attribute rather than pick one of them.
	mock.ExpectQuery("SELECT id").
		WithArgs("tenant-a", "tender_2026.pdf").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).
			AddRow("file-1").
			AddRow("file-7"))

	store := NewStore(db, nil)
	_, err = store.ResolveFileID(context.Background(), "tenant-a", "tender_2026.pdf")
	if !errors.Is(err, ErrFileAmbiguous) {
		t.Fatalf("expected ErrFileAmbiguous, got %v", err)
	}
}

func TestResolveFileIDNotFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT id").
		WithArgs("tenant-a", "missing.pdf").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	store := NewStore(db, nil)
	_, err = store.ResolveFileID(context.Background(), "tenant-a", "missing.pdf")
	if !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
}
