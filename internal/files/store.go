package files

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tenderworks/api_prospector/pkg/logging"
)

// ErrFileNotFound is returned when a filename or file id has no catalog row
// for the tenant.
var ErrFileNotFound = errors.New("file not found")

// ErrFileAmbiguous is returned when a filename matches more than one catalog
// row for the tenant. The resolver refuses to pick one; attributing a
// citation to the wrong file is worse than not attributing it at all.
var ErrFileAmbiguous = errors.New("filename matches multiple files")

// FilePreview is the triage view of a catalog entry: enough for the model to
// judge relevance without the full text.
type FilePreview struct {
	ID       string
	Filename string
	Preview  string
}

// Store reads the tenant file catalog.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

func NewStore(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// ListPreviews returns the tenant's catalog entries, newest first.
func (s *Store) ListPreviews(ctx context.Context, tenantID string) ([]FilePreview, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, filename, COALESCE(preview, '')
		FROM prospector.files
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list file previews: %w", err)
	}
	defer rows.Close()

	var previews []FilePreview
	for rows.Next() {
		var p FilePreview
		if err := rows.Scan(&p.ID, &p.Filename, &p.Preview); err != nil {
			return nil, fmt.Errorf("scan file preview: %w", err)
		}
		previews = append(previews, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file previews: %w", err)
	}
	return previews, nil
}

// ResolveFileID maps a filename back to its catalog id. A filename held by
// more than one row yields ErrFileAmbiguous so the caller can drop the
// citation group instead of guessing.
func (s *Store) ResolveFileID(ctx context.Context, tenantID, filename string) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM prospector.files
		WHERE tenant_id = $1 AND filename = $2
		LIMIT 2
	`, tenantID, filename)
	if err != nil {
		return "", fmt.Errorf("resolve file id for %q: %w", filename, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("resolve file id for %q: %w", filename, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("resolve file id for %q: %w", filename, err)
	}

	switch len(ids) {
	case 0:
		return "", ErrFileNotFound
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("resolve file id for %q: %w", filename, ErrFileAmbiguous)
	}
}

// GetFilename returns the display filename for a catalog id.
func (s *Store) GetFilename(ctx context.Context, tenantID, fileID string) (string, error) {
	var filename string
	err := s.db.QueryRowContext(ctx, `
		SELECT filename
		FROM prospector.files
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, fileID).Scan(&filename)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrFileNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get filename for %s: %w", fileID, err)
	}
	return filename, nil
}
