package deepsearch

import (
	"context"
	"strings"
	"sync"

	"tenderworks/api_prospector/pkg/logging"
)

// DeclaredFile is one entry of the model's final relevant_files list.
type DeclaredFile struct {
	Filename string `json:"filename"`
	FileID   string `json:"file_id,omitempty"`
}

// ReconciledFile pairs a resolved file with the citations that survive
// reconciliation.
type ReconciledFile struct {
	FileID    string
	Filename  string
	Citations []string
}

// ReconcileResult is what the transport layer emits after the answer text:
// citation groups in declaration order plus the deduplicated file list.
type ReconcileResult struct {
	Files       []ReconciledFile
	UniqueFiles []DeclaredFile
}

// ResolveFunc maps a filename to its catalog file id.
type ResolveFunc func(ctx context.Context, filename string) (string, error)

// MemoizedResolver caches resolutions, including failures, so one filename
// costs at most one lookup per reconciliation pass.
func MemoizedResolver(resolve ResolveFunc) ResolveFunc {
	type entry struct {
		id  string
		err error
	}
	var mu sync.Mutex
	cache := make(map[string]entry)

	return func(ctx context.Context, filename string) (string, error) {
		mu.Lock()
		if e, ok := cache[filename]; ok {
			mu.Unlock()
			return e.id, e.err
		}
		mu.Unlock()

		id, err := resolve(ctx, filename)

		mu.Lock()
		cache[filename] = entry{id: id, err: err}
		mu.Unlock()
		return id, err
	}
}

// Reconcile intersects the files the model declared relevant with the
// citation groups the fan-out produced. A declared filename with no matching
// group is dropped: the search never inspected that file, so nothing may be
// attributed to it. The fan-out's file id wins when present; otherwise the
// filename is resolved against the catalog. A group whose file id cannot be
// established is dropped whole, never emitted with a guessed id.
func Reconcile(ctx context.Context, declared []DeclaredFile, results []FileResult, resolve ResolveFunc, logger logging.Logger) ReconcileResult {
	groupsByName := make(map[string]FileCitations, len(results))
	for _, result := range results {
		if result.Err != nil {
			continue
		}
		groupsByName[normalizeFilename(result.Group.Filename)] = result.Group
	}

	var out ReconcileResult
	seen := make(map[string]bool)

	for _, decl := range declared {
		if decl.Filename == "" {
			continue
		}
		group, hasGroup := groupsByName[normalizeFilename(decl.Filename)]
		if !hasGroup {
			droppedGroupsTotal.Inc()
			if logger != nil {
				logger.WithField("filename", decl.Filename).
					Warn("Dropping declared file, the search never inspected it")
			}
			continue
		}

		fileID := group.FileID
		if fileID == "" {
			fileID = decl.FileID
		}
		if fileID == "" {
			if resolve == nil {
				droppedGroupsTotal.Inc()
				if logger != nil {
					logger.WithField("filename", decl.Filename).
						Warn("Dropping citation group, no resolver configured")
				}
				continue
			}
			resolved, err := resolve(ctx, decl.Filename)
			if err != nil {
				droppedGroupsTotal.Inc()
				if logger != nil {
					logger.WithError(err).WithField("filename", decl.Filename).
						Warn("Dropping citation group, filename does not resolve to a file id")
				}
				continue
			}
			fileID = resolved
		}

		citations := filterCitations(group.Citations)

		out.Files = append(out.Files, ReconciledFile{
			FileID:    fileID,
			Filename:  decl.Filename,
			Citations: citations,
		})
		if !seen[fileID] {
			seen[fileID] = true
			out.UniqueFiles = append(out.UniqueFiles, DeclaredFile{Filename: decl.Filename, FileID: fileID})
		}
	}

	return out
}

func filterCitations(citations []string) []string {
	filtered := make([]string, 0, len(citations))
	for _, citation := range citations {
		trimmed := strings.TrimSpace(citation)
		if trimmed == "" || strings.EqualFold(trimmed, NoInformation) {
			continue
		}
		filtered = append(filtered, citation)
	}
	return filtered
}

func normalizeFilename(filename string) string {
	return strings.ToLower(strings.TrimSpace(filename))
}
