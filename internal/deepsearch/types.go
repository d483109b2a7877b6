package deepsearch

import (
	"context"

	"tenderworks/api_prospector/pkg/llm"
)

// NoInformation is the sentinel the chunk prompt instructs the model to
// return when a chunk holds nothing relevant. It never reaches callers as a
// citation.
const NoInformation = "No information"

// Generator is the LLM boundary: one schema-constrained call with provider
// fallback behind it.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message, responseType llm.ResponseType) (llm.CallResult, error)
}

// RelevanceMatch is one triage hit: a file judged worth inspecting.
type RelevanceMatch struct {
	FileID   string `json:"id"`
	Filename string `json:"filename"`
	Reason   string `json:"reason,omitempty"`
}

// FileCitations is the per-file deep-search outcome: verbatim quotes pulled
// from the file's chunks. Citations may be empty when the file held nothing.
type FileCitations struct {
	FileID    string   `json:"file_id"`
	Filename  string   `json:"filename"`
	Citations []string `json:"citations"`
}

// FileResult records one fan-out branch as a value: either a group or the
// error that branch hit. Order follows submission order, not completion.
type FileResult struct {
	Group FileCitations
	Err   error
}

// FileTarget is a file handed to the per-file search after extraction.
type FileTarget struct {
	FileID   string
	Filename string
	Text     string
}
