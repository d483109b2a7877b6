package deepsearch

import (
	"context"
	"fmt"
	"strings"

	"tenderworks/api_prospector/internal/files"
	"tenderworks/api_prospector/internal/metering"
	"tenderworks/api_prospector/pkg/llm"
)

const triageSystemPrompt = `You are a document triage assistant for tender analysis.
You are given a user question and a catalog of the user's files with short previews.
Select every file that could plausibly contain information answering the question.
Prefer recall over precision: when in doubt, include the file.
Only select files from the catalog; never invent ids or filenames.`

type relevanceResponse struct {
	Matches []RelevanceMatch `json:"matches"`
}

// TriageFiles asks the model which catalog files are worth a deep search.
// A response that cannot be parsed is an error; triage is the gate for the
// whole fan-out and must not silently degrade to zero files.
func TriageFiles(ctx context.Context, gen Generator, query string, previews []files.FilePreview) ([]RelevanceMatch, error) {
	if len(previews) == 0 {
		return nil, nil
	}

	var catalog strings.Builder
	for _, p := range previews {
		fmt.Fprintf(&catalog, "- id: %s | filename: %s | preview: %s\n", p.ID, p.Filename, p.Preview)
	}

	messages := []llm.Message{
		{Role: "system", Content: triageSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Question:\n%s\n\nFile catalog:\n%s", query, catalog.String())},
	}

	result, err := gen.Generate(ctx, messages, llm.ResponseRelevanceMatches)
	if err != nil {
		triageCallsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("triage files: %w", err)
	}
	metering.RecordLLMUsage(ctx, result.Model, result.Usage.PromptTokens, result.Usage.CompletionTokens)

	var parsed relevanceResponse
	if err := llm.DecodeJSON(result.Content, &parsed); err != nil {
		triageCallsTotal.WithLabelValues("parse_error").Inc()
		return nil, fmt.Errorf("parse triage response: %w", err)
	}
	triageCallsTotal.WithLabelValues("success").Inc()

	// Drop hallucinated entries that point at nothing in the catalog.
	known := make(map[string]files.FilePreview, len(previews))
	byName := make(map[string]files.FilePreview, len(previews))
	for _, p := range previews {
		known[p.ID] = p
		byName[p.Filename] = p
	}
	var matches []RelevanceMatch
	for _, m := range parsed.Matches {
		if p, ok := known[m.FileID]; ok {
			m.Filename = p.Filename
			matches = append(matches, m)
			continue
		}
		if p, ok := byName[m.Filename]; ok {
			m.FileID = p.ID
			matches = append(matches, m)
		}
	}
	return matches, nil
}
