package deepsearch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"tenderworks/api_prospector/internal/files"
	"tenderworks/api_prospector/pkg/llm"
	"tenderworks/api_prospector/pkg/tokenizer"
)

type fakeCatalog struct {
	previews []files.FilePreview
	err      error
}

func (c *fakeCatalog) ListPreviews(context.Context, string) ([]files.FilePreview, error) {
	return c.previews, c.err
}

type fakeExtractor struct {
	texts map[string]string
	fail  map[string]bool
}

func (e *fakeExtractor) ExtractText(_ context.Context, fileID string) (string, error) {
	if e.fail[fileID] {
		return "", errors.New("extraction backend unavailable")
	}
	return e.texts[fileID], nil
}

// orderedGenerator answers triage first, then one citation per chunk naming
// the searched text so results can be traced back to files.
type orderedGenerator struct {
	triage string

	mu          sync.Mutex
	concurrent  int32
	maxObserved int32
}

func (g *orderedGenerator) Generate(_ context.Context, messages []llm.Message, responseType llm.ResponseType) (llm.CallResult, error) {
	if responseType == llm.ResponseRelevanceMatches {
		return llm.CallResult{Content: g.triage, Model: "gpt-test", ResponseType: responseType}, nil
	}

	current := atomic.AddInt32(&g.concurrent, 1)
	defer atomic.AddInt32(&g.concurrent, -1)
	for {
		observed := atomic.LoadInt32(&g.maxObserved)
		if current <= observed || atomic.CompareAndSwapInt32(&g.maxObserved, observed, current) {
			break
		}
	}

	// Echo the chunk text back as the citation.
	content := messages[len(messages)-1].Content
	idx := strings.Index(content, "Document chunk:\n")
	chunk := strings.TrimSpace(content[idx+len("Document chunk:\n"):])
	return llm.CallResult{
		Content:      fmt.Sprintf(`{"citations":[%q]}`, chunk),
		Model:        "gpt-test",
		ResponseType: responseType,
	}, nil
}

func testCoordinator(gen Generator, catalog Catalog, extractor TextExtractor, concurrency int) *Coordinator {
	searcher := NewFileSearcher(gen, tokenizer.NewChunkerWithEncoding(runeTokens{}), 1000, 0, nil)
	return NewCoordinator(CoordinatorConfig{
		Catalog:     catalog,
		Extractor:   extractor,
		Searcher:    searcher,
		Generator:   gen,
		Concurrency: concurrency,
	})
}

type runeTokens struct{}

func (runeTokens) Encode(text string) []int {
	runes := []rune(text)
	return make([]int, len(runes))
}

func (runeTokens) Decode(tokens []int) string {
	return strings.Repeat("x", len(tokens))
}

func triageJSON(n int) string {
	var matches []string
	for i := 1; i <= n; i++ {
		matches = append(matches, fmt.Sprintf(`{"id":"file-%d","filename":"doc-%d.pdf"}`, i, i))
	}
	return `{"matches":[` + strings.Join(matches, ",") + `]}`
}

func catalogOf(n int) *fakeCatalog {
	c := &fakeCatalog{}
	for i := 1; i <= n; i++ {
		c.previews = append(c.previews, files.FilePreview{
			ID:       fmt.Sprintf("file-%d", i),
			Filename: fmt.Sprintf("doc-%d.pdf", i),
			Preview:  "preview",
		})
	}
	return c
}

func textsOf(n int) map[string]string {
	texts := make(map[string]string)
	for i := 1; i <= n; i++ {
		texts[fmt.Sprintf("file-%d", i)] = fmt.Sprintf("content-%d", i)
	}
	return texts
}

func TestCoordinatorPreservesSubmissionOrder(t *testing.T) {
	const n = 8
	gen := &orderedGenerator{triage: triageJSON(n)}
	coordinator := testCoordinator(gen, catalogOf(n), &fakeExtractor{texts: textsOf(n)}, 5)

	results, matches, err := coordinator.Run(context.Background(), "tenant-a", "question", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != n {
		t.Fatalf("expected %d matches, got %d", n, len(matches))
	}
	if len(results) != n {
		t.Fatalf("expected %d results, got %d", n, len(results))
	}
	for i, result := range results {
		wantFile := fmt.Sprintf("file-%d", i+1)
		if result.Group.FileID != wantFile {
			t.Fatalf("result %d out of submission order: got %s", i, result.Group.FileID)
		}
		if result.Err != nil {
			t.Fatalf("unexpected branch error: %v", result.Err)
		}
	}
}

func TestCoordinatorRespectsConcurrencyLimit(t *testing.T) {
	const n = 12
	gen := &orderedGenerator{triage: triageJSON(n)}
	coordinator := testCoordinator(gen, catalogOf(n), &fakeExtractor{texts: textsOf(n)}, 5)

	if _, _, err := coordinator.Run(context.Background(), "tenant-a", "question", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if max := atomic.LoadInt32(&gen.maxObserved); max > 5 {
		t.Fatalf("semaphore exceeded: observed %d concurrent file searches", max)
	}
}

func TestCoordinatorExcludesFailedExtractions(t *testing.T) {
	const n = 3
	gen := &orderedGenerator{triage: triageJSON(n)}
	extractor := &fakeExtractor{texts: textsOf(n), fail: map[string]bool{"file-2": true}}
	coordinator := testCoordinator(gen, catalogOf(n), extractor, 5)

	results, _, err := coordinator.Run(context.Background(), "tenant-a", "question", nil)
	if err != nil {
		t.Fatalf("extraction failure must not fail the run: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("failed extraction should be excluded, got %d results", len(results))
	}
	if results[0].Group.FileID != "file-1" || results[1].Group.FileID != "file-3" {
		t.Fatalf("unexpected surviving results: %+v", results)
	}
}

func TestCoordinatorTriageErrorAborts(t *testing.T) {
	gen := &fakeGenerator{errs: []error{errors.New("unexpected status 500")}}
	coordinator := testCoordinator(gen, catalogOf(2), &fakeExtractor{texts: textsOf(2)}, 5)

	_, _, err := coordinator.Run(context.Background(), "tenant-a", "question", nil)
	if err == nil {
		t.Fatal("triage failure must abort the run")
	}
}

func TestCoordinatorNoMatches(t *testing.T) {
	gen := &fakeGenerator{responses: []string{`{"matches":[]}`}}
	coordinator := testCoordinator(gen, catalogOf(2), &fakeExtractor{texts: textsOf(2)}, 5)

	results, matches, err := coordinator.Run(context.Background(), "tenant-a", "question", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 || len(matches) != 0 {
		t.Fatalf("expected empty run, got %d results, %d matches", len(results), len(matches))
	}
}

func TestCoordinatorProgressCallbackPanicsContained(t *testing.T) {
	const n = 2
	gen := &orderedGenerator{triage: triageJSON(n)}
	coordinator := testCoordinator(gen, catalogOf(n), &fakeExtractor{texts: textsOf(n)}, 5)

	results, _, err := coordinator.Run(context.Background(), "tenant-a", "question", func(ProgressEvent) {
		panic("listener bug")
	})
	if err != nil {
		t.Fatalf("panicking progress callback must be contained: %v", err)
	}
	if len(results) != n {
		t.Fatalf("expected %d results, got %d", n, len(results))
	}
}

func TestCoordinatorEmitsProgressStages(t *testing.T) {
	const n = 1
	gen := &orderedGenerator{triage: triageJSON(n)}
	coordinator := testCoordinator(gen, catalogOf(n), &fakeExtractor{texts: textsOf(n)}, 5)

	var mu sync.Mutex
	stages := make(map[string]int)
	_, _, err := coordinator.Run(context.Background(), "tenant-a", "question", func(e ProgressEvent) {
		mu.Lock()
		stages[e.Stage]++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, stage := range []string{StageStart, StageTriageComplete, StageFileBegin, StageChunk, StageFileEnd} {
		if stages[stage] == 0 {
			t.Fatalf("expected at least one %q event, got %v", stage, stages)
		}
	}
}
