package deepsearch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tenderworks/api_prospector/internal/files"
	"tenderworks/api_prospector/internal/metering"
	"tenderworks/api_prospector/pkg/logging"

	"golang.org/x/sync/errgroup"
)

// Catalog lists the tenant's files for triage.
type Catalog interface {
	ListPreviews(ctx context.Context, tenantID string) ([]files.FilePreview, error)
}

// TextExtractor fetches the extracted text of one file.
type TextExtractor interface {
	ExtractText(ctx context.Context, fileID string) (string, error)
}

// Coordinator drives a full deep-search run: triage, extraction, and the
// per-file fan-out.
type Coordinator struct {
	catalog         Catalog
	extractor       TextExtractor
	searcher        *FileSearcher
	gen             Generator
	concurrency     int
	extractionBatch int
	logger          logging.Logger
}

type CoordinatorConfig struct {
	Catalog         Catalog
	Extractor       TextExtractor
	Searcher        *FileSearcher
	Generator       Generator
	Concurrency     int
	ExtractionBatch int
	Logger          logging.Logger
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	batch := cfg.ExtractionBatch
	if batch <= 0 {
		batch = 5
	}
	return &Coordinator{
		catalog:         cfg.Catalog,
		extractor:       cfg.Extractor,
		searcher:        cfg.Searcher,
		gen:             cfg.Generator,
		concurrency:     concurrency,
		extractionBatch: batch,
		logger:          cfg.Logger,
	}
}

// Run executes one deep search. It returns the per-file results in
// submission order together with the triage matches that produced them.
// Only triage and catalog failures abort the run; everything downstream is
// captured per file.
func (c *Coordinator) Run(ctx context.Context, tenantID, query string, progress ProgressFunc) ([]FileResult, []RelevanceMatch, error) {
	start := time.Now()
	runsTotal.Inc()
	defer func() {
		runDuration.Observe(time.Since(start).Seconds())
	}()

	emitProgress(progress, ProgressEvent{Stage: StageStart})

	previews, err := c.catalog.ListPreviews(ctx, tenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("list file catalog: %w", err)
	}

	matches, err := TriageFiles(ctx, c.gen, query, previews)
	if err != nil {
		return nil, nil, err
	}
	emitProgress(progress, ProgressEvent{Stage: StageTriageComplete, Files: len(matches)})
	if len(matches) == 0 {
		metering.RecordDeepSearch(ctx)
		return nil, nil, nil
	}

	targets := c.extractTargets(ctx, matches)

	results := c.fanOut(ctx, query, matches, targets, progress)

	metering.RecordDeepSearch(ctx)
	return results, matches, nil
}

// extractTargets downloads file texts in parallel batches. A file whose
// extraction fails is excluded from the fan-out without failing the run; the
// returned slice keeps match order, with nil holes for exclusions.
func (c *Coordinator) extractTargets(ctx context.Context, matches []RelevanceMatch) []*FileTarget {
	targets := make([]*FileTarget, len(matches))

	var group errgroup.Group
	group.SetLimit(c.extractionBatch)
	for i, match := range matches {
		i, match := i, match
		group.Go(func() error {
			text, err := c.extractor.ExtractText(ctx, match.FileID)
			if err != nil {
				extractionsTotal.WithLabelValues("error").Inc()
				if c.logger != nil {
					c.logger.WithError(err).WithFields(logging.Fields{
						"file_id":  match.FileID,
						"filename": match.Filename,
					}).Warn("File extraction failed, excluding from deep search")
				}
				return nil
			}
			extractionsTotal.WithLabelValues("success").Inc()
			targets[i] = &FileTarget{
				FileID:   match.FileID,
				Filename: match.Filename,
				Text:     text,
			}
			return nil
		})
	}
	_ = group.Wait()

	return targets
}

// fanOut runs the per-file searches under the request-scoped semaphore and
// collects results as values in submission order.
func (c *Coordinator) fanOut(ctx context.Context, query string, matches []RelevanceMatch, targets []*FileTarget, progress ProgressFunc) []FileResult {
	submitted := make([]int, 0, len(targets))
	for i, target := range targets {
		if target != nil {
			submitted = append(submitted, i)
		}
	}

	results := make([]FileResult, len(submitted))
	sem := make(chan struct{}, c.concurrency)
	var wg sync.WaitGroup

	for slot, idx := range submitted {
		wg.Add(1)
		go func(slot int, target *FileTarget) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			defer func() {
				if r := recover(); r != nil {
					fileResultsTotal.WithLabelValues("panic").Inc()
					results[slot] = FileResult{
						Group: FileCitations{FileID: target.FileID, Filename: target.Filename, Citations: []string{}},
						Err:   fmt.Errorf("deep search of %s panicked: %v", target.Filename, r),
					}
				}
			}()

			emitProgress(progress, ProgressEvent{
				Stage:    StageFileBegin,
				FileID:   target.FileID,
				Filename: target.Filename,
			})

			group := c.searcher.SearchFile(ctx, query, *target, progress)

			var branchErr error
			if err := ctx.Err(); err != nil {
				branchErr = fmt.Errorf("deep search of %s interrupted: %w", target.Filename, err)
				fileResultsTotal.WithLabelValues("interrupted").Inc()
			} else if len(group.Citations) > 0 {
				fileResultsTotal.WithLabelValues("citations").Inc()
			} else {
				fileResultsTotal.WithLabelValues("empty").Inc()
			}

			emitProgress(progress, ProgressEvent{
				Stage:    StageFileEnd,
				FileID:   target.FileID,
				Filename: target.Filename,
			})

			results[slot] = FileResult{Group: group, Err: branchErr}
		}(slot, targets[idx])
	}
	wg.Wait()

	return results
}
