package deepsearch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tenderworks/api_prospector/internal/metering"
	"tenderworks/api_prospector/pkg/llm"
	"tenderworks/api_prospector/pkg/logging"
	"tenderworks/api_prospector/pkg/tokenizer"
)

const chunkSystemPrompt = `You extract evidence from tender documents.
You are given a user question and one chunk of a document.
Return every passage from the chunk that helps answer the question, quoted VERBATIM.
Do not paraphrase, summarize, or merge passages.
If the chunk contains nothing relevant, return exactly one citation: "` + NoInformation + `".`

var heartbeatPhrasings = []string{
	"Still reading %s, this can take a moment",
	"Continuing the deep search through %s",
	"Working through %s, almost there",
}

const (
	heartbeatInitialDelay = 15 * time.Second
	heartbeatInterval     = 10 * time.Second
)

// FileSearcher runs the per-file citation extraction loop.
type FileSearcher struct {
	gen       Generator
	chunker   *tokenizer.Chunker
	maxTokens int
	overlap   int
	logger    logging.Logger

	heartbeatInitialDelay time.Duration
	heartbeatInterval     time.Duration
}

func NewFileSearcher(gen Generator, chunker *tokenizer.Chunker, maxTokens, overlap int, logger logging.Logger) *FileSearcher {
	return &FileSearcher{
		gen:       gen,
		chunker:   chunker,
		maxTokens: maxTokens,
		overlap:   overlap,
		logger:    logger,

		heartbeatInitialDelay: heartbeatInitialDelay,
		heartbeatInterval:     heartbeatInterval,
	}
}

type chunkResponse struct {
	Citations []string `json:"citations"`
}

// SearchFile walks the file chunk by chunk, collecting verbatim citations.
// Chunks run sequentially: each call carries up to maxTokens tokens and the
// model has no memory between chunks. A chunk whose LLM call or parse fails
// is logged and skipped. The returned group is never absent; a file with no
// evidence yields an empty citation list.
func (s *FileSearcher) SearchFile(ctx context.Context, query string, target FileTarget, progress ProgressFunc) FileCitations {
	group := FileCitations{
		FileID:    target.FileID,
		Filename:  target.Filename,
		Citations: []string{},
	}

	chunks := s.chunker.Split(target.Text, s.maxTokens, s.overlap)
	if len(chunks) == 0 {
		return group
	}

	for i, chunk := range chunks {
		if ctx.Err() != nil {
			return group
		}
		emitProgress(progress, ProgressEvent{
			Stage:    StageChunk,
			FileID:   target.FileID,
			Filename: target.Filename,
			Chunk:    i + 1,
			Chunks:   len(chunks),
		})

		citations, err := s.searchChunk(ctx, query, chunk, target, progress)
		if err != nil {
			chunkCallsTotal.WithLabelValues("error").Inc()
			if s.logger != nil {
				s.logger.WithError(err).WithFields(logging.Fields{
					"file_id":  target.FileID,
					"filename": target.Filename,
					"chunk":    i + 1,
				}).Warn("Chunk citation extraction failed, skipping chunk")
			}
			continue
		}
		chunkCallsTotal.WithLabelValues("success").Inc()
		group.Citations = append(group.Citations, citations...)
	}

	return group
}

func (s *FileSearcher) searchChunk(ctx context.Context, query, chunk string, target FileTarget, progress ProgressFunc) ([]string, error) {
	messages := []llm.Message{
		{Role: "system", Content: chunkSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Question:\n%s\n\nDocument chunk:\n%s", query, chunk)},
	}

	// The keep-alive timer brackets this one model call, so every chunk
	// starts a fresh 15s grace period and the phrasing rotation restarts.
	// It is always cancelled and awaited, whatever happens to the call, so
	// no stray progress event can fire after the chunk returns.
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go s.heartbeat(heartbeatCtx, target, progress, heartbeatDone)
	defer func() {
		stopHeartbeat()
		<-heartbeatDone
	}()

	result, err := s.gen.Generate(ctx, messages, llm.ResponseChunkCitations)
	if err != nil {
		return nil, err
	}
	metering.RecordLLMUsage(ctx, result.Model, result.Usage.PromptTokens, result.Usage.CompletionTokens)

	var parsed chunkResponse
	if err := llm.DecodeJSON(result.Content, &parsed); err != nil {
		return nil, fmt.Errorf("parse chunk citations: %w", err)
	}

	var citations []string
	for _, citation := range parsed.Citations {
		if strings.EqualFold(strings.TrimSpace(citation), NoInformation) {
			continue
		}
		if strings.TrimSpace(citation) == "" {
			continue
		}
		citations = append(citations, citation)
	}
	return citations, nil
}

// heartbeat emits rotating keep-alive messages while a single chunk call
// runs long: the first after 15s, then every 10s. It closes done on exit so
// the caller can await it.
func (s *FileSearcher) heartbeat(ctx context.Context, target FileTarget, progress ProgressFunc, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(s.heartbeatInitialDelay)
	defer timer.Stop()

	beat := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		emitProgress(progress, ProgressEvent{
			Stage:    StageHeartbeat,
			FileID:   target.FileID,
			Filename: target.Filename,
			Message:  fmt.Sprintf(heartbeatPhrasings[beat%len(heartbeatPhrasings)], target.Filename),
		})
		beat++
		timer.Reset(s.heartbeatInterval)
	}
}
