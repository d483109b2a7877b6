package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"tenderworks/api_prospector/internal/deepsearch"
	"tenderworks/api_prospector/internal/knowledge"
	"tenderworks/api_prospector/internal/metering"
	"tenderworks/api_prospector/internal/prospector"
	"tenderworks/api_prospector/internal/stream"
	"tenderworks/api_prospector/pkg/llm"
	"tenderworks/api_prospector/pkg/logging"

	"github.com/gin-gonic/gin"
)

const maxMessageRunes = 10000

const (
	functionDeepSearch = "deep_search"
	functionLookup     = "lookup"
)

// DeepSearcher runs the triage/extract/fan-out pipeline for one query.
type DeepSearcher interface {
	Run(ctx context.Context, tenantID, query string, progress deepsearch.ProgressFunc) ([]deepsearch.FileResult, []deepsearch.RelevanceMatch, error)
}

// LookupTool answers from the vector/lexical index without reading files.
type LookupTool interface {
	QueryByText(ctx context.Context, tenantID, query string) ([]knowledge.Chunk, error)
}

// Generator abstracts the fallback LLM client.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message, responseType llm.ResponseType) (llm.CallResult, error)
	GenerateStream(ctx context.Context, messages []llm.Message, responseType llm.ResponseType) (llm.Stream, string, string, error)
}

// FileResolver maps filenames back to catalog file ids for reconciliation.
type FileResolver interface {
	ResolveFileID(ctx context.Context, tenantID, filename string) (string, error)
}

type ChatHandler struct {
	Conversations      *ConversationStore
	Search             DeepSearcher
	Lookup             LookupTool
	LLM                Generator
	Files              FileResolver
	Logger             logging.Logger
	MaxHistoryMessages int

	// conversationLocks serializes concurrent requests to the same
	// conversation. For horizontal scaling, replace with
	// pg_advisory_xact_lock.
	conversationLocks sync.Map
}

type ChatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

const defaultMaxHistoryMessages = 20

func NewChatHandler(
	conversations *ConversationStore,
	search DeepSearcher,
	lookup LookupTool,
	generator Generator,
	files FileResolver,
	logger logging.Logger,
) *ChatHandler {
	return &ChatHandler{
		Conversations:      conversations,
		Search:             search,
		Lookup:             lookup,
		LLM:                generator,
		Files:              files,
		Logger:             logger,
		MaxHistoryMessages: defaultMaxHistoryMessages,
	}
}

func RegisterRoutes(router gin.IRoutes, handler *ChatHandler) {
	router.POST("/chat", handler.HandleChat)
	router.GET("/conversations", handler.HandleListConversations)
	router.GET("/conversations/:id", handler.HandleGetConversation)
	router.DELETE("/conversations/:id", handler.HandleDeleteConversation)
	router.PATCH("/conversations/:id", handler.HandleUpdateConversation)
}

func (h *ChatHandler) HandleChat(c *gin.Context) {
	startedAt := time.Now()

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	if len([]rune(req.Message)) > maxMessageRunes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message too long"})
		return
	}

	tenantID := prospector.GetTenantID(c.Request.Context())
	if tenantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "tenant_id missing"})
		return
	}
	userID := prospector.GetUserID(c.Request.Context())
	ctx := c.Request.Context()

	conversationID := strings.TrimSpace(req.ConversationID)
	isNewConversation := false
	if conversationID == "" {
		var err error
		conversationID, err = h.Conversations.CreateConversation(ctx, tenantID, userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
			return
		}
		isNewConversation = true
	} else if _, err := h.Conversations.GetConversation(ctx, conversationID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	ctx = prospector.WithConversationID(ctx, conversationID)

	lockVal, _ := h.conversationLocks.LoadOrStore(conversationID, &sync.Mutex{})
	convMu := lockVal.(*sync.Mutex)
	convMu.Lock()
	defer func() {
		convMu.Unlock()
		if convMu.TryLock() {
			h.conversationLocks.Delete(conversationID)
			convMu.Unlock()
		}
	}()

	historyLimit := h.MaxHistoryMessages
	if historyLimit <= 0 {
		historyLimit = defaultMaxHistoryMessages
	}
	history, err := h.Conversations.GetRecentMessages(ctx, conversationID, historyLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation history"})
		return
	}

	if _, err := h.Conversations.AddMessage(ctx, conversationID, "user", req.Message, TokenCounts{
		Input: llm.EstimateTokens(req.Message),
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist user message"})
		return
	}

	streamer, err := stream.NewStreamer(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unavailable"})
		return
	}
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Conversation-ID", conversationID)
	c.Status(http.StatusOK)

	function := h.routeFunction(ctx, history, req.Message)
	if err := streamer.SendFunctionCall(function); err != nil {
		h.Logger.WithError(err).Warn("Failed to send function_call event")
	}

	conversationsActive.Inc()
	defer conversationsActive.Dec()

	var content string
	var citations []Citation
	switch function {
	case functionLookup:
		content, err = h.runLookup(ctx, streamer, tenantID, history, req.Message)
	default:
		content, citations, err = h.runDeepSearch(ctx, streamer, tenantID, history, req.Message)
	}
	turnDuration.WithLabelValues(function).Observe(time.Since(startedAt).Seconds())
	if err != nil {
		chatTurnsTotal.WithLabelValues(function, "error").Inc()
		h.Logger.WithError(err).WithFields(logging.Fields{
			"conversation_id": conversationID,
			"function":        function,
		}).Warn("Chat turn failed")
		_ = streamer.SendError("An error occurred processing your request.")
		_ = streamer.SendDone()
		return
	}
	chatTurnsTotal.WithLabelValues(function, "success").Inc()

	messageID, err := h.Conversations.AddMessage(ctx, conversationID, "assistant", content, TokenCounts{
		Input:  llm.EstimateTokens(req.Message),
		Output: llm.EstimateTokens(content),
	})
	if err != nil {
		h.Logger.WithError(err).Warn("Failed to store assistant response")
	} else {
		if err := h.Conversations.AttachCitations(ctx, messageID, citations); err != nil {
			h.Logger.WithError(err).Warn("Failed to store citations")
		}
		if err := streamer.SendMessageID(messageID); err != nil {
			h.Logger.WithError(err).Warn("Failed to send message_id event")
		}
	}

	if isNewConversation {
		if err := h.Conversations.UpdateTitle(ctx, conversationID, truncateTitle(req.Message, 60)); err != nil {
			h.Logger.WithError(err).Warn("Failed to set conversation title")
		}
	}

	_ = streamer.SendDone()
}

// routeFunction asks the routing model which path serves the question. Any
// failure routes to deep search, the safer default for document questions.
func (h *ChatHandler) routeFunction(ctx context.Context, history []Message, message string) string {
	result, err := h.LLM.Generate(ctx, buildRoutingMessages(history, message), llm.ResponseFunctionRouting)
	if err != nil {
		h.Logger.WithError(err).Warn("Function routing failed, defaulting to deep search")
		return functionDeepSearch
	}
	metering.RecordLLMUsage(ctx, result.Model, result.Usage.PromptTokens, result.Usage.CompletionTokens)

	var routed struct {
		Function string `json:"function"`
	}
	if err := llm.DecodeJSON(result.Content, &routed); err != nil {
		h.Logger.WithError(err).Warn("Unparseable routing response, defaulting to deep search")
		return functionDeepSearch
	}
	if routed.Function == functionLookup {
		return functionLookup
	}
	return functionDeepSearch
}

// runDeepSearch drives the full pipeline and streams the synthesized answer.
// It returns the answer text and the reconciled citations for persistence.
func (h *ChatHandler) runDeepSearch(ctx context.Context, streamer *stream.Streamer, tenantID string, history []Message, message string) (string, []Citation, error) {
	// Progress callbacks arrive from searcher goroutines; SSE writes must
	// not interleave.
	var sendMu sync.Mutex
	progress := func(event deepsearch.ProgressEvent) {
		sendMu.Lock()
		defer sendMu.Unlock()
		if event.Stage == deepsearch.StageHeartbeat {
			_ = streamer.SendHeartbeat(event.Message)
			return
		}
		_ = streamer.SendStatus(progressMessage(event))
	}

	results, _, err := h.Search.Run(ctx, tenantID, message, progress)
	if err != nil {
		return "", nil, fmt.Errorf("deep search: %w", err)
	}
	if len(results) == 0 {
		const noFiles = "None of your documents appear relevant to this question."
		if err := streamer.SendText(noFiles); err != nil {
			return "", nil, err
		}
		return noFiles, nil, nil
	}

	messages := buildDeepSearchAnswerMessages(history, message, results)
	answer, err := h.streamAnswer(ctx, streamer, messages, llm.ResponseDeepSearchAnswer, nil)
	if err != nil {
		return "", nil, err
	}

	declared := make([]deepsearch.DeclaredFile, 0, len(answer.RelevantFiles))
	for _, rf := range answer.RelevantFiles {
		declared = append(declared, deepsearch.DeclaredFile{Filename: rf.Filename, FileID: rf.FileID})
	}
	resolver := deepsearch.MemoizedResolver(func(ctx context.Context, filename string) (string, error) {
		return h.Files.ResolveFileID(ctx, tenantID, filename)
	})
	recon := deepsearch.Reconcile(ctx, declared, results, resolver, h.Logger)

	citations := h.emitCitationEvents(streamer, recon)

	return answer.Response, citations, nil
}

// runLookup answers from the index directly, stripping assistant-API style
// bracket annotations from the visible stream.
func (h *ChatHandler) runLookup(ctx context.Context, streamer *stream.Streamer, tenantID string, history []Message, message string) (string, error) {
	hits, err := h.Lookup.QueryByText(ctx, tenantID, message)
	if err != nil {
		return "", fmt.Errorf("lookup: %w", err)
	}
	lookupResultsCount.Observe(float64(len(hits)))

	type hitSummary struct {
		FileID     string  `json:"file_id"`
		Filename   string  `json:"filename"`
		Similarity float64 `json:"similarity"`
	}
	summaries := make([]hitSummary, 0, len(hits))
	for _, hit := range hits {
		summaries = append(summaries, hitSummary{FileID: hit.FileID, Filename: hit.Filename, Similarity: hit.Similarity})
	}
	if err := streamer.SendVectorSearchResults(summaries); err != nil {
		h.Logger.WithError(err).Warn("Failed to send vector_search_results event")
	}

	messages := buildLookupAnswerMessages(history, message, hits)
	answer, err := h.streamAnswer(ctx, streamer, messages, llm.ResponseLookupAnswer, stream.NewBracketFilter())
	if err != nil {
		return "", err
	}

	// Persisted content gets the same annotation stripping as the live
	// stream.
	persistFilter := stream.NewBracketFilter()
	content := persistFilter.Feed(answer.Response) + persistFilter.Flush()
	return content, nil
}

// streamAnswer runs one streaming LLM call through the response assembler,
// forwarding decoded text deltas as they arrive. A post-stream parse failure
// is fatal to the turn.
func (h *ChatHandler) streamAnswer(ctx context.Context, streamer *stream.Streamer, messages []llm.Message, responseType llm.ResponseType, filter *stream.BracketFilter) (stream.FinalAnswer, error) {
	llmStream, _, model, err := h.LLM.GenerateStream(ctx, messages, responseType)
	if err != nil {
		return stream.FinalAnswer{}, fmt.Errorf("open answer stream: %w", err)
	}
	defer llmStream.Close()

	assembler := stream.NewAssembler()
	for {
		chunk, err := llmStream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stream.FinalAnswer{}, fmt.Errorf("answer stream: %w", err)
		}
		delta := assembler.Feed(chunk.Content)
		if filter != nil {
			delta = filter.Feed(delta)
		}
		if delta == "" {
			continue
		}
		if err := streamer.SendText(delta); err != nil {
			h.Logger.WithError(err).Warn("Failed to send text delta")
		}
	}

	var promptText strings.Builder
	for _, msg := range messages {
		promptText.WriteString(msg.Content)
	}
	metering.RecordLLMUsage(ctx, model, llm.EstimateTokens(promptText.String()), llm.EstimateTokens(assembler.Raw()))

	answer, err := assembler.Finish()
	if err != nil {
		return stream.FinalAnswer{}, fmt.Errorf("parse final answer: %w", err)
	}
	return answer, nil
}

// emitCitationEvents streams the reconciled side-channel events and converts
// the result into persistable citations. Each event failure is isolated.
func (h *ChatHandler) emitCitationEvents(streamer *stream.Streamer, recon deepsearch.ReconcileResult) []Citation {
	var citations []Citation
	index := 0
	for _, file := range recon.Files {
		for _, quote := range file.Citations {
			if err := streamer.SendFileCitation(file.FileID, file.Filename, quote, index); err != nil {
				h.Logger.WithError(err).WithField("filename", file.Filename).Warn("Failed to send file_citation event")
			}
			citations = append(citations, Citation{Content: quote, Filename: file.Filename, FileID: file.FileID})
			index++
		}
	}

	if err := streamer.SendFinalFilenamesStart(); err != nil {
		h.Logger.WithError(err).Warn("Failed to send final_filenames_start event")
	}
	for _, file := range recon.UniqueFiles {
		if file.FileID == "" {
			_ = streamer.SendFilenameItemError(file.Filename, "file id unresolved")
			continue
		}
		if err := streamer.SendFilenameItem(file.FileID, file.Filename); err != nil {
			h.Logger.WithError(err).WithField("filename", file.Filename).Warn("Failed to send filename_item event")
			_ = streamer.SendFilenameItemError(file.Filename, "serialization failed")
		}
	}
	if err := streamer.SendFinalFilenamesEnd(); err != nil {
		h.Logger.WithError(err).Warn("Failed to send final_filenames_end event")
	}

	return citations
}

func progressMessage(event deepsearch.ProgressEvent) string {
	switch event.Stage {
	case deepsearch.StageStart:
		return "Starting deep search"
	case deepsearch.StageTriageComplete:
		return fmt.Sprintf("Identified %d relevant file(s)", event.Files)
	case deepsearch.StageFileBegin:
		return fmt.Sprintf("Reading %s", event.Filename)
	case deepsearch.StageChunk:
		return fmt.Sprintf("Searching %s (part %d/%d)", event.Filename, event.Chunk, event.Chunks)
	case deepsearch.StageFileEnd:
		return fmt.Sprintf("Finished %s", event.Filename)
	default:
		if event.Message != "" {
			return event.Message
		}
		return event.Stage
	}
}

func (h *ChatHandler) HandleListConversations(c *gin.Context) {
	tenantID := prospector.GetTenantID(c.Request.Context())
	if tenantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "tenant_id missing"})
		return
	}
	userID := prospector.GetUserID(c.Request.Context())
	limit := 50
	offset := 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	if limit > 200 {
		limit = 200
	}
	summaries, err := h.Conversations.ListConversations(c.Request.Context(), tenantID, userID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
		return
	}
	c.JSON(http.StatusOK, summaries)
}

func (h *ChatHandler) HandleGetConversation(c *gin.Context) {
	tenantID := prospector.GetTenantID(c.Request.Context())
	if tenantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "tenant_id missing"})
		return
	}
	conversationID := c.Param("id")
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation id is required"})
		return
	}
	convo, err := h.Conversations.GetConversation(c.Request.Context(), conversationID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	c.JSON(http.StatusOK, convo)
}

func (h *ChatHandler) HandleDeleteConversation(c *gin.Context) {
	tenantID := prospector.GetTenantID(c.Request.Context())
	if tenantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "tenant_id missing"})
		return
	}
	conversationID := c.Param("id")
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation id is required"})
		return
	}
	if err := h.Conversations.DeleteConversation(c.Request.Context(), conversationID); err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete conversation"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ChatHandler) HandleUpdateConversation(c *gin.Context) {
	tenantID := prospector.GetTenantID(c.Request.Context())
	if tenantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "tenant_id missing"})
		return
	}
	conversationID := c.Param("id")
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation id is required"})
		return
	}

	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}

	if err := h.Conversations.UpdateTitle(c.Request.Context(), conversationID, req.Title); err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"title": req.Title})
}
