package chat

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tenderworks/api_prospector/internal/deepsearch"
	"tenderworks/api_prospector/internal/knowledge"
	"tenderworks/api_prospector/internal/prospector"
	"tenderworks/api_prospector/pkg/llm"
	"tenderworks/api_prospector/pkg/logging"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
)

type scriptedStream struct {
	chunks []string
	pos    int
}

func (s *scriptedStream) Recv() (llm.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return llm.Chunk{}, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return llm.Chunk{Content: chunk}, nil
}

func (s *scriptedStream) Close() error { return nil }

type fakeLLM struct {
	routeContent string
	routeErr     error
	streamChunks []string
	streamErr    error
}

func (f *fakeLLM) Generate(ctx context.Context, messages []llm.Message, responseType llm.ResponseType) (llm.CallResult, error) {
	if f.routeErr != nil {
		return llm.CallResult{}, f.routeErr
	}
	return llm.CallResult{Content: f.routeContent, Provider: "openai", Model: "gpt-test", ResponseType: responseType}, nil
}

func (f *fakeLLM) GenerateStream(ctx context.Context, messages []llm.Message, responseType llm.ResponseType) (llm.Stream, string, string, error) {
	if f.streamErr != nil {
		return nil, "", "", f.streamErr
	}
	return &scriptedStream{chunks: f.streamChunks}, "openai", "gpt-test", nil
}

type fakeSearch struct {
	results []deepsearch.FileResult
	err     error
}

func (f *fakeSearch) Run(ctx context.Context, tenantID, query string, progress deepsearch.ProgressFunc) ([]deepsearch.FileResult, []deepsearch.RelevanceMatch, error) {
	if progress != nil {
		progress(deepsearch.ProgressEvent{Stage: deepsearch.StageStart})
	}
	return f.results, nil, f.err
}

type fakeLookup struct {
	hits []knowledge.Chunk
	err  error
}

func (f *fakeLookup) QueryByText(ctx context.Context, tenantID, query string) ([]knowledge.Chunk, error) {
	return f.hits, f.err
}

type fakeResolver struct {
	ids map[string]string
}

func (f *fakeResolver) ResolveFileID(ctx context.Context, tenantID, filename string) (string, error) {
	id, ok := f.ids[filename]
	if !ok {
		return "", errors.New("not found")
	}
	return id, nil
}

func newTestRouter(handler *ChatHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		ctx := prospector.WithTenantID(c.Request.Context(), "tenant-1")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	RegisterRoutes(router, handler)
	return router
}

// expectTurnPersistence queues the store calls one successful turn makes for
// a brand-new conversation: create, load history, persist user message,
// persist assistant message, set title.
func expectTurnPersistence(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`INSERT INTO prospector\.prospector_conversations`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("conv-1"))
	mock.ExpectQuery(`SELECT \* FROM \(`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "conversation_id", "role", "content", "token_count_input", "token_count_output", "created_at"}))
	mock.ExpectQuery(`INSERT INTO prospector\.prospector_messages`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("msg-user"))
	mock.ExpectExec(`UPDATE prospector\.prospector_conversations`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO prospector\.prospector_messages`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("msg-assistant"))
	mock.ExpectExec(`UPDATE prospector\.prospector_conversations`).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestHandleChatDeepSearchTurn(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	expectTurnPersistence(mock)
	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO prospector\.prospector_citations`)
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`UPDATE prospector\.prospector_conversations`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	handler := NewChatHandler(
		NewConversationStore(db),
		&fakeSearch{results: []deepsearch.FileResult{
			{Group: deepsearch.FileCitations{
				FileID:    "file-1",
				Filename:  "tender.pdf",
				Citations: []string{"the deadline is 1 March"},
			}},
		}},
		&fakeLookup{},
		&fakeLLM{
			routeContent: `{"function":"deep_search","arguments":{}}`,
			streamChunks: []string{`{"response":"The deadline is 1 March.",`, `"relevant_files":[{"filename":"tender.pdf","file_id":"file-1"}]}`},
		},
		&fakeResolver{},
		logging.NewLogger(),
	)

	router := newTestRouter(handler)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"when is the deadline?"}`))
	router.ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		`"function":"deep_search"`,
		"The deadline is 1 March.",
		`"type":"file_citation"`,
		"final_filenames_start",
		`"file_id":"file-1"`,
		"final_filenames_end",
		"msg-assistant",
		"data: [DONE]",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in SSE body:\n%s", want, body)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestHandleChatLookupTurnStripsBrackets(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	expectTurnPersistence(mock)
	mock.ExpectExec(`UPDATE prospector\.prospector_conversations`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	handler := NewChatHandler(
		NewConversationStore(db),
		&fakeSearch{},
		&fakeLookup{hits: []knowledge.Chunk{
			{FileID: "file-1", Filename: "tender.pdf", Text: "deadline text", Similarity: 0.9},
		}},
		&fakeLLM{
			routeContent: `{"function":"lookup","arguments":{}}`,
			streamChunks: []string{`{"response":"See the notice【4:0†tender.pdf】 for details."}`},
		},
		&fakeResolver{},
		logging.NewLogger(),
	)

	router := newTestRouter(handler)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"which tenders are open?"}`))
	router.ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "vector_search_results") {
		t.Fatalf("missing vector_search_results event:\n%s", body)
	}
	if !strings.Contains(body, "See the notice for details.") {
		t.Fatalf("expected bracket-stripped text in body:\n%s", body)
	}
	if strings.Contains(body, "【") {
		t.Fatalf("bracket annotation leaked into SSE body:\n%s", body)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestHandleChatDeepSearchFailureSendsError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO prospector\.prospector_conversations`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("conv-1"))
	mock.ExpectQuery(`SELECT \* FROM \(`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "conversation_id", "role", "content", "token_count_input", "token_count_output", "created_at"}))
	mock.ExpectQuery(`INSERT INTO prospector\.prospector_messages`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("msg-user"))
	mock.ExpectExec(`UPDATE prospector\.prospector_conversations`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	handler := NewChatHandler(
		NewConversationStore(db),
		&fakeSearch{err: errors.New("triage blew up")},
		&fakeLookup{},
		&fakeLLM{routeContent: `{"function":"deep_search","arguments":{}}`},
		&fakeResolver{},
		logging.NewLogger(),
	)

	router := newTestRouter(handler)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"anything"}`))
	router.ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `"type":"error"`) {
		t.Fatalf("expected error event:\n%s", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Fatalf("stream must still terminate with DONE:\n%s", body)
	}
}

func TestHandleChatRejectsEmptyMessage(t *testing.T) {
	handler := NewChatHandler(nil, &fakeSearch{}, &fakeLookup{}, &fakeLLM{}, &fakeResolver{}, logging.NewLogger())
	router := newTestRouter(handler)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"   "}`))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRouteFunctionDefaultsToDeepSearch(t *testing.T) {
	handler := &ChatHandler{
		LLM:    &fakeLLM{routeErr: errors.New("provider down")},
		Logger: logging.NewLogger(),
	}
	if got := handler.routeFunction(context.Background(), nil, "question"); got != functionDeepSearch {
		t.Fatalf("expected deep_search default, got %q", got)
	}

	handler.LLM = &fakeLLM{routeContent: `{"function":"lookup","arguments":{}}`}
	if got := handler.routeFunction(context.Background(), nil, "question"); got != functionLookup {
		t.Fatalf("expected lookup, got %q", got)
	}

	handler.LLM = &fakeLLM{routeContent: `{"function":"something_else","arguments":{}}`}
	if got := handler.routeFunction(context.Background(), nil, "question"); got != functionDeepSearch {
		t.Fatalf("unknown function must route to deep_search, got %q", got)
	}
}

func TestHandleUpdateConversationNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`UPDATE prospector\.prospector_conversations`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	handler := NewChatHandler(NewConversationStore(db), &fakeSearch{}, &fakeLookup{}, &fakeLLM{}, &fakeResolver{}, logging.NewLogger())
	router := newTestRouter(handler)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPatch, "/conversations/missing", strings.NewReader(`{"title":"renamed"}`))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
