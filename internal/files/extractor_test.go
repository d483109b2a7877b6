package files

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tenderworks/api_prospector/pkg/clients"
)

func TestExtractText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/files/file-1/text") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		fmt.Fprint(w, `{"file_id":"file-1","text":"extracted body"}`)
	}))
	defer server.Close()

	extractor := NewExtractor(server.URL, "secret", nil)
	text, err := extractor.ExtractText(context.Background(), "file-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "extracted body" {
		t.Fatalf("expected extracted body, got %q", text)
	}
}

func TestExtractTextRetriesTransientFailure(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"file_id":"file-1","text":"second try"}`)
	}))
	defer server.Close()

	extractor := NewExtractor(server.URL, "", nil, WithExecutorConfig(clients.HTTPExecutorConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}))

	text, err := extractor.ExtractText(context.Background(), "file-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "second try" {
		t.Fatalf("expected retried result, got %q", text)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestExtractTextErrorAfterRetriesExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	extractor := NewExtractor(server.URL, "", nil, WithExecutorConfig(clients.HTTPExecutorConfig{
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
	}))

	if _, err := extractor.ExtractText(context.Background(), "file-1"); err == nil {
		t.Fatal("expected error after retries exhausted")
	}
}
