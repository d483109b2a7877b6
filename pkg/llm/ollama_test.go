package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaProviderStreamsRoutingCall(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "llama3" {
			t.Fatalf("unexpected model %q", req.Model)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"{\\\"function\\\":\\\"deep_search\\\",\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"\\\"arguments\\\":{}}\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	provider := NewOllamaProvider(Config{
		APIURL: server.URL + "/v1",
		Model:  "llama3",
	})

	stream, err := provider.Complete(context.Background(), []Message{
		{Role: "system", Content: ResponseFunctionRouting.Instruction()},
		{Role: "user", Content: "compare the payment terms across my tenders"},
	}, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	content, err := Collect(stream)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	var parsed struct {
		Function string `json:"function"`
	}
	if err := DecodeJSON(content, &parsed); err != nil {
		t.Fatalf("decode routing decision: %v", err)
	}
	if parsed.Function != "deep_search" {
		t.Fatalf("unexpected routing decision %q", parsed.Function)
	}
}
