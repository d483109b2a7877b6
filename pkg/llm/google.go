package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// GoogleProvider talks to the Gemini REST API. Config.APIKey may hold a
// comma-separated key pool; rate-limited calls rotate to the next key before
// the error surfaces to the generic fallback layer.
type GoogleProvider struct {
	client    *http.Client
	apiURL    string
	model     string
	maxTokens int

	mu     sync.Mutex
	keys   []string
	keyIdx int
}

func NewGoogleProvider(cfg Config) *GoogleProvider {
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://generativelanguage.googleapis.com"
	}
	var keys []string
	for _, key := range strings.Split(cfg.APIKey, ",") {
		key = strings.TrimSpace(key)
		if key != "" {
			keys = append(keys, key)
		}
	}
	return &GoogleProvider{
		client:    &http.Client{Timeout: 120 * time.Second},
		apiURL:    apiURL,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		keys:      keys,
	}
}

func (p *GoogleProvider) currentKey() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return ""
	}
	return p.keys[p.keyIdx%len(p.keys)]
}

func (p *GoogleProvider) rotateKey() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) > 0 {
		p.keyIdx = (p.keyIdx + 1) % len(p.keys)
	}
}

// Complete streams a Gemini response. Tool definitions are not mapped for
// this provider; the deep-search pipeline constrains responses via schema
// instructions instead.
func (p *GoogleProvider) Complete(ctx context.Context, messages []Message, tools []Tool) (Stream, error) {
	if p.model == "" {
		return nil, errors.New("google model is required")
	}
	if len(tools) > 0 {
		return nil, errors.New("google provider does not support tool calls")
	}

	reqBody := googleRequest{
		GenerationConfig: &googleGenerationConfig{MaxOutputTokens: p.maxTokens},
	}
	reqBody.Contents, reqBody.SystemInstruction = googleContentsFrom(messages)

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("google: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", p.apiURL, p.model)

	attempts := len(p.keys)
	if attempts == 0 {
		attempts = 1
	}
	var lastStatus string
	var lastBody string
	for attempt := 0; attempt < attempts; attempt++ {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if reqErr != nil {
			return nil, fmt.Errorf("google: create request: %w", reqErr)
		}
		req.Header.Set("Content-Type", "application/json")
		if key := p.currentKey(); key != "" {
			req.Header.Set("X-Goog-Api-Key", key)
		}

		resp, doErr := p.client.Do(req)
		if doErr != nil {
			return nil, fmt.Errorf("google: request failed: %w", doErr)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			lastStatus = resp.Status
			lastBody = strings.TrimSpace(string(body))
			p.rotateKey()
			continue
		}
		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("google: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
		}
		return newSSEStream(resp, decodeGoogleChunk), nil
	}
	return nil, fmt.Errorf("google: rate limited, all %d API keys exhausted: %s: %s", attempts, lastStatus, lastBody)
}

type googleRequest struct {
	Contents          []googleContent         `json:"contents"`
	SystemInstruction *googleContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *googleGenerationConfig `json:"generationConfig,omitempty"`
}

type googleGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text string `json:"text"`
}

type googleStreamResponse struct {
	Candidates []struct {
		Content struct {
			Parts []googlePart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

func decodeGoogleChunk(data []byte) (Chunk, error) {
	var payload googleStreamResponse
	if err := json.Unmarshal(data, &payload); err != nil {
		return Chunk{}, fmt.Errorf("google: decode chunk: %w", err)
	}
	if len(payload.Candidates) == 0 {
		return Chunk{}, nil
	}
	var builder strings.Builder
	for _, part := range payload.Candidates[0].Content.Parts {
		builder.WriteString(part.Text)
	}
	return Chunk{Content: builder.String()}, nil
}

func googleContentsFrom(messages []Message) ([]googleContent, *googleContent) {
	var systemParts []string
	out := make([]googleContent, 0, len(messages))
	for _, message := range messages {
		if message.Role == "system" {
			systemParts = append(systemParts, message.Content)
			continue
		}
		role := "user"
		if message.Role == "assistant" {
			role = "model"
		}
		out = append(out, googleContent{
			Role:  role,
			Parts: []googlePart{{Text: message.Content}},
		})
	}
	var system *googleContent
	if len(systemParts) > 0 {
		system = &googleContent{Parts: []googlePart{{Text: strings.Join(systemParts, "\n")}}}
	}
	return out, system
}
