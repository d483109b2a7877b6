package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tenderworks/api_prospector/pkg/clients"
	"tenderworks/api_prospector/pkg/logging"

	"github.com/failsafe-go/failsafe-go"
)

// Extractor downloads the extracted plain text of a file from the
// extraction service. Extraction itself (OCR, PDF parsing) happens behind
// that service; this client only fetches results.
type Extractor struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	executor failsafe.Executor[*http.Response]
	logger   logging.Logger
}

type ExtractorOption func(*Extractor)

func NewExtractor(baseURL, apiKey string, logger logging.Logger, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 60 * time.Second},
		executor: clients.NewHTTPExecutor(clients.DefaultHTTPExecutorConfig()),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func WithHTTPClient(client *http.Client) ExtractorOption {
	return func(e *Extractor) {
		if client != nil {
			e.client = client
		}
	}
}

func WithExecutorConfig(cfg clients.HTTPExecutorConfig) ExtractorOption {
	return func(e *Extractor) {
		e.executor = clients.NewHTTPExecutor(cfg)
	}
}

type extractResponse struct {
	FileID string `json:"file_id"`
	Text   string `json:"text"`
}

// ExtractText fetches the extracted text of fileID. Transient upstream
// failures are retried with backoff before the error surfaces.
func (e *Extractor) ExtractText(ctx context.Context, fileID string) (string, error) {
	url := fmt.Sprintf("%s/v1/files/%s/text", e.baseURL, fileID)

	resp, err := clients.ExecuteHTTP(ctx, e.executor, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		if e.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+e.apiKey)
		}
		resp, err := e.client.Do(req)
		if err == nil && clients.DefaultShouldRetry(resp, nil) {
			_ = resp.Body.Close()
		}
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("extract text for %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("extract text for %s: unexpected status %d: %s", fileID, resp.StatusCode, string(body))
	}

	var payload extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode extraction response for %s: %w", fileID, err)
	}
	return payload.Text, nil
}
