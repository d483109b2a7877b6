package llm

import (
	"context"
	"strings"

	"tenderworks/api_prospector/pkg/config"
	"tenderworks/api_prospector/pkg/logging"
)

// LoadFallbackConfig loads the secondary provider/model used when the
// primary LLM call fails with a provider error.
func LoadFallbackConfig() Config {
	return Config{
		Provider:  config.GetEnv("FALLBACK_PROVIDER", "openai"),
		Model:     config.GetEnv("FALLBACK_MODEL", "gpt-4.1-mini"),
		APIKey:    config.GetEnv("FALLBACK_API_KEY", config.GetEnv("LLM_API_KEY", "")),
		APIURL:    config.GetEnv("FALLBACK_API_URL", ""),
		MaxTokens: config.GetEnvInt("FALLBACK_MAX_TOKENS", 4096),
	}
}

// genericProviderErrSubstrings match transient or quota-shaped provider
// failures regardless of backend.
var genericProviderErrSubstrings = []string{
	"quota",
	"rate limit",
	"rate_limit",
	"429",
	"500",
	"503",
	"timeout",
	"timed out",
	"overloaded",
	"service unavailable",
	"internal server error",
	"invalid key",
	"invalid api key",
	"api key not valid",
}

// providerErrSubstrings layer provider-specific keyword sets on top of the
// generic ones.
var providerErrSubstrings = map[string][]string{
	"openai":    {"insufficient_quota", "server_error"},
	"anthropic": {"overloaded_error", "api_error"},
	"google":    {"resource_exhausted", "resource has been exhausted", "api keys exhausted"},
}

// IsProviderError reports whether err looks like a transient provider
// failure worth retrying on the fallback backend. Matching is substring and
// case-insensitive.
func IsProviderError(provider string, err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	for _, needle := range genericProviderErrSubstrings {
		if strings.Contains(message, needle) {
			return true
		}
	}
	for _, needle := range providerErrSubstrings[strings.ToLower(provider)] {
		if strings.Contains(message, strings.ToLower(needle)) {
			return true
		}
	}
	return false
}

// Client wraps a primary provider with one-shot fallback to a configured
// secondary provider/model. State machine per call: try primary; on a
// provider error, try the fallback exactly once; if that also fails the
// original error is returned, since the primary failure is the actionable
// root cause.
type Client struct {
	primary     Provider
	primaryCfg  Config
	fallbackCfg Config
	logger      logging.Logger

	// newProvider builds the fallback provider; replaced in tests.
	newProvider func(Config) (Provider, error)
}

func NewClient(primaryCfg, fallbackCfg Config, logger logging.Logger) (*Client, error) {
	primary, err := NewProvider(primaryCfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		primary:     primary,
		primaryCfg:  primaryCfg,
		fallbackCfg: fallbackCfg,
		logger:      logger,
		newProvider: NewProvider,
	}, nil
}

// PrimaryProvider returns the configured primary provider name.
func (c *Client) PrimaryProvider() string { return c.primaryCfg.Provider }

// PrimaryModel returns the configured primary model.
func (c *Client) PrimaryModel() string { return c.primaryCfg.Model }

// fallbackProvider builds the fallback provider, refusing a self-fallback
// loop. The fallback request uses the fallback model's own token ceiling,
// never the primary's.
func (c *Client) fallbackProvider() (Provider, bool) {
	if c.fallbackCfg.Provider == "" || c.fallbackCfg.Model == "" {
		return nil, false
	}
	if strings.EqualFold(c.fallbackCfg.Provider, c.primaryCfg.Provider) {
		return nil, false
	}
	build := c.newProvider
	if build == nil {
		build = NewProvider
	}
	provider, err := build(c.fallbackCfg)
	if err != nil {
		return nil, false
	}
	return provider, true
}

// Generate runs a non-streaming call constrained to the given response type,
// falling back across providers on failure.
func (c *Client) Generate(ctx context.Context, messages []Message, responseType ResponseType) (CallResult, error) {
	msgs := withSchemaInstruction(messages, responseType)

	content, err := Complete(ctx, c.primary, msgs)
	if err == nil {
		return CallResult{
			Content:      content,
			Usage:        estimateUsage(msgs, content),
			Provider:     c.primaryCfg.Provider,
			Model:        c.primaryCfg.Model,
			ResponseType: responseType,
		}, nil
	}
	if !IsProviderError(c.primaryCfg.Provider, err) {
		return CallResult{}, err
	}

	fallback, ok := c.fallbackProvider()
	if !ok {
		return CallResult{}, err
	}
	if c.logger != nil {
		c.logger.WithError(err).WithFields(logging.Fields{
			"primary":  c.primaryCfg.Provider,
			"fallback": c.fallbackCfg.Provider,
		}).Warn("Primary LLM call failed, trying fallback provider")
	}

	content, fbErr := Complete(ctx, fallback, msgs)
	if fbErr != nil {
		if c.logger != nil {
			c.logger.WithError(fbErr).Warn("Fallback LLM call also failed")
		}
		return CallResult{}, err
	}
	return CallResult{
		Content:      content,
		Usage:        estimateUsage(msgs, content),
		Provider:     c.fallbackCfg.Provider,
		Model:        c.fallbackCfg.Model,
		ResponseType: responseType,
	}, nil
}

// GenerateStream opens a streaming call with the same fallback semantics.
// Only connect-time failures can fall back; a stream that breaks mid-flight
// surfaces to the caller.
func (c *Client) GenerateStream(ctx context.Context, messages []Message, responseType ResponseType) (Stream, string, string, error) {
	msgs := withSchemaInstruction(messages, responseType)

	stream, err := c.primary.Complete(ctx, msgs, nil)
	if err == nil {
		return stream, c.primaryCfg.Provider, c.primaryCfg.Model, nil
	}
	if !IsProviderError(c.primaryCfg.Provider, err) {
		return nil, "", "", err
	}

	fallback, ok := c.fallbackProvider()
	if !ok {
		return nil, "", "", err
	}
	if c.logger != nil {
		c.logger.WithError(err).WithFields(logging.Fields{
			"primary":  c.primaryCfg.Provider,
			"fallback": c.fallbackCfg.Provider,
		}).Warn("Primary LLM stream failed, trying fallback provider")
	}

	stream, fbErr := fallback.Complete(ctx, msgs, nil)
	if fbErr != nil {
		return nil, "", "", err
	}
	return stream, c.fallbackCfg.Provider, c.fallbackCfg.Model, nil
}

func withSchemaInstruction(messages []Message, responseType ResponseType) []Message {
	instruction := responseType.Instruction()
	if instruction == "" {
		return messages
	}
	out := make([]Message, 0, len(messages)+1)
	out = append(out, Message{Role: "system", Content: instruction})
	out = append(out, messages...)
	return out
}
