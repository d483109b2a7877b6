package llm

import (
	"context"
	"errors"
	"io"
	"strings"
)

// Usage counts tokens consumed by one provider call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// CallResult wraps a single LLM invocation's outcome, carrying which
// provider/model actually served it so cost attribution stays accurate when
// a call is served by a fallback.
type CallResult struct {
	Content      string
	Usage        Usage
	Provider     string
	Model        string
	ResponseType ResponseType
}

// Collect drains a stream into the concatenated content. The stream is
// always closed.
func Collect(stream Stream) (string, error) {
	defer func() { _ = stream.Close() }()
	var builder strings.Builder
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return builder.String(), nil
			}
			return builder.String(), err
		}
		builder.WriteString(chunk.Content)
	}
}

// Complete runs a provider call to completion and returns the full content.
func Complete(ctx context.Context, provider Provider, messages []Message) (string, error) {
	stream, err := provider.Complete(ctx, messages, nil)
	if err != nil {
		return "", err
	}
	return Collect(stream)
}

// EstimateTokens approximates token count by whitespace fields. Providers do
// not report usage on streamed responses, so accounting works from this
// estimate on both the prompt and completion side.
func EstimateTokens(text string) int {
	return len(strings.Fields(text))
}

func estimateUsage(messages []Message, content string) Usage {
	prompt := 0
	for _, msg := range messages {
		prompt += EstimateTokens(msg.Content)
	}
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: EstimateTokens(content),
	}
}
