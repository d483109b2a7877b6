package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Encoding is the token codec used by the chunker. Production code uses the
// tiktoken BPE vocabulary for the configured model family.
type Encoding interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

type tiktokenEncoding struct {
	enc *tiktoken.Tiktoken
}

func (t *tiktokenEncoding) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *tiktokenEncoding) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

// Chunker splits document text into token-bounded windows.
type Chunker struct {
	encoding Encoding
}

// NewChunker builds a chunker for the given model's vocabulary, falling back
// to cl100k_base for models tiktoken does not know.
func NewChunker(model string) (*Chunker, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load tokenizer encoding: %w", err)
		}
	}
	return &Chunker{encoding: &tiktokenEncoding{enc: enc}}, nil
}

// NewChunkerWithEncoding builds a chunker over a custom encoding.
func NewChunkerWithEncoding(encoding Encoding) *Chunker {
	return &Chunker{encoding: encoding}
}

// Count returns the token length of text.
func (c *Chunker) Count(text string) int {
	return len(c.encoding.Encode(text))
}

// Split slides a window of maxTokens tokens over text, advancing
// maxTokens-overlap per step, and decodes each window back to text. Text
// that fits the budget comes back as a single chunk with no overlap applied.
// The step is floored at one token so overlap >= maxTokens cannot stall or
// walk backward.
func (c *Chunker) Split(text string, maxTokens, overlap int) []string {
	if text == "" || maxTokens <= 0 {
		return nil
	}
	tokens := c.encoding.Encode(text)
	if len(tokens) <= maxTokens {
		return []string{text}
	}

	step := maxTokens - overlap
	if step < 1 {
		step = 1
	}

	var chunks []string
	for start := 0; start < len(tokens); start += step {
		end := start + maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, c.encoding.Decode(tokens[start:end]))
		if end == len(tokens) {
			break
		}
	}
	return chunks
}
