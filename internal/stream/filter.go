package stream

import (
	"strings"
	"unicode/utf8"
)

// BracketFilter strips assistant-style annotation spans delimited by 【 and
// 】 from a streamed text, including spans that straddle chunk boundaries.
// It is used on the lookup path, where the upstream answer may carry source
// annotations the product renders separately.
type BracketFilter struct {
	inBracket bool
	// tail holds the bytes of a rune split across chunks.
	tail []byte
}

func NewBracketFilter() *BracketFilter {
	return &BracketFilter{}
}

// Feed filters one chunk and returns the text to display.
func (f *BracketFilter) Feed(chunk string) string {
	data := chunk
	if len(f.tail) > 0 {
		data = string(f.tail) + chunk
		f.tail = nil
	}

	var out strings.Builder
	for len(data) > 0 {
		if !utf8.FullRuneInString(data) {
			f.tail = []byte(data)
			break
		}
		r, size := utf8.DecodeRuneInString(data)
		data = data[size:]

		switch {
		case r == '【':
			f.inBracket = true
		case r == '】':
			f.inBracket = false
		case !f.inBracket:
			out.WriteRune(r)
		}
	}
	return out.String()
}

// Flush returns any buffered trailing bytes once the stream ends. An
// unterminated bracket span is dropped entirely.
func (f *BracketFilter) Flush() string {
	f.tail = nil
	f.inBracket = false
	return ""
}
