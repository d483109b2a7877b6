package stream

import (
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"tenderworks/api_prospector/pkg/llm"
)

// FinalAnswer is the parsed shape of the model's deep-search reply.
type FinalAnswer struct {
	Response      string         `json:"response"`
	RelevantFiles []RelevantFile `json:"relevant_files"`
}

// RelevantFile is one entry of the reply's relevant_files array.
type RelevantFile struct {
	Filename string `json:"filename"`
	FileID   string `json:"file_id,omitempty"`
}

type assemblerState int

const (
	// stateStart scans for the opening quote of the response value.
	stateStart assemblerState = iota
	// stateContent is inside the response string; characters become
	// user-visible deltas.
	stateContent
	// statePost is everything after the closing quote (relevant_files and
	// the object tail); nothing more is shown live.
	statePost
)

const responseMarker = `"response"`

// Assembler turns the raw character stream of
// {"response":"...","relevant_files":[...]} into display text deltas while
// the full raw body accumulates for the post-stream parse. The model's JSON
// framing never reaches the user; only the decoded response value does.
type Assembler struct {
	state assemblerState
	raw   strings.Builder

	// stateStart scan position into raw.
	scanned int

	delta strings.Builder

	escaped    bool
	unicodeHex []rune
	pendingHi  rune // high surrogate waiting for its pair
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// Feed consumes one transport chunk and returns the display delta it
// produced. A delta is returned at the latest at chunk end; inside the
// chunk, the closing quote of the response value also forces the boundary.
func (a *Assembler) Feed(chunk string) string {
	a.raw.WriteString(chunk)

	if a.state == stateStart {
		a.tryEnterContent()
	}

	if a.state == stateContent {
		raw := a.raw.String()
		for a.scanned < len(raw) && a.state == stateContent {
			rest := raw[a.scanned:]
			if !utf8.FullRuneInString(rest) {
				// Rune split across transport chunks; wait for the rest.
				break
			}
			r, size := utf8.DecodeRuneInString(rest)
			a.consumeContent(r)
			a.scanned += size
		}
	} else if a.state == statePost {
		a.scanned = a.raw.Len()
	}

	out := a.delta.String()
	a.delta.Reset()
	return out
}

// tryEnterContent looks for `"response"` followed by a colon and the opening
// quote. The marker may arrive split across chunks, so the scan always runs
// against the full accumulated raw.
func (a *Assembler) tryEnterContent() {
	raw := a.raw.String()
	idx := strings.Index(raw, responseMarker)
	if idx < 0 {
		return
	}
	pos := idx + len(responseMarker)
	for pos < len(raw) && (raw[pos] == ' ' || raw[pos] == '\t' || raw[pos] == '\n' || raw[pos] == '\r') {
		pos++
	}
	if pos >= len(raw) || raw[pos] != ':' {
		return
	}
	pos++
	for pos < len(raw) && (raw[pos] == ' ' || raw[pos] == '\t' || raw[pos] == '\n' || raw[pos] == '\r') {
		pos++
	}
	if pos >= len(raw) || raw[pos] != '"' {
		return
	}
	a.state = stateContent
	a.scanned = pos + 1
}

func (a *Assembler) consumeContent(c rune) {
	if len(a.unicodeHex) > 0 || (a.escaped && c == 'u') {
		a.consumeUnicode(c)
		return
	}
	if a.escaped {
		a.escaped = false
		switch c {
		case 'n':
			a.writeRune('\n')
		case 't':
			a.writeRune('\t')
		case 'r':
			a.writeRune('\r')
		case 'b':
			a.writeRune('\b')
		case 'f':
			a.writeRune('\f')
		case '"', '\\', '/':
			a.writeRune(c)
		default:
			// Unknown escape: keep the character, drop the backslash.
			a.writeRune(c)
		}
		return
	}
	switch c {
	case '\\':
		a.escaped = true
	case '"':
		a.state = statePost
	default:
		a.writeRune(c)
	}
}

func (a *Assembler) consumeUnicode(c rune) {
	// Only hex digits may follow the 'u'. Anything else aborts the escape:
	// the buffered characters come through literally and the offending
	// character is re-scanned, so a closing quote still closes the string.
	if len(a.unicodeHex) > 0 && !isHexDigit(c) {
		buffered := a.unicodeHex
		a.unicodeHex = nil
		a.escaped = false
		for _, b := range buffered {
			a.writeRune(b)
		}
		a.consumeContent(c)
		return
	}

	a.unicodeHex = append(a.unicodeHex, c)
	// unicodeHex holds 'u' plus up to four hex digits.
	if len(a.unicodeHex) < 5 {
		return
	}
	a.escaped = false
	hex := string(a.unicodeHex[1:])
	a.unicodeHex = nil

	var code int
	if _, err := fmt.Sscanf(hex, "%04x", &code); err != nil {
		return
	}
	r := rune(code)

	if utf16.IsSurrogate(r) {
		if a.pendingHi != 0 {
			a.writeRune(utf16.DecodeRune(a.pendingHi, r))
			a.pendingHi = 0
			return
		}
		a.pendingHi = r
		return
	}
	a.writeRune(r)
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func (a *Assembler) writeRune(c rune) {
	a.delta.WriteRune(c)
}

// Raw returns everything fed so far.
func (a *Assembler) Raw() string {
	return a.raw.String()
}

// Finish parses the accumulated raw body, tolerating the malformations LLMs
// produce (truncated tail, stray prose around the object). A body that does
// not parse even after repair is fatal for the turn; the caller must surface
// the error and stop.
func (a *Assembler) Finish() (FinalAnswer, error) {
	var answer FinalAnswer
	raw := strings.TrimSpace(a.raw.String())
	if raw == "" {
		return answer, fmt.Errorf("empty response stream")
	}
	if err := llm.DecodeJSON(raw, &answer); err != nil {
		return answer, fmt.Errorf("parse streamed answer: %w", err)
	}
	return answer, nil
}
