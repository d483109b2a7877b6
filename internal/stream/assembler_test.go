package stream

import (
	"strings"
	"testing"
)

func feedAll(t *testing.T, a *Assembler, chunks []string) string {
	t.Helper()
	var out strings.Builder
	for _, chunk := range chunks {
		out.WriteString(a.Feed(chunk))
	}
	return out.String()
}

func TestAssemblerExtractsResponseText(t *testing.T) {
	a := NewAssembler()
	got := feedAll(t, a, []string{`{"response":"hello world","relevant_files":[]}`})
	if got != "hello world" {
		t.Fatalf("expected response text only, got %q", got)
	}

	answer, err := a.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if answer.Response != "hello world" {
		t.Fatalf("unexpected parsed response: %q", answer.Response)
	}
}

func TestAssemblerCharByCharMatchesWhole(t *testing.T) {
	raw := `{"response":"a\"b with \\ and \n newline","relevant_files":[{"filename":"tender.pdf","file_id":"file-1"}]}`
	want := "a\"b with \\ and \n newline"

	whole := NewAssembler()
	wholeOut := feedAll(t, whole, []string{raw})

	charwise := NewAssembler()
	var chunks []string
	for _, r := range raw {
		chunks = append(chunks, string(r))
	}
	charOut := feedAll(t, charwise, chunks)

	if wholeOut != want {
		t.Fatalf("whole feed produced %q, want %q", wholeOut, want)
	}
	if charOut != wholeOut {
		t.Fatalf("char-by-char feed diverged: %q vs %q", charOut, wholeOut)
	}

	answer, err := charwise.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if len(answer.RelevantFiles) != 1 || answer.RelevantFiles[0].FileID != "file-1" {
		t.Fatalf("unexpected relevant files: %+v", answer.RelevantFiles)
	}
}

func TestAssemblerMarkerSplitAcrossChunks(t *testing.T) {
	a := NewAssembler()
	got := feedAll(t, a, []string{`{"resp`, `onse"`, ` : `, `"split`, ` marker"`, `,"relevant_files":[]}`})
	if got != "split marker" {
		t.Fatalf("expected %q, got %q", "split marker", got)
	}
}

func TestAssemblerDecodesUnicodeEscapes(t *testing.T) {
	a := NewAssembler()
	raw := `{"response":"caf\u00e9 and \ud83d\ude00 plus literal 😀","relevant_files":[]}`
	got := feedAll(t, a, []string{raw})
	if got != "café and 😀 plus literal 😀" {
		t.Fatalf("expected decoded unicode escapes, got %q", got)
	}
}

func TestAssemblerMalformedUnicodeEscape(t *testing.T) {
	// A truncated \u escape must not eat the characters that follow it. The
	// closing quote here would otherwise be consumed as a hex digit and the
	// JSON tail would leak into the display text.
	a := NewAssembler()
	raw := `{"response":"cut\u12","relevant_files":[{"filename":"x.pdf"}]}`
	got := feedAll(t, a, []string{raw})
	if got != "cutu12" {
		t.Fatalf("expected buffered escape characters as literals, got %q", got)
	}
	if strings.Contains(got, "relevant_files") || strings.Contains(got, "x.pdf") {
		t.Fatalf("JSON tail leaked past a malformed escape: %q", got)
	}

	b := NewAssembler()
	got = feedAll(t, b, []string{`{"response":"a\uZZb","relevant_files":[]}`})
	if got != "auZZb" {
		t.Fatalf("expected literal fallback for non-hex escape, got %q", got)
	}
}

func TestAssemblerStopsAtClosingQuote(t *testing.T) {
	a := NewAssembler()
	got := feedAll(t, a, []string{`{"response":"visible","relevant_files":[{"filename":"x.pdf"}]}`})
	if strings.Contains(got, "relevant_files") || strings.Contains(got, "x.pdf") {
		t.Fatalf("JSON tail leaked into display text: %q", got)
	}
}

func TestAssemblerFlushesAtChunkEnd(t *testing.T) {
	a := NewAssembler()
	first := a.Feed(`{"response":"partial answer`)
	if first != "partial answer" {
		t.Fatalf("expected delta at chunk end before closing quote, got %q", first)
	}
	second := a.Feed(` continues"`)
	if second != " continues" {
		t.Fatalf("expected remaining delta, got %q", second)
	}
}

func TestAssemblerFinishRepairsTruncatedJSON(t *testing.T) {
	a := NewAssembler()
	a.Feed(`{"response":"cut off mid`)

	answer, err := a.Finish()
	if err != nil {
		t.Fatalf("expected tolerant parse of truncated body, got %v", err)
	}
	if !strings.HasPrefix(answer.Response, "cut off mid") {
		t.Fatalf("unexpected repaired response: %q", answer.Response)
	}
}

func TestAssemblerFinishFatalOnGarbage(t *testing.T) {
	a := NewAssembler()
	if _, err := a.Finish(); err == nil {
		t.Fatal("empty stream must be a fatal parse failure")
	}
}

func TestAssemblerMultibyteRuneSplitAcrossChunks(t *testing.T) {
	raw := `{"response":"héllo","relevant_files":[]}`
	bytes := []byte(raw)

	// Split inside the two-byte é sequence.
	cut := strings.Index(raw, "h") + 2
	a := NewAssembler()
	got := a.Feed(string(bytes[:cut]))
	got += a.Feed(string(bytes[cut:]))

	if got != "héllo" {
		t.Fatalf("expected %q, got %q", "héllo", got)
	}
}
