package stream

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStreamerEventFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	s, err := NewStreamer(rec)
	if err != nil {
		t.Fatalf("new streamer: %v", err)
	}

	if err := s.SendStatus("searching"); err != nil {
		t.Fatalf("send status: %v", err)
	}
	if err := s.SendText("hello"); err != nil {
		t.Fatalf("send text: %v", err)
	}
	if err := s.SendFileCitation("file-1", "tender.pdf", "quote", 0); err != nil {
		t.Fatalf("send citation: %v", err)
	}
	if err := s.SendDone(); err != nil {
		t.Fatalf("send done: %v", err)
	}

	body := rec.Body.String()
	for _, want := range []string{
		`data: {"message":"searching","type":"status"}`,
		`data: {"content":"hello","type":"text"}`,
		`"type":"file_citation"`,
		"data: [DONE]",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in body:\n%s", want, body)
		}
	}
	if rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
}

func TestStreamerFinalFilenamesSequence(t *testing.T) {
	rec := httptest.NewRecorder()
	s, err := NewStreamer(rec)
	if err != nil {
		t.Fatalf("new streamer: %v", err)
	}

	_ = s.SendFinalFilenamesStart()
	_ = s.SendFilenameItem("file-1", "tender.pdf")
	_ = s.SendFilenameItemError("broken.pdf", "no file id")
	_ = s.SendFinalFilenamesEnd()

	body := rec.Body.String()
	order := []string{"final_filenames_start", "filename_item", "filename_item_error", "final_filenames_end"}
	last := -1
	for _, marker := range order {
		idx := strings.Index(body, marker)
		if idx < 0 {
			t.Fatalf("missing %q in body:\n%s", marker, body)
		}
		if idx < last {
			t.Fatalf("event %q out of order", marker)
		}
		last = idx
	}
}
