package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Streamer writes server-sent events for one chat turn. Every Send method
// serializes its own payload; a failure affects only that event, callers
// decide whether to continue.
type Streamer struct {
	writer  http.ResponseWriter
	flusher http.Flusher
}

func NewStreamer(writer http.ResponseWriter) (*Streamer, error) {
	flusher, ok := writer.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	writer.Header().Set("Content-Type", "text/event-stream")
	writer.Header().Set("Cache-Control", "no-cache")
	writer.Header().Set("Connection", "keep-alive")
	return &Streamer{writer: writer, flusher: flusher}, nil
}

// SendStatus reports a progress update (triage done, file started, ...).
func (s *Streamer) SendStatus(message string) error {
	return s.send(map[string]string{"type": "status", "message": message})
}

// SendHeartbeat keeps the connection alive during long silent stretches.
func (s *Streamer) SendHeartbeat(message string) error {
	return s.send(map[string]string{"type": "heartbeat", "message": message})
}

// SendText emits one display-text delta.
func (s *Streamer) SendText(content string) error {
	return s.send(map[string]string{"type": "text", "content": content})
}

// SendFunctionCall announces which internal operation the turn routed to.
func (s *Streamer) SendFunctionCall(name string) error {
	return s.send(map[string]string{"type": "function_call", "function": name})
}

// SendVectorSearchResults reports lookup hits before the answer streams.
func (s *Streamer) SendVectorSearchResults(payload any) error {
	return s.send(map[string]any{"type": "vector_search_results", "results": payload})
}

// SendFileCitation emits one reconciled citation.
func (s *Streamer) SendFileCitation(fileID, filename, quote string, index int) error {
	return s.send(map[string]any{
		"type":     "file_citation",
		"file_id":  fileID,
		"filename": filename,
		"quote":    quote,
		"index":    index,
	})
}

func (s *Streamer) SendFinalFilenamesStart() error {
	return s.send(map[string]string{"type": "final_filenames_start"})
}

func (s *Streamer) SendFilenameItem(fileID, filename string) error {
	return s.send(map[string]string{
		"type":     "filename_item",
		"file_id":  fileID,
		"filename": filename,
	})
}

// SendFilenameItemError marks one filename that could not be serialized or
// resolved; the rest of the list still streams.
func (s *Streamer) SendFilenameItemError(filename, message string) error {
	return s.send(map[string]string{
		"type":     "filename_item_error",
		"filename": filename,
		"error":    message,
	})
}

func (s *Streamer) SendFinalFilenamesEnd() error {
	return s.send(map[string]string{"type": "final_filenames_end"})
}

// SendMessageID hands the client the persisted assistant message id.
func (s *Streamer) SendMessageID(id string) error {
	return s.send(map[string]string{"type": "message_id", "message_id": id})
}

func (s *Streamer) SendError(message string) error {
	return s.send(map[string]string{"type": "error", "message": message})
}

func (s *Streamer) SendDone() error {
	if err := s.send(map[string]string{"type": "done"}); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.writer, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *Streamer) send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.writer, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
