package deepsearch

// ProgressEvent reports deep-search progress to the transport layer.
type ProgressEvent struct {
	Stage    string `json:"stage"`
	FileID   string `json:"file_id,omitempty"`
	Filename string `json:"filename,omitempty"`
	Chunk    int    `json:"chunk,omitempty"`
	Chunks   int    `json:"chunks,omitempty"`
	Files    int    `json:"files,omitempty"`
	Message  string `json:"message,omitempty"`
}

const (
	StageStart          = "start"
	StageTriageComplete = "triage_complete"
	StageFileBegin      = "file_begin"
	StageChunk          = "chunk"
	StageHeartbeat      = "heartbeat"
	StageFileEnd        = "file_end"
)

// ProgressFunc receives progress events. Callbacks run on searcher
// goroutines; a panicking or slow callback must not take the search down
// with it, so emissions go through emitProgress.
type ProgressFunc func(ProgressEvent)

func emitProgress(fn ProgressFunc, event ProgressEvent) {
	if fn == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	fn(event)
}
