package logging

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// UploadEntry is one upload pass recorded in the journal.
type UploadEntry struct {
	Timestamp       time.Time `json:"timestamp"`
	BatchID         string    `json:"batch_id,omitempty"`
	Chunks          int       `json:"chunks,omitempty"`
	UploadedBatches int       `json:"uploaded_batches"`
	DurationMs      int64     `json:"duration_ms"`
	Success         bool      `json:"success"`
	FailureReason   string    `json:"failure_reason,omitempty"`
}

// Journal appends upload attempts to a JSON-lines file for field debugging.
// A nil Journal or one without an output file discards entries.
type Journal struct {
	mu   sync.Mutex
	file *os.File
}

// NewJournal opens (or creates) a journal file in append mode.
func NewJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Journal{file: f}, nil
}

// Record writes one entry. Write errors are swallowed; the journal is
// best-effort and must never block an upload.
func (j *Journal) Record(entry UploadEntry) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return
	}
	entry.Timestamp = time.Now().UTC()
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	j.file.Write(append(data, '\n'))
}

// Close closes the journal file.
func (j *Journal) Close() {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
}
