package storage

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/nuscape/windows-agent/internal/logging"
	"github.com/nuscape/windows-agent/internal/metrics"
	"github.com/nuscape/windows-agent/internal/models"
	"github.com/nuscape/windows-agent/internal/pkg/fsutil"
)

// QueueStore is the durable FIFO of pending batches. The whole queue is
// persisted on every mutation; a crash between pop and persist re-delivers
// the head, which the server dedupes.
type QueueStore struct {
	mu    sync.Mutex
	queue []models.UsageBatch
	path  string
}

// NewQueueStore loads the queue from disk. A missing or unparseable file is
// treated as an empty queue.
func NewQueueStore(paths *Paths) (*QueueStore, error) {
	s := &QueueStore{path: paths.QueuePath()}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		return s, nil
	}
	if err := json.Unmarshal(data, &s.queue); err != nil {
		logging.Op().Warn("queue file unparseable, starting empty", "path", s.path, "error", err)
		s.queue = nil
	}
	metrics.SetQueueDepth(len(s.queue))
	return s, nil
}

func (s *QueueStore) persistLocked() error {
	queue := s.queue
	if queue == nil {
		queue = []models.UsageBatch{}
	}
	serialized, err := json.MarshalIndent(queue, "", "  ")
	if err != nil {
		return err
	}
	metrics.SetQueueDepth(len(s.queue))
	return fsutil.WriteAtomic(s.path, serialized)
}

// Enqueue appends a batch and persists the queue. Oversized batches are
// dropped with a warning, not an error, so the queue never blocks.
func (s *QueueStore) Enqueue(batch models.UsageBatch) error {
	if !batch.SizeFits() {
		logging.Op().Warn("skipping oversized batch", "sessions", len(batch.Sessions))
		metrics.RecordBatchDropped()
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, batch)
	metrics.RecordBatchEnqueued()
	return s.persistLocked()
}

// Peek returns the head batch without mutating the queue.
func (s *QueueStore) Peek() (models.UsageBatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return models.UsageBatch{}, false
	}
	return s.queue[0], true
}

// Pop removes the head batch and persists the remainder.
func (s *QueueStore) Pop() (models.UsageBatch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return models.UsageBatch{}, false, nil
	}
	head := s.queue[0]
	s.queue = s.queue[1:]
	return head, true, s.persistLocked()
}

// HasPending reports whether any batch is queued.
func (s *QueueStore) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}

// Size returns the number of queued batches.
func (s *QueueStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Clear drops every queued batch.
func (s *QueueStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	return s.persistLocked()
}

// Preview returns up to limit batches from the front of the queue.
func (s *QueueStore) Preview(limit int) []models.UsageBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > len(s.queue) {
		limit = len(s.queue)
	}
	return append([]models.UsageBatch(nil), s.queue[:limit]...)
}
