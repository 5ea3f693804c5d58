package agent

import (
	"context"
	"sync"
	"time"

	"github.com/nuscape/windows-agent/internal/collectors"
	"github.com/nuscape/windows-agent/internal/logging"
	"github.com/nuscape/windows-agent/internal/manager"
	"github.com/nuscape/windows-agent/internal/uploader"
)

const (
	// CollectInterval is how often tracked sessions and network counters are
	// assembled into a batch.
	CollectInterval = 15 * time.Minute
	// UploadInterval is how often the queue is drained to the server.
	UploadInterval = 60 * time.Second
)

// Runtime drives the three periodic loops of the agent: the foreground
// sampler, the batch collector, and the queue uploader. Each loop logs and
// continues on failure; nothing short of Stop ends them.
type Runtime struct {
	sessions *collectors.SessionTracker
	manager  *manager.Manager
	uploader *uploader.Uploader

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRuntime wires the scheduler over the tracker, manager, and uploader.
func NewRuntime(sessions *collectors.SessionTracker, m *manager.Manager, up *uploader.Uploader) *Runtime {
	return &Runtime{
		sessions: sessions,
		manager:  m,
		uploader: up,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the loops. Collection and upload run once immediately so a
// restart does not wait a full interval to move queued data.
func (r *Runtime) Start(ctx context.Context) {
	logging.Op().Info("agent runtime starting",
		"sample_interval", collectors.SampleInterval,
		"collect_interval", CollectInterval,
		"upload_interval", UploadInterval)

	r.wg.Add(3)
	go r.sampleLoop()
	go r.collectLoop(ctx)
	go r.uploadLoop(ctx)
}

// Stop signals the loops and waits for them to drain.
func (r *Runtime) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	logging.Op().Info("agent runtime stopped")
}

func (r *Runtime) sampleLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(collectors.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sessions.SampleOnce()
		}
	}
}

func (r *Runtime) collectLoop(ctx context.Context) {
	defer r.wg.Done()
	r.collectOnce(ctx)
	ticker := time.NewTicker(CollectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.collectOnce(ctx)
		}
	}
}

func (r *Runtime) collectOnce(ctx context.Context) {
	stored, err := r.manager.CollectAndStore(ctx)
	if err != nil {
		logging.Op().Error("collection cycle failed", "error", err)
		return
	}
	if stored {
		logging.Op().Debug("collection cycle stored a batch")
	}
}

func (r *Runtime) uploadLoop(ctx context.Context) {
	defer r.wg.Done()
	r.uploadOnce(ctx)
	ticker := time.NewTicker(UploadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.uploadOnce(ctx)
		}
	}
}

func (r *Runtime) uploadOnce(ctx context.Context) {
	result, err := r.uploader.UploadPending(ctx)
	if err != nil {
		logging.Op().Error("upload cycle failed", "error", err)
		return
	}
	if result.FailureReason != "" {
		logging.Op().Warn("upload cycle stopped early",
			"uploaded_batches", result.UploadedBatches,
			"failure_reason", string(result.FailureReason))
	} else if result.UploadedBatches > 0 {
		logging.Op().Info("upload cycle complete", "uploaded_batches", result.UploadedBatches)
	}
}

// Flush runs one final collect-and-upload pass, used during shutdown so
// in-memory sessions reach the durable queue.
func (r *Runtime) Flush(ctx context.Context) {
	r.collectOnce(ctx)
	r.uploadOnce(ctx)
}
