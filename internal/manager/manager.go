package manager

import (
	"context"
	"time"

	"github.com/nuscape/windows-agent/internal/collectors"
	"github.com/nuscape/windows-agent/internal/config"
	"github.com/nuscape/windows-agent/internal/models"
	"github.com/nuscape/windows-agent/internal/observability"
	"github.com/nuscape/windows-agent/internal/storage"
)

// collectWindow bounds how far back a drain reaches.
const collectWindow = 24 * time.Hour

// Manager assembles collection cycles: it drains the session tracker, diffs
// the network counters, stamps the device id and status, and enqueues the
// resulting batch.
type Manager struct {
	sessions *collectors.SessionTracker
	network  *collectors.NetworkCollector
	status   *collectors.StatusProvider
	devices  *config.DeviceStore
	queue    *storage.QueueStore
}

// New creates a collection manager.
func New(
	sessions *collectors.SessionTracker,
	network *collectors.NetworkCollector,
	status *collectors.StatusProvider,
	devices *config.DeviceStore,
	queue *storage.QueueStore,
) *Manager {
	return &Manager{
		sessions: sessions,
		network:  network,
		status:   status,
		devices:  devices,
		queue:    queue,
	}
}

// CollectBatch assembles one batch from the current tracker and counter
// state. Returns nil when there is nothing to report.
func (m *Manager) CollectBatch(ctx context.Context) (*models.UsageBatch, error) {
	deviceID, err := m.devices.GetOrCreate()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	// The drain consumes tracker state, so every fallible step runs first; a
	// probe error here must not cost the cycle's sessions.
	deltas, err := m.network.Collect(now)
	if err != nil {
		return nil, err
	}
	sessions := m.sessions.Drain(now, collectWindow)
	if len(sessions) == 0 && len(deltas) == 0 {
		return nil, nil
	}

	status := m.status.Build()
	return &models.UsageBatch{
		DeviceID:      deviceID,
		SentAt:        now,
		Sessions:      sessions,
		NetworkDeltas: deltas,
		Status:        &status,
	}, nil
}

// CollectAndStore assembles a batch and enqueues it. Reports whether a batch
// was produced.
func (m *Manager) CollectAndStore(ctx context.Context) (bool, error) {
	ctx, span := observability.StartSpan(ctx, "agent.collect")
	defer span.End()

	batch, err := m.CollectBatch(ctx)
	if err != nil {
		observability.SetSpanError(span, err)
		return false, err
	}
	if batch == nil {
		observability.SetSpanOK(span)
		return false, nil
	}
	span.SetAttributes(
		observability.AttrBatchID.String(batch.DeviceID.String()),
		observability.AttrBatchSessions.Int(len(batch.Sessions)),
	)
	if err := m.queue.Enqueue(*batch); err != nil {
		observability.SetSpanError(span, err)
		return false, err
	}
	observability.SetSpanOK(span)
	return true, nil
}

// Queue exposes the batch queue for the CLI surface.
func (m *Manager) Queue() *storage.QueueStore {
	return m.queue
}
