package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxPayloadBytes is the hard ceiling for a serialized batch. Batches
	// above it are dropped at enqueue time.
	MaxPayloadBytes = 1_000_000

	// DefaultChunkSessionLimit caps sessions per wire chunk.
	DefaultChunkSessionLimit = 100

	// DefaultChunkByteLimit caps the serialized size of a wire chunk.
	DefaultChunkByteLimit = 100_000
)

// UsageSession is a contiguous interval of foreground use of one application.
type UsageSession struct {
	Package     string    `json:"package"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
	TotalMs     uint64    `json:"totalMs"`
	Foreground  bool      `json:"fg"`
}

// Duration returns the session length.
func (s UsageSession) Duration() time.Duration {
	return time.Duration(s.TotalMs) * time.Millisecond
}

// NetworkDelta is the bytes an interface transferred between two samples.
// At most one of WifiBytes and CellularBytes is non-zero.
type NetworkDelta struct {
	Package       string    `json:"package"`
	SampledAt     time.Time `json:"sampled_at"`
	WifiBytes     uint64    `json:"wifi_bytes"`
	CellularBytes uint64    `json:"cell_bytes"`
}

// NetworkCounters holds the last cumulative readings for one interface.
// Persisted state only, never transmitted.
type NetworkCounters struct {
	WifiTotal uint64    `json:"wifi"`
	CellTotal uint64    `json:"cell"`
	SampledAt time.Time `json:"sampled_at"`
}

// DeviceStatus is a best-effort snapshot of volatile host facts.
type DeviceStatus struct {
	UsageAccess   bool    `json:"usage_access"`
	Accessibility bool    `json:"accessibility"`
	Overlay       bool    `json:"overlay"`
	VPN           bool    `json:"vpn"`
	BatteryPct    float64 `json:"battery_pct"`
	TimeZoneID    string  `json:"tz"`
}

// UsageBatch is the transmitted payload: sessions plus network deltas for one
// collection cycle. On split, only the first chunk carries Status and
// NetworkDeltas.
type UsageBatch struct {
	DeviceID      uuid.UUID      `json:"device_id"`
	SentAt        time.Time      `json:"sent_at"`
	Sessions      []UsageSession `json:"sessions"`
	NetworkDeltas []NetworkDelta `json:"net_deltas"`
	Status        *DeviceStatus  `json:"status,omitempty"`
}

// MarshalPayload serializes the batch in its compact wire form. The same
// serialization is used for the size ceiling and the chunk byte limit.
func (b *UsageBatch) MarshalPayload() ([]byte, error) {
	return json.Marshal(b)
}

// SizeFits reports whether the serialized batch is within MaxPayloadBytes.
func (b *UsageBatch) SizeFits() bool {
	data, err := b.MarshalPayload()
	if err != nil {
		return false
	}
	return len(data) <= MaxPayloadBytes
}

// Chunked splits the batch into wire chunks of at most maxSessions sessions
// and maxBytes serialized bytes each. Sessions are partitioned in order; the
// first chunk carries the batch's network deltas and status, later chunks
// carry neither. A chunk is shrunk one session at a time until it fits, but
// never below a single session, so an oversized lone session is admitted
// as-is. A batch without sessions yields one chunk holding the metadata.
func (b *UsageBatch) Chunked(maxSessions, maxBytes int) ([]UsageBatch, error) {
	if len(b.Sessions) == 0 {
		return []UsageBatch{*b}, nil
	}

	var result []UsageBatch
	includeMeta := true
	index := 0

	for index < len(b.Sessions) {
		end := index + maxSessions
		if end > len(b.Sessions) {
			end = len(b.Sessions)
		}

		chunk := b.chunkAt(index, end, includeMeta)
		data, err := chunk.MarshalPayload()
		if err != nil {
			return nil, err
		}
		for len(data) > maxBytes && end-index > 1 {
			end--
			chunk = b.chunkAt(index, end, includeMeta)
			if data, err = chunk.MarshalPayload(); err != nil {
				return nil, err
			}
		}

		result = append(result, chunk)
		index = end
		includeMeta = false
	}

	return result, nil
}

func (b *UsageBatch) chunkAt(start, end int, includeMeta bool) UsageBatch {
	chunk := UsageBatch{
		DeviceID:      b.DeviceID,
		SentAt:        b.SentAt,
		Sessions:      append([]UsageSession(nil), b.Sessions[start:end]...),
		NetworkDeltas: []NetworkDelta{},
	}
	if includeMeta {
		chunk.NetworkDeltas = b.NetworkDeltas
		chunk.Status = b.Status
	}
	return chunk
}
