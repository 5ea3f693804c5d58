package collectors

import (
	"github.com/nuscape/windows-agent/internal/models"
	"github.com/nuscape/windows-agent/internal/probes"
)

// StatusProvider snapshots volatile host facts at call time. All fields are
// best-effort; a missing probe yields the documented defaults.
type StatusProvider struct {
	probe probes.HostStatus
}

// NewStatusProvider creates a provider over the given host status probe.
func NewStatusProvider(probe probes.HostStatus) *StatusProvider {
	return &StatusProvider{probe: probe}
}

// Build returns the current status snapshot.
func (p *StatusProvider) Build() models.DeviceStatus {
	if p.probe == nil {
		return models.DeviceStatus{BatteryPct: -1.0, TimeZoneID: "UTC"}
	}
	status := p.probe()
	if status.TimeZoneID == "" {
		status.TimeZoneID = "UTC"
	}
	return status
}
