// Package probes holds the OS-facing collaborator contracts: the foreground
// process query, the per-interface counter snapshot, and the host status
// snapshot. Collectors take these as function values so tests can substitute
// synthetic observations.
package probes

import (
	"github.com/nuscape/windows-agent/internal/models"
)

// OperStatusUp is the normalized operational status for a usable interface.
// Platform probes translate their native status codes to this value.
const OperStatusUp = 1

// InterfaceRow is one row of the interface counter snapshot.
type InterfaceRow struct {
	Description string
	Type        uint32
	OperStatus  int
	InOctets    uint64
	OutOctets   uint64
}

// Foreground returns the lowercased basename of the executable owning the
// foreground window, or ok=false when there is none.
type Foreground func() (name string, ok bool)

// InterfaceSnapshot returns cumulative counters for all interfaces.
type InterfaceSnapshot func() ([]InterfaceRow, error)

// HostStatus returns a best-effort device status snapshot.
type HostStatus func() models.DeviceStatus
