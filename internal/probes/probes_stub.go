//go:build !windows

package probes

import (
	"time"

	"github.com/nuscape/windows-agent/internal/models"
)

// ForegroundPackage reports no foreground window on non-Windows hosts.
func ForegroundPackage() (string, bool) {
	return "", false
}

// InterfaceTable reports no interfaces on non-Windows hosts.
func InterfaceTable() ([]InterfaceRow, error) {
	return nil, nil
}

// Status returns the default status snapshot.
func Status() models.DeviceStatus {
	tz, _ := time.Now().Zone()
	if tz == "" {
		tz = "UTC"
	}
	return models.DeviceStatus{
		Overlay:    true,
		BatteryPct: -1.0,
		TimeZoneID: tz,
	}
}
