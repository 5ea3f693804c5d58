//go:build windows

package probes

import (
	"fmt"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/nuscape/windows-agent/internal/models"
)

var (
	user32                       = windows.NewLazySystemDLL("user32.dll")
	procGetForegroundWindow      = user32.NewProc("GetForegroundWindow")
	procGetWindowThreadProcessId = user32.NewProc("GetWindowThreadProcessId")

	iphlpapi       = windows.NewLazySystemDLL("iphlpapi.dll")
	procGetIfTable = iphlpapi.NewProc("GetIfTable")

	kernel32                 = windows.NewLazySystemDLL("kernel32.dll")
	procGetSystemPowerStatus = kernel32.NewProc("GetSystemPowerStatus")

	shell32           = windows.NewLazySystemDLL("shell32.dll")
	procIsUserAnAdmin = shell32.NewProc("IsUserAnAdmin")
)

// MIB_IF_OPER_STATUS_OPERATIONAL from the legacy interface table API.
const mibIfOperStatusOperational = 5

// PPP, tunnel, and proprietary-virtual interface types that indicate an
// active VPN adapter.
var vpnInterfaceTypes = map[uint32]bool{23: true, 131: true, 166: true}

// ForegroundPackage resolves the executable basename of the process owning
// the foreground window.
func ForegroundPackage() (string, bool) {
	hwnd, _, _ := procGetForegroundWindow.Call()
	if hwnd == 0 {
		return "", false
	}
	var pid uint32
	procGetWindowThreadProcessId.Call(hwnd, uintptr(unsafe.Pointer(&pid)))
	if pid == 0 {
		return "", false
	}
	handle, err := windows.OpenProcess(
		windows.PROCESS_QUERY_INFORMATION|windows.PROCESS_QUERY_LIMITED_INFORMATION,
		false, pid)
	if err != nil {
		return "", false
	}
	defer windows.CloseHandle(handle)

	var buf [260]uint16
	if err := windows.GetModuleBaseName(handle, 0, &buf[0], uint32(len(buf))); err != nil {
		return "", false
	}
	name := strings.ToLower(windows.UTF16ToString(buf[:]))
	if name == "" {
		return "", false
	}
	return name, true
}

// InterfaceTable snapshots the interface table via GetIfTable, normalizing
// the legacy operational status to OperStatusUp.
func InterfaceTable() ([]InterfaceRow, error) {
	var size uint32
	ret, _, _ := procGetIfTable.Call(0, uintptr(unsafe.Pointer(&size)), 0)
	if ret != 0 && ret != uintptr(windows.ERROR_INSUFFICIENT_BUFFER) {
		return nil, fmt.Errorf("GetIfTable size query failed: %d", ret)
	}
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	ret, _, _ = procGetIfTable.Call(uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&size)), 0)
	if ret != 0 {
		return nil, fmt.Errorf("GetIfTable failed: %d", ret)
	}

	num := *(*uint32)(unsafe.Pointer(&buf[0]))
	rowSize := unsafe.Sizeof(windows.MibIfRow{})
	rows := make([]InterfaceRow, 0, num)
	for i := uintptr(0); i < uintptr(num); i++ {
		row := (*windows.MibIfRow)(unsafe.Pointer(&buf[4+i*rowSize]))
		descLen := row.DescrLen
		if descLen > uint32(len(row.Descr)) {
			descLen = uint32(len(row.Descr))
		}
		desc := strings.TrimSpace(strings.TrimRight(string(row.Descr[:descLen]), "\x00"))
		operStatus := 0
		if row.OperStatus == mibIfOperStatusOperational {
			operStatus = OperStatusUp
		}
		rows = append(rows, InterfaceRow{
			Description: desc,
			Type:        row.Type,
			OperStatus:  operStatus,
			InOctets:    uint64(row.InOctets),
			OutOctets:   uint64(row.OutOctets),
		})
	}
	return rows, nil
}

type systemPowerStatus struct {
	ACLineStatus        byte
	BatteryFlag         byte
	BatteryLifePercent  byte
	SystemStatusFlag    byte
	BatteryLifeTime     uint32
	BatteryFullLifeTime uint32
}

func batteryPercentage() float64 {
	var st systemPowerStatus
	ret, _, _ := procGetSystemPowerStatus.Call(uintptr(unsafe.Pointer(&st)))
	if ret == 0 || st.BatteryLifePercent == 255 {
		return -1.0
	}
	return float64(st.BatteryLifePercent) / 100.0
}

func isAdmin() bool {
	ret, _, _ := procIsUserAnAdmin.Call()
	return ret != 0
}

func timeZoneID() string {
	name, _ := time.Now().Zone()
	if name == "" {
		return "UTC"
	}
	return name
}

// Status snapshots volatile host facts. Every field is best-effort.
func Status() models.DeviceStatus {
	status := models.DeviceStatus{
		UsageAccess:   isAdmin(),
		Accessibility: false,
		Overlay:       true,
		BatteryPct:    batteryPercentage(),
		TimeZoneID:    timeZoneID(),
	}
	if rows, err := InterfaceTable(); err == nil {
		for _, row := range rows {
			if vpnInterfaceTypes[row.Type] && row.OperStatus == OperStatusUp {
				status.VPN = true
				break
			}
		}
	}
	return status
}
