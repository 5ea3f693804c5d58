package collectors

import (
	"fmt"
	"sync"
	"time"

	"github.com/nuscape/windows-agent/internal/logging"
	"github.com/nuscape/windows-agent/internal/models"
	"github.com/nuscape/windows-agent/internal/probes"
	"github.com/nuscape/windows-agent/internal/storage"
)

const (
	wifiInterfaceType = 71
)

var cellularInterfaceTypes = map[uint32]bool{243: true, 244: true}

// NetworkCollector turns monotonic per-interface byte counters into bounded,
// non-negative deltas across samples. A counter reset reports zero on that
// side, never a wrapped difference; an interface seen for the first time
// reports its full current reading.
type NetworkCollector struct {
	store *storage.CounterStore
	probe probes.InterfaceSnapshot

	mu        sync.Mutex
	seenOther map[uint32]bool
}

// NewNetworkCollector creates a collector over the given counter store and
// interface probe.
func NewNetworkCollector(store *storage.CounterStore, probe probes.InterfaceSnapshot) *NetworkCollector {
	return &NetworkCollector{
		store:     store,
		probe:     probe,
		seenOther: make(map[uint32]bool),
	}
}

// Collect snapshots the active interfaces, diffs them against the persisted
// counters, and persists the new snapshot wholesale. Interfaces that
// disappeared are implicitly forgotten.
func (c *NetworkCollector) Collect(now time.Time) ([]models.NetworkDelta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	totals, err := c.snapshot(now)
	if err != nil {
		return nil, err
	}
	previous := c.store.Load()

	deltas := make([]models.NetworkDelta, 0, len(totals))
	for iface, total := range totals {
		deltaWifi := total.WifiTotal
		deltaCell := total.CellTotal
		if last, ok := previous[iface]; ok {
			deltaWifi = saturatingSub(total.WifiTotal, last.WifiTotal)
			deltaCell = saturatingSub(total.CellTotal, last.CellTotal)
		}
		if deltaWifi == 0 && deltaCell == 0 {
			continue
		}
		deltas = append(deltas, models.NetworkDelta{
			Package:       fmt.Sprintf("iface::%s", iface),
			SampledAt:     now,
			WifiBytes:     deltaWifi,
			CellularBytes: deltaCell,
		})
	}

	if err := c.store.Save(totals); err != nil {
		return nil, err
	}
	return deltas, nil
}

func (c *NetworkCollector) snapshot(now time.Time) (map[string]models.NetworkCounters, error) {
	if c.probe == nil {
		return map[string]models.NetworkCounters{}, nil
	}
	rows, err := c.probe()
	if err != nil {
		return nil, err
	}
	totals := make(map[string]models.NetworkCounters, len(rows))
	for _, row := range rows {
		if row.OperStatus != probes.OperStatusUp || row.Description == "" {
			continue
		}
		wifi, cell := c.categorize(row)
		totals[row.Description] = models.NetworkCounters{
			WifiTotal: wifi,
			CellTotal: cell,
			SampledAt: now,
		}
	}
	return totals, nil
}

// categorize attributes the interface total to one bucket. Wired and other
// non-cellular links are counted as wifi on purpose: only the cellular split
// matters for billing.
func (c *NetworkCollector) categorize(row probes.InterfaceRow) (wifi, cell uint64) {
	total := row.InOctets + row.OutOctets
	switch {
	case row.Type == wifiInterfaceType:
		return total, 0
	case cellularInterfaceTypes[row.Type]:
		return 0, total
	default:
		if !c.seenOther[row.Type] {
			c.seenOther[row.Type] = true
			logging.Op().Debug("counting unrecognized link type as wifi",
				"type", row.Type, "iface", row.Description)
		}
		return total, 0
	}
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
