package collectors

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nuscape/windows-agent/internal/metrics"
	"github.com/nuscape/windows-agent/internal/models"
	"github.com/nuscape/windows-agent/internal/probes"
)

const (
	// SampleInterval is the foreground sampling cadence.
	SampleInterval = 5 * time.Second

	// minSession filters accidental taps.
	minSession = 5 * time.Second
	// mergeGap absorbs transient focus changes; it also bounds how stale an
	// active session may be before a drain finalizes it.
	mergeGap = 10 * time.Second
	// maxSession caps runaway sessions when the host is left unlocked.
	maxSession = 8 * time.Hour
)

// System shells and host processes that never count as application use.
var blockedNames = map[string]bool{
	"explorer.exe":       true,
	"systemsettings.exe": true,
	"taskmgr.exe":        true,
	"searchui.exe":       true,
	"sihost.exe":         true,
}

var blockedPrefixes = []string{
	"fontdrvhost",
	"applicationframehost",
	"shellexperiencehost",
	"startmenuexperiencehost",
}

type rawSession struct {
	pkg   string
	start time.Time
	end   time.Time
}

type activeSession struct {
	pkg       string
	startedAt time.Time
	lastSeen  time.Time
}

// SessionTracker converts 5-second foreground samples into merged, clipped,
// filtered usage intervals. The sampler feeds Observe while the collector
// drains; a single lock covers the whole state.
type SessionTracker struct {
	probe probes.Foreground

	mu        sync.Mutex
	current   *activeSession
	completed []rawSession
}

// NewSessionTracker creates a tracker reading from the given foreground probe.
func NewSessionTracker(probe probes.Foreground) *SessionTracker {
	return &SessionTracker{probe: probe}
}

// SampleOnce queries the foreground probe and feeds the observation in.
func (t *SessionTracker) SampleOnce() {
	name := ""
	if t.probe != nil {
		if pkg, ok := t.probe(); ok {
			name = pkg
		}
	}
	t.Observe(name, time.Now().UTC())
}

// Observe feeds one foreground sample. An empty name means no foreground
// window; blocked system processes are treated the same way.
func (t *SessionTracker) Observe(name string, now time.Time) {
	pkg := strings.ToLower(name)
	if !shouldTrack(pkg) {
		pkg = ""
	}
	metrics.RecordSample(pkg != "")

	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.current == nil && pkg == "":
	case t.current == nil:
		t.current = &activeSession{pkg: pkg, startedAt: now, lastSeen: now}
	case pkg == "":
		t.finalizeCurrentLocked()
	case t.current.pkg == pkg:
		t.current.lastSeen = now
	default:
		t.finalizeCurrentLocked()
		t.current = &activeSession{pkg: pkg, startedAt: now, lastSeen: now}
	}
}

// finalizeCurrentLocked moves the active session into the completed list.
// Sub-minimum sessions are kept here so they still separate neighboring
// sessions during the merge sweep; the minimum filter runs after merging.
func (t *SessionTracker) finalizeCurrentLocked() {
	if t.current == nil {
		return
	}
	active := t.current
	t.current = nil
	end := active.lastSeen
	if end.Before(active.startedAt) {
		end = active.startedAt
	}
	if end.Sub(active.startedAt) >= minSession {
		metrics.RecordSessionCompleted()
	}
	t.completed = append(t.completed, rawSession{pkg: active.pkg, start: active.startedAt, end: end})
}

// Drain consumes the completed sessions whose end falls within the window and
// returns them merged and converted. A stale active session (no sample for
// longer than the merge gap) is finalized and included; a live one is
// reported at its current extent and keeps tracking, so a later drain may
// re-deliver it with the same windowStart and a longer extent (the server
// upserts on device, windowStart, and package).
func (t *SessionTracker) Drain(now time.Time, window time.Duration) []models.UsageSession {
	cutoff := now.Add(-window)

	t.mu.Lock()
	if t.current != nil && now.Sub(t.current.lastSeen) > mergeGap {
		t.finalizeCurrentLocked()
	}
	raw := make([]rawSession, 0, len(t.completed)+1)
	for _, session := range t.completed {
		if !session.end.Before(cutoff) {
			raw = append(raw, session)
		}
	}
	t.completed = nil
	if t.current != nil {
		end := t.current.lastSeen
		if end.Before(t.current.startedAt) {
			end = t.current.startedAt
		}
		if !end.Before(cutoff) {
			raw = append(raw, rawSession{pkg: t.current.pkg, start: t.current.startedAt, end: end})
		}
	}
	t.mu.Unlock()

	return mergeAndConvert(raw)
}

// mergeAndConvert sorts by start, merges adjacent same-package sessions whose
// gap is within the merge threshold, drops merged intervals under the
// minimum, and clips those over the cap.
func mergeAndConvert(raw []rawSession) []models.UsageSession {
	sessions := make([]models.UsageSession, 0, len(raw))
	if len(raw) == 0 {
		return sessions
	}
	sort.Slice(raw, func(i, j int) bool { return raw[i].start.Before(raw[j].start) })

	merged := make([]rawSession, 0, len(raw))
	merged = append(merged, raw[0])
	for _, session := range raw[1:] {
		last := &merged[len(merged)-1]
		if last.pkg == session.pkg && session.start.Sub(last.end) <= mergeGap {
			if session.end.After(last.end) {
				last.end = session.end
			}
			continue
		}
		merged = append(merged, session)
	}

	for _, session := range merged {
		total := session.end.Sub(session.start)
		if total < minSession {
			continue
		}
		if total > maxSession {
			session.end = session.start.Add(maxSession)
			total = maxSession
		}
		sessions = append(sessions, models.UsageSession{
			Package:     session.pkg,
			WindowStart: session.start,
			WindowEnd:   session.end,
			TotalMs:     uint64(total.Milliseconds()),
			Foreground:  true,
		})
	}
	return sessions
}

func shouldTrack(pkg string) bool {
	if pkg == "" || blockedNames[pkg] {
		return false
	}
	for _, prefix := range blockedPrefixes {
		if strings.HasPrefix(pkg, prefix) {
			return false
		}
	}
	return true
}
