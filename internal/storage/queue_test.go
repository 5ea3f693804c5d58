package storage

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nuscape/windows-agent/internal/models"
)

func testPaths(t *testing.T) *Paths {
	t.Helper()
	paths, err := NewPathsAt(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return paths
}

func testBatch(pkg string) models.UsageBatch {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return models.UsageBatch{
		DeviceID: uuid.New(),
		SentAt:   now,
		Sessions: []models.UsageSession{
			{Package: pkg, WindowStart: now, WindowEnd: now.Add(time.Minute), TotalMs: 60_000, Foreground: true},
		},
		NetworkDeltas: []models.NetworkDelta{},
	}
}

func TestQueuePersistsAcrossReopen(t *testing.T) {
	paths := testPaths(t)
	q, err := NewQueueStore(paths)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(testBatch("a.exe")); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(testBatch("b.exe")); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewQueueStore(paths)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Size() != 2 {
		t.Fatalf("expected 2 batches after reopen, got %d", reopened.Size())
	}
	head, ok := reopened.Peek()
	if !ok || head.Sessions[0].Package != "a.exe" {
		t.Fatalf("head lost ordering: %+v", head)
	}
}

func TestQueuePopIsFIFO(t *testing.T) {
	q, err := NewQueueStore(testPaths(t))
	if err != nil {
		t.Fatal(err)
	}
	for _, pkg := range []string{"a.exe", "b.exe", "c.exe"} {
		if err := q.Enqueue(testBatch(pkg)); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []string{"a.exe", "b.exe", "c.exe"} {
		batch, ok, err := q.Pop()
		if err != nil {
			t.Fatal(err)
		}
		if !ok || batch.Sessions[0].Package != want {
			t.Fatalf("expected %s, got %+v", want, batch)
		}
	}
	if _, ok, _ := q.Pop(); ok {
		t.Fatal("pop on empty queue returned a batch")
	}
}

func TestQueueDropsOversizedBatch(t *testing.T) {
	q, err := NewQueueStore(testPaths(t))
	if err != nil {
		t.Fatal(err)
	}
	big := testBatch(strings.Repeat("x", models.MaxPayloadBytes+1))
	if err := q.Enqueue(big); err != nil {
		t.Fatalf("oversized enqueue must not error: %v", err)
	}
	if q.Size() != 0 {
		t.Fatalf("oversized batch was queued, size %d", q.Size())
	}
}

func TestQueueCorruptFileStartsEmpty(t *testing.T) {
	paths := testPaths(t)
	if err := os.WriteFile(paths.QueuePath(), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	q, err := NewQueueStore(paths)
	if err != nil {
		t.Fatal(err)
	}
	if q.Size() != 0 {
		t.Fatalf("corrupt file produced %d batches", q.Size())
	}
	if err := q.Enqueue(testBatch("a.exe")); err != nil {
		t.Fatal(err)
	}
}

func TestQueueFilePersistsEmptyList(t *testing.T) {
	paths := testPaths(t)
	q, err := NewQueueStore(paths)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(testBatch("a.exe")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := q.Pop(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(paths.QueuePath())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "[]" {
		t.Fatalf("empty queue persisted as %q, want a list", data)
	}

	if err := q.Enqueue(testBatch("b.exe")); err != nil {
		t.Fatal(err)
	}
	if err := q.Clear(); err != nil {
		t.Fatal(err)
	}
	data, err = os.ReadFile(paths.QueuePath())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "[]" {
		t.Fatalf("cleared queue persisted as %q, want a list", data)
	}
}

func TestQueueClearAndPreview(t *testing.T) {
	q, err := NewQueueStore(testPaths(t))
	if err != nil {
		t.Fatal(err)
	}
	for _, pkg := range []string{"a.exe", "b.exe", "c.exe"} {
		if err := q.Enqueue(testBatch(pkg)); err != nil {
			t.Fatal(err)
		}
	}
	preview := q.Preview(2)
	if len(preview) != 2 || preview[0].Sessions[0].Package != "a.exe" {
		t.Fatalf("unexpected preview: %+v", preview)
	}
	if err := q.Clear(); err != nil {
		t.Fatal(err)
	}
	if q.HasPending() {
		t.Fatal("queue not empty after clear")
	}
}

func TestCounterStoreRoundtrip(t *testing.T) {
	paths := testPaths(t)
	store, err := NewCounterStore(paths)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	saved := map[string]models.NetworkCounters{
		"Wi-Fi": {WifiTotal: 1234, SampledAt: now},
	}
	if err := store.Save(saved); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewCounterStore(paths)
	if err != nil {
		t.Fatal(err)
	}
	loaded := reopened.Load()
	if got := loaded["Wi-Fi"]; got.WifiTotal != 1234 || !got.SampledAt.Equal(now) {
		t.Fatalf("counters lost on reopen: %+v", got)
	}

	// Save replaces wholesale: absent interfaces are forgotten.
	if err := reopened.Save(map[string]models.NetworkCounters{"Ethernet": {WifiTotal: 1}}); err != nil {
		t.Fatal(err)
	}
	if _, ok := reopened.Load()["Wi-Fi"]; ok {
		t.Fatal("stale interface survived a wholesale save")
	}
}
