package uploader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nuscape/windows-agent/internal/auth"
	"github.com/nuscape/windows-agent/internal/config"
	"github.com/nuscape/windows-agent/internal/models"
	"github.com/nuscape/windows-agent/internal/storage"
)

type fixture struct {
	uploader *Uploader
	config   *config.Store
	tokens   *auth.TokenStore
	queue    *storage.QueueStore
}

func newFixture(t *testing.T, baseURL string) *fixture {
	t.Helper()
	paths, err := storage.NewPathsAt(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	configStore, err := config.NewStore(paths)
	if err != nil {
		t.Fatal(err)
	}
	if baseURL != "" {
		if err := configStore.SetAPIBase(baseURL); err != nil {
			t.Fatal(err)
		}
	}
	tokenStore, err := auth.NewTokenStore(paths)
	if err != nil {
		t.Fatal(err)
	}
	queue, err := storage.NewQueueStore(paths)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		uploader: New(configStore, tokenStore, queue),
		config:   configStore,
		tokens:   tokenStore,
		queue:    queue,
	}
}

func (f *fixture) saveValidTokens(t *testing.T) {
	t.Helper()
	if err := f.tokens.SaveTokens("access-1", "refresh-1", 3600, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) saveExpiredTokens(t *testing.T) {
	t.Helper()
	if err := f.tokens.SaveTokens("access-old", "refresh-1", 3600, time.Now().UTC().Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) enqueue(t *testing.T, sessionCount int) {
	t.Helper()
	now := time.Now().UTC()
	sessions := make([]models.UsageSession, 0, sessionCount)
	for i := 0; i < sessionCount; i++ {
		start := now.Add(time.Duration(i) * time.Minute)
		sessions = append(sessions, models.UsageSession{
			Package:     "app.exe",
			WindowStart: start,
			WindowEnd:   start.Add(30 * time.Second),
			TotalMs:     30_000,
			Foreground:  true,
		})
	}
	batch := models.UsageBatch{
		DeviceID:      uuid.New(),
		SentAt:        now,
		Sessions:      sessions,
		NetworkDeltas: []models.NetworkDelta{},
	}
	if err := f.queue.Enqueue(batch); err != nil {
		t.Fatal(err)
	}
}

// refreshHandler serves the token refresh endpoint, rotating refresh-1 into
// access-2.
func refreshHandler(t *testing.T, status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer refresh-1" {
			t.Errorf("refresh used %q", got)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-2",
			"refresh_token": "refresh-2",
			"expires_in":    3600,
		})
	}
}

func TestUploadSingleBatch(t *testing.T) {
	hits := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/usage/batch", func(w http.ResponseWriter, r *http.Request) {
		hits++
		if got := r.Header.Get("Authorization"); got != "Bearer access-1" {
			t.Errorf("unexpected auth header %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("unexpected content type %q", got)
		}
		if got := r.Header.Get("User-Agent"); !strings.HasPrefix(got, "NuScape-Windows-Agent/") {
			t.Errorf("unexpected user agent %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	f := newFixture(t, server.URL)
	f.saveValidTokens(t)
	f.enqueue(t, 3)

	result, err := f.uploader.UploadPending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.FailureReason != "" || result.UploadedBatches != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if hits != 1 {
		t.Fatalf("expected 1 request, got %d", hits)
	}
	if f.queue.HasPending() {
		t.Fatal("batch not removed after upload")
	}
}

func TestUploadSplitsLargeBatch(t *testing.T) {
	var sizes []int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/usage/batch", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Sessions []json.RawMessage `json:"sessions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		sizes = append(sizes, len(body.Sessions))
		w.WriteHeader(http.StatusCreated)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	f := newFixture(t, server.URL)
	f.saveValidTokens(t)
	f.enqueue(t, 150)

	result, err := f.uploader.UploadPending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.FailureReason != "" {
		t.Fatalf("unexpected failure: %+v", result)
	}
	if len(sizes) != 2 || sizes[0] != 100 || sizes[1] != 50 {
		t.Fatalf("unexpected chunk sizes: %v", sizes)
	}
	if result.UploadedBatches != 2 {
		t.Fatalf("expected 2 uploaded chunks, got %d", result.UploadedBatches)
	}
	if f.queue.HasPending() {
		t.Fatal("batch not removed after upload")
	}
}

func TestUploadWithoutConfig(t *testing.T) {
	f := newFixture(t, "")
	f.saveValidTokens(t)
	f.enqueue(t, 1)

	result, err := f.uploader.UploadPending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.FailureReason != models.FailureMissingConfig {
		t.Fatalf("expected MISSING_CONFIG, got %+v", result)
	}
	if !f.queue.HasPending() {
		t.Fatal("batch dropped without an upload")
	}
}

func TestUploadWithoutToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request sent without a token")
	}))
	defer server.Close()

	f := newFixture(t, server.URL)
	f.enqueue(t, 1)

	result, err := f.uploader.UploadPending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.FailureReason != models.FailureMissingToken {
		t.Fatalf("expected MISSING_TOKEN, got %+v", result)
	}
}

func TestUploadRefreshesExpiredToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/devices/refresh", refreshHandler(t, http.StatusOK))
	mux.HandleFunc("/api/v1/usage/batch", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer access-2" {
			t.Errorf("upload used stale token %q", got)
		}
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	f := newFixture(t, server.URL)
	f.saveExpiredTokens(t)
	f.enqueue(t, 1)

	result, err := f.uploader.UploadPending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.FailureReason != "" || result.UploadedBatches != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	refresh, _ := f.tokens.RefreshToken()
	if refresh != "refresh-2" {
		t.Fatalf("rotated refresh token not stored: %q", refresh)
	}
}

func TestUploadRecoversFromServer401(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/devices/refresh", refreshHandler(t, http.StatusOK))
	mux.HandleFunc("/api/v1/usage/batch", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer access-2" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	f := newFixture(t, server.URL)
	f.saveValidTokens(t)
	f.enqueue(t, 1)

	result, err := f.uploader.UploadPending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.FailureReason != "" || result.UploadedBatches != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestUploadClearsTokensWhenRefreshRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/devices/refresh", refreshHandler(t, http.StatusUnauthorized))
	mux.HandleFunc("/api/v1/usage/batch", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	f := newFixture(t, server.URL)
	f.saveValidTokens(t)
	f.enqueue(t, 1)

	result, err := f.uploader.UploadPending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.FailureReason != models.FailureUnauthorized {
		t.Fatalf("expected UNAUTHORIZED, got %+v", result)
	}
	if f.tokens.HasTokens() {
		t.Fatal("tokens kept after a rejected refresh")
	}
	if !f.queue.HasPending() {
		t.Fatal("batch dropped on auth failure")
	}
}

func TestUploadRetriesTransientErrors(t *testing.T) {
	hits := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/usage/batch", func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	f := newFixture(t, server.URL)
	f.saveValidTokens(t)
	f.enqueue(t, 1)

	result, err := f.uploader.UploadPending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.FailureReason != "" || result.UploadedBatches != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if hits != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits)
	}
}

func TestUploadGivesUpAfterMaxAttempts(t *testing.T) {
	hits := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/usage/batch", func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadGateway)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	f := newFixture(t, server.URL)
	f.saveValidTokens(t)
	f.enqueue(t, 1)

	result, err := f.uploader.UploadPending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.FailureReason != models.FailureNetworkError {
		t.Fatalf("expected NETWORK_ERROR, got %+v", result)
	}
	if hits != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits)
	}
	if !f.queue.HasPending() {
		t.Fatal("batch dropped on network failure")
	}
}

func TestUploadServerErrorIsNotRetried(t *testing.T) {
	hits := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/usage/batch", func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusUnprocessableEntity)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	f := newFixture(t, server.URL)
	f.saveValidTokens(t)
	f.enqueue(t, 1)

	result, err := f.uploader.UploadPending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.FailureReason != models.FailureServerError {
		t.Fatalf("expected SERVER_ERROR, got %+v", result)
	}
	if hits != 1 {
		t.Fatalf("4xx retried: %d attempts", hits)
	}
	if !f.queue.HasPending() {
		t.Fatal("batch dropped on server rejection")
	}
}

func TestUploadDrainsQueueInOrder(t *testing.T) {
	var order []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/usage/batch", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Sessions []struct {
				Package string `json:"package"`
			} `json:"sessions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		order = append(order, body.Sessions[0].Package)
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	f := newFixture(t, server.URL)
	f.saveValidTokens(t)
	now := time.Now().UTC()
	for _, pkg := range []string{"first.exe", "second.exe"} {
		batch := models.UsageBatch{
			DeviceID: uuid.New(),
			SentAt:   now,
			Sessions: []models.UsageSession{
				{Package: pkg, WindowStart: now, WindowEnd: now.Add(time.Minute), TotalMs: 60_000, Foreground: true},
			},
			NetworkDeltas: []models.NetworkDelta{},
		}
		if err := f.queue.Enqueue(batch); err != nil {
			t.Fatal(err)
		}
	}

	result, err := f.uploader.UploadPending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.UploadedBatches != 2 || result.FailureReason != "" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(order) != 2 || order[0] != "first.exe" || order[1] != "second.exe" {
		t.Fatalf("upload order: %v", order)
	}
}

func TestFailureReasonWireForm(t *testing.T) {
	data, err := json.Marshal(models.UploadResult{UploadedBatches: 2, FailureReason: models.FailureTokenExpired})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"uploaded_batches":2,"failure_reason":"TOKEN_EXPIRED"}` {
		t.Fatalf("unexpected wire form: %s", data)
	}
}
