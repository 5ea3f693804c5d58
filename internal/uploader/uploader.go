package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-cleanhttp"

	"github.com/nuscape/windows-agent/internal/auth"
	"github.com/nuscape/windows-agent/internal/config"
	"github.com/nuscape/windows-agent/internal/logging"
	"github.com/nuscape/windows-agent/internal/metrics"
	"github.com/nuscape/windows-agent/internal/models"
	"github.com/nuscape/windows-agent/internal/observability"
	"github.com/nuscape/windows-agent/internal/storage"
)

const (
	userAgent = "NuScape-Windows-Agent/1.0"

	maxAttempts    = 3
	initialBackoff = 1 * time.Second
	maxBackoff     = 10 * time.Second
	requestTimeout = 30 * time.Second

	defaultExpiresIn = 86_400
)

// Uploader drains the batch queue: it chunks the head batch, posts each chunk
// under bearer auth with transparent token refresh and bounded retries, and
// pops the batch only after every chunk is accepted.
type Uploader struct {
	client  *http.Client
	config  *config.Store
	tokens  *auth.TokenStore
	queue   *storage.QueueStore
	journal *logging.Journal

	mu sync.Mutex
}

// New creates an uploader over the config, token, and queue stores.
func New(configStore *config.Store, tokenStore *auth.TokenStore, queue *storage.QueueStore) *Uploader {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = requestTimeout
	return &Uploader{
		client: client,
		config: configStore,
		tokens: tokenStore,
		queue:  queue,
	}
}

// SetJournal attaches an optional upload journal.
func (u *Uploader) SetJournal(journal *logging.Journal) {
	u.journal = journal
}

type requestOutcome struct {
	success bool
	failure models.FailureReason
	body    string
}

// UploadPending drains the queue until it is empty or a failure stops
// progress. Expected failure conditions are reported in the result, never as
// an error; only unexpected conditions (chunk serialization, queue
// persistence) propagate. Invocations are single-flight: concurrent callers
// serialize.
func (u *Uploader) UploadPending(ctx context.Context) (models.UploadResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	ctx, span := observability.StartSpan(ctx, "agent.upload",
		observability.AttrQueueDepth.Int(u.queue.Size()))
	defer span.End()
	started := time.Now()

	result, err := u.uploadPending(ctx)

	entry := logging.UploadEntry{
		UploadedBatches: result.UploadedBatches,
		DurationMs:      time.Since(started).Milliseconds(),
		Success:         err == nil && result.FailureReason == "",
		FailureReason:   string(result.FailureReason),
	}
	u.journal.Record(entry)

	span.SetAttributes(observability.AttrUploaded.Int(result.UploadedBatches))
	if err != nil {
		observability.SetSpanError(span, err)
		return result, err
	}
	if result.FailureReason != "" {
		metrics.RecordUploadFailure(string(result.FailureReason))
		span.SetAttributes(observability.AttrFailureReason.String(string(result.FailureReason)))
	}
	observability.SetSpanOK(span)
	return result, nil
}

func (u *Uploader) uploadPending(ctx context.Context) (models.UploadResult, error) {
	cfg, err := u.config.ResolveUploadConfig()
	if err != nil {
		logging.Op().Warn("upload blocked", "error", err)
		return models.UploadResult{FailureReason: models.FailureMissingConfig}, nil
	}

	uploaded := 0
	for {
		batch, ok := u.queue.Peek()
		if !ok {
			return models.UploadResult{UploadedBatches: uploaded}, nil
		}
		chunks, err := batch.Chunked(models.DefaultChunkSessionLimit, models.DefaultChunkByteLimit)
		if err != nil {
			return models.UploadResult{UploadedBatches: uploaded}, fmt.Errorf("chunk batch: %w", err)
		}

		chunkIndex := 0
		refreshed := false
		var failure models.FailureReason

		for chunkIndex < len(chunks) {
			token, ok := u.tokens.AccessToken()
			if !ok {
				return models.UploadResult{
					UploadedBatches: uploaded,
					FailureReason:   models.FailureMissingToken,
				}, nil
			}
			if u.tokens.IsAccessTokenExpired(time.Now().UTC()) {
				if !refreshed && u.tryRefresh(ctx, cfg) {
					refreshed = true
					continue
				}
				return models.UploadResult{
					UploadedBatches: uploaded,
					FailureReason:   models.FailureTokenExpired,
				}, nil
			}

			payload, err := chunks[chunkIndex].MarshalPayload()
			if err != nil {
				return models.UploadResult{UploadedBatches: uploaded}, fmt.Errorf("serialize chunk: %w", err)
			}
			chunkCtx, chunkSpan := observability.StartClientSpan(ctx, "agent.upload.chunk",
				observability.AttrChunkIndex.Int(chunkIndex),
				observability.AttrChunkCount.Int(len(chunks)))
			outcome, err := u.executeRequest(chunkCtx, cfg.BatchURL, token, payload)
			if err != nil {
				observability.SetSpanError(chunkSpan, err)
				chunkSpan.End()
				return models.UploadResult{UploadedBatches: uploaded}, err
			}
			if outcome.success {
				observability.SetSpanOK(chunkSpan)
				chunkSpan.End()
				chunkIndex++
				refreshed = false
				continue
			}
			chunkSpan.SetAttributes(observability.AttrFailureReason.String(string(outcome.failure)))
			chunkSpan.End()

			reason := outcome.failure
			if reason == models.FailureUnauthorized && !refreshed {
				if u.tryRefresh(ctx, cfg) {
					refreshed = true
					continue
				}
			}
			if reason == models.FailureUnauthorized {
				if err := u.tokens.Clear(); err != nil {
					logging.Op().Warn("failed to clear tokens", "error", err)
				}
			}
			failure = reason
			break
		}

		if failure != "" {
			return models.UploadResult{UploadedBatches: uploaded, FailureReason: failure}, nil
		}

		if _, ok, err := u.queue.Pop(); err != nil {
			return models.UploadResult{UploadedBatches: uploaded}, fmt.Errorf("pop batch after success: %w", err)
		} else if !ok {
			return models.UploadResult{UploadedBatches: uploaded}, errors.New("batch disappeared before removal")
		}
		uploaded += len(chunks)
		metrics.RecordBatchUploaded()
	}
}

// executeRequest posts the payload, classifying the response and retrying
// transient failures with exponential backoff. The payload buffer is reused
// across attempts; only the request envelope is rebuilt.
func (u *Uploader) executeRequest(ctx context.Context, url, token string, payload []byte) (requestOutcome, error) {
	started := time.Now()
	defer func() {
		metrics.ObserveUploadRequestDuration(float64(time.Since(started).Milliseconds()))
	}()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = initialBackoff
	expo.MaxInterval = maxBackoff
	expo.Multiplier = 2
	expo.RandomizationFactor = 0

	attempt := 0
	var lastOutcome requestOutcome
	operation := func() (requestOutcome, error) {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return requestOutcome{}, backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", userAgent)

		resp, err := u.client.Do(req)
		if err != nil {
			logging.Op().Warn("upload attempt failed", "attempt", attempt, "error", err)
			lastOutcome = requestOutcome{failure: models.FailureNetworkError}
			return lastOutcome, err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return requestOutcome{success: true, body: string(body)}, nil
		}
		outcome := requestOutcome{failure: classifyStatus(resp.StatusCode), body: string(body)}
		lastOutcome = outcome
		if outcome.failure == models.FailureNetworkError {
			return outcome, fmt.Errorf("transient status %d", resp.StatusCode)
		}
		// Terminal classification, handed back without retrying.
		return outcome, nil
	}

	outcome, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(maxAttempts),
	)
	if err != nil {
		if lastOutcome.failure != "" {
			return lastOutcome, nil
		}
		return requestOutcome{}, err
	}
	return outcome, nil
}

func classifyStatus(status int) models.FailureReason {
	switch {
	case status == http.StatusUnauthorized:
		return models.FailureUnauthorized
	case status == http.StatusRequestTimeout || (status >= 500 && status <= 504):
		return models.FailureNetworkError
	default:
		return models.FailureServerError
	}
}

// tryRefresh exchanges the refresh token for a fresh access token. Any
// failure leaves the stored tokens untouched, except a 401, which clears
// them.
func (u *Uploader) tryRefresh(ctx context.Context, cfg config.UploadConfig) bool {
	refresh, ok := u.tokens.RefreshToken()
	if !ok {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.RefreshURL, strings.NewReader("{}"))
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+refresh)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := u.client.Do(req)
	if err != nil {
		logging.Op().Warn("token refresh failed", "error", err)
		metrics.RecordTokenRefresh("failed")
		return false
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logging.Op().Warn("token refresh rejected", "status", resp.StatusCode)
		if resp.StatusCode == http.StatusUnauthorized {
			if err := u.tokens.Clear(); err != nil {
				logging.Op().Warn("failed to clear tokens", "error", err)
			}
			metrics.RecordTokenRefresh("unauthorized")
		} else {
			metrics.RecordTokenRefresh("failed")
		}
		return false
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    *int64 `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.AccessToken == "" {
		logging.Op().Warn("token refresh response malformed", "error", err)
		metrics.RecordTokenRefresh("failed")
		return false
	}
	newRefresh := parsed.RefreshToken
	if newRefresh == "" {
		newRefresh = refresh
	}
	expires := int64(defaultExpiresIn)
	if parsed.ExpiresIn != nil {
		expires = *parsed.ExpiresIn
	}
	if err := u.tokens.SaveTokens(parsed.AccessToken, newRefresh, expires, time.Now().UTC()); err != nil {
		logging.Op().Warn("failed to persist refreshed tokens", "error", err)
		metrics.RecordTokenRefresh("failed")
		return false
	}
	metrics.RecordTokenRefresh("success")
	return true
}
