package auth

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/nuscape/windows-agent/internal/pkg/fsutil"
	"github.com/nuscape/windows-agent/internal/storage"
)

// ErrNoRefreshToken is returned when a refresh is requested without a stored
// refresh token.
var ErrNoRefreshToken = errors.New("refresh token missing")

// expirySkew is subtracted from the token lifetime so the agent refreshes
// before the server-side expiry.
const expirySkew = 120 * time.Second

// TokenRecord is the persisted access/refresh token pair.
type TokenRecord struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	IssuedAt         time.Time `json:"issued_at"`
	ExpiresInSeconds int64     `json:"expires_in_seconds"`
}

// TokenStore caches the token record and keeps tokens.json in sync. The file
// is either absent or a complete record; writes go through a temp-file rename
// so a crash never leaves a partial pair.
type TokenStore struct {
	mu    sync.Mutex
	cache *TokenRecord
	path  string
}

// NewTokenStore loads tokens.json; absent or unparseable means no tokens.
func NewTokenStore(paths *storage.Paths) (*TokenStore, error) {
	s := &TokenStore{path: paths.TokensPath()}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		return s, nil
	}
	var record TokenRecord
	if err := json.Unmarshal(data, &record); err == nil {
		s.cache = &record
	}
	return s, nil
}

// AccessToken returns the cached access token, if any.
func (s *TokenStore) AccessToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		return "", false
	}
	return s.cache.AccessToken, true
}

// RefreshToken returns the cached refresh token, if any.
func (s *TokenStore) RefreshToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		return "", false
	}
	return s.cache.RefreshToken, true
}

// IsAccessTokenExpired reports whether the access token has passed its expiry
// minus the skew margin. Absent tokens are not "expired"; that case surfaces
// as a missing token instead.
func (s *TokenStore) IsAccessTokenExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		return false
	}
	expiry := s.cache.IssuedAt.
		Add(time.Duration(s.cache.ExpiresInSeconds) * time.Second).
		Add(-expirySkew)
	return !expiry.After(now)
}

// SaveTokens atomically replaces the cached record and the file.
func (s *TokenStore) SaveTokens(accessToken, refreshToken string, expiresInSeconds int64, issuedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := &TokenRecord{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		IssuedAt:         issuedAt,
		ExpiresInSeconds: expiresInSeconds,
	}
	serialized, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteAtomic(s.path, serialized); err != nil {
		return err
	}
	s.cache = record
	return nil
}

// HasTokens reports whether both tokens are present.
func (s *TokenStore) HasTokens() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache != nil && s.cache.AccessToken != "" && s.cache.RefreshToken != ""
}

// Clear drops the cached record and removes the file.
func (s *TokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = nil
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// EnsureRefreshable fails with ErrNoRefreshToken when no refresh token is
// stored.
func (s *TokenStore) EnsureRefreshable() error {
	if _, ok := s.RefreshToken(); !ok {
		return ErrNoRefreshToken
	}
	return nil
}
