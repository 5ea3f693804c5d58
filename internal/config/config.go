package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/nuscape/windows-agent/internal/pkg/fsutil"
	"github.com/nuscape/windows-agent/internal/storage"
)

// ErrMissingConfig is returned when the API base URL has not been set.
var ErrMissingConfig = errors.New("api base url not configured")

const (
	batchEndpoint    = "api/v1/usage/batch"
	refreshEndpoint  = "api/v1/devices/refresh"
	registerEndpoint = "api/v1/devices/register"
)

// UploadConfig carries the endpoint URLs derived from the API base.
type UploadConfig struct {
	BaseURL     string
	BatchURL    string
	RefreshURL  string
	RegisterURL string
}

type configRecord struct {
	APIBase *string `json:"api_base"`
}

// Store persists the single optional API base URL in config.json.
type Store struct {
	mu     sync.Mutex
	record configRecord
	path   string
}

// NewStore loads config.json; a missing or unparseable file is an unset base.
func NewStore(paths *storage.Paths) (*Store, error) {
	s := &Store{path: paths.ConfigPath()}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		return s, nil
	}
	if err := json.Unmarshal(data, &s.record); err != nil {
		s.record = configRecord{}
	}
	return s, nil
}

// SetAPIBase stores and persists the API base URL.
func (s *Store) SetAPIBase(base string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.APIBase = &base
	serialized, err := json.MarshalIndent(&s.record, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteAtomic(s.path, serialized)
}

// APIBase returns the configured base URL, if any.
func (s *Store) APIBase() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record.APIBase == nil || *s.record.APIBase == "" {
		return "", false
	}
	return *s.record.APIBase, true
}

// ResolveUploadConfig derives the endpoint URLs from the API base, normalizing
// a missing trailing slash. Fails with ErrMissingConfig when the base is unset.
func (s *Store) ResolveUploadConfig() (UploadConfig, error) {
	base, ok := s.APIBase()
	if !ok {
		return UploadConfig{}, ErrMissingConfig
	}
	u, err := url.Parse(base)
	if err != nil || !u.IsAbs() {
		return UploadConfig{}, fmt.Errorf("invalid api base url %q", base)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return UploadConfig{
		BaseURL:     u.String(),
		BatchURL:    u.JoinPath(strings.Split(batchEndpoint, "/")...).String(),
		RefreshURL:  u.JoinPath(strings.Split(refreshEndpoint, "/")...).String(),
		RegisterURL: u.JoinPath(strings.Split(registerEndpoint, "/")...).String(),
	}, nil
}
