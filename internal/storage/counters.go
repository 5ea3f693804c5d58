package storage

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/nuscape/windows-agent/internal/models"
	"github.com/nuscape/windows-agent/internal/pkg/fsutil"
)

// CounterStore persists the last-seen cumulative byte counters per interface
// description. Only the network collector touches it.
type CounterStore struct {
	mu    sync.Mutex
	cache map[string]models.NetworkCounters
	path  string
}

// NewCounterStore loads persisted counters; a missing or unparseable file
// yields an empty mapping.
func NewCounterStore(paths *Paths) (*CounterStore, error) {
	s := &CounterStore{
		path:  paths.CountersPath(),
		cache: make(map[string]models.NetworkCounters),
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		return s, nil
	}
	if err := json.Unmarshal(data, &s.cache); err != nil {
		s.cache = make(map[string]models.NetworkCounters)
	}
	return s, nil
}

// Load returns a snapshot clone of the current mapping.
func (s *CounterStore) Load() map[string]models.NetworkCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := make(map[string]models.NetworkCounters, len(s.cache))
	for k, v := range s.cache {
		clone[k] = v
	}
	return clone
}

// Save replaces the entire mapping and persists it. Interfaces absent from
// the new mapping are forgotten.
func (s *CounterStore) Save(counters map[string]models.NetworkCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = counters
	serialized, err := json.MarshalIndent(s.cache, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteAtomic(s.path, serialized)
}
