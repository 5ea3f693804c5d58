package config

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nuscape/windows-agent/internal/pkg/fsutil"
	"github.com/nuscape/windows-agent/internal/storage"
)

type deviceRecord struct {
	DeviceID uuid.UUID `json:"device_id"`
	LastSeen time.Time `json:"last_seen"`
}

// DeviceStore persists the device UUID. Once generated the id is stable for
// the life of the data directory, unless registration overwrites it with a
// server-assigned one.
type DeviceStore struct {
	mu     sync.Mutex
	record *deviceRecord
	path   string
}

// NewDeviceStore loads device.json; absent or unparseable means no id yet.
func NewDeviceStore(paths *storage.Paths) (*DeviceStore, error) {
	s := &DeviceStore{path: paths.DevicePath()}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		return s, nil
	}
	var record deviceRecord
	if err := json.Unmarshal(data, &record); err == nil {
		s.record = &record
	}
	return s, nil
}

func (s *DeviceStore) persistLocked() error {
	serialized, err := json.MarshalIndent(s.record, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteAtomic(s.path, serialized)
}

// GetOrCreate returns the device id, minting and persisting a fresh UUIDv4 on
// first use. Every call stamps last_seen on disk.
func (s *DeviceStore) GetOrCreate() (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		s.record = &deviceRecord{DeviceID: uuid.New()}
	}
	s.record.LastSeen = time.Now().UTC()
	if err := s.persistLocked(); err != nil {
		return uuid.Nil, err
	}
	return s.record.DeviceID, nil
}

// Save overwrites the device id, used when registration returns a
// server-assigned one.
func (s *DeviceStore) Save(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = &deviceRecord{DeviceID: id, LastSeen: time.Now().UTC()}
	return s.persistLocked()
}
