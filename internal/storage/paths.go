package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	orgDir = "NuScape"
	appDir = "NuScapeAgent"

	queueFile    = "usage_queue.json"
	countersFile = "network_counters.json"
	deviceFile   = "device.json"
	tokensFile   = "tokens.json"
	configFile   = "config.json"
)

// Paths resolves the per-user data directory and names the agent's five
// well-known files. The directory is created on construction.
type Paths struct {
	root string
}

// NewPaths resolves the platform data directory: NUSCAPE_DATA_DIR when set,
// otherwise %LOCALAPPDATA%\NuScape\NuScapeAgent, falling back to the
// user config dir on hosts without LOCALAPPDATA.
func NewPaths() (*Paths, error) {
	if dir := os.Getenv("NUSCAPE_DATA_DIR"); dir != "" {
		return NewPathsAt(dir)
	}
	if local := os.Getenv("LOCALAPPDATA"); local != "" {
		return NewPathsAt(filepath.Join(local, orgDir, appDir))
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("resolve storage directory: %w", err)
	}
	return NewPathsAt(filepath.Join(base, orgDir, appDir))
}

// NewPathsAt uses an explicit root directory, creating it if absent.
func NewPathsAt(root string) (*Paths, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &Paths{root: root}, nil
}

// Root returns the data directory.
func (p *Paths) Root() string { return p.root }

func (p *Paths) QueuePath() string    { return filepath.Join(p.root, queueFile) }
func (p *Paths) CountersPath() string { return filepath.Join(p.root, countersFile) }
func (p *Paths) DevicePath() string   { return filepath.Join(p.root, deviceFile) }
func (p *Paths) TokensPath() string   { return filepath.Join(p.root, tokensFile) }
func (p *Paths) ConfigPath() string   { return filepath.Join(p.root, configFile) }
