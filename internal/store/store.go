// Package store persists computed KPI snapshots as JSON files.
//
// Each refresh cycle's output is stored as snapshot_<currency>.json. Writes
// use atomic file replacement (write to .tmp, then rename) so a crash mid-save
// never leaves a corrupt file. The engine is stateless; the snapshot exists so
// a restarted dashboard can serve the last known values immediately instead
// of a wall of spinners.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"derivdash/pkg/types"
)

// Snapshot is one persisted refresh cycle.
type Snapshot struct {
	Currency  string                       `json:"currency"`
	Spot      float64                      `json:"spot"`
	KPIs      map[string]types.KPIPayload  `json:"kpis"`
	UpdatedAt time.Time                    `json:"updated_at"`
}

// Store persists snapshots to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SaveSnapshot atomically persists a snapshot for a currency.
func (s *Store) SaveSnapshot(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	path := s.path(snap.Currency)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadSnapshot restores the last snapshot for a currency from disk.
// Returns nil, nil if none exists.
func (s *Store) LoadSnapshot(currency string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(currency))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (s *Store) path(currency string) string {
	return filepath.Join(s.dir, "snapshot_"+strings.ToLower(currency)+".json")
}
