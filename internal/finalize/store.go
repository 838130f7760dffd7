package finalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Snapshot is the on-disk form of the finalized set.
type Snapshot struct {
	RunID       string    `json:"run_id"`
	Finalized   []string  `json:"finalized"`
	LastUpdated time.Time `json:"last_updated"`
}

// Store reads and writes the finalized set as JSON.
type Store struct {
	path  string
	runID string
}

// NewStore returns a store backed by path. runID is stamped on every write.
func NewStore(path, runID string) *Store {
	return &Store{path: path, runID: runID}
}

// Path returns the backing file.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Load reads the snapshot. A missing file is an empty snapshot.
func (s *Store) Load() (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("finalize: read state %s: %w", s.path, err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("finalize: parse state %s: %w", s.path, err)
	}
	return snapshot, nil
}

// Save replaces the file with ids via a temp file and rename, so readers never
// observe a half-written set.
func (s *Store) Save(ids []string, at time.Time) error {
	if s.path == "" {
		return fmt.Errorf("finalize: state path is empty")
	}
	data, err := json.MarshalIndent(Snapshot{
		RunID:       s.runID,
		Finalized:   ids,
		LastUpdated: at.UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("finalize: marshal state: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("finalize: create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("finalize: write temp state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("finalize: rename temp state: %w", err)
	}
	return nil
}
