// Package state persists sync bookkeeping between runs: last sync times and
// the quick-link failure cache.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// CurrentVersion is the current version of the sync state format
	CurrentVersion = "1.0"
	// DefaultStateFile is the default path for the sync state file
	DefaultStateFile = "./data/sync_state.json"
)

// State is the persisted sync state.
type State struct {
	Version        string `json:"version"`
	LastSync       int64  `json:"lastSync"`
	LastRatingSync int64  `json:"lastRatingSync"`
	// QuickLinkFailed maps book UUID to the unix time the quick-link search
	// last came up empty. Cached books are skipped on later passes.
	QuickLinkFailed map[string]int64 `json:"quickLinkFailed,omitempty"`

	mu sync.RWMutex `json:"-"`
}

// NewState creates a new empty state with current version.
func NewState() *State {
	return &State{
		Version:         CurrentVersion,
		QuickLinkFailed: make(map[string]int64),
	}
}

// LoadState loads the sync state from a file, creating a fresh one when the
// file does not exist yet.
func LoadState(path string) (*State, error) {
	if path == "" {
		path = DefaultStateFile
	}

	targetDir := filepath.Dir(path)
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %q: %w", targetDir, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			st := NewState()
			if err := st.Save(path); err != nil {
				return nil, fmt.Errorf("failed to initialize new state file at %q: %w", path, err)
			}
			return st, nil
		}
		return nil, fmt.Errorf("failed to read state file at %q: %w", path, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("invalid state file format: %w", err)
	}
	if st.Version == "" {
		st.Version = CurrentVersion
	}
	if st.QuickLinkFailed == nil {
		st.QuickLinkFailed = make(map[string]int64)
	}
	return &st, nil
}

// Save atomically writes the state to path via a temp file and rename.
func (s *State) Save(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if path == "" {
		path = DefaultStateFile
	}

	targetDir := filepath.Dir(path)
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %q: %w", targetDir, err)
	}

	tmpFile, err := os.CreateTemp(targetDir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %q: %w", targetDir, err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		if _, err := os.Stat(tmpPath); err == nil {
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s); err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %q: %w", path, err)
	}
	if err := os.Chmod(path, 0644); err != nil {
		return fmt.Errorf("failed to set permissions on state file: %w", err)
	}
	return nil
}

// MarkSynced records the time of a completed sync.
func (s *State) MarkSynced(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastSync = t.Unix()
}

// MarkRatingsSynced records the time of a completed rating sync.
func (s *State) MarkRatingsSynced(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastRatingSync = t.Unix()
}

// LastSyncTime returns the last sync time, zero when never synced.
func (s *State) LastSyncTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.LastSync == 0 {
		return time.Time{}
	}
	return time.Unix(s.LastSync, 0)
}

// LastRatingSyncTime returns the last rating sync time, zero when never synced.
func (s *State) LastRatingSyncTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.LastRatingSync == 0 {
		return time.Time{}
	}
	return time.Unix(s.LastRatingSync, 0)
}

// MarkQuickLinkFailed records a book whose quick-link search found no match.
func (s *State) MarkQuickLinkFailed(bookUUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QuickLinkFailed[bookUUID] = time.Now().Unix()
}

// QuickLinkFailedBefore reports whether a book is in the no-match cache.
func (s *State) QuickLinkFailedBefore(bookUUID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.QuickLinkFailed[bookUUID]
	return ok
}

// ClearQuickLinkCache drops the no-match cache.
func (s *State) ClearQuickLinkCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QuickLinkFailed = make(map[string]int64)
}
