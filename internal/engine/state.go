package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// BackendState is the per-backend sync bookkeeping.
type BackendState struct {
	// LastFetchAt is the incremental high-water mark: the next fetch
	// asks only for records updated at or after it.
	LastFetchAt time.Time `json:"last_fetch_at"`
}

// SyncState is the workspace's sync_state.json: per-backend high-water
// marks, advanced only after a fully successful run.
type SyncState struct {
	Backends  map[string]*BackendState `json:"backends"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// LoadSyncState reads the state file; a missing file is an empty state.
func LoadSyncState(path string) (*SyncState, error) {
	s := &SyncState{Backends: make(map[string]*BackendState)}

	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the workspace config
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if s.Backends == nil {
		s.Backends = make(map[string]*BackendState)
	}
	return s, nil
}

// Save writes the state file.
func (s *SyncState) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Since returns the incremental fetch mark for a backend, or nil for a
// full fetch.
func (s *SyncState) Since(backendName string) *time.Time {
	bs := s.Backends[backendName]
	if bs == nil || bs.LastFetchAt.IsZero() {
		return nil
	}
	t := bs.LastFetchAt
	return &t
}

// Advance moves a backend's high-water mark forward.
func (s *SyncState) Advance(backendName string, to time.Time) {
	bs := s.Backends[backendName]
	if bs == nil {
		bs = &BackendState{}
		s.Backends[backendName] = bs
	}
	if to.After(bs.LastFetchAt) {
		bs.LastFetchAt = to.UTC()
	}
	s.UpdatedAt = time.Now().UTC()
}
