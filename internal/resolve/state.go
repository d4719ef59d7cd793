package resolve

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Conflict is one flagged field awaiting human review, persisted in
// .weft/conflicts.json between the sync run that found it and the
// `weft resolve` session that settles it.
type Conflict struct {
	RecordID        string    `json:"record_id"`
	Backend         string    `json:"backend"`
	Field           string    `json:"field"`
	Base            string    `json:"base,omitempty"`
	Local           string    `json:"local"`
	Remote          string    `json:"remote"`
	LocalUpdatedAt  time.Time `json:"local_updated_at,omitempty"`
	RemoteUpdatedAt time.Time `json:"remote_updated_at,omitempty"`
	DetectedAt      time.Time `json:"detected_at"`
}

// Key identifies a conflict within the state file.
func (c Conflict) Key() string {
	return c.RecordID + "/" + c.Backend + "/" + c.Field
}

// State tracks pending flagged conflicts.
type State struct {
	Conflicts []Conflict `json:"conflicts,omitempty"`
	UpdatedAt time.Time  `json:"updated_at,omitempty"`
}

// LoadState loads the flagged-conflict state from disk. A missing file is
// an empty state, not an error.
func LoadState(path string) (*State, error) {
	// #nosec G304 -- path is derived from the workspace .weft directory
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("reading conflict state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing conflict state: %w", err)
	}
	return &state, nil
}

// Save writes the state to disk, or removes the file when nothing is
// pending so a clean workspace stays clean.
func (s *State) Save(path string) error {
	if len(s.Conflicts) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	s.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Add records a conflict, replacing any prior entry for the same
// record/backend/field so re-running sync does not pile up duplicates.
func (s *State) Add(c Conflict) {
	for i, existing := range s.Conflicts {
		if existing.Key() == c.Key() {
			s.Conflicts[i] = c
			return
		}
	}
	s.Conflicts = append(s.Conflicts, c)
}

// Remove drops a settled conflict. Returns true if an entry was removed.
func (s *State) Remove(key string) bool {
	for i, c := range s.Conflicts {
		if c.Key() == key {
			s.Conflicts = append(s.Conflicts[:i], s.Conflicts[i+1:]...)
			return true
		}
	}
	return false
}

// ForRecord returns the pending conflicts for one record.
func (s *State) ForRecord(recordID string) []Conflict {
	var out []Conflict
	for _, c := range s.Conflicts {
		if c.RecordID == recordID {
			out = append(out, c)
		}
	}
	return out
}
