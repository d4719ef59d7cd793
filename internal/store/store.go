// Package store reads and writes the workspace record store: a JSONL
// file, one record per line, kept at the project root so it rides in
// the project's own git history.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/weftlabs/weft/internal/types"
)

// Store holds the record set in memory between a Load and a Save.
// Records keep their file order; new records append. Not safe for
// concurrent use; sync runs serialize through the workspace lock.
type Store struct {
	path    string
	records map[string]*types.Record
	order   []string
}

// Load reads the store at path. A missing file yields an empty store;
// Save will create it.
func Load(path string) (*Store, error) {
	s := &Store{
		path:    path,
		records: make(map[string]*types.Record),
	}

	// #nosec G304 -- path comes from the workspace config
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024) // 10MB max line size

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		var rec types.Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", filepath.Base(path), lineNum, err)
		}
		rec.SetDefaults()
		rec.ContentHash = rec.ComputeContentHash()

		if _, ok := s.records[rec.ID]; ok {
			return nil, fmt.Errorf("%s line %d: duplicate id %s", filepath.Base(path), lineNum, rec.ID)
		}
		s.records[rec.ID] = &rec
		s.order = append(s.order, rec.ID)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the file the store round-trips through.
func (s *Store) Path() string { return s.path }

// Len returns the number of records, archived included.
func (s *Store) Len() int { return len(s.records) }

// Get returns the record with the given ID, or nil.
func (s *Store) Get(id string) *types.Record {
	return s.records[id]
}

// All returns every record in file order, archived included. The slice
// is fresh but the records are the store's own; mutations stick.
func (s *Store) All() []*types.Record {
	out := make([]*types.Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out
}

// Live returns the records that are not archived, in file order.
func (s *Store) Live() []*types.Record {
	var out []*types.Record
	for _, id := range s.order {
		if r := s.records[id]; !r.Archived {
			out = append(out, r)
		}
	}
	return out
}

// Put inserts or replaces a record. New records append to the file
// order; existing ones keep their position.
func (s *Store) Put(rec *types.Record) {
	if _, ok := s.records[rec.ID]; !ok {
		s.order = append(s.order, rec.ID)
	}
	s.records[rec.ID] = rec
}

// AllocateID returns the next free ID for the workspace prefix,
// scanning the highest numeric suffix currently in the store. Put the
// record before allocating again.
func (s *Store) AllocateID(prefix string) string {
	highest := 0
	for id := range s.records {
		rest, ok := strings.CutPrefix(id, prefix+"-")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(rest); err == nil && n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("%s-%d", prefix, highest+1)
}

// Save writes the store atomically: temp file in the same directory,
// then rename over the target.
func (s *Store) Save() error {
	dir := filepath.Dir(s.path)
	base := filepath.Base(s.path)

	tempFile, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	encoder := json.NewEncoder(tempFile)
	for _, id := range s.order {
		if err := encoder.Encode(s.records[id]); err != nil {
			_ = tempFile.Close()
			_ = os.Remove(tempPath)
			return fmt.Errorf("failed to write record %s: %w", id, err)
		}
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to replace %s: %w", base, err)
	}
	return nil
}
