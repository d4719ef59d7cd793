// Package history reads past versions of the record store out of the
// project's git history. The store file rides in the user's repository,
// so the version control they already run doubles as the local history
// source for baseline reconstruction.
package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/weftlabs/weft/internal/debug"
	"github.com/weftlabs/weft/internal/types"
)

// ErrNoHistory reports that the record has no committed version: the
// store is not in a git repository, the file was never committed, or
// the record is absent from every committed version.
var ErrNoHistory = errors.New("no committed history for record")

// Version is one historical state of a record.
type Version struct {
	Snapshot    *types.Snapshot
	SyncedAt    *time.Time // the committed record's own last_synced_at
	CommittedAt time.Time
	Commit      string
}

// entryTime orders versions: a sync-written version is keyed by its own
// last_synced_at, anything else by commit time.
func (v *Version) entryTime() time.Time {
	if v.SyncedAt != nil {
		return v.SyncedAt.UTC()
	}
	return v.CommittedAt.UTC()
}

// Source reads record versions from the git repository enclosing the
// store file. Parsed commits are memoized for the lifetime of the
// Source; open one per sync run.
type Source struct {
	repo    *git.Repository
	relPath string

	mu     sync.Mutex
	parsed map[plumbing.Hash]map[string]*Version
}

// Open locates the git repository enclosing the records file. Returns
// ErrNoHistory (wrapped) when there is none.
func Open(recordsPath string) (*Source, error) {
	abs, err := filepath.Abs(recordsPath)
	if err != nil {
		return nil, err
	}

	repo, err := git.PlainOpenWithOptions(filepath.Dir(abs), &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%s: %w", recordsPath, ErrNoHistory)
		}
		return nil, fmt.Errorf("opening history repo: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening history worktree: %w", err)
	}
	rel, err := filepath.Rel(wt.Filesystem.Root(), abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("%s is outside the repository worktree", recordsPath)
	}

	return &Source{
		repo:    repo,
		relPath: filepath.ToSlash(rel),
		parsed:  make(map[plumbing.Hash]map[string]*Version),
	}, nil
}

// At returns the record's state as of syncedAt: the newest committed
// version whose entry time is at or before syncedAt. Among versions
// written by the same sync, the earliest commit wins; later commits of
// the same sync state may already carry local edits.
func (s *Source) At(ctx context.Context, recordID string, syncedAt time.Time) (*Version, error) {
	var best *Version
	err := s.walk(ctx, recordID, func(v *Version) {
		et := v.entryTime()
		if et.After(syncedAt) {
			return
		}
		if best == nil || et.After(best.entryTime()) || et.Equal(best.entryTime()) {
			best = v
		}
	})
	if err != nil {
		return nil, err
	}
	if best == nil {
		return nil, fmt.Errorf("%s at %s: %w", recordID, syncedAt.Format(time.RFC3339), ErrNoHistory)
	}
	return best, nil
}

// Oldest returns the record's earliest committed state.
func (s *Source) Oldest(ctx context.Context, recordID string) (*Version, error) {
	var oldest *Version
	err := s.walk(ctx, recordID, func(v *Version) {
		oldest = v // commits arrive newest first
	})
	if err != nil {
		return nil, err
	}
	if oldest == nil {
		return nil, fmt.Errorf("%s: %w", recordID, ErrNoHistory)
	}
	return oldest, nil
}

// walk visits every committed version of the record, newest commit
// first.
func (s *Source) walk(ctx context.Context, recordID string, visit func(*Version)) error {
	iter, err := s.repo.Log(&git.LogOptions{
		FileName: &s.relPath,
		Order:    git.LogOrderCommitterTime,
	})
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("%s: %w", recordID, ErrNoHistory)
		}
		return fmt.Errorf("reading history log: %w", err)
	}
	defer iter.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		commit, err := iter.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("reading history log: %w", err)
		}

		versions, err := s.parse(commit)
		if err != nil {
			return err
		}
		if v, ok := versions[recordID]; ok {
			visit(v)
		}
	}
	return nil
}

// parse reads the store file at one commit, memoized by commit hash.
// Lines that no longer parse are skipped; one bad line in an old commit
// must not poison every later baseline.
func (s *Source) parse(commit *object.Commit) (map[string]*Version, error) {
	s.mu.Lock()
	if versions, ok := s.parsed[commit.Hash]; ok {
		s.mu.Unlock()
		return versions, nil
	}
	s.mu.Unlock()

	versions := make(map[string]*Version)

	file, err := commit.File(s.relPath)
	if err != nil {
		if !errors.Is(err, object.ErrFileNotFound) {
			return nil, fmt.Errorf("reading %s at %s: %w", s.relPath, commit.Hash, err)
		}
	} else {
		contents, err := file.Contents()
		if err != nil {
			return nil, fmt.Errorf("reading %s at %s: %w", s.relPath, commit.Hash, err)
		}

		scanner := bufio.NewScanner(strings.NewReader(contents))
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024) // 10MB max line size
		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			var rec types.Record
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				debug.Logf("history: skipping bad line at %s: %v", commit.Hash, err)
				continue
			}
			rec.SetDefaults()
			versions[rec.ID] = &Version{
				Snapshot:    types.SnapshotOf(&rec),
				SyncedAt:    rec.LastSyncedAt,
				CommittedAt: commit.Committer.When.UTC(),
				Commit:      commit.Hash.String(),
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("scanning %s at %s: %w", s.relPath, commit.Hash, err)
		}
	}

	s.mu.Lock()
	s.parsed[commit.Hash] = versions
	s.mu.Unlock()
	return versions, nil
}
