package baseline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/weftlabs/weft/internal/types"
)

var (
	syncT   = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	commitT = time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC)
)

const committedLine = `{"id":"wv-1","title":"first title","status":"open","labels":["bug"],"created_at":"2025-03-01T09:00:00Z","updated_at":"2025-03-01T09:00:00Z","last_synced_at":"2025-03-01T10:00:00Z"}
`

// repoWithHistory writes and commits one version of records.jsonl,
// returning the records path.
func repoWithHistory(t *testing.T, content string, when time.Time) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}
	path := filepath.Join(dir, "records.jsonl")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add("records.jsonl"); err != nil {
		t.Fatalf("git add: %v", err)
	}
	if _, err := wt.Commit("records", &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: when},
	}); err != nil {
		t.Fatalf("git commit: %v", err)
	}
	return path
}

func syncedRecord(at time.Time) *types.Record {
	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return &types.Record{
		ID:           "wv-1",
		Kind:         types.KindIssue,
		Title:        "edited title",
		Status:       types.StatusInProgress,
		Labels:       []string{"bug", "p1"},
		CreatedAt:    created,
		UpdatedAt:    created.Add(2 * time.Hour),
		LastSyncedAt: &at,
	}
}

func TestResolveLocalNeverSynced(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "records.jsonl"))
	defer r.Close()

	rec := syncedRecord(syncT)
	rec.LastSyncedAt = nil

	b, err := r.ResolveLocal(context.Background(), rec)
	if err != nil {
		t.Fatalf("ResolveLocal() = %v", err)
	}
	if b.Origin != OriginAssumedCurrent {
		t.Errorf("Origin = %q, want %q", b.Origin, OriginAssumedCurrent)
	}
	if b.Fields.Title != "edited title" {
		t.Errorf("Fields.Title = %q, want current local value", b.Fields.Title)
	}
}

func TestResolveLocalNoHistorySource(t *testing.T) {
	// Outside any git repository the record's current values stand in.
	r := New(filepath.Join(t.TempDir(), "records.jsonl"))
	defer r.Close()

	b, err := r.ResolveLocal(context.Background(), syncedRecord(syncT))
	if err != nil {
		t.Fatalf("ResolveLocal() = %v", err)
	}
	if b.Origin != OriginAssumedCurrent {
		t.Errorf("Origin = %q, want %q", b.Origin, OriginAssumedCurrent)
	}
}

func TestResolveLocalFromHistory(t *testing.T) {
	path := repoWithHistory(t, committedLine, commitT)
	r := New(path)
	defer r.Close()

	b, err := r.ResolveLocal(context.Background(), syncedRecord(syncT))
	if err != nil {
		t.Fatalf("ResolveLocal() = %v", err)
	}
	if b.Origin != OriginLocalHistory {
		t.Fatalf("Origin = %q, want %q", b.Origin, OriginLocalHistory)
	}
	if b.Fields.Title != "first title" {
		t.Errorf("Fields.Title = %q, want committed value", b.Fields.Title)
	}
	if b.Degraded {
		t.Error("Degraded = true for an exact history hit")
	}
}

func TestResolveLocalDegradedFallsBackToOldest(t *testing.T) {
	path := repoWithHistory(t, committedLine, commitT)
	r := New(path)
	defer r.Close()

	// Claimed sync predates every committed state.
	rec := syncedRecord(syncT.Add(-48 * time.Hour))

	b, err := r.ResolveLocal(context.Background(), rec)
	if err != nil {
		t.Fatalf("ResolveLocal() = %v", err)
	}
	if !b.Degraded {
		t.Fatal("Degraded = false, want true")
	}
	if b.Origin != OriginLocalHistory {
		t.Errorf("Origin = %q, want %q", b.Origin, OriginLocalHistory)
	}
	if b.Fields.Title != "first title" {
		t.Errorf("Fields.Title = %q, want oldest committed value", b.Fields.Title)
	}
	if !strings.Contains(b.Warning, "wv-1") {
		t.Errorf("Warning = %q, want record id mentioned", b.Warning)
	}
}

func TestResolveLocalRecordAbsentFromHistory(t *testing.T) {
	path := repoWithHistory(t, committedLine, commitT)
	r := New(path)
	defer r.Close()

	rec := syncedRecord(syncT)
	rec.ID = "wv-99"

	b, err := r.ResolveLocal(context.Background(), rec)
	if err != nil {
		t.Fatalf("ResolveLocal() = %v", err)
	}
	if b.Origin != OriginAssumedCurrent {
		t.Errorf("Origin = %q, want %q for a never-committed record", b.Origin, OriginAssumedCurrent)
	}
}

func TestResolveRemote(t *testing.T) {
	rec := syncedRecord(syncT)
	rec.Remotes = map[string]*types.RemoteLink{
		"github": {
			ID:       "42",
			Snapshot: &types.Snapshot{Title: "agreed title", Status: types.StatusOpen, Labels: []string{"bug"}},
			SyncedAt: syncT,
		},
	}

	r := New(filepath.Join(t.TempDir(), "records.jsonl"))
	defer r.Close()

	b := r.ResolveRemote(rec, "github")
	if b.Origin != OriginRemoteSnapshot {
		t.Fatalf("Origin = %q, want %q", b.Origin, OriginRemoteSnapshot)
	}
	if b.Fields.Title != "agreed title" {
		t.Errorf("Fields.Title = %q", b.Fields.Title)
	}

	// The baseline owns its copy.
	b.Fields.Title = "mutated"
	if rec.Remotes["github"].Snapshot.Title != "agreed title" {
		t.Error("ResolveRemote shares the record's snapshot")
	}

	first := r.ResolveRemote(rec, "gitlab")
	if first.Origin != OriginFirstContact {
		t.Errorf("unknown backend Origin = %q, want %q", first.Origin, OriginFirstContact)
	}
	if !first.Unknown[types.FieldTitle] || !first.Unknown[types.FieldLabels] {
		t.Errorf("first contact Unknown = %v, want all merge fields", first.Unknown)
	}
}

func TestResolvePrecedence(t *testing.T) {
	path := repoWithHistory(t, committedLine, commitT)
	r := New(path)
	defer r.Close()

	// Stored snapshot wins over history.
	rec := syncedRecord(syncT)
	rec.Remotes = map[string]*types.RemoteLink{
		"github": {ID: "42", Snapshot: &types.Snapshot{Title: "agreed title"}, SyncedAt: syncT},
	}
	b, err := r.Resolve(context.Background(), rec, "github")
	if err != nil {
		t.Fatalf("Resolve() = %v", err)
	}
	if b.Origin != OriginRemoteSnapshot || b.Fields.Title != "agreed title" {
		t.Errorf("Resolve() = %q/%q, want remote snapshot", b.Origin, b.Fields.Title)
	}

	// Synced before, no snapshot for this backend: history.
	rec = syncedRecord(syncT)
	b, err = r.Resolve(context.Background(), rec, "github")
	if err != nil {
		t.Fatalf("Resolve() = %v", err)
	}
	if b.Origin != OriginLocalHistory || b.Fields.Title != "first title" {
		t.Errorf("Resolve() = %q/%q, want local history", b.Origin, b.Fields.Title)
	}

	// Never synced at all: first contact.
	rec = syncedRecord(syncT)
	rec.LastSyncedAt = nil
	b, err = r.Resolve(context.Background(), rec, "github")
	if err != nil {
		t.Fatalf("Resolve() = %v", err)
	}
	if b.Origin != OriginFirstContact {
		t.Errorf("Origin = %q, want %q", b.Origin, OriginFirstContact)
	}
}

func TestEffective(t *testing.T) {
	local := &types.Snapshot{
		Title:       "local title",
		Status:      types.StatusInProgress,
		Labels:      []string{"p1"},
		Description: "local description",
	}

	known := &Baseline{
		Fields: &types.Snapshot{Title: "base title", Status: types.StatusOpen},
		Origin: OriginRemoteSnapshot,
	}
	eff := known.Effective(local)
	if eff.Title != "base title" || eff.Status != types.StatusOpen {
		t.Errorf("known baseline Effective = %+v, want baseline values", eff)
	}

	first := &Baseline{Unknown: unknownAll(), Origin: OriginFirstContact}
	eff = first.Effective(local)
	if eff.Title != "local title" || eff.Status != types.StatusInProgress || eff.Description != "local description" {
		t.Errorf("first contact Effective = %+v, want local substitution", eff)
	}
	if len(eff.Labels) != 1 || eff.Labels[0] != "p1" {
		t.Errorf("labels = %v, want local labels", eff.Labels)
	}

	// Substituted labels are a copy.
	eff.Labels[0] = "mutated"
	if local.Labels[0] != "p1" {
		t.Error("Effective shares the local labels slice")
	}

	partial := &Baseline{
		Fields:  &types.Snapshot{Title: "base title"},
		Unknown: map[string]bool{types.FieldStatus: true},
	}
	eff = partial.Effective(local)
	if eff.Title != "base title" {
		t.Errorf("Title = %q, want known baseline value", eff.Title)
	}
	if eff.Status != types.StatusInProgress {
		t.Errorf("Status = %q, want substituted local value", eff.Status)
	}
}
