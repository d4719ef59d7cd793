package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/weftlabs/weft/internal/backend"
	"github.com/weftlabs/weft/internal/baseline"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/resolve"
	"github.com/weftlabs/weft/internal/retry"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/types"
)

var (
	tBase   = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	tLocal  = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	tRemote = time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)
)

// Tight intervals keep the retry-path tests fast.
var testRetry = retry.Config{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	MaxElapsedTime:  200 * time.Millisecond,
}

func issue(id, title string) *types.Record {
	return issueAt(id, title, tBase)
}

func issueAt(id, title string, created time.Time) *types.Record {
	return &types.Record{
		ID:        id,
		Kind:      types.KindIssue,
		Title:     title,
		Status:    types.StatusOpen,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// linked stamps a link with the agreed snapshot, the way a finished
// earlier sync would have left it. Call before mutating the record so the
// snapshot captures the agreed state.
func linked(rec *types.Record, backendName, remoteID string, at time.Time) {
	if rec.Remotes == nil {
		rec.Remotes = make(map[string]*types.RemoteLink)
	}
	rec.Remotes[backendName] = &types.RemoteLink{
		ID:       remoteID,
		Snapshot: types.SnapshotOf(rec),
		SyncedAt: at,
	}
	ts := at
	rec.LastSyncedAt = &ts
}

func remote(id, title string, updated time.Time) *backend.RemoteRecord {
	return &backend.RemoteRecord{
		RemoteID:  id,
		Kind:      types.KindIssue,
		Snapshot:  &types.Snapshot{Title: title, Status: types.StatusOpen},
		UpdatedAt: updated,
	}
}

// fakeBackend implements backend.Backend in memory with scriptable
// failures. Push follows the interface contract: linked records update in
// place, unlinked ones match by exact title before a create.
type fakeBackend struct {
	name   string
	limit  int
	nextID int

	authErr   error
	fetchErr  error
	pushErr   error
	pullErr   error
	flaky     int           // fail this many FetchAll calls with a transient error first
	pushDelay time.Duration // sleep at the start of every Push

	failPush   map[string]error // local record id -> per-item error
	failDelete map[string]error // remote id -> per-item error

	mu        sync.Mutex
	records   map[string]*backend.RemoteRecord // by remote id
	fetches   int
	pushes    int
	pulls     int
	deletes   int
	lastSince *time.Time
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{
		name:       name,
		records:    make(map[string]*backend.RemoteRecord),
		failPush:   make(map[string]error),
		failDelete: make(map[string]error),
	}
}

// seed plants one remote record. Created ids start at r101 so they never
// collide with seeded ones.
func (f *fakeBackend) seed(remoteID, title string, updated time.Time) *backend.RemoteRecord {
	rr := remote(remoteID, title, updated)
	f.records[remoteID] = rr
	f.nextID = 100
	return rr
}

func (f *fakeBackend) Name() string    { return f.name }
func (f *fakeBackend) BatchLimit() int { return f.limit }
func (f *fakeBackend) Close() error    { return nil }

func (f *fakeBackend) Authenticate(context.Context) error { return f.authErr }

func (f *fakeBackend) FetchAll(_ context.Context, opts backend.FetchOptions) ([]*backend.RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	f.lastSince = opts.Since
	if f.flaky > 0 {
		f.flaky--
		return nil, &backend.SyncError{Op: "fetch", Backend: f.name, Kind: backend.KindTransient, Err: errors.New("flaky fetch")}
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []*backend.RemoteRecord
	for _, rr := range f.records {
		if opts.Since != nil && rr.UpdatedAt.Before(*opts.Since) {
			continue
		}
		out = append(out, cloneRemote(rr))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out, nil
}

func (f *fakeBackend) Push(_ context.Context, recs []*types.Record) (*backend.PushOutcome, error) {
	if f.pushDelay > 0 {
		time.Sleep(f.pushDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes++
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	out := &backend.PushOutcome{}
	for _, rec := range recs {
		if err := f.failPush[rec.ID]; err != nil {
			out.Failed = append(out.Failed, backend.ItemError{ID: rec.ID, Err: err})
			continue
		}
		remoteID, ok := rec.RemoteID(f.name)
		created := false
		if !ok {
			remoteID = f.findByTitle(rec.Kind, rec.Title)
			if remoteID == "" {
				f.nextID++
				remoteID = fmt.Sprintf("r%d", f.nextID)
				created = true
			}
		}
		f.records[remoteID] = &backend.RemoteRecord{
			RemoteID:  remoteID,
			Kind:      rec.Kind,
			Snapshot:  types.SnapshotOf(rec),
			UpdatedAt: rec.UpdatedAt,
		}
		out.Pushed = append(out.Pushed, backend.PushResult{ID: rec.ID, RemoteID: remoteID, Created: created})
	}
	return out, nil
}

func (f *fakeBackend) Pull(_ context.Context, remoteIDs []string) (*backend.PullOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	out := &backend.PullOutcome{}
	for _, id := range remoteIDs {
		rr, ok := f.records[id]
		if !ok {
			out.Failed = append(out.Failed, backend.ItemError{
				ID:  id,
				Err: &backend.SyncError{Op: "pull", Backend: f.name, Kind: backend.KindNotFound, Err: backend.ErrNotFound},
			})
			continue
		}
		out.Records = append(out.Records, cloneRemote(rr))
	}
	return out, nil
}

func (f *fakeBackend) DeleteRemote(_ context.Context, remoteIDs []string) (*backend.DeleteOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	out := &backend.DeleteOutcome{}
	for _, id := range remoteIDs {
		if err := f.failDelete[id]; err != nil {
			out.Failed = append(out.Failed, backend.ItemError{ID: id, Err: err})
			continue
		}
		if _, ok := f.records[id]; !ok {
			out.Failed = append(out.Failed, backend.ItemError{
				ID:  id,
				Err: &backend.SyncError{Op: "delete", Backend: f.name, Kind: backend.KindNotFound, Err: backend.ErrNotFound},
			})
			continue
		}
		delete(f.records, id)
		out.Deleted = append(out.Deleted, id)
	}
	return out, nil
}

func (f *fakeBackend) findByTitle(kind types.Kind, title string) string {
	want := strings.ToLower(strings.TrimSpace(title))
	ids := make([]string, 0, len(f.records))
	for id := range f.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rr := f.records[id]
		if rr.Kind == kind && rr.Snapshot != nil && strings.ToLower(strings.TrimSpace(rr.Snapshot.Title)) == want {
			return id
		}
	}
	return ""
}

func cloneRemote(rr *backend.RemoteRecord) *backend.RemoteRecord {
	out := *rr
	out.Snapshot = rr.Snapshot.Clone()
	return &out
}

// rig wires a store on disk, a fake backend, and an orchestrator the way
// the sync command does.
type rig struct {
	t    *testing.T
	dir  string
	weft string
	st   *store.Store
	fake *fakeBackend
	orch *Orchestrator
}

func newRig(t *testing.T, recs ...*types.Record) *rig {
	t.Helper()
	dir := t.TempDir()
	weft := filepath.Join(dir, ".weft")
	if err := os.MkdirAll(weft, 0o755); err != nil {
		t.Fatal(err)
	}
	st, err := store.Load(filepath.Join(dir, "records.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range recs {
		st.Put(rec)
	}
	if len(recs) > 0 {
		if err := st.Save(); err != nil {
			t.Fatal(err)
		}
	}
	r := &rig{t: t, dir: dir, weft: weft, st: st, fake: newFakeBackend("github")}
	r.assemble()
	return r
}

func (r *rig) assemble() {
	r.orch = New(r.st, baseline.New(r.st.Path()), []backend.Backend{r.fake}, testRetry, "wv", r.weft)
}

// reload rereads the store from disk and rebuilds the orchestrator, the
// way a second process would.
func (r *rig) reload() {
	r.t.Helper()
	st, err := store.Load(filepath.Join(r.dir, "records.jsonl"))
	if err != nil {
		r.t.Fatal(err)
	}
	r.st = st
	r.assemble()
}

func (r *rig) sync(opts Options) *Report {
	r.t.Helper()
	rep, err := r.orch.Sync(context.Background(), opts)
	if err != nil {
		r.t.Fatalf("Sync() error: %v", err)
	}
	return rep
}

func TestSyncPushesNewLocalRecord(t *testing.T) {
	r := newRig(t, issue("wv-1", "Add dark mode"))

	rep := r.sync(Options{})

	if rep.Pushed != 1 || rep.Pulled != 0 {
		t.Fatalf("Pushed = %d, Pulled = %d, want 1, 0", rep.Pushed, rep.Pulled)
	}
	if got := rep.ExitCode(); got != 0 {
		t.Errorf("ExitCode() = %d, want 0", got)
	}
	if len(r.fake.records) != 1 {
		t.Fatalf("remote holds %d records, want 1", len(r.fake.records))
	}

	r.reload()
	rec := r.st.Get("wv-1")
	link := rec.Remotes["github"]
	if link == nil || link.ID == "" {
		t.Fatalf("record not linked after push: %+v", rec.Remotes)
	}
	if link.Snapshot == nil || link.Snapshot.Title != "Add dark mode" {
		t.Errorf("link snapshot = %+v, want stamped title", link.Snapshot)
	}
	if rec.LastSyncedAt == nil {
		t.Error("LastSyncedAt not set after successful push")
	}

	// A second run finds nothing to do.
	rep = r.sync(Options{})
	if rep.Pushed != 0 || rep.Pulled != 0 || rep.UpToDate != 1 {
		t.Errorf("second run: pushed %d, pulled %d, up to date %d, want 0, 0, 1",
			rep.Pushed, rep.Pulled, rep.UpToDate)
	}
	if r.fake.pushes != 1 {
		t.Errorf("Push called %d times across both runs, want 1", r.fake.pushes)
	}
}

func TestSyncImportsRemoteOnlyRecord(t *testing.T) {
	r := newRig(t)
	r.fake.seed("r1", "Imported from remote", tRemote)

	rep := r.sync(Options{})

	if rep.Pulled != 1 {
		t.Fatalf("Pulled = %d, want 1", rep.Pulled)
	}
	r.reload()
	live := r.st.Live()
	if len(live) != 1 {
		t.Fatalf("store holds %d live records, want 1", len(live))
	}
	rec := live[0]
	if rec.ID != "wv-1" {
		t.Errorf("imported id = %q, want wv-1", rec.ID)
	}
	if rec.Title != "Imported from remote" {
		t.Errorf("imported title = %q", rec.Title)
	}
	if id, ok := rec.RemoteID("github"); !ok || id != "r1" {
		t.Errorf("RemoteID = %q, %v, want r1", id, ok)
	}
	if rec.LastSyncedAt == nil {
		t.Error("import not stamped")
	}
}

func TestSyncFirstContactLinksByTitle(t *testing.T) {
	r := newRig(t, issue("wv-1", "Crash on resume"))
	r.fake.seed("r7", "Crash on resume", tRemote)

	rep := r.sync(Options{})

	if rep.Pulled != 1 {
		t.Fatalf("Pulled = %d, want 1 (link bookkeeping)", rep.Pulled)
	}
	r.reload()
	rec := r.st.Get("wv-1")
	if id, ok := rec.RemoteID("github"); !ok || id != "r7" {
		t.Fatalf("RemoteID = %q, %v, want r7", id, ok)
	}
	if rec.Remotes["github"].Snapshot == nil {
		t.Error("first contact did not stamp the agreed snapshot")
	}
	if len(r.fake.records) != 1 {
		t.Errorf("remote grew to %d records, want 1", len(r.fake.records))
	}
}

func TestSyncPullsRemoteChange(t *testing.T) {
	local := issue("wv-1", "Flaky upload")
	linked(local, "github", "r1", tBase)
	r := newRig(t, local)
	rr := r.fake.seed("r1", "Flaky upload", tRemote)
	rr.Snapshot.Status = types.StatusClosed

	rep := r.sync(Options{})

	if rep.Pulled != 1 || rep.Pushed != 0 {
		t.Fatalf("Pulled = %d, Pushed = %d, want 1, 0", rep.Pulled, rep.Pushed)
	}
	r.reload()
	rec := r.st.Get("wv-1")
	if rec.Status != types.StatusClosed {
		t.Errorf("Status = %q, want closed", rec.Status)
	}
	if got := rec.Remotes["github"].Snapshot.Status; got != types.StatusClosed {
		t.Errorf("stamped snapshot status = %q, want closed", got)
	}
}

func TestSyncPushesLocalChange(t *testing.T) {
	local := issue("wv-1", "Slow dashboard")
	linked(local, "github", "r1", tBase)
	local.Status = types.StatusInProgress
	local.UpdatedAt = tLocal
	r := newRig(t, local)
	r.fake.seed("r1", "Slow dashboard", tBase)

	rep := r.sync(Options{})

	if rep.Pushed != 1 || rep.Pulled != 0 {
		t.Fatalf("Pushed = %d, Pulled = %d, want 1, 0", rep.Pushed, rep.Pulled)
	}
	if got := r.fake.records["r1"].Snapshot.Status; got != types.StatusInProgress {
		t.Errorf("remote status = %q, want in_progress", got)
	}
}

func TestSyncFlagsConflict(t *testing.T) {
	local := issue("wv-1", "Payment retries")
	linked(local, "github", "r1", tBase)
	local.Status = types.StatusInProgress
	local.UpdatedAt = tLocal
	r := newRig(t, local)
	rr := r.fake.seed("r1", "Payment retries", tRemote)
	rr.Snapshot.Status = types.StatusClosed

	rep := r.sync(Options{})

	if rep.ConflictsFlagged != 1 {
		t.Fatalf("ConflictsFlagged = %d, want 1", rep.ConflictsFlagged)
	}
	if got := rep.ExitCode(); got != 1 {
		t.Errorf("ExitCode() = %d, want 1", got)
	}
	if rep.Pushed != 0 || rep.Pulled != 0 {
		t.Errorf("conflicted record moved: pushed %d, pulled %d", rep.Pushed, rep.Pulled)
	}

	// Neither side moved and the pair is not stamped.
	if got := r.fake.records["r1"].Snapshot.Status; got != types.StatusClosed {
		t.Errorf("remote status = %q, want untouched closed", got)
	}
	r.reload()
	rec := r.st.Get("wv-1")
	if rec.Status != types.StatusInProgress {
		t.Errorf("local status = %q, want untouched in_progress", rec.Status)
	}
	if !rec.LastSyncedAt.Equal(tBase) {
		t.Errorf("LastSyncedAt = %v, want unchanged %v", rec.LastSyncedAt, tBase)
	}

	cs, err := resolve.LoadState(config.ConflictsPath(r.weft))
	if err != nil {
		t.Fatal(err)
	}
	if len(cs.Conflicts) != 1 {
		t.Fatalf("conflict state holds %d conflicts, want 1", len(cs.Conflicts))
	}
	c := cs.Conflicts[0]
	if c.RecordID != "wv-1" || c.Backend != "github" || c.Field != types.FieldStatus {
		t.Errorf("stored conflict = %+v", c)
	}

	// Unresolved, the conflict resurfaces on the next run without piling up.
	rep = r.sync(Options{})
	if rep.ConflictsFlagged != 1 {
		t.Errorf("second run ConflictsFlagged = %d, want 1", rep.ConflictsFlagged)
	}
	cs, err = resolve.LoadState(config.ConflictsPath(r.weft))
	if err != nil {
		t.Fatal(err)
	}
	if len(cs.Conflicts) != 1 {
		t.Errorf("conflict state holds %d conflicts after second run, want 1", len(cs.Conflicts))
	}
}

func TestSyncForceOverridesConflict(t *testing.T) {
	setup := func(t *testing.T) *rig {
		local := issue("wv-1", "Payment retries")
		linked(local, "github", "r1", tBase)
		local.Status = types.StatusInProgress
		local.UpdatedAt = tLocal
		r := newRig(t, local)
		rr := r.fake.seed("r1", "Payment retries", tRemote)
		rr.Snapshot.Status = types.StatusClosed
		return r
	}

	t.Run("remote", func(t *testing.T) {
		r := setup(t)
		rep := r.sync(Options{Force: resolve.ForceRemote})
		if rep.ConflictsFlagged != 0 || rep.ConflictsAutoResolved != 1 {
			t.Fatalf("flagged = %d, auto = %d, want 0, 1", rep.ConflictsFlagged, rep.ConflictsAutoResolved)
		}
		if got := rep.ExitCode(); got != 0 {
			t.Errorf("ExitCode() = %d, want 0", got)
		}
		r.reload()
		if got := r.st.Get("wv-1").Status; got != types.StatusClosed {
			t.Errorf("local status = %q, want closed", got)
		}
	})

	t.Run("local", func(t *testing.T) {
		r := setup(t)
		rep := r.sync(Options{Force: resolve.ForceLocal})
		if rep.ConflictsFlagged != 0 || rep.Pushed != 1 {
			t.Fatalf("flagged = %d, pushed = %d, want 0, 1", rep.ConflictsFlagged, rep.Pushed)
		}
		if got := r.fake.records["r1"].Snapshot.Status; got != types.StatusInProgress {
			t.Errorf("remote status = %q, want in_progress", got)
		}
	})
}

func TestSyncAbortsOnAuthFailure(t *testing.T) {
	r := newRig(t, issue("wv-1", "Anything"))
	r.fake.authErr = &backend.SyncError{Op: "auth", Backend: "github", Kind: backend.KindAuth, Err: errors.New("bad token")}

	rep, err := r.orch.Sync(context.Background(), Options{})

	if err == nil {
		t.Fatal("Sync() = nil error, want auth failure")
	}
	if !errors.Is(err, backend.ErrAuthFailed) {
		t.Errorf("error %v does not match ErrAuthFailed", err)
	}
	if !rep.Aborted {
		t.Error("report not marked aborted")
	}
	if got := rep.ExitCode(); got != 3 {
		t.Errorf("ExitCode() = %d, want 3", got)
	}
	if r.fake.fetches != 0 {
		t.Errorf("fetch ran %d times after failed auth", r.fake.fetches)
	}
	if r.orch.State() != StateAborted {
		t.Errorf("State() = %q, want aborted", r.orch.State())
	}
}

func TestSyncAbortsWhenBackendDown(t *testing.T) {
	r := newRig(t, issue("wv-1", "Anything"))
	r.fake.fetchErr = &backend.SyncError{Op: "fetch", Backend: "github", Kind: backend.KindUnavailable, Err: errors.New("connection refused")}

	rep, err := r.orch.Sync(context.Background(), Options{})

	if err == nil {
		t.Fatal("Sync() = nil error, want fetch failure")
	}
	if got := rep.ExitCode(); got != 3 {
		t.Errorf("ExitCode() = %d, want 3", got)
	}
	if r.fake.fetches != 1 {
		t.Errorf("unavailable backend fetched %d times, want 1 (no retries)", r.fake.fetches)
	}
}

func TestSyncAbortedDuringExecuteEndsAborted(t *testing.T) {
	r := newRig(t, issue("wv-1", "Anything"))
	r.fake.pushErr = &backend.SyncError{Op: "push", Backend: "github", Kind: backend.KindUnavailable, Err: errors.New("connection reset")}

	rep, err := r.orch.Sync(context.Background(), Options{})

	if err == nil {
		t.Fatal("Sync() = nil error, want push failure")
	}
	if !rep.Aborted {
		t.Error("report not marked aborted")
	}
	if got := rep.ExitCode(); got != 3 {
		t.Errorf("ExitCode() = %d, want 3", got)
	}
	// The report still finishes before the pipeline settles in aborted.
	if r.orch.State() != StateAborted {
		t.Errorf("State() = %q, want aborted", r.orch.State())
	}
	if rep.FinishedAt.IsZero() {
		t.Error("FinishedAt not set on aborted run")
	}
}

func TestSyncHonorsCancellation(t *testing.T) {
	r := newRig(t, issue("wv-1", "Anything"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := r.orch.Sync(ctx, Options{})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Sync() error = %v, want context.Canceled", err)
	}
	if !rep.Aborted {
		t.Error("report not marked aborted")
	}
}

func TestSyncRetriesTransientFetch(t *testing.T) {
	r := newRig(t, issue("wv-1", "Solid record"))
	r.fake.flaky = 2

	rep := r.sync(Options{})

	if r.fake.fetches != 3 {
		t.Errorf("fetch attempts = %d, want 3 (two transient failures)", r.fake.fetches)
	}
	if got := rep.ExitCode(); got != 0 {
		t.Errorf("ExitCode() = %d, want 0", got)
	}
	if rep.Pushed != 1 {
		t.Errorf("Pushed = %d, want 1", rep.Pushed)
	}
}

func TestSyncIsolatesItemFailures(t *testing.T) {
	r := newRig(t, issue("wv-1", "Good record"), issue("wv-2", "Bad record"))
	r.fake.failPush["wv-2"] = &backend.SyncError{Op: "push", Backend: "github", Kind: backend.KindValidation, Err: errors.New("title rejected")}

	rep := r.sync(Options{})

	if rep.Pushed != 1 {
		t.Fatalf("Pushed = %d, want 1", rep.Pushed)
	}
	if len(rep.Errors) != 1 || rep.Errors[0].Record != "wv-2" {
		t.Fatalf("Errors = %+v, want one for wv-2", rep.Errors)
	}
	if got := rep.ExitCode(); got != 2 {
		t.Errorf("ExitCode() = %d, want 2", got)
	}

	r.reload()
	if _, ok := r.st.Get("wv-1").RemoteID("github"); !ok {
		t.Error("wv-1 lost its push to wv-2's failure")
	}
	if _, ok := r.st.Get("wv-2").RemoteID("github"); ok {
		t.Error("wv-2 linked despite its failed push")
	}

	// The failed record pushes cleanly next run, without duplicating.
	delete(r.fake.failPush, "wv-2")
	rep = r.sync(Options{})
	if rep.Pushed != 1 || rep.UpToDate != 1 {
		t.Errorf("second run: pushed %d, up to date %d, want 1, 1", rep.Pushed, rep.UpToDate)
	}
	if len(r.fake.records) != 2 {
		t.Errorf("remote holds %d records, want 2", len(r.fake.records))
	}
}

// A record linked on two backends pushes to both in one run. The push
// delay keeps the chunks overlapping so each backend's success path
// stamps the shared working copy while the other still reads it.
func TestSyncPushesSharedRecordToTwoBackends(t *testing.T) {
	local := issue("wv-1", "Shared everywhere")
	linked(local, "github", "r1", tBase)
	linked(local, "peer", "p1", tBase)
	local.Status = types.StatusInProgress
	local.UpdatedAt = tLocal

	dir := t.TempDir()
	weft := filepath.Join(dir, ".weft")
	if err := os.MkdirAll(weft, 0o755); err != nil {
		t.Fatal(err)
	}
	st, err := store.Load(filepath.Join(dir, "records.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	st.Put(local)
	if err := st.Save(); err != nil {
		t.Fatal(err)
	}
	gh := newFakeBackend("github")
	gh.seed("r1", "Shared everywhere", tBase)
	gh.pushDelay = 10 * time.Millisecond
	peer := newFakeBackend("peer")
	peer.seed("p1", "Shared everywhere", tBase)
	peer.pushDelay = 10 * time.Millisecond
	orch := New(st, baseline.New(st.Path()), []backend.Backend{gh, peer}, testRetry, "wv", weft)

	rep, err := orch.Sync(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if rep.Pushed != 2 {
		t.Fatalf("Pushed = %d, want 2", rep.Pushed)
	}
	if got := gh.records["r1"].Snapshot.Status; got != types.StatusInProgress {
		t.Errorf("github status = %q, want in_progress", got)
	}
	if got := peer.records["p1"].Snapshot.Status; got != types.StatusInProgress {
		t.Errorf("peer status = %q, want in_progress", got)
	}

	st2, err := store.Load(filepath.Join(dir, "records.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	rec := st2.Get("wv-1")
	for _, name := range []string{"github", "peer"} {
		link := rec.Remotes[name]
		if link == nil || link.Snapshot == nil || link.Snapshot.Status != types.StatusInProgress {
			t.Errorf("%s link not stamped: %+v", name, link)
		}
	}
	if rec.LastSyncedAt == nil {
		t.Error("LastSyncedAt not set after both pushes")
	}
}

func TestSyncDryRunPlansWithoutWriting(t *testing.T) {
	r := newRig(t, issue("wv-1", "Local only"))
	r.fake.seed("r1", "Remote only", tRemote)

	before, err := os.ReadFile(filepath.Join(r.dir, "records.jsonl"))
	if err != nil {
		t.Fatal(err)
	}

	rep := r.sync(Options{DryRun: true})

	if !rep.DryRun {
		t.Error("report not marked dry-run")
	}
	if len(rep.Plan) != 2 {
		t.Fatalf("plan holds %d entries, want 2: %+v", len(rep.Plan), rep.Plan)
	}
	actions := make(map[string]string, len(rep.Plan))
	for _, e := range rep.Plan {
		actions[e.Record] = e.Action
	}
	if actions["wv-1"] != string(ActionPush) {
		t.Errorf("wv-1 planned as %q, want push", actions["wv-1"])
	}
	if actions["wv-2"] != string(ActionUpdateLocal) {
		t.Errorf("import planned as %q, want update-local", actions["wv-2"])
	}

	if r.fake.pushes != 0 {
		t.Errorf("dry run pushed (%d calls)", r.fake.pushes)
	}
	after, err := os.ReadFile(filepath.Join(r.dir, "records.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("dry run rewrote the store")
	}
	if _, err := os.Stat(config.StatePath(r.weft)); !os.IsNotExist(err) {
		t.Error("dry run wrote sync state")
	}
	if _, err := os.Stat(config.ConflictsPath(r.weft)); !os.IsNotExist(err) {
		t.Error("dry run wrote conflict state")
	}
}

func TestSyncCollapsesDuplicates(t *testing.T) {
	a := issue("wv-1", "Connection timeout on save")
	b := issueAt("wv-2", "Connection timeout on save", tLocal)
	linked(b, "github", "r2", tLocal)
	r := newRig(t, a, b)
	r.fake.seed("r2", "Connection timeout on save", tLocal)

	rep := r.sync(Options{})

	if rep.DuplicatesResolved != 1 {
		t.Fatalf("DuplicatesResolved = %d, want 1", rep.DuplicatesResolved)
	}
	if got := rep.ExitCode(); got != 0 {
		t.Errorf("ExitCode() = %d, want 0", got)
	}

	r.reload()
	dup := r.st.Get("wv-2")
	if !dup.Archived || dup.CanonicalID != "wv-1" {
		t.Fatalf("duplicate state = archived %v, canonical %q", dup.Archived, dup.CanonicalID)
	}
	canon := r.st.Get("wv-1")
	if id, ok := canon.RemoteID("github"); !ok || id != "r2" {
		t.Fatalf("canonical did not adopt the duplicate's remote identity: %q, %v", id, ok)
	}
	if len(r.fake.records) != 1 {
		t.Errorf("remote holds %d records, want 1", len(r.fake.records))
	}
}

func TestSyncDeleteRemovesDuplicateRemoteCopies(t *testing.T) {
	a := issue("wv-1", "Race in export queue")
	b := issueAt("wv-2", "Race in export queue", tLocal)
	linked(b, "github", "r2", tLocal)
	r := newRig(t, a, b)
	r.fake.seed("r2", "Race in export queue", tLocal)

	rep := r.sync(Options{Delete: true})

	if got := rep.Backends["github"].Deleted; got != 1 {
		t.Fatalf("Deleted = %d, want 1", got)
	}
	if _, ok := r.fake.records["r2"]; ok {
		t.Error("duplicate's remote copy survived --delete")
	}
	// The canonical's create waits a run so it cannot adopt the copy
	// being deleted behind it.
	if rep.Pushed != 0 {
		t.Errorf("Pushed = %d, want 0 (create deferred)", rep.Pushed)
	}
	r.reload()
	if !r.st.Get("wv-2").Archived {
		t.Error("duplicate not archived")
	}

	rep = r.sync(Options{})
	if rep.Pushed != 1 {
		t.Fatalf("second run Pushed = %d, want 1", rep.Pushed)
	}
	if len(r.fake.records) != 1 {
		t.Errorf("remote holds %d records, want exactly the canonical's copy", len(r.fake.records))
	}
}

func TestSyncDeleteFailureBlocksArchival(t *testing.T) {
	a := issue("wv-1", "Orphaned webhooks")
	b := issueAt("wv-2", "Orphaned webhooks", tLocal)
	linked(b, "github", "r2", tLocal)
	r := newRig(t, a, b)
	r.fake.seed("r2", "Orphaned webhooks", tLocal)
	r.fake.failDelete["r2"] = &backend.SyncError{Op: "delete", Backend: "github", Kind: backend.KindValidation, Err: errors.New("locked issue")}

	rep := r.sync(Options{Delete: true})

	if got := rep.ExitCode(); got != 2 {
		t.Errorf("ExitCode() = %d, want 2", got)
	}
	if got := rep.Backends["github"].Deleted; got != 0 {
		t.Errorf("Deleted = %d, want 0", got)
	}

	// The archival is held back so the next run re-collapses the group
	// and retries the removal.
	r.reload()
	if r.st.Get("wv-2").Archived {
		t.Error("duplicate archived despite failed remote delete")
	}

	delete(r.fake.failDelete, "r2")
	rep = r.sync(Options{Delete: true})
	if got := rep.Backends["github"].Deleted; got != 1 {
		t.Errorf("retry run Deleted = %d, want 1", got)
	}
	r.reload()
	if !r.st.Get("wv-2").Archived {
		t.Error("duplicate not archived after successful retry")
	}
}

func TestSyncReportsDuplicateLinkClash(t *testing.T) {
	a := issue("wv-1", "Double charge on refund")
	linked(a, "github", "r1", tBase)
	b := issueAt("wv-2", "Double charge on refund", tLocal)
	linked(b, "github", "r2", tLocal)
	r := newRig(t, a, b)
	r.fake.seed("r1", "Double charge on refund", tBase)
	r.fake.seed("r2", "Double charge on refund", tLocal)

	rep := r.sync(Options{})

	if rep.ConflictsFlagged != 1 {
		t.Fatalf("ConflictsFlagged = %d, want 1", rep.ConflictsFlagged)
	}
	if got := rep.ExitCode(); got != 1 {
		t.Errorf("ExitCode() = %d, want 1", got)
	}
	if len(r.fake.records) != 2 {
		t.Errorf("remote holds %d records, want both clashing copies intact", len(r.fake.records))
	}

	// Identity clashes are reported, not queued for field-level resolution.
	cs, err := resolve.LoadState(config.ConflictsPath(r.weft))
	if err != nil {
		t.Fatal(err)
	}
	if len(cs.Conflicts) != 0 {
		t.Errorf("conflict state holds %d entries, want 0", len(cs.Conflicts))
	}
}

func TestSyncNoDedupeSkipsDetection(t *testing.T) {
	a := issue("wv-1", "Same words")
	b := issueAt("wv-2", "Same words", tLocal)
	r := newRig(t, a, b)

	rep := r.sync(Options{NoDedupe: true})

	if rep.DuplicatesResolved != 0 {
		t.Fatalf("DuplicatesResolved = %d, want 0", rep.DuplicatesResolved)
	}
	r.reload()
	if r.st.Get("wv-1").Archived || r.st.Get("wv-2").Archived {
		t.Error("records archived with dedupe disabled")
	}
}

func TestSyncThresholdLoosensFuzzyMatch(t *testing.T) {
	a := issue("wv-1", "database connection pool leaks sockets under sustained heavy load test")
	b := issueAt("wv-2", "database connection pool leaks sockets under sustained heavy load bench", tLocal)
	r := newRig(t, a, b)

	rep := r.sync(Options{Threshold: 0.8})

	if rep.DuplicatesResolved != 1 {
		t.Fatalf("DuplicatesResolved = %d, want 1", rep.DuplicatesResolved)
	}
	r.reload()
	if !r.st.Get("wv-2").Archived {
		t.Error("fuzzy duplicate not archived at the loosened threshold")
	}
}

func TestSyncIncrementalFetchUsesSavedMark(t *testing.T) {
	local := issue("wv-1", "Steady state")
	linked(local, "github", "r1", tBase)
	r := newRig(t, local)
	r.fake.seed("r1", "Steady state", tRemote)

	r.sync(Options{})

	st, err := LoadSyncState(config.StatePath(r.weft))
	if err != nil {
		t.Fatal(err)
	}
	since := st.Since("github")
	if since == nil || !since.Equal(tRemote) {
		t.Fatalf("saved mark = %v, want %v", since, tRemote)
	}

	r.reload()
	r.sync(Options{})
	if r.fake.lastSince == nil || !r.fake.lastSince.Equal(tRemote) {
		t.Errorf("second fetch Since = %v, want %v", r.fake.lastSince, tRemote)
	}

	r.reload()
	r.sync(Options{Full: true})
	if r.fake.lastSince != nil {
		t.Errorf("full fetch passed Since = %v, want nil", r.fake.lastSince)
	}
}

func TestSyncKeepsMarkWhenItemsFail(t *testing.T) {
	r := newRig(t, issue("wv-1", "Fails to push"))
	r.fake.seed("r9", "Some other record", tRemote)
	r.fake.failPush["wv-1"] = &backend.SyncError{Op: "push", Backend: "github", Kind: backend.KindValidation, Err: errors.New("rejected")}

	r.sync(Options{})

	st, err := LoadSyncState(config.StatePath(r.weft))
	if err != nil {
		t.Fatal(err)
	}
	if since := st.Since("github"); since != nil {
		t.Errorf("mark advanced to %v despite a failed record", since)
	}
}

func TestSyncPullsRecordsMissedByIncrementalFetch(t *testing.T) {
	// A link that predates stored snapshots forces an explicit pull when
	// the incremental fetch comes back empty.
	local := issue("wv-1", "Old timer")
	linked(local, "github", "r1", tBase)
	local.Remotes["github"].Snapshot = nil
	r := newRig(t, local)
	r.fake.seed("r1", "Old timer", tBase)

	marks := &SyncState{Backends: map[string]*BackendState{"github": {LastFetchAt: tRemote}}}
	if err := marks.Save(config.StatePath(r.weft)); err != nil {
		t.Fatal(err)
	}

	rep := r.sync(Options{})

	if r.fake.pulls != 1 {
		t.Fatalf("Pull calls = %d, want 1", r.fake.pulls)
	}
	if rep.Pulled != 1 {
		t.Errorf("Pulled = %d, want 1", rep.Pulled)
	}
	r.reload()
	if r.st.Get("wv-1").Remotes["github"].Snapshot == nil {
		t.Error("pull did not heal the missing link snapshot")
	}
}

func TestSyncSkipsLinkedRecordDeletedRemotely(t *testing.T) {
	local := issue("wv-1", "Vanished upstream")
	linked(local, "github", "r1", tBase)
	local.Remotes["github"].Snapshot = nil
	r := newRig(t, local)
	// r1 is not seeded: the remote copy is gone.

	marks := &SyncState{Backends: map[string]*BackendState{"github": {LastFetchAt: tRemote}}}
	if err := marks.Save(config.StatePath(r.weft)); err != nil {
		t.Fatal(err)
	}

	rep := r.sync(Options{})

	if rep.Skipped != 1 {
		t.Fatalf("Skipped = %d, want 1", rep.Skipped)
	}
	if got := rep.ExitCode(); got != 0 {
		t.Errorf("ExitCode() = %d, want 0 (absence is a warning)", got)
	}
	if len(rep.Warnings) == 0 {
		t.Error("no warning for the vanished remote copy")
	}
	r.reload()
	if r.st.Get("wv-1").Archived {
		t.Error("local copy must survive remote deletion")
	}
}

func TestSyncLeavesLocalWhenRemoteCopyGoneFromFullFetch(t *testing.T) {
	local := issue("wv-1", "Vanished upstream")
	linked(local, "github", "r1", tBase)
	r := newRig(t, local)

	rep := r.sync(Options{})

	if rep.Skipped != 1 {
		t.Fatalf("Skipped = %d, want 1", rep.Skipped)
	}
	if got := rep.ExitCode(); got != 0 {
		t.Errorf("ExitCode() = %d, want 0", got)
	}
	if len(rep.Warnings) != 1 {
		t.Errorf("Warnings = %v, want one", rep.Warnings)
	}
}
