// Package peer syncs records against another weft workspace: a JSONL
// store reached through the filesystem or a git remote. Remote IDs are
// the peer's own record IDs.
package peer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/weftlabs/weft/internal/backend"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/debug"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/types"
)

// Name is the backend identifier used in config and remote links.
const Name = "peer"

func init() {
	backend.Register(Name, func(ctx context.Context, cfg *config.Config) (backend.Backend, error) {
		return New(cfg)
	})
}

// Backend syncs against a peer workspace. A filesystem peer mutates the
// peer store in place; a git peer works on a cached clone and every
// mutating batch commits and pushes before reporting success, so a
// record never counts as synced while only the cache has it.
type Backend struct {
	root   string // peer project root (the path itself, or the clone)
	url    string // git remote URL, empty for filesystem peers
	branch string

	git *gitRemote // nil for filesystem peers

	mu          sync.Mutex
	st          *store.Store
	prefix      string
	recordsPath string
}

// New creates a peer backend from configuration.
func New(cfg *config.Config) (*Backend, error) {
	p := cfg.Peer
	if p.Path == "" && p.URL == "" {
		return nil, fmt.Errorf("peer backend requires a workspace (set peer.path or peer.url)")
	}
	if p.Path != "" && p.URL != "" {
		return nil, fmt.Errorf("peer backend takes either peer.path or peer.url, not both")
	}

	b := &Backend{url: p.URL, branch: p.Branch}
	if b.branch == "" {
		b.branch = "main"
	}
	if p.Path != "" {
		abs, err := filepath.Abs(p.Path)
		if err != nil {
			return nil, err
		}
		b.root = abs
		return b, nil
	}

	dir, err := cloneDir(p.URL)
	if err != nil {
		return nil, fmt.Errorf("resolving peer cache dir: %w", err)
	}
	b.root = dir
	b.git = &gitRemote{url: p.URL, branch: b.branch, dir: dir}
	return b, nil
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return Name }

// BatchLimit implements backend.Backend. Unlimited: a single batch per
// action class keeps the git history to one commit per kind of change.
func (b *Backend) BatchLimit() int { return 0 }

// Close implements backend.Backend.
func (b *Backend) Close() error { return nil }

// Authenticate brings the peer workspace up to date and opens its store.
// For git peers that means clone or fetch plus hard reset; the cache is a
// disposable mirror of the remote branch.
func (b *Backend) Authenticate(ctx context.Context) error {
	if b.git != nil {
		if err := b.git.refresh(ctx); err != nil {
			return err
		}
	}
	return b.openStore()
}

func (b *Backend) openStore() error {
	info, err := os.Stat(b.root)
	if err != nil || !info.IsDir() {
		return &backend.SyncError{
			Op: "auth", Backend: Name, Kind: backend.KindAuth,
			Err: fmt.Errorf("peer workspace %s not found", b.root),
		}
	}

	recordsPath := filepath.Join(b.root, config.DefaultRecordsFile)
	prefix := ""
	weftDir := filepath.Join(b.root, config.WorkspaceDirName)
	ws, err := config.LoadWorkspace(weftDir)
	if err != nil {
		return &backend.SyncError{Op: "auth", Backend: Name, Kind: backend.KindValidation, Err: err}
	}
	if ws != nil {
		recordsPath = ws.RecordsPath(weftDir)
		prefix = ws.Prefix
	}

	st, err := store.Load(recordsPath)
	if err != nil {
		return &backend.SyncError{
			Op: "auth", Backend: Name, Kind: backend.KindValidation,
			Err: fmt.Errorf("loading peer store: %w", err),
		}
	}
	if prefix == "" {
		prefix = dominantPrefix(st.All())
	}

	b.mu.Lock()
	b.st, b.prefix, b.recordsPath = st, prefix, recordsPath
	b.mu.Unlock()
	debug.Logf("peer: opened %s (%d records, prefix %s)", recordsPath, st.Len(), prefix)
	return nil
}

// dominantPrefix infers the peer's ID prefix from its records when the
// workspace metadata is missing, taking the most common "<prefix>-<n>"
// stem. Ties and empty stores fall back to "peer".
func dominantPrefix(recs []*types.Record) string {
	counts := make(map[string]int)
	for _, r := range recs {
		i := strings.LastIndex(r.ID, "-")
		if i <= 0 {
			continue
		}
		if _, err := strconv.Atoi(r.ID[i+1:]); err == nil {
			counts[r.ID[:i]]++
		}
	}
	best, bestN := "peer", 0
	for p, n := range counts {
		if n > bestN || (n == bestN && p < best) {
			best, bestN = p, n
		}
	}
	return best
}

func (b *Backend) notReady(op string) error {
	return &backend.SyncError{
		Op: op, Backend: Name, Kind: backend.KindUnavailable,
		Err: fmt.Errorf("peer workspace not opened"),
	}
}

// FetchAll returns the peer's live records. Archived peer records are
// deleted as far as sync is concerned.
func (b *Backend) FetchAll(ctx context.Context, opts backend.FetchOptions) ([]*backend.RemoteRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st == nil {
		return nil, b.notReady("fetch")
	}

	var out []*backend.RemoteRecord
	for _, rec := range b.st.Live() {
		if opts.Since != nil && rec.UpdatedAt.Before(*opts.Since) {
			continue
		}
		out = append(out, remoteRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out, nil
}

func remoteRecord(rec *types.Record) *backend.RemoteRecord {
	return &backend.RemoteRecord{
		RemoteID:  rec.ID,
		Kind:      rec.Kind,
		Snapshot:  types.SnapshotOf(rec),
		UpdatedAt: rec.UpdatedAt,
	}
}

// Push writes records into the peer store: linked records update their
// counterpart, unlinked ones match by natural key before creating under
// the peer's own prefix. The batch persists as one store write and, for
// git peers, one commit and push.
func (b *Backend) Push(ctx context.Context, records []*types.Record) (*backend.PushOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st == nil {
		return nil, b.notReady("push")
	}

	out := &backend.PushOutcome{}
	now := time.Now().UTC()
	for _, rec := range records {
		res, err := b.applyPush(rec, now)
		if err != nil {
			out.Failed = append(out.Failed, backend.ItemError{ID: rec.ID, Err: err})
			continue
		}
		out.Pushed = append(out.Pushed, *res)
	}

	if len(out.Pushed) > 0 {
		msg := fmt.Sprintf("weft sync: push %d records", len(out.Pushed))
		if err := b.persist(ctx, "push", msg); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (b *Backend) applyPush(rec *types.Record, now time.Time) (*backend.PushResult, error) {
	target, created, err := b.targetFor(rec)
	if err != nil {
		return nil, err
	}

	snap := types.SnapshotOf(rec)
	snap.Apply(target, now)
	b.st.Put(target)
	debug.Logf("peer: %s %s as %s", pushVerb(created), rec.ID, target.ID)
	return &backend.PushResult{ID: rec.ID, RemoteID: target.ID, Created: created}, nil
}

func pushVerb(created bool) string {
	if created {
		return "created"
	}
	return "updated"
}

// targetFor resolves the peer record a push lands on: the linked record,
// a live natural-key match, or a fresh record in the peer's ID space.
func (b *Backend) targetFor(rec *types.Record) (*types.Record, bool, error) {
	if id, ok := rec.RemoteID(Name); ok {
		target := b.st.Get(id)
		if target == nil || target.Archived {
			return nil, false, &backend.SyncError{
				Op: "push", Backend: Name, Kind: backend.KindNotFound,
				Err: fmt.Errorf("peer record %s is gone", id),
			}
		}
		return target, false, nil
	}

	key := naturalKey(rec.Title)
	for _, cand := range b.st.Live() {
		if cand.Kind == rec.Kind && naturalKey(cand.Title) == key {
			return cand, false, nil
		}
	}

	created := &types.Record{
		ID:        b.st.AllocateID(b.prefix),
		Kind:      rec.Kind,
		Project:   rec.Project,
		CreatedAt: rec.CreatedAt,
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now().UTC()
	}
	created.SetDefaults()
	return created, true, nil
}

func naturalKey(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

// Pull returns the identified peer records. Missing and archived records
// report not found.
func (b *Backend) Pull(ctx context.Context, remoteIDs []string) (*backend.PullOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st == nil {
		return nil, b.notReady("pull")
	}

	out := &backend.PullOutcome{}
	for _, id := range remoteIDs {
		rec := b.st.Get(id)
		if rec == nil || rec.Archived {
			out.Failed = append(out.Failed, backend.ItemError{ID: id, Err: &backend.SyncError{
				Op: "pull", Backend: Name, Kind: backend.KindNotFound,
				Err: fmt.Errorf("peer record %s is gone", id),
			}})
			continue
		}
		out.Records = append(out.Records, remoteRecord(rec))
	}
	return out, nil
}

// DeleteRemote archives the identified peer records. Archival is the
// peer-store form of deletion; the records stay in the file as an audit
// trail, exactly as local duplicate collapses do.
func (b *Backend) DeleteRemote(ctx context.Context, remoteIDs []string) (*backend.DeleteOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st == nil {
		return nil, b.notReady("delete")
	}

	out := &backend.DeleteOutcome{}
	now := time.Now().UTC()
	for _, id := range remoteIDs {
		rec := b.st.Get(id)
		if rec == nil || rec.Archived {
			out.Failed = append(out.Failed, backend.ItemError{ID: id, Err: &backend.SyncError{
				Op: "delete", Backend: Name, Kind: backend.KindNotFound,
				Err: fmt.Errorf("peer record %s is gone", id),
			}})
			continue
		}
		ts := now
		rec.Archived = true
		rec.ArchivedAt = &ts
		rec.ArchiveReason = "duplicate removed by peer sync"
		rec.UpdatedAt = now
		rec.ContentHash = rec.ComputeContentHash()
		b.st.Put(rec)
		out.Deleted = append(out.Deleted, id)
	}

	if len(out.Deleted) > 0 {
		msg := fmt.Sprintf("weft sync: archive %d duplicates", len(out.Deleted))
		if err := b.persist(ctx, "delete", msg); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// persist writes the peer store and, for git peers, publishes the change.
// A publish failure fails the whole batch; the executor then re-runs it,
// and applyPush re-resolves the same targets.
func (b *Backend) persist(ctx context.Context, op, msg string) error {
	if err := b.st.Save(); err != nil {
		return &backend.SyncError{
			Op: op, Backend: Name, Kind: backend.KindTransient,
			Err: fmt.Errorf("writing peer store: %w", err),
		}
	}
	if b.git == nil {
		return nil
	}
	rel, err := filepath.Rel(b.root, b.recordsPath)
	if err != nil {
		rel = config.DefaultRecordsFile
	}
	return b.git.publish(ctx, op, rel, msg)
}
