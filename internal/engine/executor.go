package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weftlabs/weft/internal/backend"
	"github.com/weftlabs/weft/internal/debug"
	"github.com/weftlabs/weft/internal/retry"
	"github.com/weftlabs/weft/internal/types"
)

// executor applies one plan, class by class in plan order. Local classes
// mutate working copies directly; push and delete call the backends
// through the retry executors, in parallel within the class, and stage
// link and snapshot updates on success. The store itself stays untouched:
// the orchestrator persists settled working copies afterwards.
type executor struct {
	backends map[string]backend.Backend
	retry    map[string]*retry.Executor
	working  *workingSet
	pairs    map[pairKey]*pair
	report   *Report
	jobs     int
	now      time.Time

	mu      sync.Mutex
	dirty   map[string]bool  // working copies to persist
	blocked map[string]bool  // working copies held back for a replay
	failed  map[pairKey]bool // record+backend operations that did not finish
}

func newExecutor(o *Orchestrator, working *workingSet, pairs []*pair, r *Report, jobs int) *executor {
	backends := make(map[string]backend.Backend, len(o.backends))
	for _, b := range o.backends {
		backends[b.Name()] = b
	}
	index := make(map[pairKey]*pair, len(pairs))
	for _, p := range pairs {
		if p.local != nil {
			index[pairKey{p.local.ID, p.backend}] = p
		}
	}
	return &executor{
		backends: backends,
		retry:    o.retry,
		working:  working,
		pairs:    index,
		report:   r,
		jobs:     jobs,
		now:      o.now(),
		dirty:    make(map[string]bool),
		blocked:  make(map[string]bool),
		failed:   make(map[pairKey]bool),
	}
}

// run executes the plan. The returned error is an abort: credentials went
// bad or a backend went down mid-run. Item-level failures land in the
// report and never stop the remaining items.
func (x *executor) run(ctx context.Context, plan *Plan) error {
	for _, a := range plan.byType(ActionArchiveLocal) {
		x.dirty[a.RecordID] = true
		debug.Logf("exec: archive %s (%s)", a.RecordID, a.Reason)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, a := range plan.byType(ActionUpdateLocal) {
		x.applyLocal(a)
	}
	if err := x.pushAll(ctx, plan.byType(ActionPush)); err != nil {
		return err
	}
	if err := x.deleteAll(ctx, plan.byType(ActionDeleteRemote)); err != nil {
		return err
	}
	// Flag actions carry no work here; the orchestrator persists flagged
	// conflicts when it finalizes the run.
	return nil
}

// applyLocal commits one pull to the working copy. The content itself
// landed during merging; what remains is bookkeeping, plus the snapshot
// stamp for pull-only pairs, whose remote side already holds the agreed
// state.
func (x *executor) applyLocal(a Action) {
	x.dirty[a.RecordID] = true
	if a.Backend == "" {
		// Duplicate-absorb step; counted through its group.
		return
	}
	x.report.backend(a.Backend).Pulled++
	p := x.pairs[pairKey{a.RecordID, a.Backend}]
	if p != nil && !p.push && len(p.flagged) == 0 {
		x.stamp(a.RecordID, a.Backend)
	}
	debug.Logf("exec: update %s from %s (%s)", a.RecordID, a.Backend, a.Reason)
}

func (x *executor) pushAll(ctx context.Context, actions []Action) error {
	if len(actions) == 0 {
		return nil
	}
	byBackend := make(map[string][]Action)
	for _, a := range actions {
		byBackend[a.Backend] = append(byBackend[a.Backend], a)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.jobs)
	for _, name := range sortedNames(byBackend) {
		b := x.backends[name]
		for _, group := range chunked(byBackend[name], b.BatchLimit()) {
			g.Go(func() error { return x.pushChunk(gctx, b, group) })
		}
	}
	return g.Wait()
}

func (x *executor) pushChunk(ctx context.Context, b backend.Backend, actions []Action) error {
	name := b.Name()
	recs := make([]*types.Record, 0, len(actions))
	x.mu.Lock()
	for _, a := range actions {
		if rec := x.working.get(a.RecordID); rec != nil {
			// Clone under the lock: a record linked on several backends is
			// stamped by each success path while other chunks still read it.
			recs = append(recs, rec.Clone())
		}
	}
	x.mu.Unlock()
	out, err := retry.DoValue(ctx, x.retry[name], "push", func(ctx context.Context) (*backend.PushOutcome, error) {
		return b.Push(ctx, recs)
	})
	if err != nil {
		if abortClass(err) || ctx.Err() != nil {
			return fmt.Errorf("%s push: %w", name, err)
		}
		for _, a := range actions {
			x.itemFailed(a.RecordID, name, err)
		}
		return nil
	}
	for _, pr := range out.Pushed {
		x.pushSucceeded(name, pr)
	}
	for _, ie := range out.Failed {
		if abortClass(ie.Err) {
			return fmt.Errorf("%s push %s: %w", name, ie.ID, ie.Err)
		}
		x.itemFailed(ie.ID, name, ie.Err)
	}
	return nil
}

// pushSucceeded adopts the remote identity a create assigned and stamps
// the record's settled state for that backend.
func (x *executor) pushSucceeded(name string, pr backend.PushResult) {
	x.mu.Lock()
	defer x.mu.Unlock()
	rec := x.working.get(pr.ID)
	if rec == nil {
		return
	}
	if err := rec.LinkRemote(name, pr.RemoteID); err != nil {
		// The backend answered with an identity that clashes with the
		// stored link. Never overwrite; surface it.
		x.failed[pairKey{pr.ID, name}] = true
		x.report.addError(ReportError{
			Record:  pr.ID,
			Backend: name,
			Stage:   string(StateExecuting),
			Kind:    "link",
			Message: err.Error(),
		})
		return
	}
	x.stampLocked(pr.ID, name)
	x.report.backend(name).Pushed++
	if pr.Created {
		debug.Logf("exec: created %s on %s as %s", pr.ID, name, pr.RemoteID)
	} else {
		debug.Logf("exec: updated %s on %s", pr.ID, name)
	}
}

func (x *executor) itemFailed(recordID, backendName string, err error) {
	x.mu.Lock()
	x.failed[pairKey{recordID, backendName}] = true
	x.mu.Unlock()
	x.report.addError(ReportError{
		Record:  recordID,
		Backend: backendName,
		Stage:   string(StateExecuting),
		Kind:    string(backend.ErrKind(err)),
		Message: err.Error(),
	})
}

func (x *executor) deleteAll(ctx context.Context, actions []Action) error {
	if len(actions) == 0 {
		return nil
	}
	byBackend := make(map[string][]Action)
	for _, a := range actions {
		byBackend[a.Backend] = append(byBackend[a.Backend], a)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.jobs)
	for _, name := range sortedNames(byBackend) {
		b := x.backends[name]
		for _, group := range chunked(byBackend[name], b.BatchLimit()) {
			g.Go(func() error { return x.deleteChunk(gctx, b, group) })
		}
	}
	return g.Wait()
}

func (x *executor) deleteChunk(ctx context.Context, b backend.Backend, actions []Action) error {
	name := b.Name()
	ids := make([]string, 0, len(actions))
	owner := make(map[string]string, len(actions)) // remote id -> local record
	for _, a := range actions {
		ids = append(ids, a.RemoteID)
		owner[a.RemoteID] = a.RecordID
	}
	out, err := retry.DoValue(ctx, x.retry[name], "delete", func(ctx context.Context) (*backend.DeleteOutcome, error) {
		return b.DeleteRemote(ctx, ids)
	})
	if err != nil {
		if abortClass(err) || ctx.Err() != nil {
			return fmt.Errorf("%s delete: %w", name, err)
		}
		for _, a := range actions {
			x.deleteFailed(a.RecordID, name, err)
		}
		return nil
	}
	for _, remoteID := range out.Deleted {
		x.deleteSucceeded(owner[remoteID], name, remoteID)
	}
	for _, ie := range out.Failed {
		if abortClass(ie.Err) {
			return fmt.Errorf("%s delete %s: %w", name, ie.ID, ie.Err)
		}
		if backend.ErrKind(ie.Err) == backend.KindNotFound {
			// Already gone; that is the state we wanted.
			x.deleteSucceeded(owner[ie.ID], name, ie.ID)
			continue
		}
		x.deleteFailed(owner[ie.ID], name, ie.Err)
	}
	return nil
}

// deleteSucceeded drops the archived duplicate's link to the removed
// remote copy.
func (x *executor) deleteSucceeded(recordID, backendName, remoteID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if rec := x.working.get(recordID); rec != nil {
		delete(rec.Remotes, backendName)
		x.dirty[recordID] = true
	}
	x.report.backend(backendName).Deleted++
	debug.Logf("exec: deleted %s from %s", remoteID, backendName)
}

// deleteFailed holds the duplicate's archival back so the next run
// re-collapses the group and retries the removal.
func (x *executor) deleteFailed(recordID, backendName string, err error) {
	x.mu.Lock()
	x.blocked[recordID] = true
	x.failed[pairKey{recordID, backendName}] = true
	x.mu.Unlock()
	x.report.addError(ReportError{
		Record:  recordID,
		Backend: backendName,
		Stage:   string(StateExecuting),
		Kind:    string(backend.ErrKind(err)),
		Message: fmt.Sprintf("delete remote copy: %v", err),
	})
}

// stamp records a settled sync for one record on one backend: the link
// snapshot becomes the agreed state and last_synced_at moves. Called only
// once every remote effect for the record on that backend has finished.
func (x *executor) stamp(recordID, backendName string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.stampLocked(recordID, backendName)
}

func (x *executor) stampLocked(recordID, backendName string) {
	rec := x.working.get(recordID)
	if rec == nil {
		return
	}
	link := rec.Remotes[backendName]
	if link == nil {
		return
	}
	link.Snapshot = types.SnapshotOf(rec)
	link.SyncedAt = x.now.UTC()
	ts := x.now.UTC()
	rec.LastSyncedAt = &ts
	x.dirty[recordID] = true
}

// abortClass reports failures that invalidate the whole run rather than
// one item: bad credentials, an open breaker, a hard-down backend.
func abortClass(err error) bool {
	if errors.Is(err, retry.ErrBreakerOpen) {
		return true
	}
	switch backend.ErrKind(err) {
	case backend.KindAuth, backend.KindUnavailable:
		return true
	}
	return false
}

// chunked splits items into batches of at most limit; zero means no
// limit.
func chunked[T any](items []T, limit int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if limit <= 0 || len(items) <= limit {
		return [][]T{items}
	}
	out := make([][]T, 0, (len(items)+limit-1)/limit)
	for start := 0; start < len(items); start += limit {
		end := min(start+limit, len(items))
		out = append(out, items[start:end])
	}
	return out
}

func sortedNames[T any](m map[string]T) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
