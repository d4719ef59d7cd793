// Package engine drives a sync run end to end. The orchestrator walks a
// fixed pipeline: authenticate, fetch, resolve baselines, merge, detect
// duplicates, plan, execute, report. Stages run sequentially; fetching
// and executing fan out over bounded worker pools. Every record mutation
// lands on a working copy first and reaches the store only during the
// reporting stage, so a failed or cancelled run never leaves half-synced
// state behind.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weftlabs/weft/internal/backend"
	"github.com/weftlabs/weft/internal/baseline"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/debug"
	"github.com/weftlabs/weft/internal/dedupe"
	"github.com/weftlabs/weft/internal/resolve"
	"github.com/weftlabs/weft/internal/retry"
	"github.com/weftlabs/weft/internal/store"
)

// defaultJobs bounds stage concurrency when Options.Jobs is unset.
const defaultJobs = 4

// RunState names one stage of the sync pipeline.
type RunState string

// Pipeline states in order. Aborted is reachable from any active state.
const (
	StateIdle                RunState = "idle"
	StateAuthenticating      RunState = "authenticating"
	StateFetching            RunState = "fetching"
	StateResolving           RunState = "resolving"
	StateMerging             RunState = "merging"
	StateDetectingDuplicates RunState = "detecting-duplicates"
	StatePlanning            RunState = "planning"
	StateExecuting           RunState = "executing"
	StateReporting           RunState = "reporting"
	StateDone                RunState = "done"
	StateAborted             RunState = "aborted"
)

// Options tune one sync run.
type Options struct {
	// DryRun runs every stage except execution and writes nothing.
	DryRun bool

	// Force overrides the strategy table for every conflicted field.
	// Cleanly merged fields are never touched.
	Force resolve.Force

	// Full ignores stored high-water marks and fetches everything.
	Full bool

	// NoDedupe skips duplicate detection.
	NoDedupe bool

	// Delete schedules remote copies of archived duplicates for deletion
	// instead of transferring their links to the canonical.
	Delete bool

	// Jobs bounds fetch and execute concurrency. Zero means defaultJobs.
	Jobs int

	// Threshold overrides the fuzzy-title duplicate cutoff. Zero keeps
	// the detector's default.
	Threshold float64
}

// Orchestrator owns one workspace's sync pipeline. Collaborators are
// injected at construction and never call back into the engine.
type Orchestrator struct {
	store     *store.Store
	baselines *baseline.Resolver
	backends  []backend.Backend
	retry     map[string]*retry.Executor
	prefix    string
	weftDir   string

	state RunState
	now   func() time.Time
}

// New assembles an orchestrator over an already-loaded store. The caller
// resolves backends from the registry beforehand and holds the workspace
// lock for the lifetime of the run.
func New(st *store.Store, baselines *baseline.Resolver, backends []backend.Backend, retryCfg retry.Config, prefix, weftDir string) *Orchestrator {
	execs := make(map[string]*retry.Executor, len(backends))
	for _, b := range backends {
		execs[b.Name()] = retry.NewExecutor(b.Name(), retryCfg)
	}
	return &Orchestrator{
		store:     st,
		baselines: baselines,
		backends:  backends,
		retry:     execs,
		prefix:    prefix,
		weftDir:   weftDir,
		state:     StateIdle,
		now:       time.Now,
	}
}

// State reports the stage the pipeline is currently in.
func (o *Orchestrator) State() RunState { return o.state }

// Sync runs the pipeline once. Per-record failures land in the report and
// the run continues; the returned error is non-nil only when the run
// aborted (bad credentials, unreachable backend, cancellation). The
// report is returned in either case.
func (o *Orchestrator) Sync(ctx context.Context, opts Options) (*Report, error) {
	if opts.Jobs < 1 {
		opts.Jobs = defaultJobs
	}
	r := newReport(o.now())
	r.DryRun = opts.DryRun

	syncState, err := LoadSyncState(config.StatePath(o.weftDir))
	if err != nil {
		// Unreadable marks only cost incrementality.
		r.addWarning(fmt.Sprintf("sync state unreadable, fetching everything: %v", err))
		syncState = &SyncState{Backends: make(map[string]*BackendState)}
		opts.Full = true
	}

	if err := o.runStage(ctx, r, StateAuthenticating, func(ctx context.Context) error {
		return o.authenticate(ctx)
	}); err != nil {
		return o.abort(r, StateAuthenticating, err)
	}

	working := newWorkingSet(o.store, o.prefix)

	var fetched map[string][]*backend.RemoteRecord
	var marks map[string]time.Time
	if err := o.runStage(ctx, r, StateFetching, func(ctx context.Context) error {
		f, m, err := o.fetch(ctx, r, syncState, opts)
		if err != nil {
			return err
		}
		fetched, marks = f, m
		return nil
	}); err != nil {
		return o.abort(r, StateFetching, err)
	}

	rc := &reconciler{
		working:   working,
		baselines: o.baselines,
		resolvers: make(map[string]*resolve.Resolver, len(o.backends)),
		force:     opts.Force,
		now:       o.now(),
	}
	for _, b := range o.backends {
		rc.resolvers[b.Name()] = resolve.NewResolver(b.Name())
	}

	var pairs []*pair
	if err := o.runStage(ctx, r, StateResolving, func(ctx context.Context) error {
		locals := working.all()
		for _, b := range o.backends {
			name := b.Name()
			incremental := !opts.Full && syncState.Since(name) != nil
			pairs = append(pairs, correlate(locals, fetched[name], name, incremental)...)
		}
		if err := o.fillNeedFetch(ctx, pairs); err != nil {
			return err
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Jobs)
		for _, p := range pairs {
			g.Go(func() error { return rc.resolveBaseline(gctx, p) })
		}
		return g.Wait()
	}); err != nil {
		return o.abort(r, StateResolving, err)
	}

	if err := o.runStage(ctx, r, StateMerging, func(ctx context.Context) error {
		for _, p := range pairs {
			if err := rc.reconcile(ctx, p); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return o.abort(r, StateMerging, err)
	}

	var dupes []dedupe.Resolution
	if !opts.NoDedupe {
		if err := o.runStage(ctx, r, StateDetectingDuplicates, func(context.Context) error {
			groups := dedupe.FindGroups(working.live(), dedupe.Options{Threshold: opts.Threshold})
			for _, g := range groups {
				dupes = append(dupes, dedupe.Collapse(g, dedupe.CollapseOptions{TransferLinks: !opts.Delete}, o.now()))
			}
			return nil
		}); err != nil {
			return o.abort(r, StateDetectingDuplicates, err)
		}
	}

	var plan *Plan
	if err := o.runStage(ctx, r, StatePlanning, func(context.Context) error {
		plan = buildPlan(pairs, dupes, working, opts.Delete)
		return nil
	}); err != nil {
		return o.abort(r, StatePlanning, err)
	}
	debug.Logf("engine: planned %d actions across %d pairs", len(plan.Actions), len(pairs))

	x := newExecutor(o, working, pairs, r, opts.Jobs)
	var execErr error
	if !opts.DryRun {
		execErr = o.runStage(ctx, r, StateExecuting, func(ctx context.Context) error {
			return x.run(ctx, plan)
		})
		if execErr != nil {
			// Finalize anyway: per-record successes stay applied and the
			// report shows how far the run got. Aborted is terminal, so the
			// pipeline enters it only after reporting settles.
			r.Aborted = true
			r.addError(ReportError{
				Stage:   string(StateExecuting),
				Kind:    string(backend.ErrKind(execErr)),
				Message: execErr.Error(),
			})
		}
	}

	o.transition(StateReporting)
	begin := o.now()
	ferr := o.finalize(r, working, pairs, dupes, plan, x, syncState, marks, opts)
	r.recordStage(string(StateReporting), o.now().Sub(begin))
	r.FinishedAt = o.now().UTC()

	switch {
	case ferr != nil:
		r.Aborted = true
		r.addError(ReportError{Stage: string(StateReporting), Message: ferr.Error()})
		o.transition(StateAborted)
		return r, ferr
	case r.Aborted:
		o.transition(StateAborted)
		return r, execErr
	}
	o.transition(StateDone)
	debug.Logf("engine: run complete in %s", r.FinishedAt.Sub(r.StartedAt))
	return r, nil
}

// runStage times one stage, checking for cancellation first.
func (o *Orchestrator) runStage(ctx context.Context, r *Report, s RunState, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.transition(s)
	begin := o.now()
	err := fn(ctx)
	r.recordStage(string(s), o.now().Sub(begin))
	return err
}

func (o *Orchestrator) transition(s RunState) {
	debug.Logf("engine: %s -> %s", o.state, s)
	o.state = s
}

// abort finalizes the report for a run that cannot continue.
func (o *Orchestrator) abort(r *Report, stage RunState, err error) (*Report, error) {
	o.transition(StateAborted)
	r.Aborted = true
	r.FinishedAt = o.now().UTC()
	r.addError(ReportError{
		Stage:   string(stage),
		Kind:    string(backend.ErrKind(err)),
		Message: err.Error(),
	})
	debug.Logf("engine: aborted in %s: %v", stage, err)
	return r, err
}

func (o *Orchestrator) authenticate(ctx context.Context) error {
	for _, b := range o.backends {
		if err := o.retry[b.Name()].Do(ctx, "auth", b.Authenticate); err != nil {
			return fmt.Errorf("%s: %w", b.Name(), err)
		}
		debug.Logf("engine: %s authenticated", b.Name())
	}
	return nil
}

// fetch retrieves each backend's remote state, incrementally when a
// high-water mark exists and --full was not given. marks carries the
// newest remote update seen per backend, the candidate next mark.
func (o *Orchestrator) fetch(ctx context.Context, r *Report, syncState *SyncState, opts Options) (map[string][]*backend.RemoteRecord, map[string]time.Time, error) {
	fetched := make(map[string][]*backend.RemoteRecord, len(o.backends))
	marks := make(map[string]time.Time, len(o.backends))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Jobs)
	for _, b := range o.backends {
		g.Go(func() error {
			name := b.Name()
			var fo backend.FetchOptions
			if !opts.Full {
				fo.Since = syncState.Since(name)
			}
			if fo.Since != nil {
				debug.Logf("engine: %s incremental fetch since %s", name, fo.Since.Format(time.RFC3339))
			}
			recs, err := retry.DoValue(gctx, o.retry[name], "fetch", func(ctx context.Context) ([]*backend.RemoteRecord, error) {
				return b.FetchAll(ctx, fo)
			})
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			var newest time.Time
			for _, rr := range recs {
				if rr.UpdatedAt.After(newest) {
					newest = rr.UpdatedAt
				}
			}
			mu.Lock()
			fetched[name] = recs
			marks[name] = newest
			mu.Unlock()
			r.backend(name).Fetched = len(recs)
			debug.Logf("engine: %s fetched %d records", name, len(recs))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return fetched, marks, nil
}

// fillNeedFetch pulls current remote state for linked records an
// incremental fetch skipped when no stored snapshot can stand in. A pull
// failure skips just that record; infrastructure failures abort.
func (o *Orchestrator) fillNeedFetch(ctx context.Context, pairs []*pair) error {
	byBackend := make(map[string][]*pair)
	for _, p := range pairs {
		if p.needFetch {
			byBackend[p.backend] = append(byBackend[p.backend], p)
		}
	}
	for _, b := range o.backends {
		name := b.Name()
		want := byBackend[name]
		if len(want) == 0 {
			continue
		}
		index := make(map[string]*pair, len(want))
		ids := make([]string, 0, len(want))
		for _, p := range want {
			remoteID, _ := p.local.RemoteID(name)
			index[remoteID] = p
			ids = append(ids, remoteID)
		}
		sort.Strings(ids)
		debug.Logf("engine: %s pulling %d records missed by incremental fetch", name, len(ids))

		for _, group := range chunked(ids, b.BatchLimit()) {
			out, err := retry.DoValue(ctx, o.retry[name], "pull", func(ctx context.Context) (*backend.PullOutcome, error) {
				return b.Pull(ctx, group)
			})
			if err != nil {
				if abortClass(err) || ctx.Err() != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				for _, id := range group {
					skipPair(index[id], fmt.Sprintf("%s: pull %s: %v", index[id].local.ID, id, err), err)
				}
				continue
			}
			got := make(map[string]bool, len(out.Records))
			for _, rr := range out.Records {
				p := index[rr.RemoteID]
				if p == nil {
					continue
				}
				p.remote = rr
				p.needFetch = false
				got[rr.RemoteID] = true
			}
			for _, ie := range out.Failed {
				p := index[ie.ID]
				if p == nil {
					continue
				}
				got[ie.ID] = true
				if backend.ErrKind(ie.Err) == backend.KindNotFound {
					// The linked copy is gone remotely; treat it like an
					// absence from a full fetch.
					p.remote = nil
					p.needFetch = false
					p.remoteMissing = true
					continue
				}
				skipPair(p, fmt.Sprintf("%s: pull %s: %v", p.local.ID, ie.ID, ie.Err), ie.Err)
			}
			for _, id := range group {
				if !got[id] {
					skipPair(index[id], fmt.Sprintf("%s: pull %s: backend returned nothing", index[id].local.ID, id), nil)
				}
			}
		}
	}
	return nil
}

// skipPair sidelines one pair for the rest of the run.
func skipPair(p *pair, reason string, err error) {
	p.skipped = true
	p.needFetch = false
	p.skipReason = reason
	p.skipErr = err
}

// finalize fills the report from the settled pairs and, outside dry runs,
// persists the outcome: settled working copies into the store, flagged
// conflicts into the conflict state, and advanced high-water marks.
func (o *Orchestrator) finalize(r *Report, working *workingSet, pairs []*pair, dupes []dedupe.Resolution, plan *Plan, x *executor, syncState *SyncState, marks map[string]time.Time, opts Options) error {
	archived := make(map[string]bool)
	for _, res := range dupes {
		for _, dup := range res.Group.Duplicates {
			archived[dup.ID] = true
		}
	}

	var flagged []resolve.Conflict
	for _, p := range pairs {
		if p.base != nil && p.base.Degraded && p.base.Warning != "" {
			r.addWarning(p.base.Warning)
		}
		for _, res := range p.resolutions {
			if !res.Flagged {
				r.ConflictsAutoResolved++
			}
		}
		// Flags on a record the detector archived die with the pair: the
		// canonical carries the content forward.
		if p.local != nil && !archived[p.local.ID] {
			for _, c := range p.flagged {
				flagged = append(flagged, c)
				r.ConflictsFlagged++
				r.Conflicts = append(r.Conflicts, ConflictSummary{
					Record:  c.RecordID,
					Backend: c.Backend,
					Field:   c.Field,
					Local:   c.Local,
					Remote:  c.Remote,
				})
			}
		}
		switch {
		case p.skipped:
			r.Skipped++
			switch {
			case p.baselineErr != nil:
				r.addError(ReportError{
					Record:  p.recordID(),
					Backend: p.backend,
					Stage:   string(StateResolving),
					Kind:    "baseline",
					Message: p.skipReason,
				})
			case p.skipErr != nil:
				r.addError(ReportError{
					Record:  p.recordID(),
					Backend: p.backend,
					Stage:   string(StateResolving),
					Kind:    string(backend.ErrKind(p.skipErr)),
					Message: p.skipReason,
				})
			default:
				r.addWarning(p.skipReason)
			}
		case p.upToDate:
			r.UpToDate++
		}
	}

	for _, res := range dupes {
		r.DuplicatesResolved += len(res.Group.Duplicates)
		r.Duplicates = append(r.Duplicates, DuplicateSummary{
			Canonical:  res.Group.Canonical.ID,
			Duplicates: res.Group.IDs()[1:],
			Match:      string(res.Group.Match),
			Similarity: res.Group.Similarity,
		})
		for _, lc := range res.LinkConflicts {
			r.ConflictsFlagged++
			r.Conflicts = append(r.Conflicts, ConflictSummary{
				Record:  lc.RecordID,
				Backend: lc.Backend,
				Field:   "remote-id",
				Local:   lc.DuplicateID,
				Remote:  lc.CanonicalID,
			})
			r.addWarning(fmt.Sprintf("%s: %s remote id %s clashes with canonical's %s; both copies left in place",
				lc.RecordID, lc.Backend, lc.DuplicateID, lc.CanonicalID))
		}
	}

	for _, br := range r.Backends {
		r.Pushed += br.Pushed
		r.Pulled += br.Pulled
	}

	if opts.DryRun {
		r.Plan = plan.Entries()
		return nil
	}

	changed := false
	for _, rec := range working.all() {
		if x.dirty[rec.ID] && !x.blocked[rec.ID] {
			o.store.Put(rec)
			changed = true
		}
	}
	if changed {
		if err := o.store.Save(); err != nil {
			return fmt.Errorf("saving store: %w", err)
		}
	}

	conflictsPath := config.ConflictsPath(o.weftDir)
	cs, err := resolve.LoadState(conflictsPath)
	if err != nil {
		r.addWarning(fmt.Sprintf("conflict state unreadable, starting fresh: %v", err))
		cs = &resolve.State{}
	}
	for _, p := range pairs {
		// A pair that settled clean clears any stale flags from earlier
		// runs for its record on its backend.
		if p.local == nil || p.skipped || len(p.flagged) > 0 || archived[p.local.ID] {
			continue
		}
		if x.failed[pairKey{p.local.ID, p.backend}] {
			continue
		}
		for _, c := range cs.ForRecord(p.local.ID) {
			if c.Backend == p.backend {
				cs.Remove(c.Key())
			}
		}
	}
	for _, c := range flagged {
		cs.Add(c)
	}
	if err := cs.Save(conflictsPath); err != nil {
		return fmt.Errorf("saving conflicts: %w", err)
	}

	if !r.Aborted {
		advanced := false
		for name, mark := range marks {
			if mark.IsZero() {
				continue
			}
			// A backend with failed records keeps its old mark so the next
			// incremental fetch sees those records again.
			if br := r.Backends[name]; br != nil && br.Errors > 0 {
				continue
			}
			syncState.Advance(name, mark)
			advanced = true
		}
		if advanced {
			if err := syncState.Save(config.StatePath(o.weftDir)); err != nil {
				return fmt.Errorf("saving sync state: %w", err)
			}
		}
	}
	return nil
}
