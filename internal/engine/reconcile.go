package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/weftlabs/weft/internal/baseline"
	"github.com/weftlabs/weft/internal/merge"
	"github.com/weftlabs/weft/internal/resolve"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/types"
)

// workingSet holds the mutable record copies one run merges into. The
// store itself stays untouched until the reporting stage persists the
// records whose planned actions all succeeded, so a failed or aborted
// run never leaves half-synced state behind.
type workingSet struct {
	records map[string]*types.Record
	order   []string
	prefix  string
	lastNum int
}

func newWorkingSet(st *store.Store, prefix string) *workingSet {
	w := &workingSet{
		records: make(map[string]*types.Record, st.Len()),
		prefix:  prefix,
	}
	for _, rec := range st.All() {
		w.records[rec.ID] = rec.Clone()
		w.order = append(w.order, rec.ID)
	}
	// Seed the allocator off the store's next free number so imports this
	// run cannot collide with existing IDs.
	if s, ok := strings.CutPrefix(st.AllocateID(prefix), prefix+"-"); ok {
		if n, err := strconv.Atoi(s); err == nil {
			w.lastNum = n - 1
		}
	}
	return w
}

func (w *workingSet) get(id string) *types.Record { return w.records[id] }

func (w *workingSet) put(rec *types.Record) {
	if _, ok := w.records[rec.ID]; !ok {
		w.order = append(w.order, rec.ID)
	}
	w.records[rec.ID] = rec
}

func (w *workingSet) allocateID() string {
	w.lastNum++
	return fmt.Sprintf("%s-%d", w.prefix, w.lastNum)
}

// all returns the working records in store order, imports last.
func (w *workingSet) all() []*types.Record {
	out := make([]*types.Record, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.records[id])
	}
	return out
}

func (w *workingSet) live() []*types.Record {
	var out []*types.Record
	for _, id := range w.order {
		if rec := w.records[id]; !rec.Archived {
			out = append(out, rec)
		}
	}
	return out
}

// reconciler runs the resolving and merging stages over the run's pairs.
// All mutations land on working copies.
type reconciler struct {
	working   *workingSet
	baselines *baseline.Resolver
	resolvers map[string]*resolve.Resolver // one per backend, for provenance
	force     resolve.Force
	now       time.Time
}

// resolver returns the conflict resolver for one backend, building it on
// first use when the orchestrator did not seed the map (direct test use).
func (rc *reconciler) resolver(backendName string) *resolve.Resolver {
	if rc.resolvers == nil {
		rc.resolvers = make(map[string]*resolve.Resolver)
	}
	r := rc.resolvers[backendName]
	if r == nil {
		r = resolve.NewResolver(backendName)
		rc.resolvers[backendName] = r
	}
	return r
}

// resolveBaseline fills in the pair's baseline ahead of the merge. Pairs
// are independent, so this is safe to run concurrently across them; the
// single-writer merge pass then consumes what it finds. Failures are
// per-pair data, not errors: only cancellation propagates.
func (rc *reconciler) resolveBaseline(ctx context.Context, p *pair) error {
	if p.local == nil || p.remote == nil || p.remote.Snapshot == nil || p.remoteMissing || p.skipped {
		return nil
	}
	base, err := rc.baselines.Resolve(ctx, p.local, p.backend)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		p.baselineErr = err
		return nil
	}
	p.base = base
	return nil
}

// reconcile settles one pair: imports, merges, or marks it skipped.
// The only errors returned are context cancellations.
func (rc *reconciler) reconcile(ctx context.Context, p *pair) error {
	if p.skipped {
		return nil
	}
	switch {
	case p.local == nil:
		rc.importRemote(p)
		return nil
	case p.remoteMissing:
		remoteID, _ := p.local.RemoteID(p.backend)
		p.skipped = true
		p.skipReason = fmt.Sprintf("%s: linked %s record %s absent from full fetch; leaving local copy untouched",
			p.local.ID, p.backend, remoteID)
		return nil
	case p.remote == nil:
		// Never linked and no title match: the record only exists here.
		p.push = true
		return nil
	}
	return rc.mergePair(ctx, p)
}

// importRemote creates a local record for one the backend has that the
// store does not. The new record is linked immediately; it persists only
// if the run's actions for it all succeed.
func (rc *reconciler) importRemote(p *pair) {
	rec := &types.Record{
		ID:        rc.working.allocateID(),
		Kind:      p.remote.Kind,
		CreatedAt: rc.now.UTC(),
		UpdatedAt: rc.now.UTC(),
	}
	if p.remote.Snapshot != nil {
		p.remote.Snapshot.Apply(rec, rc.now)
	}
	rec.SetDefaults()
	rec.ForceLinkRemote(p.backend, p.remote.RemoteID)
	rec.ContentHash = rec.ComputeContentHash()
	rc.working.put(rec)

	p.local = rec
	p.imported = true
	p.pull = true
}

func (rc *reconciler) mergePair(ctx context.Context, p *pair) error {
	rec := p.local
	if p.remote.Snapshot == nil {
		p.skipped = true
		p.skipReason = fmt.Sprintf("%s: %s returned record %s without content", rec.ID, p.backend, p.remote.RemoteID)
		return nil
	}

	localSnap := types.SnapshotOf(rec)

	base, err := p.base, p.baselineErr
	if base == nil && err == nil {
		base, err = rc.baselines.Resolve(ctx, rec, p.backend)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// No baseline means no way to tell which side changed. Flag every
		// difference rather than guess; the record sits out this run.
		rc.flagDifferences(p, localSnap)
		p.baselineErr = err
		p.skipped = true
		p.skipReason = fmt.Sprintf("%s: %v", rec.ID, err)
		return nil
	}
	p.base = base

	result := merge.Records(base.Effective(localSnap), localSnap, p.remote.Snapshot)
	p.result = result

	p.resolutions = rc.resolver(p.backend).ResolveAll(result.Conflicts, rc.force)
	final := result.Merged
	resolve.Apply(final, p.resolutions)

	for _, res := range p.resolutions {
		if !res.Flagged {
			continue
		}
		p.flagged = append(p.flagged, resolve.Conflict{
			RecordID:        rec.ID,
			Backend:         p.backend,
			Field:           res.Field,
			Base:            baseString(result, res.Field),
			Local:           res.Local.String(),
			Remote:          res.Remote.String(),
			LocalUpdatedAt:  rec.UpdatedAt,
			RemoteUpdatedAt: p.remote.UpdatedAt,
			DetectedAt:      rc.now.UTC(),
		})
	}

	// Field-level diffs against the settled snapshot decide the plan:
	// local-ward differences pull, remote-ward differences push. Flagged
	// fields kept the local value, so they never register as pulls.
	for _, field := range types.MergeFields {
		fv := merge.FieldValue(final, field)
		if !fv.Equal(merge.FieldValue(localSnap, field)) {
			p.pullFields = append(p.pullFields, field)
		}
		if !fv.Equal(merge.FieldValue(p.remote.Snapshot, field)) {
			p.pushFields = append(p.pushFields, field)
		}
	}
	if missingComments(localSnap.Comments, final.Comments) {
		p.pullFields = append(p.pullFields, types.FieldComments)
	}
	if missingComments(p.remote.Snapshot.Comments, final.Comments) {
		p.pushFields = append(p.pushFields, types.FieldComments)
	}

	if len(p.pullFields) > 0 {
		final.Apply(rec, rc.now)
		p.pull = true
	}

	// A record with flagged conflicts never pushes: the remote copy stays
	// untouched until a human settles the disagreement.
	p.push = len(p.pushFields) > 0 && len(p.flagged) == 0

	if p.firstContact {
		// The match was by title; persist the link even when the two
		// copies already agree so the next run correlates by ID.
		if err := rec.LinkRemote(p.backend, p.remote.RemoteID); err != nil {
			return fmt.Errorf("first contact %s: %w", rec.ID, err)
		}
		p.pull = true
	}

	if !p.push && !p.pull && len(p.flagged) == 0 {
		if link := rec.Remotes[p.backend]; link != nil && link.Snapshot == nil {
			// Both sides agree but the link predates stored snapshots.
			// Record one now so future runs skip the history walk.
			p.healLink = true
			p.pull = true
		} else {
			p.upToDate = true
		}
	}
	return nil
}

// flagDifferences conservatively flags every field where local and remote
// disagree. Used when no baseline can say which side moved.
func (rc *reconciler) flagDifferences(p *pair, localSnap *types.Snapshot) {
	for _, field := range types.MergeFields {
		lv := merge.FieldValue(localSnap, field)
		rv := merge.FieldValue(p.remote.Snapshot, field)
		if lv.Equal(rv) {
			continue
		}
		p.flagged = append(p.flagged, resolve.Conflict{
			RecordID:        p.local.ID,
			Backend:         p.backend,
			Field:           field,
			Local:           lv.String(),
			Remote:          rv.String(),
			LocalUpdatedAt:  p.local.UpdatedAt,
			RemoteUpdatedAt: p.remote.UpdatedAt,
			DetectedAt:      rc.now.UTC(),
		})
	}
}

func baseString(result merge.RecordResult, field string) string {
	for _, fr := range result.Fields {
		if fr.Field == field {
			return fr.Base.String()
		}
	}
	return ""
}

// missingComments reports whether want holds a comment have lacks.
func missingComments(have, want []*types.Comment) bool {
	ids := make(map[string]bool, len(have))
	for _, c := range have {
		if c != nil {
			ids[c.ID] = true
		}
	}
	for _, c := range want {
		if c != nil && !ids[c.ID] {
			return true
		}
	}
	return false
}
