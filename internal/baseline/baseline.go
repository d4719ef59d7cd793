// Package baseline reconstructs the last-agreed state of a record, the
// base side of the three-way merge. The stored remote snapshot is the
// primary source; the store file's git history fills in when a snapshot
// is missing, and a record with no evidence at all falls back to its
// current local values so absence never reads as a change.
package baseline

import (
	"context"
	"errors"
	"fmt"

	"github.com/weftlabs/weft/internal/debug"
	"github.com/weftlabs/weft/internal/history"
	"github.com/weftlabs/weft/internal/types"
)

// ErrUnavailable reports that the history source exists but cannot be
// read. The caller decides how conservatively to proceed; no baseline
// is fabricated.
var ErrUnavailable = errors.New("baseline unavailable")

// Origin says where a baseline's values came from.
type Origin string

const (
	// OriginRemoteSnapshot: the snapshot stored at the last successful
	// sync with this backend. The agreed state, verbatim.
	OriginRemoteSnapshot Origin = "remote-snapshot"

	// OriginLocalHistory: reconstructed from the store file's git
	// history as of last_synced_at.
	OriginLocalHistory Origin = "local-history"

	// OriginAssumedCurrent: no sync and no history; the record's
	// current values stand in so nothing reads as locally changed.
	OriginAssumedCurrent Origin = "assumed-current"

	// OriginFirstContact: the backend has never seen this record;
	// every field is unknown and substitutes from the local side.
	OriginFirstContact Origin = "first-contact"
)

// Baseline is the base side of a three-way merge.
type Baseline struct {
	Fields   *types.Snapshot
	Unknown  map[string]bool // fields with no evidence; Effective substitutes local
	Origin   Origin
	Degraded bool
	Warning  string
}

// Effective returns the snapshot the merge consumes: known fields from
// the baseline, unknown ones substituted from the local side. Comments
// are never substituted; the merge unions them regardless.
func (b *Baseline) Effective(local *types.Snapshot) *types.Snapshot {
	var out *types.Snapshot
	if b.Fields != nil {
		out = b.Fields.Clone()
	} else {
		out = &types.Snapshot{}
	}
	if local == nil || len(b.Unknown) == 0 {
		return out
	}
	for field := range b.Unknown {
		switch field {
		case types.FieldTitle:
			out.Title = local.Title
		case types.FieldStatus:
			out.Status = local.Status
		case types.FieldAssignee:
			out.Assignee = local.Assignee
		case types.FieldMilestone:
			out.Milestone = local.Milestone
		case types.FieldLabels:
			out.Labels = append([]string(nil), local.Labels...)
		case types.FieldDescription:
			out.Description = local.Description
		}
	}
	return out
}

func unknownAll() map[string]bool {
	m := make(map[string]bool, len(types.MergeFields))
	for _, f := range types.MergeFields {
		m[f] = true
	}
	return m
}

// Resolver reconstructs baselines for one sync run.
type Resolver struct {
	source  *history.Source // nil when the store has no git history
	openErr error           // non-nil when the history source exists but is unreadable
	cache   *Cache
}

// New creates a resolver over the store file's git history. A store
// outside any git repository simply has no history source; that is not
// an error.
func New(recordsPath string) *Resolver {
	r := &Resolver{}

	src, err := history.Open(recordsPath)
	switch {
	case err == nil:
		r.source = src
	case errors.Is(err, history.ErrNoHistory):
		debug.Logf("baseline: no history source for %s", recordsPath)
	default:
		r.openErr = err
	}

	cache, err := NewCache(defaultCacheEntries)
	if err != nil {
		debug.Logf("baseline: cache disabled: %v", err)
	} else {
		r.cache = cache
	}
	return r
}

// Close releases the resolver's cache.
func (r *Resolver) Close() {
	r.cache.Close()
}

// ResolveLocal reconstructs the record's state as of its last sync from
// the local history source. Never mutates the record.
func (r *Resolver) ResolveLocal(ctx context.Context, rec *types.Record) (*Baseline, error) {
	if rec.LastSyncedAt == nil {
		return &Baseline{Fields: types.SnapshotOf(rec), Origin: OriginAssumedCurrent}, nil
	}

	key := cacheKey(rec.ID, *rec.LastSyncedAt)
	if b, ok := r.cache.Get(key); ok {
		return b, nil
	}

	if r.openErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, r.openErr)
	}
	if r.source == nil {
		return &Baseline{Fields: types.SnapshotOf(rec), Origin: OriginAssumedCurrent}, nil
	}

	b, err := r.resolveFromHistory(ctx, rec)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, b)
	return b, nil
}

func (r *Resolver) resolveFromHistory(ctx context.Context, rec *types.Record) (*Baseline, error) {
	v, err := r.source.At(ctx, rec.ID, *rec.LastSyncedAt)
	if err == nil {
		return &Baseline{Fields: v.Snapshot, Origin: OriginLocalHistory}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if !errors.Is(err, history.ErrNoHistory) {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	// Nothing at or before the sync instant. The oldest committed state
	// is the closest evidence there is.
	v, err = r.source.Oldest(ctx, rec.ID)
	if err != nil {
		if errors.Is(err, history.ErrNoHistory) {
			return &Baseline{Fields: types.SnapshotOf(rec), Origin: OriginAssumedCurrent}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return &Baseline{
		Fields:   v.Snapshot,
		Origin:   OriginLocalHistory,
		Degraded: true,
		Warning: fmt.Sprintf("%s: no committed state at or before %s; using oldest commit %.8s",
			rec.ID, rec.LastSyncedAt.UTC().Format("2006-01-02 15:04:05"), v.Commit),
	}, nil
}

// ResolveRemote builds the baseline from the snapshot stored for the
// backend at the last successful sync. Never mutates the record.
func (r *Resolver) ResolveRemote(rec *types.Record, backendName string) *Baseline {
	link := rec.Remotes[backendName]
	if link == nil || link.Snapshot == nil {
		return &Baseline{Unknown: unknownAll(), Origin: OriginFirstContact}
	}
	return &Baseline{Fields: link.Snapshot.Clone(), Origin: OriginRemoteSnapshot}
}

// Resolve returns the baseline the engine merges against for one record
// and backend: the stored remote snapshot when there is one, the local
// history state when the record has synced before without one, and
// first-contact otherwise.
func (r *Resolver) Resolve(ctx context.Context, rec *types.Record, backendName string) (*Baseline, error) {
	if b := r.ResolveRemote(rec, backendName); b.Origin == OriginRemoteSnapshot {
		return b, nil
	}
	if rec.LastSyncedAt != nil {
		return r.ResolveLocal(ctx, rec)
	}
	return &Baseline{Unknown: unknownAll(), Origin: OriginFirstContact}, nil
}
