package engine

import (
	"sort"
	"strings"

	"github.com/weftlabs/weft/internal/backend"
	"github.com/weftlabs/weft/internal/baseline"
	"github.com/weftlabs/weft/internal/merge"
	"github.com/weftlabs/weft/internal/resolve"
	"github.com/weftlabs/weft/internal/types"
)

// pair couples one local record with its counterpart fetched from one
// backend. Either side may be absent: a pair with no remote is a push
// candidate, a pair with no local is an import candidate.
type pair struct {
	backend string
	local   *types.Record
	remote  *backend.RemoteRecord

	// firstContact marks a pair matched by title rather than by a stored
	// remote ID. The link is created only when the record fully syncs.
	firstContact bool

	// needFetch marks a linked record absent from an incremental fetch
	// whose stored link carries no snapshot. The remote state is unknown
	// until an explicit Pull fills the remote side in.
	needFetch bool

	// remoteMissing marks a linked record whose remote ID came back empty
	// from a full fetch. The remote copy was deleted or is inaccessible.
	remoteMissing bool

	// Populated by the resolving and merging stages.
	base        *baseline.Baseline
	baselineErr error
	result      merge.RecordResult
	resolutions []resolve.Resolution
	flagged     []resolve.Conflict
	imported    bool
	healLink    bool
	push        bool
	pushFields  []string
	pull        bool
	pullFields  []string
	upToDate    bool
	skipped     bool
	skipReason  string
	skipErr     error
}

// recordID names the pair in reports and plans. Import pairs have no
// local record until the merging stage creates one.
func (p *pair) recordID() string {
	if p.local != nil {
		return p.local.ID
	}
	return p.backend + ":" + p.remote.RemoteID
}

// correlate buckets one backend's fetch results against the local records.
// Matching is by stored remote ID first; unlinked records then claim
// unmatched remotes by exact title within the same kind (first contact).
// Locals must be in store order so the output is deterministic.
//
// Archived records keep their claim on a remote ID but produce no pair;
// without the claim an archived duplicate's remote copy would re-import
// as a fresh record on every sync.
func correlate(locals []*types.Record, remotes []*backend.RemoteRecord, backendName string, incremental bool) []*pair {
	byRemoteID := make(map[string]*backend.RemoteRecord, len(remotes))
	for _, rr := range remotes {
		byRemoteID[rr.RemoteID] = rr
	}

	consumed := make(map[string]bool, len(remotes))
	var pairs []*pair
	var unlinked []*types.Record

	for _, rec := range locals {
		remoteID, linked := rec.RemoteID(backendName)
		if !linked {
			if !rec.Archived {
				unlinked = append(unlinked, rec)
			}
			continue
		}
		rr := byRemoteID[remoteID]
		if rr != nil {
			consumed[remoteID] = true
		}
		if rec.Archived {
			continue
		}
		p := &pair{backend: backendName, local: rec, remote: rr}
		switch {
		case rr != nil:
		case incremental:
			// Absent from an incremental fetch means unchanged remotely.
			// The stored snapshot stands in for the current remote state;
			// without one the record needs an explicit Pull.
			if link := rec.Remotes[backendName]; link != nil && link.Snapshot != nil {
				p.remote = &backend.RemoteRecord{
					RemoteID:  remoteID,
					Kind:      rec.Kind,
					Snapshot:  link.Snapshot.Clone(),
					UpdatedAt: link.SyncedAt,
				}
			} else {
				p.needFetch = true
			}
		default:
			p.remoteMissing = true
		}
		pairs = append(pairs, p)
	}

	// First contact: claim unmatched remotes by title within the kind.
	byTitle := make(map[string][]*backend.RemoteRecord)
	for _, rr := range remotes {
		if consumed[rr.RemoteID] {
			continue
		}
		k := titleKey(rr.Kind, remoteTitle(rr))
		byTitle[k] = append(byTitle[k], rr)
	}
	for _, rec := range unlinked {
		p := &pair{backend: backendName, local: rec}
		k := titleKey(rec.Kind, rec.Title)
		if candidates := byTitle[k]; len(candidates) > 0 {
			rr := candidates[0]
			byTitle[k] = candidates[1:]
			consumed[rr.RemoteID] = true
			p.remote = rr
			p.firstContact = true
		}
		pairs = append(pairs, p)
	}

	// Whatever is left on the remote side has no local counterpart.
	var orphans []*backend.RemoteRecord
	for _, rr := range remotes {
		if !consumed[rr.RemoteID] {
			orphans = append(orphans, rr)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].RemoteID < orphans[j].RemoteID })
	for _, rr := range orphans {
		pairs = append(pairs, &pair{backend: backendName, remote: rr})
	}

	return pairs
}

func titleKey(kind types.Kind, title string) string {
	return string(kind) + "\x00" + strings.ToLower(strings.TrimSpace(title))
}

func remoteTitle(rr *backend.RemoteRecord) string {
	if rr.Snapshot == nil {
		return ""
	}
	return rr.Snapshot.Title
}
