// Package dedupe finds duplicate records and collapses each group into a
// single canonical record. Grouping runs three passes over the working
// set: shared remote identity, case-insensitive exact title, and fuzzy
// title similarity, all feeding one union-find so transitive duplicates
// land in the same group.
package dedupe

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/weftlabs/weft/internal/merge"
	"github.com/weftlabs/weft/internal/resolve"
	"github.com/weftlabs/weft/internal/types"
)

// DefaultThreshold is the fuzzy-title similarity cutoff.
const DefaultThreshold = 0.9

// Match names the pass that tied records together.
type Match string

// Duplicate match passes, strongest first.
const (
	MatchRemoteID     Match = "remote-id"
	MatchExactTitle   Match = "exact-title"
	MatchSimilarTitle Match = "similar-title"
)

var matchRank = map[Match]int{
	MatchRemoteID:     3,
	MatchExactTitle:   2,
	MatchSimilarTitle: 1,
}

// Group is one set of records judged to be the same underlying item.
type Group struct {
	Canonical  *types.Record
	Duplicates []*types.Record // sorted by ID, canonical excluded
	Match      Match           // strongest pass that contributed an edge
	Similarity float64         // highest fuzzy score among edges, 1.0 otherwise
}

// IDs returns every member ID, canonical first.
func (g Group) IDs() []string {
	out := []string{g.Canonical.ID}
	for _, d := range g.Duplicates {
		out = append(out, d.ID)
	}
	return out
}

// Options tunes detection.
type Options struct {
	// Threshold is the fuzzy-title cutoff; zero means DefaultThreshold.
	Threshold float64
}

type edge struct {
	a, b  int
	match Match
	score float64
}

// FindGroups runs all three passes and returns the duplicate groups,
// sorted by canonical ID. Archived records never participate. Title
// passes only compare records in the same scope (kind plus project) so a
// milestone can share a name with an issue without tripping detection.
func FindGroups(records []*types.Record, opts Options) []Group {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	var live []*types.Record
	for _, r := range records {
		if r != nil && !r.Archived {
			live = append(live, r)
		}
	}
	if len(live) < 2 {
		return nil
	}

	uf := newUnionFind(len(live))
	var edges []edge

	// Pass a: two locals claiming the same remote identity are one record,
	// whatever their titles say.
	byRemote := make(map[string]int)
	for i, r := range live {
		for backend, link := range r.Remotes {
			if link == nil || link.ID == "" {
				continue
			}
			key := backend + "\x00" + link.ID
			if j, ok := byRemote[key]; ok {
				uf.union(i, j)
				edges = append(edges, edge{i, j, MatchRemoteID, 1.0})
				continue
			}
			byRemote[key] = i
		}
	}

	// Pass b: exact title, case-insensitive, within scope.
	byTitle := make(map[string]int)
	for i, r := range live {
		key := scopeKey(r) + "\x00" + strings.ToLower(strings.TrimSpace(r.Title))
		if j, ok := byTitle[key]; ok {
			uf.union(i, j)
			edges = append(edges, edge{i, j, MatchExactTitle, 1.0})
			continue
		}
		byTitle[key] = i
	}

	// Pass c: fuzzy title similarity within scope.
	byScope := make(map[string][]int)
	for i, r := range live {
		byScope[scopeKey(r)] = append(byScope[scopeKey(r)], i)
	}
	tokens := make([]map[string]struct{}, len(live))
	for i, r := range live {
		tokens[i] = titleTokens(r.Title)
	}
	for _, members := range byScope {
		for x := 0; x < len(members); x++ {
			i := members[x]
			if tokens[i] == nil {
				continue
			}
			for y := x + 1; y < len(members); y++ {
				j := members[y]
				if tokens[j] == nil {
					continue
				}
				sim := jaccard(tokens[i], tokens[j])
				if sim < threshold {
					continue
				}
				uf.union(i, j)
				edges = append(edges, edge{i, j, MatchSimilarTitle, sim})
			}
		}
	}

	// Collect groups from union-find roots.
	byRoot := make(map[int][]*types.Record)
	for i, r := range live {
		root := uf.find(i)
		byRoot[root] = append(byRoot[root], r)
	}

	var groups []Group
	for root, members := range byRoot {
		if len(members) < 2 {
			continue
		}
		g := Group{Match: MatchSimilarTitle}
		for _, e := range edges {
			if uf.find(e.a) != root {
				continue
			}
			g.Match = maxMatch(g.Match, e.match)
			if e.score > g.Similarity {
				g.Similarity = e.score
			}
		}
		g.Canonical = electCanonical(members)
		for _, m := range members {
			if m != g.Canonical {
				g.Duplicates = append(g.Duplicates, m)
			}
		}
		sort.Slice(g.Duplicates, func(i, j int) bool { return g.Duplicates[i].ID < g.Duplicates[j].ID })
		groups = append(groups, g)
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].Canonical.ID < groups[j].Canonical.ID })
	return groups
}

func maxMatch(a, b Match) Match {
	if matchRank[b] > matchRank[a] {
		return b
	}
	return a
}

func scopeKey(r *types.Record) string {
	return string(r.Kind) + "\x00" + r.Project
}

// electCanonical picks the group survivor: earliest created_at, ties
// broken by lowest ID. Deterministic so every workspace collapses a group
// the same way.
func electCanonical(members []*types.Record) *types.Record {
	canonical := members[0]
	for _, m := range members[1:] {
		switch {
		case m.CreatedAt.Before(canonical.CreatedAt):
			canonical = m
		case m.CreatedAt.Equal(canonical.CreatedAt) && m.ID < canonical.ID:
			canonical = m
		}
	}
	return canonical
}

// CollapseOptions control what Collapse does with the duplicates' remote
// identities.
type CollapseOptions struct {
	// TransferLinks moves a duplicate's remote identity onto the canonical
	// when the canonical has none for that backend. Disabled when the
	// remote copies are scheduled for deletion instead.
	TransferLinks bool
}

// RemoteCopy identifies a duplicate's remote counterpart, reported so the
// planner can schedule its deletion.
type RemoteCopy struct {
	RecordID string
	Backend  string
	RemoteID string
}

// LinkConflict reports a duplicate whose remote identity on a backend
// differs from the canonical's. Relinking would overwrite a remote ID, so
// it is surfaced for review instead.
type LinkConflict struct {
	Backend     string
	RecordID    string // the duplicate
	CanonicalID string // remote id held by the canonical
	DuplicateID string // remote id held by the duplicate
}

// Resolution describes how one group was collapsed.
type Resolution struct {
	Group            Group
	TransferredLinks map[string]string // backend -> remote id adopted by the canonical
	RemoteCopies     []RemoteCopy
	LinkConflicts    []LinkConflict
}

// Collapse folds a group's duplicates into its canonical record, in place:
// labels union, descriptions append with duplicate provenance, comments
// union by ID. Duplicates are archived pointing at the canonical. Remote
// identities are never overwritten; a clash is reported, not resolved.
func Collapse(g Group, opts CollapseOptions, now time.Time) Resolution {
	res := Resolution{
		Group:            g,
		TransferredLinks: make(map[string]string),
	}
	canonical := g.Canonical

	for _, dup := range g.Duplicates {
		// Content merges into the canonical.
		canonical.Labels = merge.StringSet(append(canonical.Labels, dup.Labels...)).SortedSet()
		if len(canonical.Labels) == 0 {
			canonical.Labels = nil
		}
		canonical.Description = resolve.AppendText(
			canonical.Description, dup.Description,
			fmt.Sprintf("merged from duplicate (%s)", dup.ID))
		canonical.Comments = merge.Comments(canonical.Comments, dup.Comments)

		// Remote identities transfer or clash, never overwrite.
		for backend, link := range dup.Remotes {
			if link == nil || link.ID == "" {
				continue
			}
			existing, ok := canonical.RemoteID(backend)
			switch {
			case ok && existing != link.ID:
				res.LinkConflicts = append(res.LinkConflicts, LinkConflict{
					Backend:     backend,
					RecordID:    dup.ID,
					CanonicalID: existing,
					DuplicateID: link.ID,
				})
				res.RemoteCopies = append(res.RemoteCopies, RemoteCopy{RecordID: dup.ID, Backend: backend, RemoteID: link.ID})
			case ok:
				// Same identity on both; nothing to move.
			case opts.TransferLinks:
				canonical.ForceLinkRemote(backend, link.ID)
				res.TransferredLinks[backend] = link.ID
			default:
				res.RemoteCopies = append(res.RemoteCopies, RemoteCopy{RecordID: dup.ID, Backend: backend, RemoteID: link.ID})
			}
		}

		// Archive the duplicate with its audit pointer.
		ts := now.UTC()
		dup.Archived = true
		dup.ArchivedAt = &ts
		dup.ArchiveReason = "duplicate of " + canonical.ID
		dup.CanonicalID = canonical.ID
		dup.UpdatedAt = ts
	}

	canonical.UpdatedAt = now.UTC()
	canonical.ContentHash = canonical.ComputeContentHash()

	sort.Slice(res.RemoteCopies, func(i, j int) bool {
		if res.RemoteCopies[i].Backend != res.RemoteCopies[j].Backend {
			return res.RemoteCopies[i].Backend < res.RemoteCopies[j].Backend
		}
		return res.RemoteCopies[i].RemoteID < res.RemoteCopies[j].RemoteID
	})
	return res
}
