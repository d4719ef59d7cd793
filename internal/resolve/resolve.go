// Package resolve decides what happens to fields the three-way merge could
// not settle. Each conflicted field is looked up in a per-field strategy
// table; force overrides replace the table's answer wholesale. Flagged
// conflicts are persisted for human review rather than guessed at.
package resolve

import (
	"fmt"
	"strings"

	"github.com/weftlabs/weft/internal/merge"
	"github.com/weftlabs/weft/internal/types"
)

// Strategy names how a conflicted field is settled.
type Strategy string

// Conflict resolution strategies
const (
	// FlagForReview records the conflict and leaves the field untouched.
	FlagForReview Strategy = "flag"
	// LocalWins keeps the local value.
	LocalWins Strategy = "local"
	// RemoteWins takes the remote value.
	RemoteWins Strategy = "remote"
	// MergeUnion takes the set union of both sides.
	MergeUnion Strategy = "union"
	// MergeAppend keeps both texts, joined with a provenance marker.
	MergeAppend Strategy = "append"
)

// Force overrides the strategy table for every conflicted field.
// It never touches fields the merge settled cleanly.
type Force int

// Force override modes
const (
	ForceNone Force = iota
	ForceLocal
	ForceRemote
)

// Resolution is the outcome for one conflicted field.
type Resolution struct {
	Field    string
	Strategy Strategy
	Flagged  bool
	Value    merge.Value // settled value when not flagged
	Local    merge.Value
	Remote   merge.Value
	Note     string
}

// Resolver applies the strategy table to merge conflicts. The zero table
// maps status, assignee, and milestone to flag-for-review, labels to set
// union, and free text to append; unknown fields flag, and timestamp
// fields follow the remote clock.
type Resolver struct {
	table    map[string]Strategy
	fallback Strategy
	backend  string // provenance marker for appended text
}

// NewResolver builds a resolver with the default strategy table.
// backend names the remote side in append provenance markers.
func NewResolver(backend string) *Resolver {
	return &Resolver{
		table: map[string]Strategy{
			types.FieldStatus:      FlagForReview,
			types.FieldAssignee:    FlagForReview,
			types.FieldMilestone:   FlagForReview,
			types.FieldLabels:      MergeUnion,
			types.FieldDescription: MergeAppend,
			types.FieldComments:    MergeAppend,
		},
		fallback: FlagForReview,
		backend:  backend,
	}
}

// SetStrategy overrides the table entry for one field.
func (r *Resolver) SetStrategy(field string, s Strategy) {
	r.table[field] = s
}

// StrategyFor returns the table's strategy for a field. Timestamp conflicts
// follow the remote clock; everything else unknown flags for review.
func (r *Resolver) StrategyFor(fr merge.FieldResult) Strategy {
	if s, ok := r.table[fr.Field]; ok {
		return s
	}
	if fr.Local.Kind == merge.KindTime || fr.Remote.Kind == merge.KindTime {
		return RemoteWins
	}
	return r.fallback
}

// Resolve settles a single conflicted field. Calling it with a clean
// FieldResult is a programming error and yields the clean value unchanged.
func (r *Resolver) Resolve(fr merge.FieldResult, force Force) Resolution {
	if !fr.Conflict {
		return Resolution{Field: fr.Field, Strategy: LocalWins, Value: fr.Value, Local: fr.Local, Remote: fr.Remote}
	}

	strategy := r.StrategyFor(fr)
	res := Resolution{Field: fr.Field, Strategy: strategy, Local: fr.Local, Remote: fr.Remote}

	// Force overrides are applied after table lookup and replace the
	// outcome for every conflicted field.
	switch force {
	case ForceLocal:
		res.Strategy = LocalWins
		res.Value = fr.Local
		res.Note = "forced local"
		return res
	case ForceRemote:
		res.Strategy = RemoteWins
		res.Value = fr.Remote
		res.Note = "forced remote"
		return res
	}

	switch strategy {
	case LocalWins:
		res.Value = fr.Local
	case RemoteWins:
		res.Value = fr.Remote
	case MergeUnion:
		res.Value = unionMerge(fr.Local, fr.Remote)
	case MergeAppend:
		res.Value = appendMerge(fr.Local, fr.Remote, r.backend)
	default: // FlagForReview
		res.Flagged = true
		res.Note = fmt.Sprintf("%s: local %q vs remote %q", fr.Field, fr.Local.String(), fr.Remote.String())
	}
	return res
}

// ResolveAll settles every conflict from a record merge.
func (r *Resolver) ResolveAll(conflicts []merge.FieldResult, force Force) []Resolution {
	out := make([]Resolution, 0, len(conflicts))
	for _, fr := range conflicts {
		out = append(out, r.Resolve(fr, force))
	}
	return out
}

// Apply writes settled values onto a snapshot. Flagged resolutions leave
// their field alone (the merge already kept the local value there).
func Apply(s *types.Snapshot, resolutions []Resolution) {
	for _, res := range resolutions {
		if res.Flagged {
			continue
		}
		applyField(s, res.Field, res.Value)
	}
}

func applyField(s *types.Snapshot, field string, v merge.Value) {
	switch field {
	case types.FieldTitle:
		s.Title = v.Str
	case types.FieldDescription:
		s.Description = v.Str
	case types.FieldStatus:
		s.Status = types.Status(v.Str)
	case types.FieldAssignee:
		s.Assignee = v.Str
	case types.FieldMilestone:
		s.Milestone = v.Str
	case types.FieldLabels:
		if len(v.Set) == 0 {
			s.Labels = nil
			return
		}
		s.Labels = v.SortedSet()
	}
}

// unionMerge joins two set values. A scalar on either side is coerced to a
// one-element set so a single label meeting a label list still unions.
func unionMerge(local, remote merge.Value) merge.Value {
	return merge.StringSet(append(asSet(local), asSet(remote)...))
}

func asSet(v merge.Value) []string {
	if v.Kind == merge.KindSet {
		return v.Set
	}
	if v.Str != "" {
		return []string{v.Str}
	}
	return nil
}

// appendMerge keeps both texts. The marker line records which side the
// trailing block came from so provenance survives into the stored record.
func appendMerge(local, remote merge.Value, backend string) merge.Value {
	return merge.Text(AppendText(local.Str, remote.Str, fmt.Sprintf("merged from remote (%s)", backend)))
}

// AppendText joins two text blocks with a provenance marker line.
// Re-resolving is idempotent: a side that already contains the other
// verbatim wins outright, and empty sides never produce a marker.
func AppendText(kept, incoming, provenance string) string {
	switch {
	case kept == "":
		return incoming
	case incoming == "":
		return kept
	case strings.Contains(kept, incoming):
		return kept
	case strings.Contains(incoming, kept):
		return incoming
	}
	return kept + "\n\n--- " + provenance + " ---\n\n" + incoming
}
