// Package merge implements the pure three-way field merge at the heart of
// a sync run. Given the last-agreed base plus the current local and remote
// values, the decision table classifies every field as cleanly merged or
// conflicted. Nothing here does I/O, reads the clock, or mutates its
// inputs; conflict handling lives in the resolve package.
package merge

import (
	"sort"

	"github.com/weftlabs/weft/internal/types"
)

// Reason explains how a clean outcome was chosen.
type Reason string

// Clean merge reasons
const (
	ReasonUnchanged Reason = "unchanged" // neither side moved off the base
	ReasonLocal     Reason = "local"     // only local changed
	ReasonRemote    Reason = "remote"    // only remote changed
	ReasonBoth      Reason = "both"      // both changed to the same value
)

// FieldResult is the decision table's verdict for one field.
type FieldResult struct {
	Field    string
	Conflict bool
	Reason   Reason // set when Conflict is false
	Value    Value  // the merged value when Conflict is false

	// The three inputs, kept for conflict resolution and reporting.
	Base   Value
	Local  Value
	Remote Value
}

// Field applies the three-way decision table to a single field.
//
// "Changed" means not equal to base under the field's equality (sets
// compare as sets, times after UTC normalization, empty equals missing).
// The table is total: every combination of inputs lands in exactly one row.
func Field(field string, base, local, remote Value) FieldResult {
	r := FieldResult{Field: field, Base: base, Local: local, Remote: remote}

	localChanged := !local.Equal(base)
	remoteChanged := !remote.Equal(base)

	switch {
	case !localChanged && !remoteChanged:
		r.Reason, r.Value = ReasonUnchanged, base
	case !localChanged:
		r.Reason, r.Value = ReasonRemote, remote
	case !remoteChanged:
		r.Reason, r.Value = ReasonLocal, local
	case local.Equal(remote):
		r.Reason, r.Value = ReasonBoth, local
	case local.IsZero():
		// Divergent, but one side is empty: the populated side wins.
		// Clearing a field never beats concurrent real content.
		r.Reason, r.Value = ReasonRemote, remote
	case remote.IsZero():
		r.Reason, r.Value = ReasonLocal, local
	default:
		r.Conflict = true
	}
	return r
}

// RecordResult is the merge verdict for a whole record.
type RecordResult struct {
	// Fields holds one entry per merge-relevant field, in types.MergeFields
	// order. Comments are merged structurally and do not appear here.
	Fields []FieldResult

	// Merged has every clean outcome applied. Conflicted fields keep the
	// local value until resolution decides otherwise.
	Merged *types.Snapshot

	// Conflicts is the subset of Fields with Conflict set.
	Conflicts []FieldResult
}

// Clean reports whether the record merged without conflicts.
func (r RecordResult) Clean() bool {
	return len(r.Conflicts) == 0
}

// Records merges a correlated local/remote pair against their base
// snapshot. Callers that only have partial base knowledge substitute the
// local value for unknown base fields before calling (see
// baseline.Baseline.Effective); fields the base agrees with local on can
// only ever move remote-ward, which is exactly the unseen semantics.
func Records(base, local, remote *types.Snapshot) RecordResult {
	if base == nil {
		base = &types.Snapshot{}
	}
	if local == nil {
		local = &types.Snapshot{}
	}
	if remote == nil {
		remote = &types.Snapshot{}
	}

	merged := local.Clone()
	result := RecordResult{Merged: merged}

	for _, field := range types.MergeFields {
		fr := Field(field, FieldValue(base, field), FieldValue(local, field), FieldValue(remote, field))
		result.Fields = append(result.Fields, fr)
		if fr.Conflict {
			result.Conflicts = append(result.Conflicts, fr)
			continue
		}
		setFieldValue(merged, field, fr.Value)
	}

	merged.Comments = Comments(local.Comments, remote.Comments)
	return result
}

// Comments unions two comment lists by ID. Comments are append-only, so
// the union can never conflict; ordering is by created_at with ID as the
// tiebreak so both sides converge on the same sequence. On the rare same-ID
// body divergence the local copy is kept.
func Comments(local, remote []*types.Comment) []*types.Comment {
	seen := make(map[string]bool, len(local))
	out := make([]*types.Comment, 0, len(local)+len(remote))
	for _, c := range local {
		if c == nil || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		cc := *c
		out = append(out, &cc)
	}
	for _, c := range remote {
		if c == nil || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		cc := *c
		out = append(out, &cc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) == 0 {
		return nil
	}
	return out
}

// FieldValue extracts a field from a snapshot as a comparable Value.
func FieldValue(s *types.Snapshot, field string) Value {
	switch field {
	case types.FieldTitle:
		return Text(s.Title)
	case types.FieldDescription:
		return Text(s.Description)
	case types.FieldStatus:
		return Scalar(string(s.Status))
	case types.FieldAssignee:
		return Scalar(s.Assignee)
	case types.FieldMilestone:
		return Scalar(s.Milestone)
	case types.FieldLabels:
		return StringSet(s.Labels)
	}
	return Value{}
}

func setFieldValue(s *types.Snapshot, field string, v Value) {
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
