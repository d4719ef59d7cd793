package types

import (
	"sort"
	"time"
)

// Merge-relevant field names. The merge engine, conflict resolver, and
// duplicate detector all key their tables on these.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldStatus      = "status"
	FieldAssignee    = "assignee"
	FieldMilestone   = "milestone"
	FieldLabels      = "labels"
	FieldComments    = "comments"
)

// MergeFields is the fixed order in which record fields are merged and
// reported. Comments are handled separately (union by ID, cannot conflict).
var MergeFields = []string{
	FieldTitle,
	FieldStatus,
	FieldAssignee,
	FieldMilestone,
	FieldLabels,
	FieldDescription,
}

// Snapshot captures the merge-relevant fields of a record at a point in
// time. Snapshots are what baselines store, what history reconstruction
// yields, and what the three-way merge consumes.
type Snapshot struct {
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status,omitempty"`
	Assignee    string     `json:"assignee,omitempty"`
	Milestone   string     `json:"milestone,omitempty"`
	Labels      []string   `json:"labels,omitempty"`
	Comments    []*Comment `json:"comments,omitempty"`
}

// SnapshotOf extracts the merge-relevant fields from a record.
func SnapshotOf(r *Record) *Snapshot {
	if r == nil {
		return &Snapshot{}
	}
	return &Snapshot{
		Title:       r.Title,
		Description: r.Description,
		Status:      r.Status,
		Assignee:    r.Assignee,
		Milestone:   r.Milestone,
		Labels:      append([]string(nil), r.Labels...),
		Comments:    cloneComments(r.Comments),
	}
}

// Apply writes the snapshot's fields back onto a record and bumps its
// updated_at. The record's identity and sync metadata are untouched.
func (s *Snapshot) Apply(r *Record, now time.Time) {
	r.Title = s.Title
	r.Description = s.Description
	r.Status = s.Status
	r.Assignee = s.Assignee
	r.Milestone = s.Milestone
	r.Labels = append([]string(nil), s.Labels...)
	r.Comments = cloneComments(s.Comments)
	r.UpdatedAt = now.UTC()
	r.ContentHash = r.ComputeContentHash()
}

// Clone returns a deep copy of the snapshot. Clone of nil is nil.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Labels = append([]string(nil), s.Labels...)
	out.Comments = cloneComments(s.Comments)
	return &out
}

// Equal reports whether two snapshots carry the same content. Labels
// compare as sets; comments compare by ID and body in order.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Title != o.Title || s.Description != o.Description ||
		s.Status != o.Status || s.Assignee != o.Assignee ||
		s.Milestone != o.Milestone {
		return false
	}
	if !labelSetsEqual(s.Labels, o.Labels) {
		return false
	}
	if len(s.Comments) != len(o.Comments) {
		return false
	}
	for i := range s.Comments {
		if s.Comments[i].ID != o.Comments[i].ID || s.Comments[i].Body != o.Comments[i].Body {
			return false
		}
	}
	return true
}

func labelSetsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
