package types

import (
	"testing"
	"time"
)

func TestSnapshotRoundTrip(t *testing.T) {
	r := testRecord()
	r.Description = "sessions expire too fast"
	r.Comments = []*Comment{{ID: "c1", Body: "repro attached"}}

	s := SnapshotOf(r)

	// Snapshot is a copy, not a view.
	s.Labels[0] = "changed"
	if r.Labels[0] != "bug" {
		t.Error("SnapshotOf shares labels slice with record")
	}

	target := &Record{ID: "wv-9", Kind: KindIssue, CreatedAt: r.CreatedAt}
	now := time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC)
	s.Apply(target, now)

	if target.Title != r.Title || target.Description != r.Description {
		t.Errorf("Apply: got title=%q desc=%q", target.Title, target.Description)
	}
	if !target.UpdatedAt.Equal(now) {
		t.Errorf("Apply: updated_at = %v, want %v", target.UpdatedAt, now)
	}
	if target.ID != "wv-9" {
		t.Errorf("Apply touched identity: id = %q", target.ID)
	}
	if target.ContentHash == "" {
		t.Error("Apply did not refresh content hash")
	}
}

func TestSnapshotEqual(t *testing.T) {
	base := &Snapshot{
		Title:  "Fix login timeout",
		Status: StatusOpen,
		Labels: []string{"bug", "auth"},
	}

	tests := []struct {
		name  string
		other *Snapshot
		want  bool
	}{
		{"same", base.Clone(), true},
		{"label order", &Snapshot{Title: "Fix login timeout", Status: StatusOpen, Labels: []string{"auth", "bug"}}, true},
		{"different title", &Snapshot{Title: "other", Status: StatusOpen, Labels: []string{"bug", "auth"}}, false},
		{"label subset", &Snapshot{Title: "Fix login timeout", Status: StatusOpen, Labels: []string{"bug"}}, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := base.Equal(tt.other); got != tt.want {
				t.Errorf("Equal() = %v, want %v", got, tt.want)
			}
		})
	}

	var n *Snapshot
	if !n.Equal(nil) {
		t.Error("nil.Equal(nil) = false, want true")
	}
}
