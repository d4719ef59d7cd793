// Package types defines core data structures for the weft record store.
package types

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Record is the synchronizable unit: an issue or milestone tracked in the
// local store and mirrored to zero or more remote backends.
type Record struct {
	ID          string   `json:"id"`
	ContentHash string   `json:"-"` // Internal: SHA256 of canonical content (excludes ID, timestamps) - NOT exported to JSONL
	Kind        Kind     `json:"kind,omitempty"`
	Project     string   `json:"project,omitempty"` // Scoping key for duplicate detection
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
	Milestone   string   `json:"milestone,omitempty"`
	Labels      []string `json:"labels,omitempty"` // Set semantics: order-insensitive, no duplicates

	Comments []*Comment `json:"comments,omitempty"` // Ordered, append-only

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Archival fields double as the duplicate-collapse audit trail: an
	// archived duplicate keeps a pointer to the record it folded into.
	Archived      bool       `json:"archived,omitempty"`
	ArchivedAt    *time.Time `json:"archived_at,omitempty"`
	ArchiveReason string     `json:"archive_reason,omitempty"`
	CanonicalID   string     `json:"canonical_id,omitempty"` // Set when archived as a duplicate

	// Remotes maps backend name to the remote identity and the remote-state
	// snapshot captured at the most recent fully successful sync.
	Remotes      map[string]*RemoteLink `json:"remotes,omitempty"`
	LastSyncedAt *time.Time             `json:"last_synced_at,omitempty"`
}

// RemoteLink ties a record to its counterpart on one backend.
type RemoteLink struct {
	ID       string    `json:"id"`
	Snapshot *Snapshot `json:"snapshot,omitempty"` // Remote state at last successful sync
	SyncedAt time.Time `json:"synced_at"`
}

// Comment is a single entry in a record's ordered comment list.
// Comments are append-only; merge unions them by ID and never conflicts.
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// ComputeContentHash creates a deterministic hash of the record's content.
// Uses all substantive fields (excluding ID, timestamps, and sync metadata)
// so that identical content produces identical hashes across workspaces.
func (r *Record) ComputeContentHash() string {
	h := sha256.New()

	h.Write([]byte(r.Kind))
	h.Write([]byte{0}) // separator
	h.Write([]byte(r.Project))
	h.Write([]byte{0})
	h.Write([]byte(r.Title))
	h.Write([]byte{0})
	h.Write([]byte(r.Description))
	h.Write([]byte{0})
	h.Write([]byte(r.Status))
	h.Write([]byte{0})
	h.Write([]byte(r.Assignee))
	h.Write([]byte{0})
	h.Write([]byte(r.Milestone))
	h.Write([]byte{0})

	// Labels are a set: hash in sorted order so permutations agree.
	labels := append([]string(nil), r.Labels...)
	sort.Strings(labels)
	for _, l := range labels {
		h.Write([]byte(l))
		h.Write([]byte{0})
	}
	h.Write([]byte{0})

	for _, c := range r.Comments {
		h.Write([]byte(c.ID))
		h.Write([]byte{0})
		h.Write([]byte(c.Body))
		h.Write([]byte{0})
	}
	h.Write([]byte{0})

	if r.Archived {
		h.Write([]byte("archived"))
	}
	h.Write([]byte{0})
	h.Write([]byte(r.CanonicalID))

	return fmt.Sprintf("%x", h.Sum(nil))
}

// Validate checks if the record has valid field values.
func (r *Record) Validate() error {
	if len(r.ID) == 0 {
		return fmt.Errorf("id is required")
	}
	if len(r.Title) == 0 {
		return fmt.Errorf("title is required")
	}
	if len(r.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(r.Title))
	}
	if !r.Kind.IsValid() {
		return fmt.Errorf("invalid kind: %s", r.Kind)
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", r.Status)
	}
	// Archival invariant: archived_at is set if and only if the record is archived.
	if r.Archived && r.ArchivedAt == nil {
		return fmt.Errorf("archived records must have archived_at timestamp")
	}
	if !r.Archived && r.ArchivedAt != nil {
		return fmt.Errorf("non-archived records cannot have archived_at timestamp")
	}
	if r.CanonicalID != "" && !r.Archived {
		return fmt.Errorf("canonical_id is only valid on archived records")
	}
	if r.CanonicalID == r.ID && r.CanonicalID != "" {
		return fmt.Errorf("record cannot be its own canonical")
	}
	for _, link := range r.Remotes {
		if link == nil || link.ID == "" {
			return fmt.Errorf("remote link without id")
		}
	}
	return nil
}

// SetDefaults applies default values for fields omitted during JSONL import.
// Call this after json.Unmarshal so missing fields get proper defaults:
//   - Kind: defaults to KindIssue if empty
//   - Status: defaults to StatusOpen if empty
//
// This keeps JSONL lines small by using omitempty on these fields.
func (r *Record) SetDefaults() {
	if r.Kind == "" {
		r.Kind = KindIssue
	}
	if r.Status == "" {
		r.Status = StatusOpen
	}
}

// RemoteID returns the record's identifier on the named backend.
func (r *Record) RemoteID(backend string) (string, bool) {
	link, ok := r.Remotes[backend]
	if !ok || link == nil {
		return "", false
	}
	return link.ID, true
}

// LinkRemote records the record's identity on a backend. A remote ID, once
// set, is never silently replaced: linking a different ID returns an error,
// and callers that have been through conflict resolution or an explicit
// duplicate merge must use ForceLinkRemote instead.
func (r *Record) LinkRemote(backend, remoteID string) error {
	if remoteID == "" {
		return fmt.Errorf("link %s: empty remote id", backend)
	}
	if existing, ok := r.RemoteID(backend); ok && existing != remoteID {
		return fmt.Errorf("link %s: %s already linked to %s, refusing to relink to %s",
			backend, r.ID, existing, remoteID)
	}
	if r.Remotes == nil {
		r.Remotes = make(map[string]*RemoteLink)
	}
	if link, ok := r.Remotes[backend]; ok && link != nil {
		link.ID = remoteID
		return nil
	}
	r.Remotes[backend] = &RemoteLink{ID: remoteID}
	return nil
}

// ForceLinkRemote replaces any existing remote identity for the backend.
// Only conflict resolution and duplicate merges may call this.
func (r *Record) ForceLinkRemote(backend, remoteID string) {
	if r.Remotes == nil {
		r.Remotes = make(map[string]*RemoteLink)
	}
	r.Remotes[backend] = &RemoteLink{ID: remoteID}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Labels = append([]string(nil), r.Labels...)
	out.Comments = cloneComments(r.Comments)
	if r.ArchivedAt != nil {
		t := *r.ArchivedAt
		out.ArchivedAt = &t
	}
	if r.LastSyncedAt != nil {
		t := *r.LastSyncedAt
		out.LastSyncedAt = &t
	}
	if r.Remotes != nil {
		out.Remotes = make(map[string]*RemoteLink, len(r.Remotes))
		for name, link := range r.Remotes {
			if link == nil {
				continue
			}
			l := *link
			l.Snapshot = link.Snapshot.Clone()
			out.Remotes[name] = &l
		}
	}
	return &out
}

func cloneComments(comments []*Comment) []*Comment {
	if comments == nil {
		return nil
	}
	out := make([]*Comment, len(comments))
	for i, c := range comments {
		cc := *c
		out[i] = &cc
	}
	return out
}

// Kind distinguishes the synchronizable record types.
type Kind string

// Record kind constants
const (
	KindIssue     Kind = "issue"
	KindMilestone Kind = "milestone"
)

// IsValid checks if the kind value is valid.
func (k Kind) IsValid() bool {
	switch k {
	case KindIssue, KindMilestone:
		return true
	}
	return false
}

// Status represents the current state of a record.
type Status string

// Record status constants
const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusClosed     Status = "closed"
)

// IsValid checks if the status value is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusClosed:
		return true
	}
	return false
}

// NewDetachedID generates an identifier for a record created outside any
// workspace (for example, pulled from a remote before the local prefix is
// known). Workspace-scoped IDs come from the store's allocator instead.
func NewDetachedID() string {
	return "weft-" + uuid.NewString()
}
