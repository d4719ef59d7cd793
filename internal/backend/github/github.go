package github

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/weftlabs/weft/internal/backend"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/debug"
	"github.com/weftlabs/weft/internal/types"
)

// Name is the backend identifier used in config and remote links.
const Name = "github"

// batchLimit keeps push batches small enough that a mid-batch rate limit
// loses little work.
const batchLimit = 50

func init() {
	backend.Register(Name, func(ctx context.Context, cfg *config.Config) (backend.Backend, error) {
		return New(cfg)
	})
}

// Backend syncs records against one GitHub repository. Issue records map
// to issues and milestone records to milestones.
//
// Push consults indexes built during FetchAll: a natural-key table for
// matching unlinked records to existing issues and milestones, and a
// per-issue set of comment IDs already present remotely. The indexes are
// mutex-guarded; the executor pushes chunks concurrently.
type Backend struct {
	client *Client

	mu               sync.Mutex
	issueByTitle     map[string]int          // natural key -> issue number
	milestoneByTitle map[string]int          // natural key -> milestone number
	issueComments    map[int]map[string]bool // issue number -> comment IDs on the remote
}

// New creates a github backend from configuration.
func New(cfg *config.Config) (*Backend, error) {
	if cfg.GitHub.Owner == "" || cfg.GitHub.Repo == "" {
		return nil, fmt.Errorf("github backend requires a repository (set github.owner and github.repo)")
	}
	return &Backend{
		client:           NewClient(cfg.GitHub.Token, cfg.GitHub.Owner, cfg.GitHub.Repo, cfg.GitHub.APIURL),
		issueByTitle:     make(map[string]int),
		milestoneByTitle: make(map[string]int),
		issueComments:    make(map[int]map[string]bool),
	}, nil
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return Name }

// BatchLimit implements backend.Backend.
func (b *Backend) BatchLimit() int { return batchLimit }

// Close implements backend.Backend.
func (b *Backend) Close() error { return nil }

// Authenticate verifies the token against the /user endpoint.
func (b *Backend) Authenticate(ctx context.Context) error {
	if b.client.Token == "" {
		return &backend.SyncError{
			Op: "auth", Backend: Name, Kind: backend.KindAuth,
			Err: fmt.Errorf("github token required (set WEFT_GITHUB_TOKEN)"),
		}
	}
	login, err := b.client.Viewer(ctx)
	if err != nil {
		return err
	}
	debug.Logf("github: authenticated as %s for %s", login, b.client.repoPath())
	return nil
}

// FetchAll retrieves issues and milestones and rebuilds the push indexes.
// Pull requests and tombstoned issues are excluded. Milestones have no
// server-side since filter; the list is always fetched whole and filtered
// here, which also keeps the natural-key table complete on incremental
// runs.
func (b *Backend) FetchAll(ctx context.Context, opts backend.FetchOptions) ([]*backend.RemoteRecord, error) {
	issues, err := b.client.FetchIssues(ctx, opts.Since)
	if err != nil {
		return nil, err
	}
	milestones, err := b.client.FetchMilestones(ctx)
	if err != nil {
		return nil, err
	}

	issueIdx := make(map[string]int)
	commentIdx := make(map[int]map[string]bool)
	milestoneIdx := make(map[string]int)

	var out []*backend.RemoteRecord
	tombstones := 0
	for i := range issues {
		issue := &issues[i]
		if isTombstoned(issue) {
			tombstones++
			continue
		}
		indexTitle(issueIdx, issue.Title, issue.Number)

		var comments []Comment
		if issue.Comments > 0 {
			comments, err = b.client.FetchComments(ctx, issue.Number)
			if err != nil {
				return nil, err
			}
		}
		ids := make(map[string]bool, len(comments))
		snap := issueSnapshot(issue, comments)
		for _, c := range snap.Comments {
			ids[c.ID] = true
		}
		commentIdx[issue.Number] = ids

		out = append(out, &backend.RemoteRecord{
			RemoteID:  issueRemoteID(issue.Number),
			Kind:      types.KindIssue,
			Snapshot:  snap,
			UpdatedAt: issueUpdatedAt(issue),
			URL:       issue.HTMLURL,
		})
	}
	for i := range milestones {
		m := &milestones[i]
		indexTitle(milestoneIdx, m.Title, m.Number)
		if opts.Since != nil && m.UpdatedAt != nil && m.UpdatedAt.Before(*opts.Since) {
			continue
		}
		out = append(out, milestoneRecord(m))
	}

	b.mu.Lock()
	b.milestoneByTitle = milestoneIdx
	if opts.Since == nil {
		b.issueByTitle = issueIdx
		b.issueComments = commentIdx
	} else {
		maps.Copy(b.issueByTitle, issueIdx)
		maps.Copy(b.issueComments, commentIdx)
	}
	b.mu.Unlock()

	debug.Logf("github: fetched %d issues (%d tombstoned), %d milestones",
		len(issues), tombstones, len(milestones))
	return out, nil
}

// Push creates or updates records. Validation and not-found failures are
// reported per item; anything else fails the batch so the caller's retry
// policy can take over.
func (b *Backend) Push(ctx context.Context, records []*types.Record) (*backend.PushOutcome, error) {
	out := &backend.PushOutcome{}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := b.pushOne(ctx, rec)
		if err != nil {
			if isItemError(err) {
				out.Failed = append(out.Failed, backend.ItemError{ID: rec.ID, Err: err})
				continue
			}
			return nil, err
		}
		out.Pushed = append(out.Pushed, *res)
	}
	return out, nil
}

func (b *Backend) pushOne(ctx context.Context, rec *types.Record) (*backend.PushResult, error) {
	if rec.Kind == types.KindMilestone {
		return b.pushMilestone(ctx, rec)
	}
	return b.pushIssue(ctx, rec)
}

func (b *Backend) pushIssue(ctx context.Context, rec *types.Record) (*backend.PushResult, error) {
	number, linked, err := b.linkedNumber(rec, types.KindIssue)
	if err != nil {
		return nil, err
	}
	if !linked {
		// Natural-key match keeps a re-push after a partial failure from
		// creating the same issue twice.
		b.mu.Lock()
		if n, ok := b.issueByTitle[naturalKey(rec.Title)]; ok {
			number, linked = n, true
		}
		b.mu.Unlock()
	}

	milestoneNumber := 0
	if rec.Milestone != "" {
		milestoneNumber, err = b.ensureMilestone(ctx, rec.Milestone)
		if err != nil {
			return nil, err
		}
	}

	fields := issueFields(rec, milestoneNumber)
	var issue *Issue
	created := false
	if linked {
		for k, v := range stateFields(rec.Status) {
			fields[k] = v
		}
		issue, err = b.client.UpdateIssue(ctx, number, fields)
		if err != nil {
			return nil, err
		}
	} else {
		// Issue creation does not accept a state field; close in a
		// second request when needed.
		issue, err = b.client.CreateIssue(ctx, fields)
		if err != nil {
			return nil, err
		}
		created = true
		if rec.Status == types.StatusClosed {
			issue, err = b.client.UpdateIssue(ctx, issue.Number, stateFields(rec.Status))
			if err != nil {
				return nil, err
			}
		}
	}

	if err := b.pushComments(ctx, issue.Number, rec.Comments); err != nil {
		return nil, err
	}

	b.mu.Lock()
	indexTitle(b.issueByTitle, issue.Title, issue.Number)
	b.mu.Unlock()

	return &backend.PushResult{ID: rec.ID, RemoteID: issueRemoteID(issue.Number), Created: created}, nil
}

func (b *Backend) pushMilestone(ctx context.Context, rec *types.Record) (*backend.PushResult, error) {
	number, linked, err := b.linkedNumber(rec, types.KindMilestone)
	if err != nil {
		return nil, err
	}
	if !linked {
		b.mu.Lock()
		if n, ok := b.milestoneByTitle[naturalKey(rec.Title)]; ok {
			number, linked = n, true
		}
		b.mu.Unlock()
	}

	fields := milestoneFields(rec)
	var m *Milestone
	created := false
	if linked {
		m, err = b.client.UpdateMilestone(ctx, number, fields)
	} else {
		m, err = b.client.CreateMilestone(ctx, fields)
		created = true
	}
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	indexTitle(b.milestoneByTitle, m.Title, m.Number)
	b.mu.Unlock()

	return &backend.PushResult{ID: rec.ID, RemoteID: milestoneRemoteID(m.Number), Created: created}, nil
}

// linkedNumber resolves the record's remote link for this backend into an
// API number. A malformed or wrong-kind link is a validation failure; it
// means the store was edited by hand.
func (b *Backend) linkedNumber(rec *types.Record, want types.Kind) (int, bool, error) {
	id, ok := rec.RemoteID(Name)
	if !ok {
		return 0, false, nil
	}
	kind, number, err := parseRemoteID(id)
	if err != nil {
		return 0, false, &backend.SyncError{Op: "push", Backend: Name, Kind: backend.KindValidation, Err: err}
	}
	if kind != want {
		return 0, false, &backend.SyncError{
			Op: "push", Backend: Name, Kind: backend.KindValidation,
			Err: fmt.Errorf("record %s is a %s but links to %s", rec.ID, want, id),
		}
	}
	return number, true, nil
}

// ensureMilestone resolves a milestone title to its number, creating the
// milestone when the repository does not have it yet.
func (b *Backend) ensureMilestone(ctx context.Context, title string) (int, error) {
	key := naturalKey(title)
	b.mu.Lock()
	n, ok := b.milestoneByTitle[key]
	b.mu.Unlock()
	if ok {
		return n, nil
	}
	m, err := b.client.CreateMilestone(ctx, map[string]any{"title": title})
	if err != nil {
		return 0, err
	}
	debug.Logf("github: created milestone %q (#%d)", title, m.Number)
	b.mu.Lock()
	b.milestoneByTitle[key] = m.Number
	b.mu.Unlock()
	return m.Number, nil
}

// pushComments posts the record comments the remote does not have yet.
// Posted bodies carry a provenance trailer so the IDs round-trip.
func (b *Backend) pushComments(ctx context.Context, number int, comments []*types.Comment) error {
	if len(comments) == 0 {
		return nil
	}
	if err := b.ensureCommentIndex(ctx, number); err != nil {
		return err
	}
	for _, c := range comments {
		b.mu.Lock()
		present := b.issueComments[number][c.ID]
		b.mu.Unlock()
		if present {
			continue
		}
		if _, err := b.client.CreateComment(ctx, number, markComment(c.Body, c.ID)); err != nil {
			return err
		}
		b.mu.Lock()
		if b.issueComments[number] == nil {
			b.issueComments[number] = make(map[string]bool)
		}
		b.issueComments[number][c.ID] = true
		b.mu.Unlock()
	}
	return nil
}

// ensureCommentIndex guarantees the comment-ID set for an issue is
// populated. Issues outside an incremental fetch window are not indexed
// by FetchAll and need a direct listing before comments can be pushed.
func (b *Backend) ensureCommentIndex(ctx context.Context, number int) error {
	b.mu.Lock()
	_, ok := b.issueComments[number]
	b.mu.Unlock()
	if ok {
		return nil
	}
	comments, err := b.client.FetchComments(ctx, number)
	if err != nil {
		return err
	}
	ids := make(map[string]bool, len(comments))
	for i := range comments {
		ids[commentFromAPI(&comments[i]).ID] = true
	}
	b.mu.Lock()
	b.issueComments[number] = ids
	b.mu.Unlock()
	return nil
}

// Pull retrieves the identified records. A tombstoned issue reports as
// not found: it is deleted as far as sync is concerned.
func (b *Backend) Pull(ctx context.Context, remoteIDs []string) (*backend.PullOutcome, error) {
	out := &backend.PullOutcome{}
	for _, id := range remoteIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rr, err := b.pullOne(ctx, id)
		if err != nil {
			if isItemError(err) {
				out.Failed = append(out.Failed, backend.ItemError{ID: id, Err: err})
				continue
			}
			return nil, err
		}
		out.Records = append(out.Records, rr)
	}
	return out, nil
}

func (b *Backend) pullOne(ctx context.Context, id string) (*backend.RemoteRecord, error) {
	kind, number, err := parseRemoteID(id)
	if err != nil {
		return nil, &backend.SyncError{Op: "pull", Backend: Name, Kind: backend.KindValidation, Err: err}
	}

	if kind == types.KindMilestone {
		m, err := b.client.FetchMilestone(ctx, number)
		if err != nil {
			return nil, err
		}
		return milestoneRecord(m), nil
	}

	issue, err := b.client.FetchIssue(ctx, number)
	if err != nil {
		return nil, err
	}
	if isTombstoned(issue) {
		return nil, &backend.SyncError{
			Op: "pull", Backend: Name, Kind: backend.KindNotFound,
			Err: fmt.Errorf("issue #%d was deleted as a duplicate", number),
		}
	}
	var comments []Comment
	if issue.Comments > 0 {
		comments, err = b.client.FetchComments(ctx, issue.Number)
		if err != nil {
			return nil, err
		}
	}
	snap := issueSnapshot(issue, comments)

	ids := make(map[string]bool, len(snap.Comments))
	for _, c := range snap.Comments {
		ids[c.ID] = true
	}
	b.mu.Lock()
	b.issueComments[issue.Number] = ids
	b.mu.Unlock()

	return &backend.RemoteRecord{
		RemoteID:  issueRemoteID(issue.Number),
		Kind:      types.KindIssue,
		Snapshot:  snap,
		UpdatedAt: issueUpdatedAt(issue),
		URL:       issue.HTMLURL,
	}, nil
}

// DeleteRemote removes records. Milestones are deleted outright. The API
// has no way to delete an issue, so issues are tombstoned instead: closed
// as not planned and labeled weft:duplicate, which hides them from every
// later fetch.
func (b *Backend) DeleteRemote(ctx context.Context, remoteIDs []string) (*backend.DeleteOutcome, error) {
	out := &backend.DeleteOutcome{}
	for _, id := range remoteIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := b.deleteOne(ctx, id); err != nil {
			if isItemError(err) {
				out.Failed = append(out.Failed, backend.ItemError{ID: id, Err: err})
				continue
			}
			return nil, err
		}
		out.Deleted = append(out.Deleted, id)
	}
	return out, nil
}

func (b *Backend) deleteOne(ctx context.Context, id string) error {
	kind, number, err := parseRemoteID(id)
	if err != nil {
		return &backend.SyncError{Op: "delete", Backend: Name, Kind: backend.KindValidation, Err: err}
	}

	if kind == types.KindMilestone {
		if err := b.client.DeleteMilestone(ctx, number); err != nil {
			return err
		}
		b.dropFromIndex(b.milestoneByTitle, number)
		return nil
	}

	issue, err := b.client.FetchIssue(ctx, number)
	if err != nil {
		return err
	}
	if !isTombstoned(issue) {
		labels := make([]string, 0, len(issue.Labels)+1)
		for _, l := range issue.Labels {
			labels = append(labels, l.Name)
		}
		labels = append(labels, tombstoneLabel)
		_, err = b.client.UpdateIssue(ctx, number, map[string]any{
			"labels":       labels,
			"state":        "closed",
			"state_reason": "not_planned",
		})
		if err != nil {
			return err
		}
		debug.Logf("github: tombstoned issue #%d", number)
	}
	b.dropFromIndex(b.issueByTitle, number)
	return nil
}

// dropFromIndex removes every natural-key entry pointing at a number, so
// a record deleted this run cannot be re-adopted by title.
func (b *Backend) dropFromIndex(idx map[string]int, number int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, n := range idx {
		if n == number {
			delete(idx, key)
		}
	}
}

// indexTitle records a natural-key mapping, preferring the lowest number
// when titles collide so matching stays deterministic.
func indexTitle(idx map[string]int, title string, number int) {
	key := naturalKey(title)
	if old, ok := idx[key]; ok && old <= number {
		return
	}
	idx[key] = number
}

func milestoneRecord(m *Milestone) *backend.RemoteRecord {
	updated := time.Time{}
	if m.UpdatedAt != nil {
		updated = m.UpdatedAt.UTC()
	} else if m.CreatedAt != nil {
		updated = m.CreatedAt.UTC()
	}
	return &backend.RemoteRecord{
		RemoteID:  milestoneRemoteID(m.Number),
		Kind:      types.KindMilestone,
		Snapshot:  milestoneSnapshot(m),
		UpdatedAt: updated,
		URL:       m.HTMLURL,
	}
}

// isItemError reports whether a failure is scoped to one item. Validation
// and not-found failures are; everything else indicates the backend as a
// whole is struggling and should fail the batch.
func isItemError(err error) bool {
	switch backend.ErrKind(err) {
	case backend.KindValidation, backend.KindNotFound:
		return true
	}
	return false
}
