package github

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/weftlabs/weft/internal/types"
)

// Scoped labels carry weft bookkeeping on the GitHub side and never enter
// the local label set. "status:*" encodes the in-progress state GitHub
// issues lack natively; "weft:*" marks sync artifacts such as tombstones.
const (
	statusLabelInProgress = "status:in_progress"
	tombstoneLabel        = "weft:duplicate"
)

// Remote IDs namespace the issue and milestone number spaces, which
// GitHub keeps separate: "issues/17", "milestones/3".
const (
	issuePrefix     = "issues/"
	milestonePrefix = "milestones/"
)

func issueRemoteID(number int) string {
	return issuePrefix + strconv.Itoa(number)
}

func milestoneRemoteID(number int) string {
	return milestonePrefix + strconv.Itoa(number)
}

// parseRemoteID splits a remote ID into its kind and number.
func parseRemoteID(id string) (types.Kind, int, error) {
	var kind types.Kind
	var numStr string
	switch {
	case strings.HasPrefix(id, issuePrefix):
		kind, numStr = types.KindIssue, strings.TrimPrefix(id, issuePrefix)
	case strings.HasPrefix(id, milestonePrefix):
		kind, numStr = types.KindMilestone, strings.TrimPrefix(id, milestonePrefix)
	default:
		return "", 0, fmt.Errorf("malformed remote id %q", id)
	}
	n, err := strconv.Atoi(numStr)
	if err != nil || n <= 0 {
		return "", 0, fmt.Errorf("malformed remote id %q", id)
	}
	return kind, n, nil
}

// splitLabel splits a scoped label ("status:in_progress", "status/blocked")
// into prefix and value. Unscoped labels return an empty prefix.
func splitLabel(name string) (prefix, value string) {
	if i := strings.IndexAny(name, ":/"); i > 0 {
		return strings.ToLower(name[:i]), name[i+1:]
	}
	return "", name
}

// issueStatus determines record status from GitHub state and labels.
// The closed state always wins over status labels.
func issueStatus(state string, labels []Label) types.Status {
	if state == "closed" {
		return types.StatusClosed
	}
	for _, label := range labels {
		prefix, value := splitLabel(label.Name)
		if prefix != "status" {
			continue
		}
		switch strings.ToLower(value) {
		case "in_progress", "in-progress":
			return types.StatusInProgress
		}
	}
	return types.StatusOpen
}

// recordLabels returns the labels that belong in the local label set,
// dropping the status:* and weft:* scopes.
func recordLabels(labels []Label) []string {
	var out []string
	for _, label := range labels {
		prefix, _ := splitLabel(label.Name)
		if prefix == "status" || prefix == "weft" {
			continue
		}
		out = append(out, label.Name)
	}
	return out
}

// pushLabels builds the label set to send: the record's own labels plus
// the status label when the record is in progress.
func pushLabels(rec *types.Record) []string {
	labels := append([]string(nil), rec.Labels...)
	if rec.Status == types.StatusInProgress {
		labels = append(labels, statusLabelInProgress)
	}
	if labels == nil {
		labels = []string{}
	}
	return labels
}

// isTombstoned reports whether an issue was retired by a duplicate
// deletion. GitHub has no API to delete issues, so DeleteRemote closes
// them as not planned and marks them with the weft:duplicate label;
// FetchAll hides them from then on.
func isTombstoned(issue *Issue) bool {
	for _, label := range issue.Labels {
		if label.Name == tombstoneLabel {
			return true
		}
	}
	return false
}

// commentMarkerPattern matches the provenance trailer weft appends to
// comments it posts, e.g. "<!-- weft:wv-12-c3 -->".
var commentMarkerPattern = regexp.MustCompile(`\s*<!-- weft:(\S+) -->\s*$`)

// markComment appends the provenance trailer so the comment's local ID
// survives the round trip through GitHub.
func markComment(body, id string) string {
	return body + "\n\n<!-- weft:" + id + " -->"
}

// parseCommentMarker strips the provenance trailer from a fetched comment
// body and returns the embedded ID, or "" when the comment was authored
// on GitHub directly.
func parseCommentMarker(body string) (string, string) {
	m := commentMarkerPattern.FindStringSubmatch(body)
	if m == nil {
		return body, ""
	}
	return strings.TrimSuffix(body, m[0]), m[1]
}

// commentFromAPI converts a fetched comment. GitHub-authored comments get
// a synthetic "github-<id>" identity; weft-posted ones recover their
// original ID from the trailer.
func commentFromAPI(c *Comment) *types.Comment {
	body, id := parseCommentMarker(c.Body)
	if id == "" {
		id = "github-" + strconv.Itoa(c.ID)
	}
	out := &types.Comment{ID: id, Body: body}
	if c.User != nil {
		out.Author = c.User.Login
	}
	if c.CreatedAt != nil {
		out.CreatedAt = c.CreatedAt.UTC()
	}
	return out
}

// issueSnapshot converts a fetched issue plus its comments into the
// merge-relevant field set.
func issueSnapshot(issue *Issue, comments []Comment) *types.Snapshot {
	snap := &types.Snapshot{
		Title:       issue.Title,
		Description: issue.Body,
		Status:      issueStatus(issue.State, issue.Labels),
		Labels:      recordLabels(issue.Labels),
	}
	if issue.Assignee != nil {
		snap.Assignee = issue.Assignee.Login
	} else if len(issue.Assignees) > 0 {
		snap.Assignee = issue.Assignees[0].Login
	}
	if issue.Milestone != nil {
		snap.Milestone = issue.Milestone.Title
	}
	for i := range comments {
		snap.Comments = append(snap.Comments, commentFromAPI(&comments[i]))
	}
	return snap
}

// milestoneSnapshot converts a fetched milestone. Milestones carry no
// labels, assignee, or comments, and GitHub gives them only open and
// closed states, so an in-progress milestone pushed from here settles
// back to open on the next fetch.
func milestoneSnapshot(m *Milestone) *types.Snapshot {
	status := types.StatusOpen
	if m.State == "closed" {
		status = types.StatusClosed
	}
	return &types.Snapshot{
		Title:       m.Title,
		Description: m.Description,
		Status:      status,
	}
}

// issueFields builds the create/update payload for an issue, minus state.
// Issue creation does not accept a state field; the caller follows a
// create with a state patch when the record is closed.
func issueFields(rec *types.Record, milestoneNumber int) map[string]any {
	fields := map[string]any{
		"title":  rec.Title,
		"body":   rec.Description,
		"labels": pushLabels(rec),
	}
	if rec.Assignee != "" {
		fields["assignees"] = []string{rec.Assignee}
	} else {
		fields["assignees"] = []string{}
	}
	if milestoneNumber > 0 {
		fields["milestone"] = milestoneNumber
	} else {
		fields["milestone"] = nil
	}
	return fields
}

// stateFields builds the state part of an issue update.
func stateFields(status types.Status) map[string]any {
	if status == types.StatusClosed {
		return map[string]any{"state": "closed"}
	}
	return map[string]any{"state": "open"}
}

// milestoneFields builds the create/update payload for a milestone.
func milestoneFields(rec *types.Record) map[string]any {
	state := "open"
	if rec.Status == types.StatusClosed {
		state = "closed"
	}
	return map[string]any{
		"title":       rec.Title,
		"description": rec.Description,
		"state":       state,
	}
}

// naturalKey normalizes a title for first-contact matching.
func naturalKey(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

// issueUpdatedAt prefers the API's update stamp and falls back to the
// creation stamp for the rare payload missing one.
func issueUpdatedAt(issue *Issue) time.Time {
	if issue.UpdatedAt != nil {
		return issue.UpdatedAt.UTC()
	}
	if issue.CreatedAt != nil {
		return issue.CreatedAt.UTC()
	}
	return time.Time{}
}
