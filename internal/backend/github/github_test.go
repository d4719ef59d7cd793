package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/weftlabs/weft/internal/backend"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/types"
)

// testBackend wires a backend to a fake repository server.
func testBackend(t *testing.T, mux *http.ServeMux) *Backend {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	b, err := New(&config.Config{GitHub: config.GitHubConfig{
		Owner:  "owner",
		Repo:   "repo",
		Token:  "test-token",
		APIURL: server.URL,
	}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return b
}

func emptyList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte("[]"))
}

func hasLabel(fields map[string]any, name string) bool {
	labels, _ := fields["labels"].([]any)
	for _, l := range labels {
		if l == name {
			return true
		}
	}
	return false
}

func TestBackendRegistered(t *testing.T) {
	if backend.Get(Name) == nil {
		t.Fatalf("backend %q not registered", Name)
	}
}

func TestBackendRequiresRepository(t *testing.T) {
	if _, err := New(&config.Config{}); err == nil {
		t.Fatal("New() error = nil, want error for missing owner/repo")
	}
}

// TestBackendAuthenticate verifies the token check happens before any
// request goes out.
func TestBackendAuthenticate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /user", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(User{Login: "octocat"})
	})

	b := testBackend(t, mux)
	if err := b.Authenticate(context.Background()); err != nil {
		t.Errorf("Authenticate() error = %v", err)
	}

	b.client.Token = ""
	err := b.Authenticate(context.Background())
	if !errors.Is(err, backend.ErrAuthFailed) {
		t.Errorf("Authenticate() without token = %v, want ErrAuthFailed", err)
	}
}

// TestBackendFetchAll verifies issues and milestones come back as
// namespaced remote records, with comments fetched only for issues that
// have any.
func TestBackendFetchAll(t *testing.T) {
	updated := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/owner/repo/issues", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Issue{
			{Number: 1, Title: "Fix crash", State: "open", UpdatedAt: &updated},
			{Number: 2, Title: "Discussed issue", State: "open", Comments: 1, UpdatedAt: &updated},
		})
	})
	// No comments route for issue 1: fetching them would 404 and fail
	// the call.
	mux.HandleFunc("GET /repos/owner/repo/issues/2/comments", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Comment{{ID: 9, Body: "a note", User: &User{Login: "octocat"}}})
	})
	mux.HandleFunc("GET /repos/owner/repo/milestones", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Milestone{{Number: 3, Title: "v1.0", State: "open", UpdatedAt: &updated}})
	})

	b := testBackend(t, mux)
	records, err := b.FetchAll(context.Background(), backend.FetchOptions{})
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("FetchAll() returned %d records, want 3", len(records))
	}

	if records[0].RemoteID != "issues/1" || records[0].Kind != types.KindIssue {
		t.Errorf("records[0] = %s (%s), want issues/1 (issue)", records[0].RemoteID, records[0].Kind)
	}
	if !records[0].UpdatedAt.Equal(updated) {
		t.Errorf("records[0].UpdatedAt = %v, want %v", records[0].UpdatedAt, updated)
	}
	if got := records[1].Snapshot.Comments; len(got) != 1 || got[0].ID != "github-9" {
		t.Errorf("records[1] comments = %+v, want one native comment", got)
	}
	if records[2].RemoteID != "milestones/3" || records[2].Kind != types.KindMilestone {
		t.Errorf("records[2] = %s (%s), want milestones/3 (milestone)", records[2].RemoteID, records[2].Kind)
	}
}

// TestBackendFetchAllSkipsTombstones verifies issues retired by a
// duplicate deletion stay invisible.
func TestBackendFetchAllSkipsTombstones(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/owner/repo/issues", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Issue{
			{Number: 1, Title: "Live issue", State: "open"},
			{Number: 2, Title: "Old duplicate", State: "closed", Labels: []Label{{Name: "weft:duplicate"}}},
		})
	})
	mux.HandleFunc("GET /repos/owner/repo/milestones", emptyList)

	b := testBackend(t, mux)
	records, err := b.FetchAll(context.Background(), backend.FetchOptions{})
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if len(records) != 1 || records[0].RemoteID != "issues/1" {
		t.Errorf("FetchAll() = %d records, want only the live issue", len(records))
	}
}

// TestBackendPushCreatesIssue verifies an unlinked record becomes a new
// issue with cleared fields sent explicitly.
func TestBackendPushCreatesIssue(t *testing.T) {
	var captured map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/owner/repo/issues", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Issue{Number: 42, Title: "New feature", State: "open"})
	})

	b := testBackend(t, mux)
	rec := &types.Record{ID: "wv-1", Kind: types.KindIssue, Title: "New feature", Status: types.StatusOpen, Labels: []string{"enhancement"}, Assignee: "alice"}
	out, err := b.Push(context.Background(), []*types.Record{rec})
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if len(out.Pushed) != 1 || len(out.Failed) != 0 {
		t.Fatalf("Push() = %d pushed, %d failed, want 1/0", len(out.Pushed), len(out.Failed))
	}
	if got := out.Pushed[0]; got.RemoteID != "issues/42" || !got.Created {
		t.Errorf("result = %+v, want created issues/42", got)
	}
	if captured["title"] != "New feature" || !hasLabel(captured, "enhancement") {
		t.Errorf("posted body = %v", captured)
	}
	if assignees, _ := captured["assignees"].([]any); len(assignees) != 1 || assignees[0] != "alice" {
		t.Errorf("assignees = %v, want [alice]", captured["assignees"])
	}
}

// TestBackendPushUpdatesLinkedIssue verifies a linked record patches in
// place, including state.
func TestBackendPushUpdatesLinkedIssue(t *testing.T) {
	var captured map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /repos/owner/repo/issues/7", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_ = json.NewEncoder(w).Encode(Issue{Number: 7, Title: "Done", State: "closed"})
	})

	b := testBackend(t, mux)
	rec := &types.Record{
		ID: "wv-2", Kind: types.KindIssue, Title: "Done", Status: types.StatusClosed,
		Remotes: map[string]*types.RemoteLink{Name: {ID: "issues/7"}},
	}
	out, err := b.Push(context.Background(), []*types.Record{rec})
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if got := out.Pushed[0]; got.RemoteID != "issues/7" || got.Created {
		t.Errorf("result = %+v, want updated issues/7", got)
	}
	if captured["state"] != "closed" {
		t.Errorf("state = %v, want closed", captured["state"])
	}
}

// TestBackendPushAdoptsExistingIssueByTitle verifies the natural-key
// index turns a would-be create into an update.
func TestBackendPushAdoptsExistingIssueByTitle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/owner/repo/issues", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Issue{{Number: 5, Title: "Fix crash", State: "open"}})
	})
	mux.HandleFunc("GET /repos/owner/repo/milestones", emptyList)
	mux.HandleFunc("PATCH /repos/owner/repo/issues/5", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Issue{Number: 5, Title: "fix CRASH", State: "open"})
	})

	b := testBackend(t, mux)
	if _, err := b.FetchAll(context.Background(), backend.FetchOptions{}); err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}

	rec := &types.Record{ID: "wv-3", Kind: types.KindIssue, Title: " fix CRASH ", Status: types.StatusOpen}
	out, err := b.Push(context.Background(), []*types.Record{rec})
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if len(out.Failed) != 0 {
		t.Fatalf("Push() failed = %+v, want adoption via title match", out.Failed)
	}
	if got := out.Pushed[0]; got.RemoteID != "issues/5" || got.Created {
		t.Errorf("result = %+v, want adopted issues/5", got)
	}
}

// TestBackendPushCreatesMissingMilestone verifies a referenced milestone
// the repository lacks is created on the fly.
func TestBackendPushCreatesMissingMilestone(t *testing.T) {
	var issueBody map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/owner/repo/milestones", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["title"] != "v2.0" {
			t.Errorf("milestone title = %v, want v2.0", body["title"])
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Milestone{Number: 9, Title: "v2.0", State: "open"})
	})
	mux.HandleFunc("POST /repos/owner/repo/issues", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&issueBody)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Issue{Number: 50, Title: "Ship it", State: "open"})
	})

	b := testBackend(t, mux)
	rec := &types.Record{ID: "wv-4", Kind: types.KindIssue, Title: "Ship it", Status: types.StatusOpen, Milestone: "v2.0"}
	out, err := b.Push(context.Background(), []*types.Record{rec})
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if len(out.Pushed) != 1 {
		t.Fatalf("Push() = %+v, want one pushed record", out)
	}
	if issueBody["milestone"] != float64(9) {
		t.Errorf("issue milestone = %v, want 9", issueBody["milestone"])
	}
}

// TestBackendPushClosedCreate verifies creating a closed record closes
// the issue in a follow-up request, since creation rejects a state field.
func TestBackendPushClosedCreate(t *testing.T) {
	patched := false
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/owner/repo/issues", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["state"]; ok {
			t.Error("create payload includes state")
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Issue{Number: 11, Title: "Old bug", State: "open"})
	})
	mux.HandleFunc("PATCH /repos/owner/repo/issues/11", func(w http.ResponseWriter, r *http.Request) {
		patched = true
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["state"] != "closed" {
			t.Errorf("patched state = %v, want closed", body["state"])
		}
		_ = json.NewEncoder(w).Encode(Issue{Number: 11, Title: "Old bug", State: "closed"})
	})

	b := testBackend(t, mux)
	rec := &types.Record{ID: "wv-5", Kind: types.KindIssue, Title: "Old bug", Status: types.StatusClosed}
	out, err := b.Push(context.Background(), []*types.Record{rec})
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if !patched {
		t.Error("closed create never patched the state")
	}
	if got := out.Pushed[0]; got.RemoteID != "issues/11" || !got.Created {
		t.Errorf("result = %+v, want created issues/11", got)
	}
}

// TestBackendPushPostsOnlyMissingComments verifies comment pushes consult
// the remote set first and carry the provenance trailer.
func TestBackendPushPostsOnlyMissingComments(t *testing.T) {
	var posted []string
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /repos/owner/repo/issues/7", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Issue{Number: 7, Title: "Talky", State: "open"})
	})
	mux.HandleFunc("GET /repos/owner/repo/issues/7/comments", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Comment{{ID: 800, Body: markComment("first", "wv-6-c1")}})
	})
	mux.HandleFunc("POST /repos/owner/repo/issues/7/comments", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		s, _ := body["body"].(string)
		posted = append(posted, s)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Comment{ID: 801, Body: s})
	})

	b := testBackend(t, mux)
	rec := &types.Record{
		ID: "wv-6", Kind: types.KindIssue, Title: "Talky", Status: types.StatusOpen,
		Remotes: map[string]*types.RemoteLink{Name: {ID: "issues/7"}},
		Comments: []*types.Comment{
			{ID: "wv-6-c1", Body: "first"},
			{ID: "wv-6-c2", Body: "second"},
		},
	}
	if _, err := b.Push(context.Background(), []*types.Record{rec}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if len(posted) != 1 {
		t.Fatalf("posted %d comments, want 1 (first already remote)", len(posted))
	}
	if !strings.Contains(posted[0], "second") || !strings.Contains(posted[0], "<!-- weft:wv-6-c2 -->") {
		t.Errorf("posted body = %q, want text plus trailer", posted[0])
	}
}

// TestBackendPushValidationFailureIsolatesItem verifies a 422 fails one
// record without sinking the batch.
func TestBackendPushValidationFailureIsolatesItem(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/owner/repo/issues", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["title"] == "bad" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"message":"Validation Failed"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Issue{Number: 60, Title: "good", State: "open"})
	})

	b := testBackend(t, mux)
	records := []*types.Record{
		{ID: "wv-7", Kind: types.KindIssue, Title: "bad", Status: types.StatusOpen},
		{ID: "wv-8", Kind: types.KindIssue, Title: "good", Status: types.StatusOpen},
	}
	out, err := b.Push(context.Background(), records)
	if err != nil {
		t.Fatalf("Push() error = %v, want per-item failure", err)
	}
	if len(out.Failed) != 1 || out.Failed[0].ID != "wv-7" {
		t.Fatalf("Failed = %+v, want wv-7 only", out.Failed)
	}
	if got := backend.ErrKind(out.Failed[0].Err); got != backend.KindValidation {
		t.Errorf("failure kind = %q, want validation", got)
	}
	if len(out.Pushed) != 1 || out.Pushed[0].RemoteID != "issues/60" {
		t.Errorf("Pushed = %+v, want issues/60", out.Pushed)
	}
}

// TestBackendPushAuthFailureFailsBatch verifies credential failures are
// batch failures, not per-item ones.
func TestBackendPushAuthFailureFailsBatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/owner/repo/issues", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
	})

	b := testBackend(t, mux)
	rec := &types.Record{ID: "wv-9", Kind: types.KindIssue, Title: "Anything", Status: types.StatusOpen}
	out, err := b.Push(context.Background(), []*types.Record{rec})
	if !errors.Is(err, backend.ErrAuthFailed) {
		t.Fatalf("Push() error = %v, want ErrAuthFailed", err)
	}
	if out != nil {
		t.Errorf("Push() outcome = %+v, want nil on batch failure", out)
	}
}

// TestBackendPull verifies both kinds resolve by namespaced remote ID.
func TestBackendPull(t *testing.T) {
	updated := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/owner/repo/issues/5", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Issue{Number: 5, Title: "Fetched", State: "open", Comments: 1, UpdatedAt: &updated})
	})
	mux.HandleFunc("GET /repos/owner/repo/issues/5/comments", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Comment{{ID: 7, Body: "hello"}})
	})
	mux.HandleFunc("GET /repos/owner/repo/milestones/3", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Milestone{Number: 3, Title: "v1.0", State: "closed", UpdatedAt: &updated})
	})

	b := testBackend(t, mux)
	out, err := b.Pull(context.Background(), []string{"issues/5", "milestones/3"})
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if len(out.Records) != 2 || len(out.Failed) != 0 {
		t.Fatalf("Pull() = %d records, %d failed, want 2/0", len(out.Records), len(out.Failed))
	}
	if out.Records[0].Snapshot.Title != "Fetched" || len(out.Records[0].Snapshot.Comments) != 1 {
		t.Errorf("issue record = %+v", out.Records[0].Snapshot)
	}
	if out.Records[1].Kind != types.KindMilestone || out.Records[1].Snapshot.Status != types.StatusClosed {
		t.Errorf("milestone record = %+v", out.Records[1])
	}
}

// TestBackendPullTombstoneReportsMissing verifies a tombstoned issue
// pulls as gone, which the engine turns into a skip warning.
func TestBackendPullTombstoneReportsMissing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/owner/repo/issues/9", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Issue{
			Number: 9, Title: "Collapsed elsewhere", State: "closed",
			Labels: []Label{{Name: "weft:duplicate"}},
		})
	})

	b := testBackend(t, mux)
	out, err := b.Pull(context.Background(), []string{"issues/9"})
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if len(out.Failed) != 1 {
		t.Fatalf("Failed = %+v, want one entry", out.Failed)
	}
	if !errors.Is(out.Failed[0].Err, backend.ErrNotFound) {
		t.Errorf("failure = %v, want ErrNotFound", out.Failed[0].Err)
	}
}

// TestBackendDeleteTombstonesIssue verifies issue deletion closes as not
// planned and applies the tombstone label on top of existing ones.
func TestBackendDeleteTombstonesIssue(t *testing.T) {
	var captured map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/owner/repo/issues/9", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Issue{Number: 9, Title: "Dup", State: "open", Labels: []Label{{Name: "bug"}}})
	})
	mux.HandleFunc("PATCH /repos/owner/repo/issues/9", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_ = json.NewEncoder(w).Encode(Issue{Number: 9, State: "closed"})
	})

	b := testBackend(t, mux)
	out, err := b.DeleteRemote(context.Background(), []string{"issues/9"})
	if err != nil {
		t.Fatalf("DeleteRemote() error = %v", err)
	}
	if len(out.Deleted) != 1 || out.Deleted[0] != "issues/9" {
		t.Fatalf("Deleted = %v, want [issues/9]", out.Deleted)
	}
	if captured["state"] != "closed" || captured["state_reason"] != "not_planned" {
		t.Errorf("patch = %v, want closed as not_planned", captured)
	}
	if !hasLabel(captured, "weft:duplicate") || !hasLabel(captured, "bug") {
		t.Errorf("labels = %v, want tombstone plus originals", captured["labels"])
	}
}

// TestBackendDeleteMilestone verifies milestones are really deleted and a
// missing one reports not found for the executor to treat as done.
func TestBackendDeleteMilestone(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /repos/owner/repo/milestones/4", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /repos/owner/repo/milestones/3", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Not Found"}`))
	})

	b := testBackend(t, mux)
	out, err := b.DeleteRemote(context.Background(), []string{"milestones/4", "milestones/3"})
	if err != nil {
		t.Fatalf("DeleteRemote() error = %v", err)
	}
	if len(out.Deleted) != 1 || out.Deleted[0] != "milestones/4" {
		t.Errorf("Deleted = %v, want [milestones/4]", out.Deleted)
	}
	if len(out.Failed) != 1 || backend.ErrKind(out.Failed[0].Err) != backend.KindNotFound {
		t.Errorf("Failed = %+v, want one notfound entry", out.Failed)
	}
}

// TestBackendDeleteMalformedID verifies a bad remote ID is a per-item
// validation failure.
func TestBackendDeleteMalformedID(t *testing.T) {
	b := testBackend(t, http.NewServeMux())
	out, err := b.DeleteRemote(context.Background(), []string{"bogus"})
	if err != nil {
		t.Fatalf("DeleteRemote() error = %v", err)
	}
	if len(out.Failed) != 1 || backend.ErrKind(out.Failed[0].Err) != backend.KindValidation {
		t.Errorf("Failed = %+v, want one validation entry", out.Failed)
	}
}
