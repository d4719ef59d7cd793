// Package github syncs weft records against a GitHub repository's issues
// and milestones over the REST API. Issues map to issue records and
// milestones to milestone records; remote IDs carry the API collection so
// the two number spaces cannot collide ("issues/17", "milestones/3").
package github

import (
	"net/http"
	"time"
)

// API configuration constants.
const (
	// DefaultAPIEndpoint is the GitHub REST API base URL.
	DefaultAPIEndpoint = "https://api.github.com"

	// DefaultTimeout is the per-request HTTP timeout.
	DefaultTimeout = 30 * time.Second

	// MaxPageSize is the page size requested from list endpoints.
	MaxPageSize = 100

	// MaxPages caps Link-header pagination so a malformed header cannot
	// loop forever.
	MaxPages = 1000

	// maxResponseSize caps how much of a response body is read.
	maxResponseSize = 50 * 1024 * 1024
)

// Client is a thin GitHub REST v3 client. It performs single attempts and
// classifies failures; retry policy lives with the caller.
type Client struct {
	Token      string
	Owner      string
	Repo       string
	BaseURL    string
	HTTPClient *http.Client
}

// Issue is an issue as the GitHub API returns it.
type Issue struct {
	ID          int        `json:"id"`
	Number      int        `json:"number"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	State       string     `json:"state"` // "open" or "closed"
	CreatedAt   *time.Time `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	Labels      []Label    `json:"labels"`
	Assignee    *User      `json:"assignee,omitempty"`
	Assignees   []User     `json:"assignees,omitempty"`
	Milestone   *Milestone `json:"milestone,omitempty"`
	Comments    int        `json:"comments"`
	HTMLURL     string     `json:"html_url"`
	PullRequest *PullRef   `json:"pull_request,omitempty"` // non-nil when the "issue" is a PR
}

// PullRef marks an issues-endpoint entry that is actually a pull request.
type PullRef struct {
	URL string `json:"url,omitempty"`
}

// User is a GitHub account.
type User struct {
	ID    int    `json:"id"`
	Login string `json:"login"`
}

// Label is a GitHub issue label.
type Label struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Milestone is a milestone as the GitHub API returns it.
type Milestone struct {
	ID          int        `json:"id"`
	Number      int        `json:"number"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	State       string     `json:"state"` // "open" or "closed"
	DueOn       *time.Time `json:"due_on,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	HTMLURL     string     `json:"html_url,omitempty"`
}

// Comment is an issue comment as the GitHub API returns it.
type Comment struct {
	ID        int        `json:"id"`
	Body      string     `json:"body"`
	User      *User      `json:"user,omitempty"`
	CreatedAt *time.Time `json:"created_at"`
	HTMLURL   string     `json:"html_url,omitempty"`
}
