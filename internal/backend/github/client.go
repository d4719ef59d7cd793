package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/weftlabs/weft/internal/backend"
)

// NewClient creates a client for one repository. An empty apiURL selects
// the public API endpoint.
func NewClient(token, owner, repo, apiURL string) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIEndpoint
	}
	return &Client{
		Token:   token,
		Owner:   owner,
		Repo:    repo,
		BaseURL: apiURL,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// repoPath returns the "owner/repo" path segment.
func (c *Client) repoPath() string {
	return c.Owner + "/" + c.Repo
}

// buildURL constructs a full API URL.
func (c *Client) buildURL(path string, params map[string]string) string {
	u := c.BaseURL + path
	if len(params) > 0 {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		u += "?" + values.Encode()
	}
	return u
}

// do performs one authenticated request and classifies any failure.
// Retry policy belongs to the caller; this layer never loops.
func (c *Client) do(ctx context.Context, op, method, urlStr string, body any) ([]byte, http.Header, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("marshaling request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, c.fail(op, backend.KindUnavailable, 0, err)
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	_ = resp.Body.Close()
	if err != nil {
		return nil, nil, c.fail(op, backend.KindTransient, 0, fmt.Errorf("reading response: %w", err))
	}

	if err := c.classify(op, resp, respBody); err != nil {
		return nil, nil, err
	}
	return respBody, resp.Header, nil
}

// classify maps a non-2xx response onto the sync error taxonomy. GitHub
// signals rate limiting with 429, or 403 plus X-RateLimit-Remaining: 0.
func (c *Client) classify(op string, resp *http.Response, body []byte) error {
	status := resp.StatusCode
	if status >= 200 && status < 300 {
		return nil
	}

	apiErr := fmt.Errorf("%s (status %d)", firstLine(body), status)
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		var after time.Duration
		if s := resp.Header.Get("Retry-After"); s != "" {
			if seconds, err := strconv.Atoi(s); err == nil {
				after = time.Duration(seconds) * time.Second
			}
		}
		return c.fail(op, backend.KindRateLimit, after, apiErr)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return c.fail(op, backend.KindAuth, 0, apiErr)
	case status == http.StatusNotFound, status == http.StatusGone:
		return c.fail(op, backend.KindNotFound, 0, apiErr)
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return c.fail(op, backend.KindValidation, 0, apiErr)
	case status >= 500:
		return c.fail(op, backend.KindTransient, 0, apiErr)
	}
	return c.fail(op, backend.KindTransient, 0, apiErr)
}

func (c *Client) fail(op string, kind backend.Kind, after time.Duration, err error) error {
	return &backend.SyncError{Op: op, Backend: Name, Kind: kind, RetryAfter: after, Err: err}
}

// firstLine trims an API error body to something reportable.
func firstLine(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	s := string(body)
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		s = string(body[:i])
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// linkNextPattern matches the "next" relation in GitHub Link headers.
var linkNextPattern = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// hasNextPage checks the Link header for a next page URL and returns it.
func hasNextPage(headers http.Header) (string, bool) {
	link := headers.Get("Link")
	if link == "" {
		return "", false
	}
	matches := linkNextPattern.FindStringSubmatch(link)
	if len(matches) < 2 {
		return "", false
	}
	return matches[1], true
}

// listPages walks a paginated list endpoint, following Link headers up to
// MaxPages, and returns the raw body of every page.
func (c *Client) listPages(ctx context.Context, op, firstURL string) ([][]byte, error) {
	var pages [][]byte
	urlStr := firstURL
	for page := 1; ; page++ {
		if page > MaxPages {
			return nil, c.fail(op, backend.KindValidation, 0,
				fmt.Errorf("pagination limit exceeded after %d pages", MaxPages))
		}
		body, headers, err := c.do(ctx, op, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}
		pages = append(pages, body)
		next, ok := hasNextPage(headers)
		if !ok {
			break
		}
		urlStr = next
	}
	return pages, nil
}

// FetchIssues retrieves the repository's issues, every state, newest
// first. Pull requests are filtered out; the issues endpoint returns them
// too. since narrows the walk to issues updated at or after it.
func (c *Client) FetchIssues(ctx context.Context, since *time.Time) ([]Issue, error) {
	params := map[string]string{
		"per_page":  strconv.Itoa(MaxPageSize),
		"state":     "all",
		"sort":      "updated",
		"direction": "desc",
	}
	if since != nil {
		params["since"] = since.UTC().Format(time.RFC3339)
	}
	pages, err := c.listPages(ctx, "fetch", c.buildURL("/repos/"+c.repoPath()+"/issues", params))
	if err != nil {
		return nil, err
	}

	var all []Issue
	for _, page := range pages {
		var issues []Issue
		if err := json.Unmarshal(page, &issues); err != nil {
			return nil, fmt.Errorf("parsing issues response: %w", err)
		}
		for i := range issues {
			if issues[i].PullRequest == nil {
				all = append(all, issues[i])
			}
		}
	}
	return all, nil
}

// FetchIssue retrieves a single issue by number.
func (c *Client) FetchIssue(ctx context.Context, number int) (*Issue, error) {
	body, _, err := c.do(ctx, "pull", http.MethodGet,
		c.buildURL("/repos/"+c.repoPath()+"/issues/"+strconv.Itoa(number), nil), nil)
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, fmt.Errorf("parsing issue response: %w", err)
	}
	return &issue, nil
}

// CreateIssue creates an issue from API fields.
func (c *Client) CreateIssue(ctx context.Context, fields map[string]any) (*Issue, error) {
	body, _, err := c.do(ctx, "push", http.MethodPost,
		c.buildURL("/repos/"+c.repoPath()+"/issues", nil), fields)
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, fmt.Errorf("parsing create response: %w", err)
	}
	return &issue, nil
}

// UpdateIssue patches an existing issue.
func (c *Client) UpdateIssue(ctx context.Context, number int, fields map[string]any) (*Issue, error) {
	body, _, err := c.do(ctx, "push", http.MethodPatch,
		c.buildURL("/repos/"+c.repoPath()+"/issues/"+strconv.Itoa(number), nil), fields)
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, fmt.Errorf("parsing update response: %w", err)
	}
	return &issue, nil
}

// FetchComments retrieves every comment on an issue, oldest first.
func (c *Client) FetchComments(ctx context.Context, number int) ([]Comment, error) {
	params := map[string]string{"per_page": strconv.Itoa(MaxPageSize)}
	pages, err := c.listPages(ctx, "fetch",
		c.buildURL("/repos/"+c.repoPath()+"/issues/"+strconv.Itoa(number)+"/comments", params))
	if err != nil {
		return nil, err
	}
	var all []Comment
	for _, page := range pages {
		var comments []Comment
		if err := json.Unmarshal(page, &comments); err != nil {
			return nil, fmt.Errorf("parsing comments response: %w", err)
		}
		all = append(all, comments...)
	}
	return all, nil
}

// CreateComment posts a comment on an issue.
func (c *Client) CreateComment(ctx context.Context, number int, body string) (*Comment, error) {
	respBody, _, err := c.do(ctx, "push", http.MethodPost,
		c.buildURL("/repos/"+c.repoPath()+"/issues/"+strconv.Itoa(number)+"/comments", nil),
		map[string]any{"body": body})
	if err != nil {
		return nil, err
	}
	var comment Comment
	if err := json.Unmarshal(respBody, &comment); err != nil {
		return nil, fmt.Errorf("parsing comment response: %w", err)
	}
	return &comment, nil
}

// FetchMilestones retrieves the repository's milestones, every state.
func (c *Client) FetchMilestones(ctx context.Context) ([]Milestone, error) {
	params := map[string]string{
		"per_page": strconv.Itoa(MaxPageSize),
		"state":    "all",
	}
	pages, err := c.listPages(ctx, "fetch", c.buildURL("/repos/"+c.repoPath()+"/milestones", params))
	if err != nil {
		return nil, err
	}
	var all []Milestone
	for _, page := range pages {
		var ms []Milestone
		if err := json.Unmarshal(page, &ms); err != nil {
			return nil, fmt.Errorf("parsing milestones response: %w", err)
		}
		all = append(all, ms...)
	}
	return all, nil
}

// FetchMilestone retrieves a single milestone by number.
func (c *Client) FetchMilestone(ctx context.Context, number int) (*Milestone, error) {
	body, _, err := c.do(ctx, "pull", http.MethodGet,
		c.buildURL("/repos/"+c.repoPath()+"/milestones/"+strconv.Itoa(number), nil), nil)
	if err != nil {
		return nil, err
	}
	var m Milestone
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("parsing milestone response: %w", err)
	}
	return &m, nil
}

// CreateMilestone creates a milestone from API fields.
func (c *Client) CreateMilestone(ctx context.Context, fields map[string]any) (*Milestone, error) {
	body, _, err := c.do(ctx, "push", http.MethodPost,
		c.buildURL("/repos/"+c.repoPath()+"/milestones", nil), fields)
	if err != nil {
		return nil, err
	}
	var m Milestone
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("parsing milestone response: %w", err)
	}
	return &m, nil
}

// UpdateMilestone patches an existing milestone.
func (c *Client) UpdateMilestone(ctx context.Context, number int, fields map[string]any) (*Milestone, error) {
	body, _, err := c.do(ctx, "push", http.MethodPatch,
		c.buildURL("/repos/"+c.repoPath()+"/milestones/"+strconv.Itoa(number), nil), fields)
	if err != nil {
		return nil, err
	}
	var m Milestone
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("parsing milestone response: %w", err)
	}
	return &m, nil
}

// DeleteMilestone removes a milestone. Issues assigned to it survive with
// the milestone cleared; that is GitHub's own semantics.
func (c *Client) DeleteMilestone(ctx context.Context, number int) error {
	_, _, err := c.do(ctx, "delete", http.MethodDelete,
		c.buildURL("/repos/"+c.repoPath()+"/milestones/"+strconv.Itoa(number), nil), nil)
	return err
}

// Viewer returns the authenticated user's login. Used as the credential
// check during the authenticating stage.
func (c *Client) Viewer(ctx context.Context) (string, error) {
	body, _, err := c.do(ctx, "auth", http.MethodGet, c.buildURL("/user", nil), nil)
	if err != nil {
		return "", err
	}
	var u User
	if err := json.Unmarshal(body, &u); err != nil {
		return "", fmt.Errorf("parsing user response: %w", err)
	}
	return u.Login, nil
}
