// Package github is the VCS capability layer. It wraps the GitHub REST and
// GraphQL APIs behind typed methods, retrying transient failures (network
// errors, 5xx, 429) with exponential backoff before surfacing them.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kevin-mind/nopo-steward/pkg/metrics"
	"github.com/kevin-mind/nopo-steward/pkg/version"
)

const (
	defaultBaseURL = "https://api.github.com"
	defaultTimeout = 30 * time.Second
	defaultRetries = 3
)

var (
	// ErrNotFound indicates the referenced resource does not exist (404).
	ErrNotFound = errors.New("github: resource not found")
	// ErrUnprocessable indicates the API rejected the request (422), e.g.
	// creating a ref or pull request that already exists.
	ErrUnprocessable = errors.New("github: unprocessable request")
)

// Config holds client settings. Zero values fall back to defaults.
type Config struct {
	Token      string
	BaseURL    string
	GraphQLURL string
	Timeout    time.Duration
	// MaxRetries bounds retry attempts for transient failures.
	MaxRetries uint64
	// RetryBackoff is the initial retry interval; tests shrink it.
	RetryBackoff time.Duration
}

// Client is the concrete API implementation backed by api.github.com.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger

	mu       sync.Mutex
	projects map[string]*projectFields
}

// NewClient creates a client. The token is sent as a bearer credential on
// every request.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.GraphQLURL == "" {
		cfg.GraphQLURL = cfg.BaseURL + "/graphql"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultRetries
	}

	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		log:      slog.Default().With("component", "github"),
		projects: make(map[string]*projectFields),
	}
}

// retry runs op with exponential backoff on transient failures. Permanent
// errors abort immediately.
func (c *Client) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	if c.cfg.RetryBackoff > 0 {
		bo.InitialInterval = c.cfg.RetryBackoff
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.MaxRetries), ctx)
	return backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		c.log.Warn("retrying github request", "error", err, "next_attempt_in", next)
	})
}

// do performs one REST call with retries. in is marshaled as the JSON body;
// out, when non-nil, receives the decoded response.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	url := c.cfg.BaseURL + path
	op := func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		c.setHeaders(req)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("github: %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		return c.handleResponse(resp, method, path, out)
	}
	err := c.retry(ctx, op)
	metrics.VCSRequestsTotal.WithLabelValues(method, outcome(err)).Inc()
	return err
}

// outcome labels a finished request for the counter.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", version.Full())
}

func (c *Client) handleResponse(resp *http.Response, method, path string, out any) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("github: decode %s %s response: %w", method, path, err))
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("%w: %s %s", ErrNotFound, method, path))
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return backoff.Permanent(fmt.Errorf("%w: %s %s: %s", ErrUnprocessable, method, path, snippet(resp.Body)))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("github: %s %s: status %d", method, path, resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("github: %s %s: status %d: %s", method, path, resp.StatusCode, snippet(resp.Body)))
	}
}

// snippet reads a short prefix of an error body for diagnostics.
func snippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}

// GetIssue fetches a single issue.
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	var issue Issue
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
	if err := c.do(ctx, http.MethodGet, path, nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// CreateIssue opens a new issue.
func (c *Client) CreateIssue(ctx context.Context, owner, repo string, req NewIssue) (*Issue, error) {
	var issue Issue
	path := fmt.Sprintf("/repos/%s/%s/issues", owner, repo)
	if err := c.do(ctx, http.MethodPost, path, req, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// UpdateIssue applies a partial edit to an issue.
func (c *Client) UpdateIssue(ctx context.Context, owner, repo string, number int, update IssueUpdate) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
	return c.do(ctx, http.MethodPatch, path, update, nil)
}

// CloseIssue closes an issue. Closing an already-closed issue is a no-op.
func (c *Client) CloseIssue(ctx context.Context, owner, repo string, number int) error {
	state := "closed"
	return c.UpdateIssue(ctx, owner, repo, number, IssueUpdate{State: &state})
}

// AddLabels attaches labels to an issue, creating them repo-side if needed.
func (c *Client) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels", owner, repo, number)
	return c.do(ctx, http.MethodPost, path, map[string][]string{"labels": labels}, nil)
}

// RemoveLabel detaches one label. A label that is already absent is not an
// error.
func (c *Client) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels/%s", owner, repo, number, label)
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// AddAssignees assigns users to an issue.
func (c *Client) AddAssignees(ctx context.Context, owner, repo string, number int, usernames []string) error {
	if len(usernames) == 0 {
		return nil
	}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/assignees", owner, repo, number)
	return c.do(ctx, http.MethodPost, path, map[string][]string{"assignees": usernames}, nil)
}

// RemoveAssignees unassigns users from an issue.
func (c *Client) RemoveAssignees(ctx context.Context, owner, repo string, number int, usernames []string) error {
	if len(usernames) == 0 {
		return nil
	}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/assignees", owner, repo, number)
	return c.do(ctx, http.MethodDelete, path, map[string][]string{"assignees": usernames}, nil)
}

// ListComments returns the most recent comments on an issue, newest first.
func (c *Client) ListComments(ctx context.Context, owner, repo string, number, limit int) ([]Comment, error) {
	var comments []Comment
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments?sort=created&direction=desc&per_page=%d", owner, repo, number, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &comments); err != nil {
		return nil, err
	}
	return comments, nil
}

// CreateComment posts a comment on an issue or pull request.
func (c *Client) CreateComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error) {
	var comment Comment
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"body": body}, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

// AddReaction reacts to an issue comment. Content uses the REST names
// ("eyes", "+1", "rocket", ...).
func (c *Client) AddReaction(ctx context.Context, owner, repo string, commentID int64, content string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d/reactions", owner, repo, commentID)
	return c.do(ctx, http.MethodPost, path, map[string]string{"content": content}, nil)
}

// AddSubIssue links an existing issue as a sub-issue of parent. The sub-issue
// is referenced by its numeric issue ID, not its number.
func (c *Client) AddSubIssue(ctx context.Context, owner, repo string, parentNumber int, subIssueID int64) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/sub_issues", owner, repo, parentNumber)
	err := c.do(ctx, http.MethodPost, path, map[string]int64{"sub_issue_id": subIssueID}, nil)
	if errors.Is(err, ErrUnprocessable) {
		// Already linked.
		return nil
	}
	return err
}

// BranchExists checks whether refs/heads/<branch> exists.
func (c *Client) BranchExists(ctx context.Context, owner, repo, branch string) (bool, error) {
	path := fmt.Sprintf("/repos/%s/%s/git/ref/heads/%s", owner, repo, branch)
	err := c.do(ctx, http.MethodGet, path, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateBranch creates refs/heads/<branch> from the head of base. Creating a
// branch that already exists is a no-op.
func (c *Client) CreateBranch(ctx context.Context, owner, repo, branch, base string) error {
	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	basePath := fmt.Sprintf("/repos/%s/%s/git/ref/heads/%s", owner, repo, base)
	if err := c.do(ctx, http.MethodGet, basePath, nil, &ref); err != nil {
		return fmt.Errorf("resolve base branch %q: %w", base, err)
	}

	path := fmt.Sprintf("/repos/%s/%s/git/refs", owner, repo)
	payload := map[string]string{"ref": "refs/heads/" + branch, "sha": ref.Object.SHA}
	err := c.do(ctx, http.MethodPost, path, payload, nil)
	if errors.Is(err, ErrUnprocessable) {
		// Reference already exists.
		return nil
	}
	return err
}
