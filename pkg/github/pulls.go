package github

import (
	"context"
	"fmt"
	"net/http"
)

// PullRequestByHead returns the most recent pull request whose head is the
// given branch, in any state, or nil when none exists.
func (c *Client) PullRequestByHead(ctx context.Context, owner, repo, branch string) (*PullRequest, error) {
	var prs []PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls?head=%s:%s&state=all&sort=created&direction=desc&per_page=1", owner, repo, owner, branch)
	if err := c.do(ctx, http.MethodGet, path, nil, &prs); err != nil {
		return nil, err
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &prs[0], nil
}

// CreatePullRequest opens a pull request. When one already exists for the
// head branch it is returned instead.
func (c *Client) CreatePullRequest(ctx context.Context, owner, repo string, req NewPullRequest) (*PullRequest, error) {
	var pr PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
	err := c.do(ctx, http.MethodPost, path, req, &pr)
	if err == nil {
		return &pr, nil
	}
	if existing, lookupErr := c.PullRequestByHead(ctx, owner, repo, req.Head); lookupErr == nil && existing != nil {
		return existing, nil
	}
	return nil, err
}

// RequestReviewers adds users to the PR's requested reviewer list.
func (c *Client) RequestReviewers(ctx context.Context, owner, repo string, prNumber int, reviewers []string) error {
	if len(reviewers) == 0 {
		return nil
	}
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/requested_reviewers", owner, repo, prNumber)
	return c.do(ctx, http.MethodPost, path, map[string][]string{"reviewers": reviewers}, nil)
}

// RemoveReviewers removes users from the PR's requested reviewer list.
func (c *Client) RemoveReviewers(ctx context.Context, owner, repo string, prNumber int, reviewers []string) error {
	if len(reviewers) == 0 {
		return nil
	}
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/requested_reviewers", owner, repo, prNumber)
	return c.do(ctx, http.MethodDelete, path, map[string][]string{"reviewers": reviewers}, nil)
}
