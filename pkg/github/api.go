package github

import "context"

// API is the VCS capability consumed by the automation core. *Client is the
// production implementation; tests substitute fakes.
type API interface {
	// Issues.
	GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error)
	CreateIssue(ctx context.Context, owner, repo string, req NewIssue) (*Issue, error)
	UpdateIssue(ctx context.Context, owner, repo string, number int, update IssueUpdate) error
	CloseIssue(ctx context.Context, owner, repo string, number int) error
	AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error
	AddAssignees(ctx context.Context, owner, repo string, number int, usernames []string) error
	RemoveAssignees(ctx context.Context, owner, repo string, number int, usernames []string) error
	ListComments(ctx context.Context, owner, repo string, number, limit int) ([]Comment, error)
	CreateComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error)
	AddReaction(ctx context.Context, owner, repo string, commentID int64, content string) error
	AddSubIssue(ctx context.Context, owner, repo string, parentNumber int, subIssueID int64) error

	// Git refs.
	BranchExists(ctx context.Context, owner, repo, branch string) (bool, error)
	CreateBranch(ctx context.Context, owner, repo, branch, base string) error

	// Pull requests.
	PullRequestByHead(ctx context.Context, owner, repo, branch string) (*PullRequest, error)
	CreatePullRequest(ctx context.Context, owner, repo string, req NewPullRequest) (*PullRequest, error)
	MarkPRReady(ctx context.Context, prNodeID string) error
	ConvertPRToDraft(ctx context.Context, prNodeID string) error
	RequestReviewers(ctx context.Context, owner, repo string, prNumber int, reviewers []string) error
	RemoveReviewers(ctx context.Context, owner, repo string, prNumber int, reviewers []string) error

	// Projects V2.
	SetProjectStatus(ctx context.Context, ref ProjectRef, itemID, status string) error
	SetProjectNumberField(ctx context.Context, ref ProjectRef, itemID, field string, value int) error
	AddToProject(ctx context.Context, ref ProjectRef, contentNodeID string) (string, error)
	RemoveFromProject(ctx context.Context, ref ProjectRef, itemID string) error

	// Discussions and raw GraphQL.
	AddDiscussionReaction(ctx context.Context, subjectNodeID, content string) error
	GraphQL(ctx context.Context, query string, variables map[string]any, out any) error
}

var _ API = (*Client)(nil)
