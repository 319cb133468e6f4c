package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kevin-mind/nopo-steward/pkg/github"
)

// fakeGitHub is a full in-memory github.API: it replays one aggregate
// fixture for the GraphQL query and records every mutation as a flat op
// string, so scenarios can assert on the exact upstream effects of a
// dispatch.
type fakeGitHub struct {
	aggregate    string
	branchExists bool

	ops []string
	// bodies holds the last body written per issue number.
	bodies map[int]string
	// comments holds every comment body posted, in order.
	comments []string
}

var _ github.API = (*fakeGitHub)(nil)

func newFakeGitHub(aggregate string) *fakeGitHub {
	return &fakeGitHub{
		aggregate:    aggregate,
		branchExists: true,
		bodies:       make(map[int]string),
	}
}

func (f *fakeGitHub) record(format string, args ...any) {
	f.ops = append(f.ops, fmt.Sprintf(format, args...))
}

// opsMatching returns the recorded ops starting with prefix, in order.
func (f *fakeGitHub) opsMatching(prefix string) []string {
	var out []string
	for _, op := range f.ops {
		if strings.HasPrefix(op, prefix) {
			out = append(out, op)
		}
	}
	return out
}

func (f *fakeGitHub) GetIssue(_ context.Context, _, _ string, number int) (*github.Issue, error) {
	return &github.Issue{Number: number}, nil
}

func (f *fakeGitHub) CreateIssue(_ context.Context, _, _ string, req github.NewIssue) (*github.Issue, error) {
	f.record("create-issue %q", req.Title)
	return &github.Issue{ID: 1, Number: 1, NodeID: "I_NEW", Title: req.Title, Body: req.Body}, nil
}

func (f *fakeGitHub) UpdateIssue(_ context.Context, _, _ string, number int, update github.IssueUpdate) error {
	f.record("update-issue #%d", number)
	if update.Body != nil {
		f.bodies[number] = *update.Body
	}
	return nil
}

func (f *fakeGitHub) CloseIssue(_ context.Context, _, _ string, number int) error {
	f.record("close-issue #%d", number)
	return nil
}

func (f *fakeGitHub) AddLabels(_ context.Context, _, _ string, number int, labels []string) error {
	f.record("add-labels #%d %v", number, labels)
	return nil
}

func (f *fakeGitHub) RemoveLabel(_ context.Context, _, _ string, number int, label string) error {
	f.record("remove-label #%d %s", number, label)
	return nil
}

func (f *fakeGitHub) AddAssignees(_ context.Context, _, _ string, number int, usernames []string) error {
	f.record("add-assignees #%d %v", number, usernames)
	return nil
}

func (f *fakeGitHub) RemoveAssignees(_ context.Context, _, _ string, number int, usernames []string) error {
	f.record("remove-assignees #%d %v", number, usernames)
	return nil
}

func (f *fakeGitHub) ListComments(_ context.Context, _, _ string, _, _ int) ([]github.Comment, error) {
	return nil, nil
}

func (f *fakeGitHub) CreateComment(_ context.Context, _, _ string, number int, body string) (*github.Comment, error) {
	f.record("comment #%d", number)
	f.comments = append(f.comments, body)
	return &github.Comment{ID: int64(len(f.comments))}, nil
}

func (f *fakeGitHub) AddReaction(_ context.Context, _, _ string, commentID int64, content string) error {
	f.record("reaction %d %s", commentID, content)
	return nil
}

func (f *fakeGitHub) AddSubIssue(_ context.Context, _, _ string, parentNumber int, subIssueID int64) error {
	f.record("add-sub-issue #%d %d", parentNumber, subIssueID)
	return nil
}

func (f *fakeGitHub) BranchExists(_ context.Context, _, _, _ string) (bool, error) {
	return f.branchExists, nil
}

func (f *fakeGitHub) CreateBranch(_ context.Context, _, _, branch, base string) error {
	f.record("create-branch %s from %s", branch, base)
	f.branchExists = true
	return nil
}

func (f *fakeGitHub) PullRequestByHead(_ context.Context, _, _, _ string) (*github.PullRequest, error) {
	return nil, nil
}

func (f *fakeGitHub) CreatePullRequest(_ context.Context, _, _ string, req github.NewPullRequest) (*github.PullRequest, error) {
	f.record("create-pr %q head=%s draft=%t", req.Title, req.Head, req.Draft)
	return &github.PullRequest{
		Number: 100,
		NodeID: "PR_NEW",
		Title:  req.Title,
		State:  "open",
		Draft:  req.Draft,
		Head:   github.Ref{Ref: req.Head},
		Base:   github.Ref{Ref: req.Base},
	}, nil
}

func (f *fakeGitHub) MarkPRReady(_ context.Context, prNodeID string) error {
	f.record("mark-ready %s", prNodeID)
	return nil
}

func (f *fakeGitHub) ConvertPRToDraft(_ context.Context, prNodeID string) error {
	f.record("to-draft %s", prNodeID)
	return nil
}

func (f *fakeGitHub) RequestReviewers(_ context.Context, _, _ string, prNumber int, reviewers []string) error {
	f.record("request-reviewer #%d %v", prNumber, reviewers)
	return nil
}

func (f *fakeGitHub) RemoveReviewers(_ context.Context, _, _ string, prNumber int, reviewers []string) error {
	f.record("remove-reviewer #%d %v", prNumber, reviewers)
	return nil
}

func (f *fakeGitHub) SetProjectStatus(_ context.Context, _ github.ProjectRef, itemID, status string) error {
	f.record("set-status %s %s", itemID, status)
	return nil
}

func (f *fakeGitHub) SetProjectNumberField(_ context.Context, _ github.ProjectRef, itemID, field string, value int) error {
	f.record("set-number %s %s=%d", itemID, field, value)
	return nil
}

func (f *fakeGitHub) AddToProject(_ context.Context, _ github.ProjectRef, contentNodeID string) (string, error) {
	f.record("add-to-project %s", contentNodeID)
	return "ITEM_NEW", nil
}

func (f *fakeGitHub) RemoveFromProject(_ context.Context, _ github.ProjectRef, itemID string) error {
	f.record("remove-from-project %s", itemID)
	return nil
}

func (f *fakeGitHub) AddDiscussionReaction(_ context.Context, subjectNodeID, content string) error {
	f.record("discussion-reaction %s %s", subjectNodeID, content)
	return nil
}

func (f *fakeGitHub) GraphQL(_ context.Context, query string, _ map[string]any, out any) error {
	if strings.Contains(query, "issue(number:") && out != nil && f.aggregate != "" {
		return json.Unmarshal([]byte(f.aggregate), out)
	}
	return nil
}
