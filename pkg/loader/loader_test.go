package loader

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevin-mind/nopo-steward/pkg/github"
	"github.com/kevin-mind/nopo-steward/pkg/issues"
	"github.com/kevin-mind/nopo-steward/pkg/machine"
	"github.com/kevin-mind/nopo-steward/pkg/router"
)

type fakeAPI struct {
	github.API

	graphqlData  string
	branchExists bool
}

func (f *fakeAPI) GraphQL(_ context.Context, _ string, _ map[string]any, out any) error {
	if out == nil || f.graphqlData == "" {
		return nil
	}
	return json.Unmarshal([]byte(f.graphqlData), out)
}

func (f *fakeAPI) BranchExists(_ context.Context, _, _, _ string) (bool, error) {
	return f.branchExists, nil
}

func (f *fakeAPI) PullRequestByHead(_ context.Context, _, _, _ string) (*github.PullRequest, error) {
	return nil, nil
}

const issueAggregate = `{
  "repository": {
    "issue": {
      "id": "I_42",
      "fullDatabaseId": "9000042",
      "number": 42,
      "title": "Add dark mode",
      "body": "## Description\n\nAdd a dark theme.\n\n## Todos\n\n- [x] tokens\n- [ ] toggle\n",
      "state": "OPEN",
      "author": {"login": "alice", "__typename": "User"},
      "labels": {"nodes": [{"name": "triaged"}, {"name": "groomed"}]},
      "assignees": {"nodes": [{"login": "nopo-bot"}]},
      "parent": null,
      "subIssues": {"nodes": []},
      "comments": {"nodes": []},
      "projectItems": {"nodes": [{
        "id": "ITEM_42",
        "project": {"number": 5},
        "fieldValues": {"nodes": [
          {"name": "Ready", "field": {"name": "Status"}},
          {"number": 3, "field": {"name": "Iteration"}},
          {"number": 1, "field": {"name": "Failures"}}
        ]}
      }]},
      "closedByPullRequestsReferences": {"nodes": [{
        "number": 7,
        "id": "PR_7",
        "title": "Add dark mode",
        "state": "OPEN",
        "isDraft": true,
        "headRefName": "claude/issue/42",
        "baseRefName": "main",
        "url": "https://github.com/kevin-mind/nopo/pull/7",
        "reviewDecision": "REVIEW_REQUIRED",
        "commits": {"nodes": [{"commit": {"statusCheckRollup": {"state": "FAILURE"}}}]}
      }]}
    }
  }
}`

func newTestLoader(api *fakeAPI) *Loader {
	return New(Config{
		Owner:            "kevin-mind",
		Repo:             "nopo",
		ProjectNumber:    5,
		BotUsername:      "nopo-bot",
		ReviewerUsername: "nopo-reviewer",
		MaxRetries:       5,
	}, issues.NewRepository(api))
}

func TestBuildContextIssue(t *testing.T) {
	l := newTestLoader(&fakeAPI{graphqlData: issueAggregate, branchExists: true})

	mc, err := l.BuildContext(context.Background(), router.Decision{
		Job:            router.JobIssueIterate,
		Trigger:        router.TriggerIssueAssigned,
		ResourceType:   router.ResourceIssue,
		ResourceNumber: 42,
	})
	require.NoError(t, err)

	require.NotNil(t, mc.Data)
	assert.Equal(t, 42, mc.Data.Issue.Number)
	// "Ready" canonicalizes to "In progress" for the machine.
	assert.Equal(t, issues.StatusInProgress, mc.Data.Issue.Status)
	assert.Equal(t, "nopo-bot", mc.BotUsername)
	assert.Equal(t, 5, mc.MaxRetries)

	// No CI signal on the event: fall back to the PR rollup.
	assert.Equal(t, machine.CIFailure, mc.CIResult)
	// REVIEW_REQUIRED maps onto the neutral decision.
	assert.Equal(t, machine.ReviewCommented, mc.ReviewDecision)
}

func TestBuildContextEventCIWins(t *testing.T) {
	l := newTestLoader(&fakeAPI{graphqlData: issueAggregate, branchExists: true})

	mc, err := l.BuildContext(context.Background(), router.Decision{
		Job:            router.JobIssueIterate,
		Trigger:        router.TriggerWorkflowRunCompleted,
		ResourceType:   router.ResourceIssue,
		ResourceNumber: 42,
		Context: map[string]string{
			"ci_result":     "success",
			"ci_run_id":     "9001",
			"ci_run_url":    "https://example.test/runs/9001",
			"ci_commit_sha": "abc1234",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, machine.CISuccess, mc.CIResult)
	assert.Equal(t, "9001", mc.CIRunID)
	assert.Equal(t, "abc1234", mc.CICommitSHA)
}

func TestBuildContextPRResolvesLinkedIssue(t *testing.T) {
	l := newTestLoader(&fakeAPI{graphqlData: issueAggregate, branchExists: true})

	t.Run("from routing context", func(t *testing.T) {
		mc, err := l.BuildContext(context.Background(), router.Decision{
			Job:            router.JobPRPush,
			Trigger:        router.TriggerPRPush,
			ResourceType:   router.ResourcePR,
			ResourceNumber: 7,
			Context:        map[string]string{"linked_issue": "42"},
		})
		require.NoError(t, err)
		assert.Equal(t, 42, mc.Data.Issue.Number)
	})

	t.Run("from head branch", func(t *testing.T) {
		mc, err := l.BuildContext(context.Background(), router.Decision{
			Job:            router.JobPRReviewRequested,
			Trigger:        router.TriggerPRReviewRequested,
			ResourceType:   router.ResourcePR,
			ResourceNumber: 7,
			Context:        map[string]string{"head_ref": "claude/issue/42"},
		})
		require.NoError(t, err)
		assert.Equal(t, 42, mc.Data.Issue.Number)
	})

	t.Run("unresolvable", func(t *testing.T) {
		_, err := l.BuildContext(context.Background(), router.Decision{
			Job:            router.JobPRPush,
			Trigger:        router.TriggerPRPush,
			ResourceType:   router.ResourcePR,
			ResourceNumber: 7,
			Context:        map[string]string{"head_ref": "feature/manual"},
		})
		assert.ErrorIs(t, err, ErrContextUnavailable)
	})
}

func TestBuildContextReviewState(t *testing.T) {
	l := newTestLoader(&fakeAPI{graphqlData: issueAggregate, branchExists: true})

	mc, err := l.BuildContext(context.Background(), router.Decision{
		Job:            router.JobPRReviewApproved,
		Trigger:        router.TriggerPRReviewSubmitted,
		ResourceType:   router.ResourcePR,
		ResourceNumber: 7,
		Context: map[string]string{
			"linked_issue": "42",
			"review_state": "approved",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, machine.ReviewApproved, mc.ReviewDecision)
}

func TestBuildContextDiscussion(t *testing.T) {
	l := newTestLoader(&fakeAPI{})

	mc, err := l.BuildContext(context.Background(), router.Decision{
		Job:            router.JobDiscussPlan,
		Trigger:        router.TriggerDiscussionCommand,
		ResourceType:   router.ResourceDiscussion,
		ResourceNumber: 5,
		CommentID:      77,
		Reaction:       "eyes",
		Context:        map[string]string{"comment_body": "/plan"},
	})
	require.NoError(t, err)
	assert.Nil(t, mc.Data)
	assert.Equal(t, 5, mc.DiscussionNumber)
	assert.Equal(t, "/plan", mc.CommentBody)
	assert.Equal(t, int64(77), mc.CommentID)
}

func TestBuildContextMissingIssue(t *testing.T) {
	l := newTestLoader(&fakeAPI{graphqlData: `{"repository": {"issue": null}}`})

	_, err := l.BuildContext(context.Background(), router.Decision{
		Job:            router.JobIssueIterate,
		Trigger:        router.TriggerIssueAssigned,
		ResourceType:   router.ResourceIssue,
		ResourceNumber: 999,
	})
	assert.ErrorIs(t, err, ErrContextUnavailable)
}
