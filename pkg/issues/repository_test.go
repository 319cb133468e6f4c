package issues

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevin-mind/nopo-steward/pkg/github"
	"github.com/kevin-mind/nopo-steward/pkg/markdown"
)

func parseBody(t *testing.T, body string) *markdown.Document {
	t.Helper()
	return markdown.Parse(body)
}

// fakeAPI records mutations and replays canned fetch responses. Methods the
// tests never reach are inherited from the embedded nil interface and panic
// loudly if hit.
type fakeAPI struct {
	github.API

	graphqlData   string
	branchExists  bool
	prByHead      *github.PullRequest
	createdIssue  *github.Issue
	noReadyColumn bool

	ops []string
}

func (f *fakeAPI) GraphQL(_ context.Context, _ string, _ map[string]any, out any) error {
	f.ops = append(f.ops, "graphql")
	if out == nil || f.graphqlData == "" {
		return nil
	}
	return json.Unmarshal([]byte(f.graphqlData), out)
}

func (f *fakeAPI) BranchExists(_ context.Context, _, _, branch string) (bool, error) {
	f.ops = append(f.ops, "branch-exists "+branch)
	return f.branchExists, nil
}

func (f *fakeAPI) PullRequestByHead(_ context.Context, _, _, branch string) (*github.PullRequest, error) {
	f.ops = append(f.ops, "pr-by-head "+branch)
	return f.prByHead, nil
}

func (f *fakeAPI) UpdateIssue(_ context.Context, _, _ string, number int, update github.IssueUpdate) error {
	f.ops = append(f.ops, fmt.Sprintf("update-issue #%d body=%v", number, update.Body != nil))
	return nil
}

func (f *fakeAPI) AddLabels(_ context.Context, _, _ string, number int, labels []string) error {
	f.ops = append(f.ops, fmt.Sprintf("add-labels #%d %v", number, labels))
	return nil
}

func (f *fakeAPI) RemoveLabel(_ context.Context, _, _ string, number int, label string) error {
	f.ops = append(f.ops, fmt.Sprintf("remove-label #%d %s", number, label))
	return nil
}

func (f *fakeAPI) AddAssignees(_ context.Context, _, _ string, number int, users []string) error {
	f.ops = append(f.ops, fmt.Sprintf("add-assignees #%d %v", number, users))
	return nil
}

func (f *fakeAPI) RemoveAssignees(_ context.Context, _, _ string, number int, users []string) error {
	f.ops = append(f.ops, fmt.Sprintf("remove-assignees #%d %v", number, users))
	return nil
}

func (f *fakeAPI) SetProjectStatus(_ context.Context, _ github.ProjectRef, itemID, status string) error {
	if f.noReadyColumn && status == "Ready" {
		return fmt.Errorf(`project org/5 has no status option %q`, status)
	}
	f.ops = append(f.ops, fmt.Sprintf("set-status %s %s", itemID, status))
	return nil
}

func (f *fakeAPI) SetProjectNumberField(_ context.Context, _ github.ProjectRef, itemID, field string, value int) error {
	f.ops = append(f.ops, fmt.Sprintf("set-number %s %s=%d", itemID, field, value))
	return nil
}

func (f *fakeAPI) CreateIssue(_ context.Context, _, _ string, req github.NewIssue) (*github.Issue, error) {
	f.ops = append(f.ops, "create-issue "+req.Title)
	return f.createdIssue, nil
}

func (f *fakeAPI) AddSubIssue(_ context.Context, _, _ string, parentNumber int, subIssueID int64) error {
	f.ops = append(f.ops, fmt.Sprintf("add-sub-issue #%d id=%d", parentNumber, subIssueID))
	return nil
}

func (f *fakeAPI) AddToProject(_ context.Context, _ github.ProjectRef, contentNodeID string) (string, error) {
	f.ops = append(f.ops, "add-to-project "+contentNodeID)
	return "ITEM_NEW", nil
}

func (f *fakeAPI) opsMatching(prefix string) []string {
	var out []string
	for _, op := range f.ops {
		if strings.HasPrefix(op, prefix) {
			out = append(out, op)
		}
	}
	return out
}

const standaloneAggregate = `{
  "repository": {
    "issue": {
      "id": "I_42",
      "fullDatabaseId": "9000042",
      "number": 42,
      "title": "Add dark mode",
      "body": "## Description\n\nAdd a dark theme.\n\n## Todos\n\n- [x] theme tokens\n- [ ] toggle\n",
      "state": "OPEN",
      "author": {"login": "alice", "__typename": "User"},
      "labels": {"nodes": [{"name": "triaged"}, {"name": "groomed"}]},
      "assignees": {"nodes": [{"login": "nopo-bot"}]},
      "parent": null,
      "subIssues": {"nodes": []},
      "comments": {"nodes": [
        {"databaseId": 1, "id": "C_1", "body": "first", "createdAt": "2025-01-01T10:00:00Z", "author": {"login": "alice", "__typename": "User"}},
        {"databaseId": 2, "id": "C_2", "body": "second", "createdAt": "2025-01-02T10:00:00Z", "author": {"login": "nopo-bot", "__typename": "Bot"}}
      ]},
      "projectItems": {"nodes": [{
        "id": "ITEM_42",
        "project": {"number": 5},
        "fieldValues": {"nodes": [
          {"name": "Ready", "field": {"name": "Status"}},
          {"number": 2, "field": {"name": "Iteration"}},
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
        "url": "https://github.com/org/repo/pull/7",
        "reviewDecision": "REVIEW_REQUIRED",
        "commits": {"nodes": [{"commit": {"statusCheckRollup": {"state": "SUCCESS"}}}]}
      }]}
    }
  }
}`

const parentAggregate = `{
  "repository": {
    "issue": {
      "id": "I_100",
      "fullDatabaseId": "9000100",
      "number": 100,
      "title": "Build the importer",
      "body": "## Description\n\nImport pipeline.\n\n<!-- CLAUDE_MAIN_STATE\nsub_issues: [101, 102]\n-->\n",
      "state": "OPEN",
      "author": {"login": "alice", "__typename": "User"},
      "labels": {"nodes": [{"name": "triaged"}, {"name": "groomed"}]},
      "assignees": {"nodes": []},
      "parent": null,
      "subIssues": {"nodes": [
        {
          "id": "I_102", "fullDatabaseId": "9000102", "number": 102,
          "title": "[Phase 2] Wire API", "body": "## Description\n\nWire it.\n\n## Todos\n\n- [ ] handlers\n",
          "state": "OPEN",
          "labels": {"nodes": []}, "assignees": {"nodes": []},
          "projectItems": {"nodes": []},
          "closedByPullRequestsReferences": {"nodes": []}
        },
        {
          "id": "I_101", "fullDatabaseId": "9000101", "number": 101,
          "title": "[Phase 1] Schema", "body": "## Description\n\nSchema.\n",
          "state": "CLOSED",
          "labels": {"nodes": []}, "assignees": {"nodes": []},
          "projectItems": {"nodes": []},
          "closedByPullRequestsReferences": {"nodes": [{"number": 6, "state": "MERGED"}]}
        },
        {
          "id": "I_103", "fullDatabaseId": "9000103", "number": 103,
          "title": "Old cleanup", "body": "",
          "state": "OPEN",
          "labels": {"nodes": [{"name": "superseded"}]}, "assignees": {"nodes": []},
          "projectItems": {"nodes": []},
          "closedByPullRequestsReferences": {"nodes": []}
        }
      ]},
      "comments": {"nodes": []},
      "projectItems": {"nodes": []},
      "closedByPullRequestsReferences": {"nodes": []}
    }
  }
}`

func TestParseIssueStandalone(t *testing.T) {
	api := &fakeAPI{graphqlData: standaloneAggregate, branchExists: true}
	repo := NewRepository(api)

	data, err := repo.ParseIssue(context.Background(), "org", "repo", 42, ParseOptions{
		ProjectNumber: 5,
		FetchPRs:      true,
		FetchParent:   true,
	})
	require.NoError(t, err)

	issue := data.Issue
	assert.Equal(t, 42, issue.Number)
	assert.Equal(t, int64(9000042), issue.ID)
	assert.Equal(t, "alice", issue.Author)
	assert.Equal(t, []string{"triaged", "groomed"}, issue.Labels)
	assert.Equal(t, []string{"nopo-bot"}, issue.Assignees)

	// The board's "Ready" column reads as canonical "In progress".
	assert.Equal(t, StatusInProgress, issue.Status)
	assert.Equal(t, 2, issue.Iteration)
	assert.Equal(t, 1, issue.Failures)
	assert.Equal(t, "ITEM_42", issue.ProjectItemID)

	assert.Equal(t, "claude/issue/42", data.Branch)
	assert.True(t, data.HasBranch)

	require.NotNil(t, data.PR)
	assert.Equal(t, 7, data.PR.Number)
	assert.True(t, data.PR.Draft)
	assert.Equal(t, "SUCCESS", data.PR.CIStatus)
	assert.Equal(t, "REVIEW_REQUIRED", data.PR.ReviewDecision)

	// Comments come back newest-first.
	require.Len(t, data.Comments, 2)
	assert.Equal(t, "second", data.Comments[0].Body)
	assert.Equal(t, "Bot", data.Comments[0].AuthorType)

	// Body parsed into the ledger AST.
	assert.Equal(t, 2, issue.Todos().Total)

	// One aggregate query plus one ref check; no REST PR fallback needed.
	assert.Equal(t, []string{"graphql", "branch-exists claude/issue/42"}, api.ops)
}

func TestParseIssueParentWithPhases(t *testing.T) {
	api := &fakeAPI{graphqlData: parentAggregate}
	repo := NewRepository(api)

	data, err := repo.ParseIssue(context.Background(), "org", "repo", 100, ParseOptions{
		ProjectNumber: 5,
		FetchParent:   true,
	})
	require.NoError(t, err)

	require.Len(t, data.SubIssues, 3)
	assert.Equal(t, []int{101, 102, 103}, []int{data.SubIssues[0].Number, data.SubIssues[1].Number, data.SubIssues[2].Number})
	assert.Equal(t, 100, data.SubIssues[0].ParentNumber)

	// Phase 1 closed via a merged PR.
	assert.Equal(t, IssueClosed, data.SubIssues[0].State)
	assert.True(t, data.SubIssues[0].Merged)
	assert.False(t, data.SubIssues[1].Merged)

	assert.True(t, data.HasSubIssues())
	assert.Equal(t, 102, data.CurrentSubIssue().Number)
}

func TestParseIssueFallsBackToPRByHead(t *testing.T) {
	// Drop the linked-PR references so the head-branch lookup kicks in.
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(standaloneAggregate), &doc))
	issue := doc["repository"].(map[string]any)["issue"].(map[string]any)
	issue["closedByPullRequestsReferences"] = map[string]any{"nodes": []any{}}
	noPR, err := json.Marshal(doc)
	require.NoError(t, err)

	api := &fakeAPI{
		graphqlData: string(noPR),
		prByHead: &github.PullRequest{
			Number: 8,
			State:  "closed",
			Merged: true,
			Head:   github.Ref{Ref: "claude/issue/42"},
			Base:   github.Ref{Ref: "main"},
		},
	}
	repo := NewRepository(api)

	data, parseErr := repo.ParseIssue(context.Background(), "org", "repo", 42, ParseOptions{ProjectNumber: 5, FetchPRs: true})
	require.NoError(t, parseErr)

	require.NotNil(t, data.PR)
	assert.Equal(t, 8, data.PR.Number)
	assert.Equal(t, PRMerged, data.PR.State)
	assert.Contains(t, api.ops, "pr-by-head claude/issue/42")
}

func TestParseIssueNotFound(t *testing.T) {
	api := &fakeAPI{graphqlData: `{"repository": {"issue": null}}`}
	repo := NewRepository(api)

	_, err := repo.ParseIssue(context.Background(), "org", "repo", 999, ParseOptions{})
	assert.ErrorIs(t, err, github.ErrNotFound)
}

func newPersistFixture(t *testing.T) (*IssueData, *fakeAPI, *Repository) {
	t.Helper()
	api := &fakeAPI{}
	body := "## Description\n\ntext\n"
	data := &IssueData{
		Owner:         "org",
		Repo:          "repo",
		Number:        42,
		ProjectNumber: 5,
		Issue: &Issue{
			Number:        42,
			Body:          parseBody(t, body),
			State:         IssueOpen,
			Status:        StatusInProgress,
			Iteration:     2,
			Failures:      1,
			Labels:        []string{"triaged", "groomed"},
			Assignees:     []string{"nopo-bot"},
			ProjectItemID: "ITEM_42",
		},
		snapshot: snapshot{
			body:      body,
			labels:    []string{"triaged", "groomed"},
			assignees: []string{"nopo-bot"},
			status:    StatusInProgress,
			iteration: 2,
			failures:  1,
		},
	}
	return data, api, NewRepository(api)
}

func TestPersistWritesOnlyDiff(t *testing.T) {
	data, api, repo := newPersistFixture(t)

	// No changes: nothing written.
	require.NoError(t, repo.Persist(context.Background(), data))
	assert.Empty(t, api.ops)

	data.AddLabel("needs-info")
	data.RemoveLabel("groomed")
	data.Assign("alice")
	data.SetStatus(StatusBlocked)
	data.IncrementIteration()
	data.RecordFailure(5)
	data.AppendHistory(markdown.HistoryEntry{Action: "Blocked: Max failures reached (5)"}, "")

	require.NoError(t, repo.Persist(context.Background(), data))

	assert.Equal(t, []string{"update-issue #42 body=true"}, api.opsMatching("update-issue"))
	assert.Equal(t, []string{"add-labels #42 [needs-info]"}, api.opsMatching("add-labels"))
	assert.Equal(t, []string{"remove-label #42 groomed"}, api.opsMatching("remove-label"))
	assert.Equal(t, []string{"add-assignees #42 [alice]"}, api.opsMatching("add-assignees"))
	assert.Equal(t, []string{"set-status ITEM_42 Blocked"}, api.opsMatching("set-status"))
	assert.ElementsMatch(t, []string{"set-number ITEM_42 Iteration=3", "set-number ITEM_42 Failures=2"}, api.opsMatching("set-number"))

	// Persisting again writes nothing: the snapshot advanced.
	before := len(api.ops)
	require.NoError(t, repo.Persist(context.Background(), data))
	assert.Equal(t, before, len(api.ops))
}

func TestPersistDenormalizesInProgress(t *testing.T) {
	data, api, repo := newPersistFixture(t)
	data.snapshot.status = StatusTriaged

	require.NoError(t, repo.Persist(context.Background(), data))
	assert.Equal(t, []string{"set-status ITEM_42 Ready"}, api.opsMatching("set-status"))
}

func TestPersistFallsBackWhenBoardHasNoReadyColumn(t *testing.T) {
	data, api, repo := newPersistFixture(t)
	data.snapshot.status = StatusTriaged
	api.noReadyColumn = true

	require.NoError(t, repo.Persist(context.Background(), data))
	assert.Equal(t, []string{"set-status ITEM_42 In progress"}, api.opsMatching("set-status"))
}

func TestRecordFailureNeverExceedsMax(t *testing.T) {
	data, _, _ := newPersistFixture(t)
	data.Issue.Failures = 5

	data.RecordFailure(5)
	assert.Equal(t, 5, data.Issue.Failures)
}

func TestCreateSubIssue(t *testing.T) {
	data, api, repo := newPersistFixture(t)
	api.createdIssue = &github.Issue{
		ID:     9000104,
		Number: 104,
		NodeID: "I_104",
		Title:  "[Phase 1] Schema",
		Body:   "## Description\n\nSchema.\n",
	}

	sub, err := repo.CreateSubIssue(context.Background(), data, NewSubIssue{
		Title: "[Phase 1] Schema",
		Body:  "## Description\n\nSchema.\n",
	})
	require.NoError(t, err)

	assert.Equal(t, 104, sub.Number)
	assert.Equal(t, 1, sub.Phase)
	assert.Equal(t, 42, sub.ParentNumber)
	assert.Equal(t, "ITEM_NEW", sub.ProjectItemID)

	assert.Contains(t, api.ops, "create-issue [Phase 1] Schema")
	assert.Contains(t, api.ops, "add-sub-issue #42 id=9000104")
	assert.Contains(t, api.ops, "add-to-project I_104")

	require.Len(t, data.SubIssues, 1)
}
