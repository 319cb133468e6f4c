package issues

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kevin-mind/nopo-steward/pkg/github"
	"github.com/kevin-mind/nopo-steward/pkg/markdown"
)

// ParseOptions controls what the aggregate fetch resolves.
type ParseOptions struct {
	ProjectNumber int
	BotUsername   string
	FetchPRs      bool
	FetchParent   bool
}

// Repository fetches and persists IssueData. One aggregate GraphQL request
// loads the issue, its labels, assignees, parent, sub-issues, latest
// comments, project fields and linked pull requests; a single ref lookup then
// resolves branch existence.
type Repository struct {
	client github.API
	log    *slog.Logger
}

// NewRepository creates a repository over the given VCS client.
func NewRepository(client github.API) *Repository {
	return &Repository{
		client: client,
		log:    slog.Default().With("component", "issues"),
	}
}

const issueAggregateQuery = `
query($owner: String!, $repo: String!, $number: Int!, $fetchParent: Boolean!, $fetchPRs: Boolean!) {
  repository(owner: $owner, name: $repo) {
    issue(number: $number) {
      id
      fullDatabaseId
      number
      title
      body
      state
      author { login __typename }
      labels(first: 50) { nodes { name } }
      assignees(first: 20) { nodes { login } }
      parent @include(if: $fetchParent) {
        id
        fullDatabaseId
        number
        title
        body
        state
        labels(first: 50) { nodes { name } }
        assignees(first: 20) { nodes { login } }
        projectItems(first: 10) { nodes { id project { number } fieldValues(first: 20) { nodes { ...projectField } } } }
      }
      subIssues(first: 50) {
        nodes {
          id
          fullDatabaseId
          number
          title
          body
          state
          labels(first: 50) { nodes { name } }
          assignees(first: 20) { nodes { login } }
          projectItems(first: 10) { nodes { id project { number } fieldValues(first: 20) { nodes { ...projectField } } } }
          closedByPullRequestsReferences(first: 5, includeClosedPrs: true) @include(if: $fetchPRs) { nodes { number state } }
        }
      }
      comments(last: 20) { nodes { databaseId id body createdAt author { login __typename } } }
      projectItems(first: 10) { nodes { id project { number } fieldValues(first: 20) { nodes { ...projectField } } } }
      closedByPullRequestsReferences(first: 10, includeClosedPrs: true) @include(if: $fetchPRs) {
        nodes {
          number
          id
          title
          state
          isDraft
          headRefName
          baseRefName
          url
          reviewDecision
          commits(last: 1) { nodes { commit { statusCheckRollup { state } } } }
        }
      }
    }
  }
}

fragment projectField on ProjectV2ItemFieldValue {
  ... on ProjectV2ItemFieldSingleSelectValue { name field { ... on ProjectV2FieldCommon { name } } }
  ... on ProjectV2ItemFieldNumberValue { number field { ... on ProjectV2FieldCommon { name } } }
}`

type gqlActor struct {
	Login    string `json:"login"`
	Typename string `json:"__typename"`
}

type gqlFieldValue struct {
	Name   string   `json:"name"`
	Number *float64 `json:"number"`
	Field  struct {
		Name string `json:"name"`
	} `json:"field"`
}

type gqlProjectItem struct {
	ID      string `json:"id"`
	Project struct {
		Number int `json:"number"`
	} `json:"project"`
	FieldValues struct {
		Nodes []gqlFieldValue `json:"nodes"`
	} `json:"fieldValues"`
}

type gqlComment struct {
	DatabaseID int64     `json:"databaseId"`
	ID         string    `json:"id"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
	Author     *gqlActor `json:"author"`
}

type gqlPR struct {
	Number         int    `json:"number"`
	ID             string `json:"id"`
	Title          string `json:"title"`
	State          string `json:"state"`
	IsDraft        bool   `json:"isDraft"`
	HeadRefName    string `json:"headRefName"`
	BaseRefName    string `json:"baseRefName"`
	URL            string `json:"url"`
	ReviewDecision string `json:"reviewDecision"`
	Commits        struct {
		Nodes []struct {
			Commit struct {
				StatusCheckRollup *struct {
					State string `json:"state"`
				} `json:"statusCheckRollup"`
			} `json:"commit"`
		} `json:"nodes"`
	} `json:"commits"`
}

type gqlIssue struct {
	ID             string `json:"id"`
	FullDatabaseID string `json:"fullDatabaseId"`
	Number         int    `json:"number"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	State          string `json:"state"`
	Author         *gqlActor
	Labels         struct {
		Nodes []struct {
			Name string `json:"name"`
		} `json:"nodes"`
	} `json:"labels"`
	Assignees struct {
		Nodes []struct {
			Login string `json:"login"`
		} `json:"nodes"`
	} `json:"assignees"`
	Parent    *gqlIssue `json:"parent"`
	SubIssues *struct {
		Nodes []gqlIssue `json:"nodes"`
	} `json:"subIssues"`
	Comments *struct {
		Nodes []gqlComment `json:"nodes"`
	} `json:"comments"`
	ProjectItems struct {
		Nodes []gqlProjectItem `json:"nodes"`
	} `json:"projectItems"`
	ClosedBy *struct {
		Nodes []gqlPR `json:"nodes"`
	} `json:"closedByPullRequestsReferences"`
}

type aggregateResult struct {
	Repository struct {
		Issue *gqlIssue `json:"issue"`
	} `json:"repository"`
}

// ParseIssue loads the aggregate for one issue. The returned IssueData keeps
// the fetched snapshot so Persist writes only the diff.
func (r *Repository) ParseIssue(ctx context.Context, owner, repo string, number int, opts ParseOptions) (*IssueData, error) {
	vars := map[string]any{
		"owner":       owner,
		"repo":        repo,
		"number":      number,
		"fetchParent": opts.FetchParent,
		"fetchPRs":    opts.FetchPRs,
	}
	var result aggregateResult
	if err := r.client.GraphQL(ctx, issueAggregateQuery, vars, &result); err != nil {
		return nil, fmt.Errorf("fetch issue %s/%s#%d: %w", owner, repo, number, err)
	}
	root := result.Repository.Issue
	if root == nil {
		return nil, fmt.Errorf("fetch issue %s/%s#%d: %w", owner, repo, number, github.ErrNotFound)
	}

	data := &IssueData{
		Owner:         owner,
		Repo:          repo,
		Number:        number,
		Issue:         buildIssue(root, opts.ProjectNumber),
		ProjectNumber: opts.ProjectNumber,
	}

	if root.Parent != nil {
		data.ParentIssue = buildIssue(root.Parent, opts.ProjectNumber)
		data.Issue.ParentNumber = data.ParentIssue.Number
	}

	if root.SubIssues != nil {
		for i := range root.SubIssues.Nodes {
			sub := buildIssue(&root.SubIssues.Nodes[i], opts.ProjectNumber)
			sub.ParentNumber = data.Issue.Number
			data.SubIssues = append(data.SubIssues, sub)
		}
		SortSubIssues(data.SubIssues)
	}

	if root.Comments != nil {
		// The query returns the last page oldest-first; flip to newest-first.
		for i := len(root.Comments.Nodes) - 1; i >= 0; i-- {
			data.Comments = append(data.Comments, buildComment(root.Comments.Nodes[i]))
		}
	}

	data.snapshot = snapshot{
		body:      root.Body,
		labels:    append([]string(nil), data.Issue.Labels...),
		assignees: append([]string(nil), data.Issue.Assignees...),
		status:    data.Issue.Status,
		iteration: data.Issue.Iteration,
		failures:  data.Issue.Failures,
	}

	data.Branch = BranchName(data.Issue)
	exists, err := r.client.BranchExists(ctx, owner, repo, data.Branch)
	if err != nil {
		return nil, fmt.Errorf("check branch %q: %w", data.Branch, err)
	}
	data.HasBranch = exists

	if opts.FetchPRs {
		data.PR = pickPR(root.ClosedBy, data.Branch)
		if data.PR == nil {
			if pr, err := r.lookupPRByHead(ctx, owner, repo, data.Branch); err != nil {
				return nil, err
			} else if pr != nil {
				data.PR = pr
			}
		}
	}

	return data, nil
}

// pickPR chooses the linked PR: the one whose head is the work branch wins,
// then any open PR, then the first reference.
func pickPR(closedBy *struct {
	Nodes []gqlPR `json:"nodes"`
}, branch string) *PullRequest {
	if closedBy == nil || len(closedBy.Nodes) == 0 {
		return nil
	}
	pick := -1
	for i, pr := range closedBy.Nodes {
		if pr.HeadRefName == branch {
			pick = i
			break
		}
		if pick == -1 && pr.State == string(PROpen) {
			pick = i
		}
	}
	if pick == -1 {
		pick = 0
	}
	return buildPR(closedBy.Nodes[pick])
}

func (r *Repository) lookupPRByHead(ctx context.Context, owner, repo, branch string) (*PullRequest, error) {
	rest, err := r.client.PullRequestByHead(ctx, owner, repo, branch)
	if err != nil {
		return nil, fmt.Errorf("lookup PR by head %q: %w", branch, err)
	}
	if rest == nil {
		return nil, nil
	}
	state := PRState(strings.ToUpper(rest.State))
	if rest.Merged {
		state = PRMerged
	}
	return &PullRequest{
		Number:  rest.Number,
		NodeID:  rest.NodeID,
		Title:   rest.Title,
		State:   state,
		Draft:   rest.Draft,
		HeadRef: rest.Head.Ref,
		BaseRef: rest.Base.Ref,
		URL:     rest.HTMLURL,
	}, nil
}

func buildIssue(g *gqlIssue, projectNumber int) *Issue {
	issue := &Issue{
		Number: g.Number,
		NodeID: g.ID,
		Title:  g.Title,
		Body:   markdown.Parse(g.Body),
		State:  IssueState(g.State),
		Phase:  ParsePhase(g.Title),
	}
	if id, err := strconv.ParseInt(g.FullDatabaseID, 10, 64); err == nil {
		issue.ID = id
	}
	if g.Author != nil {
		issue.Author = g.Author.Login
	}
	for _, l := range g.Labels.Nodes {
		issue.Labels = append(issue.Labels, l.Name)
	}
	for _, a := range g.Assignees.Nodes {
		issue.Assignees = append(issue.Assignees, a.Login)
	}

	if item := matchProjectItem(g.ProjectItems.Nodes, projectNumber); item != nil {
		issue.ProjectItemID = item.ID
		for _, fv := range item.FieldValues.Nodes {
			switch fv.Field.Name {
			case "Status":
				issue.Status = Status(fv.Name).Canonical()
			case "Iteration":
				if fv.Number != nil {
					issue.Iteration = int(*fv.Number)
				}
			case "Failures":
				if fv.Number != nil {
					issue.Failures = int(*fv.Number)
				}
			}
		}
	}

	if g.ClosedBy != nil {
		for _, pr := range g.ClosedBy.Nodes {
			if pr.State == string(PRMerged) {
				issue.Merged = true
				break
			}
		}
	}
	return issue
}

func matchProjectItem(items []gqlProjectItem, projectNumber int) *gqlProjectItem {
	for i := range items {
		if projectNumber == 0 || items[i].Project.Number == projectNumber {
			return &items[i]
		}
	}
	return nil
}

func buildComment(g gqlComment) Comment {
	c := Comment{
		ID:        g.DatabaseID,
		NodeID:    g.ID,
		Body:      g.Body,
		CreatedAt: g.CreatedAt,
	}
	if g.Author != nil {
		c.Author = g.Author.Login
		c.AuthorType = g.Author.Typename
	}
	return c
}

func buildPR(g gqlPR) *PullRequest {
	pr := &PullRequest{
		Number:         g.Number,
		NodeID:         g.ID,
		Title:          g.Title,
		State:          PRState(g.State),
		Draft:          g.IsDraft,
		HeadRef:        g.HeadRefName,
		BaseRef:        g.BaseRefName,
		URL:            g.URL,
		ReviewDecision: g.ReviewDecision,
	}
	if len(g.Commits.Nodes) > 0 {
		if rollup := g.Commits.Nodes[0].Commit.StatusCheckRollup; rollup != nil {
			pr.CIStatus = rollup.State
		}
	}
	return pr
}

// Persist writes the diff between the aggregate and its fetched snapshot:
// body replace when the rendered AST changed, label and assignee set-diffs,
// and project field updates. Successfully written parts advance the snapshot
// so a retried Persist never repeats them.
func (r *Repository) Persist(ctx context.Context, data *IssueData) error {
	issue := data.Issue

	if rendered := issue.Body.Render(); rendered != data.snapshot.body {
		if err := r.client.UpdateIssue(ctx, data.Owner, data.Repo, issue.Number, github.IssueUpdate{Body: &rendered}); err != nil {
			return fmt.Errorf("persist body: %w", err)
		}
		data.snapshot.body = rendered
	}

	added, removed := diffStrings(data.snapshot.labels, issue.Labels)
	if len(added) > 0 {
		if err := r.client.AddLabels(ctx, data.Owner, data.Repo, issue.Number, added); err != nil {
			return fmt.Errorf("persist labels: %w", err)
		}
	}
	for _, label := range removed {
		if err := r.client.RemoveLabel(ctx, data.Owner, data.Repo, issue.Number, label); err != nil {
			return fmt.Errorf("persist labels: %w", err)
		}
	}
	data.snapshot.labels = append([]string(nil), issue.Labels...)

	addedUsers, removedUsers := diffStrings(data.snapshot.assignees, issue.Assignees)
	if len(addedUsers) > 0 {
		if err := r.client.AddAssignees(ctx, data.Owner, data.Repo, issue.Number, addedUsers); err != nil {
			return fmt.Errorf("persist assignees: %w", err)
		}
	}
	if len(removedUsers) > 0 {
		if err := r.client.RemoveAssignees(ctx, data.Owner, data.Repo, issue.Number, removedUsers); err != nil {
			return fmt.Errorf("persist assignees: %w", err)
		}
	}
	data.snapshot.assignees = append([]string(nil), issue.Assignees...)

	if issue.ProjectItemID != "" {
		ref := github.ProjectRef{Owner: data.Owner, Number: data.ProjectNumber}
		if issue.Status != data.snapshot.status {
			if err := r.writeStatus(ctx, ref, issue.ProjectItemID, issue.Status); err != nil {
				return fmt.Errorf("persist status: %w", err)
			}
			data.snapshot.status = issue.Status
		}
		if issue.Iteration != data.snapshot.iteration {
			if err := r.client.SetProjectNumberField(ctx, ref, issue.ProjectItemID, "Iteration", issue.Iteration); err != nil {
				return fmt.Errorf("persist iteration: %w", err)
			}
			data.snapshot.iteration = issue.Iteration
		}
		if issue.Failures != data.snapshot.failures {
			if err := r.client.SetProjectNumberField(ctx, ref, issue.ProjectItemID, "Failures", issue.Failures); err != nil {
				return fmt.Errorf("persist failures: %w", err)
			}
			data.snapshot.failures = issue.Failures
		}
	}

	return nil
}

// writeStatus denormalizes the canonical status for the board; boards that
// have dropped the upstream "Ready" column accept the canonical name.
func (r *Repository) writeStatus(ctx context.Context, ref github.ProjectRef, itemID string, status Status) error {
	err := r.client.SetProjectStatus(ctx, ref, itemID, string(status.Upstream()))
	if err != nil && status.Upstream() != status && strings.Contains(err.Error(), "no status option") {
		return r.client.SetProjectStatus(ctx, ref, itemID, string(status))
	}
	return err
}

// NewSubIssue is the payload for sub-issue creation during reconciliation.
type NewSubIssue struct {
	Title  string
	Body   string
	Labels []string
}

// CreateSubIssue opens a new issue, links it under the aggregate root and
// adds it to the project board when one is configured.
func (r *Repository) CreateSubIssue(ctx context.Context, data *IssueData, req NewSubIssue) (*Issue, error) {
	created, err := r.client.CreateIssue(ctx, data.Owner, data.Repo, github.NewIssue{
		Title:  req.Title,
		Body:   req.Body,
		Labels: req.Labels,
	})
	if err != nil {
		return nil, fmt.Errorf("create sub-issue: %w", err)
	}

	sub := &Issue{
		Number:       created.Number,
		ID:           created.ID,
		NodeID:       created.NodeID,
		Title:        created.Title,
		Body:         markdown.Parse(created.Body),
		State:        IssueOpen,
		Labels:       req.Labels,
		ParentNumber: data.Issue.Number,
		Phase:        ParsePhase(created.Title),
	}

	if err := r.client.AddSubIssue(ctx, data.Owner, data.Repo, data.Issue.Number, created.ID); err != nil {
		return nil, fmt.Errorf("link sub-issue #%d: %w", created.Number, err)
	}

	if data.ProjectNumber != 0 {
		ref := github.ProjectRef{Owner: data.Owner, Number: data.ProjectNumber}
		itemID, err := r.client.AddToProject(ctx, ref, created.NodeID)
		if err != nil {
			r.log.Warn("could not add sub-issue to project", "issue", created.Number, "error", err)
		} else {
			sub.ProjectItemID = itemID
		}
	}

	data.SubIssues = append(data.SubIssues, sub)
	SortSubIssues(data.SubIssues)
	return sub, nil
}

func diffStrings(before, after []string) (added, removed []string) {
	have := make(map[string]bool, len(before))
	for _, s := range before {
		have[s] = true
	}
	want := make(map[string]bool, len(after))
	for _, s := range after {
		want[s] = true
		if !have[s] {
			added = append(added, s)
		}
	}
	for _, s := range before {
		if !want[s] {
			removed = append(removed, s)
		}
	}
	return added, removed
}
