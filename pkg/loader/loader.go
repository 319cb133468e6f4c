// Package loader composes the MachineContext for one dispatch: it resolves
// the target issue, fetches the aggregate and normalizes the event-derived
// signals the machine guards on.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/kevin-mind/nopo-steward/pkg/issues"
	"github.com/kevin-mind/nopo-steward/pkg/machine"
	"github.com/kevin-mind/nopo-steward/pkg/router"
)

// ErrContextUnavailable marks dispatches whose target resource cannot be
// fetched or resolved. No state is mutated in that case.
var ErrContextUnavailable = errors.New("dispatch context unavailable")

// Config carries the repository identity and the identities the machine
// reasons about.
type Config struct {
	Owner            string
	Repo             string
	ProjectNumber    int
	BotUsername      string
	ReviewerUsername string
	BaseBranch       string
	MaxRetries       int
}

// Loader builds MachineContexts from routing decisions.
type Loader struct {
	cfg  Config
	repo *issues.Repository
	log  *slog.Logger
}

// New creates a loader over the issue repository.
func New(cfg Config, repo *issues.Repository) *Loader {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	return &Loader{
		cfg:  cfg,
		repo: repo,
		log:  slog.Default().With("component", "loader"),
	}
}

var headRefIssuePattern = regexp.MustCompile(`^claude/issue/(\d+)(?:/phase-\d+)?$`)

// BuildContext resolves the decision into a full MachineContext.
func (l *Loader) BuildContext(ctx context.Context, d router.Decision) (*machine.MachineContext, error) {
	mc := &machine.MachineContext{
		Job:              d.Job,
		Trigger:          d.Trigger,
		CommentID:        d.CommentID,
		Reaction:         d.Reaction,
		CommentBody:      d.Context["comment_body"],
		PivotDescription: d.Context["pivot_description"],
		CIRunID:          d.Context["ci_run_id"],
		CIRunURL:         d.Context["ci_run_url"],
		CICommitSHA:      d.Context["ci_commit_sha"],
		MergeSHA:         d.Context["merge_sha"],
		BotUsername:      l.cfg.BotUsername,
		ReviewerUsername: l.cfg.ReviewerUsername,
		BaseBranch:       l.cfg.BaseBranch,
		MaxRetries:       l.cfg.MaxRetries,
	}

	// Test-mode dispatches carry canned agent outputs on the decision.
	if raw := d.Context["mock_outputs"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &mc.MockOutputs); err != nil {
			l.log.Warn("unparseable mock_outputs, ignoring", "error", err)
		}
	}

	if d.ResourceType == router.ResourceDiscussion {
		mc.DiscussionNumber = d.ResourceNumber
		return mc, nil
	}

	number, err := l.issueNumber(d)
	if err != nil {
		return nil, err
	}

	data, err := l.repo.ParseIssue(ctx, l.cfg.Owner, l.cfg.Repo, number, issues.ParseOptions{
		ProjectNumber: l.cfg.ProjectNumber,
		BotUsername:   l.cfg.BotUsername,
		FetchPRs:      true,
		FetchParent:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: issue #%d: %v", ErrContextUnavailable, number, err)
	}

	canonicalize(data)
	mc.Data = data
	if !data.Issue.IsSubIssue() && len(data.SubIssues) > 0 {
		mc.CurrentSubIssue = data.CurrentSubIssue()
	}

	mc.CIResult = d.Context["ci_result"]
	if mc.CIResult == "" && data.PR != nil {
		mc.CIResult = ciFromStatus(data.PR.CIStatus)
	}
	mc.ReviewDecision = reviewDecision(d.Context["review_state"], data.PR)
	return mc, nil
}

// issueNumber resolves which issue the dispatch operates on. PR dispatches
// resolve through the routing context, then the head-branch pattern.
func (l *Loader) issueNumber(d router.Decision) (int, error) {
	if d.ResourceType == router.ResourceIssue {
		if d.ResourceNumber <= 0 {
			return 0, fmt.Errorf("%w: decision without resource number", ErrContextUnavailable)
		}
		return d.ResourceNumber, nil
	}

	if v := d.Context["linked_issue"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n, nil
		}
	}
	if m := headRefIssuePattern.FindStringSubmatch(d.Context["head_ref"]); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n, nil
	}
	return 0, fmt.Errorf("%w: no issue linked to PR #%d", ErrContextUnavailable, d.ResourceNumber)
}

// canonicalize folds the upstream "Ready" column into "In progress" across
// the aggregate. Persist reverses the mapping.
func canonicalize(data *issues.IssueData) {
	data.Issue.Status = data.Issue.Status.Canonical()
	if data.ParentIssue != nil {
		data.ParentIssue.Status = data.ParentIssue.Status.Canonical()
	}
	for _, sub := range data.SubIssues {
		sub.Status = sub.Status.Canonical()
	}
}

func ciFromStatus(status string) string {
	switch status {
	case "SUCCESS":
		return machine.CISuccess
	case "FAILURE", "ERROR":
		return machine.CIFailure
	}
	return ""
}

// reviewDecision normalizes the event review state, falling back to the
// PR's aggregate decision.
func reviewDecision(eventState string, pr *issues.PullRequest) string {
	switch eventState {
	case "approved":
		return machine.ReviewApproved
	case "changes_requested":
		return machine.ReviewChangesRequested
	case "commented":
		return machine.ReviewCommented
	}
	if pr == nil {
		return ""
	}
	switch pr.ReviewDecision {
	case "APPROVED":
		return machine.ReviewApproved
	case "CHANGES_REQUESTED":
		return machine.ReviewChangesRequested
	case "REVIEW_REQUIRED":
		return machine.ReviewCommented
	}
	return ""
}
