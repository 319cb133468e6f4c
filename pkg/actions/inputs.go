package actions

import (
	"errors"
	"fmt"

	"github.com/kevin-mind/nopo-steward/pkg/issues"
)

var (
	ErrUnknownKind  = errors.New("unknown action kind")
	ErrInvalidInput = errors.New("invalid action input")
)

// AgentKind selects the prompt template and output schema of an agent
// invocation.
type AgentKind string

const (
	AgentTriage            AgentKind = "triage"
	AgentGrooming          AgentKind = "grooming"
	AgentIterate           AgentKind = "iterate"
	AgentRetry             AgentKind = "retry"
	AgentReview            AgentKind = "review"
	AgentPrResponse        AgentKind = "prResponse"
	AgentComment           AgentKind = "comment"
	AgentPivot             AgentKind = "pivot"
	AgentOrchestrate       AgentKind = "orchestrate"
	AgentDiscussResearch   AgentKind = "discussionResearch"
	AgentDiscussSummarize  AgentKind = "discussionSummarize"
	AgentDiscussPlan       AgentKind = "discussionPlan"
	AgentDiscussComplete   AgentKind = "discussionComplete"
)

var agentKinds = map[AgentKind]bool{
	AgentTriage:           true,
	AgentGrooming:         true,
	AgentIterate:          true,
	AgentRetry:            true,
	AgentReview:           true,
	AgentPrResponse:       true,
	AgentComment:          true,
	AgentPivot:            true,
	AgentOrchestrate:      true,
	AgentDiscussResearch:  true,
	AgentDiscussSummarize: true,
	AgentDiscussPlan:      true,
	AgentDiscussComplete:  true,
}

// RunClaudeInput invokes the agent. MockOutputs short-circuits the
// subprocess in tests, keyed by kind or kind/variant.
type RunClaudeInput struct {
	Kind        AgentKind
	IssueNumber int
	PromptVars  map[string]string
	MockOutputs map[string]string
}

func (in *RunClaudeInput) Validate() error {
	if !agentKinds[in.Kind] {
		return fmt.Errorf("unknown agent kind %q", in.Kind)
	}
	if in.IssueNumber <= 0 && in.Kind != AgentDiscussResearch &&
		in.Kind != AgentDiscussSummarize && in.Kind != AgentDiscussPlan && in.Kind != AgentDiscussComplete {
		return errors.New("issue number required")
	}
	return nil
}

// ApplyOutputInput applies the preceding agent invocation's parsed output to
// the issue aggregate. Shared by every apply* kind. Discussion outputs carry
// no issue number.
type ApplyOutputInput struct {
	IssueNumber int
}

func (in *ApplyOutputInput) Validate() error {
	if in.IssueNumber < 0 {
		return errors.New("negative issue number")
	}
	return nil
}

// ReconcileSubIssuesInput reconciles the parent's sub-issues against the
// grooming output's phase plan.
type ReconcileSubIssuesInput struct {
	IssueNumber int
}

func (in *ReconcileSubIssuesInput) Validate() error {
	return requireIssue(in.IssueNumber)
}

// UpdateProjectStatusInput sets the board Status field. The canonical
// "In progress" denormalizes to the upstream "Ready" column on write.
type UpdateProjectStatusInput struct {
	IssueNumber int
	Status      issues.Status
}

func (in *UpdateProjectStatusInput) Validate() error {
	if err := requireIssue(in.IssueNumber); err != nil {
		return err
	}
	if in.Status == issues.StatusNone {
		return errors.New("status required")
	}
	return nil
}

// CounterInput backs the numeric board-field mutations.
type CounterInput struct {
	IssueNumber int
	// MaxRetries caps recordFailure; ignored by the other counter kinds.
	MaxRetries int
	// FailureKind tags what failed (ci, review) for history rendering.
	FailureKind string
}

func (in *CounterInput) Validate() error {
	return requireIssue(in.IssueNumber)
}

// AppendHistoryInput appends one Iteration History row.
type AppendHistoryInput struct {
	IssueNumber int
	Phase       int
	Message     string
	SHA         string
	RunID       string
	RunURL      string
	Timestamp   string
}

func (in *AppendHistoryInput) Validate() error {
	if err := requireIssue(in.IssueNumber); err != nil {
		return err
	}
	if in.Message == "" {
		return errors.New("message required")
	}
	return nil
}

// CreateBranchInput creates a ref if absent.
type CreateBranchInput struct {
	BranchName string
	Base       string
}

func (in *CreateBranchInput) Validate() error {
	if in.BranchName == "" {
		return errors.New("branch name required")
	}
	return nil
}

// CreatePRInput opens a draft PR linked to the issue. Idempotent by
// head-branch lookup.
type CreatePRInput struct {
	IssueNumber int
	Branch      string
	Title       string
	Body        string
	Draft       bool
}

func (in *CreatePRInput) Validate() error {
	if err := requireIssue(in.IssueNumber); err != nil {
		return err
	}
	if in.Branch == "" {
		return errors.New("branch required")
	}
	if in.Title == "" {
		return errors.New("title required")
	}
	return nil
}

// PRInput backs markPRReady and convertPRToDraft.
type PRInput struct {
	PRNumber int
}

func (in *PRInput) Validate() error {
	if in.PRNumber <= 0 {
		return errors.New("pr number required")
	}
	return nil
}

// ReviewerInput backs requestReviewer and removeReviewer.
type ReviewerInput struct {
	PRNumber int
	Username string
}

func (in *ReviewerInput) Validate() error {
	if in.PRNumber <= 0 {
		return errors.New("pr number required")
	}
	if in.Username == "" {
		return errors.New("username required")
	}
	return nil
}

// AssigneesInput backs unassignUser and addAssignees.
type AssigneesInput struct {
	IssueNumber int
	Usernames   []string
}

func (in *AssigneesInput) Validate() error {
	if err := requireIssue(in.IssueNumber); err != nil {
		return err
	}
	if len(in.Usernames) == 0 {
		return errors.New("at least one username required")
	}
	return nil
}

// IssueInput backs closeIssue, resetIssue and removeFromProject.
type IssueInput struct {
	IssueNumber int
}

func (in *IssueInput) Validate() error {
	return requireIssue(in.IssueNumber)
}

// AddCommentInput posts an issue comment.
type AddCommentInput struct {
	IssueNumber int
	Body        string
}

func (in *AddCommentInput) Validate() error {
	if err := requireIssue(in.IssueNumber); err != nil {
		return err
	}
	if in.Body == "" {
		return errors.New("body required")
	}
	return nil
}

// AddReactionInput acknowledges a slash command on its comment.
type AddReactionInput struct {
	CommentID int64
	Reaction  string
}

var validReactions = map[string]bool{
	"+1": true, "-1": true, "laugh": true, "confused": true,
	"heart": true, "hooray": true, "rocket": true, "eyes": true,
}

func (in *AddReactionInput) Validate() error {
	if in.CommentID <= 0 {
		return errors.New("comment id required")
	}
	if !validReactions[in.Reaction] {
		return fmt.Errorf("unknown reaction %q", in.Reaction)
	}
	return nil
}

func requireIssue(n int) error {
	if n <= 0 {
		return errors.New("issue number required")
	}
	return nil
}
