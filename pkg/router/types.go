// Package router classifies inbound repository events into routing decisions.
// Routing is a pure function over the event payload plus static configuration:
// it never calls the API, so every decision is reproducible from the recorded
// event alone.
package router

import "strconv"

// Job names one unit of automation work. The queue serializes jobs by their
// concurrency group; the state machine picks behavior from the trigger.
type Job string

const (
	JobIssueTriage       Job = "issue-triage"
	JobIssueGroom        Job = "issue-groom"
	JobIssueIterate      Job = "issue-iterate"
	JobIssueOrchestrate  Job = "issue-orchestrate"
	JobIssueReset        Job = "issue-reset"
	JobIssuePivot        Job = "issue-pivot"
	JobIssueComment      Job = "issue-comment"
	JobPRPush            Job = "pr-push"
	JobPRReviewRequested Job = "pr-review-requested"
	JobPRReviewApproved  Job = "pr-review-approved"
	JobPRResponse        Job = "pr-response"
	JobPRHumanResponse   Job = "pr-human-response"
	JobMergeQueueLogging Job = "merge-queue-logging"
	JobDiscussResearch   Job = "discussion-research"
	JobDiscussSummarize  Job = "discussion-summarize"
	JobDiscussPlan       Job = "discussion-plan"
	JobDiscussComplete   Job = "discussion-complete"
)

// Trigger is the machine-facing cause of a dispatch. Most jobs map onto a
// fixed trigger; an explicit trigger_type on the event payload wins.
type Trigger string

const (
	TriggerIssueTriage          Trigger = "issue-triage"
	TriggerIssueGroom           Trigger = "issue-groom"
	TriggerIssueAssigned        Trigger = "issue-assigned"
	TriggerIssueOrchestrate     Trigger = "issue-orchestrate"
	TriggerIssueReset           Trigger = "issue-reset"
	TriggerIssuePivot           Trigger = "issue-pivot"
	TriggerIssueComment         Trigger = "issue-comment"
	TriggerSubIssueClosed       Trigger = "sub-issue-closed"
	TriggerWorkflowRunCompleted Trigger = "workflow-run-completed"
	TriggerPRPush               Trigger = "pr-push"
	TriggerPRReviewRequested    Trigger = "pr-review-requested"
	TriggerPRReviewSubmitted    Trigger = "pr-review-submitted"
	TriggerPRMerged             Trigger = "pr-merged"
	TriggerMergeQueueEntered    Trigger = "merge-queue-entered"
	TriggerDiscussionCreated    Trigger = "discussion-created"
	TriggerDiscussionCommand    Trigger = "discussion-command"

	// Deploy triggers arrive only via an explicit trigger_type on the event;
	// no webhook kind maps onto them directly.
	TriggerDeployedStage        Trigger = "deployed-stage"
	TriggerDeployedProd         Trigger = "deployed-prod"
	TriggerDeployedStageFailure Trigger = "deployed-stage-failure"
	TriggerDeployedProdFailure  Trigger = "deployed-prod-failure"
	TriggerMergeQueueFailure    Trigger = "merge-queue-failure"
)

// jobTriggers is the fixed job → trigger table. An event-supplied
// trigger_type overrides the table entry.
var jobTriggers = map[Job]Trigger{
	JobIssueTriage:       TriggerIssueTriage,
	JobIssueGroom:        TriggerIssueGroom,
	JobIssueIterate:      TriggerIssueAssigned,
	JobIssueOrchestrate:  TriggerIssueOrchestrate,
	JobIssueReset:        TriggerIssueReset,
	JobIssuePivot:        TriggerIssuePivot,
	JobIssueComment:      TriggerIssueComment,
	JobPRPush:            TriggerPRPush,
	JobPRReviewRequested: TriggerPRReviewRequested,
	JobPRReviewApproved:  TriggerPRReviewSubmitted,
	JobPRResponse:        TriggerPRReviewSubmitted,
	JobPRHumanResponse:   TriggerPRReviewSubmitted,
	JobMergeQueueLogging: TriggerMergeQueueEntered,
	JobDiscussResearch:   TriggerDiscussionCreated,
	JobDiscussSummarize:  TriggerDiscussionCommand,
	JobDiscussPlan:       TriggerDiscussionCommand,
	JobDiscussComplete:   TriggerDiscussionCommand,
}

// JobTrigger returns the fixed trigger of a job from the table.
func JobTrigger(j Job) (Trigger, bool) {
	t, ok := jobTriggers[j]
	return t, ok
}

// ResourceType is the kind of resource a decision targets.
type ResourceType string

const (
	ResourceIssue      ResourceType = "issue"
	ResourcePR         ResourceType = "pr"
	ResourceDiscussion ResourceType = "discussion"
)

// User is the event-payload shape of an account.
type User struct {
	Login string `json:"login"`
	Type  string `json:"type,omitempty"`
}

// IsBot reports whether the account is app-authored.
func (u User) IsBot() bool { return u.Type == "Bot" }

// Label is the event-payload shape of a label.
type Label struct {
	Name string `json:"name"`
}

// IssuePayload is the issue object inside webhook payloads.
type IssuePayload struct {
	Number    int     `json:"number"`
	Title     string  `json:"title"`
	Body      string  `json:"body"`
	State     string  `json:"state"`
	Labels    []Label `json:"labels"`
	Assignees []User  `json:"assignees"`
	User      *User   `json:"user,omitempty"`
	// Parent is set on sub-issue events once the relation has propagated.
	Parent *IssuePayload `json:"parent,omitempty"`
	// SubIssuesSummary reports the materialized sub-issue relation.
	SubIssuesSummary *SubIssuesSummary `json:"sub_issues_summary,omitempty"`
	// ProjectStatus is injected by the ingress when the board state is known.
	ProjectStatus string `json:"project_status,omitempty"`
}

// SubIssuesSummary is GitHub's per-issue sub-issue counter.
type SubIssuesSummary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
}

// HasLabel reports whether the payload carries the named label.
func (p *IssuePayload) HasLabel(name string) bool {
	for _, l := range p.Labels {
		if l.Name == name {
			return true
		}
	}
	return false
}

// IsAssigned reports whether the user is an assignee on the payload.
func (p *IssuePayload) IsAssigned(username string) bool {
	for _, a := range p.Assignees {
		if a.Login == username {
			return true
		}
	}
	return false
}

// PRPayload is the pull-request object inside webhook payloads.
type PRPayload struct {
	Number  int             `json:"number"`
	Title   string          `json:"title"`
	Body    string          `json:"body"`
	State   string          `json:"state"`
	Draft   bool            `json:"draft"`
	Merged  bool            `json:"merged"`
	HeadRef string          `json:"head_ref"`
	HeadSHA string          `json:"head_sha"`
	BaseRef string          `json:"base_ref"`
	Labels  []Label         `json:"labels"`
	User    *User           `json:"user,omitempty"`
	Reviews []ReviewPayload `json:"reviews,omitempty"`
	// RequestedReviewer is set on review_requested events.
	RequestedReviewer *User `json:"requested_reviewer,omitempty"`
	// LinkedIssue is the issue resolved from the PR body or branch name,
	// injected by the ingress when available.
	LinkedIssue *IssuePayload `json:"linked_issue,omitempty"`
}

// ReviewPayload is one pull-request review.
type ReviewPayload struct {
	State     string `json:"state"` // approved, changes_requested, commented, dismissed
	User      User   `json:"user"`
	Submitted string `json:"submitted_at,omitempty"`
}

// CommentPayload is an issue, PR or discussion comment.
type CommentPayload struct {
	ID     int64  `json:"id"`
	NodeID string `json:"node_id,omitempty"`
	Body   string `json:"body"`
	User   User   `json:"user"`
}

// WorkflowRunPayload is the workflow_run object of a CI completion event.
type WorkflowRunPayload struct {
	ID         int64  `json:"id"`
	HeadBranch string `json:"head_branch"`
	HeadSHA    string `json:"head_sha"`
	Conclusion string `json:"conclusion"` // success, failure, cancelled, skipped
	HTMLURL    string `json:"html_url"`
}

// MergeGroupPayload is the merge_group object of a merge-queue event.
type MergeGroupPayload struct {
	HeadRef string `json:"head_ref"`
	HeadSHA string `json:"head_sha"`
}

// DiscussionPayload is the discussion object of discussion events.
type DiscussionPayload struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	User   *User  `json:"user,omitempty"`
}

// Event is the raw-event union: one webhook or dispatch request, decoded.
// Name and Action select the variant; the matching payload pointers are set.
type Event struct {
	Name   string `json:"event_name"`
	Action string `json:"action,omitempty"`

	Issue       *IssuePayload       `json:"issue,omitempty"`
	PullRequest *PRPayload          `json:"pull_request,omitempty"`
	Comment     *CommentPayload     `json:"comment,omitempty"`
	Review      *ReviewPayload      `json:"review,omitempty"`
	WorkflowRun *WorkflowRunPayload `json:"workflow_run,omitempty"`
	MergeGroup  *MergeGroupPayload  `json:"merge_group,omitempty"`
	Discussion  *DiscussionPayload  `json:"discussion,omitempty"`
	Label       *Label              `json:"label,omitempty"`
	Assignee    *User               `json:"assignee,omitempty"`
	Sender      User                `json:"sender"`

	// Ref is the pushed ref for push events ("refs/heads/...").
	Ref string `json:"ref,omitempty"`

	// ResourceNumber targets a resource explicitly (workflow dispatch).
	ResourceNumber int `json:"resource_number,omitempty"`

	// TriggerType overrides the job → trigger table when present.
	TriggerType string `json:"trigger_type,omitempty"`
}

// Decision is the routing output: which job runs against which resource,
// under which concurrency key, or why nothing runs at all.
type Decision struct {
	Job            Job          `json:"job"`
	Trigger        Trigger      `json:"trigger"`
	ResourceType   ResourceType `json:"resource_type"`
	ResourceNumber int          `json:"resource_number"`
	ParentIssue    int          `json:"parent_issue"`
	CommentID      int64        `json:"comment_id,omitempty"`

	Skip       bool   `json:"skip"`
	SkipReason string `json:"skip_reason,omitempty"`

	ConcurrencyGroup string `json:"concurrency_group,omitempty"`
	CancelInProgress bool   `json:"cancel_in_progress"`

	// EnsureBranch names a branch the dispatcher must create before the job
	// runs. Routing itself stays free of I/O.
	EnsureBranch string `json:"ensure_branch,omitempty"`

	// Reaction acknowledges a slash command on the triggering comment.
	Reaction string `json:"reaction,omitempty"`

	// Context carries job-specific string fields into the dispatch record.
	Context map[string]string `json:"context,omitempty"`
}

// skip returns a terminal skip decision.
func skip(reason string) Decision {
	return Decision{Skip: true, SkipReason: reason}
}

// withContext adds one context field, allocating the map lazily.
func (d Decision) withContext(key, value string) Decision {
	if d.Context == nil {
		d.Context = make(map[string]string)
	}
	d.Context[key] = value
	return d
}

// ContextJSON flattens the decision into the flat string map emitted as
// context_json for workflow consumption.
func (d Decision) ContextJSON() map[string]string {
	out := map[string]string{
		"job":                string(d.Job),
		"trigger":            string(d.Trigger),
		"resource_type":      string(d.ResourceType),
		"resource_number":    strconv.Itoa(d.ResourceNumber),
		"parent_issue":       strconv.Itoa(d.ParentIssue),
		"comment_id":         "",
		"concurrency_group":  d.ConcurrencyGroup,
		"cancel_in_progress": strconv.FormatBool(d.CancelInProgress),
		"skip":               strconv.FormatBool(d.Skip),
		"skip_reason":        d.SkipReason,
	}
	if d.CommentID != 0 {
		out["comment_id"] = strconv.FormatInt(d.CommentID, 10)
	}
	for k, v := range d.Context {
		out[k] = v
	}
	return out
}
