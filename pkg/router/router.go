package router

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kevin-mind/nopo-steward/pkg/issues"
)

// Config is the static routing configuration.
type Config struct {
	BotUsername      string
	ReviewerUsername string
	BaseBranch       string
	// BotActors are senders whose "edited" events are dropped to prevent
	// self-trigger loops.
	BotActors []string
}

// DefaultBotActors covers the automation's own identities plus the generic
// app accounts that rewrite issue bodies.
var DefaultBotActors = []string{"nopo-bot", "nopo-reviewer", "claude[bot]", "github-actions[bot]"}

// Router classifies events. It holds configuration only; Route is pure.
type Router struct {
	cfg Config
}

// New creates a router. Zero-value fields fall back to the production
// identities.
func New(cfg Config) *Router {
	if cfg.BotUsername == "" {
		cfg.BotUsername = "nopo-bot"
	}
	if cfg.ReviewerUsername == "" {
		cfg.ReviewerUsername = "nopo-reviewer"
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.BotActors == nil {
		cfg.BotActors = DefaultBotActors
	}
	return &Router{cfg: cfg}
}

var (
	phaseTitlePattern  = regexp.MustCompile(`^\[Phase \d+\]`)
	mergeGroupPattern  = regexp.MustCompile(`pr-(\d+)`)
	closingRefPattern  = regexp.MustCompile(`(?i)(?:fixes|closes|resolves)\s+#(\d+)`)
	issueBranchPattern = regexp.MustCompile(`^claude/issue/(\d+)(?:/phase-(\d+))?$`)
	pivotPattern       = regexp.MustCompile(`(?s)^/pivot\s+(.+)$`)
)

// Route produces exactly one decision for the event.
func (r *Router) Route(ev *Event) Decision {
	if reason, skipped := r.universalSkip(ev); skipped {
		return skip(reason)
	}

	var d Decision
	switch ev.Name {
	case "issues":
		d = r.routeIssue(ev)
	case "issue_comment":
		d = r.routeIssueComment(ev)
	case "pull_request":
		d = r.routePullRequest(ev)
	case "pull_request_review":
		d = r.routeReview(ev)
	case "workflow_run":
		d = r.routeWorkflowRun(ev)
	case "merge_group":
		d = r.routeMergeGroup(ev)
	case "discussion":
		d = r.routeDiscussion(ev)
	case "discussion_comment":
		d = r.routeDiscussionComment(ev)
	case "workflow_dispatch":
		d = r.routeDispatch(ev)
	default:
		return skip(fmt.Sprintf("Unhandled event %q", ev.Name))
	}
	if d.Skip {
		return d
	}

	d.Trigger = resolveTrigger(d.Job, ev.TriggerType)
	d.ConcurrencyGroup, d.CancelInProgress = concurrency(d)
	return d
}

// universalSkip applies the global refusal rules, first match wins.
func (r *Router) universalSkip(ev *Event) (string, bool) {
	title, labels := resourceTitleLabels(ev)

	hasTestLabel := false
	for _, l := range labels {
		switch l.Name {
		case issues.LabelTestAutomation:
			hasTestLabel = true
		case issues.LabelSkipDispatch:
			return fmt.Sprintf("Resource carries %s label", issues.LabelSkipDispatch), true
		}
	}
	// [TEST] titles run only in testing mode, i.e. with the automation label
	// attached; the label alone marks fixtures owned by the test harness.
	if hasTestLabel {
		if strings.HasPrefix(title, "[TEST]") {
			return "", false
		}
		return fmt.Sprintf("Resource carries %s label", issues.LabelTestAutomation), true
	}
	if strings.HasPrefix(title, "[TEST]") {
		return "Resource title marks a test fixture", true
	}

	if branch := eventBranch(ev); strings.HasPrefix(branch, "test/") {
		return fmt.Sprintf("Branch %q is a test branch", branch), true
	}

	if ev.Action == "edited" && r.isBotActor(ev.Sender) {
		return fmt.Sprintf("Edit made by bot/automated account (%s)", ev.Sender.Login), true
	}
	return "", false
}

func (r *Router) isBotActor(u User) bool {
	if u.IsBot() {
		return true
	}
	for _, actor := range r.cfg.BotActors {
		if u.Login == actor {
			return true
		}
	}
	return false
}

func resourceTitleLabels(ev *Event) (string, []Label) {
	switch {
	case ev.Issue != nil:
		return ev.Issue.Title, ev.Issue.Labels
	case ev.PullRequest != nil:
		labels := ev.PullRequest.Labels
		if ev.PullRequest.LinkedIssue != nil {
			labels = append(append([]Label(nil), labels...), ev.PullRequest.LinkedIssue.Labels...)
		}
		return ev.PullRequest.Title, labels
	case ev.Discussion != nil:
		return ev.Discussion.Title, nil
	}
	return "", nil
}

func eventBranch(ev *Event) string {
	switch {
	case ev.WorkflowRun != nil:
		return ev.WorkflowRun.HeadBranch
	case ev.Ref != "":
		return strings.TrimPrefix(ev.Ref, "refs/heads/")
	case ev.PullRequest != nil && ev.Name == "pull_request" && ev.Action == "synchronize":
		return ev.PullRequest.HeadRef
	}
	return ""
}

// routeIssue handles the "issues" event family.
func (r *Router) routeIssue(ev *Event) Decision {
	issue := ev.Issue
	if issue == nil {
		return skip("Issue event without issue payload")
	}
	isSub := issue.Parent != nil || phaseTitlePattern.MatchString(issue.Title)

	switch ev.Action {
	case "opened":
		if isSub {
			return skip("Sub-issues are not triaged")
		}
		return r.issueDecision(JobIssueTriage, issue)

	case "unlabeled":
		if ev.Label != nil && ev.Label.Name == issues.LabelTriaged && !isSub {
			return r.issueDecision(JobIssueTriage, issue)
		}
		return skip(fmt.Sprintf("Unlabeled %q needs no dispatch", labelName(ev.Label)))

	case "edited":
		return r.routeIssueEdited(ev, issue, isSub)

	case "closed":
		if isSub && issue.Parent != nil {
			if ev.TriggerType == "" {
				ev.TriggerType = string(TriggerSubIssueClosed)
			}
			d := r.issueDecision(JobIssueOrchestrate, issue.Parent)
			d.ParentIssue = issue.Parent.Number
			return d.withContext("closed_sub_issue", strconv.Itoa(issue.Number))
		}
		return skip("Closed issue needs no dispatch")

	case "assigned":
		if ev.Assignee == nil || ev.Assignee.Login != r.cfg.BotUsername {
			return skip(fmt.Sprintf("Assignment of %q is not for the bot", loginOf(ev.Assignee)))
		}
		return r.routeAssignment(issue, isSub)
	}
	return skip(fmt.Sprintf("Issue action %q needs no dispatch", ev.Action))
}

func (r *Router) routeIssueEdited(ev *Event, issue *IssuePayload, isSub bool) Decision {
	switch issue.ProjectStatus {
	case string(issues.StatusDone), string(issues.StatusBlocked), string(issues.StatusError):
		return skip(fmt.Sprintf("Issue is %s", issue.ProjectStatus))
	}

	if issue.IsAssigned(r.cfg.BotUsername) {
		if isSub {
			d := r.issueDecision(JobIssueIterate, issue)
			if issue.Parent != nil {
				d.ParentIssue = issue.Parent.Number
			}
			return d
		}
		if hasSubIssues(issue) {
			return r.issueDecision(JobIssueOrchestrate, issue)
		}
		return r.issueDecision(JobIssueIterate, issue)
	}

	if !isSub && !issue.HasLabel(issues.LabelTriaged) {
		return r.issueDecision(JobIssueTriage, issue)
	}
	if !isSub && issue.HasLabel(issues.LabelTriaged) &&
		!issue.HasLabel(issues.LabelGroomed) && !issue.HasLabel(issues.LabelNeedsInfo) {
		return r.issueDecision(JobIssueGroom, issue)
	}
	return skip("Edit requires no lifecycle step")
}

// routeAssignment handles bot assignment, synthetic or real: gate on triage
// state, compute the work branch and pick iterate vs orchestrate.
func (r *Router) routeAssignment(issue *IssuePayload, isSub bool) Decision {
	if !isSub && !issue.HasLabel(issues.LabelTriaged) && !hasSubIssues(issue) {
		return skip("Issue is not triaged and has no sub-issues")
	}

	var d Decision
	if isSub {
		parent := 0
		if issue.Parent != nil {
			parent = issue.Parent.Number
		}
		d = r.issueDecision(JobIssueIterate, issue)
		d.ParentIssue = parent
		d.EnsureBranch = subIssueBranch(parent, issue)
	} else if hasSubIssues(issue) {
		d = r.issueDecision(JobIssueOrchestrate, issue)
	} else {
		d = r.issueDecision(JobIssueIterate, issue)
		d.EnsureBranch = "claude/issue/" + strconv.Itoa(issue.Number)
	}
	return d
}

func subIssueBranch(parent int, issue *IssuePayload) string {
	k := issues.ParsePhase(issue.Title)
	if k == 0 {
		k = issue.Number
	}
	return fmt.Sprintf("claude/issue/%d/phase-%d", parent, k)
}

// routeIssueComment handles slash commands and mentions on issues and PRs.
func (r *Router) routeIssueComment(ev *Event) Decision {
	if ev.Action != "created" || ev.Comment == nil {
		return skip("Comment event needs no dispatch")
	}
	if r.isBotActor(ev.Comment.User) {
		return skip(fmt.Sprintf("Comment by bot/automated account (%s)", ev.Comment.User.Login))
	}
	body := strings.TrimSpace(ev.Comment.Body)
	issue := ev.Issue
	onPR := ev.PullRequest != nil

	switch {
	case body == "/reset" && !onPR && issue != nil:
		d := r.issueDecision(JobIssueReset, issue)
		d.CommentID = ev.Comment.ID
		d.Reaction = "eyes"
		return d

	case strings.HasPrefix(body, "/pivot") && issue != nil:
		m := pivotPattern.FindStringSubmatch(body)
		if m == nil {
			return skip("Pivot command without a description")
		}
		target := issue
		if issue.Parent != nil {
			target = issue.Parent
		}
		d := r.issueDecision(JobIssuePivot, target)
		d.CommentID = ev.Comment.ID
		d.Reaction = "eyes"
		return d.withContext("pivot_description", strings.TrimSpace(m[1]))

	case body == "/implement" || body == "/continue" || body == "/lfg":
		if onPR {
			return r.routePRCommand(ev)
		}
		if issue == nil {
			return skip("Command without a target resource")
		}
		if !issue.HasLabel(issues.LabelGroomed) && !issue.HasLabel(issues.LabelTriaged) {
			d := r.issueDecision(JobIssueTriage, issue)
			d.CommentID = ev.Comment.ID
			d.Reaction = "rocket"
			return d
		}
		if !issue.HasLabel(issues.LabelGroomed) {
			d := r.issueDecision(JobIssueGroom, issue)
			d.CommentID = ev.Comment.ID
			d.Reaction = "rocket"
			return d
		}
		isSub := issue.Parent != nil || phaseTitlePattern.MatchString(issue.Title)
		d := r.routeAssignment(issue, isSub)
		if !d.Skip {
			d.CommentID = ev.Comment.ID
			d.Reaction = "rocket"
		}
		return d

	case strings.Contains(body, "@claude") && issue != nil:
		d := r.issueDecision(JobIssueComment, issue)
		d.CommentID = ev.Comment.ID
		return d.withContext("comment_body", body)
	}
	return skip("Comment carries no command or mention")
}

// routePRCommand maps /implement-family commands on a PR onto the review
// response job for whichever party last requested changes.
func (r *Router) routePRCommand(ev *Event) Decision {
	pr := ev.PullRequest
	if pr.Draft {
		return skip("PR is a draft")
	}
	review := latestChangesRequested(pr.Reviews)
	if review == nil {
		if latestApproval(pr.Reviews) != nil {
			return skip("PR is already approved")
		}
		return skip("No changes-requested review to respond to")
	}
	job := JobPRHumanResponse
	if r.isReviewerIdentity(review.User.Login) {
		job = JobPRResponse
	}
	d := r.prDecision(job, pr)
	d.CommentID = ev.Comment.ID
	d.Reaction = "rocket"
	return d
}

func (r *Router) isReviewerIdentity(login string) bool {
	return login == r.cfg.BotUsername || login == r.cfg.ReviewerUsername || login == "claude[bot]"
}

// latestChangesRequested returns the newest non-dismissed changes_requested
// review, relying on submission order within the payload.
func latestChangesRequested(reviews []ReviewPayload) *ReviewPayload {
	for i := len(reviews) - 1; i >= 0; i-- {
		switch reviews[i].State {
		case "changes_requested":
			return &reviews[i]
		case "dismissed":
			continue
		}
	}
	return nil
}

func latestApproval(reviews []ReviewPayload) *ReviewPayload {
	for i := len(reviews) - 1; i >= 0; i-- {
		if reviews[i].State == "approved" {
			return &reviews[i]
		}
	}
	return nil
}

// routePullRequest handles PR synchronize (push) and review-request events.
func (r *Router) routePullRequest(ev *Event) Decision {
	pr := ev.PullRequest
	if pr == nil {
		return skip("PR event without pull_request payload")
	}
	switch ev.Action {
	case "synchronize":
		if pr.LinkedIssue == nil {
			return skip("Push on a PR with no linked issue")
		}
		if pr.HeadRef == r.cfg.BaseBranch || strings.HasPrefix(pr.HeadRef, "gh-readonly-queue/") {
			return skip(fmt.Sprintf("Push on protected branch %q", pr.HeadRef))
		}
		d := r.prDecision(JobPRPush, pr)
		d.ParentIssue = pr.LinkedIssue.Number
		// The pushed head commit seeds the history row; the run URL is known
		// only when the ingress attached the triggering workflow run.
		d = d.withContext("ci_commit_sha", pr.HeadSHA)
		runURL := ""
		if ev.WorkflowRun != nil {
			runURL = ev.WorkflowRun.HTMLURL
		}
		return d.withContext("ci_run_url", runURL)

	case "review_requested":
		if pr.Draft {
			return skip("Review requested on a draft PR")
		}
		if pr.RequestedReviewer == nil ||
			(pr.RequestedReviewer.Login != r.cfg.BotUsername && pr.RequestedReviewer.Login != r.cfg.ReviewerUsername) {
			return skip(fmt.Sprintf("Review requested from %q, not the automation", loginOf(pr.RequestedReviewer)))
		}
		return r.prDecision(JobPRReviewRequested, pr)

	case "closed":
		if pr.Merged && pr.LinkedIssue != nil {
			if ev.TriggerType == "" {
				ev.TriggerType = string(TriggerPRMerged)
			}
			d := r.issueDecision(JobIssueIterate, pr.LinkedIssue)
			return d.withContext("merged_pr", strconv.Itoa(pr.Number))
		}
		return skip("PR closed without merge")
	}
	return skip(fmt.Sprintf("PR action %q needs no dispatch", ev.Action))
}

// routeReview handles submitted PR reviews.
func (r *Router) routeReview(ev *Event) Decision {
	if ev.Action != "submitted" || ev.Review == nil || ev.PullRequest == nil {
		return skip("Review event needs no dispatch")
	}
	pr := ev.PullRequest
	review := ev.Review

	switch review.State {
	case "approved":
		if review.User.Login == r.cfg.ReviewerUsername {
			return r.prDecision(JobPRReviewApproved, pr).withContext("review_state", review.State)
		}
		return skip(fmt.Sprintf("Approval by %q is not the automation reviewer", review.User.Login))
	case "changes_requested", "commented":
		if r.isReviewerIdentity(review.User.Login) {
			return r.prDecision(JobPRResponse, pr).withContext("review_state", review.State)
		}
		if pr.User != nil && pr.User.Login == r.cfg.BotUsername {
			return r.prDecision(JobPRHumanResponse, pr).withContext("review_state", review.State)
		}
		return skip("Human review on a human-authored PR")
	}
	return skip(fmt.Sprintf("Review state %q needs no dispatch", review.State))
}

// routeWorkflowRun handles CI completion on automation branches.
func (r *Router) routeWorkflowRun(ev *Event) Decision {
	run := ev.WorkflowRun
	if ev.Action != "completed" || run == nil {
		return skip("Workflow event needs no dispatch")
	}
	m := issueBranchPattern.FindStringSubmatch(run.HeadBranch)
	if m == nil {
		return skip(fmt.Sprintf("Branch %q is not an automation branch", run.HeadBranch))
	}
	number, _ := strconv.Atoi(m[1])

	resource := number
	parent := 0
	if m[2] != "" {
		// Phase branch: the run belongs to the current sub-issue; the context
		// loader resolves the sub-issue from the parent's phase order.
		parent = number
	}
	d := Decision{
		Job:            JobIssueIterate,
		ResourceType:   ResourceIssue,
		ResourceNumber: resource,
		ParentIssue:    parent,
	}
	if ev.TriggerType == "" {
		ev.TriggerType = string(TriggerWorkflowRunCompleted)
	}
	return d.
		withContext("ci_result", normalizeConclusion(run.Conclusion)).
		withContext("ci_run_url", run.HTMLURL).
		withContext("ci_run_id", strconv.FormatInt(run.ID, 10)).
		withContext("ci_commit_sha", run.HeadSHA)
}

func normalizeConclusion(conclusion string) string {
	switch conclusion {
	case "success", "failure", "cancelled", "skipped":
		return conclusion
	case "timed_out", "startup_failure":
		return "failure"
	}
	return conclusion
}

// routeMergeGroup resolves the queued PR and its issue for logging.
func (r *Router) routeMergeGroup(ev *Event) Decision {
	mg := ev.MergeGroup
	if mg == nil {
		return skip("Merge group event without payload")
	}
	m := mergeGroupPattern.FindStringSubmatch(mg.HeadRef)
	if m == nil {
		return skip(fmt.Sprintf("No PR number in merge group ref %q", mg.HeadRef))
	}
	prNumber, _ := strconv.Atoi(m[1])

	d := Decision{
		Job:            JobMergeQueueLogging,
		ResourceType:   ResourcePR,
		ResourceNumber: prNumber,
	}
	if issueNumber := linkedIssueNumber(ev.PullRequest); issueNumber != 0 {
		d = d.withContext("linked_issue", strconv.Itoa(issueNumber))
	}
	return d.withContext("merge_sha", mg.HeadSHA)
}

// linkedIssueNumber resolves the issue a PR closes: the body's closing
// reference first, then the automation branch pattern.
func linkedIssueNumber(pr *PRPayload) int {
	if pr == nil {
		return 0
	}
	if m := closingRefPattern.FindStringSubmatch(pr.Body); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	if m := issueBranchPattern.FindStringSubmatch(pr.HeadRef); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

func (r *Router) routeDiscussion(ev *Event) Decision {
	if ev.Action != "created" || ev.Discussion == nil {
		return skip("Discussion event needs no dispatch")
	}
	return Decision{
		Job:            JobDiscussResearch,
		ResourceType:   ResourceDiscussion,
		ResourceNumber: ev.Discussion.Number,
	}
}

func (r *Router) routeDiscussionComment(ev *Event) Decision {
	if ev.Action != "created" || ev.Comment == nil || ev.Discussion == nil {
		return skip("Discussion comment event needs no dispatch")
	}
	if r.isBotActor(ev.Comment.User) {
		return skip(fmt.Sprintf("Comment by bot/automated account (%s)", ev.Comment.User.Login))
	}

	var job Job
	switch strings.Fields(strings.TrimSpace(ev.Comment.Body) + " ")[0] {
	case "/summarize":
		job = JobDiscussSummarize
	case "/plan":
		job = JobDiscussPlan
	case "/complete", "/lfg":
		job = JobDiscussComplete
	case "/research":
		job = JobDiscussResearch
	default:
		return skip("Discussion comment carries no command")
	}
	return Decision{
		Job:            job,
		ResourceType:   ResourceDiscussion,
		ResourceNumber: ev.Discussion.Number,
		CommentID:      ev.Comment.ID,
		Reaction:       "eyes",
	}.withContext("comment_body", ev.Comment.Body)
}

// routeDispatch treats a manual dispatch as a synthetic assignment.
func (r *Router) routeDispatch(ev *Event) Decision {
	if ev.ResourceNumber == 0 {
		return skip("Dispatch without a resource number")
	}
	if ev.Issue != nil {
		isSub := ev.Issue.Parent != nil || phaseTitlePattern.MatchString(ev.Issue.Title)
		return r.routeAssignment(ev.Issue, isSub)
	}
	return Decision{
		Job:            JobIssueIterate,
		ResourceType:   ResourceIssue,
		ResourceNumber: ev.ResourceNumber,
	}
}

func (r *Router) issueDecision(job Job, issue *IssuePayload) Decision {
	return Decision{
		Job:            job,
		ResourceType:   ResourceIssue,
		ResourceNumber: issue.Number,
	}
}

func (r *Router) prDecision(job Job, pr *PRPayload) Decision {
	d := Decision{
		Job:            job,
		ResourceType:   ResourcePR,
		ResourceNumber: pr.Number,
	}
	if pr.HeadRef != "" {
		d = d.withContext("head_ref", pr.HeadRef)
	}
	if n := linkedIssueNumber(pr); n != 0 {
		d = d.withContext("linked_issue", strconv.Itoa(n))
	} else if pr.LinkedIssue != nil {
		d = d.withContext("linked_issue", strconv.Itoa(pr.LinkedIssue.Number))
	}
	return d
}

func hasSubIssues(issue *IssuePayload) bool {
	if issue.SubIssuesSummary != nil && issue.SubIssuesSummary.Total > 0 {
		return true
	}
	return strings.Contains(issue.Body, "<!-- CLAUDE_MAIN_STATE") &&
		strings.Contains(issue.Body, "sub_issues:")
}

func resolveTrigger(job Job, override string) Trigger {
	if override != "" {
		return Trigger(override)
	}
	if t, ok := jobTriggers[job]; ok {
		return t
	}
	return ""
}

// concurrency computes the serialization key: PR review work serializes per
// PR, discussions per discussion, everything else per issue (parent when the
// target is a phase). Only pr-push cancels in-flight work.
func concurrency(d Decision) (string, bool) {
	switch d.Job {
	case JobPRPush, JobPRReviewRequested, JobPRReviewApproved, JobPRResponse, JobPRHumanResponse:
		return fmt.Sprintf("claude-job-review-%d", d.ResourceNumber), d.Job == JobPRPush
	case JobDiscussResearch, JobDiscussSummarize, JobDiscussPlan, JobDiscussComplete:
		return fmt.Sprintf("claude-job-discussion-%d", d.ResourceNumber), false
	}
	n := d.ResourceNumber
	if d.ParentIssue != 0 {
		n = d.ParentIssue
	}
	return fmt.Sprintf("claude-job-issue-%d", n), false
}

func labelName(l *Label) string {
	if l == nil {
		return ""
	}
	return l.Name
}

func loginOf(u *User) string {
	if u == nil {
		return ""
	}
	return u.Login
}
