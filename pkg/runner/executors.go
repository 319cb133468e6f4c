package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kevin-mind/nopo-steward/pkg/actions"
	"github.com/kevin-mind/nopo-steward/pkg/agent"
	"github.com/kevin-mind/nopo-steward/pkg/github"
	"github.com/kevin-mind/nopo-steward/pkg/issues"
	"github.com/kevin-mind/nopo-steward/pkg/markdown"
)

// errNoOutput means an apply* action ran without a preceding successful
// runClaude in the same queue.
var errNoOutput = errors.New("no agent output to apply")

func (r *Runner) execRunClaude(ctx context.Context, st *execState, in *actions.RunClaudeInput) (ActionStatus, error) {
	req := agent.Request{
		Kind:        in.Kind,
		IssueNumber: in.IssueNumber,
		PromptVars:  r.promptVars(st, in.PromptVars),
		MockOutputs: in.MockOutputs,
	}

	var out *agent.Output
	var err error
	if in.Kind == actions.AgentGrooming {
		out, err = r.runGroomingPersonas(ctx, req)
	} else {
		out, err = r.invoker.Invoke(ctx, req)
	}
	if err != nil {
		return StatusFailed, err
	}

	st.output = out
	if out.Grooming != nil {
		st.plan = out.Grooming
	}
	return StatusOK, nil
}

// promptVars layers the aggregate context under the queue-provided variables.
func (r *Runner) promptVars(st *execState, base map[string]string) map[string]string {
	vars := make(map[string]string, len(base)+6)
	if st.mc.Data != nil {
		tgt, _ := st.applyTarget()
		vars["issue_title"] = tgt.Title
		if tgt.Body != nil {
			vars["issue_body"] = tgt.Body.Render()
		}
		vars["branch"] = st.mc.Data.Branch
		if pr := st.mc.Data.PR; pr != nil {
			vars["pr_number"] = fmt.Sprintf("%d", pr.Number)
		}
	}
	for k, v := range base {
		vars[k] = v
	}
	return vars
}

// applyTarget is the issue agent output lands on: the active sub-issue when
// the dispatch is working a phase, otherwise the aggregate root.
func (st *execState) applyTarget() (*issues.Issue, bool) {
	if sub := st.mc.CurrentSubIssue; sub != nil {
		return sub, false
	}
	return st.mc.Data.Issue, true
}

// target resolves the issue an apply/mutation action addresses: the aggregate
// root, or one of its sub-issues by number.
func (r *Runner) target(st *execState, number int) (*issues.Issue, bool, error) {
	data, err := st.data()
	if err != nil {
		return nil, false, err
	}
	if number == 0 || number == data.Issue.Number {
		return data.Issue, true, nil
	}
	if sub := st.subIssue(number); sub != nil {
		return sub, false, nil
	}
	return nil, false, fmt.Errorf("issue #%d is not part of the aggregate", number)
}

// flushSub writes a mutated sub-issue body upstream immediately. Sub-issues
// are outside the root snapshot, so Persist never covers them.
func (r *Runner) flushSub(ctx context.Context, st *execState, sub *issues.Issue) error {
	body := sub.Body.Render()
	err := r.client.UpdateIssue(ctx, st.mc.Data.Owner, st.mc.Data.Repo, sub.Number, github.IssueUpdate{Body: &body})
	if err != nil {
		return fmt.Errorf("update sub-issue #%d: %w", sub.Number, err)
	}
	return nil
}

func (r *Runner) execApplyTriage(st *execState) (ActionStatus, error) {
	data, err := st.data()
	if err != nil {
		return StatusFailed, err
	}
	if st.output == nil || st.output.Triage == nil {
		return StatusFailed, errNoOutput
	}
	out := st.output.Triage

	body := data.Issue.Body
	if out.Summary != "" {
		body.SetSectionText("Summary", out.Summary)
	}
	if len(out.Requirements) > 0 {
		body.SetBulletList("Requirements", out.Requirements)
	}
	if len(out.AffectedAreas) > 0 {
		body.SetBulletList("Affected Areas", out.AffectedAreas)
	}
	if len(out.Questions) > 0 {
		body.SetQuestions(mergeQuestions(body.Questions(), out.Questions))
	}
	for _, label := range out.Labels {
		data.AddLabel(label)
	}

	if out.NeedsInfo {
		data.AddLabel(issues.LabelNeedsInfo)
	} else {
		data.AddLabel(issues.LabelTriaged)
		data.RemoveLabel(issues.LabelNeedsInfo)
	}
	return StatusOK, nil
}

func (r *Runner) execApplyGrooming(st *execState) (ActionStatus, error) {
	data, err := st.data()
	if err != nil {
		return StatusFailed, err
	}
	if st.plan == nil {
		return StatusFailed, errNoOutput
	}
	plan := st.plan

	body := data.Issue.Body
	if plan.Approach != "" {
		body.SetSectionText("Approach", plan.Approach)
	}
	if len(plan.Todos) > 0 {
		body.SetTodos(mergeTodos(body.TodoItems(), plan.Todos))
	}
	if len(plan.Questions) > 0 {
		body.SetQuestions(mergeQuestions(body.Questions(), plan.Questions))
	}
	if len(plan.Notes) > 0 {
		body.SetBulletList("Notes", plan.Notes)
	}

	if plan.NeedsInfo {
		data.AddLabel(issues.LabelNeedsInfo)
	} else {
		data.AddLabel(issues.LabelGroomed)
		data.RemoveLabel(issues.LabelNeedsInfo)
	}
	return StatusOK, nil
}

func (r *Runner) execApplyIteration(ctx context.Context, st *execState) (ActionStatus, error) {
	data, err := st.data()
	if err != nil {
		return StatusFailed, err
	}
	if st.output == nil || st.output.Iteration == nil {
		return StatusFailed, errNoOutput
	}
	out := st.output.Iteration

	tgt, isRoot := st.applyTarget()
	items := checkTodos(tgt.Body.TodoItems(), out.CompletedTodos)
	for _, todo := range out.NewTodos {
		items = append(items, markdown.TodoItem{Text: todo})
	}
	if len(items) > 0 {
		tgt.Body.SetTodos(items)
	}
	if out.CommitSHA != "" && st.mc.CICommitSHA == "" {
		st.mc.CICommitSHA = out.CommitSHA
	}

	if out.Blocked {
		data.SetStatus(issues.StatusBlocked)
		reason := out.BlockedReason
		if reason == "" {
			reason = "agent reported blocked"
		}
		data.AppendHistory(markdown.HistoryEntry{
			Time:   markdown.FormatHistoryTime(time.Now()),
			Action: "Blocked: " + reason,
		}, "")
	}

	if !isRoot {
		if err := r.flushSub(ctx, st, tgt); err != nil {
			return StatusFailed, err
		}
	}
	return StatusOK, nil
}

func (r *Runner) execApplyReview(ctx context.Context, st *execState) (ActionStatus, error) {
	data, err := st.data()
	if err != nil {
		return StatusFailed, err
	}
	if st.output == nil || st.output.Review == nil {
		return StatusFailed, errNoOutput
	}
	out := st.output.Review
	if data.PR == nil {
		return StatusFailed, errors.New("no linked pull request to review")
	}

	var b strings.Builder
	switch out.Decision {
	case "approve":
		b.WriteString("**Review: approved.** ")
	case "request_changes":
		b.WriteString("**Review: changes requested.** ")
	default:
		b.WriteString("**Review.** ")
	}
	b.WriteString(out.Summary)
	for _, c := range out.Comments {
		b.WriteString("\n- ")
		b.WriteString(c)
	}

	_, err = r.client.CreateComment(ctx, data.Owner, data.Repo, data.PR.Number, b.String())
	if err != nil {
		return StatusFailed, fmt.Errorf("post review comment: %w", err)
	}
	st.mc.ReviewDecision = strings.ToUpper(out.Decision)
	return StatusOK, nil
}

func (r *Runner) execApplyPrResponse(ctx context.Context, st *execState) (ActionStatus, error) {
	data, err := st.data()
	if err != nil {
		return StatusFailed, err
	}
	if st.output == nil || st.output.PrResponse == nil {
		return StatusFailed, errNoOutput
	}
	out := st.output.PrResponse

	tgt, isRoot := st.applyTarget()
	if len(out.CompletedTodos) > 0 {
		tgt.Body.SetTodos(checkTodos(tgt.Body.TodoItems(), out.CompletedTodos))
		if !isRoot {
			if err := r.flushSub(ctx, st, tgt); err != nil {
				return StatusFailed, err
			}
		}
	}

	if out.Reply != "" && data.PR != nil {
		if _, err := r.client.CreateComment(ctx, data.Owner, data.Repo, data.PR.Number, out.Reply); err != nil {
			return StatusFailed, fmt.Errorf("post review reply: %w", err)
		}
	}
	return StatusOK, nil
}

func (r *Runner) execApplyComment(ctx context.Context, st *execState) (ActionStatus, error) {
	if st.output == nil || st.output.Comment == nil {
		return StatusFailed, errNoOutput
	}
	out := st.output.Comment
	if out.Reply == "" {
		return StatusSkipped, nil
	}

	if st.mc.Data == nil && st.mc.DiscussionNumber > 0 {
		if err := r.postDiscussionReply(ctx, st.mc.DiscussionNumber, out.Reply); err != nil {
			return StatusFailed, err
		}
		return StatusOK, nil
	}

	data, err := st.data()
	if err != nil {
		return StatusFailed, err
	}
	if _, err := r.client.CreateComment(ctx, data.Owner, data.Repo, data.Issue.Number, out.Reply); err != nil {
		return StatusFailed, fmt.Errorf("post reply: %w", err)
	}
	return StatusOK, nil
}

func (r *Runner) execUpdateStatus(ctx context.Context, st *execState, in *actions.UpdateProjectStatusInput) (ActionStatus, error) {
	data, err := st.data()
	if err != nil {
		return StatusFailed, err
	}
	tgt, isRoot, err := r.target(st, in.IssueNumber)
	if err != nil {
		return StatusFailed, err
	}
	if isRoot {
		data.SetStatus(in.Status)
		return StatusOK, nil
	}

	tgt.Status = in.Status.Canonical()
	if tgt.ProjectItemID == "" {
		r.log.Warn("sub-issue has no project item, status not written", "issue", tgt.Number)
		return StatusSkipped, nil
	}
	err = r.client.SetProjectStatus(ctx, r.projectRef(), tgt.ProjectItemID, string(in.Status.Upstream()))
	if err != nil {
		return StatusFailed, fmt.Errorf("set status on #%d: %w", tgt.Number, err)
	}
	return StatusOK, nil
}

type counterOp int

const (
	counterIncrement counterOp = iota
	counterClear
	counterRecord
)

func (r *Runner) execCounter(ctx context.Context, st *execState, in *actions.CounterInput, op counterOp) (ActionStatus, error) {
	data, err := st.data()
	if err != nil {
		return StatusFailed, err
	}
	tgt, isRoot, err := r.target(st, in.IssueNumber)
	if err != nil {
		return StatusFailed, err
	}

	if isRoot {
		switch op {
		case counterIncrement:
			data.IncrementIteration()
		case counterClear:
			data.ClearFailures()
		case counterRecord:
			data.RecordFailure(in.MaxRetries)
		}
		return StatusOK, nil
	}

	field := "Failures"
	switch op {
	case counterIncrement:
		tgt.Iteration++
		field = "Iteration"
	case counterClear:
		tgt.Failures = 0
	case counterRecord:
		if tgt.Failures < in.MaxRetries {
			tgt.Failures++
		}
	}
	if tgt.ProjectItemID == "" {
		r.log.Warn("sub-issue has no project item, counter not written", "issue", tgt.Number)
		return StatusSkipped, nil
	}
	value := tgt.Failures
	if field == "Iteration" {
		value = tgt.Iteration
	}
	if err := r.client.SetProjectNumberField(ctx, r.projectRef(), tgt.ProjectItemID, field, value); err != nil {
		return StatusFailed, fmt.Errorf("set %s on #%d: %w", field, tgt.Number, err)
	}
	return StatusOK, nil
}

func (r *Runner) execAppendHistory(ctx context.Context, st *execState, a actions.Action) (ActionStatus, error) {
	in := a.Input.(*actions.AppendHistoryInput)
	tgt, isRoot, err := r.target(st, in.IssueNumber)
	if err != nil {
		return StatusFailed, err
	}

	entry := markdown.HistoryEntry{
		Time:   in.Timestamp,
		Action: in.Message,
		SHA:    in.SHA,
		RunID:  in.RunID,
		RunURL: in.RunURL,
	}
	if entry.Time == "" {
		entry.Time = markdown.FormatHistoryTime(time.Now())
	}
	if in.Phase > 0 {
		phase := in.Phase
		entry.Phase = &phase
	}

	appended := tgt.Body.AppendHistoryRow(entry, a.IdempotencyKey)
	if !appended {
		return StatusSkipped, nil
	}
	if !isRoot {
		if err := r.flushSub(ctx, st, tgt); err != nil {
			return StatusFailed, err
		}
	}
	return StatusOK, nil
}

func (r *Runner) execCreateBranch(ctx context.Context, st *execState, in *actions.CreateBranchInput) (ActionStatus, error) {
	data, err := st.data()
	if err != nil {
		return StatusFailed, err
	}

	exists, err := r.client.BranchExists(ctx, data.Owner, data.Repo, in.BranchName)
	if err != nil {
		return StatusFailed, fmt.Errorf("check branch %q: %w", in.BranchName, err)
	}
	if exists {
		if in.BranchName == data.Branch {
			data.HasBranch = true
		}
		return StatusSkipped, nil
	}

	base := in.Base
	if base == "" {
		base = r.cfg.BaseBranch
	}
	if err := r.client.CreateBranch(ctx, data.Owner, data.Repo, in.BranchName, base); err != nil {
		return StatusFailed, fmt.Errorf("create branch %q: %w", in.BranchName, err)
	}
	if in.BranchName == data.Branch {
		data.HasBranch = true
	}
	return StatusOK, nil
}

func (r *Runner) execCreatePR(ctx context.Context, st *execState, in *actions.CreatePRInput) (ActionStatus, error) {
	data, err := st.data()
	if err != nil {
		return StatusFailed, err
	}

	// Idempotent by head lookup: a dispatch retried after a partial run must
	// not open a second PR.
	existing, err := r.client.PullRequestByHead(ctx, data.Owner, data.Repo, in.Branch)
	if err != nil {
		return StatusFailed, fmt.Errorf("lookup PR by head %q: %w", in.Branch, err)
	}
	if existing != nil {
		data.PR = restPR(existing)
		return StatusSkipped, nil
	}

	created, err := r.client.CreatePullRequest(ctx, data.Owner, data.Repo, github.NewPullRequest{
		Title: in.Title,
		Body:  in.Body,
		Head:  in.Branch,
		Base:  r.cfg.BaseBranch,
		Draft: in.Draft,
	})
	if err != nil {
		return StatusFailed, fmt.Errorf("create PR for #%d: %w", in.IssueNumber, err)
	}
	data.PR = restPR(created)
	return StatusOK, nil
}

func restPR(pr *github.PullRequest) *issues.PullRequest {
	state := issues.PRState(strings.ToUpper(pr.State))
	if pr.Merged {
		state = issues.PRMerged
	}
	return &issues.PullRequest{
		Number:  pr.Number,
		NodeID:  pr.NodeID,
		Title:   pr.Title,
		State:   state,
		Draft:   pr.Draft,
		HeadRef: pr.Head.Ref,
		BaseRef: pr.Base.Ref,
		URL:     pr.HTMLURL,
	}
}

// linkedPR resolves the PR node for a PR-addressed action.
func (st *execState) linkedPR(number int) (*issues.PullRequest, error) {
	if st.mc.Data == nil || st.mc.Data.PR == nil {
		return nil, fmt.Errorf("pull request #%d is not loaded", number)
	}
	pr := st.mc.Data.PR
	if pr.Number != number {
		return nil, fmt.Errorf("pull request #%d is not the linked PR (#%d)", number, pr.Number)
	}
	if pr.NodeID == "" {
		return nil, fmt.Errorf("pull request #%d has no node id", number)
	}
	return pr, nil
}

func (r *Runner) execMarkPRReady(ctx context.Context, st *execState, in *actions.PRInput) (ActionStatus, error) {
	pr, err := st.linkedPR(in.PRNumber)
	if err != nil {
		return StatusFailed, err
	}
	if !pr.Draft {
		return StatusSkipped, nil
	}
	if err := r.client.MarkPRReady(ctx, pr.NodeID); err != nil {
		return StatusFailed, fmt.Errorf("mark PR #%d ready: %w", in.PRNumber, err)
	}
	pr.Draft = false
	return StatusOK, nil
}

func (r *Runner) execConvertPRToDraft(ctx context.Context, st *execState, in *actions.PRInput) (ActionStatus, error) {
	pr, err := st.linkedPR(in.PRNumber)
	if err != nil {
		return StatusFailed, err
	}
	if pr.Draft {
		return StatusSkipped, nil
	}
	if err := r.client.ConvertPRToDraft(ctx, pr.NodeID); err != nil {
		return StatusFailed, fmt.Errorf("convert PR #%d to draft: %w", in.PRNumber, err)
	}
	pr.Draft = true
	return StatusOK, nil
}

func (r *Runner) execRequestReviewer(ctx context.Context, in *actions.ReviewerInput) (ActionStatus, error) {
	err := r.client.RequestReviewers(ctx, r.cfg.Owner, r.cfg.Repo, in.PRNumber, []string{in.Username})
	if err != nil {
		return StatusFailed, fmt.Errorf("request reviewer on PR #%d: %w", in.PRNumber, err)
	}
	return StatusOK, nil
}

func (r *Runner) execRemoveReviewer(ctx context.Context, in *actions.ReviewerInput) (ActionStatus, error) {
	err := r.client.RemoveReviewers(ctx, r.cfg.Owner, r.cfg.Repo, in.PRNumber, []string{in.Username})
	if err != nil {
		// Removing a reviewer who never had the request pending is a no-op
		// upstream but a 422 on some deployments.
		r.log.Warn("remove reviewer failed", "pr", in.PRNumber, "error", err)
		return StatusSkipped, nil
	}
	return StatusOK, nil
}

func (r *Runner) execUnassign(ctx context.Context, st *execState, in *actions.AssigneesInput) (ActionStatus, error) {
	data, err := st.data()
	if err != nil {
		return StatusFailed, err
	}
	tgt, isRoot, err := r.target(st, in.IssueNumber)
	if err != nil {
		return StatusFailed, err
	}
	if isRoot {
		for _, u := range in.Usernames {
			data.Unassign(u)
		}
		return StatusOK, nil
	}
	if err := r.client.RemoveAssignees(ctx, data.Owner, data.Repo, tgt.Number, in.Usernames); err != nil {
		return StatusFailed, fmt.Errorf("unassign on #%d: %w", tgt.Number, err)
	}
	for _, u := range in.Usernames {
		tgt.Assignees = deleteString(tgt.Assignees, u)
	}
	return StatusOK, nil
}

func (r *Runner) execAssign(ctx context.Context, st *execState, in *actions.AssigneesInput) (ActionStatus, error) {
	data, err := st.data()
	if err != nil {
		return StatusFailed, err
	}
	tgt, isRoot, err := r.target(st, in.IssueNumber)
	if err != nil {
		return StatusFailed, err
	}
	if isRoot {
		for _, u := range in.Usernames {
			data.Assign(u)
		}
		return StatusOK, nil
	}
	if err := r.client.AddAssignees(ctx, data.Owner, data.Repo, tgt.Number, in.Usernames); err != nil {
		return StatusFailed, fmt.Errorf("assign on #%d: %w", tgt.Number, err)
	}
	for _, u := range in.Usernames {
		if !tgt.IsAssigned(u) {
			tgt.Assignees = append(tgt.Assignees, u)
		}
	}
	return StatusOK, nil
}

func (r *Runner) execCloseIssue(ctx context.Context, st *execState, in *actions.IssueInput) (ActionStatus, error) {
	data, err := st.data()
	if err != nil {
		return StatusFailed, err
	}
	tgt, _, err := r.target(st, in.IssueNumber)
	if err != nil {
		return StatusFailed, err
	}
	if tgt.State == issues.IssueClosed {
		return StatusSkipped, nil
	}
	if err := r.client.CloseIssue(ctx, data.Owner, data.Repo, tgt.Number); err != nil {
		return StatusFailed, fmt.Errorf("close #%d: %w", tgt.Number, err)
	}
	tgt.State = issues.IssueClosed
	return StatusOK, nil
}

// execResetIssue strips the automation state from the aggregate root: the
// lifecycle labels, the bot assignment and the sub-issue marker. The rest of
// the reset queue handles status, counters and board removal of sub-issues.
func (r *Runner) execResetIssue(st *execState, in *actions.IssueInput) (ActionStatus, error) {
	data, err := st.data()
	if err != nil {
		return StatusFailed, err
	}
	if in.IssueNumber != data.Issue.Number {
		return StatusFailed, fmt.Errorf("reset targets the aggregate root, got #%d", in.IssueNumber)
	}

	data.RemoveLabel(issues.LabelTriaged)
	data.RemoveLabel(issues.LabelGroomed)
	data.RemoveLabel(issues.LabelNeedsInfo)
	data.Unassign(r.cfg.BotUsername)
	if _, ok := data.Issue.Body.MainState(); ok {
		data.Issue.Body.SetMainState(markdown.MainState{})
	}
	return StatusOK, nil
}

func (r *Runner) execRemoveFromProject(ctx context.Context, st *execState, in *actions.IssueInput) (ActionStatus, error) {
	tgt, _, err := r.target(st, in.IssueNumber)
	if err != nil {
		return StatusFailed, err
	}
	if tgt.ProjectItemID == "" {
		return StatusSkipped, nil
	}
	if err := r.client.RemoveFromProject(ctx, r.projectRef(), tgt.ProjectItemID); err != nil {
		return StatusFailed, fmt.Errorf("remove #%d from project: %w", tgt.Number, err)
	}
	tgt.ProjectItemID = ""
	return StatusOK, nil
}

func (r *Runner) execAddComment(ctx context.Context, in *actions.AddCommentInput) (ActionStatus, error) {
	if _, err := r.client.CreateComment(ctx, r.cfg.Owner, r.cfg.Repo, in.IssueNumber, in.Body); err != nil {
		return StatusFailed, fmt.Errorf("comment on #%d: %w", in.IssueNumber, err)
	}
	return StatusOK, nil
}

func (r *Runner) execAddReaction(ctx context.Context, st *execState, in *actions.AddReactionInput) (ActionStatus, error) {
	if err := r.client.AddReaction(ctx, r.cfg.Owner, r.cfg.Repo, in.CommentID, in.Reaction); err != nil {
		// A reaction is an acknowledgement, not part of the workflow.
		r.log.Warn("add reaction failed", "comment", in.CommentID, "error", err)
		return StatusSkipped, nil
	}
	return StatusOK, nil
}

// checkTodos marks the named todos checked, matching on trimmed text.
func checkTodos(items []markdown.TodoItem, completed []string) []markdown.TodoItem {
	done := make(map[string]bool, len(completed))
	for _, c := range completed {
		done[strings.TrimSpace(c)] = true
	}
	out := make([]markdown.TodoItem, len(items))
	for i, it := range items {
		out[i] = it
		if done[strings.TrimSpace(it.Text)] {
			out[i].Checked = true
		}
	}
	return out
}

// mergeTodos keeps the checked state of surviving items and appends the plan's
// new ones unchecked.
func mergeTodos(existing []markdown.TodoItem, planned []string) []markdown.TodoItem {
	checked := make(map[string]bool, len(existing))
	for _, it := range existing {
		if it.Checked {
			checked[strings.TrimSpace(it.Text)] = true
		}
	}
	out := make([]markdown.TodoItem, 0, len(planned))
	for _, text := range planned {
		out = append(out, markdown.TodoItem{
			Text:    text,
			Checked: checked[strings.TrimSpace(text)],
		})
	}
	return out
}

// mergeQuestions appends new question texts, preserving answered ones.
func mergeQuestions(existing []markdown.Question, asked []string) []markdown.Question {
	have := make(map[string]bool, len(existing))
	for _, q := range existing {
		have[strings.TrimSpace(q.Text)] = true
	}
	out := append([]markdown.Question(nil), existing...)
	for _, text := range asked {
		if !have[strings.TrimSpace(text)] {
			out = append(out, markdown.Question{Text: text})
		}
	}
	return out
}

func deleteString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
