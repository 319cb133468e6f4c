package machine

import (
	"fmt"

	"github.com/kevin-mind/nopo-steward/pkg/actions"
	"github.com/kevin-mind/nopo-steward/pkg/issues"
	"github.com/kevin-mind/nopo-steward/pkg/router"
)

// queueFor maps a terminal state onto its deterministic action queue.
func queueFor(state State, ctx *MachineContext) []actions.Action {
	switch state {
	case StateTriaging:
		return triagingQueue(ctx)
	case StateGrooming:
		return groomingQueue(ctx)
	case StateIterating:
		return iteratingQueue(ctx, actions.AgentIterate)
	case StateIteratingFix:
		return iteratingQueue(ctx, actions.AgentRetry)
	case StateTransitioningToReview:
		return reviewTransitionQueue(ctx)
	case StateBlocked:
		return blockedQueue(ctx)
	case StatePRPush:
		return prPushQueue(ctx)
	case StatePRReviewing:
		return prReviewingQueue(ctx)
	case StateProcessingReview:
		return prResponseQueue(ctx)
	case StatePRReviewSkipped:
		return historyOnly(ctx, "Review skipped, CI failed")
	case StateAwaitingMerge:
		return awaitingMergeQueue(ctx)
	case StateProcessingMerge:
		return closeOutQueue(ctx, "Merged")
	case StateOrchestrationRunning:
		return orchestrationQueue(ctx)
	case StateOrchestrationComplete:
		return closeOutQueue(ctx, "All phases complete")
	case StateResetting:
		return resettingQueue(ctx)
	case StatePivoting:
		return pivotingQueue(ctx)
	case StateCommenting:
		return commentingQueue(ctx)
	case StateDiscussing:
		return discussingQueue(ctx)
	case StateInvalidIteration:
		return invalidIterationQueue(ctx)
	case StateMergeQueueLogging:
		return historyOnly(ctx, "Entered merge queue")
	case StateMergeQueueFailureLogging:
		return historyOnly(ctx, "Merge queue failed")
	case StateDeployedStageLogging:
		return historyOnly(ctx, "Deployed to stage")
	case StateDeployedProdLogging:
		return historyOnly(ctx, "Deployed to production")
	case StateDeployedStageFailureLogging:
		return historyOnly(ctx, "Stage deploy failed")
	case StateDeployedProdFailureLogging:
		return historyOnly(ctx, "Production deploy failed")
	}
	return nil
}

func triagingQueue(ctx *MachineContext) []actions.Action {
	n := ctx.issue().Number
	return append(prelude(ctx),
		ctx.history(ctx.issue(), "Triage"),
		ctx.runClaude(actions.AgentTriage, n, nil),
		apply(actions.KindApplyTriageOutput, n),
		status(n, issues.StatusTriaged),
	)
}

func groomingQueue(ctx *MachineContext) []actions.Action {
	n := ctx.issue().Number
	return append(prelude(ctx),
		ctx.history(ctx.issue(), "Groom"),
		ctx.runClaude(actions.AgentGrooming, n, nil),
		apply(actions.KindApplyGroomingOutput, n),
		actions.Action{Kind: actions.KindReconcileSubIssues, Input: &actions.ReconcileSubIssuesInput{IssueNumber: n}},
	)
}

func iteratingQueue(ctx *MachineContext, kind actions.AgentKind) []actions.Action {
	tgt := ctx.target()
	q := prelude(ctx)
	if ctx.ciFailed() {
		q = append(q, actions.Action{
			Kind:           actions.KindRecordFailure,
			Input:          &actions.CounterInput{IssueNumber: tgt.Number, MaxRetries: ctx.MaxRetries, FailureKind: "ci"},
			IdempotencyKey: ctx.CIRunID,
		})
	}
	q = append(q, status(tgt.Number, issues.StatusInProgress))
	if !ctx.Data.HasBranch {
		q = append(q, actions.Action{
			Kind:  actions.KindCreateBranch,
			Input: &actions.CreateBranchInput{BranchName: issues.BranchName(tgt), Base: ctx.BaseBranch},
		})
	}
	q = append(q,
		actions.Action{Kind: actions.KindIncrementIteration, Input: &actions.CounterInput{IssueNumber: tgt.Number}},
		ctx.history(tgt, historyVerb(kind)),
		ctx.runClaude(kind, tgt.Number, iterationVars(ctx)),
		apply(actions.KindApplyIterationOutput, tgt.Number),
	)
	if ctx.Data.PR == nil {
		q = append(q, actions.Action{
			Kind: actions.KindCreatePR,
			Input: &actions.CreatePRInput{
				IssueNumber: tgt.Number,
				Branch:      issues.BranchName(tgt),
				Title:       tgt.Title,
				Body:        fmt.Sprintf("Fixes #%d", tgt.Number),
				Draft:       true,
			},
		})
	}
	return q
}

func historyVerb(kind actions.AgentKind) string {
	if kind == actions.AgentRetry {
		return "Retry"
	}
	return "Iterate"
}

func iterationVars(ctx *MachineContext) map[string]string {
	vars := map[string]string{}
	if ctx.CIResult != "" {
		vars["ci_result"] = ctx.CIResult
	}
	if ctx.CIRunURL != "" {
		vars["ci_run_url"] = ctx.CIRunURL
	}
	if len(vars) == 0 {
		return nil
	}
	return vars
}

func reviewTransitionQueue(ctx *MachineContext) []actions.Action {
	tgt := ctx.target()
	q := append(prelude(ctx),
		actions.Action{Kind: actions.KindClearFailures, Input: &actions.CounterInput{IssueNumber: tgt.Number}},
	)
	if ctx.Data.PR != nil && ctx.Data.PR.Draft {
		q = append(q, actions.Action{
			Kind:  actions.KindMarkPRReady,
			Input: &actions.PRInput{PRNumber: ctx.Data.PR.Number},
		})
	}
	q = append(q, status(tgt.Number, issues.StatusInReview))
	if ctx.Data.PR != nil {
		q = append(q,
			actions.Action{
				Kind:  actions.KindRequestReviewer,
				Input: &actions.ReviewerInput{PRNumber: ctx.Data.PR.Number, Username: ctx.ReviewerUsername},
			},
			ctx.runClaude(actions.AgentReview, tgt.Number, nil),
			apply(actions.KindApplyReviewOutput, tgt.Number),
		)
	}
	return append(q, ctx.history(tgt, "Ready for review"))
}

func blockedQueue(ctx *MachineContext) []actions.Action {
	tgt := ctx.target()
	return append(prelude(ctx),
		status(tgt.Number, issues.StatusBlocked),
		actions.Action{
			Kind:  actions.KindUnassignUser,
			Input: &actions.AssigneesInput{IssueNumber: tgt.Number, Usernames: []string{ctx.BotUsername}},
		},
		ctx.history(tgt, fmt.Sprintf("Blocked: Max failures reached (%d)", tgt.Failures)),
	)
}

func prPushQueue(ctx *MachineContext) []actions.Action {
	tgt := ctx.target()
	q := prelude(ctx)
	if ctx.Data.PR != nil {
		if !ctx.Data.PR.Draft {
			q = append(q, actions.Action{
				Kind:  actions.KindConvertPRToDraft,
				Input: &actions.PRInput{PRNumber: ctx.Data.PR.Number},
			})
		}
		q = append(q, actions.Action{
			Kind:  actions.KindRemoveReviewer,
			Input: &actions.ReviewerInput{PRNumber: ctx.Data.PR.Number, Username: ctx.ReviewerUsername},
		})
	}
	return append(q,
		status(tgt.Number, issues.StatusInProgress),
		ctx.history(tgt, "New commits pushed"),
	)
}

// prResponseQueue addresses submitted review feedback on the linked PR.
func prResponseQueue(ctx *MachineContext) []actions.Action {
	tgt := ctx.target()
	vars := map[string]string{}
	if ctx.ReviewDecision != "" {
		vars["review_state"] = ctx.ReviewDecision
	}
	if ctx.CommentBody != "" {
		vars["comment_body"] = ctx.CommentBody
	}
	if len(vars) == 0 {
		vars = nil
	}
	return append(prelude(ctx),
		ctx.runClaude(actions.AgentPrResponse, tgt.Number, vars),
		apply(actions.KindApplyPrResponseOutput, tgt.Number),
		ctx.history(tgt, "Addressed review feedback"),
	)
}

func prReviewingQueue(ctx *MachineContext) []actions.Action {
	tgt := ctx.target()
	return append(prelude(ctx),
		ctx.runClaude(actions.AgentReview, tgt.Number, nil),
		apply(actions.KindApplyReviewOutput, tgt.Number),
		ctx.history(tgt, "Review"),
	)
}

func awaitingMergeQueue(ctx *MachineContext) []actions.Action {
	tgt := ctx.target()
	return append(prelude(ctx),
		actions.Action{Kind: actions.KindClearFailures, Input: &actions.CounterInput{IssueNumber: tgt.Number}},
		ctx.history(tgt, "Review approved, awaiting merge"),
	)
}

// closeOutQueue marks the issue Done and closes it.
func closeOutQueue(ctx *MachineContext, message string) []actions.Action {
	n := ctx.issue().Number
	return append(prelude(ctx),
		status(n, issues.StatusDone),
		actions.Action{Kind: actions.KindCloseIssue, Input: &actions.IssueInput{IssueNumber: n}},
		ctx.history(ctx.issue(), message),
	)
}

// orchestrationQueue advances the parent: initialize board state when fresh,
// then hand the current phase to the bot.
func orchestrationQueue(ctx *MachineContext) []actions.Action {
	parent := ctx.issue()
	q := prelude(ctx)
	if ctx.needsParentInit() {
		q = append(q, status(parent.Number, issues.StatusInProgress))
	}
	if ctx.Trigger == router.TriggerSubIssueClosed {
		// A closed phase is the point to fold what it taught into the plan
		// before the next phase starts.
		q = append(q,
			ctx.runClaude(actions.AgentOrchestrate, parent.Number, nil),
			apply(actions.KindApplyGroomingOutput, parent.Number),
			actions.Action{Kind: actions.KindReconcileSubIssues, Input: &actions.ReconcileSubIssuesInput{IssueNumber: parent.Number}},
		)
	}
	sub := ctx.Data.CurrentSubIssue()
	if sub == nil {
		return append(q, ctx.history(parent, "Orchestration idle, no open phase"))
	}
	if !sub.IsAssigned(ctx.BotUsername) {
		q = append(q, actions.Action{
			Kind:  actions.KindAddAssignees,
			Input: &actions.AssigneesInput{IssueNumber: sub.Number, Usernames: []string{ctx.BotUsername}},
		})
	}
	return append(q, ctx.history(parent, fmt.Sprintf("Phase %d handed to agent", phaseOf(sub))))
}

func phaseOf(sub *issues.Issue) int {
	if sub.Phase > 0 {
		return sub.Phase
	}
	return sub.Number
}

func resettingQueue(ctx *MachineContext) []actions.Action {
	n := ctx.issue().Number
	q := append(prelude(ctx),
		actions.Action{Kind: actions.KindResetIssue, Input: &actions.IssueInput{IssueNumber: n}},
		status(n, issues.StatusBacklog),
		actions.Action{Kind: actions.KindClearFailures, Input: &actions.CounterInput{IssueNumber: n}},
	)
	for _, sub := range ctx.Data.SubIssues {
		q = append(q, actions.Action{
			Kind:  actions.KindRemoveFromProject,
			Input: &actions.IssueInput{IssueNumber: sub.Number},
		})
	}
	return q
}

// pivotingQueue blocks the issue while the plan is rewritten; the applied
// grooming output unblocks it through reconciliation.
func pivotingQueue(ctx *MachineContext) []actions.Action {
	n := ctx.issue().Number
	vars := map[string]string{"pivot_description": ctx.PivotDescription}
	return append(prelude(ctx),
		status(n, issues.StatusBlocked),
		ctx.history(ctx.issue(), "Pivot requested: "+ctx.PivotDescription),
		ctx.runClaude(actions.AgentPivot, n, vars),
		apply(actions.KindApplyGroomingOutput, n),
		actions.Action{Kind: actions.KindReconcileSubIssues, Input: &actions.ReconcileSubIssuesInput{IssueNumber: n}},
	)
}

func commentingQueue(ctx *MachineContext) []actions.Action {
	n := ctx.issue().Number
	return append(prelude(ctx),
		ctx.runClaude(actions.AgentComment, n, map[string]string{"comment_body": ctx.CommentBody}),
		apply(actions.KindApplyCommentOutput, n),
	)
}

func discussingQueue(ctx *MachineContext) []actions.Action {
	var kind actions.AgentKind
	switch ctx.Job {
	case "discussion-summarize":
		kind = actions.AgentDiscussSummarize
	case "discussion-plan":
		kind = actions.AgentDiscussPlan
	case "discussion-complete":
		kind = actions.AgentDiscussComplete
	default:
		kind = actions.AgentDiscussResearch
	}
	return append(prelude(ctx),
		ctx.runClaude(kind, 0, map[string]string{"comment_body": ctx.CommentBody}),
		apply(actions.KindApplyCommentOutput, 0),
	)
}

func invalidIterationQueue(ctx *MachineContext) []actions.Action {
	n := ctx.issue().Number
	return append(prelude(ctx),
		ctx.history(ctx.issue(), "Invalid iteration, nothing to do"),
		actions.Action{
			Kind: actions.KindAddComment,
			Input: &actions.AddCommentInput{
				IssueNumber: n,
				Body:        "I was asked to iterate but every todo is already checked and no sub-issues are pending. Blocking until a human clarifies what remains.",
			},
		},
		status(n, issues.StatusBlocked),
	)
}

func historyOnly(ctx *MachineContext, message string) []actions.Action {
	return append(prelude(ctx), ctx.history(ctx.target(), message))
}

// prelude acknowledges the triggering slash command, when there is one.
func prelude(ctx *MachineContext) []actions.Action {
	if ctx.CommentID == 0 || ctx.Reaction == "" {
		return nil
	}
	return []actions.Action{{
		Kind:  actions.KindAddReaction,
		Input: &actions.AddReactionInput{CommentID: ctx.CommentID, Reaction: ctx.Reaction},
	}}
}

func status(n int, s issues.Status) actions.Action {
	return actions.Action{
		Kind:  actions.KindUpdateProjectStatus,
		Input: &actions.UpdateProjectStatusInput{IssueNumber: n, Status: s},
	}
}

func apply(kind actions.Kind, n int) actions.Action {
	return actions.Action{Kind: kind, Input: &actions.ApplyOutputInput{IssueNumber: n}}
}

func (c *MachineContext) runClaude(kind actions.AgentKind, n int, vars map[string]string) actions.Action {
	return actions.Action{
		Kind: actions.KindRunClaude,
		Input: &actions.RunClaudeInput{
			Kind:        kind,
			IssueNumber: n,
			PromptVars:  vars,
			MockOutputs: c.MockOutputs,
		},
	}
}

// history builds the appendHistory action for the target issue, keyed by the
// workflow run when one triggered the dispatch.
func (c *MachineContext) history(tgt *issues.Issue, message string) actions.Action {
	phase := 0
	if tgt.IsSubIssue() {
		phase = phaseOf(tgt)
	}
	sha := c.CICommitSHA
	if sha == "" {
		sha = c.MergeSHA
	}
	return actions.Action{
		Kind: actions.KindAppendHistory,
		Input: &actions.AppendHistoryInput{
			IssueNumber: tgt.Number,
			Phase:       phase,
			Message:     message,
			SHA:         sha,
			RunID:       c.CIRunID,
			RunURL:      c.CIRunURL,
		},
		IdempotencyKey: c.CIRunID,
	}
}
