package machine

import (
	"github.com/kevin-mind/nopo-steward/pkg/actions"
	"github.com/kevin-mind/nopo-steward/pkg/router"
)

// Run resolves the terminal state for the context and emits its pending
// actions. For a fixed context the result is identical across runs.
func Run(ctx *MachineContext) (State, []actions.Action) {
	state := detect(ctx)
	return state, queueFor(state, ctx)
}

// detect is the single DETECT transition: first-match guards over the
// context, ordered so terminal conditions win over lifecycle triggers.
func detect(ctx *MachineContext) State {
	if ctx.isDiscussion() {
		return StateDiscussing
	}
	if ctx.issue() == nil {
		return StateError
	}

	switch ctx.Trigger {
	case router.TriggerMergeQueueEntered:
		return StateMergeQueueLogging
	case router.TriggerMergeQueueFailure:
		return StateMergeQueueFailureLogging
	case router.TriggerDeployedStage:
		return StateDeployedStageLogging
	case router.TriggerDeployedProd:
		return StateDeployedProdLogging
	case router.TriggerDeployedStageFailure:
		return StateDeployedStageFailureLogging
	case router.TriggerDeployedProdFailure:
		return StateDeployedProdFailureLogging
	}

	if ctx.isAlreadyDone() && ctx.Trigger != router.TriggerSubIssueClosed {
		return StateDone
	}

	// Reset and pivot are the escape hatches: they outrank the blocked and
	// error parking states.
	if ctx.Trigger == router.TriggerIssueReset {
		return StateResetting
	}
	if ctx.Trigger == router.TriggerIssuePivot {
		return StatePivoting
	}
	if ctx.Trigger == router.TriggerIssueComment {
		return StateCommenting
	}
	if ctx.isBlocked() {
		return StateAlreadyBlocked
	}
	if ctx.isError() {
		return StateError
	}

	// A sub-issue works only while the bot holds both it and its parent;
	// unassigning the parent pauses the whole tree.
	if ctx.isSubIssue() && !ctx.subIssueCanIterate() {
		return StateSubIssueIdle
	}

	if ctx.Trigger == router.TriggerIssueTriage || ctx.needsTriage() {
		return StateTriaging
	}
	if ctx.Trigger == router.TriggerIssueGroom || ctx.needsGrooming() {
		return StateGrooming
	}

	switch ctx.Trigger {
	case router.TriggerIssueOrchestrate, router.TriggerSubIssueClosed:
		return detectOrchestration(ctx)

	case router.TriggerPRReviewRequested:
		switch {
		case ctx.ciPassed():
			return StatePRReviewing
		case ctx.ciFailed():
			return StatePRReviewSkipped
		default:
			return StatePRReviewAssigned
		}

	case router.TriggerWorkflowRunCompleted:
		return detectCI(ctx)

	case router.TriggerPRReviewSubmitted:
		return detectReview(ctx)

	case router.TriggerPRMerged:
		// Closing the issue is the hand-off: for sub-issues the close event
		// re-dispatches orchestration on the parent.
		return StateProcessingMerge

	case router.TriggerPRPush:
		return StatePRPush
	}

	// Default path: a parent orchestrates, everything else iterates.
	if ctx.hasSubIssues() {
		return detectOrchestration(ctx)
	}
	if ctx.botAssigned() && ctx.readyForReview() {
		return StateTransitioningToReview
	}
	if !ctx.isSubIssue() && ctx.botAssigned() && ctx.todosDone() {
		return StateInvalidIteration
	}
	return StateIterating
}

func detectOrchestration(ctx *MachineContext) State {
	if ctx.allPhasesDone() {
		return StateOrchestrationComplete
	}
	return StateOrchestrationRunning
}

func detectCI(ctx *MachineContext) State {
	switch {
	case ctx.shouldBlock():
		return StateBlocked
	case ctx.shouldContinueIterating():
		return StateIteratingFix
	case ctx.readyForReview():
		return StateTransitioningToReview
	default:
		return StateIterating
	}
}

func detectReview(ctx *MachineContext) State {
	// The response jobs address the feedback directly instead of starting
	// another iteration cycle.
	switch ctx.Job {
	case router.JobPRResponse, router.JobPRHumanResponse:
		return StateProcessingReview
	}
	switch ctx.ReviewDecision {
	case ReviewApproved:
		return StateAwaitingMerge
	case ReviewChangesRequested:
		return StateIterating
	default:
		return StateReviewing
	}
}
