package machine

// State names one node of the dispatch state chart. Every detection pass
// ends in exactly one of these.
type State string

const (
	// Terminal no-op states.
	StateDone           State = "done"
	StateAlreadyBlocked State = "alreadyBlocked"
	StateError          State = "error"
	StateSubIssueIdle   State = "subIssueIdle"
	StateReviewing      State = "reviewing"

	// Lifecycle states.
	StateResetting             State = "resetting"
	StatePivoting              State = "pivoting"
	StateTriaging              State = "triaging"
	StateGrooming              State = "grooming"
	StateOrchestrationRunning  State = "orchestrationRunning"
	StateOrchestrationComplete State = "orchestrationComplete"
	StateIterating             State = "iterating"
	StateIteratingFix          State = "iteratingFix"
	StateInvalidIteration      State = "invalidIteration"

	// Review and merge processing.
	StateProcessingReview      State = "processingReview"
	StateProcessingMerge       State = "processingMerge"
	StateTransitioningToReview State = "transitioningToReview"
	StateAwaitingMerge         State = "awaitingMerge"
	StateBlocked               State = "blocked"

	// PR review family.
	StatePRReviewing      State = "prReviewing"
	StatePRReviewAssigned State = "prReviewAssigned"
	StatePRReviewSkipped  State = "prReviewSkipped"
	StatePRPush           State = "prPush"

	// Conversation.
	StateCommenting State = "commenting"
	StateDiscussing State = "discussing"

	// Logging-only states.
	StateMergeQueueLogging           State = "mergeQueueLogging"
	StateMergeQueueFailureLogging    State = "mergeQueueFailureLogging"
	StateDeployedStageLogging        State = "deployedStageLogging"
	StateDeployedProdLogging         State = "deployedProdLogging"
	StateDeployedStageFailureLogging State = "deployedStageFailureLogging"
	StateDeployedProdFailureLogging  State = "deployedProdFailureLogging"
)

// transientStates expect another dispatch to follow naturally: the state
// they leave behind triggers a new event once upstream effects land.
var transientStates = map[State]bool{
	StateTriaging:             true,
	StateGrooming:             true,
	StateResetting:            true,
	StatePivoting:             true,
	StateOrchestrationRunning: true,
	StatePRReviewAssigned:     true,
	StateProcessingMerge:      true,
}

// IsTransient reports whether the state expects a follow-up dispatch.
func IsTransient(s State) bool { return transientStates[s] }
