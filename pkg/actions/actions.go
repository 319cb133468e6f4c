// Package actions defines the pending-action vocabulary the state machine
// emits and the runner executes. An action is data only: a kind, a validated
// input record and an optional idempotency key. Executors live in pkg/runner.
package actions

import "fmt"

// Kind names one action type.
type Kind string

const (
	KindRunClaude             Kind = "runClaude"
	KindApplyTriageOutput     Kind = "applyTriageOutput"
	KindApplyGroomingOutput   Kind = "applyGroomingOutput"
	KindApplyIterationOutput  Kind = "applyIterationOutput"
	KindApplyReviewOutput     Kind = "applyReviewOutput"
	KindApplyPrResponseOutput Kind = "applyPrResponseOutput"
	KindApplyCommentOutput    Kind = "applyCommentOutput"
	KindReconcileSubIssues    Kind = "reconcileSubIssues"
	KindUpdateProjectStatus   Kind = "updateProjectStatus"
	KindIncrementIteration    Kind = "incrementIteration"
	KindClearFailures         Kind = "clearFailures"
	KindRecordFailure         Kind = "recordFailure"
	KindAppendHistory         Kind = "appendHistory"
	KindCreateBranch          Kind = "createBranch"
	KindCreatePR              Kind = "createPR"
	KindMarkPRReady           Kind = "markPRReady"
	KindConvertPRToDraft      Kind = "convertPRToDraft"
	KindRequestReviewer       Kind = "requestReviewer"
	KindRemoveReviewer        Kind = "removeReviewer"
	KindUnassignUser          Kind = "unassignUser"
	KindAddAssignees          Kind = "addAssignees"
	KindCloseIssue            Kind = "closeIssue"
	KindResetIssue            Kind = "resetIssue"
	KindRemoveFromProject     Kind = "removeFromProject"
	KindAddComment            Kind = "addComment"
	KindAddReaction           Kind = "addReaction"
)

// Input is a validated action payload.
type Input interface {
	Validate() error
}

// Action is one pending unit of work. IdempotencyKey, when set, lets the
// executor detect an already-applied effect (usually the workflow run ID).
type Action struct {
	Kind           Kind
	Input          Input
	IdempotencyKey string
}

// Validate checks the action against the registry and its input schema.
func (a Action) Validate() error {
	if _, ok := registry[a.Kind]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, a.Kind)
	}
	if a.Input == nil {
		return fmt.Errorf("%w: %s has no input", ErrInvalidInput, a.Kind)
	}
	if err := a.Input.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidInput, a.Kind, err)
	}
	return nil
}

// Fatal reports whether a failure of this action aborts the rest of the
// queue.
func (a Action) Fatal() bool {
	return registry[a.Kind].Fatal
}

// String renders the action for logs.
func (a Action) String() string {
	if a.Kind == KindRunClaude {
		if in, ok := a.Input.(*RunClaudeInput); ok {
			return fmt.Sprintf("%s(%s)", a.Kind, in.Kind)
		}
	}
	return string(a.Kind)
}

// spec is the registry entry for one kind.
type spec struct {
	// Fatal aborts the remaining queue on failure. Agent invocations and the
	// appliers are fatal: everything after them consumes their output.
	Fatal bool
}

var registry = map[Kind]spec{
	KindRunClaude:             {Fatal: true},
	KindApplyTriageOutput:     {Fatal: true},
	KindApplyGroomingOutput:   {Fatal: true},
	KindApplyIterationOutput:  {Fatal: true},
	KindApplyReviewOutput:     {Fatal: true},
	KindApplyPrResponseOutput: {Fatal: true},
	KindApplyCommentOutput:    {Fatal: true},
	KindReconcileSubIssues:    {Fatal: true},
	KindCreateBranch:          {Fatal: true},
	KindCreatePR:              {Fatal: true},
	KindResetIssue:            {Fatal: true},
	KindUpdateProjectStatus:   {},
	KindIncrementIteration:    {},
	KindClearFailures:         {},
	KindRecordFailure:         {},
	KindAppendHistory:         {},
	KindMarkPRReady:           {},
	KindConvertPRToDraft:      {},
	KindRequestReviewer:       {},
	KindRemoveReviewer:        {},
	KindUnassignUser:          {},
	KindAddAssignees:          {},
	KindCloseIssue:            {},
	KindRemoveFromProject:     {},
	KindAddComment:            {},
	KindAddReaction:           {},
}

// Kinds returns every registered kind, for validation surfaces.
func Kinds() []Kind {
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	return out
}
