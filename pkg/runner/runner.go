// Package runner executes the pending-action queue of one dispatch. Actions
// run strictly in order; mutations of the aggregate stay in memory until the
// orchestrator persists the diff at dispatch end. Direct API calls are
// reserved for effects outside the aggregate root: branches, PRs, reactions,
// sub-issue surgery and discussion replies.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kevin-mind/nopo-steward/pkg/actions"
	"github.com/kevin-mind/nopo-steward/pkg/agent"
	"github.com/kevin-mind/nopo-steward/pkg/github"
	"github.com/kevin-mind/nopo-steward/pkg/issues"
	"github.com/kevin-mind/nopo-steward/pkg/machine"
	"github.com/kevin-mind/nopo-steward/pkg/metrics"
)

// ErrFatalAction aborts the queue: everything after the failed action is
// marked notRun.
var ErrFatalAction = errors.New("fatal action failed")

// Config is the runner's slice of the service configuration.
type Config struct {
	Owner            string
	Repo             string
	ProjectNumber    int
	BotUsername      string
	ReviewerUsername string
	BaseBranch       string
	DryRun           bool
}

// Runner executes action queues.
type Runner struct {
	cfg     Config
	client  github.API
	repo    *issues.Repository
	invoker agent.Invoker
	log     *slog.Logger
}

// New creates a runner.
func New(cfg Config, client github.API, repo *issues.Repository, invoker agent.Invoker) *Runner {
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	return &Runner{
		cfg:     cfg,
		client:  client,
		repo:    repo,
		invoker: invoker,
		log:     slog.Default().With("component", "runner"),
	}
}

// ActionStatus is the per-action outcome.
type ActionStatus string

const (
	StatusOK      ActionStatus = "ok"
	StatusSkipped ActionStatus = "skipped"
	StatusFailed  ActionStatus = "failed"
	StatusNotRun  ActionStatus = "notRun"
)

// ActionResult is one executed (or not) action.
type ActionResult struct {
	Action actions.Action `json:"-"`
	Kind   actions.Kind   `json:"kind"`
	Status ActionStatus   `json:"status"`
	Error  string         `json:"error,omitempty"`
}

// ExecutionResult is the outcome of one queue.
type ExecutionResult struct {
	Actions []ActionResult `json:"actions"`
	Success bool           `json:"success"`
	// FatalIndex is the index of the aborting action, or -1.
	FatalIndex int `json:"fatal_index"`
}

// execState carries data between actions of one queue.
type execState struct {
	mc *machine.MachineContext

	// output is the latest agent result; the apply* executors consume it.
	output *agent.Output
	// plan is the grooming/pivot plan awaiting reconciliation.
	plan *agent.GroomingOutput
}

// Execute runs the queue. Cancellation is honored at action boundaries only.
func (r *Runner) Execute(ctx context.Context, mc *machine.MachineContext, queue []actions.Action) *ExecutionResult {
	res := &ExecutionResult{
		Actions:    make([]ActionResult, 0, len(queue)),
		Success:    true,
		FatalIndex: -1,
	}
	st := &execState{mc: mc}

	for i, a := range queue {
		if ctx.Err() != nil {
			r.markRemaining(res, queue[i:], "dispatch cancelled")
			res.Success = false
			return res
		}

		status, err := r.executeOne(ctx, st, a)
		ar := ActionResult{Action: a, Kind: a.Kind, Status: status}
		if err != nil {
			ar.Status = StatusFailed
			ar.Error = err.Error()
		}
		res.Actions = append(res.Actions, ar)
		metrics.ActionsTotal.WithLabelValues(string(a.Kind), string(ar.Status)).Inc()

		if err != nil {
			r.log.Warn("action failed", "action", a.String(), "error", err)
			res.Success = false
			if a.Fatal() {
				res.FatalIndex = i
				r.markRemaining(res, queue[i+1:], "")
				return res
			}
		}
	}
	return res
}

func (r *Runner) markRemaining(res *ExecutionResult, rest []actions.Action, reason string) {
	for _, a := range rest {
		res.Actions = append(res.Actions, ActionResult{
			Action: a,
			Kind:   a.Kind,
			Status: StatusNotRun,
			Error:  reason,
		})
	}
}

// executeOne validates and dispatches a single action.
func (r *Runner) executeOne(ctx context.Context, st *execState, a actions.Action) (ActionStatus, error) {
	if err := a.Validate(); err != nil {
		return StatusFailed, err
	}
	if r.cfg.DryRun && a.Kind != actions.KindRunClaude {
		return StatusSkipped, nil
	}

	switch a.Kind {
	case actions.KindRunClaude:
		return r.execRunClaude(ctx, st, a.Input.(*actions.RunClaudeInput))
	case actions.KindApplyTriageOutput:
		return r.execApplyTriage(st)
	case actions.KindApplyGroomingOutput:
		return r.execApplyGrooming(st)
	case actions.KindApplyIterationOutput:
		return r.execApplyIteration(ctx, st)
	case actions.KindApplyReviewOutput:
		return r.execApplyReview(ctx, st)
	case actions.KindApplyPrResponseOutput:
		return r.execApplyPrResponse(ctx, st)
	case actions.KindApplyCommentOutput:
		return r.execApplyComment(ctx, st)
	case actions.KindReconcileSubIssues:
		return r.execReconcileSubIssues(ctx, st)
	case actions.KindUpdateProjectStatus:
		return r.execUpdateStatus(ctx, st, a.Input.(*actions.UpdateProjectStatusInput))
	case actions.KindIncrementIteration:
		return r.execCounter(ctx, st, a.Input.(*actions.CounterInput), counterIncrement)
	case actions.KindClearFailures:
		return r.execCounter(ctx, st, a.Input.(*actions.CounterInput), counterClear)
	case actions.KindRecordFailure:
		return r.execCounter(ctx, st, a.Input.(*actions.CounterInput), counterRecord)
	case actions.KindAppendHistory:
		return r.execAppendHistory(ctx, st, a)
	case actions.KindCreateBranch:
		return r.execCreateBranch(ctx, st, a.Input.(*actions.CreateBranchInput))
	case actions.KindCreatePR:
		return r.execCreatePR(ctx, st, a.Input.(*actions.CreatePRInput))
	case actions.KindMarkPRReady:
		return r.execMarkPRReady(ctx, st, a.Input.(*actions.PRInput))
	case actions.KindConvertPRToDraft:
		return r.execConvertPRToDraft(ctx, st, a.Input.(*actions.PRInput))
	case actions.KindRequestReviewer:
		return r.execRequestReviewer(ctx, a.Input.(*actions.ReviewerInput))
	case actions.KindRemoveReviewer:
		return r.execRemoveReviewer(ctx, a.Input.(*actions.ReviewerInput))
	case actions.KindUnassignUser:
		return r.execUnassign(ctx, st, a.Input.(*actions.AssigneesInput))
	case actions.KindAddAssignees:
		return r.execAssign(ctx, st, a.Input.(*actions.AssigneesInput))
	case actions.KindCloseIssue:
		return r.execCloseIssue(ctx, st, a.Input.(*actions.IssueInput))
	case actions.KindResetIssue:
		return r.execResetIssue(st, a.Input.(*actions.IssueInput))
	case actions.KindRemoveFromProject:
		return r.execRemoveFromProject(ctx, st, a.Input.(*actions.IssueInput))
	case actions.KindAddComment:
		return r.execAddComment(ctx, a.Input.(*actions.AddCommentInput))
	case actions.KindAddReaction:
		return r.execAddReaction(ctx, st, a.Input.(*actions.AddReactionInput))
	}
	return StatusFailed, fmt.Errorf("no executor for kind %s", a.Kind)
}

// data returns the aggregate or an error for kinds that require one.
func (st *execState) data() (*issues.IssueData, error) {
	if st.mc.Data == nil {
		return nil, errors.New("action requires an issue aggregate")
	}
	return st.mc.Data, nil
}

// subIssue finds a sub-issue of the aggregate by number.
func (st *execState) subIssue(number int) *issues.Issue {
	if st.mc.Data == nil {
		return nil
	}
	for _, sub := range st.mc.Data.SubIssues {
		if sub.Number == number {
			return sub
		}
	}
	return nil
}

func (r *Runner) projectRef() github.ProjectRef {
	return github.ProjectRef{Owner: r.cfg.Owner, Number: r.cfg.ProjectNumber}
}
