// Package machine decides what a dispatch does. Run is a pure function: one
// synthetic detection pass over the MachineContext resolves a terminal state,
// and every terminal state maps onto a deterministic pending-action queue.
// Nothing here performs I/O.
package machine

import (
	"github.com/kevin-mind/nopo-steward/pkg/issues"
	"github.com/kevin-mind/nopo-steward/pkg/router"
)

// CI result values as normalized by the router and loader.
const (
	CISuccess = "success"
	CIFailure = "failure"
)

// Review decision values as normalized by the loader.
const (
	ReviewApproved         = "APPROVED"
	ReviewChangesRequested = "CHANGES_REQUESTED"
	ReviewCommented        = "COMMENTED"
)

// MachineContext is the full input of one detection pass. The loader builds
// it; the machine only reads it.
type MachineContext struct {
	Job     router.Job
	Trigger router.Trigger

	// Data is the issue aggregate, or nil for discussion dispatches.
	Data *issues.IssueData

	// CurrentSubIssue is the first open, not-Done sub-issue in phase order
	// when Data is a parent; nil otherwise.
	CurrentSubIssue *issues.Issue

	CIResult       string
	ReviewDecision string

	CommentID        int64
	CommentBody      string
	Reaction         string
	PivotDescription string

	CIRunID     string
	CIRunURL    string
	CICommitSHA string
	MergeSHA    string

	DiscussionNumber int

	BotUsername      string
	ReviewerUsername string
	BaseBranch       string
	MaxRetries       int

	// MockOutputs short-circuits agent invocations in tests.
	MockOutputs map[string]string
}

func (c *MachineContext) issue() *issues.Issue {
	if c.Data == nil {
		return nil
	}
	return c.Data.Issue
}

// target is the issue the work applies to: the current sub-issue when the
// aggregate is a parent mid-orchestration, otherwise the issue itself.
func (c *MachineContext) target() *issues.Issue {
	if c.CurrentSubIssue != nil {
		return c.CurrentSubIssue
	}
	return c.issue()
}

func (c *MachineContext) isSubIssue() bool {
	i := c.issue()
	return i != nil && i.IsSubIssue()
}

func (c *MachineContext) botAssigned() bool {
	i := c.issue()
	return i != nil && i.IsAssigned(c.BotUsername)
}

func (c *MachineContext) hasSubIssues() bool {
	return c.Data != nil && c.Data.HasSubIssues()
}

func (c *MachineContext) triaged() bool {
	i := c.issue()
	return i != nil && i.HasLabel(issues.LabelTriaged)
}

func (c *MachineContext) groomed() bool {
	i := c.issue()
	return i != nil && i.HasLabel(issues.LabelGroomed)
}

func (c *MachineContext) isAlreadyDone() bool {
	i := c.issue()
	if i == nil {
		return false
	}
	if i.Status.Canonical() != issues.StatusDone {
		return false
	}
	return c.Data.PR == nil || c.Data.PR.State == issues.PRMerged
}

func (c *MachineContext) isBlocked() bool {
	i := c.issue()
	return i != nil && i.Status == issues.StatusBlocked
}

func (c *MachineContext) isError() bool {
	i := c.issue()
	return i != nil && i.Status == issues.StatusError
}

func (c *MachineContext) needsTriage() bool {
	return !c.isSubIssue() && !c.triaged()
}

// needsGrooming holds even under needs-info: grooming re-evaluates whether
// the questions have been answered.
func (c *MachineContext) needsGrooming() bool {
	return !c.isSubIssue() && c.triaged() && !c.groomed()
}

func (c *MachineContext) ciPassed() bool { return c.CIResult == CISuccess }
func (c *MachineContext) ciFailed() bool { return c.CIResult == CIFailure }

func (c *MachineContext) maxFailuresReached() bool {
	i := c.target()
	return i != nil && i.Failures >= c.MaxRetries
}

// todosDone checks the target's body: every non-manual todo checked.
func (c *MachineContext) todosDone() bool {
	i := c.target()
	return i != nil && i.Todos().Done()
}

func (c *MachineContext) readyForReview() bool {
	return c.ciPassed() && c.todosDone()
}

func (c *MachineContext) shouldContinueIterating() bool {
	return c.ciFailed() && !c.maxFailuresReached()
}

func (c *MachineContext) shouldBlock() bool {
	return c.ciFailed() && c.maxFailuresReached()
}

// allPhasesDone requires a groomed parent whose every sub-issue is Done or
// closed.
func (c *MachineContext) allPhasesDone() bool {
	if c.Data == nil || !c.groomed() || len(c.Data.SubIssues) == 0 {
		return false
	}
	for _, sub := range c.Data.SubIssues {
		if sub.HasLabel(issues.LabelSuperseded) {
			continue
		}
		if sub.State != issues.IssueClosed && sub.Status.Canonical() != issues.StatusDone {
			return false
		}
	}
	return true
}

func (c *MachineContext) needsParentInit() bool {
	if !c.hasSubIssues() {
		return false
	}
	s := c.issue().Status
	return s == issues.StatusNone || s == issues.StatusBacklog
}

func (c *MachineContext) subIssueCanIterate() bool {
	if !c.isSubIssue() || !c.botAssigned() {
		return false
	}
	p := c.Data.ParentIssue
	return p == nil || p.IsAssigned(c.BotUsername)
}

func (c *MachineContext) isDiscussion() bool {
	switch c.Job {
	case router.JobDiscussResearch, router.JobDiscussSummarize, router.JobDiscussPlan, router.JobDiscussComplete:
		return true
	}
	return false
}
