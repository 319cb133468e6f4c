package issues

import (
	"slices"

	"github.com/kevin-mind/nopo-steward/pkg/markdown"
)

// Mutators change the in-memory aggregate only; nothing reaches the upstream
// API until Persist runs at dispatch end.

// AddLabel attaches a label if not already present.
func (d *IssueData) AddLabel(name string) {
	if !d.Issue.HasLabel(name) {
		d.Issue.Labels = append(d.Issue.Labels, name)
	}
}

// RemoveLabel detaches a label if present.
func (d *IssueData) RemoveLabel(name string) {
	d.Issue.Labels = slices.DeleteFunc(d.Issue.Labels, func(l string) bool { return l == name })
}

// Assign adds an assignee if not already assigned.
func (d *IssueData) Assign(username string) {
	if !d.Issue.IsAssigned(username) {
		d.Issue.Assignees = append(d.Issue.Assignees, username)
	}
}

// Unassign removes an assignee.
func (d *IssueData) Unassign(username string) {
	d.Issue.Assignees = slices.DeleteFunc(d.Issue.Assignees, func(a string) bool { return a == username })
}

// SetStatus records the canonical project status.
func (d *IssueData) SetStatus(s Status) {
	d.Issue.Status = s.Canonical()
}

// IncrementIteration bumps the board's Iteration field.
func (d *IssueData) IncrementIteration() {
	d.Issue.Iteration++
}

// ClearFailures resets the failure counter.
func (d *IssueData) ClearFailures() {
	d.Issue.Failures = 0
}

// RecordFailure bumps the failure counter, never past max. The machine blocks
// the issue when the counter reaches max, so a persisted value above it is
// unreachable.
func (d *IssueData) RecordFailure(max int) {
	if d.Issue.Failures < max {
		d.Issue.Failures++
	}
}

// AppendHistory adds a row to the body's Iteration History table. With a
// non-empty idempotencyKey a row already recorded for the same run and action
// is left alone.
func (d *IssueData) AppendHistory(e markdown.HistoryEntry, idempotencyKey string) bool {
	return d.Issue.Body.AppendHistoryRow(e, idempotencyKey)
}

// CurrentSubIssue returns the first open sub-issue not yet Done, in phase
// order, or nil.
func (d *IssueData) CurrentSubIssue() *Issue {
	for _, sub := range d.SubIssues {
		if sub.State == IssueOpen && sub.Status != StatusDone {
			return sub
		}
	}
	return nil
}

// OpenSubIssues counts sub-issues that still need work.
func (d *IssueData) OpenSubIssues() int {
	n := 0
	for _, sub := range d.SubIssues {
		if sub.State == IssueOpen {
			n++
		}
	}
	return n
}

// HasSubIssues reports whether the issue has sub-issues, either materialized
// or declared by the main-state marker.
func (d *IssueData) HasSubIssues() bool {
	if len(d.SubIssues) > 0 {
		return true
	}
	if d.Issue.Body == nil {
		return false
	}
	state, ok := d.Issue.Body.MainState()
	return ok && len(state.SubIssues) > 0
}
