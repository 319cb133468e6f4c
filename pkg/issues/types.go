// Package issues holds the IssueData aggregate: everything the automation
// knows about one issue, fetched in a single pass and persisted back as a
// diff against the fetched snapshot.
package issues

import (
	"regexp"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/kevin-mind/nopo-steward/pkg/markdown"
)

// Status is the canonical project-board status. The upstream board uses
// "Ready" where the machine reasons about "In progress"; Canonical and
// Upstream translate between the two.
type Status string

const (
	StatusNone       Status = ""
	StatusBacklog    Status = "Backlog"
	StatusTriaged    Status = "Triaged"
	StatusGroomed    Status = "Groomed"
	StatusInProgress Status = "In progress"
	StatusReady      Status = "Ready"
	StatusInReview   Status = "In review"
	StatusBlocked    Status = "Blocked"
	StatusDone       Status = "Done"
	StatusError      Status = "Error"
)

// Canonical maps the upstream "Ready" column onto "In progress" for machine
// consumption.
func (s Status) Canonical() Status {
	if s == StatusReady {
		return StatusInProgress
	}
	return s
}

// Upstream reverses Canonical for writes to the board.
func (s Status) Upstream() Status {
	if s == StatusInProgress {
		return StatusReady
	}
	return s
}

// IssueState is the open/closed state of an issue.
type IssueState string

const (
	IssueOpen   IssueState = "OPEN"
	IssueClosed IssueState = "CLOSED"
)

// PRState is the lifecycle state of a pull request.
type PRState string

const (
	PROpen   PRState = "OPEN"
	PRMerged PRState = "MERGED"
	PRClosed PRState = "CLOSED"
)

// Reserved labels with routing or reconciliation semantics.
const (
	LabelTriaged        = "triaged"
	LabelGroomed        = "groomed"
	LabelNeedsInfo      = "needs-info"
	LabelSuperseded     = "superseded"
	LabelSkipDispatch   = "skip-dispatch"
	LabelTestAutomation = "test:automation"
)

// phasePattern matches the "[Phase N]" title prefix of phased sub-issues.
var phasePattern = regexp.MustCompile(`^\[Phase (\d+)\]`)

// ParsePhase returns N for titles prefixed "[Phase N]", or 0.
func ParsePhase(title string) int {
	m := phasePattern.FindStringSubmatch(title)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// Issue is one issue with its parsed body and project-board fields. The same
// shape serves the aggregate root, its parent and its sub-issues.
type Issue struct {
	Number       int
	ID           int64
	NodeID       string
	Title        string
	Body         *markdown.Document
	State        IssueState
	Status       Status
	Iteration    int
	Failures     int
	Labels       []string
	Assignees    []string
	Author       string
	ParentNumber int
	Phase        int

	ProjectItemID string
	// Merged is set on sub-issues whose closing PR has been merged.
	Merged bool
}

// HasLabel reports whether the issue carries the named label.
func (i *Issue) HasLabel(name string) bool {
	return slices.Contains(i.Labels, name)
}

// IsSubIssue reports whether the issue has a parent.
func (i *Issue) IsSubIssue() bool { return i.ParentNumber != 0 }

// IsAssigned reports whether the given user is an assignee.
func (i *Issue) IsAssigned(username string) bool {
	return slices.Contains(i.Assignees, username)
}

// Todos returns the body's todo stats.
func (i *Issue) Todos() markdown.TodoStats {
	if i.Body == nil {
		return markdown.TodoStats{}
	}
	return i.Body.Todos()
}

// PullRequest is the linked pull request of an issue or sub-issue.
type PullRequest struct {
	Number         int
	NodeID         string
	Title          string
	State          PRState
	Draft          bool
	HeadRef        string
	BaseRef        string
	URL            string
	ReviewDecision string
	CIStatus       string
}

// Comment is one issue comment, newest first in IssueData.Comments.
type Comment struct {
	ID         int64
	NodeID     string
	Author     string
	AuthorType string
	Body       string
	CreatedAt  time.Time
}

// IssueData is the aggregate fetched at dispatch start and persisted at
// dispatch end. The snapshot fields record fetched values so Persist can
// write only what changed.
type IssueData struct {
	Owner  string
	Repo   string
	Number int

	Issue       *Issue
	ParentIssue *Issue
	SubIssues   []*Issue
	Comments    []Comment
	PR          *PullRequest
	Branch      string
	HasBranch   bool

	ProjectNumber int

	snapshot snapshot
}

type snapshot struct {
	body      string
	labels    []string
	assignees []string
	status    Status
	iteration int
	failures  int
}

// BranchName computes the work branch for an issue: sub-issues use
// claude/issue/<parent>/phase-<K> (K falls back to the sub-issue number when
// the title has no phase), standalone issues use claude/issue/<n>.
func BranchName(issue *Issue) string {
	if issue.IsSubIssue() {
		k := issue.Phase
		if k == 0 {
			k = issue.Number
		}
		return "claude/issue/" + strconv.Itoa(issue.ParentNumber) + "/phase-" + strconv.Itoa(k)
	}
	return "claude/issue/" + strconv.Itoa(issue.Number)
}

// SortSubIssues orders phased sub-issues first by ascending phase (ties by
// number), then phaseless ones by number.
func SortSubIssues(subs []*Issue) {
	sort.SliceStable(subs, func(a, b int) bool {
		pa, pb := subs[a].Phase, subs[b].Phase
		switch {
		case pa > 0 && pb > 0:
			if pa != pb {
				return pa < pb
			}
			return subs[a].Number < subs[b].Number
		case pa > 0:
			return true
		case pb > 0:
			return false
		default:
			return subs[a].Number < subs[b].Number
		}
	})
}
