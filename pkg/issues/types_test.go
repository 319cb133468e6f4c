package issues

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePhase(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  int
	}{
		{name: "phase prefix", title: "[Phase 3] Wire the API", want: 3},
		{name: "no prefix", title: "Wire the API", want: 0},
		{name: "prefix not at start", title: "Redo [Phase 2] work", want: 0},
		{name: "multi digit", title: "[Phase 12] Cleanup", want: 12},
		{name: "malformed", title: "[Phase x] Cleanup", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePhase(tt.title))
		})
	}
}

func TestStatusCanonicalization(t *testing.T) {
	assert.Equal(t, StatusInProgress, StatusReady.Canonical())
	assert.Equal(t, StatusBlocked, StatusBlocked.Canonical())
	assert.Equal(t, StatusReady, StatusInProgress.Upstream())
	assert.Equal(t, StatusDone, StatusDone.Upstream())
}

func TestBranchName(t *testing.T) {
	tests := []struct {
		name  string
		issue *Issue
		want  string
	}{
		{
			name:  "standalone issue",
			issue: &Issue{Number: 42},
			want:  "claude/issue/42",
		},
		{
			name:  "sub-issue with phase",
			issue: &Issue{Number: 101, ParentNumber: 100, Phase: 2},
			want:  "claude/issue/100/phase-2",
		},
		{
			name:  "sub-issue without phase falls back to number",
			issue: &Issue{Number: 101, ParentNumber: 100},
			want:  "claude/issue/100/phase-101",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BranchName(tt.issue))
		})
	}
}

func TestSortSubIssues(t *testing.T) {
	subs := []*Issue{
		{Number: 105, Title: "Cleanup"},
		{Number: 103, Title: "[Phase 2] Wire API", Phase: 2},
		{Number: 104, Title: "[Phase 1] Schema", Phase: 1},
		{Number: 101, Title: "Docs"},
		{Number: 102, Title: "[Phase 2] Split", Phase: 2},
	}

	SortSubIssues(subs)

	var numbers []int
	for _, s := range subs {
		numbers = append(numbers, s.Number)
	}
	// Phases ascending with number tiebreak, then phaseless by number.
	assert.Equal(t, []int{104, 102, 103, 101, 105}, numbers)
}

func TestCurrentSubIssue(t *testing.T) {
	data := &IssueData{
		SubIssues: []*Issue{
			{Number: 101, Phase: 1, State: IssueClosed, Status: StatusDone},
			{Number: 102, Phase: 2, State: IssueOpen, Status: StatusDone},
			{Number: 103, Phase: 3, State: IssueOpen, Status: StatusInProgress},
			{Number: 104, Phase: 4, State: IssueOpen},
		},
	}

	current := data.CurrentSubIssue()
	assert.Equal(t, 103, current.Number)
}

func TestHasSubIssuesFromMainState(t *testing.T) {
	data := &IssueData{Issue: &Issue{Body: parseBody(t, "<!-- CLAUDE_MAIN_STATE\nsub_issues: [101, 102]\n-->\n")}}
	assert.True(t, data.HasSubIssues())

	data = &IssueData{Issue: &Issue{Body: parseBody(t, "plain body\n")}}
	assert.False(t, data.HasSubIssues())
}
