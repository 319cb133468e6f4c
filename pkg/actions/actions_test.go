package actions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevin-mind/nopo-steward/pkg/issues"
)

func TestActionValidate(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		wantErr bool
	}{
		{
			name: "valid agent invocation",
			action: Action{
				Kind:  KindRunClaude,
				Input: &RunClaudeInput{Kind: AgentTriage, IssueNumber: 42},
			},
		},
		{
			name: "unknown agent kind",
			action: Action{
				Kind:  KindRunClaude,
				Input: &RunClaudeInput{Kind: "daydream", IssueNumber: 42},
			},
			wantErr: true,
		},
		{
			name: "discussion kinds need no issue",
			action: Action{
				Kind:  KindRunClaude,
				Input: &RunClaudeInput{Kind: AgentDiscussPlan},
			},
		},
		{
			name: "status update",
			action: Action{
				Kind:  KindUpdateProjectStatus,
				Input: &UpdateProjectStatusInput{IssueNumber: 42, Status: issues.StatusInProgress},
			},
		},
		{
			name: "status update without status",
			action: Action{
				Kind:  KindUpdateProjectStatus,
				Input: &UpdateProjectStatusInput{IssueNumber: 42},
			},
			wantErr: true,
		},
		{
			name:    "missing input",
			action:  Action{Kind: KindCloseIssue},
			wantErr: true,
		},
		{
			name: "unknown kind",
			action: Action{
				Kind:  Kind("teleport"),
				Input: &IssueInput{IssueNumber: 1},
			},
			wantErr: true,
		},
		{
			name: "reaction outside the allowed set",
			action: Action{
				Kind:  KindAddReaction,
				Input: &AddReactionInput{CommentID: 9, Reaction: "shrug"},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFatalFlags(t *testing.T) {
	fatal := Action{Kind: KindRunClaude, Input: &RunClaudeInput{Kind: AgentIterate, IssueNumber: 1}}
	assert.True(t, fatal.Fatal())
	assert.True(t, Action{Kind: KindApplyGroomingOutput}.Fatal())
	assert.True(t, Action{Kind: KindCreatePR}.Fatal())

	assert.False(t, Action{Kind: KindAppendHistory}.Fatal())
	assert.False(t, Action{Kind: KindUpdateProjectStatus}.Fatal())
	assert.False(t, Action{Kind: KindAddReaction}.Fatal())
}

func TestActionString(t *testing.T) {
	a := Action{Kind: KindRunClaude, Input: &RunClaudeInput{Kind: AgentGrooming, IssueNumber: 1}}
	assert.Equal(t, "runClaude(grooming)", a.String())
	assert.Equal(t, "appendHistory", Action{Kind: KindAppendHistory}.String())
}

func TestKindsCoverRegistry(t *testing.T) {
	kinds := Kinds()
	require.NotEmpty(t, kinds)
	assert.Contains(t, kinds, KindRunClaude)
	assert.Contains(t, kinds, KindReconcileSubIssues)
	assert.Len(t, kinds, 26)
}
