package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevin-mind/nopo-steward/pkg/actions"
)

func TestMockOutputsShortCircuit(t *testing.T) {
	inv := New(Config{Command: "/nonexistent"})

	out, err := inv.Invoke(context.Background(), Request{
		Kind:        actions.AgentTriage,
		IssueNumber: 42,
		MockOutputs: map[string]string{
			"triage": `{"summary": "dark mode toggle", "needs_info": false, "labels": ["ui"]}`,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Triage)
	assert.Equal(t, "dark mode toggle", out.Triage.Summary)
	assert.Equal(t, []string{"ui"}, out.Triage.Labels)
}

func TestMockVariantKeyWins(t *testing.T) {
	inv := New(Config{Command: "/nonexistent"})

	out, err := inv.Invoke(context.Background(), Request{
		Kind:        actions.AgentGrooming,
		Variant:     "pm",
		IssueNumber: 42,
		MockOutputs: map[string]string{
			"grooming":    `{"approach": "generic"}`,
			"grooming/pm": `{"approach": "pm perspective"}`,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Grooming)
	assert.Equal(t, "pm perspective", out.Grooming.Approach)
}

func TestSubprocessRoundTrip(t *testing.T) {
	// cat echoes the prompt; the parser must find the JSON we smuggle in
	// through a prompt variable.
	inv := New(Config{Command: "cat", Timeout: 10 * time.Second})

	out, err := inv.Invoke(context.Background(), Request{
		Kind:        actions.AgentComment,
		IssueNumber: 42,
		PromptVars: map[string]string{
			"canned": `{"reply": "hello from the agent"}`,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Comment)
	assert.Equal(t, "hello from the agent", out.Comment.Reply)
}

func TestSubprocessFailure(t *testing.T) {
	inv := New(Config{Command: "false", Timeout: 10 * time.Second})

	_, err := inv.Invoke(context.Background(), Request{
		Kind:        actions.AgentComment,
		IssueNumber: 42,
	})
	assert.ErrorIs(t, err, ErrAgentFailure)
}

func TestSubprocessTimeout(t *testing.T) {
	inv := New(Config{Command: "sleep", Args: []string{"5"}, Timeout: 100 * time.Millisecond})

	_, err := inv.Invoke(context.Background(), Request{
		Kind:        actions.AgentComment,
		IssueNumber: 42,
	})
	assert.ErrorIs(t, err, ErrAgentTimeout)
}

func TestParseOutputForgiving(t *testing.T) {
	raw := []byte("Sure! Here is the result:\n```json\n" +
		`{"summary": "done", "completed_todos": ["toggle"], "request_review": true}` +
		"\n```\nLet me know if you need anything else.")

	out, err := parseOutput(actions.AgentIterate, raw)
	require.NoError(t, err)
	require.NotNil(t, out.Iteration)
	assert.Equal(t, "done", out.Iteration.Summary)
	assert.Equal(t, []string{"toggle"}, out.Iteration.CompletedTodos)
	assert.True(t, out.Iteration.RequestReview)
}

func TestParseOutputBracesInStrings(t *testing.T) {
	raw := []byte(`{"reply": "use map[string]string{\"a\": \"b\"} here"}`)
	out, err := parseOutput(actions.AgentComment, raw)
	require.NoError(t, err)
	assert.Contains(t, out.Comment.Reply, "map[string]string")
}

func TestParseOutputNoJSON(t *testing.T) {
	_, err := parseOutput(actions.AgentComment, []byte("I could not produce a result."))
	assert.ErrorIs(t, err, ErrAgentFailure)
}

func TestRenderPromptStable(t *testing.T) {
	req := Request{
		Kind:        actions.AgentIterate,
		IssueNumber: 42,
		PromptVars:  map[string]string{"ci_result": "failure", "ci_run_url": "https://x"},
	}
	p1, err := renderPrompt(req)
	require.NoError(t, err)
	p2, err := renderPrompt(req)
	require.NoError(t, err)
	assert.Equal(t, string(p1), string(p2))
	assert.Contains(t, string(p1), "issue #42")
	assert.Contains(t, string(p1), "ci_result: failure")
}

func TestPromptsCoverEveryAgentKind(t *testing.T) {
	kinds := []actions.AgentKind{
		actions.AgentTriage, actions.AgentGrooming, actions.AgentIterate,
		actions.AgentRetry, actions.AgentReview, actions.AgentPrResponse,
		actions.AgentComment, actions.AgentPivot, actions.AgentOrchestrate,
		actions.AgentDiscussResearch, actions.AgentDiscussSummarize,
		actions.AgentDiscussPlan, actions.AgentDiscussComplete,
	}
	for _, k := range kinds {
		_, ok := agentPrompts[k]
		assert.Truef(t, ok, "missing prompt for %s", k)
	}
}
