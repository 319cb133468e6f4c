// Package e2e drives recorded webhook payloads through the whole pipeline,
// routing, context loading, state detection and action execution, against an
// in-memory GitHub fake. Each test is one lifecycle scenario.
package e2e

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kevin-mind/nopo-steward/pkg/agent"
	"github.com/kevin-mind/nopo-steward/pkg/orchestrator"
	"github.com/kevin-mind/nopo-steward/pkg/router"
)

// fxIssue describes one issue node of an aggregate fixture.
type fxIssue struct {
	number    int
	title     string
	body      string
	closed    bool
	labels    []string
	assignees []string
	status    string
	iteration int
	failures  int
	subs      []fxIssue
	prs       []map[string]any
}

// aggregate renders the fixture in the shape of the issue aggregate query
// response.
func aggregate(root fxIssue) string {
	raw, err := json.Marshal(map[string]any{
		"repository": map[string]any{"issue": issueNode(root, true)},
	})
	if err != nil {
		panic(err)
	}
	return string(raw)
}

func issueNode(f fxIssue, isRoot bool) map[string]any {
	state := "OPEN"
	if f.closed {
		state = "CLOSED"
	}

	labels := make([]map[string]any, 0, len(f.labels))
	for _, l := range f.labels {
		labels = append(labels, map[string]any{"name": l})
	}
	assignees := make([]map[string]any, 0, len(f.assignees))
	for _, a := range f.assignees {
		assignees = append(assignees, map[string]any{"login": a})
	}

	var fields []map[string]any
	if f.status != "" {
		fields = append(fields, map[string]any{
			"name": f.status, "field": map[string]any{"name": "Status"},
		})
	}
	if f.iteration != 0 {
		fields = append(fields, map[string]any{
			"number": f.iteration, "field": map[string]any{"name": "Iteration"},
		})
	}
	if f.failures != 0 {
		fields = append(fields, map[string]any{
			"number": f.failures, "field": map[string]any{"name": "Failures"},
		})
	}

	node := map[string]any{
		"id":             fmt.Sprintf("I_%d", f.number),
		"fullDatabaseId": fmt.Sprintf("90000%d", f.number),
		"number":         f.number,
		"title":          f.title,
		"body":           f.body,
		"state":          state,
		"author":         map[string]any{"login": "alice", "__typename": "User"},
		"labels":         map[string]any{"nodes": labels},
		"assignees":      map[string]any{"nodes": assignees},
		"projectItems": map[string]any{"nodes": []map[string]any{{
			"id":          fmt.Sprintf("ITEM_%d", f.number),
			"project":     map[string]any{"number": 5},
			"fieldValues": map[string]any{"nodes": fields},
		}}},
	}

	prs := f.prs
	if prs == nil {
		prs = []map[string]any{}
	}
	node["closedByPullRequestsReferences"] = map[string]any{"nodes": prs}

	if isRoot {
		subs := make([]map[string]any, 0, len(f.subs))
		for _, sub := range f.subs {
			subs = append(subs, issueNode(sub, false))
		}
		node["parent"] = nil
		node["subIssues"] = map[string]any{"nodes": subs}
		node["comments"] = map[string]any{"nodes": []map[string]any{}}
	}
	return node
}

// prNode is one linked pull request in the aggregate fixture.
func prNode(number int, headRef string, draft bool, ciStatus, reviewDecision string) map[string]any {
	node := map[string]any{
		"number":         number,
		"id":             fmt.Sprintf("PR_%d", number),
		"title":          "Implement the change",
		"state":          "OPEN",
		"isDraft":        draft,
		"headRefName":    headRef,
		"baseRefName":    "main",
		"url":            fmt.Sprintf("https://example.test/pr/%d", number),
		"reviewDecision": reviewDecision,
	}
	commits := []map[string]any{}
	if ciStatus != "" {
		commits = append(commits, map[string]any{
			"commit": map[string]any{
				"statusCheckRollup": map[string]any{"state": ciStatus},
			},
		})
	}
	node["commits"] = map[string]any{"nodes": commits}
	return node
}

// newScenario wires the full pipeline over the fake. The agent command is a
// dead path so only mocked outputs ever answer.
func newScenario(root fxIssue) (*fakeGitHub, *orchestrator.Orchestrator) {
	fake := newFakeGitHub(aggregate(root))
	orch := orchestrator.New(orchestrator.Config{
		Owner:            "org",
		Repo:             "app",
		ProjectNumber:    5,
		BotUsername:      "nopo-bot",
		ReviewerUsername: "nopo-reviewer",
		BaseBranch:       "main",
		MaxRetries:       5,
	}, fake, agent.New(agent.Config{Command: "/nonexistent"}))
	return fake, orch
}

// withMocks records canned agent outputs on the decision, the way test-mode
// dispatches carry them.
func withMocks(t *testing.T, d router.Decision, mocks map[string]string) router.Decision {
	t.Helper()
	raw, err := json.Marshal(mocks)
	require.NoError(t, err)
	if d.Context == nil {
		d.Context = map[string]string{}
	}
	d.Context["mock_outputs"] = string(raw)
	return d
}
