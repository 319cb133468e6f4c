package agent

import (
	"bytes"
	"fmt"
	"sort"
	"text/template"

	"github.com/kevin-mind/nopo-steward/pkg/actions"
)

// promptData is the template input for every kind.
type promptData struct {
	IssueNumber int
	Variant     string
	Vars        map[string]string
}

const promptHeader = `You are the repository steward working on issue #{{.IssueNumber}}.
Respond with a single JSON object matching the requested schema. Any prose
outside the JSON object is ignored.

`

// agentPrompts holds one template body per kind. The header is shared.
var agentPrompts = map[actions.AgentKind]string{
	actions.AgentTriage: `Task: triage.
Read the issue and produce:
{"summary", "requirements": [], "affected_areas": [], "questions": [], "needs_info": bool, "labels": []}
Ask questions only when the issue cannot be implemented as written.
{{template "vars" .}}`,

	actions.AgentGrooming: `Task: grooming{{with .Variant}} ({{.}} perspective){{end}}.
Produce a work plan:
{"approach", "todos": [], "questions": [], "sub_issues": [{"phase", "title", "description", "affected_areas": [], "todos": []}], "needs_info": bool, "notes": []}
Split into phased sub-issues only when the work has independently mergeable stages.
{{template "vars" .}}`,

	actions.AgentIterate: `Task: implement the next unchecked todo.
Produce:
{"summary", "commit_sha", "completed_todos": [], "new_todos": [], "notes": [], "request_review": bool, "blocked": bool, "blocked_reason"}
{{template "vars" .}}`,

	actions.AgentRetry: `Task: fix the failing CI run, then continue the todos.
Produce:
{"summary", "commit_sha", "completed_todos": [], "new_todos": [], "notes": [], "request_review": bool, "blocked": bool, "blocked_reason"}
{{template "vars" .}}`,

	actions.AgentReview: `Task: review the linked pull request.
Produce:
{"decision": "approve"|"request_changes"|"comment", "summary", "comments": []}
{{template "vars" .}}`,

	actions.AgentPrResponse: `Task: address the review feedback on the linked pull request.
Produce:
{"summary", "commit_sha", "completed_todos": [], "reply", "notes": []}
{{template "vars" .}}`,

	actions.AgentComment: `Task: answer the comment that mentioned you.
Produce: {"reply", "notes": []}
{{template "vars" .}}`,

	actions.AgentPivot: `Task: pivot the work plan per the requested direction change.
Produce the grooming schema:
{"approach", "todos": [], "questions": [], "sub_issues": [{"phase", "title", "description", "affected_areas": [], "todos": []}], "needs_info": bool, "notes": []}
Preserve phases whose work already merged.
{{template "vars" .}}`,

	actions.AgentOrchestrate: `Task: assess the phase plan and report what should run next.
Produce the grooming schema with only the adjustments required.
{{template "vars" .}}`,

	actions.AgentDiscussResearch: `Task: research the discussion topic.
Produce: {"reply", "notes": []}
{{template "vars" .}}`,

	actions.AgentDiscussSummarize: `Task: summarize the discussion so far.
Produce: {"reply", "notes": []}
{{template "vars" .}}`,

	actions.AgentDiscussPlan: `Task: turn the discussion into an actionable plan.
Produce: {"reply", "notes": []}
{{template "vars" .}}`,

	actions.AgentDiscussComplete: `Task: close out the discussion: final summary and follow-up issues to file.
Produce: {"reply", "notes": []}
{{template "vars" .}}`,
}

// varsPartial renders the prompt variables in a stable order.
const varsPartial = `{{define "vars"}}{{range $k := sortedKeys .Vars}}
{{$k}}: {{index $.Vars $k}}{{end}}{{end}}`

var promptFuncs = template.FuncMap{
	"sortedKeys": func(m map[string]string) []string {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys
	},
}

func renderPrompt(req Request) ([]byte, error) {
	body, ok := agentPrompts[req.Kind]
	if !ok {
		return nil, fmt.Errorf("no prompt for kind %q", req.Kind)
	}
	tmpl, err := template.New("prompt").Funcs(promptFuncs).Parse(promptHeader + body + varsPartial)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err = tmpl.Execute(&buf, promptData{
		IssueNumber: req.IssueNumber,
		Variant:     req.Variant,
		Vars:        req.PromptVars,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
