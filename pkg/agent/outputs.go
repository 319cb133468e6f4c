package agent

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/kevin-mind/nopo-steward/pkg/actions"
)

// Output is the parsed result of one invocation. Exactly one schema pointer
// is set, matching the request kind.
type Output struct {
	Kind actions.AgentKind
	Raw  []byte

	Triage     *TriageOutput
	Grooming   *GroomingOutput
	Iteration  *IterationOutput
	Review     *ReviewOutput
	PrResponse *PrResponseOutput
	Comment    *CommentOutput
}

// TriageOutput is the triage schema: a structured restatement of the issue
// plus the information the grooming step needs.
type TriageOutput struct {
	Summary       string   `json:"summary"`
	Requirements  []string `json:"requirements,omitempty"`
	AffectedAreas []string `json:"affected_areas,omitempty"`
	Questions     []string `json:"questions,omitempty"`
	NeedsInfo     bool     `json:"needs_info"`
	Labels        []string `json:"labels,omitempty"`
}

// SubIssuePlan is one planned phase of a grooming output.
type SubIssuePlan struct {
	Phase         int      `json:"phase"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	AffectedAreas []string `json:"affected_areas,omitempty"`
	Todos         []string `json:"todos,omitempty"`
}

// GroomingOutput is the grooming (and pivot) schema: the work plan.
type GroomingOutput struct {
	Approach  string         `json:"approach"`
	Todos     []string       `json:"todos,omitempty"`
	Questions []string       `json:"questions,omitempty"`
	SubIssues []SubIssuePlan `json:"sub_issues,omitempty"`
	NeedsInfo bool           `json:"needs_info"`
	Notes     []string       `json:"notes,omitempty"`
}

// IterationOutput is the iterate/retry schema: what the agent did.
type IterationOutput struct {
	Summary        string   `json:"summary"`
	CommitSHA      string   `json:"commit_sha,omitempty"`
	CompletedTodos []string `json:"completed_todos,omitempty"`
	NewTodos       []string `json:"new_todos,omitempty"`
	Notes          []string `json:"notes,omitempty"`
	RequestReview  bool     `json:"request_review"`
	Blocked        bool     `json:"blocked"`
	BlockedReason  string   `json:"blocked_reason,omitempty"`
}

// ReviewOutput is the review schema.
type ReviewOutput struct {
	Decision string   `json:"decision"` // approve, request_changes, comment
	Summary  string   `json:"summary"`
	Comments []string `json:"comments,omitempty"`
}

// PrResponseOutput is the schema for responding to review feedback.
type PrResponseOutput struct {
	Summary        string   `json:"summary"`
	CommitSHA      string   `json:"commit_sha,omitempty"`
	CompletedTodos []string `json:"completed_todos,omitempty"`
	Reply          string   `json:"reply,omitempty"`
	Notes          []string `json:"notes,omitempty"`
}

// CommentOutput is the schema for conversational kinds: mentions and every
// discussion command.
type CommentOutput struct {
	Reply string   `json:"reply"`
	Notes []string `json:"notes,omitempty"`
}

// parseOutput decodes stdout into the kind's schema. The agent chatters
// around the JSON, so decoding is forgiving: the first balanced top-level
// object wins.
func parseOutput(kind actions.AgentKind, raw []byte) (*Output, error) {
	payload := extractJSON(raw)
	if payload == nil {
		return nil, fmt.Errorf("%w: no JSON object in output", ErrAgentFailure)
	}
	out := &Output{Kind: kind, Raw: payload}

	var err error
	switch kind {
	case actions.AgentTriage:
		out.Triage, err = decode[TriageOutput](payload)
	case actions.AgentGrooming, actions.AgentPivot, actions.AgentOrchestrate:
		out.Grooming, err = decode[GroomingOutput](payload)
	case actions.AgentIterate, actions.AgentRetry:
		out.Iteration, err = decode[IterationOutput](payload)
	case actions.AgentReview:
		out.Review, err = decode[ReviewOutput](payload)
	case actions.AgentPrResponse:
		out.PrResponse, err = decode[PrResponseOutput](payload)
	case actions.AgentComment, actions.AgentDiscussResearch, actions.AgentDiscussSummarize,
		actions.AgentDiscussPlan, actions.AgentDiscussComplete:
		out.Comment, err = decode[CommentOutput](payload)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrAgentFailure, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s output: %v", ErrAgentFailure, kind, err)
	}
	return out, nil
}

func decode[T any](payload []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// extractJSON returns the first balanced top-level JSON object in raw,
// respecting string literals.
func extractJSON(raw []byte) []byte {
	start := bytes.IndexByte(raw, '{')
	if start < 0 {
		return nil
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return nil
}
