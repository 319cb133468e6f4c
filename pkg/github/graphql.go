package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/kevin-mind/nopo-steward/pkg/metrics"
)

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// GraphQL executes a query or mutation against the GraphQL endpoint and
// decodes the "data" object into out when non-nil.
func (c *Client) GraphQL(ctx context.Context, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshal graphql request: %w", err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.GraphQLURL, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		c.setHeaders(req)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("github: graphql: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("github: graphql: status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("github: graphql: status %d: %s", resp.StatusCode, snippet(resp.Body)))
		}

		var decoded graphQLResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return backoff.Permanent(fmt.Errorf("github: decode graphql response: %w", err))
		}
		if len(decoded.Errors) > 0 {
			msgs := make([]string, len(decoded.Errors))
			for i, e := range decoded.Errors {
				msgs[i] = e.Message
			}
			return backoff.Permanent(fmt.Errorf("github: graphql: %s", strings.Join(msgs, "; ")))
		}
		if out != nil {
			if err := json.Unmarshal(decoded.Data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("github: decode graphql data: %w", err))
			}
		}
		return nil
	}
	err = c.retry(ctx, op)
	metrics.VCSRequestsTotal.WithLabelValues("graphql", outcome(err)).Inc()
	return err
}

const markReadyMutation = `
mutation($id: ID!) {
  markPullRequestReadyForReview(input: {pullRequestId: $id}) {
    pullRequest { id }
  }
}`

const convertToDraftMutation = `
mutation($id: ID!) {
  convertPullRequestToDraft(input: {pullRequestId: $id}) {
    pullRequest { id }
  }
}`

const addReactionMutation = `
mutation($subject: ID!, $content: ReactionContent!) {
  addReaction(input: {subjectId: $subject, content: $content}) {
    reaction { id }
  }
}`

// MarkPRReady takes a draft pull request out of draft state.
func (c *Client) MarkPRReady(ctx context.Context, prNodeID string) error {
	return c.GraphQL(ctx, markReadyMutation, map[string]any{"id": prNodeID}, nil)
}

// ConvertPRToDraft puts a pull request back into draft state.
func (c *Client) ConvertPRToDraft(ctx context.Context, prNodeID string) error {
	return c.GraphQL(ctx, convertToDraftMutation, map[string]any{"id": prNodeID}, nil)
}

// AddDiscussionReaction reacts to any node-addressable subject, such as a
// discussion comment. Content uses the REST names; they are mapped onto the
// GraphQL ReactionContent enum.
func (c *Client) AddDiscussionReaction(ctx context.Context, subjectNodeID, content string) error {
	return c.GraphQL(ctx, addReactionMutation, map[string]any{
		"subject": subjectNodeID,
		"content": reactionContent(content),
	}, nil)
}

// reactionContent maps REST reaction names onto GraphQL enum values.
func reactionContent(name string) string {
	switch name {
	case "+1":
		return "THUMBS_UP"
	case "-1":
		return "THUMBS_DOWN"
	case "laugh":
		return "LAUGH"
	case "confused":
		return "CONFUSED"
	case "heart":
		return "HEART"
	case "hooray":
		return "HOORAY"
	case "rocket":
		return "ROCKET"
	default:
		return "EYES"
	}
}
