package runner

import (
	"context"
	"fmt"

	"github.com/kevin-mind/nopo-steward/pkg/github"
)

const discussionIDQuery = `
query($owner: String!, $repo: String!, $number: Int!) {
  repository(owner: $owner, name: $repo) {
    discussion(number: $number) { id }
  }
}`

const addDiscussionCommentMutation = `
mutation($discussionId: ID!, $body: String!) {
  addDiscussionComment(input: {discussionId: $discussionId, body: $body}) {
    comment { id }
  }
}`

// postDiscussionReply adds a top-level comment to a discussion. Discussions
// have no REST surface, so both steps go through GraphQL.
func (r *Runner) postDiscussionReply(ctx context.Context, number int, body string) error {
	var lookup struct {
		Repository struct {
			Discussion *struct {
				ID string `json:"id"`
			} `json:"discussion"`
		} `json:"repository"`
	}
	vars := map[string]any{"owner": r.cfg.Owner, "repo": r.cfg.Repo, "number": number}
	if err := r.client.GraphQL(ctx, discussionIDQuery, vars, &lookup); err != nil {
		return fmt.Errorf("lookup discussion #%d: %w", number, err)
	}
	if lookup.Repository.Discussion == nil {
		return fmt.Errorf("lookup discussion #%d: %w", number, github.ErrNotFound)
	}

	var out struct {
		AddDiscussionComment struct {
			Comment struct {
				ID string `json:"id"`
			} `json:"comment"`
		} `json:"addDiscussionComment"`
	}
	err := r.client.GraphQL(ctx, addDiscussionCommentMutation, map[string]any{
		"discussionId": lookup.Repository.Discussion.ID,
		"body":         body,
	}, &out)
	if err != nil {
		return fmt.Errorf("reply to discussion #%d: %w", number, err)
	}
	return nil
}
