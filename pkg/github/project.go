package github

import (
	"context"
	"fmt"
)

// projectFields caches the resolved field and option IDs of one board so
// field updates cost a single mutation.
type projectFields struct {
	ProjectID     string
	StatusFieldID string
	StatusOptions map[string]string
	NumberFields  map[string]string
}

const projectFieldsQuery = `
query($owner: String!, $number: Int!) {
  %s(login: $owner) {
    projectV2(number: $number) {
      id
      fields(first: 50) {
        nodes {
          ... on ProjectV2FieldCommon { id name dataType }
          ... on ProjectV2SingleSelectField { id name options { id name } }
        }
      }
    }
  }
}`

type projectFieldsResult struct {
	ProjectV2 *struct {
		ID     string `json:"id"`
		Fields struct {
			Nodes []struct {
				ID       string `json:"id"`
				Name     string `json:"name"`
				DataType string `json:"dataType"`
				Options  []struct {
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"options"`
			} `json:"nodes"`
		} `json:"fields"`
	} `json:"projectV2"`
}

// resolveProject loads and caches the board's field IDs. The owner may be an
// organization or a user; both are tried.
func (c *Client) resolveProject(ctx context.Context, ref ProjectRef) (*projectFields, error) {
	key := fmt.Sprintf("%s/%d", ref.Owner, ref.Number)

	c.mu.Lock()
	if pf, ok := c.projects[key]; ok {
		c.mu.Unlock()
		return pf, nil
	}
	c.mu.Unlock()

	vars := map[string]any{"owner": ref.Owner, "number": ref.Number}
	var result projectFieldsResult
	var lastErr error
	for _, scope := range []string{"organization", "user"} {
		var data map[string]projectFieldsResult
		if err := c.GraphQL(ctx, fmt.Sprintf(projectFieldsQuery, scope), vars, &data); err != nil {
			lastErr = err
			continue
		}
		if scoped, ok := data[scope]; ok && scoped.ProjectV2 != nil {
			result = scoped
			break
		}
	}
	if result.ProjectV2 == nil {
		if lastErr != nil {
			return nil, fmt.Errorf("resolve project %s: %w", key, lastErr)
		}
		return nil, fmt.Errorf("resolve project %s: %w", key, ErrNotFound)
	}

	pf := &projectFields{
		ProjectID:     result.ProjectV2.ID,
		StatusOptions: make(map[string]string),
		NumberFields:  make(map[string]string),
	}
	for _, f := range result.ProjectV2.Fields.Nodes {
		switch {
		case f.Name == "Status" && len(f.Options) > 0:
			pf.StatusFieldID = f.ID
			for _, opt := range f.Options {
				pf.StatusOptions[opt.Name] = opt.ID
			}
		case f.DataType == "NUMBER":
			pf.NumberFields[f.Name] = f.ID
		}
	}

	c.mu.Lock()
	c.projects[key] = pf
	c.mu.Unlock()
	return pf, nil
}

const updateFieldMutation = `
mutation($project: ID!, $item: ID!, $field: ID!, $value: ProjectV2FieldValue!) {
  updateProjectV2ItemFieldValue(input: {projectId: $project, itemId: $item, fieldId: $field, value: $value}) {
    projectV2Item { id }
  }
}`

// SetProjectStatus sets the single-select Status field of a board item.
func (c *Client) SetProjectStatus(ctx context.Context, ref ProjectRef, itemID, status string) error {
	pf, err := c.resolveProject(ctx, ref)
	if err != nil {
		return err
	}
	optionID, ok := pf.StatusOptions[status]
	if !ok {
		return fmt.Errorf("project %s/%d has no status option %q", ref.Owner, ref.Number, status)
	}
	return c.GraphQL(ctx, updateFieldMutation, map[string]any{
		"project": pf.ProjectID,
		"item":    itemID,
		"field":   pf.StatusFieldID,
		"value":   map[string]any{"singleSelectOptionId": optionID},
	}, nil)
}

// SetProjectNumberField sets a numeric board field such as Iteration or
// Failures.
func (c *Client) SetProjectNumberField(ctx context.Context, ref ProjectRef, itemID, field string, value int) error {
	pf, err := c.resolveProject(ctx, ref)
	if err != nil {
		return err
	}
	fieldID, ok := pf.NumberFields[field]
	if !ok {
		return fmt.Errorf("project %s/%d has no number field %q", ref.Owner, ref.Number, field)
	}
	return c.GraphQL(ctx, updateFieldMutation, map[string]any{
		"project": pf.ProjectID,
		"item":    itemID,
		"field":   fieldID,
		"value":   map[string]any{"number": float64(value)},
	}, nil)
}

const addToProjectMutation = `
mutation($project: ID!, $content: ID!) {
  addProjectV2ItemById(input: {projectId: $project, contentId: $content}) {
    item { id }
  }
}`

// AddToProject adds an issue or PR (by node ID) to the board and returns the
// new item ID. Adding an item twice returns the existing item.
func (c *Client) AddToProject(ctx context.Context, ref ProjectRef, contentNodeID string) (string, error) {
	pf, err := c.resolveProject(ctx, ref)
	if err != nil {
		return "", err
	}
	var result struct {
		AddProjectV2ItemByID struct {
			Item struct {
				ID string `json:"id"`
			} `json:"item"`
		} `json:"addProjectV2ItemById"`
	}
	err = c.GraphQL(ctx, addToProjectMutation, map[string]any{
		"project": pf.ProjectID,
		"content": contentNodeID,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.AddProjectV2ItemByID.Item.ID, nil
}

const removeFromProjectMutation = `
mutation($project: ID!, $item: ID!) {
  deleteProjectV2Item(input: {projectId: $project, itemId: $item}) {
    deletedItemId
  }
}`

// RemoveFromProject deletes a board item.
func (c *Client) RemoveFromProject(ctx context.Context, ref ProjectRef, itemID string) error {
	pf, err := c.resolveProject(ctx, ref)
	if err != nil {
		return err
	}
	return c.GraphQL(ctx, removeFromProjectMutation, map[string]any{
		"project": pf.ProjectID,
		"item":    itemID,
	}, nil)
}
