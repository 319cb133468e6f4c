package issues

import "github.com/kevin-mind/nopo-steward/pkg/markdown"

// ExistingSubIssue is the reconciliation view of one sub-issue: its phase,
// the body sections grooming compares against, and whether its work already
// merged. Superseded sub-issues are filtered out before reconciliation sees
// them; closed ones are kept so completed phases are never re-created.
type ExistingSubIssue struct {
	Number        int
	Title         string
	Phase         int
	State         IssueState
	Merged        bool
	Description   string
	AffectedAreas []string
	Todos         []markdown.TodoItem
}

// SubIssueSpecs projects the sub-issue list into reconciliation specs.
func SubIssueSpecs(subs []*Issue) []ExistingSubIssue {
	var specs []ExistingSubIssue
	for _, sub := range subs {
		if sub.HasLabel(LabelSuperseded) {
			continue
		}
		spec := ExistingSubIssue{
			Number: sub.Number,
			Title:  sub.Title,
			Phase:  sub.Phase,
			State:  sub.State,
			Merged: sub.Merged,
		}
		if sub.Body != nil {
			spec.Description = sub.Body.SectionText("Description")
			spec.AffectedAreas = sub.Body.ListItems("Affected Areas")
			spec.Todos = sub.Body.TodoItems()
		}
		specs = append(specs, spec)
	}
	return specs
}
