package runner

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kevin-mind/nopo-steward/pkg/agent"
	"github.com/kevin-mind/nopo-steward/pkg/issues"
	"github.com/kevin-mind/nopo-steward/pkg/markdown"
)

// groomingPersonas are the parallel perspectives of one grooming pass. The
// merged plan takes the approach and phase split from the first persona that
// produced one, in this order.
var groomingPersonas = []string{"engineer", "pm", "qa", "research"}

// runGroomingPersonas fans one grooming request out across the personas and
// merges the plans.
func (r *Runner) runGroomingPersonas(ctx context.Context, req agent.Request) (*agent.Output, error) {
	outputs := make([]*agent.Output, len(groomingPersonas))

	g, gctx := errgroup.WithContext(ctx)
	for i, persona := range groomingPersonas {
		g.Go(func() error {
			pr := req
			pr.Variant = persona
			out, err := r.invoker.Invoke(gctx, pr)
			if err != nil {
				return fmt.Errorf("grooming persona %s: %w", persona, err)
			}
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := &agent.GroomingOutput{}
	seenTodo := map[string]bool{}
	seenQuestion := map[string]bool{}
	for _, out := range outputs {
		plan := out.Grooming
		if plan == nil {
			continue
		}
		if merged.Approach == "" {
			merged.Approach = plan.Approach
		}
		if len(merged.SubIssues) == 0 {
			merged.SubIssues = plan.SubIssues
		}
		for _, t := range plan.Todos {
			if key := strings.TrimSpace(t); !seenTodo[key] {
				seenTodo[key] = true
				merged.Todos = append(merged.Todos, t)
			}
		}
		for _, q := range plan.Questions {
			if key := strings.TrimSpace(q); !seenQuestion[key] {
				seenQuestion[key] = true
				merged.Questions = append(merged.Questions, q)
			}
		}
		merged.NeedsInfo = merged.NeedsInfo || plan.NeedsInfo
		merged.Notes = append(merged.Notes, plan.Notes...)
	}

	return &agent.Output{Kind: req.Kind, Grooming: merged}, nil
}

// execReconcileSubIssues converges the materialized sub-issues on the plan:
// missing phases are created, open phases dropped from the plan are labeled
// superseded, and merged or closed phases are never touched. The main-state
// marker records the final membership.
func (r *Runner) execReconcileSubIssues(ctx context.Context, st *execState) (ActionStatus, error) {
	data, err := st.data()
	if err != nil {
		return StatusFailed, err
	}
	if st.plan == nil {
		return StatusFailed, errNoOutput
	}
	plan := st.plan.SubIssues

	existing := issues.SubIssueSpecs(data.SubIssues)
	byPhase := make(map[int]*issues.ExistingSubIssue, len(existing))
	for i := range existing {
		byPhase[existing[i].Phase] = &existing[i]
	}

	planned := make(map[int]bool, len(plan))
	for _, spec := range plan {
		planned[spec.Phase] = true
		have, ok := byPhase[spec.Phase]
		if !ok {
			if _, err := r.createPlannedSubIssue(ctx, st, spec); err != nil {
				return StatusFailed, err
			}
			continue
		}
		if have.State == issues.IssueClosed || have.Merged {
			continue
		}
		if err := r.updatePlannedSubIssue(ctx, st, have.Number, spec); err != nil {
			return StatusFailed, err
		}
	}

	// Open phases the plan no longer wants are superseded, never deleted.
	for _, have := range existing {
		if planned[have.Phase] || have.State == issues.IssueClosed || have.Merged {
			continue
		}
		if len(plan) == 0 {
			// An empty phase list means the plan collapsed to a single issue;
			// leave materialized phases alone rather than superseding them all.
			continue
		}
		if err := r.client.AddLabels(ctx, data.Owner, data.Repo, have.Number, []string{issues.LabelSuperseded}); err != nil {
			return StatusFailed, fmt.Errorf("supersede #%d: %w", have.Number, err)
		}
		if sub := st.subIssue(have.Number); sub != nil && !sub.HasLabel(issues.LabelSuperseded) {
			sub.Labels = append(sub.Labels, issues.LabelSuperseded)
		}
		r.log.Info("superseded sub-issue", "issue", have.Number, "phase", have.Phase)
	}

	var members []int
	for _, sub := range data.SubIssues {
		if !sub.HasLabel(issues.LabelSuperseded) {
			members = append(members, sub.Number)
		}
	}
	if len(members) > 0 {
		data.Issue.Body.SetMainState(markdown.MainState{SubIssues: members})
	}
	return StatusOK, nil
}

func (r *Runner) createPlannedSubIssue(ctx context.Context, st *execState, spec agent.SubIssuePlan) (*issues.Issue, error) {
	data := st.mc.Data
	title := fmt.Sprintf("[Phase %d] %s", spec.Phase, spec.Title)

	sub, err := r.repo.CreateSubIssue(ctx, data, issues.NewSubIssue{
		Title: title,
		Body:  renderSubIssueBody(spec),
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("created sub-issue", "issue", sub.Number, "phase", spec.Phase)
	return sub, nil
}

func (r *Runner) updatePlannedSubIssue(ctx context.Context, st *execState, number int, spec agent.SubIssuePlan) error {
	sub := st.subIssue(number)
	if sub == nil || sub.Body == nil {
		return nil
	}

	changed := false
	if spec.Description != "" && sub.Body.SectionText("Description") != spec.Description {
		sub.Body.SetSectionText("Description", spec.Description)
		changed = true
	}
	if len(spec.AffectedAreas) > 0 {
		sub.Body.SetBulletList("Affected Areas", spec.AffectedAreas)
		changed = true
	}
	if len(spec.Todos) > 0 {
		sub.Body.SetTodos(mergeTodos(sub.Body.TodoItems(), spec.Todos))
		changed = true
	}
	if !changed {
		return nil
	}
	return r.flushSub(ctx, st, sub)
}

func renderSubIssueBody(spec agent.SubIssuePlan) string {
	var b strings.Builder
	b.WriteString("## Description\n\n")
	b.WriteString(spec.Description)
	b.WriteString("\n")
	if len(spec.AffectedAreas) > 0 {
		b.WriteString("\n## Affected Areas\n\n")
		for _, a := range spec.AffectedAreas {
			b.WriteString("- " + a + "\n")
		}
	}
	if len(spec.Todos) > 0 {
		b.WriteString("\n## Todos\n\n")
		for _, t := range spec.Todos {
			b.WriteString("- [ ] " + t + "\n")
		}
	}
	return b.String()
}
