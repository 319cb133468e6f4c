package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kevin-mind/nopo-steward/pkg/agent"
	"github.com/kevin-mind/nopo-steward/pkg/config"
	"github.com/kevin-mind/nopo-steward/pkg/github"
	"github.com/kevin-mind/nopo-steward/pkg/orchestrator"
	"github.com/kevin-mind/nopo-steward/pkg/router"
)

// newDispatchCmd runs one event through the full pipeline in-process, no
// queue and no server. This is the single-shot mode for CI runners: the
// workflow invocation is the queue.
func newDispatchCmd() *cobra.Command {
	var eventFile, job string
	var issue int
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run one event through route, machine and runner",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ev, err := dispatchEvent(eventFile, job, issue)
			if err != nil {
				return err
			}

			token := cfg.GitHub.Token
			if token == "" {
				token = os.Getenv("GITHUB_TOKEN")
			}
			client := github.NewClient(github.Config{
				Token:      token,
				BaseURL:    cfg.GitHub.APIBase,
				GraphQLURL: cfg.GitHub.GraphQLURL,
			})
			invoker := agent.New(agent.Config{
				Command: cfg.Agent.Command,
				Args:    cfg.Agent.Args,
				Timeout: cfg.Agent.Timeout,
			})

			orch := orchestrator.New(orchestrator.Config{
				Owner:            cfg.GitHub.Owner,
				Repo:             cfg.GitHub.Repo,
				ProjectNumber:    cfg.GitHub.ProjectNumber,
				BotUsername:      cfg.GitHub.BotUsername,
				ReviewerUsername: cfg.GitHub.ReviewerUsername,
				BaseBranch:       cfg.Defaults.BaseBranch,
				MaxRetries:       cfg.Defaults.MaxRetries,
				DryRun:           cfg.Defaults.DryRun || dryRun,
			}, client, invoker)

			res, err := orch.Dispatch(cmd.Context(), ev)
			if res != nil {
				printResult(cmd, res)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&eventFile, "event", "", "event JSON file, - for stdin")
	cmd.Flags().StringVar(&job, "job", "", "job to run against --issue (synthetic dispatch)")
	cmd.Flags().IntVar(&issue, "issue", 0, "issue number for a synthetic dispatch")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log actions without touching the repository")
	return cmd
}

// dispatchEvent builds the event to dispatch: a recorded payload from
// --event, or a synthetic workflow_dispatch from --job/--issue.
func dispatchEvent(eventFile, job string, issue int) (*router.Event, error) {
	if eventFile != "" {
		ev, _, err := readEvent(eventFile)
		return ev, err
	}
	if issue == 0 {
		return nil, fmt.Errorf("either --event or --issue is required")
	}
	ev := &router.Event{
		Name:           "workflow_dispatch",
		ResourceNumber: issue,
	}
	if job != "" {
		// The trigger override steers the state machine; routing still
		// resolves the resource.
		if t, ok := router.JobTrigger(router.Job(job)); ok {
			ev.TriggerType = string(t)
		} else {
			return nil, fmt.Errorf("unknown job %q", job)
		}
	}
	return ev, nil
}

func printResult(cmd *cobra.Command, res *orchestrator.Result) {
	out := map[string]any{
		"job":       string(res.Decision.Job),
		"state":     string(res.State),
		"retrigger": res.Retrigger,
	}
	if res.Skipped {
		out["skip"] = true
		out["skip_reason"] = res.SkipReason
	}
	if res.Execution != nil {
		var acts []map[string]string
		for _, a := range res.Execution.Actions {
			acts = append(acts, map[string]string{
				"kind":   string(a.Kind),
				"status": string(a.Status),
			})
		}
		out["actions"] = acts
	}
	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
}
