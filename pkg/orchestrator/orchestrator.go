// Package orchestrator runs one dispatch end to end: route the event, load
// the machine context, run the state machine, execute the action queue and
// persist the aggregate diff.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kevin-mind/nopo-steward/pkg/actions"
	"github.com/kevin-mind/nopo-steward/pkg/agent"
	"github.com/kevin-mind/nopo-steward/pkg/github"
	"github.com/kevin-mind/nopo-steward/pkg/issues"
	"github.com/kevin-mind/nopo-steward/pkg/loader"
	"github.com/kevin-mind/nopo-steward/pkg/machine"
	"github.com/kevin-mind/nopo-steward/pkg/router"
	"github.com/kevin-mind/nopo-steward/pkg/runner"
)

// Config is the full pipeline configuration.
type Config struct {
	Owner            string
	Repo             string
	ProjectNumber    int
	BotUsername      string
	ReviewerUsername string
	BaseBranch       string
	MaxRetries       int
	DryRun           bool
}

// Orchestrator wires router, loader, machine and runner behind one entry
// point.
type Orchestrator struct {
	cfg    Config
	router *router.Router
	loader *loader.Loader
	runner *runner.Runner
	repo   *issues.Repository
	log    *slog.Logger
}

// New builds the pipeline over one VCS client and one agent invoker.
func New(cfg Config, client github.API, invoker agent.Invoker) *Orchestrator {
	repo := issues.NewRepository(client)
	return &Orchestrator{
		cfg: cfg,
		router: router.New(router.Config{
			BotUsername:      cfg.BotUsername,
			ReviewerUsername: cfg.ReviewerUsername,
			BaseBranch:       cfg.BaseBranch,
		}),
		loader: loader.New(loader.Config{
			Owner:            cfg.Owner,
			Repo:             cfg.Repo,
			ProjectNumber:    cfg.ProjectNumber,
			BotUsername:      cfg.BotUsername,
			ReviewerUsername: cfg.ReviewerUsername,
			BaseBranch:       cfg.BaseBranch,
			MaxRetries:       cfg.MaxRetries,
		}, repo),
		runner: runner.New(runner.Config{
			Owner:            cfg.Owner,
			Repo:             cfg.Repo,
			ProjectNumber:    cfg.ProjectNumber,
			BotUsername:      cfg.BotUsername,
			ReviewerUsername: cfg.ReviewerUsername,
			BaseBranch:       cfg.BaseBranch,
			DryRun:           cfg.DryRun,
		}, client, repo, invoker),
		repo: repo,
		log:  slog.Default().With("component", "orchestrator"),
	}
}

// Result is the outcome of one dispatch.
type Result struct {
	Decision  router.Decision
	State     machine.State
	Actions   []actions.Action
	Execution *runner.ExecutionResult
	// Retrigger is true for transient states that expect a follow-up
	// dispatch once the applied changes produce their next event.
	Retrigger  bool
	Skipped    bool
	SkipReason string
}

// Route runs the router only, for the ingress path that must decide whether
// to enqueue before any work happens.
func (o *Orchestrator) Route(ev *router.Event) router.Decision {
	return o.router.Route(ev)
}

// Dispatch runs the full pipeline for one event.
func (o *Orchestrator) Dispatch(ctx context.Context, ev *router.Event) (*Result, error) {
	d := o.Route(ev)
	return o.Run(ctx, d)
}

// Run executes a pre-routed decision. The queue worker calls this with the
// decision recorded at enqueue time.
func (o *Orchestrator) Run(ctx context.Context, d router.Decision) (*Result, error) {
	if d.Skip {
		o.log.Info("dispatch skipped", "reason", d.SkipReason)
		return &Result{Decision: d, Skipped: true, SkipReason: d.SkipReason}, nil
	}

	log := o.log.With("job", d.Job, "resource", d.ResourceNumber)

	mc, err := o.loader.BuildContext(ctx, d)
	if err != nil {
		if errors.Is(err, loader.ErrContextUnavailable) {
			log.Info("dispatch skipped", "reason", err)
			return &Result{Decision: d, Skipped: true, SkipReason: err.Error()}, nil
		}
		return nil, fmt.Errorf("load context: %w", err)
	}

	state, queue := machine.Run(mc)
	log.Info("machine decided", "state", state, "actions", len(queue))

	res := &Result{
		Decision:  d,
		State:     state,
		Actions:   queue,
		Retrigger: machine.IsTransient(state),
	}
	res.Execution = o.runner.Execute(ctx, mc, queue)

	if mc.Data != nil && !o.cfg.DryRun {
		if err := o.repo.Persist(ctx, mc.Data); err != nil {
			return res, fmt.Errorf("persist issue #%d: %w", mc.Data.Number, err)
		}
	}

	if !res.Execution.Success {
		return res, fmt.Errorf("dispatch %s: %d of %d actions failed",
			d.Job, failedCount(res.Execution), len(res.Execution.Actions))
	}
	log.Info("dispatch completed", "state", state, "retrigger", res.Retrigger)
	return res, nil
}

func failedCount(er *runner.ExecutionResult) int {
	n := 0
	for _, a := range er.Actions {
		if a.Status == runner.StatusFailed {
			n++
		}
	}
	return n
}
