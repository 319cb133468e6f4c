package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kevin-mind/nopo-steward/pkg/agent"
	"github.com/kevin-mind/nopo-steward/pkg/api"
	"github.com/kevin-mind/nopo-steward/pkg/config"
	"github.com/kevin-mind/nopo-steward/pkg/database"
	"github.com/kevin-mind/nopo-steward/pkg/events"
	"github.com/kevin-mind/nopo-steward/pkg/github"
	"github.com/kevin-mind/nopo-steward/pkg/metrics"
	"github.com/kevin-mind/nopo-steward/pkg/orchestrator"
	"github.com/kevin-mind/nopo-steward/pkg/queue"
	"github.com/kevin-mind/nopo-steward/pkg/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and dispatch worker pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("database config: %w", err)
	}
	db, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

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
		DryRun:           cfg.Defaults.DryRun,
	}, client, invoker)

	st := store.New(db.Pool)
	pub := events.NewPublisher(db.Pool)
	svc := queue.NewService(st, pub)

	pool := queue.NewPool(queue.Config{
		MaxWorkers:        cfg.Queue.MaxWorkers,
		PollInterval:      cfg.Queue.PollInterval,
		HeartbeatInterval: cfg.Queue.HeartbeatInterval,
		OrphanThreshold:   cfg.Queue.OrphanThreshold,
	}, svc, orch, dbCfg.DSN())
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	metrics.RegisterQueueDepth(func() map[string]int {
		countCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		counts, err := st.CountByStatus(countCtx)
		if err != nil {
			return nil
		}
		return counts
	})

	server := api.NewServer(api.Config{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		WebhookSecret: cfg.Server.WebhookSecret,
	}, orch, svc, st, db)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("server error triggered shutdown", "error", err)
	case <-ctx.Done():
	}

	// Drain HTTP first so no new dispatches arrive, then let in-flight
	// dispatches finish their terminal writes.
	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelHTTP()
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	poolCtx, cancelPool := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelPool()
	pool.Stop(poolCtx)

	slog.Info("shutdown complete")
	return nil
}
