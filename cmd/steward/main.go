// Steward drives repository issues through their lifecycle: it ingests
// webhook events, routes them onto a dispatch queue and runs the state
// machine plus action runner against the upstream repository.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kevin-mind/nopo-steward/pkg/version"
)

var (
	configPath string
	envPath    string
)

func main() {
	root := &cobra.Command{
		Use:           "steward",
		Short:         "Issue automation control plane",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if err := godotenv.Load(envPath); err != nil {
				slog.Debug("no .env file loaded", "path", envPath, "error", err)
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config",
		getEnv("STEWARD_CONFIG", "steward.yaml"), "path to steward.yaml")
	root.PersistentFlags().StringVar(&envPath, "env-file", ".env", "path to .env file")

	root.AddCommand(newServeCmd(), newRouteCmd(), newDispatchCmd(), newMigrateCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
	}
}
